package redisq

import (
	"testing"
	"time"

	"github.com/tasklane/tasklane/internal/domain"
)

func TestLaneNameDeterministic(t *testing.T) {
	a := laneName("aws/build-xlarge", domain.PriorityHigh)
	b := laneName("aws/build-xlarge", domain.PriorityHigh)
	if a != b {
		t.Errorf("lane name not deterministic: %q vs %q", a, b)
	}
	if a == laneName("aws/build-xlarge", domain.PriorityLow) {
		t.Error("different priorities mapped to the same lane")
	}
	if a == laneName("aws/build-small", domain.PriorityHigh) {
		t.Error("different task queues mapped to the same lane")
	}
}

func TestSplitRegistryField(t *testing.T) {
	queueID, priority, ok := splitRegistryField("aws/build-xlarge/high")
	if !ok {
		t.Fatal("expected field to parse")
	}
	if queueID != "aws/build-xlarge" {
		t.Errorf("taskQueueId = %q, want aws/build-xlarge", queueID)
	}
	if priority != domain.PriorityHigh {
		t.Errorf("priority = %q, want high", priority)
	}

	if _, _, ok := splitRegistryField("no-slash"); ok {
		t.Error("field without slash should not parse")
	}
	if _, _, ok := splitRegistryField("aws/build/not-a-priority"); ok {
		t.Error("field with unknown priority should not parse")
	}
}

func TestCountCacheExpiry(t *testing.T) {
	cache := newCountCache(50 * time.Millisecond)

	if _, ok := cache.get("q"); ok {
		t.Error("empty cache returned a hit")
	}

	cache.set("q", 7)
	if n, ok := cache.get("q"); !ok || n != 7 {
		t.Errorf("get = (%d, %v), want (7, true)", n, ok)
	}

	time.Sleep(60 * time.Millisecond)
	if _, ok := cache.get("q"); ok {
		t.Error("stale entry returned as fresh")
	}
}
