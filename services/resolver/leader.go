// Package resolver runs the background loops that keep the queue
// honest: claim expiry, deadline enforcement, dependency fan-out and
// data expiry.
package resolver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	leaderKey = "resolver:expiry-leader"
	leaderTTL = 90 * time.Second
)

// Leader elects one resolver instance to run the expiry jobs. The
// polling resolvers run everywhere; only periodic deletion needs a
// single owner to avoid batch deletes trampling each other.
type Leader struct {
	client     *redis.Client
	instanceID string
	logger     *slog.Logger
}

// NewLeader creates a leader handle for this instance.
func NewLeader(client *redis.Client, instanceID string, logger *slog.Logger) *Leader {
	return &Leader{client: client, instanceID: instanceID, logger: logger}
}

// IsLeader acquires or renews leadership and reports whether this
// instance currently holds it.
func (l *Leader) IsLeader(ctx context.Context) bool {
	ok, err := l.client.SetNX(ctx, leaderKey, l.instanceID, leaderTTL).Result()
	if err != nil {
		l.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		l.logger.Info("acquired expiry leadership", slog.String("instance_id", l.instanceID))
		return true
	}

	// Renew only if we own the key; the Lua script keeps check and
	// expire atomic.
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, l.client,
		[]string{leaderKey},
		l.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}
