package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tasklane/tasklane/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newClaimResolver(env *testEnv) *ClaimResolver {
	r := NewClaimResolver(env.tasks, env.queue, env.publisher, discardLogger(), 2)
	r.now = env.clock
	return r
}

func TestClaimResolver_RetriesExpiredClaim(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := newClaimResolver(env)

	task := seedRunningTask(env, "t1", "wg", "w1")
	require.NoError(t, env.queue.PutClaimMessage(ctx, "t1", 0, *task.TakenUntil))
	env.advance(30 * time.Minute)

	handled, err := r.pollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	stored := env.tasks.get(t, "t1")
	require.Len(t, stored.Runs, 2)
	assert.Equal(t, domain.RunException, stored.Runs[0].State)
	assert.Equal(t, domain.ResolvedClaimExpired, stored.Runs[0].ReasonResolved)
	assert.Equal(t, domain.ReasonRetry, stored.Runs[1].ReasonCreated)
	assert.Equal(t, domain.RunPending, stored.Runs[1].State)
	assert.Equal(t, 1, stored.RetriesLeft)

	// The retry run is announced and the hint is acked.
	assert.Len(t, env.queue.pendingFor("aws/build"), 1)
	assert.Contains(t, env.publisher.published(), "pending/t1")
	assert.Len(t, env.queue.removedClaims, 1)
	assert.Empty(t, env.queue.resolved)
}

func TestClaimResolver_ExhaustedRetriesResolveTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := newClaimResolver(env)

	task := seedRunningTask(env, "t1", "wg", "w1")
	task.RetriesLeft = 0
	env.tasks.put(task)
	require.NoError(t, env.queue.PutClaimMessage(ctx, "t1", 0, *task.TakenUntil))
	env.advance(30 * time.Minute)

	_, err := r.pollOnce(ctx)
	require.NoError(t, err)

	stored := env.tasks.get(t, "t1")
	require.Len(t, stored.Runs, 1)
	assert.Equal(t, domain.ResolvedClaimExpired, stored.Runs[0].ReasonResolved)

	assert.Contains(t, env.publisher.published(), "exception/t1")
	require.Len(t, env.queue.resolved, 1)
	assert.Equal(t, domain.ResolutionException, env.queue.resolved[0].Resolution)
	assert.Len(t, env.queue.removedClaims, 1)
}

func TestClaimResolver_ReclaimedRunIsLeftAlone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := newClaimResolver(env)

	task := seedRunningTask(env, "t1", "wg", "w1")
	require.NoError(t, env.queue.PutClaimMessage(ctx, "t1", 0, *task.TakenUntil))

	// The worker reclaimed before the hint fired; takenUntil is fresh.
	env.advance(30 * time.Minute)
	taken := env.clock().Add(10 * time.Minute)
	task.Runs[0].TakenUntil = &taken
	task.TakenUntil = &taken
	env.tasks.put(task)

	_, err := r.pollOnce(ctx)
	require.NoError(t, err)

	stored := env.tasks.get(t, "t1")
	require.Len(t, stored.Runs, 1)
	assert.Equal(t, domain.RunRunning, stored.Runs[0].State)
	assert.Len(t, env.queue.removedClaims, 1)
}

func TestClaimResolver_ReplacedTakenUntilIsStale(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := newClaimResolver(env)

	// The run was re-claimed after this hint was written: the stored
	// takenUntil differs from the hint's even though both have passed,
	// so the later hint owns the expiry.
	task := seedRunningTask(env, "t1", "wg", "w1")
	require.NoError(t, env.queue.PutClaimMessage(ctx, "t1", 0, *task.TakenUntil))
	taken := task.TakenUntil.Add(20 * time.Minute)
	task.Runs[0].TakenUntil = &taken
	task.TakenUntil = &taken
	env.tasks.put(task)
	env.advance(2 * time.Hour)

	_, err := r.pollOnce(ctx)
	require.NoError(t, err)

	stored := env.tasks.get(t, "t1")
	require.Len(t, stored.Runs, 1)
	assert.Equal(t, domain.RunRunning, stored.Runs[0].State)
	assert.Len(t, env.queue.removedClaims, 1)
	assert.Empty(t, env.queue.resolved)
}

func TestClaimResolver_ResolvedRunAcksQuietly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := newClaimResolver(env)

	task := seedRunningTask(env, "t1", "wg", "w1")
	require.NoError(t, env.queue.PutClaimMessage(ctx, "t1", 0, *task.TakenUntil))
	task.ResolveRun(0, domain.RunCompleted, domain.ResolvedCompleted, env.clock())
	env.tasks.put(task)
	env.advance(30 * time.Minute)

	_, err := r.pollOnce(ctx)
	require.NoError(t, err)

	assert.Len(t, env.queue.removedClaims, 1)
	assert.Empty(t, env.publisher.published())
	assert.Empty(t, env.queue.resolved)
}

func TestClaimResolver_TaskGone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	r := newClaimResolver(env)

	require.NoError(t, env.queue.PutClaimMessage(ctx, "absent", 0, env.clock()))

	_, err := r.pollOnce(ctx)
	require.NoError(t, err)
	assert.Len(t, env.queue.removedClaims, 1)
}
