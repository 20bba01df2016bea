// Package redisq implements visibility-delayed message queues on Redis.
//
// Each queue is a sorted set of message ids scored by visibility time in
// epoch milliseconds, plus a hash of message payloads. Polling leases
// messages by bumping their score into the future; consumers must
// either remove a message after acting on it or release it for instant
// re-delivery. Messages that are neither removed nor released reappear
// when the lease runs out, which gives at-least-once delivery.
//
// Everything in here is advisory. Consumers validate against the task
// store before acting and acknowledge unconditionally afterwards.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultPollLimit is how many messages a single poll may lease.
	DefaultPollLimit = 32

	// DefaultLease is how long a leased message stays invisible.
	DefaultLease = 10 * time.Minute
)

// pollScript leases up to ARGV[3] visible messages: their scores are
// bumped to ARGV[2] and their payloads returned. Ids whose payload is
// gone are dropped from the set as they are encountered.
var pollScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local result = {}
for _, id in ipairs(ids) do
	local payload = redis.call('HGET', KEYS[2], id)
	if payload then
		redis.call('ZADD', KEYS[1], ARGV[2], id)
		table.insert(result, id)
		table.insert(result, payload)
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return result
`)

// releaseScript rescores a message to now, but only if it is still a
// member. Releasing after a concurrent remove must not resurrect it.
var releaseScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Message is one leased queue entry. ID doubles as the receipt for
// Remove and Release.
type Message struct {
	ID      string
	Payload []byte
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func zsetKey(queue string) string { return "q:" + queue + ":z" }
func hashKey(queue string) string { return "q:" + queue + ":h" }

func epochMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// put enqueues a payload on the named queue, invisible until visibleAt.
func put(ctx context.Context, client *redis.Client, queue string, payload any, visibleAt time.Time) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal message for queue %s: %w", queue, err)
	}
	id := uuid.New().String()

	pipe := client.TxPipeline()
	pipe.HSet(ctx, hashKey(queue), id, data)
	pipe.ZAdd(ctx, zsetKey(queue), redis.Z{
		Score:  float64(visibleAt.UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("put message on queue %s: %w", queue, err)
	}
	return id, nil
}

// poll leases up to limit visible messages for the given lease window.
func poll(ctx context.Context, client *redis.Client, queue string, limit int, lease time.Duration) ([]Message, error) {
	now := time.Now()
	raw, err := pollScript.Run(ctx, client,
		[]string{zsetKey(queue), hashKey(queue)},
		epochMillis(now), epochMillis(now.Add(lease)), limit,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("poll queue %s: %w", queue, err)
	}

	messages := make([]Message, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		id, _ := raw[i].(string)
		payload, _ := raw[i+1].(string)
		messages = append(messages, Message{ID: id, Payload: []byte(payload)})
	}
	return messages, nil
}

// remove deletes a message permanently. Safe to call twice.
func remove(ctx context.Context, client *redis.Client, queue, id string) error {
	pipe := client.TxPipeline()
	pipe.ZRem(ctx, zsetKey(queue), id)
	pipe.HDel(ctx, hashKey(queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove message from queue %s: %w", queue, err)
	}
	return nil
}

// release makes a leased message visible again immediately.
func release(ctx context.Context, client *redis.Client, queue, id string) error {
	err := releaseScript.Run(ctx, client,
		[]string{zsetKey(queue)},
		epochMillis(time.Now()), id,
	).Err()
	if err != nil {
		return fmt.Errorf("release message on queue %s: %w", queue, err)
	}
	return nil
}

// count returns the number of messages on the queue, leased or not.
func count(ctx context.Context, client *redis.Client, queue string) (int64, error) {
	n, err := client.ZCard(ctx, zsetKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("count queue %s: %w", queue, err)
	}
	return n, nil
}

// deleteQueue drops a queue entirely.
func deleteQueue(ctx context.Context, client *redis.Client, queue string) error {
	if err := client.Del(ctx, zsetKey(queue), hashKey(queue)).Err(); err != nil {
		return fmt.Errorf("delete queue %s: %w", queue, err)
	}
	return nil
}
