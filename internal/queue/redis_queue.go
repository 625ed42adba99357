package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates ready, in-flight, and scheduled item sets in Redis.
// It is the claim coordinator: ClaimBatch is the single serialization point
// of the whole subsystem, everything else proceeds in parallel. Namespacing
// lets the run queue and the normalization queue share one implementation.
type RedisQueue struct {
	client         *redis.Client
	namespace      string
	priorityQueues []string
	visibilityTTL  time.Duration
	dlqKey         string
}

// Options tunes a queue namespace.
type Options struct {
	Namespace      string
	PriorityQueues []string
	Visibility     time.Duration
	DLQName        string
}

// NewRedisQueue builds a queue client for one namespace.
func NewRedisQueue(client *redis.Client, opts Options) *RedisQueue {
	if opts.Namespace == "" {
		opts.Namespace = "runs"
	}
	if len(opts.PriorityQueues) == 0 {
		opts.PriorityQueues = []string{"default"}
	}
	if opts.Visibility == 0 {
		opts.Visibility = 30 * time.Second
	}
	if opts.DLQName == "" {
		opts.DLQName = opts.Namespace + ":dlq"
	}
	return &RedisQueue{
		client:         client,
		namespace:      opts.Namespace,
		priorityQueues: opts.PriorityQueues,
		visibilityTTL:  opts.Visibility,
		dlqKey:         opts.DLQName,
	}
}

func (q *RedisQueue) readyKey(priority string) string {
	return fmt.Sprintf("%s:ready:%s", q.namespace, priority)
}

func (q *RedisQueue) inflightKey() string  { return q.namespace + ":inflight" }
func (q *RedisQueue) scheduledKey() string { return q.namespace + ":scheduled" }
func (q *RedisQueue) metaPrefix() string   { return q.namespace + ":meta:" }

func (q *RedisQueue) metaKey(itemID string) string {
	return q.metaPrefix() + itemID
}

// Enqueue inserts an item into either the scheduled set or the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, itemID, priority string, availableAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(itemID), "priority", priority)
	if availableAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(availableAt.UnixMilli()), Member: itemID})
	} else {
		pipe.RPush(ctx, q.readyKey(priority), itemID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves an item into the scheduled set for deferred execution.
func (q *RedisQueue) Schedule(ctx context.Context, itemID, priority string, availableAt time.Time) error {
	if priority == "" {
		priority = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(itemID), "priority", priority)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(availableAt.UnixMilli()), Member: itemID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled items into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.ItemPriority(ctx, id)
		pipe.ZRem(ctx, q.scheduledKey(), id)
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ClaimBatch atomically pops up to limit items across the ready queues
// (priority order) and registers each in the inflight set with a lease
// deadline and owner. Redis runs the script single-threaded, so batches
// handed to concurrent callers are always disjoint.
func (q *RedisQueue) ClaimBatch(ctx context.Context, workerID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(q.priorityQueues)+1)
	for _, p := range q.priorityQueues {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey())

	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	ids, err := claimScript.Run(ctx, q.client, keys, deadline, limit, workerID, q.metaPrefix()).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight item.
func (q *RedisQueue) ExtendLease(ctx context.Context, itemID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey(), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: itemID,
	}).Err()
}

// Ack removes an item from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, itemID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), itemID)
	pipe.Del(ctx, q.metaKey(itemID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases whose deadline passed, re-enqueuing the
// items so another worker can pick up after a crash.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		priority := q.ItemPriority(ctx, id)
		pipe.ZRem(ctx, q.inflightKey(), id)
		pipe.HDel(ctx, q.metaKey(id), "owner")
		pipe.RPush(ctx, q.readyKey(priority), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes an item from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, itemID string) error {
	pipe := q.client.TxPipeline()
	for _, p := range q.priorityQueues {
		pipe.LRem(ctx, q.readyKey(p), 0, itemID)
	}
	pipe.ZRem(ctx, q.inflightKey(), itemID)
	pipe.ZRem(ctx, q.scheduledKey(), itemID)
	pipe.Del(ctx, q.metaKey(itemID))
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, itemID string) error {
	return q.client.RPush(ctx, q.dlqKey, itemID).Err()
}

// DLQPeek reads the latest dead-lettered item IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.priorityQueues))
	for _, p := range q.priorityQueues {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(p)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

// Tracked reports whether the item currently has a meta record, meaning it
// sits in a ready list, the scheduled set, or in flight. The record is
// written on Enqueue/Schedule and deleted on Ack/Cancel.
func (q *RedisQueue) Tracked(ctx context.Context, itemID string) (bool, error) {
	n, err := q.client.Exists(ctx, q.metaKey(itemID)).Result()
	return n > 0, err
}

// ItemPriority returns the priority recorded for an item, defaulting when
// the meta record is gone or was never written.
func (q *RedisQueue) ItemPriority(ctx context.Context, itemID string) string {
	priority, err := q.client.HGet(ctx, q.metaKey(itemID), "priority").Result()
	if err != nil || priority == "" {
		return "default"
	}
	return priority
}

var claimScript = redis.NewScript(`
local inflight = KEYS[#KEYS]
local deadline = ARGV[1]
local limit = tonumber(ARGV[2])
local owner = ARGV[3]
local metaPrefix = ARGV[4]
local claimed = {}
for i=1,#KEYS-1 do
  while #claimed < limit do
    local item = redis.call('LPOP', KEYS[i])
    if not item then break end
    redis.call('ZADD', inflight, deadline, item)
    redis.call('HSET', metaPrefix .. item, 'owner', owner)
    claimed[#claimed+1] = item
  end
  if #claimed >= limit then break end
end
return claimed
`)
