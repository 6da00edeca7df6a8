package escalation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// enqueueScript pushes a revision onto the review list and stores its
// payload, atomically and idempotently: an already-queued revision is left
// untouched.
// KEYS[1] = list key, KEYS[2] = payload hash key
// ARGV[1] = revision, ARGV[2] = item JSON
var enqueueScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[1]) == 1 then
    return 0
end
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("HSET", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// removeScript drops a revision from the list and its payload together.
var removeScript = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
return redis.call("HDEL", KEYS[2], ARGV[1])
`)

// RedisQueue is a Queue shared by multiple pipeline workers. Order and
// payloads live in a list plus a hash under a common key prefix.
type RedisQueue struct {
	client  *redis.Client
	listKey string
	hashKey string
}

// NewRedisQueue creates a queue on the given client under keyPrefix.
func NewRedisQueue(client *redis.Client, keyPrefix string) *RedisQueue {
	if keyPrefix == "" {
		keyPrefix = "keel:review"
	}
	return &RedisQueue{
		client:  client,
		listKey: keyPrefix + ":queue",
		hashKey: keyPrefix + ":items",
	}
}

// Enqueue pushes the item unless its revision is already queued.
func (q *RedisQueue) Enqueue(ctx context.Context, item Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("review queue: marshal item: %w", err)
	}
	if err := enqueueScript.Run(ctx, q.client, []string{q.listKey, q.hashKey}, item.Revision, payload).Err(); err != nil {
		return fmt.Errorf("review queue: enqueue: %w", err)
	}
	return nil
}

// Remove deletes the revision from the queue.
func (q *RedisQueue) Remove(ctx context.Context, revision string) error {
	if err := removeScript.Run(ctx, q.client, []string{q.listKey, q.hashKey}, revision).Err(); err != nil {
		return fmt.Errorf("review queue: remove: %w", err)
	}
	return nil
}

// Contains reports whether the revision is queued.
func (q *RedisQueue) Contains(ctx context.Context, revision string) (bool, error) {
	ok, err := q.client.HExists(ctx, q.hashKey, revision).Result()
	if err != nil {
		return false, fmt.Errorf("review queue: contains: %w", err)
	}
	return ok, nil
}

// Len returns the number of queued items.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("review queue: len: %w", err)
	}
	return int(n), nil
}
