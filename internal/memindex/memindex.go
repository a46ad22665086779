// Package memindex maintains the ephemeral worker -> memory-id index in
// Redis. The index accelerates retrieval; it is rebuilt from the durable
// store on a miss, so losing it is never an error.
package memindex

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index is the Redis-backed memory-id index. Ids are kept in a per-worker
// sorted set scored by creation time so the newest ids come back first.
type Index struct {
	client *redis.Client
	prefix string
}

// New creates an index against the given Redis address.
func New(addr string, db int) (*Index, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &Index{client: client, prefix: "weft:memidx"}, nil
}

// NewWithClient wraps an existing client. Tests use this with miniredis.
func NewWithClient(client *redis.Client) *Index {
	return &Index{client: client, prefix: "weft:memidx"}
}

// Close releases the underlying connection.
func (i *Index) Close() error {
	return i.client.Close()
}

func (i *Index) workerKey(workerID string) string {
	return fmt.Sprintf("%s:%s", i.prefix, workerID)
}

// Add records a memory id for a worker. Re-adding an id updates its score,
// matching the store's overwrite-on-collision semantics.
func (i *Index) Add(ctx context.Context, workerID, memoryID string, createdAt time.Time) error {
	return i.client.ZAdd(ctx, i.workerKey(workerID), redis.Z{
		Score:  float64(createdAt.UTC().UnixNano()),
		Member: memoryID,
	}).Err()
}

// Remove drops memory ids from a worker's index, typically after pruning.
func (i *Index) Remove(ctx context.Context, workerID string, memoryIDs ...string) error {
	if len(memoryIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(memoryIDs))
	for n, id := range memoryIDs {
		members[n] = id
	}
	return i.client.ZRem(ctx, i.workerKey(workerID), members...).Err()
}

// MemoryIDs returns a worker's memory ids, newest first. limit <= 0 returns
// all of them.
func (i *Index) MemoryIDs(ctx context.Context, workerID string, limit int) ([]string, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	return i.client.ZRevRange(ctx, i.workerKey(workerID), 0, stop).Result()
}

// Count returns how many ids are indexed for a worker.
func (i *Index) Count(ctx context.Context, workerID string) (int64, error) {
	return i.client.ZCard(ctx, i.workerKey(workerID)).Result()
}
