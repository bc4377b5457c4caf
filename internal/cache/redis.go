// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/lobbyd/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list lobby events are pushed to.
const DefaultQueueName = "lobby_events"

// Connect opens a Redis client for addr/db and verifies it with a ping.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Queue is a Redis list carrying JSON-encoded lobby events from the server
// to the historian.
type Queue struct {
	rdb  *redis.Client
	name string
}

// NewQueue wraps rdb. An empty name uses DefaultQueueName.
func NewQueue(rdb *redis.Client, name string) *Queue {
	if name == "" {
		name = DefaultQueueName
	}
	return &Queue{rdb: rdb, name: name}
}

// Name returns the Redis key of the list.
func (q *Queue) Name() string { return q.name }

// Publish serializes ev and pushes it to the tail of the queue.
func (q *Queue) Publish(ctx context.Context, ev models.LobbyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal LobbyEvent: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next event. ok is false when the timeout
// elapsed with nothing queued.
func (q *Queue) Pop(ctx context.Context, timeout time.Duration) (ev models.LobbyEvent, ok bool, err error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return ev, false, nil
	}
	if err != nil {
		return ev, false, fmt.Errorf("BLPop %s: %w", q.name, err)
	}
	// res[0] is the list name and res[1] the payload
	if len(res) < 2 {
		return ev, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &ev); err != nil {
		return ev, false, fmt.Errorf("invalid lobby event record: %w", err)
	}
	return ev, true, nil
}

// Len returns the number of queued events.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}
