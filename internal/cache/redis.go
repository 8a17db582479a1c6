// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/models"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list (queue) name for lobby action logs.
const DefaultQueueName = "escaperoom_actions"

// ConnectRedis opens a client on addr and pings it.
func ConnectRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// Publisher pushes action records onto a Redis list consumed by the historian.
type Publisher struct {
	rdb   redis.UniversalClient
	queue string
}

// NewPublisher returns a publisher for queue. An empty queue uses DefaultQueueName.
func NewPublisher(rdb redis.UniversalClient, queue string) *Publisher {
	if queue == "" {
		queue = DefaultQueueName
	}
	return &Publisher{rdb: rdb, queue: queue}
}

// Queue returns the list name.
func (p *Publisher) Queue() string { return p.queue }

func (p *Publisher) indexKey(lobby string) string {
	return p.queue + ":index:" + lobby
}

// Publish numbers the record within its lobby, serializes it and pushes it to the queue.
func (p *Publisher) Publish(ctx context.Context, rec models.ActionRecord) error {
	idx, err := p.rdb.Incr(ctx, p.indexKey(rec.Lobby)).Result()
	if err != nil {
		return fmt.Errorf("failed to number action for lobby %s: %w", rec.Lobby, err)
	}
	rec.ActionIndex = idx
	if rec.ActionPayload == nil {
		rec.ActionPayload = map[string]interface{}{}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal ActionRecord: %w", err)
	}
	if err := p.rdb.RPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", p.queue, err)
	}
	return nil
}

// Pop blocks up to timeout for the next record. ok is false when the wait timed out.
func (p *Publisher) Pop(ctx context.Context, timeout time.Duration) (models.ActionRecord, bool, error) {
	var rec models.ActionRecord
	res, err := p.rdb.BLPop(ctx, timeout, p.queue).Result()
	if errors.Is(err, redis.Nil) {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	if len(res) < 2 {
		return rec, false, nil
	}
	// res[0] is the queue name and res[1] the payload.
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return rec, false, fmt.Errorf("invalid action record: %w", err)
	}
	return rec, true, nil
}

// Forget drops the per-lobby action counter.
func (p *Publisher) Forget(ctx context.Context, lobby string) error {
	return p.rdb.Del(ctx, p.indexKey(lobby)).Err()
}
