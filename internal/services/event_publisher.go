package services

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"github.com/yoockh/threadline/internal/models"
)

// EventPublisher fans generation events out to observers of a thread.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.ChunkEvent) error
}

func EventsChannel(threadID string) string { return "thread:" + threadID + ":events" }

type RedisEventPublisher struct {
	rdb *redis.Client
}

func NewRedisEventPublisher(rdb *redis.Client) *RedisEventPublisher {
	return &RedisEventPublisher{rdb: rdb}
}

func (p *RedisEventPublisher) Publish(ctx context.Context, ev models.ChunkEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, EventsChannel(ev.ThreadID), b).Err()
}
