// Package redisq provides a Redis Streams dispatch channel for job
// handoff between coordinator nodes. The database queue remains the
// source of truth for job state; the stream only accelerates dispatch,
// so a lost stream entry is recovered by the lease reaper.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ratchet/pkg/models"
)

const (
	// StreamKeyPending is the dispatch stream.
	StreamKeyPending = "ratchet:jobs:pending"
	// ConsumerGroup is the coordinator consumer group.
	ConsumerGroup = "ratchet-dispatchers"
)

// RedisQueue pushes newly enqueued jobs onto a stream and pops them on
// the consuming side.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects and verifies the Redis endpoint.
func NewRedisQueue(addr string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisQueue{client: client}, nil
}

func (r *RedisQueue) Close() error {
	return r.client.Close()
}

// EnsureGroup creates the consumer group if it does not exist.
func (r *RedisQueue) EnsureGroup(ctx context.Context, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, StreamKeyPending, group, "$").Err()
	if err != nil {
		if err.Error() == "BUSYGROUP Consumer Group name already exists" {
			return nil
		}
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Push adds a newly enqueued job to the dispatch stream.
func (r *RedisQueue) Push(ctx context.Context, job *models.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	err = r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKeyPending,
		Values: map[string]interface{}{
			"payload": payload,
			"job_id":  job.ID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to push to dispatch stream: %w", err)
	}
	return nil
}

// Pop blocks briefly waiting for a dispatched job. A nil job with nil
// error means the wait timed out.
func (r *RedisQueue) Pop(ctx context.Context, group, consumer string) (string, *models.Job, error) {
	streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{StreamKeyPending, ">"},
		Count:    1,
		Block:    2 * time.Second,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("failed to read from dispatch stream: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return "", nil, nil
	}

	msg := streams[0].Messages[0]
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return msg.ID, nil, fmt.Errorf("invalid payload format")
	}
	var job models.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return msg.ID, nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return msg.ID, &job, nil
}

// Ack acknowledges a processed stream entry.
func (r *RedisQueue) Ack(ctx context.Context, group, msgID string) error {
	return r.client.XAck(ctx, StreamKeyPending, group, msgID).Err()
}
