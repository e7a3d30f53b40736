// Package events publishes execution lifecycle events over Redis
// pub/sub so dashboards and other consumers can follow study runs
// without polling the API.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/indicate-spe/spe-core/internal/config"
	"github.com/indicate-spe/spe-core/internal/state"
)

// ExecutionEventChannel carries execution status transitions.
const ExecutionEventChannel = "execution_events"

// ExecutionEvent represents a status transition of a study execution.
type ExecutionEvent struct {
	Type        string `json:"type"`
	StudyID     string `json:"study_id"`
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Timestamp   int64  `json:"time"`
}

// Publisher publishes events to Redis channels. A nil Publisher is
// valid and publishes nothing, so callers never have to branch on
// whether events are configured.
type Publisher struct {
	redis *redis.Client
}

// NewPublisher creates a new event publisher.
func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{
		redis: redisClient,
	}
}

// PublishExecutionEvent publishes an execution status transition.
func (p *Publisher) PublishExecutionEvent(ctx context.Context, event ExecutionEvent) error {
	if p == nil || p.redis == nil {
		return nil
	}
	event.Type = "execution_status"
	event.Timestamp = time.Now().Unix()
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, ExecutionEventChannel, string(data)).Err()
}

// PublishTransition is a convenience wrapper for an execution record.
func (p *Publisher) PublishTransition(ctx context.Context, exec *state.Execution, message string) error {
	return p.PublishExecutionEvent(ctx, ExecutionEvent{
		StudyID:     exec.StudyID,
		ExecutionID: exec.ID,
		Status:      string(exec.Status),
		Message:     message,
	})
}

// ConnectRedis creates a Redis client from config.
func ConnectRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
