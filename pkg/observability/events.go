package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event channels for Redis pub/sub
const (
	ChannelAnalysisCompleted = "events.analysis.completed"
	ChannelAnalysisSkipped   = "events.analysis.skipped"
	ChannelAnalysisFailed    = "events.analysis.failed"
)

// AnalysisEvent is published when a message finishes (or abandons) analysis.
type AnalysisEvent struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	MessageID  string    `json:"message_id"`
	ThreadID   string    `json:"thread_id,omitempty"`
	TraceID    string    `json:"trace_id,omitempty"`
	Status     string    `json:"status"`
	Kinds      []string  `json:"kinds,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

// NewAnalysisEvent creates an event with a generated ID.
func NewAnalysisEvent(tenantID, messageID, threadID, status string, duration time.Duration) *AnalysisEvent {
	return &AnalysisEvent{
		EventID:    uuid.NewString(),
		TenantID:   tenantID,
		MessageID:  messageID,
		ThreadID:   threadID,
		Status:     status,
		DurationMs: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
}

// EventPublisher publishes lifecycle events.
type EventPublisher interface {
	Publish(ctx context.Context, channel string, event any) error
}

// RedisPublisher publishes events on Redis pub/sub channels.
type RedisPublisher struct {
	client redis.UniversalClient
}

// NewRedisPublisher creates a publisher on the given client.
func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish marshals event as JSON and publishes it on channel.
func (p *RedisPublisher) Publish(ctx context.Context, channel string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements EventPublisher.
func (NopPublisher) Publish(context.Context, string, any) error { return nil }
