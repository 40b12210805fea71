// Package queue provides the Redis-backed work queue that carries trigger
// events to workers, with delayed retries and a dead letter queue.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is a queued unit of work.
type Envelope struct {
	ID           string          `json:"id"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload"`
	Attempt      int             `json:"attempt"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
	VisibleAfter time.Time       `json:"visible_after,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

// Disposition reports what Nack did with a message.
type Disposition struct {
	Retried    bool
	Attempt    int
	Delay      time.Duration
	DeadLetter bool
}

// Depth is the number of messages per state.
type Depth struct {
	Ready      int64
	Delayed    int64
	Processing int64
	Dead       int64
}

// Queue is a durable at-least-once work queue.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, kind string, payload any) (string, error)
	Dequeue(ctx context.Context, maxMessages int, wait time.Duration) ([]*Envelope, error)
	Ack(ctx context.Context, id string) error
	// Nack schedules a retry according to the backoff schedule, or moves the
	// message to the dead letter queue once the schedule is exhausted.
	Nack(ctx context.Context, id string, cause error) (Disposition, error)
	DeadLetter(ctx context.Context, id, reason string) error
	Depth(ctx context.Context) (Depth, error)
	// RecoverStale returns messages whose visibility timeout expired to the
	// ready set.
	RecoverStale(ctx context.Context) (int, error)
}

// Schedule is the delay before each retry; its length is the retry budget.
type Schedule []time.Duration

// DefaultSchedule backs off from one minute to thirty over six retries.
var DefaultSchedule = Schedule{
	1 * time.Minute,
	2 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
	30 * time.Minute,
}

// Delay returns the delay before retry number attempt (1-based) and false
// once the schedule is exhausted.
func (s Schedule) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > len(s) {
		return 0, false
	}
	return s[attempt-1], true
}

// MaxRetries is the number of retries before dead-lettering.
func (s Schedule) MaxRetries() int { return len(s) }

// Config configures a queue.
type Config struct {
	Name              string        `yaml:"name"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	RetentionPeriod   time.Duration `yaml:"retention_period"`
	Schedule          Schedule      `yaml:"schedule"`
	// PollInterval is how long Dequeue sleeps between empty polls.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// DefaultConfig returns the configuration for the named queue.
func DefaultConfig(name string) Config {
	return Config{
		Name:              name,
		VisibilityTimeout: 5 * time.Minute,
		RetentionPeriod:   7 * 24 * time.Hour,
		Schedule:          DefaultSchedule,
		PollInterval:      100 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Name)
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = d.VisibilityTimeout
	}
	if c.RetentionPeriod <= 0 {
		c.RetentionPeriod = d.RetentionPeriod
	}
	if c.Schedule == nil {
		c.Schedule = d.Schedule
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}
