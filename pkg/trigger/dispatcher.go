package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
)

// ErrDuplicateEvent is returned by Send when the message was already
// dispatched. Callers treat it as skipped.
var ErrDuplicateEvent = fmt.Errorf("%w: event already dispatched", pferrors.ErrDuplicateInvocation)

// DefaultIdempotencyTTL is how long a dispatched message id is remembered.
const DefaultIdempotencyTTL = 24 * time.Hour

// Dispatcher enqueues events at most once per message id.
type Dispatcher struct {
	queue   queue.Queue
	idem    IdempotencyStore
	ttl     time.Duration
	logger  logging.Logger
	metrics *observability.Metrics
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithIdempotencyTTL sets how long dispatched ids are remembered.
func WithIdempotencyTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(l logging.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDispatcherMetrics sets the metrics sink.
func WithDispatcherMetrics(m *observability.Metrics) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = m }
}

// NewDispatcher creates a dispatcher over q.
func NewDispatcher(q queue.Queue, idem IdempotencyStore, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:  q,
		idem:   idem,
		ttl:    DefaultIdempotencyTTL,
		logger: logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(logging.F("component", "trigger_dispatcher"))
	return d
}

// Send enqueues ev and returns the queue message id. A second Send for the
// same message id returns ErrDuplicateEvent.
func (d *Dispatcher) Send(ctx context.Context, ev Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}

	claimed, err := d.idem.Claim(ctx, ev.IdempotencyKey(), d.ttl)
	if err != nil {
		return "", err
	}
	if !claimed {
		d.metrics.RecordTriggerOutcome("duplicate")
		d.logger.Debug("Duplicate event ignored", logging.F("message_id", ev.MessageID))
		return "", ErrDuplicateEvent
	}

	id, err := d.queue.Enqueue(ctx, EventName, ev)
	if err != nil {
		// Without the release the message could never be dispatched again.
		if relErr := d.idem.Release(context.WithoutCancel(ctx), ev.IdempotencyKey()); relErr != nil {
			err = errors.Join(err, relErr)
		}
		return "", fmt.Errorf("failed to dispatch event: %w", err)
	}

	d.metrics.RecordTriggerOutcome("dispatched")
	d.logger.Info("Event dispatched",
		logging.F("tenant_id", ev.TenantID),
		logging.F("message_id", ev.MessageID),
		logging.F("queue_message_id", id))
	return id, nil
}
