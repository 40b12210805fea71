package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
)

// StepStore memoizes step outputs per run.
type StepStore interface {
	LoadStep(ctx context.Context, runID, step string) ([]byte, bool, error)
	SaveStep(ctx context.Context, runID, step string, data []byte) error
	ClearSteps(ctx context.Context, runID string) error
}

const keyPrefixSteps = "trigger:steps:"

// DefaultStepTTL outlives the whole retry schedule.
const DefaultStepTTL = 24 * time.Hour

// RedisStepStore keeps a run's step outputs in one hash.
type RedisStepStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisStepStore creates a Redis-backed step store. A ttl of zero uses
// DefaultStepTTL.
func NewRedisStepStore(client redis.UniversalClient, ttl time.Duration) *RedisStepStore {
	if ttl <= 0 {
		ttl = DefaultStepTTL
	}
	return &RedisStepStore{client: client, ttl: ttl}
}

// LoadStep implements StepStore.
func (s *RedisStepStore) LoadStep(ctx context.Context, runID, step string) ([]byte, bool, error) {
	data, err := s.client.HGet(ctx, keyPrefixSteps+runID, step).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load step %s: %w", step, err)
	}
	return data, true, nil
}

// SaveStep implements StepStore.
func (s *RedisStepStore) SaveStep(ctx context.Context, runID, step string, data []byte) error {
	key := keyPrefixSteps + runID
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, step, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save step %s: %w", step, err)
	}
	return nil
}

// ClearSteps implements StepStore.
func (s *RedisStepStore) ClearSteps(ctx context.Context, runID string) error {
	if err := s.client.Del(ctx, keyPrefixSteps+runID).Err(); err != nil {
		return fmt.Errorf("failed to clear steps: %w", err)
	}
	return nil
}

var _ StepStore = (*RedisStepStore)(nil)

// StepRunner runs the named steps of one run, replaying memoized outputs.
type StepRunner struct {
	store  StepStore
	runID  string
	logger logging.Logger
	tracer *observability.Tracer
}

// NewStepRunner creates a runner for runID.
func NewStepRunner(store StepStore, runID string, logger logging.Logger, tracer *observability.Tracer) *StepRunner {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &StepRunner{
		store:  store,
		runID:  runID,
		logger: logger.With(logging.F("run_id", runID)),
		tracer: tracer,
	}
}

// Clear drops the memoized outputs once the run has finished.
func (r *StepRunner) Clear(ctx context.Context) {
	if err := r.store.ClearSteps(ctx, r.runID); err != nil {
		r.logger.Warn("Failed to clear step memo", logging.Err(err))
	}
}

// Step returns the memoized output of step name, or runs fn and memoizes
// its output. Errors are classified with the step as their stage. A memo
// that cannot be read or written only costs a re-run on retry.
func Step[T any](ctx context.Context, r *StepRunner, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	data, ok, err := r.store.LoadStep(ctx, r.runID, name)
	if err != nil {
		r.logger.Warn("Failed to read step memo, running step", logging.F("step", name), logging.Err(err))
	}
	if ok {
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			r.logger.Debug("Step replayed from memo", logging.F("step", name))
			return v, nil
		}
		r.logger.Warn("Discarding unreadable step memo", logging.F("step", name))
	}

	ctx, span := r.tracer.Start(ctx, observability.SpanTriggerStep, attribute.String(observability.AttrStep, name))
	v, err := fn(ctx)
	if err != nil {
		err = pferrors.ClassifyError(err, name)
		observability.EndSpan(span, err)
		return zero, err
	}
	observability.EndSpan(span, nil)

	if data, err := json.Marshal(v); err != nil {
		r.logger.Warn("Failed to encode step output", logging.F("step", name), logging.Err(err))
	} else if err := r.store.SaveStep(ctx, r.runID, name, data); err != nil {
		r.logger.Warn("Failed to save step memo", logging.F("step", name), logging.Err(err))
	}
	return v, nil
}
