package trigger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/pipeline"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
	"github.com/otherjamesbrown/mailpulse/pkg/workers"
)

// Step names.
const (
	StepFetch   = pferrors.StageFetch
	StepExecute = pferrors.StageExecute
	StepPersist = pferrors.StagePersist
)

// Result statuses.
const (
	StatusSkipped   = "skipped"
	StatusCompleted = "completed"
)

// MessageSource reads messages and their analysis status.
type MessageSource interface {
	GetMessageStatus(ctx context.Context, tenantID, messageID string) (storage.Status, error)
	GetMessage(ctx context.Context, tenantID, messageID string) (*storage.Message, error)
}

// Processor is the two-phase pipeline.
type Processor interface {
	Gather(ctx context.Context, req pipeline.Request) (*pipeline.Gathered, error)
	Commit(ctx context.Context, g *pipeline.Gathered) (*pipeline.CommitReport, error)
}

// Result is the outcome of handling one event.
type Result struct {
	Status    string                 `json:"status"`
	MessageID string                 `json:"messageId"`
	Report    *pipeline.CommitReport `json:"report,omitempty"`
}

// Function handles message-inserted events.
type Function struct {
	messages  MessageSource
	processor Processor
	steps     StepStore
	config    *analysis.Config
	logger    logging.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	publisher observability.EventPublisher
}

// FunctionOption configures a Function.
type FunctionOption func(*Function)

// WithAnalysisConfig sets the analysis config used for every event.
func WithAnalysisConfig(cfg *analysis.Config) FunctionOption {
	return func(f *Function) { f.config = cfg }
}

// WithLogger sets the function logger.
func WithLogger(l logging.Logger) FunctionOption {
	return func(f *Function) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) FunctionOption {
	return func(f *Function) { f.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) FunctionOption {
	return func(f *Function) { f.tracer = t }
}

// WithPublisher sets the sink for analysis lifecycle events.
func WithPublisher(p observability.EventPublisher) FunctionOption {
	return func(f *Function) {
		if p != nil {
			f.publisher = p
		}
	}
}

// NewFunction creates the event handler.
func NewFunction(messages MessageSource, processor Processor, steps StepStore, opts ...FunctionOption) *Function {
	f := &Function{
		messages:  messages,
		processor: processor,
		steps:     steps,
		logger:    logging.NewNopLogger(),
		publisher: observability.NopPublisher{},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With(logging.F("component", "trigger"))
	return f
}

// Handle analyzes the message named by ev unless it is already completed.
func (f *Function) Handle(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, pferrors.ClassifyError(err, StepFetch)
	}
	ctx = logging.ContextWith(ctx, logging.TenantIDKey, ev.TenantID)
	ctx = logging.ContextWith(ctx, logging.MessageIDKey, ev.MessageID)
	log := f.logger.WithContext(ctx)

	start := time.Now()
	status, err := f.messages.GetMessageStatus(ctx, ev.TenantID, ev.MessageID)
	if err != nil {
		f.metrics.RecordTriggerOutcome("failed")
		return nil, pferrors.ClassifyError(err, StepFetch)
	}

	runner := NewStepRunner(f.steps, ev.IdempotencyKey(), log, f.tracer)
	if status == storage.StatusCompleted {
		runner.Clear(ctx)
		f.metrics.RecordTriggerOutcome(StatusSkipped)
		f.publish(ctx, log, observability.ChannelAnalysisSkipped,
			observability.NewAnalysisEvent(ev.TenantID, ev.MessageID, ev.ThreadID, StatusSkipped, time.Since(start)))
		log.Info("Message already analyzed, skipping")
		return &Result{Status: StatusSkipped, MessageID: ev.MessageID}, nil
	}

	msg, err := Step(ctx, runner, StepFetch, func(ctx context.Context) (*storage.Message, error) {
		m, err := f.messages.GetMessage(ctx, ev.TenantID, ev.MessageID)
		if err != nil {
			return nil, err
		}
		if m.ThreadID == "" {
			m.ThreadID = ev.ThreadID
		}
		return m, nil
	})
	if err != nil {
		return nil, f.fail(ctx, log, ev, start, err)
	}

	gathered, err := Step(ctx, runner, StepExecute, func(ctx context.Context) (*pipeline.Gathered, error) {
		return f.processor.Gather(ctx, pipeline.Request{
			TenantID: ev.TenantID,
			Message:  msg.Message,
			Config:   f.config,
			Persist:  true,
		})
	})
	if err != nil {
		return nil, f.fail(ctx, log, ev, start, err)
	}

	report, err := Step(ctx, runner, StepPersist, func(ctx context.Context) (*pipeline.CommitReport, error) {
		return f.processor.Commit(ctx, gathered)
	})
	if err != nil {
		return nil, f.fail(ctx, log, ev, start, err)
	}

	runner.Clear(ctx)
	f.metrics.RecordTriggerOutcome(StatusCompleted)
	done := observability.NewAnalysisEvent(ev.TenantID, ev.MessageID, msg.ThreadID, StatusCompleted, time.Since(start))
	for kind := range gathered.Results.Successful() {
		done.Kinds = append(done.Kinds, string(kind))
	}
	sort.Strings(done.Kinds)
	f.publish(ctx, log, observability.ChannelAnalysisCompleted, done)
	log.Info("Message analyzed", logging.F("analyses", report.Analyses))
	return &Result{Status: StatusCompleted, MessageID: ev.MessageID, Report: report}, nil
}

func (f *Function) fail(ctx context.Context, log logging.Logger, ev Event, start time.Time, err error) error {
	retryable := pferrors.IsErrorRetryable(err)
	f.metrics.RecordTriggerOutcome("failed")
	log.Warn("Trigger step failed", logging.Err(err), logging.F("retryable", retryable))

	failed := observability.NewAnalysisEvent(ev.TenantID, ev.MessageID, ev.ThreadID, "failed", time.Since(start))
	failed.Error = err.Error()
	f.publish(ctx, log, observability.ChannelAnalysisFailed, failed)
	return err
}

// publish never fails the run; subscribers are best effort.
func (f *Function) publish(ctx context.Context, log logging.Logger, channel string, ev *observability.AnalysisEvent) {
	ev.TraceID = observability.GetTraceID(ctx)
	if err := f.publisher.Publish(context.WithoutCancel(ctx), channel, ev); err != nil {
		log.Warn("Failed to publish analysis event", logging.F("channel", channel), logging.Err(err))
	}
}

// QueueHandler adapts the function to the worker pool.
func (f *Function) QueueHandler() workers.MessageHandler {
	return func(ctx context.Context, msg *queue.Envelope) error {
		if msg.Kind != EventName {
			return pferrors.NewPipelineError(pferrors.ErrInvalidInput, "dispatch",
				fmt.Errorf("unexpected queue message kind %q", msg.Kind))
		}
		var ev Event
		if err := msg.Decode(&ev); err != nil {
			return pferrors.NewPipelineError(pferrors.ErrInvalidInput, "dispatch", err)
		}
		_, err := f.Handle(ctx, ev)
		return err
	}
}
