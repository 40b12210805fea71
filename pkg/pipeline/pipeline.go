// Package pipeline runs the analyses for one message in two phases: gather,
// which calls collaborators and models without writing anything locally, and
// commit, which persists everything gathered in one transaction.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/extraction"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
	"github.com/otherjamesbrown/mailpulse/pkg/threads"
)

// State is the pipeline state of one run.
type State string

const (
	StateIdle       State = "idle"
	StateGathering  State = "gathering"
	StateCommitting State = "committing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Context sources recorded on Gathered.
const (
	ContextCaller    = "caller"
	ContextSummaries = "summaries"
	ContextRecent    = "recent-messages"
	ContextNone      = "none"
)

// DefaultRecentMessages is how many earlier thread messages are used as
// context when a thread has no summaries yet.
const DefaultRecentMessages = 5

// Request is one message to analyze.
type Request struct {
	TenantID string
	Message  analysis.Message
	// ThreadContext, when set, is used instead of the stored thread memory.
	ThreadContext *analysis.ThreadContext
	// Kinds overrides the configured set of analyses.
	Kinds   []analysis.Kind
	Config  *analysis.Config
	Persist bool
}

// Gathered is everything phase one produced. It is serializable so a durable
// runner can resume at commit.
type Gathered struct {
	TenantID      string                   `json:"tenantId"`
	Message       analysis.Message         `json:"message"`
	Tenant        *storage.Tenant          `json:"tenant"`
	Kinds         []analysis.Kind          `json:"kinds"`
	ContextSource string                   `json:"contextSource"`
	Domains       *extraction.DomainResult `json:"domains"`
	Contacts      []extraction.Contact     `json:"contacts,omitempty"`
	Participants  []storage.Participant    `json:"participants,omitempty"`
	Results       analysis.BatchResult     `json:"results"`
}

// CommitReport describes what phase two wrote.
type CommitReport struct {
	Contacts          int                 `json:"contacts"`
	Participants      int                 `json:"participants"`
	Analyses          int                 `json:"analyses"`
	SentimentUpdated  bool                `json:"sentimentUpdated"`
	EscalationUpdated bool                `json:"escalationUpdated"`
	SignatureEnriched bool                `json:"signatureEnriched"`
	ThreadSummaries   ThreadSummaryReport `json:"threadSummaries"`
}

// ThreadSummaryReport is the serializable form of threads.Report.
type ThreadSummaryReport struct {
	Created  []analysis.Kind          `json:"created,omitempty"`
	Merged   []analysis.Kind          `json:"merged,omitempty"`
	Appended []analysis.Kind          `json:"appended,omitempty"`
	Failed   map[analysis.Kind]string `json:"failed,omitempty"`
	Error    string                   `json:"error,omitempty"`
}

func newThreadSummaryReport(r threads.Report) ThreadSummaryReport {
	out := ThreadSummaryReport{Created: r.Created, Merged: r.Merged, Appended: r.Appended}
	for k, err := range r.Failed {
		if out.Failed == nil {
			out.Failed = make(map[analysis.Kind]string)
		}
		out.Failed[k] = err.Error()
	}
	return out
}

// Outcome is the result of Run.
type Outcome struct {
	State     State         `json:"state"`
	Gathered  *Gathered     `json:"gathered"`
	Committed *CommitReport `json:"committed,omitempty"`
}

// Pipeline runs gather and commit for messages.
type Pipeline struct {
	store          Store
	executor       *analysis.Executor
	threads        *threads.Engine
	extractor      extraction.Extractor
	logger         logging.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	threadSummary  bool
	recentMessages int
}

// Option configures the pipeline.
type Option func(*Pipeline)

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithThreadSummaries enables or disables thread summary maintenance during
// commit. It is enabled by default.
func WithThreadSummaries(enabled bool) Option {
	return func(p *Pipeline) { p.threadSummary = enabled }
}

// WithRecentMessages sets how many raw thread messages are used as context
// when no summaries exist; zero disables the fallback.
func WithRecentMessages(n int) Option {
	return func(p *Pipeline) { p.recentMessages = n }
}

// Deps are the collaborators of a pipeline.
type Deps struct {
	Store     Store
	Executor  *analysis.Executor
	Threads   *threads.Engine
	Extractor extraction.Extractor
}

// New creates a pipeline.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("pipeline: store is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("pipeline: executor is required")
	case deps.Threads == nil:
		return nil, fmt.Errorf("pipeline: thread engine is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("pipeline: extractor is required")
	}

	p := &Pipeline{
		store:          deps.Store,
		executor:       deps.Executor,
		threads:        deps.Threads,
		extractor:      deps.Extractor,
		logger:         logging.NewNopLogger(),
		threadSummary:  true,
		recentMessages: DefaultRecentMessages,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(logging.F("component", "pipeline"))
	return p, nil
}

// Run gathers and, when req.Persist is set, commits.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Outcome, error) {
	ctx, span := p.tracer.StartMessageSpan(ctx, observability.SpanPipelineRun, req.TenantID, req.Message.ID)
	out := &Outcome{State: StateGathering}

	g, err := p.Gather(ctx, req)
	if err != nil {
		out.State = StateFailed
		observability.EndSpan(span, err)
		return out, err
	}
	out.Gathered = g

	if !req.Persist {
		out.State = StateCompleted
		observability.EndSpan(span, nil)
		return out, nil
	}

	out.State = StateCommitting
	report, err := p.Commit(ctx, g)
	if err != nil {
		out.State = StateFailed
		observability.EndSpan(span, err)
		return out, err
	}
	out.Committed = report
	out.State = StateCompleted
	observability.EndSpan(span, nil)
	return out, nil
}

func (p *Pipeline) recordPhase(phase string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = string(pferrors.ClassifyError(err, phase).Code)
	}
	p.metrics.RecordPhase(phase, status, time.Since(start))
}
