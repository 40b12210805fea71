package threads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
)

// DefaultMergeModel is used for summary merges unless overridden.
const DefaultMergeModel = "gemini-2.0-flash"

// Engine builds thread context from stored summaries and keeps them current.
type Engine struct {
	models  llm.Completer
	model   string
	timeout time.Duration
	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithModel sets the merge model.
func WithModel(model string) Option {
	return func(e *Engine) {
		if model != "" {
			e.model = model
		}
	}
}

// WithMergeTimeout bounds each merge call.
func WithMergeTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithLogger sets the engine logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the engine metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the engine tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a summarization engine.
func NewEngine(models llm.Completer, opts ...Option) *Engine {
	e := &Engine{
		models:  models,
		model:   DefaultMergeModel,
		timeout: 30 * time.Second,
		logger:  logging.NewNopLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.F("component", "thread_engine"))
	return e
}

// GetThreadContext loads every summary of the thread and renders them, with
// forKind's own summary first.
func (e *Engine) GetThreadContext(ctx context.Context, reader Reader, tenantID, threadID string, forKind analysis.Kind) (*Context, error) {
	if threadID == "" {
		return &Context{}, nil
	}
	summaries, err := reader.ListThreadSummaries(ctx, tenantID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread summaries: %w", err)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Kind == forKind && summaries[j].Kind != forKind
	})
	return &Context{Summaries: summaries, Text: RenderContext(summaries, forKind)}, nil
}

// UpdateThreadSummaries folds each successful result into its kind's summary.
// A failure for one kind is logged and recorded in the report; it does not
// stop the other kinds.
func (e *Engine) UpdateThreadSummaries(ctx context.Context, store Store, tenantID, threadID, messageID string, msg analysis.Message, results analysis.BatchResult) Report {
	var report Report
	if threadID == "" {
		return report
	}

	ctx, span := e.tracer.StartMessageSpan(ctx, observability.SpanThreadSummaries, tenantID, messageID)
	span.SetAttributes(attribute.String(observability.AttrThreadID, threadID))
	defer span.End()

	kinds := make([]analysis.Kind, 0, len(results))
	for k, r := range results {
		if !r.Failed() {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		mode, err := e.updateOne(ctx, store, tenantID, threadID, messageID, msg, kind, results[kind])
		if err != nil {
			e.logger.Warn("Failed to update thread summary",
				logging.F("thread_id", threadID),
				logging.F("kind", string(kind)),
				logging.Err(err))
			report.fail(kind, err)
			e.metrics.RecordThreadSummary(string(kind), "failed")
			continue
		}
		switch mode {
		case ModelDirectFormat:
			report.Created = append(report.Created, kind)
		case ModelFallbackAppend:
			report.Appended = append(report.Appended, kind)
		default:
			report.Merged = append(report.Merged, kind)
			mode = "merged"
		}
		e.metrics.RecordThreadSummary(string(kind), mode)
	}
	return report
}

func (e *Engine) updateOne(ctx context.Context, store Store, tenantID, threadID, messageID string, msg analysis.Message, kind analysis.Kind, res *analysis.Result) (string, error) {
	existing, err := store.GetThreadSummary(ctx, tenantID, threadID, kind)
	if err != nil {
		return "", fmt.Errorf("failed to load summary: %w", err)
	}

	now := e.now()
	next := &Summary{
		ThreadID:              threadID,
		TenantID:              tenantID,
		Kind:                  kind,
		LastAnalyzedMessageID: messageID,
		LastAnalyzedAt:        now,
	}
	var prevMeta map[string]any
	if existing != nil {
		prevMeta = existing.Metadata
	}
	next.Metadata = nextMetadata(kind, prevMeta, res.Result)

	if existing == nil {
		next.Summary = FormatResult(kind, msg, res.Result)
		next.ModelUsed = ModelDirectFormat
	} else {
		merged, model, err := e.merge(ctx, existing, kind, msg, res.Result, next.Metadata)
		if err != nil {
			e.logger.Debug("Summary merge failed, appending note",
				logging.F("thread_id", threadID),
				logging.F("kind", string(kind)),
				logging.Err(err))
			next.Summary = AppendNote(existing.Summary, kind, msg, res.Result, now)
			next.ModelUsed = ModelFallbackAppend
		} else {
			next.Summary = merged
			next.ModelUsed = model
		}
	}

	if err := store.UpsertThreadSummary(ctx, next); err != nil {
		return "", fmt.Errorf("failed to store summary: %w", err)
	}
	return next.ModelUsed, nil
}

func (e *Engine) merge(ctx context.Context, existing *Summary, kind analysis.Kind, msg analysis.Message, payload json.RawMessage, meta map[string]any) (string, string, error) {
	if e.models == nil {
		return "", "", errors.New("no model configured")
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	system, user := mergePrompt(existing, kind, msg, payload, meta)
	resp, err := e.models.Complete(ctx, llm.Request{
		Model:        e.model,
		SystemPrompt: system,
		Prompt:       user,
		MaxTokens:    400,
		Temperature:  0.2,
	})
	if err != nil {
		return "", "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", "", errors.New("empty merge response")
	}
	model := resp.Model
	if model == "" {
		model = e.model
	}
	return analysis.TruncateText(text, MaxSummaryChars), model, nil
}

// nextMetadata carries prior metadata forward and, for sentiment, shifts the
// current reading to previous before recording the new one.
func nextMetadata(kind analysis.Kind, prev map[string]any, payload json.RawMessage) map[string]any {
	meta := make(map[string]any, len(prev)+5)
	for k, v := range prev {
		meta[k] = v
	}
	if kind != analysis.KindSentiment {
		return meta
	}

	sent, err := analysis.DecodeSentiment(payload)
	if err != nil {
		return meta
	}
	score := *sent.Confidence

	prevValue, _ := prev[MetaCurrentSentiment].(string)
	prevScore := floatValue(prev[MetaCurrentSentimentScore])
	if prevValue != "" {
		meta[MetaPreviousSentiment] = prevValue
		meta[MetaPreviousSentimentScore] = prevScore
	}
	meta[MetaCurrentSentiment] = sent.Value
	meta[MetaCurrentSentimentScore] = score
	meta[MetaSentimentTrend] = SentimentTrend(prevValue, prevScore, sent.Value, score)
	return meta
}
