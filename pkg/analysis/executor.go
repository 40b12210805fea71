package analysis

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
)

// DefaultConcurrency bounds the parallel individual calls per message.
const DefaultConcurrency = 8

// Executor runs analysis kinds against a message through the model router.
type Executor struct {
	registry    *Registry
	models      llm.Completer
	logger      logging.Logger
	metrics     *observability.Metrics
	tracer      *observability.Tracer
	concurrency int
	maxRetries  int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the executor logger.
func WithLogger(l logging.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics sets the executor metrics.
func WithMetrics(m *observability.Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithTracer sets the executor tracer.
func WithTracer(t *observability.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithConcurrency bounds the individual-call fan-out.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithDefaultMaxRetries sets the retry budget for definitions without one.
func WithDefaultMaxRetries(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.maxRetries = n
		}
	}
}

// NewExecutor creates an executor over registry and models.
func NewExecutor(registry *Registry, models llm.Completer, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		models:      models,
		logger:      logging.NewNopLogger(),
		concurrency: DefaultConcurrency,
		maxRetries:  DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.F("component", "analysis_executor"))
	return e
}

// Registry returns the registry the executor resolves kinds against.
func (e *Executor) Registry() *Registry { return e.registry }

// ExecuteSingle runs one kind. It fails if the kind is unknown or has no
// prompt module, or when both the primary and fallback models fail.
func (e *Executor) ExecuteSingle(ctx context.Context, kind Kind, msg Message, tenantID string, cfg *Config, tc *ThreadContext) (*Result, error) {
	def, ok := e.registry.Get(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s", pferrors.ErrUnknownKind, kind)
	}
	if def.Module == nil {
		return nil, fmt.Errorf("%w: %s has no prompt module", pferrors.ErrUnknownKind, kind)
	}

	ctx, span := e.tracer.StartMessageSpan(ctx, observability.SpanExecutorSingle, tenantID, msg.ID)
	span.SetAttributes(attribute.String(observability.AttrKind, string(kind)))

	settings := e.effectiveSettings(def, cfg)
	out, err := e.invoke(ctx, invocation{
		kinds:      string(kind),
		schema:     def.Module.Schema,
		prompt:     BuildPrompt(def, msg, tc),
		models:     e.effectiveModels(def, cfg),
		maxRetries: settings.maxRetries,
		timeout:    settings.timeout,
	})
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}

	usage := out.usage
	return &Result{
		Kind:      kind,
		Result:    out.payload,
		ModelUsed: out.model,
		Reasoning: out.reasoning,
		Usage:     &usage,
	}, nil
}

// BuildBatchedSchema combines the schemas of defs, keyed by module name.
func (e *Executor) BuildBatchedSchema(defs []Definition) *BatchedSchema {
	parts := make([]Schema, 0, len(defs))
	for _, def := range defs {
		if def.Module != nil && def.Module.Schema != nil {
			parts = append(parts, def.Module.Schema)
		}
	}
	return NewBatchedSchema(parts...)
}

// BuildBatchedPrompt builds the combined prompt for defs.
func (e *Executor) BuildBatchedPrompt(defs []Definition, msg Message, tc *ThreadContext) Prompt {
	return BuildBatchedPrompt(defs, msg, tc)
}

// ExecuteBatchCall issues exactly one model call for all defs, using the
// first definition's model and settings, and splits the combined output
// into per-kind results. Any failure is returned to the caller.
func (e *Executor) ExecuteBatchCall(ctx context.Context, defs []Definition, msg Message, tenantID string, cfg *Config, tc *ThreadContext) (BatchResult, error) {
	if len(defs) == 0 {
		return BatchResult{}, nil
	}
	for _, def := range defs {
		if def.Module == nil {
			return nil, fmt.Errorf("%w: %s has no prompt module", pferrors.ErrUnknownKind, def.Kind)
		}
	}

	ctx, span := e.tracer.StartMessageSpan(ctx, observability.SpanExecutorBatch, tenantID, msg.ID)
	span.SetAttributes(attribute.String(observability.AttrKinds, kindList(defs)))

	first := defs[0]
	settings := e.effectiveSettings(first, cfg)
	schema := e.BuildBatchedSchema(defs)
	out, err := e.invoke(ctx, invocation{
		kinds:      kindList(defs),
		schema:     schema,
		prompt:     e.BuildBatchedPrompt(defs, msg, tc),
		models:     e.effectiveModels(first, cfg),
		maxRetries: settings.maxRetries,
		timeout:    settings.timeout,
	})
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	parts, err := schema.Split(out.payload)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	results := make(BatchResult, len(defs))
	for _, def := range defs {
		payload, ok := parts[def.Module.Name]
		if !ok {
			err := fmt.Errorf("batched output missing %q", def.Module.Name)
			observability.EndSpan(span, err)
			return nil, err
		}
		usage := out.usage
		results[def.Kind] = &Result{
			Kind:      def.Kind,
			Result:    payload,
			ModelUsed: out.model,
			Reasoning: out.reasoning,
			Usage:     &usage,
		}
	}
	observability.EndSpan(span, nil)
	return results, nil
}

// ExecuteIndividualCalls runs one ExecuteSingle per definition in parallel.
// A failing kind yields a result carrying the error and ModelUnknown; it
// never cancels the others.
func (e *Executor) ExecuteIndividualCalls(ctx context.Context, defs []Definition, msg Message, tenantID string, cfg *Config, tc *ThreadContext) BatchResult {
	results := make([]*Result, len(defs))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, def := range defs {
		g.Go(func() error {
			res, err := e.ExecuteSingle(ctx, def.Kind, msg, tenantID, cfg, tc)
			if err != nil {
				e.logger.Warn("Analysis failed",
					logging.F("kind", string(def.Kind)),
					logging.F("message_id", msg.ID),
					logging.Err(err))
				res = &Result{Kind: def.Kind, ModelUsed: ModelUnknown, Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	out := make(BatchResult, len(results))
	for _, r := range results {
		out[r.Kind] = r
	}
	return out
}

// ExecuteBatch is the policy entry point. Unknown kinds and kinds without a
// prompt module are dropped. A single kind runs individually; several kinds
// are grouped by effective model, each group is attempted as one batched
// call and falls back to individual calls when that fails.
func (e *Executor) ExecuteBatch(ctx context.Context, kinds []Kind, msg Message, tenantID string, cfg *Config, tc *ThreadContext) (BatchResult, error) {
	defs := e.runnable(e.registry.GetEnabledAnalyses(kinds))
	results := make(BatchResult, len(defs))
	if len(defs) == 0 {
		return results, nil
	}

	start := time.Now()
	if len(defs) == 1 {
		results = e.ExecuteIndividualCalls(ctx, defs, msg, tenantID, cfg, tc)
	} else {
		for _, group := range e.partitionByModel(defs, cfg) {
			for k, r := range e.executeGroup(ctx, group, msg, tenantID, cfg, tc) {
				results[k] = r
			}
		}
	}

	for k, r := range results {
		status := "success"
		if r.Failed() {
			status = "failed"
		}
		e.metrics.RecordAnalysisResult(string(k), status)
	}
	e.logger.Debug("Analyses executed",
		logging.F("message_id", msg.ID),
		logging.F("kinds", kindList(defs)),
		logging.F("successful", len(results.Successful())),
		logging.F("duration_ms", time.Since(start).Milliseconds()))

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

func (e *Executor) executeGroup(ctx context.Context, defs []Definition, msg Message, tenantID string, cfg *Config, tc *ThreadContext) BatchResult {
	if len(defs) == 1 {
		return e.ExecuteIndividualCalls(ctx, defs, msg, tenantID, cfg, tc)
	}
	results, err := e.ExecuteBatchCall(ctx, defs, msg, tenantID, cfg, tc)
	if err == nil {
		return results
	}
	e.logger.Warn("Batched analysis failed, falling back to individual calls",
		logging.F("message_id", msg.ID),
		logging.F("kinds", kindList(defs)),
		logging.Err(err))
	e.metrics.RecordBatchFallback()
	return e.ExecuteIndividualCalls(ctx, defs, msg, tenantID, cfg, tc)
}

// runnable keeps model-backed definitions, highest priority first.
func (e *Executor) runnable(defs []Definition) []Definition {
	out := make([]Definition, 0, len(defs))
	for _, def := range defs {
		if def.Module == nil || def.Settings.AlwaysRun {
			e.logger.Debug("Skipping kind without prompt module", logging.F("kind", string(def.Kind)))
			continue
		}
		out = append(out, def)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Settings.Priority > out[j].Settings.Priority
	})
	return out
}

// partitionByModel groups defs sharing an effective model config, keeping
// priority order within and across groups.
func (e *Executor) partitionByModel(defs []Definition, cfg *Config) [][]Definition {
	var (
		order  []ModelConfig
		groups = map[ModelConfig][]Definition{}
	)
	for _, def := range defs {
		m := e.effectiveModels(def, cfg)
		if _, ok := groups[m]; !ok {
			order = append(order, m)
		}
		groups[m] = append(groups[m], def)
	}
	out := make([][]Definition, 0, len(order))
	for _, m := range order {
		out = append(out, groups[m])
	}
	return out
}

func (e *Executor) effectiveModels(def Definition, cfg *Config) ModelConfig {
	m := def.Model
	if m.Primary == "" {
		m.Primary = DefaultModel
	}
	if cfg != nil {
		if o, ok := cfg.Models[def.Kind]; ok {
			if o.Primary != "" {
				m.Primary = o.Primary
			}
			if o.Fallback != "" {
				m.Fallback = o.Fallback
			}
		}
	}
	return m
}

type effectiveSettings struct {
	maxRetries int
	timeout    time.Duration
}

func (e *Executor) effectiveSettings(def Definition, cfg *Config) effectiveSettings {
	s := effectiveSettings{maxRetries: e.maxRetries, timeout: def.Settings.Timeout}
	if def.Settings.MaxRetries != nil {
		s.maxRetries = *def.Settings.MaxRetries
	}
	if cfg != nil {
		if o, ok := cfg.Settings[def.Kind]; ok {
			if o.MaxRetries != nil {
				s.maxRetries = *o.MaxRetries
			}
			if o.TimeoutMs != nil {
				s.timeout = time.Duration(*o.TimeoutMs) * time.Millisecond
			}
		}
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	return s
}

func kindList(defs []Definition) string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, string(def.Kind))
	}
	return strings.Join(names, ",")
}
