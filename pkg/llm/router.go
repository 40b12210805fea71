package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
)

// Router dispatches requests to the provider that owns the model id.
type Router struct {
	mu        sync.RWMutex
	providers map[ProviderKind]Provider
	limiters  map[ProviderKind]*rate.Limiter

	logger  logging.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the logger.
func WithRouterLogger(l logging.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterMetrics sets the metrics sink.
func WithRouterMetrics(m *observability.Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithRouterTracer sets the tracer.
func WithRouterTracer(t *observability.Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// NewRouter creates an empty Router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		providers: make(map[ProviderKind]Provider),
		limiters:  make(map[ProviderKind]*rate.Limiter),
		logger:    logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.F("component", "llm_router"))
	return r
}

// Register adds a provider. requestsPerSecond <= 0 disables rate limiting.
func (r *Router) Register(p Provider, requestsPerSecond float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.providers[p.Kind()] = p
	if requestsPerSecond > 0 {
		burst := int(requestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiters[p.Kind()] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	} else {
		delete(r.limiters, p.Kind())
	}
}

// Has reports whether a provider of the given kind is registered.
func (r *Router) Has(kind ProviderKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[kind]
	return ok
}

// Resolve returns the provider that serves model.
func (r *Router) Resolve(model string) (Provider, error) {
	kind, matched := ProviderFor(model)
	if !matched {
		r.logger.Warn("unrecognized model prefix, using default provider",
			logging.F("model", model),
			logging.F("provider", string(kind)))
	}

	r.mu.RLock()
	p, ok := r.providers[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{
			Code:     ErrNotConfigured,
			Provider: kind,
			Message:  fmt.Sprintf("no provider configured for model %q", model),
		}
	}
	return p, nil
}

// Complete routes req to its provider.
func (r *Router) Complete(ctx context.Context, req Request) (*Response, error) {
	p, err := r.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	kind := p.Kind()

	r.mu.RLock()
	limiter := r.limiters[kind]
	r.mu.RUnlock()
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, &Error{Code: ErrRateLimit, Provider: kind, Message: "rate limiter wait aborted", Cause: err}
		}
	}

	ctx, span := r.tracer.StartModelSpan(ctx, string(kind), req.Model)
	start := time.Now()
	resp, err := p.Complete(ctx, req)
	latency := time.Since(start)

	if err != nil {
		r.metrics.RecordModelCall(string(kind), req.Model, "error", latency, 0, 0)
		observability.EndSpan(span, err)
		r.logger.Debug("model call failed",
			logging.F("provider", string(kind)),
			logging.F("model", req.Model),
			logging.F("latency", latency),
			logging.Err(err))
		return nil, err
	}

	if resp.LatencyMs == 0 {
		resp.LatencyMs = int(latency.Milliseconds())
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	if resp.Usage.Total == 0 {
		resp.Usage.Total = resp.Usage.Prompt + resp.Usage.Completion
	}

	span.SetAttributes(
		attribute.Int(observability.AttrInputTokens, resp.Usage.Prompt),
		attribute.Int(observability.AttrOutputTokens, resp.Usage.Completion),
	)
	observability.EndSpan(span, nil)
	r.metrics.RecordModelCall(string(kind), req.Model, "ok", latency, resp.Usage.Prompt, resp.Usage.Completion)
	return resp, nil
}

// Close closes all registered providers.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var lastErr error
	for _, p := range r.providers {
		if err := p.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
