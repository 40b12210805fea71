// Package observability provides metrics, tracing and lifecycle events for the
// analysis pipeline.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the analysis pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Model calls
	ModelCallsTotal     *prometheus.CounterVec
	ModelLatencySeconds *prometheus.HistogramVec
	ModelTokensTotal    *prometheus.CounterVec

	// Executor
	ValidationRetriesTotal *prometheus.CounterVec
	FallbackModelTotal     *prometheus.CounterVec
	BatchFallbacksTotal    prometheus.Counter
	AnalysisResultsTotal   *prometheus.CounterVec

	// Pipeline
	PipelinePhaseTotal   *prometheus.CounterVec
	PipelinePhaseSeconds *prometheus.HistogramVec
	ThreadSummariesTotal *prometheus.CounterVec

	// Trigger
	TriggerOutcomesTotal *prometheus.CounterVec
	QueueDepth           *prometheus.GaugeVec
}

// NewMetrics creates the pipeline metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ModelCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_model_calls_total",
				Help: "Model calls by provider, model and outcome",
			},
			[]string{"provider", "model", "status"},
		),
		ModelLatencySeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailpulse_model_latency_seconds",
				Help:    "Model call latency",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60, 120},
			},
			[]string{"provider", "model"},
		),
		ModelTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_model_tokens_total",
				Help: "Tokens consumed by direction",
			},
			[]string{"provider", "model", "direction"},
		),
		ValidationRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_validation_retries_total",
				Help: "Model calls re-issued with validation feedback",
			},
			[]string{"schema"},
		),
		FallbackModelTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_fallback_model_total",
				Help: "Calls that moved from the primary to the fallback model",
			},
			[]string{"schema"},
		),
		BatchFallbacksTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "mailpulse_batch_fallbacks_total",
				Help: "Batched calls that fell back to individual calls",
			},
		),
		AnalysisResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_analysis_results_total",
				Help: "Analysis results by kind and outcome",
			},
			[]string{"kind", "status"},
		),
		PipelinePhaseTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_pipeline_phase_total",
				Help: "Pipeline phase executions by outcome",
			},
			[]string{"phase", "status"},
		),
		PipelinePhaseSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mailpulse_pipeline_phase_seconds",
				Help:    "Pipeline phase latency",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"phase"},
		),
		ThreadSummariesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_thread_summaries_total",
				Help: "Thread summary updates by kind and mode",
			},
			[]string{"kind", "mode"},
		),
		TriggerOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mailpulse_trigger_outcomes_total",
				Help: "Durable trigger invocations by outcome",
			},
			[]string{"outcome"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mailpulse_queue_depth",
				Help: "Current queue depth",
			},
			[]string{"queue", "state"},
		),
	}
}

// RecordModelCall records one provider round trip.
func (m *Metrics) RecordModelCall(provider, model, status string, latency time.Duration, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.ModelCallsTotal.WithLabelValues(provider, model, status).Inc()
	m.ModelLatencySeconds.WithLabelValues(provider, model).Observe(latency.Seconds())
	if promptTokens > 0 {
		m.ModelTokensTotal.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokensTotal.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordValidationRetry counts a retry caused by schema validation.
func (m *Metrics) RecordValidationRetry(schema string) {
	if m == nil {
		return
	}
	m.ValidationRetriesTotal.WithLabelValues(schema).Inc()
}

// RecordFallbackModel counts a switch to the fallback model.
func (m *Metrics) RecordFallbackModel(schema string) {
	if m == nil {
		return
	}
	m.FallbackModelTotal.WithLabelValues(schema).Inc()
}

// RecordBatchFallback counts a batched call that fell back to individual calls.
func (m *Metrics) RecordBatchFallback() {
	if m == nil {
		return
	}
	m.BatchFallbacksTotal.Inc()
}

// RecordAnalysisResult counts a per-kind result.
func (m *Metrics) RecordAnalysisResult(kind, status string) {
	if m == nil {
		return
	}
	m.AnalysisResultsTotal.WithLabelValues(kind, status).Inc()
}

// RecordPhase records a pipeline phase execution.
func (m *Metrics) RecordPhase(phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.PipelinePhaseTotal.WithLabelValues(phase, status).Inc()
	m.PipelinePhaseSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// RecordThreadSummary counts a thread summary update.
func (m *Metrics) RecordThreadSummary(kind, mode string) {
	if m == nil {
		return
	}
	m.ThreadSummariesTotal.WithLabelValues(kind, mode).Inc()
}

// RecordTriggerOutcome counts a trigger invocation outcome.
func (m *Metrics) RecordTriggerOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TriggerOutcomesTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth sets the gauge for one queue state.
func (m *Metrics) SetQueueDepth(queue, state string, depth int64) {
	if m == nil {
		return
	}
	m.QueueDepth.WithLabelValues(queue, state).Set(float64(depth))
}
