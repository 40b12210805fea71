package observability

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordModelCall(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordModelCall("openai", "gpt-4o-mini", "ok", 1500*time.Millisecond, 120, 30)
	m.RecordModelCall("openai", "gpt-4o-mini", "error", time.Second, 0, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("openai", "gpt-4o-mini", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ModelCallsTotal.WithLabelValues("openai", "gpt-4o-mini", "error")))
	assert.Equal(t, 120.0, testutil.ToFloat64(m.ModelTokensTotal.WithLabelValues("openai", "gpt-4o-mini", "prompt")))
	assert.Equal(t, 30.0, testutil.ToFloat64(m.ModelTokensTotal.WithLabelValues("openai", "gpt-4o-mini", "completion")))
}

func TestMetrics_Counters(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordBatchFallback()
	m.RecordValidationRetry("sentiment")
	m.RecordTriggerOutcome("skipped")
	m.RecordThreadSummary("sentiment", "direct")
	m.SetQueueDepth("analysis", "pending", 7)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchFallbacksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ValidationRetriesTotal.WithLabelValues("sentiment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TriggerOutcomesTotal.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadSummariesTotal.WithLabelValues("sentiment", "direct")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueDepth.WithLabelValues("analysis", "pending")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordModelCall("p", "m", "ok", time.Second, 1, 1)
		m.RecordBatchFallback()
		m.RecordPhase("gather", "ok", time.Second)
		m.RecordTriggerOutcome("completed")
	})
}

func TestTracer_StartAndEnd(t *testing.T) {
	tr := NewTracer()
	ctx, span := tr.StartMessageSpan(context.Background(), SpanPipelineRun, "t1", "m1")
	require.NotNil(t, ctx)
	assert.NotPanics(t, func() { EndSpan(span, errors.New("boom")) })

	var nilTracer *Tracer
	_, span = nilTracer.StartModelSpan(context.Background(), "gemini", "gemini-2.0-flash")
	assert.NotPanics(t, func() { EndSpan(span, nil) })
}

func TestNewAnalysisEvent(t *testing.T) {
	ev := NewAnalysisEvent("t1", "m1", "th1", "completed", 2500*time.Millisecond)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, int64(2500), ev.DurationMs)

	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"message_id":"m1"`)
}
