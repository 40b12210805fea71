package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
)

// fakeModels answers completion requests through a handler and records them.
type fakeModels struct {
	mu       sync.Mutex
	requests []llm.Request
	handler  func(req llm.Request) (*llm.Response, error)
}

func (f *fakeModels) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.handler(req)
}

func (f *fakeModels) calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.requests...)
}

func (f *fakeModels) batchCalls() int {
	n := 0
	for _, r := range f.calls() {
		if strings.HasPrefix(r.SchemaName, "batch(") {
			n++
		}
	}
	return n
}

func reply(content string) (*llm.Response, error) {
	return &llm.Response{Content: content, Usage: llm.Usage{Prompt: 100, Completion: 20, Total: 120}}, nil
}

var singleReplies = map[string]string{
	"sentiment":  `{"value":"negative","confidence":0.9}`,
	"escalation": `{"detected":true,"confidence":0.95,"reason":"production outage","urgency":"critical"}`,
	"churn":      `{"riskLevel":"medium","confidence":0.6,"indicators":["frustrated"]}`,
	"kudos":      `{"detected":false,"confidence":0.8}`,
}

func singleHandler(req llm.Request) (*llm.Response, error) {
	if c, ok := singleReplies[req.SchemaName]; ok {
		return reply(c)
	}
	return nil, &llm.Error{Code: llm.ErrInvalidSchema, Message: "unexpected schema " + req.SchemaName}
}

func urgentMessage() Message {
	return Message{
		ID:       "msg-1",
		ThreadID: "thread-1",
		From:     Address{Email: "ops@customer.com", Name: "Dana Ops"},
		To:       []Address{{Email: "support@vendor.com"}},
		Subject:  "Urgent: Production Issue",
		Body:     "Our production system is down since 9am. Every minute costs us money. We need someone on this immediately.",
		ReceivedAt: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func newTestExecutor(models llm.Completer) *Executor {
	return NewExecutor(InitRegistry(DefaultCatalog(), nil), models)
}

func intPtr(n int) *int { return &n }

func TestExecuteBatch_UrgentProductionIssue(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		return reply(`{"reasoning":"outage reported","sentiment":{"value":"negative","confidence":0.9},` +
			`"escalation":{"detected":true,"confidence":0.95,"reason":"production outage","urgency":"critical"}}`)
	}}
	ex := newTestExecutor(models)

	results, err := ex.ExecuteBatch(context.Background(), []Kind{KindSentiment, KindEscalation}, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)

	require.Len(t, models.calls(), 1, "two kinds on the same model use one call")
	req := models.calls()[0]
	assert.Equal(t, DefaultModel, req.Model)
	assert.Contains(t, req.Prompt, "Urgent: Production Issue")
	assert.Contains(t, req.SystemPrompt, "# Sentiment Analysis")
	assert.Contains(t, req.SystemPrompt, "# Escalation Detection")

	require.Len(t, results, 2)
	sent, err := DecodeSentiment(results[KindSentiment].Result)
	require.NoError(t, err)
	assert.Equal(t, "negative", sent.Value)

	esc, err := DecodeEscalation(results[KindEscalation].Result)
	require.NoError(t, err)
	assert.True(t, *esc.Detected)
	assert.Equal(t, "critical", esc.Urgency)

	assert.Equal(t, DefaultModel, results[KindEscalation].ModelUsed)
	assert.Equal(t, "outage reported", results[KindSentiment].Reasoning)
	require.NotNil(t, results[KindSentiment].Usage)
	assert.Equal(t, 120, results[KindSentiment].Usage.Total)
}

func TestExecuteBatch_LooseSignatureEmailStaysInBatch(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		return reply(`{"sentiment":{"value":"neutral","confidence":0.7},` +
			`"signature":{"name":"Dana Reyes","email":"dana at customer dot com"}}`)
	}}
	ex := newTestExecutor(models)

	results, err := ex.ExecuteBatch(context.Background(), []Kind{KindSentiment, KindSignatureExtraction}, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)

	assert.Len(t, models.calls(), 1)
	require.Len(t, results, 2)
	assert.False(t, results[KindSignatureExtraction].Failed())
	assert.JSONEq(t, `{"name":"Dana Reyes","email":"dana at customer dot com"}`, string(results[KindSignatureExtraction].Result))
}

func TestExecuteBatch_FallsBackToIndividualCalls(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.SchemaName, "batch(") {
			return reply(`{"sentiment":{"value":"negative","confidence":0.9}}`)
		}
		return singleHandler(req)
	}}
	ex := newTestExecutor(models)
	cfg := &Config{Settings: map[Kind]SettingsOverride{KindSentiment: {MaxRetries: intPtr(0)}}}

	results, err := ex.ExecuteBatch(context.Background(), []Kind{KindSentiment, KindEscalation}, urgentMessage(), "tenant-1", cfg, nil)
	require.NoError(t, err)

	// Batch: one primary attempt plus one fallback attempt, both missing escalation.
	assert.Equal(t, 2, models.batchCalls())
	require.Len(t, results, 2)
	assert.False(t, results[KindSentiment].Failed())
	assert.False(t, results[KindEscalation].Failed())
}

func TestExecuteIndividualCalls_IsolatesFailures(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		if req.SchemaName == "churn" {
			return nil, &llm.Error{Code: llm.ErrNotConfigured, Message: "no key"}
		}
		return singleHandler(req)
	}}
	ex := newTestExecutor(models)
	defs := ex.Registry().GetEnabledAnalyses([]Kind{KindSentiment, KindChurn, KindKudos})

	results := ex.ExecuteIndividualCalls(context.Background(), defs, urgentMessage(), "tenant-1", nil, nil)

	require.Len(t, results, 3)
	assert.False(t, results[KindSentiment].Failed())
	assert.False(t, results[KindKudos].Failed())

	churn := results[KindChurn]
	assert.True(t, churn.Failed())
	assert.Equal(t, ModelUnknown, churn.ModelUsed)
	assert.Contains(t, churn.Error, "no key")
}

func TestExecuteBatch_SingleKindSkipsBatching(t *testing.T) {
	models := &fakeModels{handler: singleHandler}
	ex := newTestExecutor(models)

	results, err := ex.ExecuteBatch(context.Background(), []Kind{KindSentiment, "unknown-kind"}, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, 0, models.batchCalls())
	assert.Equal(t, "sentiment", models.calls()[0].SchemaName)
}

func TestExecuteBatch_NoValidKinds(t *testing.T) {
	models := &fakeModels{handler: singleHandler}
	ex := newTestExecutor(models)

	results, err := ex.ExecuteBatch(context.Background(), []Kind{"nope", KindDomainExtraction}, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, models.calls())
}

func TestExecuteBatch_PartitionsByModel(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		if strings.HasPrefix(req.SchemaName, "batch(") {
			return reply(`{"sentiment":{"value":"neutral","confidence":0.5},"escalation":{"detected":false,"confidence":0.5}}`)
		}
		return singleHandler(req)
	}}
	ex := newTestExecutor(models)
	cfg := &Config{Models: map[Kind]ModelConfig{KindChurn: {Primary: "claude-3-5-haiku"}}}

	results, err := ex.ExecuteBatch(context.Background(),
		[]Kind{KindSentiment, KindEscalation, KindChurn}, urgentMessage(), "tenant-1", cfg, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, 1, models.batchCalls())
	assert.Equal(t, "claude-3-5-haiku", results[KindChurn].ModelUsed)
	assert.Equal(t, DefaultModel, results[KindSentiment].ModelUsed)
}

func TestExecuteSingle_RetriesWithFeedback(t *testing.T) {
	var n int
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		n++
		if n == 1 {
			return reply(`{"value":"furious","confidence":0.9}`)
		}
		return reply(`{"value":"negative","confidence":0.9}`)
	}}
	ex := newTestExecutor(models)

	res, err := ex.ExecuteSingle(context.Background(), KindSentiment, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)

	calls := models.calls()
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Prompt, "## Correction")
	assert.Contains(t, calls[1].Prompt, "## Correction")
	assert.Contains(t, calls[1].Prompt, `"value" must be one of`)
	assert.Equal(t, DefaultModel, res.ModelUsed)
	assert.Equal(t, 240, res.Usage.Total, "usage accumulates across attempts")
}

func TestExecuteSingle_UsesFallbackModel(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		if req.Model == DefaultModel {
			return nil, &llm.Error{Code: llm.ErrUnavailable, Message: "overloaded"}
		}
		return reply(`{"value":"positive","confidence":0.7}`)
	}}
	ex := newTestExecutor(models)

	res, err := ex.ExecuteSingle(context.Background(), KindSentiment, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultFallbackModel, res.ModelUsed)

	primary := 0
	for _, c := range models.calls() {
		if c.Model == DefaultModel {
			primary++
		}
	}
	assert.Equal(t, DefaultMaxRetries+1, primary)
}

func TestExecuteSingle_BothModelsFail(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		return reply(`not json at all`)
	}}
	ex := newTestExecutor(models)

	_, err := ex.ExecuteSingle(context.Background(), KindSentiment, urgentMessage(), "tenant-1", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pferrors.ErrModelCall))
	assert.True(t, errors.Is(err, pferrors.ErrSchemaValidation))
	assert.Contains(t, err.Error(), DefaultFallbackModel)
	assert.Len(t, models.calls(), 2*(DefaultMaxRetries+1))
}

func TestExecuteSingle_UnknownKind(t *testing.T) {
	ex := newTestExecutor(&fakeModels{handler: singleHandler})

	_, err := ex.ExecuteSingle(context.Background(), "horoscope", urgentMessage(), "tenant-1", nil, nil)
	assert.True(t, errors.Is(err, pferrors.ErrUnknownKind))

	_, err = ex.ExecuteSingle(context.Background(), KindDomainExtraction, urgentMessage(), "tenant-1", nil, nil)
	assert.True(t, errors.Is(err, pferrors.ErrUnknownKind))
}

func TestExecuteSingle_ThreadContextOnlyWhenRequired(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		if req.SchemaName == "upsell" {
			return reply(`{"detected":false,"confidence":0.9}`)
		}
		return singleHandler(req)
	}}
	ex := newTestExecutor(models)
	tc := &ThreadContext{Text: "Previous sentiment: neutral"}

	_, err := ex.ExecuteSingle(context.Background(), KindSentiment, urgentMessage(), "tenant-1", nil, tc)
	require.NoError(t, err)
	_, err = ex.ExecuteSingle(context.Background(), KindUpsell, urgentMessage(), "tenant-1", nil, tc)
	require.NoError(t, err)

	calls := models.calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[0].Prompt, "Previous sentiment: neutral")
	assert.NotContains(t, calls[1].Prompt, "Previous sentiment: neutral")
}

func TestExecuteSingle_CustomPromptBuilder(t *testing.T) {
	models := &fakeModels{handler: singleHandler}
	reg := InitRegistry(DefaultCatalog(), nil)
	def, _ := reg.Get(KindSentiment)
	def.BuildPrompt = func(msg Message, _ *ThreadContext) Prompt {
		return Prompt{System: "custom", User: "subject only: " + msg.Subject}
	}
	reg.Register(def)
	ex := NewExecutor(reg, models)

	_, err := ex.ExecuteSingle(context.Background(), KindSentiment, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "custom", models.calls()[0].SystemPrompt)
	assert.Equal(t, "subject only: Urgent: Production Issue", models.calls()[0].Prompt)
}

func TestExecuteBatchCall_SplitsSharedOutput(t *testing.T) {
	models := &fakeModels{handler: func(req llm.Request) (*llm.Response, error) {
		var schema map[string]any
		raw, _ := json.Marshal(req.Schema)
		_ = json.Unmarshal(raw, &schema)
		assert.Contains(t, schema["properties"], "sentiment")
		assert.Contains(t, schema["properties"], "kudos")
		assert.Contains(t, schema["properties"], "reasoning")
		return reply("```json\n" + `{"sentiment":{"value":"positive","confidence":0.8},"kudos":{"detected":true,"confidence":0.9,"category":"team"}}` + "\n```")
	}}
	ex := newTestExecutor(models)
	defs := ex.Registry().GetEnabledAnalyses([]Kind{KindSentiment, KindKudos})

	results, err := ex.ExecuteBatchCall(context.Background(), defs, urgentMessage(), "tenant-1", nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.JSONEq(t, `{"detected":true,"confidence":0.9,"category":"team"}`, string(results[KindKudos].Result))
}

func TestConfigMerge(t *testing.T) {
	base := &Config{
		EnabledKinds: []Kind{KindSentiment},
		Models:       map[Kind]ModelConfig{KindSentiment: {Primary: "gemini-2.0-flash"}},
	}
	merged := base.Merge(&Config{Models: map[Kind]ModelConfig{KindSentiment: {Primary: "gpt-4o"}}})

	assert.Equal(t, []Kind{KindSentiment}, merged.EnabledKinds)
	assert.Equal(t, "gpt-4o", merged.Models[KindSentiment].Primary)
	assert.Equal(t, "gemini-2.0-flash", base.Models[KindSentiment].Primary)
}
