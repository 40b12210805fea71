package analysis

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
)

func TestSchemas_AcceptConformingPayloads(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		payload string
	}{
		{"sentiment", SentimentSchema, `{"value":"negative","confidence":0.8}`},
		{"sentiment zero confidence", SentimentSchema, `{"value":"neutral","confidence":0}`},
		{"escalation minimal", EscalationSchema, `{"detected":false,"confidence":0.1}`},
		{"escalation full", EscalationSchema, `{"detected":true,"confidence":0.9,"reason":"outage","urgency":"critical"}`},
		{"upsell", UpsellSchema, `{"detected":true,"confidence":0.7,"opportunity":"more seats","product":"Pro"}`},
		{"churn", ChurnSchema, `{"riskLevel":"high","confidence":0.6,"indicators":["considering alternatives"]}`},
		{"churn empty indicators", ChurnSchema, `{"riskLevel":"low","confidence":0.6,"indicators":[]}`},
		{"kudos", KudosSchema, `{"detected":true,"confidence":0.9,"category":"team","message":"great job"}`},
		{"competitor", CompetitorSchema, `{"detected":true,"confidence":0.9,"competitors":["Acme"]}`},
		{"signature empty", SignatureSchema, `{}`},
		{"signature", SignatureSchema, `{"name":"Ada","email":"ada@example.com","linkedin":"in/ada"}`},
		{"signature free-text email", SignatureSchema, `{"name":"Dana","email":"dana at customer dot com"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := tt.schema.Validate(json.RawMessage(tt.payload))
			require.NoError(t, err)
			assert.True(t, json.Valid(out))
		})
	}
}

func TestSchemas_RejectNonConformingPayloads(t *testing.T) {
	tests := []struct {
		name    string
		schema  Schema
		payload string
		issue   string
	}{
		{"sentiment bad value", SentimentSchema, `{"value":"angry","confidence":0.8}`, `"value" must be one of`},
		{"sentiment missing confidence", SentimentSchema, `{"value":"positive"}`, `"confidence" is required`},
		{"sentiment confidence too high", SentimentSchema, `{"value":"positive","confidence":1.5}`, `"confidence" must be <= 1`},
		{"escalation missing detected", EscalationSchema, `{"confidence":0.5}`, `"detected" is required`},
		{"escalation bad urgency", EscalationSchema, `{"detected":true,"confidence":0.5,"urgency":"asap"}`, `"urgency" must be one of`},
		{"churn missing indicators", ChurnSchema, `{"riskLevel":"high","confidence":0.5}`, `"indicators" is required`},
		{"kudos bad category", KudosSchema, `{"detected":true,"confidence":0.5,"category":"weather"}`, `"category" must be one of`},
		{"not an object", CompetitorSchema, `["Acme"]`, "not a valid object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.schema.Validate(json.RawMessage(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, pferrors.ErrSchemaValidation))

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Contains(t, ve.Error(), tt.issue)
			assert.Contains(t, ve.Feedback(), tt.issue)
		})
	}
}

func TestTypedSchema_NormalizesPayload(t *testing.T) {
	out, err := SentimentSchema.Validate(json.RawMessage(`{ "confidence": 0.5, "value": "positive", "reasoning": "thanks" }`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"positive","confidence":0.5}`, string(out))
}

func TestTypedSchema_JSONSchema(t *testing.T) {
	s := ChurnSchema.JSONSchema()
	assert.Equal(t, "object", s["type"])
	assert.Equal(t, false, s["additionalProperties"])
	assert.ElementsMatch(t, []any{"riskLevel", "confidence", "indicators"}, s["required"])

	props, ok := s["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "reason")
}

func TestBatchedSchema_ValidateAndSplit(t *testing.T) {
	b := NewBatchedSchema(SentimentSchema, EscalationSchema)
	raw := `{"sentiment":{"value":"negative","confidence":0.9},"escalation":{"detected":true,"confidence":0.95,"urgency":"critical"}}`

	out, err := b.Validate(json.RawMessage(raw))
	require.NoError(t, err)

	parts, err := b.Split(out)
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.JSONEq(t, `{"value":"negative","confidence":0.9}`, string(parts["sentiment"]))
	assert.JSONEq(t, `{"detected":true,"confidence":0.95,"urgency":"critical"}`, string(parts["escalation"]))
}

func TestBatchedSchema_ReportsEveryFailingPart(t *testing.T) {
	b := NewBatchedSchema(SentimentSchema, EscalationSchema, KudosSchema)
	raw := `{"sentiment":{"value":"meh","confidence":0.9},"escalation":{"detected":true,"confidence":0.95}}`

	_, err := b.Validate(json.RawMessage(raw))
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), `sentiment: "value" must be one of`)
	assert.Contains(t, ve.Error(), `"kudos" is required`)
	assert.NotContains(t, ve.Error(), "escalation:")
}

func TestBatchedSchema_JSONSchema(t *testing.T) {
	b := NewBatchedSchema(SentimentSchema, EscalationSchema)
	s := b.JSONSchema()

	assert.Equal(t, []string{"escalation", "sentiment"}, s["required"])
	props := s["properties"].(map[string]any)
	assert.Contains(t, props, "sentiment")
	assert.Contains(t, props, "escalation")
	assert.Equal(t, "batch(sentiment,escalation)", b.Name())
}

func TestWithReasoning(t *testing.T) {
	for _, base := range []map[string]any{SentimentSchema.JSONSchema(), NewBatchedSchema(SentimentSchema, KudosSchema).JSONSchema()} {
		s := WithReasoning(base)
		props := s["properties"].(map[string]any)
		assert.Contains(t, props, "reasoning")
		assert.Equal(t, false, s["additionalProperties"])
		assert.NotContains(t, s["required"], "reasoning")
		assert.NotContains(t, base["properties"], "reasoning", "source schema must not change")
	}
	assert.Nil(t, WithReasoning(nil))
}

func TestExtractScalars(t *testing.T) {
	s := ExtractScalars(KindSentiment, json.RawMessage(`{"value":"negative","confidence":0.4}`))
	require.NotNil(t, s.SentimentValue)
	assert.Equal(t, "negative", *s.SentimentValue)
	require.NotNil(t, s.Confidence)
	assert.InDelta(t, 0.4, *s.Confidence, 1e-9)
	assert.Nil(t, s.Detected)

	s = ExtractScalars(KindChurn, json.RawMessage(`{"riskLevel":"high","confidence":0.7,"indicators":[]}`))
	require.NotNil(t, s.RiskLevel)
	assert.Equal(t, "high", *s.RiskLevel)
	assert.Nil(t, s.SentimentValue)

	s = ExtractScalars(KindEscalation, json.RawMessage(`{"detected":true,"confidence":0.9,"urgency":"high"}`))
	require.NotNil(t, s.Detected)
	assert.True(t, *s.Detected)
	assert.Equal(t, "high", *s.Urgency)

	assert.Equal(t, Scalars{}, ExtractScalars(KindKudos, nil))
}
