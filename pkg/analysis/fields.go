package analysis

import "encoding/json"

// Scalars are the commonly queried fields lifted out of a result payload
// for indexing. Fields absent from the payload stay nil.
type Scalars struct {
	Confidence     *float64
	Detected       *bool
	RiskLevel      *string
	Urgency        *string
	SentimentValue *string
}

// ExtractScalars lifts the indexed fields out of payload.
func ExtractScalars(kind Kind, payload json.RawMessage) Scalars {
	var p struct {
		Confidence *float64 `json:"confidence"`
		Detected   *bool    `json:"detected"`
		RiskLevel  *string  `json:"riskLevel"`
		Urgency    *string  `json:"urgency"`
		Value      *string  `json:"value"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &p) != nil {
		return Scalars{}
	}
	s := Scalars{
		Confidence: p.Confidence,
		Detected:   p.Detected,
		RiskLevel:  p.RiskLevel,
		Urgency:    p.Urgency,
	}
	if kind == KindSentiment {
		s.SentimentValue = p.Value
	}
	return s
}

// DecodeSentiment parses a sentiment result payload.
func DecodeSentiment(payload json.RawMessage) (*SentimentPayload, error) {
	return SentimentSchema.Parse(payload)
}

// DecodeEscalation parses an escalation result payload.
func DecodeEscalation(payload json.RawMessage) (*EscalationPayload, error) {
	return EscalationSchema.Parse(payload)
}

// DecodeSignature parses a signature-extraction result payload.
func DecodeSignature(payload json.RawMessage) (*SignaturePayload, error) {
	return SignatureSchema.Parse(payload)
}
