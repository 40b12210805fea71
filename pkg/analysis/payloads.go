package analysis

// SentimentPayload is the sentiment module output.
type SentimentPayload struct {
	Value      string   `json:"value" validate:"required,oneof=positive negative neutral" jsonschema:"required,enum=positive,enum=negative,enum=neutral"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1" jsonschema:"required,minimum=0,maximum=1"`
}

// EscalationPayload is the escalation module output.
type EscalationPayload struct {
	Detected   *bool    `json:"detected" validate:"required" jsonschema:"required"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1" jsonschema:"required,minimum=0,maximum=1"`
	Reason     string   `json:"reason,omitempty"`
	Urgency    string   `json:"urgency,omitempty" validate:"omitempty,oneof=low medium high critical" jsonschema:"enum=low,enum=medium,enum=high,enum=critical"`
}

// UpsellPayload is the upsell module output.
type UpsellPayload struct {
	Detected    *bool    `json:"detected" validate:"required" jsonschema:"required"`
	Confidence  *float64 `json:"confidence" validate:"required,gte=0,lte=1" jsonschema:"required,minimum=0,maximum=1"`
	Opportunity string   `json:"opportunity,omitempty"`
	Product     string   `json:"product,omitempty"`
}

// ChurnPayload is the churn module output.
type ChurnPayload struct {
	RiskLevel  string   `json:"riskLevel" validate:"required,oneof=low medium high critical" jsonschema:"required,enum=low,enum=medium,enum=high,enum=critical"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1" jsonschema:"required,minimum=0,maximum=1"`
	Indicators []string `json:"indicators" validate:"required" jsonschema:"required"`
	Reason     string   `json:"reason,omitempty"`
}

// KudosPayload is the kudos module output.
type KudosPayload struct {
	Detected   *bool    `json:"detected" validate:"required" jsonschema:"required"`
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1" jsonschema:"required,minimum=0,maximum=1"`
	Message    string   `json:"message,omitempty"`
	Category   string   `json:"category,omitempty" validate:"omitempty,oneof=product service team other" jsonschema:"enum=product,enum=service,enum=team,enum=other"`
}

// CompetitorPayload is the competitor module output.
type CompetitorPayload struct {
	Detected    *bool    `json:"detected" validate:"required" jsonschema:"required"`
	Confidence  *float64 `json:"confidence" validate:"required,gte=0,lte=1" jsonschema:"required,minimum=0,maximum=1"`
	Competitors []string `json:"competitors,omitempty"`
	Context     string   `json:"context,omitempty"`
}

// SignaturePayload is the signature-extraction module output. Every field
// is optional free text; signatures often spell addresses loosely.
type SignaturePayload struct {
	Name     string `json:"name,omitempty"`
	Title    string `json:"title,omitempty"`
	Company  string `json:"company,omitempty"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Mobile   string `json:"mobile,omitempty"`
	Address  string `json:"address,omitempty"`
	Website  string `json:"website,omitempty"`
	LinkedIn string `json:"linkedin,omitempty"`
	Twitter  string `json:"twitter,omitempty"`
}

// Empty reports whether no signature field was extracted.
func (p *SignaturePayload) Empty() bool {
	return p == nil || *p == SignaturePayload{}
}

var (
	SentimentSchema  = NewTypedSchema[SentimentPayload]("sentiment")
	EscalationSchema = NewTypedSchema[EscalationPayload]("escalation")
	UpsellSchema     = NewTypedSchema[UpsellPayload]("upsell")
	ChurnSchema      = NewTypedSchema[ChurnPayload]("churn")
	KudosSchema      = NewTypedSchema[KudosPayload]("kudos")
	CompetitorSchema = NewTypedSchema[CompetitorPayload]("competitor")
	SignatureSchema  = NewTypedSchema[SignaturePayload]("signature")
)
