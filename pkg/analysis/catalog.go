package analysis

import "time"

// Default models for catalog entries.
const (
	DefaultModel         = "gemini-2.0-flash"
	DefaultFallbackModel = "gpt-4o-mini"
)

const defaultTimeout = 30 * time.Second

// DefaultCatalog returns the built-in analysis definitions.
func DefaultCatalog() []Definition {
	models := ModelConfig{Primary: DefaultModel, Fallback: DefaultFallbackModel}
	return []Definition{
		{
			Kind:        KindSentiment,
			DisplayName: "Sentiment Analysis",
			Module: &Module{
				Name:        "sentiment",
				Description: "Overall emotional tone of the email from the customer's side.",
				Instructions: `Classify the overall sentiment of the email as "positive", "negative" or "neutral".
Judge the customer's tone, not the topic: a polite report of a bug is neutral, an angry one is negative.
When thread context is provided, use it to interpret sarcasm and shifts in tone but classify this email only.
Set "confidence" between 0 and 1.`,
				Schema:  SentimentSchema,
				Version: "2",
			},
			Model:    models,
			Settings: Settings{RequiresThreadContext: true, Timeout: defaultTimeout, Priority: 10},
		},
		{
			Kind:        KindEscalation,
			DisplayName: "Escalation Detection",
			Module: &Module{
				Name:        "escalation",
				Description: "Whether the email needs urgent attention from a manager or on-call team.",
				Instructions: `Decide whether this email is an escalation: an outage, a production issue, a threat to cancel,
a request to involve management, or repeated unanswered complaints.
Set "detected" and "confidence". When detected, give a short "reason" and an "urgency" of
"low", "medium", "high" or "critical".`,
				Schema:  EscalationSchema,
				Version: "2",
			},
			Model:    models,
			Settings: Settings{RequiresThreadContext: true, Timeout: defaultTimeout, Priority: 9},
		},
		{
			Kind:        KindChurn,
			DisplayName: "Churn Risk",
			Module: &Module{
				Name:        "churn",
				Description: "Risk that the customer is about to leave.",
				Instructions: `Assess the risk that this customer will cancel or not renew.
Return "riskLevel" as "low", "medium", "high" or "critical", a "confidence", and "indicators":
short phrases quoted or paraphrased from the email that support the assessment (an empty list when none).
Optionally add a one-sentence "reason".`,
				Schema:  ChurnSchema,
				Version: "1",
			},
			Model:    models,
			Settings: Settings{RequiresThreadContext: true, Timeout: defaultTimeout, Priority: 8},
		},
		{
			Kind:        KindUpsell,
			DisplayName: "Upsell Opportunity",
			Module: &Module{
				Name:        "upsell",
				Description: "Signals that the customer may buy more.",
				Instructions: `Detect upsell opportunities: requests for more seats, higher limits, new features or other products.
Set "detected" and "confidence". When detected, describe the "opportunity" and name the "product" if one is mentioned.`,
				Schema:  UpsellSchema,
				Version: "1",
			},
			Model:    models,
			Settings: Settings{Timeout: defaultTimeout, Priority: 5},
		},
		{
			Kind:        KindKudos,
			DisplayName: "Kudos",
			Module: &Module{
				Name:        "kudos",
				Description: "Praise for the product, service or team.",
				Instructions: `Detect praise or thanks that goes beyond routine politeness.
Set "detected" and "confidence". When detected, quote the praise in "message" and set "category" to
"product", "service", "team" or "other".`,
				Schema:  KudosSchema,
				Version: "1",
			},
			Model:    models,
			Settings: Settings{Timeout: defaultTimeout, Priority: 4},
		},
		{
			Kind:        KindCompetitor,
			DisplayName: "Competitor Mention",
			Module: &Module{
				Name:        "competitor",
				Description: "Mentions of competing vendors.",
				Instructions: `Detect mentions of competing products or vendors.
Set "detected" and "confidence". When detected, list the names in "competitors" and summarize the "context"
(evaluating, migrating, comparing prices).`,
				Schema:  CompetitorSchema,
				Version: "1",
			},
			Model:    models,
			Settings: Settings{Timeout: defaultTimeout, Priority: 3},
		},
		{
			Kind:        KindSignatureExtraction,
			DisplayName: "Signature Extraction",
			Module: &Module{
				Name:        "signature",
				Description: "Contact details from the sender's email signature.",
				Instructions: `Extract the sender's contact details from the email signature block, if there is one.
Only use text from the signature; do not infer values from the body or the From header.
Omit every field you cannot find.`,
				Schema:  SignatureSchema,
				Version: "1",
			},
			Model:    models,
			Settings: Settings{Timeout: defaultTimeout, Priority: 1},
		},
		{
			Kind:        KindDomainExtraction,
			DisplayName: "Domain Extraction",
			Settings:    Settings{AlwaysRun: true, Priority: 100},
		},
		{
			Kind:         KindContactExtraction,
			DisplayName:  "Contact Extraction",
			Settings:     Settings{AlwaysRun: true, Priority: 100},
			Dependencies: []Kind{KindDomainExtraction},
		},
	}
}

// DefaultEnabledKinds lists the model-backed kinds in the default catalog.
func DefaultEnabledKinds() []Kind {
	var kinds []Kind
	for _, def := range DefaultCatalog() {
		if def.Module != nil && !def.Settings.AlwaysRun {
			kinds = append(kinds, def.Kind)
		}
	}
	return kinds
}
