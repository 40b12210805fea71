// Package analysis defines the analysis catalog, its registry, prompt
// construction and the executor that turns "run these kinds against this
// message" into model calls.
package analysis

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/otherjamesbrown/mailpulse/pkg/llm"
)

// Kind identifies an analysis type.
type Kind string

const (
	KindSentiment           Kind = "sentiment"
	KindEscalation          Kind = "escalation"
	KindUpsell              Kind = "upsell"
	KindChurn               Kind = "churn"
	KindKudos               Kind = "kudos"
	KindCompetitor          Kind = "competitor"
	KindSignatureExtraction Kind = "signature-extraction"
	KindDomainExtraction    Kind = "domain-extraction"
	KindContactExtraction   Kind = "contact-extraction"
)

// ModelUnknown is reported for results whose call never reached a model.
const ModelUnknown = "unknown"

// ParseKinds converts strings to kinds, trimming blanks.
func ParseKinds(in []string) []Kind {
	out := make([]Kind, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, Kind(s))
		}
	}
	return out
}

// ModelConfig selects the models for a kind.
type ModelConfig struct {
	Primary  string `json:"primary" yaml:"primary"`
	Fallback string `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// Settings controls execution of one kind.
type Settings struct {
	RequiresThreadContext bool
	Timeout               time.Duration
	// MaxRetries is the number of extra attempts per model; nil means the
	// executor default.
	MaxRetries *int
	// Priority orders kinds, higher first.
	Priority  int
	AlwaysRun bool
}

// Module is the prompt contract for a kind.
type Module struct {
	Name         string
	Description  string
	Instructions string
	Schema       Schema
	Version      string
}

// PromptFunc lets a definition build its own prompt.
type PromptFunc func(msg Message, tc *ThreadContext) Prompt

// Definition is the catalog entry binding a kind to its prompt, schema,
// model and settings. Definitions without a Module are run by collaborators,
// not by the executor.
type Definition struct {
	Kind         Kind
	DisplayName  string
	Module       *Module
	Model        ModelConfig
	Settings     Settings
	Dependencies []Kind
	BuildPrompt  PromptFunc
}

// Result is the outcome of running one kind against one message.
type Result struct {
	Kind      Kind            `json:"kind"`
	Result    json.RawMessage `json:"result,omitempty"`
	ModelUsed string          `json:"modelUsed"`
	Reasoning string          `json:"reasoning,omitempty"`
	Usage     *llm.Usage      `json:"usage,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Failed reports whether the result carries an error instead of a payload.
func (r *Result) Failed() bool {
	return r == nil || r.Error != "" || len(r.Result) == 0
}

// BatchResult maps kinds to results for one message.
type BatchResult map[Kind]*Result

// Successful returns the results that carry a payload.
func (b BatchResult) Successful() BatchResult {
	out := make(BatchResult, len(b))
	for k, r := range b {
		if !r.Failed() {
			out[k] = r
		}
	}
	return out
}

// ThreadContext is optional conversation memory supplied to analyses whose
// definition requires it.
type ThreadContext struct {
	Text     string  `json:"text"`
	Previous *Result `json:"previous,omitempty"`
}

// Empty reports whether tc carries nothing usable.
func (tc *ThreadContext) Empty() bool {
	return tc == nil || (strings.TrimSpace(tc.Text) == "" && tc.Previous == nil)
}

// Address is an email participant.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// String renders the address as "Name <email>".
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Message is the email being analyzed.
type Message struct {
	ID                string    `json:"id"`
	ThreadID          string    `json:"threadId,omitempty"`
	ProviderMessageID string    `json:"providerMessageId,omitempty"`
	From              Address   `json:"from"`
	To                []Address `json:"to,omitempty"`
	Cc                []Address `json:"cc,omitempty"`
	Bcc               []Address `json:"bcc,omitempty"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

// Config is the per-request override of catalog defaults.
type Config struct {
	EnabledKinds []Kind                    `json:"enabledAnalyses,omitempty"`
	Models       map[Kind]ModelConfig      `json:"models,omitempty"`
	Settings     map[Kind]SettingsOverride `json:"settings,omitempty"`
}

// SettingsOverride overrides a subset of Settings for one request.
type SettingsOverride struct {
	MaxRetries *int `json:"maxRetries,omitempty"`
	TimeoutMs  *int `json:"timeoutMs,omitempty"`
}

// Merge overlays o onto c, returning a new Config.
func (c *Config) Merge(o *Config) *Config {
	out := &Config{
		Models:   map[Kind]ModelConfig{},
		Settings: map[Kind]SettingsOverride{},
	}
	for _, src := range []*Config{c, o} {
		if src == nil {
			continue
		}
		if len(src.EnabledKinds) > 0 {
			out.EnabledKinds = append([]Kind(nil), src.EnabledKinds...)
		}
		for k, v := range src.Models {
			out.Models[k] = v
		}
		for k, v := range src.Settings {
			out.Settings[k] = v
		}
	}
	return out
}
