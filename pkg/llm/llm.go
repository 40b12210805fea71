// Package llm routes completion requests to model providers.
//
// A model identifier selects its provider through a prefix table
// (see routing.go); the Router applies a per-provider rate limit and records
// metrics and spans around every call. Providers return raw text; callers are
// responsible for JSON extraction and schema validation.
package llm

import "context"

// Provider is a model vendor client.
type Provider interface {
	// Kind identifies the provider family.
	Kind() ProviderKind

	// Complete sends a completion request and returns the raw response.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Close releases provider resources.
	Close() error
}

// Completer is what analysis code depends on. The Router implements it.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Request represents a request to a model.
type Request struct {
	// Model is the model identifier; it selects the provider.
	Model string `json:"model"`

	// SystemPrompt carries the cache-stable instruction text.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Prompt carries the per-request dynamic content.
	Prompt string `json:"prompt"`

	// Schema optionally constrains the output to a JSON schema.
	Schema map[string]any `json:"schema,omitempty"`

	// SchemaName names the schema for providers that require one.
	SchemaName string `json:"schema_name,omitempty"`

	// MaxTokens limits response length (0 = provider default).
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0 = provider default).
	Temperature float32 `json:"temperature,omitempty"`
}

// WantsJSON reports whether the caller expects a JSON document back.
func (r Request) WantsJSON() bool {
	return r.Schema != nil
}

// Response represents a response from a model.
type Response struct {
	Content      string `json:"content"`
	Usage        Usage  `json:"usage"`
	LatencyMs    int    `json:"latency_ms"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Usage tracks token consumption.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add returns the element-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		Prompt:     u.Prompt + o.Prompt,
		Completion: u.Completion + o.Completion,
		Total:      u.Total + o.Total,
	}
}

const (
	defaultMaxTokens   = 2048
	defaultTemperature = 0.1
)

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

func temperature(req Request) float32 {
	if req.Temperature > 0 {
		return req.Temperature
	}
	return defaultTemperature
}
