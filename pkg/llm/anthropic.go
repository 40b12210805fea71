package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider calls the Anthropic Messages API. Analysis instructions go
// in a system block marked for ephemeral prompt caching; they are identical
// across messages for the same set of kinds.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider authenticated with apiKey.
func NewAnthropicProvider(apiKey, baseURL string, timeout time.Duration) *AnthropicProvider {
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(apiKey),
		anthropicopt.WithMaxRetries(0), // the executor owns retries
	}
	if baseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, anthropicopt.WithRequestTimeout(timeout))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

// Kind implements Provider.
func (p *AnthropicProvider) Kind() ProviderKind { return ProviderAnthropic }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	prompt := req.Prompt
	if req.WantsJSON() {
		prompt += "\n\nRespond with a single JSON object only. No markdown, no explanations."
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(req.Model),
		MaxTokens:   int64(maxTokens(req)),
		Temperature: anthropic.Float(float64(temperature(req))),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{
			Text:         req.SystemPrompt,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, errorFromStatus(ProviderAnthropic, apiErr.StatusCode, apiErr.Error())
		}
		return nil, wrapError(ProviderAnthropic, ctx, err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	if msg.StopReason == anthropic.StopReasonMaxTokens {
		return nil, &Error{
			Code:     ErrTokenLimit,
			Provider: ProviderAnthropic,
			Message:  "response truncated at max_tokens",
			Details:  truncate(text.String(), 200),
		}
	}

	prompted := int(msg.Usage.InputTokens + msg.Usage.CacheCreationInputTokens + msg.Usage.CacheReadInputTokens)
	completed := int(msg.Usage.OutputTokens)
	return &Response{
		Content:      text.String(),
		LatencyMs:    int(time.Since(start).Milliseconds()),
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			Prompt:     prompted,
			Completion: completed,
			Total:      prompted + completed,
		},
	}, nil
}

// Close implements Provider.
func (p *AnthropicProvider) Close() error { return nil }
