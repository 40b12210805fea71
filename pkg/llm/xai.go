package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultXAIBaseURL is the public xAI API endpoint.
const DefaultXAIBaseURL = "https://api.x.ai/v1"

// XAIProvider talks to xAI's OpenAI-compatible chat completions endpoint.
type XAIProvider struct {
	client openai.Client
}

// NewXAIProvider creates an xAI provider. An empty baseURL uses DefaultXAIBaseURL.
func NewXAIProvider(apiKey, baseURL string, timeout time.Duration) *XAIProvider {
	if baseURL == "" {
		baseURL = DefaultXAIBaseURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &XAIProvider{client: openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(timeout),
		option.WithMaxRetries(0), // the executor owns retries
	)}
}

// Kind implements Provider.
func (p *XAIProvider) Kind() ProviderKind { return ProviderXAI }

// Complete implements Provider.
func (p *XAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(float64(temperature(req))),
		MaxTokens:   openai.Int(int64(maxTokens(req))),
	}
	if req.WantsJSON() {
		// xAI accepts json_object; strict schemas are enforced by the executor.
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, errorFromStatus(ProviderXAI, apiErr.StatusCode, apiErr.Error())
		}
		return nil, wrapError(ProviderXAI, ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Code: ErrParseFailure, Provider: ProviderXAI, Message: "no choices in response"}
	}

	choice := resp.Choices[0]
	if choice.FinishReason == "length" {
		return nil, &Error{
			Code:     ErrTokenLimit,
			Provider: ProviderXAI,
			Message:  fmt.Sprintf("response truncated at max_tokens (%d completion tokens)", resp.Usage.CompletionTokens),
		}
	}

	return &Response{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		LatencyMs:    int(time.Since(start).Milliseconds()),
		Model:        resp.Model,
		Usage: Usage{
			Prompt:     int(resp.Usage.PromptTokens),
			Completion: int(resp.Usage.CompletionTokens),
			Total:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Close implements Provider.
func (p *XAIProvider) Close() error { return nil }
