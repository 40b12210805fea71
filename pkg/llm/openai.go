package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

// OpenAIProvider calls the OpenAI Responses API with JSON schema output.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a provider authenticated with apiKey. baseURL is
// optional and mostly useful against a local mock server.
func NewOpenAIProvider(apiKey, baseURL string, timeout time.Duration) *OpenAIProvider {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0), // the executor owns retries
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	return &OpenAIProvider{client: openai.NewClient(opts...)}
}

// Kind implements Provider.
func (p *OpenAIProvider) Kind() ProviderKind { return ProviderOpenAI }

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	params := responses.ResponseNewParams{
		Model:           req.Model,
		MaxOutputTokens: openai.Int(int64(maxTokens(req))),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: []responses.ResponseInputItemUnionParam{
				responses.ResponseInputItemParamOfMessage(req.Prompt, responses.EasyInputMessageRoleUser),
			},
		},
	}
	if req.SystemPrompt != "" {
		params.Instructions = openai.String(req.SystemPrompt)
	}
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "analysis"
		}
		params.Text = responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{
				OfJSONSchema: &responses.ResponseFormatTextJSONSchemaConfigParam{
					Name:   name,
					Schema: req.Schema,
					Strict: openai.Bool(false),
					Type:   "json_schema",
				},
			},
		}
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, errorFromStatus(ProviderOpenAI, apiErr.StatusCode, apiErr.Error())
		}
		return nil, wrapError(ProviderOpenAI, ctx, err)
	}

	return &Response{
		Content:   resp.OutputText(),
		LatencyMs: int(time.Since(start).Milliseconds()),
		Model:     resp.Model,
		Usage: Usage{
			Prompt:     int(resp.Usage.InputTokens),
			Completion: int(resp.Usage.OutputTokens),
			Total:      int(resp.Usage.TotalTokens),
		},
		FinishReason: string(resp.Status),
	}, nil
}

// Close implements Provider.
func (p *OpenAIProvider) Close() error { return nil }
