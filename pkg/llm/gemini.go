package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/genai"
)

// GeminiProvider calls the Gemini API through the genai SDK. The client is
// created lazily because genai.NewClient needs a context.
type GeminiProvider struct {
	apiKey  string
	timeout time.Duration

	once    sync.Once
	client  *genai.Client
	initErr error
}

// NewGeminiProvider creates a provider authenticated with apiKey.
func NewGeminiProvider(apiKey string, timeout time.Duration) *GeminiProvider {
	return &GeminiProvider{apiKey: apiKey, timeout: timeout}
}

// Kind implements Provider.
func (p *GeminiProvider) Kind() ProviderKind { return ProviderGemini }

func (p *GeminiProvider) init(ctx context.Context) (*genai.Client, error) {
	p.once.Do(func() {
		p.client, p.initErr = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  p.apiKey,
			Backend: genai.BackendGeminiAPI,
		})
	})
	if p.initErr != nil {
		return nil, &Error{Code: ErrNotConfigured, Provider: ProviderGemini, Message: fmt.Sprintf("create client: %v", p.initErr), Cause: p.initErr}
	}
	return p.client, nil
}

// Complete implements Provider.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	client, err := p.init(ctx)
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	start := time.Now()
	cfg := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(temperature(req)),
		MaxOutputTokens: int32(maxTokens(req)),
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.WantsJSON() {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := client.Models.GenerateContent(ctx, req.Model,
		[]*genai.Content{genai.NewContentFromText(req.Prompt, genai.RoleUser)},
		cfg,
	)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, errorFromStatus(ProviderGemini, apiErr.Code, apiErr.Message)
		}
		return nil, wrapError(ProviderGemini, ctx, err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, &Error{Code: ErrParseFailure, Provider: ProviderGemini, Message: "no candidates in response"}
	}

	out := &Response{
		Content:      resp.Text(),
		LatencyMs:    int(time.Since(start).Milliseconds()),
		Model:        req.Model,
		FinishReason: string(resp.Candidates[0].FinishReason),
	}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			Prompt:     int(resp.UsageMetadata.PromptTokenCount),
			Completion: int(resp.UsageMetadata.CandidatesTokenCount),
			Total:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// Close implements Provider.
func (p *GeminiProvider) Close() error { return nil }
