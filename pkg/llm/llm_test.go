package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/mailpulse/pkg/observability"
)

type stubProvider struct {
	kind  ProviderKind
	resp  *Response
	err   error
	calls []Request
}

func (s *stubProvider) Kind() ProviderKind { return s.kind }
func (s *stubProvider) Close() error       { return nil }
func (s *stubProvider) Complete(_ context.Context, req Request) (*Response, error) {
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func TestProviderFor(t *testing.T) {
	tests := []struct {
		model   string
		want    ProviderKind
		matched bool
	}{
		{"gpt-4o-mini", ProviderOpenAI, true},
		{"o1-preview", ProviderOpenAI, true},
		{"o3-mini", ProviderOpenAI, true},
		{"claude-3-5-haiku-latest", ProviderAnthropic, true},
		{"sonnet-4", ProviderAnthropic, true},
		{"opus-4", ProviderAnthropic, true},
		{"haiku-3", ProviderAnthropic, true},
		{"gemini-2.0-flash", ProviderGemini, true},
		{"grok-2-latest", ProviderXAI, true},
		{"GPT-4o", ProviderOpenAI, true},
		{"mistral-large", ProviderGemini, false},
		{"", ProviderGemini, false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, matched := ProviderFor(tt.model)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.matched, matched)
		})
	}
}

func TestParseProviderKind(t *testing.T) {
	k, ok := ParseProviderKind("Anthropic")
	assert.True(t, ok)
	assert.Equal(t, ProviderAnthropic, k)

	_, ok = ParseProviderKind("cohere")
	assert.False(t, ok)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"plain", `{"value":"positive","confidence":0.9}`, `{"value":"positive","confidence":0.9}`, false},
		{"fenced", "```json\n{\"a\": 1}\n```", `{"a":1}`, false},
		{"prose", "Here you go: {\"a\": [1, 2]} hope that helps", `{"a":[1,2]}`, false},
		{"truncated", `{"a": 1, "b":`, "", true},
		{"empty", "   ", "", true},
		{"no object", "I cannot help with that", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestRouter_RoutesByPrefix(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	router := NewRouter(WithRouterMetrics(metrics))

	openai := &stubProvider{kind: ProviderOpenAI, resp: &Response{Content: "{}", Usage: Usage{Prompt: 10, Completion: 5}}}
	gemini := &stubProvider{kind: ProviderGemini, resp: &Response{Content: "{}"}}
	router.Register(openai, 0)
	router.Register(gemini, 0)

	resp, err := router.Complete(context.Background(), Request{Model: "gpt-4o-mini", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 15, resp.Usage.Total)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Len(t, openai.calls, 1)

	_, err = router.Complete(context.Background(), Request{Model: "some-new-model", Prompt: "hi"})
	require.NoError(t, err)
	assert.Len(t, gemini.calls, 1, "unknown prefixes default to gemini")

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ModelCallsTotal.WithLabelValues("openai", "gpt-4o-mini", "ok")))
}

func TestRouter_MissingProvider(t *testing.T) {
	router := NewRouter()
	_, err := router.Complete(context.Background(), Request{Model: "claude-3-opus"})

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrNotConfigured, le.Code)
	assert.False(t, IsRetryable(err))
}

func TestRouter_PropagatesProviderError(t *testing.T) {
	router := NewRouter()
	router.Register(&stubProvider{kind: ProviderXAI, err: &Error{Code: ErrRateLimit, Message: "slow"}}, 5)

	_, err := router.Complete(context.Background(), Request{Model: "grok-2"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.True(t, router.Has(ProviderXAI))
	assert.False(t, router.Has(ProviderOpenAI))
}

func TestUsageAdd(t *testing.T) {
	u := Usage{Prompt: 1, Completion: 2, Total: 3}.Add(Usage{Prompt: 10, Completion: 20, Total: 30})
	assert.Equal(t, Usage{Prompt: 11, Completion: 22, Total: 33}, u)
}

// chatBody is the part of a chat completions request the tests inspect.
type chatBody struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

func TestXAIProvider_Complete(t *testing.T) {
	var got chatBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"grok-2","choices":[{"index":0,"message":{"role":"assistant","content":"{\"ok\":true}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`))
	}))
	defer srv.Close()

	p := NewXAIProvider("secret", srv.URL, time.Second)
	resp, err := p.Complete(context.Background(), Request{
		Model:        "grok-2",
		SystemPrompt: "be terse",
		Prompt:       "hello",
		Schema:       map[string]any{"type": "object"},
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 10, resp.Usage.Total)
	assert.Equal(t, "grok-2", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "be terse", got.Messages[0].Content)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestXAIProvider_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer srv.Close()

	_, err := NewXAIProvider("k", srv.URL, time.Second).Complete(context.Background(), Request{Model: "grok-2"})

	var le *Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ErrRateLimit, le.Code)
	assert.Equal(t, ProviderXAI, le.Provider)
	assert.True(t, le.Retryable())
}

func TestAnthropicProvider_CachesSystemBlock(t *testing.T) {
	var got struct {
		System []struct {
			Text         string `json:"text"`
			CacheControl *struct {
				Type string `json:"type"`
			} `json:"cache_control"`
		} `json:"system"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"), r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude-3-5-haiku-latest",` +
			`"content":[{"type":"text","text":"{\"ok\":true}"}],"stop_reason":"end_turn",` +
			`"usage":{"input_tokens":7,"cache_read_input_tokens":100,"output_tokens":3}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider("secret", srv.URL, time.Second)
	resp, err := p.Complete(context.Background(), Request{
		Model:        "claude-3-5-haiku-latest",
		SystemPrompt: "# Sentiment Analysis",
		Prompt:       "hello",
	})
	require.NoError(t, err)

	assert.Equal(t, `{"ok":true}`, resp.Content)
	assert.Equal(t, 107, resp.Usage.Prompt)
	require.Len(t, got.System, 1)
	require.NotNil(t, got.System[0].CacheControl)
	assert.Equal(t, "ephemeral", got.System[0].CacheControl.Type)
}
