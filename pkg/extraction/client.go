package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
)

// Extractor is the collaborator contract used by the pipeline.
type Extractor interface {
	ExtractDomains(ctx context.Context, req DomainRequest) (*DomainResult, error)
	ExtractContacts(ctx context.Context, req ContactRequest) (*ContactResult, error)
	ExtractSignature(ctx context.Context, req SignatureRequest) (*SignatureResult, error)
}

// Config configures the client.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

// Client calls the extraction services over HTTP.
type Client struct {
	config     Config
	httpClient *http.Client
	logger     logging.Logger
	metrics    *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the client logger.
func WithLogger(l logging.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records call outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// NewClient creates a Client for the service at cfg.BaseURL.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("extraction base URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logging.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(logging.F("component", "extraction"))
	return c, nil
}

// ExtractDomains calls POST /domain-extract.
func (c *Client) ExtractDomains(ctx context.Context, req DomainRequest) (*DomainResult, error) {
	var out DomainResult
	if err := c.post(ctx, "/domain-extract", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractContacts calls POST /contact-extract.
func (c *Client) ExtractContacts(ctx context.Context, req ContactRequest) (*ContactResult, error) {
	var out ContactResult
	if err := c.post(ctx, "/contact-extract", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExtractSignature calls POST /signature-extract.
func (c *Client) ExtractSignature(ctx context.Context, req SignatureRequest) (*SignatureResult, error) {
	var out SignatureResult
	if err := c.post(ctx, "/signature-extract", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 512

func (c *Client) post(ctx context.Context, path string, in, out any) (err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordPhase("extract"+strings.ReplaceAll(path, "/", ":"), status, time.Since(start))
	}()

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %s: marshal request: %v", pferrors.ErrCollaborator, path, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: %s: create request: %v", pferrors.ErrCollaborator, path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", pferrors.ErrCollaborator, path, ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", pferrors.ErrCollaborator, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("Extraction call failed",
			logging.F("path", path),
			logging.F("status", resp.StatusCode),
		)
		return fmt.Errorf("%w: %s: status %d: %s", pferrors.ErrCollaborator, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s: decode response: %v", pferrors.ErrCollaborator, path, err)
	}
	return nil
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Verify interface compliance
var _ Extractor = (*Client)(nil)
