// Package threads maintains a running summary per conversation thread and
// analysis kind, used as memory for later analyses in the same thread.
package threads

import (
	"context"
	"time"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
)

// ModelUsed sentinels for summaries that were not produced by a model merge.
const (
	ModelDirectFormat   = "direct-format"
	ModelFallbackAppend = "fallback-append"
)

// Sentiment metadata keys.
const (
	MetaCurrentSentiment       = "currentEmailSentiment"
	MetaCurrentSentimentScore  = "currentEmailSentimentScore"
	MetaPreviousSentiment      = "previousEmailSentiment"
	MetaPreviousSentimentScore = "previousEmailSentimentScore"
	MetaSentimentTrend         = "sentimentTrend"
)

// Summary is the running summary of one thread for one analysis kind.
// There is at most one per (thread, kind).
type Summary struct {
	ThreadID              string         `json:"threadId"`
	TenantID              string         `json:"tenantId"`
	Kind                  analysis.Kind  `json:"kind"`
	Summary               string         `json:"summary"`
	LastAnalyzedMessageID string         `json:"lastAnalyzedMessageId"`
	LastAnalyzedAt        time.Time      `json:"lastAnalyzedAt"`
	ModelUsed             string         `json:"modelUsed"`
	Metadata              map[string]any `json:"metadata,omitempty"`
	CreatedAt             time.Time      `json:"createdAt,omitempty"`
	UpdatedAt             time.Time      `json:"updatedAt,omitempty"`
}

// Reader loads the summaries of a thread.
type Reader interface {
	ListThreadSummaries(ctx context.Context, tenantID, threadID string) ([]Summary, error)
}

// Store reads and upserts single summaries. It is implemented by the storage
// transaction so summary writes commit with the rest of a message.
type Store interface {
	GetThreadSummary(ctx context.Context, tenantID, threadID string, kind analysis.Kind) (*Summary, error)
	UpsertThreadSummary(ctx context.Context, s *Summary) error
}

// Context is the rendered thread memory for an analysis.
type Context struct {
	Summaries []Summary
	Text      string
}

// ThreadContext converts c to the executor's thread context. It returns nil
// when there is nothing to say.
func (c *Context) ThreadContext() *analysis.ThreadContext {
	if c == nil || c.Text == "" {
		return nil
	}
	return &analysis.ThreadContext{Text: c.Text}
}

// Report describes what an update did per kind.
type Report struct {
	Created  []analysis.Kind
	Merged   []analysis.Kind
	Appended []analysis.Kind
	Failed   map[analysis.Kind]error
}

func (r *Report) fail(kind analysis.Kind, err error) {
	if r.Failed == nil {
		r.Failed = make(map[analysis.Kind]error)
	}
	r.Failed[kind] = err
}
