package pipeline

import (
	"context"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
	"github.com/otherjamesbrown/mailpulse/pkg/threads"
)

// Store is the storage the pipeline reads during gather and writes during
// commit.
type Store interface {
	GetTenant(ctx context.Context, tenantID string) (*storage.Tenant, error)
	ListThreadSummaries(ctx context.Context, tenantID, threadID string) ([]threads.Summary, error)
	RecentThreadMessages(ctx context.Context, tenantID, threadID, beforeMessageID string, limit int) ([]analysis.Message, error)
	EnsureSystemUsers(ctx context.Context, tenantID string, emails []string) error
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the unit of work of one commit.
type Tx interface {
	threads.Store
	Savepoint(ctx context.Context, fn func(tx Tx) error) error
	EnsureContact(ctx context.Context, tenantID, email, name string, customerID *string) (*storage.Contact, error)
	CreateParticipants(ctx context.Context, tenantID, messageID string, participants []storage.Participant) error
	UpsertAnalysis(ctx context.Context, rec *storage.AnalysisRecord) error
	UpdateSentiment(ctx context.Context, messageID, value string, score float64) error
	SetEscalation(ctx context.Context, messageID string, escalated bool, reason string) error
	EnrichContactFromSignature(ctx context.Context, tenantID, email string, sig *analysis.SignaturePayload) error
	LockThread(ctx context.Context, tenantID, threadID string) error
	MarkCompleted(ctx context.Context, messageID string) error
}

// FromStorage adapts a storage.Store to Store.
func FromStorage(s *storage.Store) Store {
	return storeAdapter{s}
}

type storeAdapter struct {
	*storage.Store
}

func (a storeAdapter) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return a.Store.InTx(ctx, func(tx *storage.Tx) error {
		return fn(txAdapter{tx})
	})
}

type txAdapter struct {
	*storage.Tx
}

func (a txAdapter) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	return a.Tx.Savepoint(ctx, func(sp *storage.Tx) error {
		return fn(txAdapter{sp})
	})
}
