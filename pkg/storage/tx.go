package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/threads"
)

// Tx is the write side of the store. It is only handed out by Store.InTx.
type Tx struct {
	tx pgx.Tx
}

// Savepoint runs fn in a nested transaction. When fn fails only its writes
// are rolled back and the outer transaction stays usable.
func (t *Tx) Savepoint(ctx context.Context, fn func(tx *Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(nested pgx.Tx) error {
		return fn(&Tx{tx: nested})
	})
}

// EnsureContact returns the contact for email, creating it when missing. An
// existing contact keeps its id; name and customer are filled when empty.
func (t *Tx) EnsureContact(ctx context.Context, tenantID, email, name string, customerID *string) (*Contact, error) {
	c := Contact{TenantID: tenantID, Email: strings.ToLower(email)}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO contacts (id, tenant_id, email, name, customer_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, email) DO UPDATE SET
			name = CASE WHEN contacts.name = '' THEN EXCLUDED.name ELSE contacts.name END,
			customer_id = COALESCE(contacts.customer_id, EXCLUDED.customer_id),
			updated_at = NOW()
		RETURNING id, name, customer_id`,
		uuid.New(), tenantID, c.Email, name, customerID).Scan(&c.ID, &c.Name, &c.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure contact %s: %w", email, err)
	}
	return &c, nil
}

// CreateParticipants links participants to a message. Existing links are
// left untouched.
func (t *Tx) CreateParticipants(ctx context.Context, tenantID, messageID string, participants []Participant) error {
	if len(participants) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, p := range participants {
		var contactID *uuid.UUID
		if p.ContactID != uuid.Nil {
			id := p.ContactID
			contactID = &id
		}
		batch.Queue(`
			INSERT INTO message_participants (id, tenant_id, message_id, contact_id, email, role, direction, customer_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (message_id, email, role) DO NOTHING`,
			uuid.New(), tenantID, messageID, contactID, strings.ToLower(p.Email), string(p.Role), string(p.Direction), p.CustomerID)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to create participants: %w", err)
	}
	return nil
}

// UpsertAnalysis stores rec, replacing any previous result of the same kind
// for the message.
func (t *Tx) UpsertAnalysis(ctx context.Context, rec *AnalysisRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	s := rec.Scalars
	err := t.tx.QueryRow(ctx, `
		INSERT INTO analysis_results (
			id, tenant_id, message_id, kind, result,
			confidence, detected, risk_level, urgency, sentiment_value,
			model_used, reasoning, prompt_tokens, completion_tokens, total_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (message_id, kind) DO UPDATE SET
			result = EXCLUDED.result,
			confidence = EXCLUDED.confidence,
			detected = EXCLUDED.detected,
			risk_level = EXCLUDED.risk_level,
			urgency = EXCLUDED.urgency,
			sentiment_value = EXCLUDED.sentiment_value,
			model_used = EXCLUDED.model_used,
			reasoning = EXCLUDED.reasoning,
			prompt_tokens = EXCLUDED.prompt_tokens,
			completion_tokens = EXCLUDED.completion_tokens,
			total_tokens = EXCLUDED.total_tokens,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		rec.ID, rec.TenantID, rec.MessageID, string(rec.Kind), rec.Result,
		s.Confidence, s.Detected, s.RiskLevel, s.Urgency, s.SentimentValue,
		rec.ModelUsed, nullString(rec.Reasoning), rec.Usage.Prompt, rec.Usage.Completion, rec.Usage.Total,
	).Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert %s analysis: %w", rec.Kind, err)
	}
	return nil
}

// UpdateSentiment sets the denormalized sentiment columns of a message.
func (t *Tx) UpdateSentiment(ctx context.Context, messageID, value string, score float64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE messages SET sentiment = $2, sentiment_score = $3, sentiment_updated_at = NOW()
		WHERE id = $1`, messageID, value, score)
	if err != nil {
		return fmt.Errorf("failed to update sentiment: %w", err)
	}
	return nil
}

// SetEscalation sets the denormalized escalation flag of a message.
func (t *Tx) SetEscalation(ctx context.Context, messageID string, escalated bool, reason string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE messages SET is_escalated = $2, escalation_reason = $3, escalation_updated_at = NOW()
		WHERE id = $1`, messageID, escalated, nullString(reason))
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	return nil
}

// EnrichContactFromSignature fills empty contact fields from a signature.
func (t *Tx) EnrichContactFromSignature(ctx context.Context, tenantID, email string, sig *analysis.SignaturePayload) error {
	if sig.Empty() {
		return nil
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE contacts SET
			name     = CASE WHEN name = '' AND $3 <> '' THEN $3 ELSE name END,
			title    = COALESCE(title, NULLIF($4, '')),
			company  = COALESCE(company, NULLIF($5, '')),
			phone    = COALESCE(phone, NULLIF($6, '')),
			mobile   = COALESCE(mobile, NULLIF($7, '')),
			address  = COALESCE(address, NULLIF($8, '')),
			website  = COALESCE(website, NULLIF($9, '')),
			linkedin = COALESCE(linkedin, NULLIF($10, '')),
			twitter  = COALESCE(twitter, NULLIF($11, '')),
			updated_at = NOW()
		WHERE tenant_id = $1 AND email = $2`,
		tenantID, strings.ToLower(email), sig.Name, sig.Title, sig.Company, sig.Phone, sig.Mobile,
		sig.Address, sig.Website, sig.LinkedIn, sig.Twitter)
	if err != nil {
		return fmt.Errorf("failed to enrich contact %s: %w", email, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no contact %s to enrich", email)
	}
	return nil
}

// LockThread serializes summary updates for a thread until the transaction
// ends.
func (t *Tx) LockThread(ctx context.Context, tenantID, threadID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, tenantID+":"+threadID); err != nil {
		return fmt.Errorf("failed to lock thread %s: %w", threadID, err)
	}
	return nil
}

// ListThreadSummaries implements threads.Reader inside the transaction.
func (t *Tx) ListThreadSummaries(ctx context.Context, tenantID, threadID string) ([]threads.Summary, error) {
	return listSummaries(ctx, t.tx, tenantID, threadID)
}

// GetThreadSummary implements threads.Store. It returns nil, nil when the
// thread has no summary for kind.
func (t *Tx) GetThreadSummary(ctx context.Context, tenantID, threadID string, kind analysis.Kind) (*threads.Summary, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT tenant_id, thread_id, kind, summary, last_analyzed_message_id, last_analyzed_at,
		       model_used, metadata, created_at, updated_at
		FROM thread_summaries
		WHERE tenant_id = $1 AND thread_id = $2 AND kind = $3`, tenantID, threadID, string(kind))
	s, err := scanSummary(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread summary: %w", err)
	}
	return s, nil
}

// UpsertThreadSummary implements threads.Store. Each upsert runs in its own
// savepoint so one failing kind does not abort the transaction.
func (t *Tx) UpsertThreadSummary(ctx context.Context, s *threads.Summary) error {
	meta, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode summary metadata: %w", err)
	}
	if s.Metadata == nil {
		meta = []byte("{}")
	}
	return t.Savepoint(ctx, func(sp *Tx) error {
		_, err := sp.tx.Exec(ctx, `
			INSERT INTO thread_summaries (
				tenant_id, thread_id, kind, summary, last_analyzed_message_id, last_analyzed_at, model_used, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (tenant_id, thread_id, kind) DO UPDATE SET
				summary = EXCLUDED.summary,
				last_analyzed_message_id = EXCLUDED.last_analyzed_message_id,
				last_analyzed_at = EXCLUDED.last_analyzed_at,
				model_used = EXCLUDED.model_used,
				metadata = EXCLUDED.metadata,
				updated_at = NOW()`,
			s.TenantID, s.ThreadID, string(s.Kind), s.Summary, s.LastAnalyzedMessageID, s.LastAnalyzedAt, s.ModelUsed, meta)
		if err != nil {
			return fmt.Errorf("failed to upsert %s thread summary: %w", s.Kind, err)
		}
		return nil
	})
}

// MarkCompleted sets the message's analysis status to completed.
func (t *Tx) MarkCompleted(ctx context.Context, messageID string) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE messages SET analysis_status = $2, analysis_completed_at = NOW()
		WHERE id = $1`, messageID, string(StatusCompleted))
	if err != nil {
		return fmt.Errorf("failed to mark %s completed: %w", messageID, err)
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var (
	_ threads.Reader = (*Store)(nil)
	_ threads.Store  = (*Tx)(nil)
)
