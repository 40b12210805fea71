package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/threads"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the read side and transaction entry point.
type Store struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

// New creates a Store over pool.
func New(pool *pgxpool.Pool, logger logging.Logger) *Store {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Store{pool: pool, logger: logger.With(logging.F("component", "storage"))}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

const messageColumns = `id, tenant_id, thread_id, provider_message_id, from_email, from_name,
	to_addresses, cc_addresses, bcc_addresses, subject, body, received_at, analysis_status`

// GetMessage loads a message of tenantID.
func (s *Store) GetMessage(ctx context.Context, tenantID, messageID string) (*Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND id = $2`, tenantID, messageID)
	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, pferrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", messageID, err)
	}
	return msg, nil
}

// GetMessageStatus returns the analysis status of a message.
func (s *Store) GetMessageStatus(ctx context.Context, tenantID, messageID string) (Status, error) {
	var status Status
	err := s.pool.QueryRow(ctx,
		`SELECT analysis_status FROM messages WHERE tenant_id = $1 AND id = $2`, tenantID, messageID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("message %s: %w", messageID, pferrors.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load status of %s: %w", messageID, err)
	}
	return status, nil
}

// GetTenant loads a tenant.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	var t Tenant
	err := s.pool.QueryRow(ctx, `SELECT id, name, domain FROM tenants WHERE id = $1`, tenantID).
		Scan(&t.ID, &t.Name, &t.Domain)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, pferrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %s: %w", tenantID, err)
	}
	return &t, nil
}

// RecentThreadMessages returns up to limit messages of the thread received
// before the given message, oldest first.
func (s *Store) RecentThreadMessages(ctx context.Context, tenantID, threadID, beforeMessageID string, limit int) ([]analysis.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE tenant_id = $1 AND thread_id = $2 AND id <> $3
		  AND received_at <= COALESCE((SELECT received_at FROM messages WHERE id = $3), NOW())
		ORDER BY received_at DESC
		LIMIT $4`, tenantID, threadID, beforeMessageID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread messages: %w", err)
	}
	defer rows.Close()

	var out []analysis.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m.Message)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListThreadSummaries implements threads.Reader.
func (s *Store) ListThreadSummaries(ctx context.Context, tenantID, threadID string) ([]threads.Summary, error) {
	return listSummaries(ctx, s.pool, tenantID, threadID)
}

// EnsureSystemUsers creates a system user for each email that does not have
// one. It is idempotent and runs outside the commit transaction.
func (s *Store) EnsureSystemUsers(ctx context.Context, tenantID string, emails []string) error {
	if len(emails) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, email := range emails {
		batch.Queue(`INSERT INTO system_users (id, tenant_id, email) VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, email) DO NOTHING`, uuid.New(), tenantID, strings.ToLower(email))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to ensure system users: %w", err)
	}
	return nil
}

// InTx runs fn in a transaction, committing when fn returns nil and rolling
// back otherwise.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	start := time.Now()
	err := pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(&Tx{tx: ptx})
	})
	if err != nil {
		s.logger.Debug("Transaction rolled back",
			logging.F("duration_ms", time.Since(start).Milliseconds()), logging.Err(err))
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m           Message
		to, cc, bcc []byte
		fromEmail   string
		fromName    string
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.ThreadID, &m.ProviderMessageID, &fromEmail, &fromName,
		&to, &cc, &bcc, &m.Subject, &m.Body, &m.ReceivedAt, &m.Status)
	if err != nil {
		return nil, err
	}
	m.From = analysis.Address{Email: fromEmail, Name: fromName}
	for _, f := range []struct {
		raw []byte
		dst *[]analysis.Address
	}{{to, &m.To}, {cc, &m.Cc}, {bcc, &m.Bcc}} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode recipients of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func listSummaries(ctx context.Context, q querier, tenantID, threadID string) ([]threads.Summary, error) {
	rows, err := q.Query(ctx, `
		SELECT tenant_id, thread_id, kind, summary, last_analyzed_message_id, last_analyzed_at,
		       model_used, metadata, created_at, updated_at
		FROM thread_summaries
		WHERE tenant_id = $1 AND thread_id = $2
		ORDER BY kind`, tenantID, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread summaries: %w", err)
	}
	defer rows.Close()

	var out []threads.Summary
	for rows.Next() {
		s, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanSummary(row rowScanner) (*threads.Summary, error) {
	var (
		s    threads.Summary
		kind string
		meta []byte
	)
	if err := row.Scan(&s.TenantID, &s.ThreadID, &kind, &s.Summary, &s.LastAnalyzedMessageID,
		&s.LastAnalyzedAt, &s.ModelUsed, &meta, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Kind = analysis.Kind(kind)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &s.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode summary metadata: %w", err)
		}
	}
	return &s, nil
}
