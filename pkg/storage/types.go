// Package storage reads pipeline inputs from PostgreSQL and writes its
// results. Writes are only possible through a Tx, which only exists inside
// Store.InTx.
package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
)

// Status is a message's analysis status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Message is a stored email with its tenant and analysis status.
type Message struct {
	analysis.Message
	TenantID string `json:"tenantId"`
	Status   Status `json:"status"`
}

// Tenant is a customer account.
type Tenant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Domain string `json:"domain"`
}

// Contact is a known email correspondent of a tenant.
type Contact struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"tenantId"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	CustomerID *string   `json:"customerId,omitempty"`
}

// ParticipantRole is how an address took part in a message.
type ParticipantRole string

const (
	RoleFrom ParticipantRole = "from"
	RoleTo   ParticipantRole = "to"
	RoleCc   ParticipantRole = "cc"
	RoleBcc  ParticipantRole = "bcc"
)

// Direction is relative to the tenant.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Participant links a message to a contact.
type Participant struct {
	Email      string          `json:"email"`
	Name       string          `json:"name,omitempty"`
	Role       ParticipantRole `json:"role"`
	Direction  Direction       `json:"direction"`
	ContactID  uuid.UUID       `json:"contactId"`
	CustomerID *string         `json:"customerId,omitempty"`
}

// AnalysisRecord is the stored form of an analysis result.
type AnalysisRecord struct {
	ID        uuid.UUID
	TenantID  string
	MessageID string
	Kind      analysis.Kind
	Result    json.RawMessage
	Scalars   analysis.Scalars
	ModelUsed string
	Reasoning string
	Usage     llm.Usage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewAnalysisRecord maps r to a record, lifting the indexed scalars out of
// the payload.
func NewAnalysisRecord(tenantID, messageID string, r *analysis.Result) *AnalysisRecord {
	rec := &AnalysisRecord{
		ID:        uuid.New(),
		TenantID:  tenantID,
		MessageID: messageID,
		Kind:      r.Kind,
		Result:    r.Result,
		Scalars:   analysis.ExtractScalars(r.Kind, r.Result),
		ModelUsed: r.ModelUsed,
		Reasoning: r.Reasoning,
	}
	if r.Usage != nil {
		rec.Usage = *r.Usage
	}
	return rec
}
