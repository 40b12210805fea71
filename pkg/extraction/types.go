// Package extraction is the HTTP client for the domain, contact and
// signature extraction services the pipeline calls while gathering.
package extraction

import (
	"github.com/google/uuid"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
)

// Customer is a company resolved from an email domain.
type Customer struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Domain string `json:"domain"`
	// Created is set when the extraction created the customer.
	Created bool `json:"created,omitempty"`
}

// DomainRequest is the body of POST /domain-extract.
type DomainRequest struct {
	TenantID string           `json:"tenantId"`
	Message  analysis.Message `json:"message"`
}

// DomainResult is the response of POST /domain-extract.
type DomainResult struct {
	Customers []Customer `json:"customers"`
}

// CreatedCustomers returns the customers created by the extraction.
func (r *DomainResult) CreatedCustomers() []Customer {
	if r == nil {
		return nil
	}
	var out []Customer
	for _, c := range r.Customers {
		if c.Created {
			out = append(out, c)
		}
	}
	return out
}

// CustomerForDomain returns the customer id for domain, if any.
func (r *DomainResult) CustomerForDomain(domain string) *string {
	if r == nil {
		return nil
	}
	for _, c := range r.Customers {
		if c.ID != "" && equalFold(c.Domain, domain) {
			id := c.ID
			return &id
		}
	}
	return nil
}

// ContactRequest is the body of POST /contact-extract.
type ContactRequest struct {
	TenantID  string           `json:"tenantId"`
	Message   analysis.Message `json:"message"`
	Customers []Customer       `json:"customers,omitempty"`
}

// Contact is a contact known to the extraction service.
type Contact struct {
	ID         uuid.UUID `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name,omitempty"`
	CustomerID *string   `json:"customerId,omitempty"`
}

// ContactResult is the response of POST /contact-extract.
type ContactResult struct {
	Contacts []Contact `json:"contacts"`
}

// SignatureRequest is the body of POST /signature-extract.
type SignatureRequest struct {
	TenantID string           `json:"tenantId"`
	Message  analysis.Message `json:"message"`
}

// SignatureResult is the response of POST /signature-extract.
type SignatureResult struct {
	Found     bool                       `json:"found"`
	Signature *analysis.SignaturePayload `json:"signature,omitempty"`
}
