package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/extraction"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
)

// Commit runs phase two: everything gathered is written in one transaction
// and the message is marked completed. Signature enrichment and thread
// summaries fail softly inside savepoints; any other error rolls back.
func (p *Pipeline) Commit(ctx context.Context, g *Gathered) (report *CommitReport, err error) {
	start := time.Now()
	ctx, span := p.tracer.StartMessageSpan(ctx, observability.SpanPipelineCommit, g.TenantID, g.Message.ID)
	defer func() {
		p.recordPhase(pferrors.StageCommit, start, err)
		observability.EndSpan(span, err)
	}()

	log := p.logger.With(
		logging.F("tenant_id", g.TenantID),
		logging.F("message_id", g.Message.ID),
	)

	// Step 1: System users, outside the transaction
	var tenantDomain string
	if g.Tenant != nil {
		tenantDomain = g.Tenant.Domain
	}
	if err := p.store.EnsureSystemUsers(ctx, g.TenantID, systemUserEmails(g.Participants, tenantDomain)); err != nil {
		return nil, pferrors.NewPipelineError(pferrors.ErrTransactionFailed, pferrors.StageCommit, err)
	}

	successful := g.Results.Successful()
	err = p.store.InTx(ctx, func(tx Tx) error {
		report = &CommitReport{}

		// Step 2: Contacts
		participants, err := p.ensureContacts(ctx, tx, g)
		if err != nil {
			return err
		}
		report.Contacts = len(participants)

		// Step 3: Participants
		if len(participants) > 0 {
			if err := tx.CreateParticipants(ctx, g.TenantID, g.Message.ID, participants); err != nil {
				return err
			}
			report.Participants = len(participants)
		}

		// Step 4: Analyses and their denormalized fields
		if len(successful) > 0 {
			if err := p.persistResults(ctx, tx, g, successful, report, log); err != nil {
				return err
			}
		}

		// Step 5: Completed means the pipeline ran, not that every analysis
		// succeeded.
		return tx.MarkCompleted(ctx, g.Message.ID)
	})
	if err != nil {
		return nil, pferrors.NewPipelineError(pferrors.ErrTransactionFailed, pferrors.StageCommit, err)
	}

	log.Info("Commit completed",
		logging.F("analyses", report.Analyses),
		logging.F("participants", report.Participants),
		logging.F("duration_ms", time.Since(start).Milliseconds()))
	return report, nil
}

// ensureContacts resolves a contact for every participant. Contacts returned
// by the extraction service are used as is; the rest are ensured in tx.
func (p *Pipeline) ensureContacts(ctx context.Context, tx Tx, g *Gathered) ([]storage.Participant, error) {
	known := make(map[string]extraction.Contact, len(g.Contacts))
	for _, c := range g.Contacts {
		known[foldAddress(c.Email)] = c
	}

	out := make([]storage.Participant, 0, len(g.Participants))
	for _, part := range g.Participants {
		if c, ok := known[foldAddress(part.Email)]; ok {
			part.ContactID = c.ID
			if c.CustomerID != nil {
				part.CustomerID = c.CustomerID
			}
			out = append(out, part)
			continue
		}

		c, err := tx.EnsureContact(ctx, g.TenantID, part.Email, part.Name, part.CustomerID)
		if err != nil {
			return nil, err
		}
		part.ContactID = c.ID
		if part.CustomerID == nil {
			part.CustomerID = c.CustomerID
		}
		out = append(out, part)
	}
	return out, nil
}

func (p *Pipeline) persistResults(ctx context.Context, tx Tx, g *Gathered, results analysis.BatchResult, report *CommitReport, log logging.Logger) error {
	for _, res := range results {
		if err := tx.UpsertAnalysis(ctx, storage.NewAnalysisRecord(g.TenantID, g.Message.ID, res)); err != nil {
			return err
		}
		report.Analyses++
	}

	if res, ok := results[analysis.KindSentiment]; ok {
		s, err := analysis.DecodeSentiment(res.Result)
		if err != nil {
			return fmt.Errorf("decode sentiment: %w", err)
		}
		var score float64
		if s.Confidence != nil {
			score = *s.Confidence
		}
		if err := tx.UpdateSentiment(ctx, g.Message.ID, s.Value, score); err != nil {
			return err
		}
		report.SentimentUpdated = true
	}

	if res, ok := results[analysis.KindEscalation]; ok {
		e, err := analysis.DecodeEscalation(res.Result)
		if err != nil {
			return fmt.Errorf("decode escalation: %w", err)
		}
		if err := tx.SetEscalation(ctx, g.Message.ID, e.Detected != nil && *e.Detected, e.Reason); err != nil {
			return err
		}
		report.EscalationUpdated = true
	}

	if res, ok := results[analysis.KindSignatureExtraction]; ok {
		err := tx.Savepoint(ctx, func(sp Tx) error {
			sig, err := analysis.DecodeSignature(res.Result)
			if err != nil {
				return err
			}
			return sp.EnrichContactFromSignature(ctx, g.TenantID, g.Message.From.Email, sig)
		})
		if err != nil {
			log.Warn("Signature enrichment failed", logging.Err(err))
		} else {
			report.SignatureEnriched = true
		}
	}

	if p.threadSummary && g.Message.ThreadID != "" {
		err := tx.Savepoint(ctx, func(sp Tx) error {
			if err := sp.LockThread(ctx, g.TenantID, g.Message.ThreadID); err != nil {
				return err
			}
			tr := p.threads.UpdateThreadSummaries(ctx, sp, g.TenantID, g.Message.ThreadID, g.Message.ID, g.Message, results)
			report.ThreadSummaries = newThreadSummaryReport(tr)
			return nil
		})
		if err != nil {
			log.Warn("Thread summary update failed", logging.Err(err))
			report.ThreadSummaries.Error = err.Error()
		}
	}
	return nil
}
