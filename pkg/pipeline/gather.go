package pipeline

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/extraction"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/threads"
)

// ModelSignatureCollaborator is reported for signatures supplied by the
// extraction service rather than a model.
const ModelSignatureCollaborator = "signature-extract"

// Gather runs phase one. Domain and contact extraction failures abort it;
// analysis failures leave the results empty.
func (p *Pipeline) Gather(ctx context.Context, req Request) (g *Gathered, err error) {
	start := time.Now()
	ctx, span := p.tracer.StartMessageSpan(ctx, observability.SpanPipelineGather, req.TenantID, req.Message.ID)
	defer func() {
		p.recordPhase(pferrors.StageGather, start, err)
		observability.EndSpan(span, err)
	}()

	log := p.logger.With(
		logging.F("tenant_id", req.TenantID),
		logging.F("message_id", req.Message.ID),
	)

	tenant, err := p.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, pferrors.ClassifyError(err, pferrors.StageGather)
	}

	kinds := p.resolveKinds(req)
	span.SetAttributes(attribute.Int(observability.AttrKinds, len(kinds)))
	g = &Gathered{
		TenantID: req.TenantID,
		Message:  req.Message,
		Tenant:   tenant,
		Kinds:    kinds,
	}

	// Step 1: Thread context
	tc, source := p.resolveThreadContext(ctx, req, kinds, log)
	g.ContextSource = source

	// Step 2: Domain extraction
	g.Domains, err = p.extractor.ExtractDomains(ctx, extraction.DomainRequest{TenantID: req.TenantID, Message: req.Message})
	if err != nil {
		return nil, pferrors.NewPipelineError(pferrors.ErrCollaboratorFailed, pferrors.StageGather, err)
	}

	// Step 3: Contact extraction
	contacts, err := p.extractor.ExtractContacts(ctx, extraction.ContactRequest{
		TenantID:  req.TenantID,
		Message:   req.Message,
		Customers: g.Domains.CreatedCustomers(),
	})
	if err != nil {
		return nil, pferrors.NewPipelineError(pferrors.ErrCollaboratorFailed, pferrors.StageGather, err)
	}
	g.Contacts = contacts.Contacts

	// Step 4: Participants
	g.Participants = Participants(req.Message, tenant.Domain, g.Domains)

	// Step 5: Analyses
	results, err := p.executor.ExecuteBatch(ctx, kinds, req.Message, req.TenantID, req.Config, tc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, pferrors.ClassifyError(ctx.Err(), pferrors.StageGather)
		}
		log.Warn("Analyses failed, continuing without results", logging.Err(err))
		results = analysis.BatchResult{}
	}
	if results == nil {
		results = analysis.BatchResult{}
	}
	g.Results = results

	// Step 6: Signature fallback
	if slices.Contains(kinds, analysis.KindSignatureExtraction) {
		p.signatureFallback(ctx, g, log)
	}

	log.Info("Gather completed",
		logging.F("kinds", len(kinds)),
		logging.F("results", len(g.Results.Successful())),
		logging.F("participants", len(g.Participants)),
		logging.F("context", g.ContextSource))
	return g, nil
}

// resolveKinds picks the requested kinds, then the config's, then the
// defaults.
func (p *Pipeline) resolveKinds(req Request) []analysis.Kind {
	switch {
	case len(req.Kinds) > 0:
		return req.Kinds
	case req.Config != nil && len(req.Config.EnabledKinds) > 0:
		return req.Config.EnabledKinds
	default:
		return analysis.DefaultEnabledKinds()
	}
}

// resolveThreadContext never fails: any error means no context.
func (p *Pipeline) resolveThreadContext(ctx context.Context, req Request, kinds []analysis.Kind, log logging.Logger) (*analysis.ThreadContext, string) {
	if !req.ThreadContext.Empty() {
		return req.ThreadContext, ContextCaller
	}
	threadID := req.Message.ThreadID
	if threadID == "" {
		return nil, ContextNone
	}

	forKind := analysis.KindSentiment
	if !slices.Contains(kinds, analysis.KindSentiment) && len(kinds) > 0 {
		forKind = kinds[0]
	}

	tctx, err := p.threads.GetThreadContext(ctx, p.store, req.TenantID, threadID, forKind)
	if err != nil {
		log.Warn("Failed to load thread summaries, continuing without context", logging.Err(err))
		return nil, ContextNone
	}
	if tc := tctx.ThreadContext(); tc != nil {
		return tc, ContextSummaries
	}

	if p.recentMessages <= 0 {
		return nil, ContextNone
	}
	recent, err := p.store.RecentThreadMessages(ctx, req.TenantID, threadID, req.Message.ID, p.recentMessages)
	if err != nil {
		log.Warn("Failed to load recent thread messages, continuing without context", logging.Err(err))
		return nil, ContextNone
	}
	if text := threads.FormatRecentMessages(recent); text != "" {
		return &analysis.ThreadContext{Text: text}, ContextRecent
	}
	return nil, ContextNone
}

// signatureFallback asks the extraction service for a signature when the
// model produced none. It is best-effort.
func (p *Pipeline) signatureFallback(ctx context.Context, g *Gathered, log logging.Logger) {
	if res := g.Results[analysis.KindSignatureExtraction]; !res.Failed() {
		if sig, err := analysis.DecodeSignature(res.Result); err == nil && !sig.Empty() {
			return
		}
	}

	out, err := p.extractor.ExtractSignature(ctx, extraction.SignatureRequest{TenantID: g.TenantID, Message: g.Message})
	if err != nil {
		log.Warn("Signature extraction fallback failed", logging.Err(err))
		return
	}
	if !out.Found || out.Signature.Empty() {
		return
	}
	payload, err := json.Marshal(out.Signature)
	if err != nil {
		return
	}
	g.Results[analysis.KindSignatureExtraction] = &analysis.Result{
		Kind:      analysis.KindSignatureExtraction,
		Result:    payload,
		ModelUsed: ModelSignatureCollaborator,
	}
}
