package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/extraction"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
	"github.com/otherjamesbrown/mailpulse/pkg/threads"
)

// fakeModels answers batched and single analysis calls from replies and
// every other call (thread merges) with plain text.
type fakeModels struct {
	mu       sync.Mutex
	requests []llm.Request
	replies  map[string]string
	fail     bool
}

func newFakeModels() *fakeModels {
	return &fakeModels{replies: map[string]string{
		"sentiment":  `{"value":"negative","confidence":0.9}`,
		"escalation": `{"detected":true,"confidence":0.95,"reason":"production outage","urgency":"critical"}`,
		"signature":  `{"name":"Dana Ops","title":"Head of Operations"}`,
	}}
}

func (f *fakeModels) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.fail {
		return nil, &llm.Error{Code: llm.ErrUnavailable, Message: "provider down"}
	}

	if strings.HasPrefix(req.SchemaName, "batch(") {
		names := strings.Split(strings.TrimSuffix(strings.TrimPrefix(req.SchemaName, "batch("), ")"), ",")
		parts := map[string]json.RawMessage{}
		for _, n := range names {
			parts[n] = json.RawMessage(f.replies[n])
		}
		b, _ := json.Marshal(parts)
		return &llm.Response{Content: string(b)}, nil
	}
	if c, ok := f.replies[req.SchemaName]; ok {
		return &llm.Response{Content: c}, nil
	}
	return &llm.Response{Content: "Merged thread summary."}, nil
}

func (f *fakeModels) mergeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, r := range f.requests {
		if r.SchemaName == "" {
			n++
		}
	}
	return n
}

type fakeExtractor struct {
	domainErr    error
	contacts     []extraction.Contact
	signature    *analysis.SignaturePayload
	signatureHit bool
	gotCustomers []extraction.Customer
}

func (f *fakeExtractor) ExtractDomains(_ context.Context, req extraction.DomainRequest) (*extraction.DomainResult, error) {
	if f.domainErr != nil {
		return nil, f.domainErr
	}
	return &extraction.DomainResult{Customers: []extraction.Customer{
		{ID: "cust-1", Domain: "customer.com", Created: true},
	}}, nil
}

func (f *fakeExtractor) ExtractContacts(_ context.Context, req extraction.ContactRequest) (*extraction.ContactResult, error) {
	f.gotCustomers = req.Customers
	return &extraction.ContactResult{Contacts: f.contacts}, nil
}

func (f *fakeExtractor) ExtractSignature(context.Context, extraction.SignatureRequest) (*extraction.SignatureResult, error) {
	f.signatureHit = true
	return &extraction.SignatureResult{Found: f.signature != nil, Signature: f.signature}, nil
}

type fakeStore struct {
	mu           sync.Mutex
	tenant       *storage.Tenant
	summaries    map[string]threads.Summary
	recent       []analysis.Message
	listErr      error
	systemUsers  []string
	committed    []string
	participants []storage.Participant
	failOn       map[string]error
	inTx         int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenant:    &storage.Tenant{ID: "tenant-1", Name: "Vendor", Domain: "vendor.com"},
		summaries: map[string]threads.Summary{},
		failOn:    map[string]error{},
	}
}

func summaryKey(threadID string, kind analysis.Kind) string { return threadID + "/" + string(kind) }

func (s *fakeStore) GetTenant(_ context.Context, tenantID string) (*storage.Tenant, error) {
	if s.tenant == nil || s.tenant.ID != tenantID {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, pferrors.ErrNotFound)
	}
	return s.tenant, nil
}

func (s *fakeStore) ListThreadSummaries(_ context.Context, _, threadID string) ([]threads.Summary, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []threads.Summary
	for _, sum := range s.summaries {
		if sum.ThreadID == threadID {
			out = append(out, sum)
		}
	}
	return out, nil
}

func (s *fakeStore) RecentThreadMessages(context.Context, string, string, string, int) ([]analysis.Message, error) {
	return s.recent, nil
}

func (s *fakeStore) EnsureSystemUsers(_ context.Context, _ string, emails []string) error {
	s.systemUsers = append(s.systemUsers, emails...)
	return nil
}

func (s *fakeStore) InTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx++
	tx := &fakeTx{store: s, summaries: cloneSummaries(s.summaries)}
	if err := fn(tx); err != nil {
		return err
	}
	s.committed = append(s.committed, tx.ops...)
	s.participants = append(s.participants, tx.participants...)
	s.summaries = tx.summaries
	return nil
}

func cloneSummaries(in map[string]threads.Summary) map[string]threads.Summary {
	out := make(map[string]threads.Summary, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// fakeTx stages writes; they reach the store only when the transaction or
// savepoint succeeds.
type fakeTx struct {
	store        *fakeStore
	ops          []string
	participants []storage.Participant
	summaries    map[string]threads.Summary
}

func (t *fakeTx) op(method, detail string) error {
	if err := t.store.failOn[method]; err != nil {
		return err
	}
	t.ops = append(t.ops, method+":"+detail)
	return nil
}

func (t *fakeTx) Savepoint(ctx context.Context, fn func(tx Tx) error) error {
	child := &fakeTx{store: t.store, summaries: cloneSummaries(t.summaries)}
	if err := fn(child); err != nil {
		return err
	}
	t.ops = append(t.ops, child.ops...)
	t.participants = append(t.participants, child.participants...)
	t.summaries = child.summaries
	return nil
}

func (t *fakeTx) EnsureContact(_ context.Context, tenantID, email, name string, customerID *string) (*storage.Contact, error) {
	if err := t.op("contact", email); err != nil {
		return nil, err
	}
	return &storage.Contact{ID: uuid.New(), TenantID: tenantID, Email: email, Name: name, CustomerID: customerID}, nil
}

func (t *fakeTx) CreateParticipants(_ context.Context, _, _ string, ps []storage.Participant) error {
	if err := t.op("participants", fmt.Sprint(len(ps))); err != nil {
		return err
	}
	t.participants = append(t.participants, ps...)
	return nil
}

func (t *fakeTx) UpsertAnalysis(_ context.Context, rec *storage.AnalysisRecord) error {
	return t.op("analysis", string(rec.Kind))
}

func (t *fakeTx) UpdateSentiment(_ context.Context, _ string, value string, score float64) error {
	return t.op("sentiment", fmt.Sprintf("%s/%.2f", value, score))
}

func (t *fakeTx) SetEscalation(_ context.Context, _ string, escalated bool, _ string) error {
	return t.op("escalation", fmt.Sprint(escalated))
}

func (t *fakeTx) EnrichContactFromSignature(_ context.Context, _, email string, _ *analysis.SignaturePayload) error {
	return t.op("signature", email)
}

func (t *fakeTx) LockThread(_ context.Context, _, threadID string) error {
	return t.op("lock", threadID)
}

func (t *fakeTx) MarkCompleted(_ context.Context, messageID string) error {
	return t.op("completed", messageID)
}

func (t *fakeTx) GetThreadSummary(_ context.Context, _, threadID string, kind analysis.Kind) (*threads.Summary, error) {
	s, ok := t.summaries[summaryKey(threadID, kind)]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (t *fakeTx) UpsertThreadSummary(_ context.Context, s *threads.Summary) error {
	if err := t.op("summary", string(s.Kind)); err != nil {
		return err
	}
	t.summaries[summaryKey(s.ThreadID, s.Kind)] = *s
	return nil
}

type fixture struct {
	models    *fakeModels
	store     *fakeStore
	extractor *fakeExtractor
	pipeline  *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		models:    newFakeModels(),
		store:     newFakeStore(),
		extractor: &fakeExtractor{},
	}
	executor := analysis.NewExecutor(analysis.InitRegistry(analysis.DefaultCatalog(), nil), f.models)
	engine := threads.NewEngine(f.models, threads.WithClock(func() time.Time {
		return time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	}))
	p, err := New(Deps{Store: f.store, Executor: executor, Threads: engine, Extractor: f.extractor})
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func urgentRequest(persist bool) Request {
	return Request{
		TenantID: "tenant-1",
		Message: analysis.Message{
			ID:       "msg-1",
			ThreadID: "thread-1",
			From:     analysis.Address{Email: "Dana@Customer.com", Name: "Dana Ops"},
			To:       []analysis.Address{{Email: "support@vendor.com"}, {Email: "dana@customer.com"}},
			Cc:       []analysis.Address{{Email: "SUPPORT@vendor.com"}, {Email: "lead@vendor.com"}},
			Subject:  "Urgent: Production Issue",
			Body:     "Our production system is down since 9am. We need someone on this immediately.",
			ReceivedAt: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		},
		Kinds:   []analysis.Kind{analysis.KindSentiment, analysis.KindEscalation, analysis.KindSignatureExtraction},
		Persist: persist,
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestGather_NoWrites(t *testing.T) {
	f := newFixture(t)

	out, err := f.pipeline.Run(context.Background(), urgentRequest(false))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, out.State)
	assert.Nil(t, out.Committed)
	assert.Zero(t, f.store.inTx)
	assert.Empty(t, f.store.systemUsers)

	g := out.Gathered
	require.NotNil(t, g)
	assert.Len(t, g.Results.Successful(), 3)
	assert.Equal(t, ContextNone, g.ContextSource)

	var sent analysis.SentimentPayload
	require.NoError(t, json.Unmarshal(g.Results[analysis.KindSentiment].Result, &sent))
	assert.Equal(t, "negative", sent.Value)

	require.Len(t, f.extractor.gotCustomers, 1, "created customers go to contact extraction")
	assert.Equal(t, "cust-1", f.extractor.gotCustomers[0].ID)
}

func TestParticipants_CaseInsensitiveDedup(t *testing.T) {
	req := urgentRequest(false)
	domains := &extraction.DomainResult{Customers: []extraction.Customer{{ID: "cust-1", Domain: "customer.com"}}}

	ps := Participants(req.Message, "vendor.com", domains)
	require.Len(t, ps, 3)

	assert.Equal(t, "Dana@Customer.com", ps[0].Email)
	assert.Equal(t, storage.RoleFrom, ps[0].Role)
	require.NotNil(t, ps[0].CustomerID)
	assert.Equal(t, "cust-1", *ps[0].CustomerID)

	assert.Equal(t, "support@vendor.com", ps[1].Email)
	assert.Equal(t, storage.RoleTo, ps[1].Role)
	assert.Nil(t, ps[1].CustomerID)

	assert.Equal(t, "lead@vendor.com", ps[2].Email)
	assert.Equal(t, storage.RoleCc, ps[2].Role)

	for _, p := range ps {
		assert.Equal(t, storage.DirectionInbound, p.Direction)
	}

	req.Message.From = analysis.Address{Email: "agent@VENDOR.com"}
	ps = Participants(req.Message, "vendor.com", nil)
	assert.Equal(t, storage.DirectionOutbound, ps[0].Direction)
}

func TestGather_DomainFailureAborts(t *testing.T) {
	f := newFixture(t)
	f.extractor.domainErr = fmt.Errorf("%w: /domain-extract: status 500", pferrors.ErrCollaborator)

	out, err := f.pipeline.Run(context.Background(), urgentRequest(true))
	require.Error(t, err)
	assert.Equal(t, StateFailed, out.State)
	assert.ErrorIs(t, err, pferrors.ErrCollaborator)
	assert.True(t, pferrors.IsErrorRetryable(err))
	assert.Empty(t, f.models.requests, "no analyses after a load-bearing failure")
	assert.Zero(t, f.store.inTx)
}

func TestGather_AnalysisFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.models.fail = true

	out, err := f.pipeline.Run(context.Background(), urgentRequest(true))
	require.NoError(t, err)
	assert.Empty(t, out.Gathered.Results.Successful())
	assert.Equal(t, 0, out.Committed.Analyses)
	assert.Contains(t, f.store.committed, "completed:msg-1", "completed even without results")
	assert.NotContains(t, f.store.committed, "sentiment:negative/0.90")
}

func TestCommit_PersistsEverything(t *testing.T) {
	f := newFixture(t)
	known := uuid.New()
	f.extractor.contacts = []extraction.Contact{{ID: known, Email: "dana@customer.com"}}

	out, err := f.pipeline.Run(context.Background(), urgentRequest(true))
	require.NoError(t, err)
	report := out.Committed
	require.NotNil(t, report)

	assert.Equal(t, 3, report.Analyses)
	assert.Equal(t, 3, report.Participants)
	assert.True(t, report.SentimentUpdated)
	assert.True(t, report.EscalationUpdated)
	assert.True(t, report.SignatureEnriched)

	assert.ElementsMatch(t, []string{"support@vendor.com", "lead@vendor.com"}, f.store.systemUsers)

	committed := f.store.committed
	assert.Contains(t, committed, "sentiment:negative/0.90")
	assert.Contains(t, committed, "escalation:true")
	assert.Contains(t, committed, "signature:Dana@Customer.com")
	assert.Contains(t, committed, "lock:thread-1")
	assert.Equal(t, "completed:msg-1", committed[len(committed)-1])
	assert.NotContains(t, committed, "contact:Dana@Customer.com", "collaborator contact is reused")

	require.Len(t, f.store.participants, 3)
	assert.Equal(t, known, f.store.participants[0].ContactID)

	// First message in the thread: summaries are formatted directly.
	assert.ElementsMatch(t,
		[]analysis.Kind{analysis.KindEscalation, analysis.KindSentiment, analysis.KindSignatureExtraction},
		report.ThreadSummaries.Created)
	assert.Zero(t, f.models.mergeCalls())
	sum := f.store.summaries[summaryKey("thread-1", analysis.KindSentiment)]
	assert.Equal(t, threads.ModelDirectFormat, sum.ModelUsed)
	assert.Equal(t, "msg-1", sum.LastAnalyzedMessageID)
}

func TestCommit_SecondMessageMergesAndUsesSummaries(t *testing.T) {
	f := newFixture(t)
	_, err := f.pipeline.Run(context.Background(), urgentRequest(true))
	require.NoError(t, err)

	req := urgentRequest(true)
	req.Message.ID = "msg-2"
	out, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, ContextSummaries, out.Gathered.ContextSource)
	assert.Len(t, out.Committed.ThreadSummaries.Merged, 3)
	assert.Equal(t, 3, f.models.mergeCalls())
	sum := f.store.summaries[summaryKey("thread-1", analysis.KindSentiment)]
	assert.Equal(t, "Merged thread summary.", sum.Summary)
	assert.Equal(t, "msg-2", sum.LastAnalyzedMessageID)
}

func TestCommit_SoftFailuresDoNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.store.failOn["signature"] = errors.New("no contact to enrich")
	f.store.failOn["lock"] = errors.New("lock timeout")

	out, err := f.pipeline.Run(context.Background(), urgentRequest(true))
	require.NoError(t, err)

	assert.False(t, out.Committed.SignatureEnriched)
	assert.Contains(t, out.Committed.ThreadSummaries.Error, "lock timeout")
	assert.Contains(t, f.store.committed, "completed:msg-1")
	assert.Empty(t, f.store.summaries)
}

func TestCommit_HardFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.store.failOn["escalation"] = errors.New("connection reset")

	out, err := f.pipeline.Run(context.Background(), urgentRequest(true))
	require.Error(t, err)
	assert.Equal(t, StateFailed, out.State)

	var pe *pferrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pferrors.ErrTransactionFailed, pe.Code)
	assert.Equal(t, pferrors.StageCommit, pe.Stage)
	assert.Empty(t, f.store.committed, "nothing from the failed transaction is visible")
}

func TestGather_ContextSources(t *testing.T) {
	f := newFixture(t)

	req := urgentRequest(false)
	req.ThreadContext = &analysis.ThreadContext{Text: "Customer reported the same outage last week."}
	out, err := f.pipeline.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ContextCaller, out.Gathered.ContextSource)

	f.store.recent = []analysis.Message{{
		ID:      "msg-0",
		From:    analysis.Address{Email: "dana@customer.com"},
		Subject: "Slow dashboard",
		Body:    "Dashboards are slow today.",
	}}
	out, err = f.pipeline.Run(context.Background(), urgentRequest(false))
	require.NoError(t, err)
	assert.Equal(t, ContextRecent, out.Gathered.ContextSource)

	f.store.listErr = errors.New("db down")
	out, err = f.pipeline.Run(context.Background(), urgentRequest(false))
	require.NoError(t, err, "context failures are never fatal")
	assert.Equal(t, ContextNone, out.Gathered.ContextSource)
}

func TestGather_SignatureFallback(t *testing.T) {
	f := newFixture(t)
	f.models.replies["signature"] = `{}`
	f.extractor.signature = &analysis.SignaturePayload{Name: "Dana Ops", Company: "Customer Inc"}

	out, err := f.pipeline.Run(context.Background(), urgentRequest(false))
	require.NoError(t, err)
	assert.True(t, f.extractor.signatureHit)

	res := out.Gathered.Results[analysis.KindSignatureExtraction]
	require.NotNil(t, res)
	assert.Equal(t, ModelSignatureCollaborator, res.ModelUsed)
	sig, err := analysis.DecodeSignature(res.Result)
	require.NoError(t, err)
	assert.Equal(t, "Customer Inc", sig.Company)
}

func TestGathered_RoundTripsForResume(t *testing.T) {
	f := newFixture(t)
	out, err := f.pipeline.Run(context.Background(), urgentRequest(false))
	require.NoError(t, err)

	raw, err := json.Marshal(out.Gathered)
	require.NoError(t, err)
	var g Gathered
	require.NoError(t, json.Unmarshal(raw, &g))

	report, err := f.pipeline.Commit(context.Background(), &g)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Analyses)
}
