package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/observability"
	"github.com/otherjamesbrown/mailpulse/pkg/pipeline"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
	"github.com/otherjamesbrown/mailpulse/pkg/storage"
)

type memSteps struct {
	mu      sync.Mutex
	runs    map[string]map[string][]byte
	saveErr error
}

func newMemSteps() *memSteps { return &memSteps{runs: map[string]map[string][]byte{}} }

func (m *memSteps) LoadStep(_ context.Context, runID, step string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.runs[runID][step]
	return data, ok, nil
}

func (m *memSteps) SaveStep(_ context.Context, runID, step string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	if m.runs[runID] == nil {
		m.runs[runID] = map[string][]byte{}
	}
	m.runs[runID][step] = data
	return nil
}

func (m *memSteps) ClearSteps(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

func (m *memSteps) saved(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for step := range m.runs[runID] {
		out = append(out, step)
	}
	return out
}

type fakeMessages struct {
	status     storage.Status
	statusErr  error
	fetchCalls int
	msg        *storage.Message
}

func (f *fakeMessages) GetMessageStatus(context.Context, string, string) (storage.Status, error) {
	return f.status, f.statusErr
}

func (f *fakeMessages) GetMessage(_ context.Context, tenantID, messageID string) (*storage.Message, error) {
	f.fetchCalls++
	if f.msg == nil {
		return nil, fmt.Errorf("message %s: %w", messageID, pferrors.ErrNotFound)
	}
	m := *f.msg
	return &m, nil
}

type fakeProcessor struct {
	gatherCalls int
	commitCalls int
	commitErrs  []error
	lastRequest pipeline.Request
}

func (p *fakeProcessor) Gather(_ context.Context, req pipeline.Request) (*pipeline.Gathered, error) {
	p.gatherCalls++
	p.lastRequest = req
	return &pipeline.Gathered{
		TenantID: req.TenantID,
		Message:  req.Message,
		Results: analysis.BatchResult{
			analysis.KindSentiment: {Kind: analysis.KindSentiment, Result: []byte(`{"value":"neutral","confidence":0.7}`), ModelUsed: "gemini-2.0-flash"},
		},
	}, nil
}

func (p *fakeProcessor) Commit(_ context.Context, g *pipeline.Gathered) (*pipeline.CommitReport, error) {
	p.commitCalls++
	if len(p.commitErrs) > 0 {
		err := p.commitErrs[0]
		p.commitErrs = p.commitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &pipeline.CommitReport{Analyses: len(g.Results)}, nil
}

func pendingMessage() *storage.Message {
	return &storage.Message{
		Message: analysis.Message{
			ID:         "msg-1",
			From:       analysis.Address{Email: "dana@customer.com"},
			Subject:    "Urgent: Production Issue",
			ReceivedAt: time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
		},
		TenantID: "tenant-1",
		Status:   storage.StatusPending,
	}
}

var testEvent = Event{TenantID: "tenant-1", MessageID: "msg-1", ThreadID: "thread-1"}

func TestHandle_CompletedMessageIsSkipped(t *testing.T) {
	msgs := &fakeMessages{status: storage.StatusCompleted, msg: pendingMessage()}
	proc := &fakeProcessor{}
	fn := NewFunction(msgs, proc, newMemSteps())

	res, err := fn.Handle(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Zero(t, msgs.fetchCalls)
	assert.Zero(t, proc.gatherCalls)
	assert.Zero(t, proc.commitCalls)
}

func TestHandle_RunsStepsInOrder(t *testing.T) {
	msgs := &fakeMessages{status: storage.StatusPending, msg: pendingMessage()}
	proc := &fakeProcessor{}
	steps := newMemSteps()
	cfg := &analysis.Config{EnabledKinds: []analysis.Kind{analysis.KindSentiment}}
	fn := NewFunction(msgs, proc, steps, WithAnalysisConfig(cfg))

	res, err := fn.Handle(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.Report)
	assert.Equal(t, 1, res.Report.Analyses)

	assert.Equal(t, 1, msgs.fetchCalls)
	assert.Equal(t, 1, proc.gatherCalls)
	assert.Equal(t, 1, proc.commitCalls)
	assert.True(t, proc.lastRequest.Persist)
	assert.Equal(t, cfg, proc.lastRequest.Config)
	assert.Equal(t, "thread-1", proc.lastRequest.Message.ThreadID, "event thread id fills a missing one")
	assert.Empty(t, steps.saved("msg-1"), "memo cleared after completion")
}

func TestHandle_RetryResumesAfterLastSuccessfulStep(t *testing.T) {
	msgs := &fakeMessages{status: storage.StatusPending, msg: pendingMessage()}
	commitErr := pferrors.NewPipelineError(pferrors.ErrTransactionFailed, pferrors.StageCommit, errors.New("deadlock detected"))
	proc := &fakeProcessor{commitErrs: []error{commitErr}}
	steps := newMemSteps()
	fn := NewFunction(msgs, proc, steps)

	_, err := fn.Handle(context.Background(), testEvent)
	require.Error(t, err)
	assert.True(t, pferrors.IsErrorRetryable(err))
	assert.ElementsMatch(t, []string{StepFetch, StepExecute}, steps.saved("msg-1"))

	res, err := fn.Handle(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	assert.Equal(t, 1, msgs.fetchCalls, "fetch replayed from memo")
	assert.Equal(t, 1, proc.gatherCalls, "no second round of model calls")
	assert.Equal(t, 2, proc.commitCalls)
}

func TestHandle_MemoWriteFailureStillCompletes(t *testing.T) {
	msgs := &fakeMessages{status: storage.StatusPending, msg: pendingMessage()}
	proc := &fakeProcessor{}
	steps := newMemSteps()
	steps.saveErr = errors.New("redis down")
	fn := NewFunction(msgs, proc, steps)

	res, err := fn.Handle(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
}

func TestHandle_MissingMessageIsPermanent(t *testing.T) {
	msgs := &fakeMessages{status: storage.StatusPending}
	fn := NewFunction(msgs, &fakeProcessor{}, newMemSteps())

	_, err := fn.Handle(context.Background(), testEvent)
	require.Error(t, err)
	assert.False(t, pferrors.IsErrorRetryable(err))

	var pe *pferrors.PipelineError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, pferrors.ErrMessageNotFound, pe.Code)
	assert.Equal(t, StepFetch, pe.Stage)
}

func TestHandle_InvalidEvent(t *testing.T) {
	fn := NewFunction(&fakeMessages{}, &fakeProcessor{}, newMemSteps())

	_, err := fn.Handle(context.Background(), Event{TenantID: "tenant-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MessageID")
	assert.False(t, pferrors.IsErrorRetryable(err))
}

func TestQueueHandler(t *testing.T) {
	msgs := &fakeMessages{status: storage.StatusCompleted}
	fn := NewFunction(msgs, &fakeProcessor{}, newMemSteps())
	handle := fn.QueueHandler()

	err := handle(context.Background(), &queue.Envelope{ID: "q1", Kind: EventName, Payload: []byte(`{"tenantId":"tenant-1","messageId":"msg-1"}`)})
	assert.NoError(t, err)

	err = handle(context.Background(), &queue.Envelope{ID: "q2", Kind: "something.else", Payload: []byte(`{}`)})
	require.Error(t, err)
	assert.False(t, pferrors.IsErrorRetryable(err))

	err = handle(context.Background(), &queue.Envelope{ID: "q3", Kind: EventName, Payload: []byte(`nope`)})
	require.Error(t, err)
	assert.False(t, pferrors.IsErrorRetryable(err))
}

type recordingPublisher struct {
	channels []string
	events   []*observability.AnalysisEvent
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, event any) error {
	p.channels = append(p.channels, channel)
	p.events = append(p.events, event.(*observability.AnalysisEvent))
	return nil
}

func TestHandle_PublishesLifecycleEvents(t *testing.T) {
	msgs := &fakeMessages{status: storage.StatusPending, msg: pendingMessage()}
	commitErr := pferrors.NewPipelineError(pferrors.ErrTransactionFailed, pferrors.StageCommit, errors.New("deadlock detected"))
	pub := &recordingPublisher{}
	fn := NewFunction(msgs, &fakeProcessor{commitErrs: []error{commitErr}}, newMemSteps(), WithPublisher(pub))

	_, err := fn.Handle(context.Background(), testEvent)
	require.Error(t, err)
	_, err = fn.Handle(context.Background(), testEvent)
	require.NoError(t, err)

	msgs.status = storage.StatusCompleted
	_, err = fn.Handle(context.Background(), testEvent)
	require.NoError(t, err)

	assert.Equal(t, []string{
		observability.ChannelAnalysisFailed,
		observability.ChannelAnalysisCompleted,
		observability.ChannelAnalysisSkipped,
	}, pub.channels)
	assert.Contains(t, pub.events[0].Error, "deadlock")
	assert.Equal(t, []string{"sentiment"}, pub.events[1].Kinds)
	assert.Equal(t, "thread-1", pub.events[1].ThreadID)
}
