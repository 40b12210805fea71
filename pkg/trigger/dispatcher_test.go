package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
)

type memIdempotency struct {
	mu   sync.Mutex
	keys map[string]time.Duration
}

func newMemIdempotency() *memIdempotency { return &memIdempotency{keys: map[string]time.Duration{}} }

func (m *memIdempotency) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = ttl
	return true, nil
}

func (m *memIdempotency) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

// recordingQueue is a queue.Queue that only records enqueues.
type recordingQueue struct {
	queue.Queue
	enqueued []any
	err      error
}

func (q *recordingQueue) Enqueue(_ context.Context, kind string, payload any) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.enqueued = append(q.enqueued, payload)
	return "q-1", nil
}

func TestDispatcher_SendOncePerMessage(t *testing.T) {
	q := &recordingQueue{}
	idem := newMemIdempotency()
	d := NewDispatcher(q, idem, WithIdempotencyTTL(time.Hour))

	id, err := d.Send(context.Background(), testEvent)
	require.NoError(t, err)
	assert.Equal(t, "q-1", id)
	assert.Equal(t, time.Hour, idem.keys["msg-1"])

	_, err = d.Send(context.Background(), testEvent)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.True(t, pferrors.IsDuplicateInvocation(err))
	assert.Len(t, q.enqueued, 1)
}

func TestDispatcher_EnqueueFailureReleasesClaim(t *testing.T) {
	q := &recordingQueue{err: errors.New("redis: connection refused")}
	idem := newMemIdempotency()
	d := NewDispatcher(q, idem)

	_, err := d.Send(context.Background(), testEvent)
	require.Error(t, err)
	assert.NotContains(t, idem.keys, "msg-1")

	q.err = nil
	_, err = d.Send(context.Background(), testEvent)
	assert.NoError(t, err, "a failed dispatch can be retried")
}

func TestDispatcher_RejectsInvalidEvent(t *testing.T) {
	d := NewDispatcher(&recordingQueue{}, newMemIdempotency())

	_, err := d.Send(context.Background(), Event{MessageID: "msg-1"})
	assert.ErrorIs(t, err, pferrors.ErrValidation)
	assert.Contains(t, err.Error(), "TenantID")
}
