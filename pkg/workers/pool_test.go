package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
)

// memQueue is an in-memory queue.Queue recording dispositions.
type memQueue struct {
	mu      sync.Mutex
	ready   []*queue.Envelope
	acked   []string
	nacked  []string
	dead    map[string]string
	retries int
}

func newMemQueue(msgs ...*queue.Envelope) *memQueue {
	return &memQueue{ready: msgs, dead: map[string]string{}, retries: 6}
}

func (q *memQueue) Name() string { return "mem" }

func (q *memQueue) Enqueue(_ context.Context, kind string, _ any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := fmt.Sprintf("q%d", len(q.ready)+1)
	q.ready = append(q.ready, &queue.Envelope{ID: id, Kind: kind})
	return id, nil
}

func (q *memQueue) Dequeue(ctx context.Context, max int, wait time.Duration) ([]*queue.Envelope, error) {
	q.mu.Lock()
	if len(q.ready) > 0 {
		n := min(max, len(q.ready))
		out := q.ready[:n]
		q.ready = q.ready[n:]
		q.mu.Unlock()
		return out, nil
	}
	q.mu.Unlock()
	select {
	case <-time.After(wait):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *memQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	return nil
}

func (q *memQueue) Nack(_ context.Context, id string, cause error) (queue.Disposition, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nacked = append(q.nacked, id)
	if q.retries == 0 {
		q.dead[id] = cause.Error()
		return queue.Disposition{DeadLetter: true}, nil
	}
	return queue.Disposition{Retried: true, Attempt: 1, Delay: time.Minute}, nil
}

func (q *memQueue) DeadLetter(_ context.Context, id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead[id] = reason
	return nil
}

func (q *memQueue) Depth(context.Context) (queue.Depth, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queue.Depth{Ready: int64(len(q.ready)), Dead: int64(len(q.dead))}, nil
}

func (q *memQueue) RecoverStale(context.Context) (int, error) { return 0, nil }

func (q *memQueue) snapshot() (acked, nacked []string, dead map[string]string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d := make(map[string]string, len(q.dead))
	for k, v := range q.dead {
		d[k] = v
	}
	return append([]string(nil), q.acked...), append([]string(nil), q.nacked...), d
}

func testWorker(q queue.Queue, h MessageHandler) *Worker {
	return newWorker(DefaultConfig(), q, h, nopLogger())
}

func TestWorker_AckOnSuccess(t *testing.T) {
	q := newMemQueue()
	w := testWorker(q, func(context.Context, *queue.Envelope) error { return nil })

	w.process(context.Background(), &queue.Envelope{ID: "a"})

	acked, nacked, dead := q.snapshot()
	assert.Equal(t, []string{"a"}, acked)
	assert.Empty(t, nacked)
	assert.Empty(t, dead)
	assert.Equal(t, int64(1), w.ProcessedCount.Load())
}

func TestWorker_RetryableErrorIsNacked(t *testing.T) {
	q := newMemQueue()
	w := testWorker(q, func(context.Context, *queue.Envelope) error {
		return fmt.Errorf("%w: gemini-2.0-flash: 503 unavailable", pferrors.ErrModelCall)
	})

	w.process(context.Background(), &queue.Envelope{ID: "a"})

	acked, nacked, dead := q.snapshot()
	assert.Empty(t, acked)
	assert.Equal(t, []string{"a"}, nacked)
	assert.Empty(t, dead)
	assert.Equal(t, int64(1), w.FailedCount.Load())
}

func TestWorker_PermanentErrorIsDeadLettered(t *testing.T) {
	q := newMemQueue()
	w := testWorker(q, func(context.Context, *queue.Envelope) error {
		return fmt.Errorf("message m1: %w", pferrors.ErrNotFound)
	})

	w.process(context.Background(), &queue.Envelope{ID: "a"})

	_, nacked, dead := q.snapshot()
	assert.Empty(t, nacked)
	require.Contains(t, dead, "a")
	assert.Contains(t, dead["a"], "not found")
	assert.Equal(t, int64(1), w.DeadCount.Load())
}

func TestWorker_ExhaustedRetriesCountAsDead(t *testing.T) {
	q := newMemQueue()
	q.retries = 0
	w := testWorker(q, func(context.Context, *queue.Envelope) error { return errors.New("boom") })

	w.process(context.Background(), &queue.Envelope{ID: "a"})

	_, nacked, dead := q.snapshot()
	assert.Equal(t, []string{"a"}, nacked)
	assert.Contains(t, dead, "a")
	assert.Equal(t, int64(1), w.DeadCount.Load())
}

func TestPool_ProcessesAllMessages(t *testing.T) {
	q := newMemQueue(
		&queue.Envelope{ID: "1"},
		&queue.Envelope{ID: "2"},
		&queue.Envelope{ID: "3"},
	)

	var mu sync.Mutex
	seen := map[string]bool{}
	handler := func(_ context.Context, msg *queue.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.ID] = true
		return nil
	}

	pool := NewPool(Config{Count: 2, PollInterval: 5 * time.Millisecond, ShutdownTimeout: time.Second}, q, handler)
	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()), "double start")

	require.Eventually(t, func() bool {
		acked, _, _ := q.snapshot()
		return len(acked) == 3
	}, 2*time.Second, 5*time.Millisecond)

	pool.Stop()

	stats := pool.Stats()
	assert.Equal(t, 2, stats.WorkerCount)
	assert.Equal(t, 0, stats.ActiveCount)
	assert.Equal(t, int64(3), stats.Processed)
	assert.Len(t, seen, 3)
}

func TestConfig_HandlerTimeout(t *testing.T) {
	assert.Equal(t, 290*time.Second, DefaultConfig().handlerTimeout())
	assert.Equal(t, 5*time.Second, Config{VisibilityTimeout: 5 * time.Second}.handlerTimeout())
}

func nopLogger() logging.Logger { return logging.NewNopLogger() }
