package queue

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSchedule(t *testing.T) {
	assert.Equal(t, 6, DefaultSchedule.MaxRetries())

	want := []time.Duration{time.Minute, 2 * time.Minute, 5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 30 * time.Minute}
	for i, d := range want {
		got, ok := DefaultSchedule.Delay(i + 1)
		assert.True(t, ok)
		assert.Equal(t, d, got, "attempt %d", i+1)
	}

	_, ok := DefaultSchedule.Delay(7)
	assert.False(t, ok)
	_, ok = DefaultSchedule.Delay(0)
	assert.False(t, ok)
}

func TestConfig_WithDefaults(t *testing.T) {
	cfg := Config{Name: "events", VisibilityTimeout: time.Minute}.withDefaults()

	assert.Equal(t, time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionPeriod)
	assert.Equal(t, DefaultSchedule, cfg.Schedule)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)

	empty := Config{Name: "events", Schedule: Schedule{}}.withDefaults()
	assert.Equal(t, 0, empty.Schedule.MaxRetries(), "an explicit empty schedule disables retries")
}

func TestEnvelope_Decode(t *testing.T) {
	env := &Envelope{Payload: []byte(`{"messageId":"m1"}`)}
	var out struct {
		MessageID string `json:"messageId"`
	}
	require.NoError(t, env.Decode(&out))
	assert.Equal(t, "m1", out.MessageID)

	err := (&Envelope{}).Decode(&out)
	assert.True(t, errors.Is(err, ErrInvalidMessage))

	err = (&Envelope{Payload: []byte(`not json`)}).Decode(&out)
	assert.True(t, errors.Is(err, ErrInvalidMessage))
}

func TestRedisQueue_Keys(t *testing.T) {
	q := NewRedisQueue(nil, Config{Name: "trigger"})
	assert.Equal(t, "trigger", q.Name())
	assert.Equal(t, "queue:trigger", q.readyKey())
	assert.Equal(t, "delayed:trigger", q.delayedKey())
	assert.Equal(t, "processing:trigger", q.processingKey())
	assert.Equal(t, "dlq:trigger", q.dlqKey())
	assert.Equal(t, "msg:trigger:abc", q.messageKey("abc"))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newIntegrationQueue(t *testing.T) (*RedisQueue, *fakeClock) {
	t.Helper()
	url := os.Getenv("MAILPULSE_TEST_REDIS_URL")
	if url == "" || testing.Short() {
		t.Skip("MAILPULSE_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	q := NewRedisQueue(client, Config{
		Name:              "test-" + uuid.NewString(),
		VisibilityTimeout: time.Minute,
		Schedule:          Schedule{time.Minute, 2 * time.Minute},
		PollInterval:      10 * time.Millisecond,
	})
	clock := &fakeClock{t: time.Now()}
	q.now = clock.now
	t.Cleanup(func() {
		ctx := context.Background()
		client.Del(ctx, q.readyKey(), q.delayedKey(), q.processingKey(), q.dlqKey())
	})
	return q, clock
}

func TestRedisQueue_Integration_RetryThenDeadLetter(t *testing.T) {
	q, clock := newIntegrationQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "message.inserted", map[string]string{"messageId": "m1"})
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)

	disp, err := q.Nack(ctx, id, errors.New("provider unavailable"))
	require.NoError(t, err)
	assert.True(t, disp.Retried)
	assert.Equal(t, time.Minute, disp.Delay)

	// Not visible until the backoff elapses.
	got, err = q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	clock.advance(time.Minute)
	got, err = q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempt)
	assert.Equal(t, "provider unavailable", got[0].LastError)

	_, err = q.Nack(ctx, id, errors.New("still down"))
	require.NoError(t, err)
	clock.advance(2 * time.Minute)
	got, err = q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)

	disp, err = q.Nack(ctx, id, errors.New("still down"))
	require.NoError(t, err)
	assert.True(t, disp.DeadLetter)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Dead: 1}, depth)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].Message.ID)
	assert.Contains(t, dead[0].Reason, "retries exhausted")
}

func TestRedisQueue_Integration_AckAndRecover(t *testing.T) {
	q, clock := newIntegrationQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "message.inserted", map[string]string{"messageId": "m1"})
	require.NoError(t, err)
	clock.advance(time.Millisecond)
	second, err := q.Enqueue(ctx, "message.inserted", map[string]string{"messageId": "m2"})
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].ID, "oldest first")

	require.NoError(t, q.Ack(ctx, first))

	clock.advance(2 * time.Minute)
	n, err := q.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = q.Dequeue(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, second, got[0].ID)
	assert.Equal(t, 1, got[0].Attempt)
}
