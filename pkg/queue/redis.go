package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes
const (
	keyPrefixQueue      = "queue:"      // ready messages, scored by enqueue time
	keyPrefixDelayed    = "delayed:"    // retries waiting for their backoff
	keyPrefixProcessing = "processing:" // scored by visibility deadline
	keyPrefixMessage    = "msg:"        // message data
	keyPrefixDLQ        = "dlq:"        // dead letter queue
)

// promoteScript moves due members of the delayed set to the ready set.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[1], id)
end
return #due
`)

// RedisQueue implements Queue using Redis sorted sets.
type RedisQueue struct {
	client redis.UniversalClient
	config Config
	now    func() time.Time
}

// NewRedisQueue creates a Redis-backed queue.
func NewRedisQueue(client redis.UniversalClient, config Config) *RedisQueue {
	return &RedisQueue{
		client: client,
		config: config.withDefaults(),
		now:    time.Now,
	}
}

// Name returns the queue name.
func (q *RedisQueue) Name() string {
	return q.config.Name
}

func (q *RedisQueue) readyKey() string      { return keyPrefixQueue + q.config.Name }
func (q *RedisQueue) delayedKey() string    { return keyPrefixDelayed + q.config.Name }
func (q *RedisQueue) processingKey() string { return keyPrefixProcessing + q.config.Name }
func (q *RedisQueue) dlqKey() string        { return keyPrefixDLQ + q.config.Name }
func (q *RedisQueue) messageKey(id string) string {
	return keyPrefixMessage + q.config.Name + ":" + id
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// Enqueue adds a message to the ready set and returns its id.
func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := q.now()
	env := &Envelope{
		ID:         uuid.New().String(),
		Kind:       kind,
		Payload:    raw,
		EnqueuedAt: now,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.messageKey(env.ID), data, q.config.RetentionPeriod)
	pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(now), Member: env.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return env.ID, nil
}

// Dequeue retrieves up to maxMessages, waiting at most wait for the first.
// Due retries are promoted before each poll.
func (q *RedisQueue) Dequeue(ctx context.Context, maxMessages int, wait time.Duration) ([]*Envelope, error) {
	if maxMessages <= 0 {
		maxMessages = 1
	}
	deadline := q.now().Add(wait)

	var out []*Envelope
	for len(out) < maxMessages {
		if err := q.promote(ctx, maxMessages); err != nil {
			return out, err
		}

		popped, err := q.client.ZPopMin(ctx, q.readyKey(), 1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("failed to pop from queue: %w", err)
		}
		if len(popped) == 0 {
			if len(out) > 0 || !q.now().Before(deadline) {
				return out, nil
			}
			select {
			case <-time.After(q.config.PollInterval):
				continue
			case <-ctx.Done():
				return out, ctx.Err()
			}
		}

		id, _ := popped[0].Member.(string)
		env, err := q.load(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			// Expired past retention.
			continue
		}
		if err != nil {
			return out, err
		}

		env.VisibleAfter = q.now().Add(q.config.VisibilityTimeout)
		if err := q.store(ctx, env, func(pipe redis.Pipeliner) {
			pipe.ZAdd(ctx, q.processingKey(), redis.Z{Score: score(env.VisibleAfter), Member: id})
		}); err != nil {
			return out, fmt.Errorf("failed to move to processing: %w", err)
		}
		out = append(out, env)
	}
	return out, nil
}

func (q *RedisQueue) promote(ctx context.Context, limit int) error {
	keys := []string{q.delayedKey(), q.readyKey()}
	err := promoteScript.Run(ctx, q.client, keys, strconv.FormatFloat(score(q.now()), 'f', 0, 64), limit).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to promote delayed messages: %w", err)
	}
	return nil
}

// Ack acknowledges successful processing of a message.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), id)
	pipe.Del(ctx, q.messageKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Nack records cause and schedules the next retry.
func (q *RedisQueue) Nack(ctx context.Context, id string, cause error) (Disposition, error) {
	env, err := q.load(ctx, id)
	if err != nil {
		return Disposition{}, err
	}

	env.Attempt++
	if cause != nil {
		env.LastError = cause.Error()
	}

	delay, ok := q.config.Schedule.Delay(env.Attempt)
	if !ok {
		reason := fmt.Sprintf("retries exhausted after %d attempts: %s", env.Attempt, env.LastError)
		if err := q.deadLetter(ctx, env, reason); err != nil {
			return Disposition{}, err
		}
		return Disposition{Attempt: env.Attempt, DeadLetter: true}, nil
	}

	env.VisibleAfter = q.now().Add(delay)
	err = q.store(ctx, env, func(pipe redis.Pipeliner) {
		pipe.ZRem(ctx, q.processingKey(), id)
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score(env.VisibleAfter), Member: id})
	})
	if err != nil {
		return Disposition{}, fmt.Errorf("failed to nack message: %w", err)
	}
	return Disposition{Retried: true, Attempt: env.Attempt, Delay: delay}, nil
}

// DeadLetter moves a message to the dead letter queue.
func (q *RedisQueue) DeadLetter(ctx context.Context, id, reason string) error {
	env, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	return q.deadLetter(ctx, env, reason)
}

// DeadLetterEntry is a dead-lettered message with the reason it was moved.
type DeadLetterEntry struct {
	Message *Envelope `json:"message"`
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"moved_at"`
	Queue   string    `json:"queue_name"`
}

func (q *RedisQueue) deadLetter(ctx context.Context, env *Envelope, reason string) error {
	now := q.now()
	entry, err := json.Marshal(DeadLetterEntry{Message: env, Reason: reason, MovedAt: now, Queue: q.config.Name})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey(), env.ID)
	pipe.ZRem(ctx, q.delayedKey(), env.ID)
	pipe.Del(ctx, q.messageKey(env.ID))
	pipe.ZAdd(ctx, q.dlqKey(), redis.Z{Score: score(now), Member: string(entry)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move to DLQ: %w", err)
	}
	return nil
}

// DeadLetters returns the newest dead-lettered messages.
func (q *RedisQueue) DeadLetters(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.ZRevRange(ctx, q.dlqKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read DLQ: %w", err)
	}
	out := make([]DeadLetterEntry, 0, len(raw))
	for _, r := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Depth returns the number of messages in each state.
func (q *RedisQueue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	processing := pipe.ZCard(ctx, q.processingKey())
	dead := pipe.ZCard(ctx, q.dlqKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Depth{}, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return Depth{
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

// RecoverStale returns messages whose visibility timeout expired to the
// ready set, counting the lost delivery as an attempt.
// Should be called periodically by a background worker.
func (q *RedisQueue) RecoverStale(ctx context.Context) (int, error) {
	stale, err := q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(q.now()), 'f', 0, 64),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find stale messages: %w", err)
	}

	recovered := 0
	for _, id := range stale {
		// Claim the message; zero means another worker acked or recovered it.
		n, err := q.client.ZRem(ctx, q.processingKey(), id).Result()
		if err != nil {
			return recovered, fmt.Errorf("failed to claim stale message: %w", err)
		}
		if n == 0 {
			continue
		}

		env, err := q.load(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		env.Attempt++
		env.LastError = "visibility timeout exceeded"
		if _, ok := q.config.Schedule.Delay(env.Attempt); !ok {
			if err := q.deadLetter(ctx, env, env.LastError); err != nil {
				return recovered, err
			}
			continue
		}

		env.VisibleAfter = time.Time{}
		if err := q.store(ctx, env, func(pipe redis.Pipeliner) {
			pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: score(q.now()), Member: id})
		}); err != nil {
			return recovered, fmt.Errorf("failed to requeue stale message: %w", err)
		}
		recovered++
	}
	return recovered, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Envelope, error) {
	data, err := q.client.Get(ctx, q.messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return &env, nil
}

// store writes env and whatever set moves fn adds in one transaction.
func (q *RedisQueue) store(ctx context.Context, env *Envelope, fn func(pipe redis.Pipeliner)) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.messageKey(env.ID), data, q.config.RetentionPeriod)
	fn(pipe)
	_, err = pipe.Exec(ctx)
	return err
}

// Verify interface compliance
var _ Queue = (*RedisQueue)(nil)
