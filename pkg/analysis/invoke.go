package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
)

// DefaultMaxRetries is the number of extra attempts per model when a
// definition does not set one.
const DefaultMaxRetries = 2

// invocation is one logical model call: a prompt, the schema its output must
// satisfy and the models allowed to answer it.
type invocation struct {
	kinds      string
	schema     Schema
	prompt     Prompt
	models     ModelConfig
	maxRetries int
	timeout    time.Duration
}

type invocationResult struct {
	payload   json.RawMessage
	model     string
	reasoning string
	usage     llm.Usage
}

// invoke runs inv against the primary model and, when that exhausts its
// attempts, once more against the fallback model with a fresh budget.
func (e *Executor) invoke(ctx context.Context, inv invocation) (*invocationResult, error) {
	var usage llm.Usage

	payload, reasoning, err := e.attempt(ctx, inv, inv.models.Primary, &usage)
	if err == nil {
		return &invocationResult{payload: payload, model: inv.models.Primary, reasoning: reasoning, usage: usage}, nil
	}

	fallback := inv.models.Fallback
	if fallback == "" || fallback == inv.models.Primary || ctx.Err() != nil {
		return nil, fmt.Errorf("%w: %s: %w", pferrors.ErrModelCall, inv.models.Primary, err)
	}

	e.logger.Warn("Primary model failed, trying fallback",
		logging.F("kinds", inv.kinds),
		logging.F("primary", inv.models.Primary),
		logging.F("fallback", fallback),
		logging.Err(err))
	e.metrics.RecordFallbackModel(inv.schema.Name())

	payload, reasoning, err = e.attempt(ctx, inv, fallback, &usage)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", pferrors.ErrModelCall, fallback, err)
	}
	return &invocationResult{payload: payload, model: fallback, reasoning: reasoning, usage: usage}, nil
}

// attempt calls model up to maxRetries+1 times. A schema failure re-issues
// the call with the validation problems appended; a provider error that is
// not retryable ends the loop early.
func (e *Executor) attempt(ctx context.Context, inv invocation, model string, usage *llm.Usage) (json.RawMessage, string, error) {
	var (
		lastErr  error
		feedback string
	)
	for n := 1; n <= inv.maxRetries+1; n++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return nil, "", lastErr
			}
			return nil, "", err
		}

		resp, err := e.call(ctx, inv, model, feedback)
		if err != nil {
			lastErr = err
			if !llm.IsRetryable(err) {
				e.logger.Debug("Model call failed permanently",
					logging.F("model", model), logging.F("attempt", n), logging.Err(err))
				break
			}
			e.logger.Debug("Model call failed, retrying",
				logging.F("model", model), logging.F("attempt", n), logging.Err(err))
			continue
		}
		*usage = usage.Add(resp.Usage)

		payload, reasoning, err := e.validate(inv.schema, resp.Content)
		if err == nil {
			return payload, reasoning, nil
		}
		lastErr = err

		var ve *ValidationError
		if !errors.As(err, &ve) {
			break
		}
		feedback = ve.Feedback()
		e.metrics.RecordValidationRetry(inv.schema.Name())
		e.logger.Debug("Model output failed validation",
			logging.F("model", model),
			logging.F("schema", inv.schema.Name()),
			logging.F("attempt", n),
			logging.Err(err))
	}
	return nil, "", lastErr
}

func (e *Executor) call(ctx context.Context, inv invocation, model, feedback string) (*llm.Response, error) {
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}
	prompt := inv.prompt.WithFeedback(feedback)
	return e.models.Complete(ctx, llm.Request{
		Model:        model,
		SystemPrompt: prompt.System,
		Prompt:       prompt.User,
		Schema:       WithReasoning(inv.schema.JSONSchema()),
		SchemaName:   inv.schema.Name(),
	})
}

func (e *Executor) validate(schema Schema, content string) (json.RawMessage, string, error) {
	raw, err := llm.ExtractJSON(content)
	if err != nil {
		return nil, "", &ValidationError{
			Schema: schema.Name(),
			Issues: []string{"response did not contain a complete JSON object"},
			Err:    err,
		}
	}
	payload, err := schema.Validate(raw)
	if err != nil {
		return nil, "", err
	}
	return payload, extractReasoning(raw), nil
}

func extractReasoning(raw json.RawMessage) string {
	var r struct {
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return ""
	}
	return r.Reasoning
}
