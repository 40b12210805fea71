package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a classified pipeline error.
type ErrorCode string

const (
	ErrTimeout              ErrorCode = "timeout"
	ErrRateLimit            ErrorCode = "rate_limit"
	ErrModelUnavailable     ErrorCode = "model_unavailable"
	ErrModelCallFailed      ErrorCode = "model_call_failed"
	ErrCollaboratorFailed   ErrorCode = "collaborator_failed"
	ErrTransactionFailed    ErrorCode = "transaction_failed"
	ErrContextCancelled     ErrorCode = "context_cancelled"
	ErrUnknownKindCode      ErrorCode = "unknown_kind"
	ErrSchemaValidationCode ErrorCode = "schema_validation"
	ErrMessageNotFound      ErrorCode = "message_not_found"
	ErrDuplicate            ErrorCode = "duplicate_invocation"
	ErrInvalidInput         ErrorCode = "invalid_input"
	ErrProcessingError      ErrorCode = "processing_error"
)

// Stage names used when wrapping errors at pipeline boundaries.
const (
	StageFetch   = "fetch"
	StageGather  = "gather"
	StageCommit  = "commit"
	StageExecute = "execute"
	StagePersist = "persist"
)

// PipelineError is a structured error for pipeline failures.
type PipelineError struct {
	Code    ErrorCode
	Stage   string
	Message string
	Cause   error
}

func (e *PipelineError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// NewPipelineError wraps cause with an explicit code.
func NewPipelineError(code ErrorCode, stage string, cause error) *PipelineError {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &PipelineError{Code: code, Stage: stage, Message: msg, Cause: cause}
}

// ClassifyError inspects an error and returns a *PipelineError with the appropriate code.
// An error that is already a *PipelineError keeps its code.
func ClassifyError(err error, stage string) *PipelineError {
	if err == nil {
		return nil
	}

	var existing *PipelineError
	if errors.As(err, &existing) {
		return existing
	}

	code := classify(err)
	return &PipelineError{Code: code, Stage: stage, Message: err.Error(), Cause: err}
}

func classify(err error) ErrorCode {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled):
		return ErrContextCancelled
	case errors.Is(err, ErrUnknownKind):
		return ErrUnknownKindCode
	case errors.Is(err, ErrDuplicateInvocation):
		return ErrDuplicate
	case errors.Is(err, ErrNotFound):
		return ErrMessageNotFound
	case errors.Is(err, ErrValidation):
		return ErrInvalidInput
	case errors.Is(err, ErrCollaborator):
		return ErrCollaboratorFailed
	case errors.Is(err, ErrModelCall):
		return ErrModelCallFailed
	case errors.Is(err, ErrSchemaValidation):
		return ErrSchemaValidationCode
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests") || strings.Contains(lower, "resource_exhausted"):
		return ErrRateLimit
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "unavailable") ||
		strings.Contains(lower, "503") || strings.Contains(lower, "no such host"):
		return ErrModelUnavailable
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return ErrTimeout
	}
	return ErrProcessingError
}

// IsTimeout returns true if the error classifies as a timeout.
func IsTimeout(err error) bool {
	pe := ClassifyError(err, "")
	return pe != nil && pe.Code == ErrTimeout
}

// IsErrorRetryable returns true if the error is likely transient and worth a
// scheduled retry.
func IsErrorRetryable(err error) bool {
	pe := ClassifyError(err, "")
	if pe == nil {
		return false
	}
	return IsRetryable(pe.Code)
}
