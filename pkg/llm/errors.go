package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies the type of model error.
type ErrorCode string

const (
	ErrTimeout       ErrorCode = "timeout"
	ErrUnavailable   ErrorCode = "unavailable"
	ErrRateLimit     ErrorCode = "rate_limit"
	ErrParseFailure  ErrorCode = "parse_failure"
	ErrInvalidSchema ErrorCode = "invalid_schema"
	ErrTokenLimit    ErrorCode = "token_limit"
	ErrNotConfigured ErrorCode = "not_configured"
)

// Error represents an error from a model provider.
type Error struct {
	Code     ErrorCode    `json:"code"`
	Provider ProviderKind `json:"provider,omitempty"`
	Message  string       `json:"message"`
	Details  string       `json:"details,omitempty"`
	Cause    error        `json:"-"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s %s: %s", e.Provider, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrTimeout, ErrUnavailable, ErrRateLimit, ErrParseFailure, ErrTokenLimit:
		return true
	}
	return false
}

// IsRetryable reports whether err is a retryable provider error. Errors that
// are not *Error are treated as retryable unless the context is done.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Retryable()
	}
	return true
}

// errorFromStatus maps an HTTP status returned by a provider to an Error.
func errorFromStatus(provider ProviderKind, status int, body string) *Error {
	code := ErrUnavailable
	switch {
	case status == http.StatusTooManyRequests:
		code = ErrRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		code = ErrTimeout
	case status >= 400 && status < 500:
		code = ErrInvalidSchema
	}
	return &Error{
		Code:     code,
		Provider: provider,
		Message:  fmt.Sprintf("HTTP %d", status),
		Details:  truncate(body, 500),
	}
}

// wrapError converts an SDK error into an Error.
func wrapError(provider ProviderKind, ctx context.Context, err error) *Error {
	if ctx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: ErrTimeout, Provider: provider, Message: "request timeout", Cause: err}
	}
	return &Error{Code: ErrUnavailable, Provider: provider, Message: err.Error(), Cause: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
