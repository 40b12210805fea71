package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
)

// ErrorBody is the standard error object.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Details   any    `json:"details,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// ErrorResponse wraps the error body.
type ErrorResponse struct {
	Success bool      `json:"success"`
	Error   ErrorBody `json:"error"`
}

// Error aborts with the standard error body.
func Error(c *gin.Context, status int, code, message string, details any) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorBody{Code: code, Message: message, Details: details, RequestID: RequestIDFromContext(c)},
	})
}

// PipelineFailure classifies err and aborts with the matching status.
func PipelineFailure(c *gin.Context, stage string, err error, details any) {
	pe := pferrors.ClassifyError(err, stage)
	c.AbortWithStatusJSON(statusFor(pe.Code), ErrorResponse{
		Error: ErrorBody{
			Code:      string(pe.Code),
			Message:   pe.Error(),
			Retryable: pferrors.IsErrorRetryable(pe),
			Details:   details,
			RequestID: RequestIDFromContext(c),
		},
	})
}

func statusFor(code pferrors.ErrorCode) int {
	switch code {
	case pferrors.ErrInvalidInput, pferrors.ErrUnknownKindCode:
		return http.StatusBadRequest
	case pferrors.ErrMessageNotFound:
		return http.StatusNotFound
	case pferrors.ErrDuplicate:
		return http.StatusConflict
	case pferrors.ErrRateLimit:
		return http.StatusTooManyRequests
	case pferrors.ErrTimeout:
		return http.StatusGatewayTimeout
	case pferrors.ErrCollaboratorFailed, pferrors.ErrModelCallFailed, pferrors.ErrModelUnavailable:
		return http.StatusBadGateway
	case pferrors.ErrContextCancelled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FieldIssue names one invalid request field.
type FieldIssue struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// bindError reports a JSON binding failure with one issue per invalid field.
func bindError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		Error(c, http.StatusBadRequest, string(pferrors.ErrInvalidInput), "malformed request body: "+err.Error(), nil)
		return
	}
	issues := make([]FieldIssue, 0, len(verrs))
	for _, fe := range verrs {
		issues = append(issues, FieldIssue{Field: fe.Namespace(), Issue: fe.Tag()})
	}
	Error(c, http.StatusBadRequest, string(pferrors.ErrInvalidInput), "invalid request body", issues)
}
