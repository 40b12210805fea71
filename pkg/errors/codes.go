package errors

// ErrorCodeInfo contains metadata about an error code.
type ErrorCodeInfo struct {
	Code            ErrorCode
	Retryable       bool
	Description     string
	SuggestedAction string
}

// ErrorCodeRegistry maps error codes to their metadata.
var ErrorCodeRegistry = map[ErrorCode]ErrorCodeInfo{
	ErrTimeout: {
		Code:            ErrTimeout,
		Retryable:       true,
		Description:     "Operation exceeded time limit",
		SuggestedAction: "Raise the analysis timeout or check provider latency",
	},
	ErrRateLimit: {
		Code:            ErrRateLimit,
		Retryable:       true,
		Description:     "Model provider rate limit exceeded",
		SuggestedAction: "Wait for the scheduled retry, or lower models.requests_per_second",
	},
	ErrModelUnavailable: {
		Code:            ErrModelUnavailable,
		Retryable:       true,
		Description:     "Model provider or collaborator unreachable",
		SuggestedAction: "Check provider status and collaborator base URL",
	},
	ErrModelCallFailed: {
		Code:            ErrModelCallFailed,
		Retryable:       true,
		Description:     "Primary and fallback models both failed",
		SuggestedAction: "Inspect the last model error in the worker logs",
	},
	ErrCollaboratorFailed: {
		Code:            ErrCollaboratorFailed,
		Retryable:       true,
		Description:     "Domain or contact extraction collaborator failed",
		SuggestedAction: "Check the extraction service: curl $MAILPULSE_COLLABORATOR_URL/healthz",
	},
	ErrTransactionFailed: {
		Code:            ErrTransactionFailed,
		Retryable:       true,
		Description:     "Commit transaction rolled back",
		SuggestedAction: "Check database health: mailpulse db status",
	},
	ErrContextCancelled: {
		Code:            ErrContextCancelled,
		Retryable:       false,
		Description:     "Operation cancelled by user or system",
		SuggestedAction: "Check if cancellation was intentional",
	},
	ErrUnknownKindCode: {
		Code:            ErrUnknownKindCode,
		Retryable:       false,
		Description:     "Requested analysis kind is not registered",
		SuggestedAction: "List registered kinds: mailpulse catalog",
	},
	ErrSchemaValidationCode: {
		Code:            ErrSchemaValidationCode,
		Retryable:       false,
		Description:     "Model output did not match the analysis schema",
		SuggestedAction: "Review the prompt instructions for the failing kind",
	},
	ErrMessageNotFound: {
		Code:            ErrMessageNotFound,
		Retryable:       false,
		Description:     "Message referenced by the event does not exist",
		SuggestedAction: "Verify the message id; the event will be dead-lettered",
	},
	ErrDuplicate: {
		Code:            ErrDuplicate,
		Retryable:       false,
		Description:     "Message already analyzed or already queued",
		SuggestedAction: "This is expected for replays; no action needed",
	},
	ErrInvalidInput: {
		Code:            ErrInvalidInput,
		Retryable:       false,
		Description:     "Event or request payload is malformed",
		SuggestedAction: "Inspect the dead letter queue entry for the payload",
	},
	ErrProcessingError: {
		Code:            ErrProcessingError,
		Retryable:       true,
		Description:     "Unclassified processing error",
		SuggestedAction: "Check worker logs for the message id",
	},
}

// IsRetryable returns true if the given error code represents a transient, retryable error.
func IsRetryable(code ErrorCode) bool {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Retryable
	}
	return false
}

// GetSuggestedAction returns the suggested action for the given error code.
func GetSuggestedAction(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.SuggestedAction
	}
	return "Check worker logs for more details"
}

// GetDescription returns the human-readable description for the given error code.
func GetDescription(code ErrorCode) string {
	if info, ok := ErrorCodeRegistry[code]; ok {
		return info.Description
	}
	return "Unknown error"
}
