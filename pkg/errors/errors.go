// Package errors provides the domain error types shared by mailpulse packages.
//
// Sentinel errors describe conditions that callers branch on with errors.Is;
// PipelineError attaches a classified ErrorCode and the stage that failed so
// the durable trigger can decide between a scheduled retry and the dead
// letter queue.
//
// Usage:
//
//	import pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
//
//	if pferrors.IsUnknownKind(err) {
//	    // not worth retrying
//	}
package errors

import "errors"

var (
	// ErrNotFound indicates the requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g., duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState indicates the operation is not valid for the current state.
	ErrInvalidState = errors.New("invalid state")

	// ErrUnknownKind is returned when an analysis kind is not registered.
	ErrUnknownKind = errors.New("unknown analysis kind")

	// ErrSchemaValidation is returned when model output does not match the
	// declared output schema.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrModelCall is returned when every configured model failed.
	ErrModelCall = errors.New("model call failed")

	// ErrCollaborator is returned when an extraction collaborator fails.
	ErrCollaborator = errors.New("collaborator call failed")

	// ErrDuplicateInvocation marks work that was already done or is in flight.
	ErrDuplicateInvocation = errors.New("duplicate invocation")
)

// IsNotFound reports whether any error in err's chain is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether any error in err's chain is ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsValidation reports whether any error in err's chain is ErrValidation.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnknownKind reports whether any error in err's chain is ErrUnknownKind.
func IsUnknownKind(err error) bool { return errors.Is(err, ErrUnknownKind) }

// IsSchemaValidation reports whether any error in err's chain is ErrSchemaValidation.
func IsSchemaValidation(err error) bool { return errors.Is(err, ErrSchemaValidation) }

// IsDuplicateInvocation reports whether any error in err's chain is ErrDuplicateInvocation.
func IsDuplicateInvocation(err error) bool { return errors.Is(err, ErrDuplicateInvocation) }
