// Package trigger runs the analysis pipeline for inserted messages with
// durable-function semantics on top of the work queue: events are
// deduplicated by message id, completed messages are skipped, and each step's
// output is memoized so a retry resumes after the last step that succeeded.
package trigger

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	pferrors "github.com/otherjamesbrown/mailpulse/pkg/errors"
)

// EventName is the queue message kind for inserted messages.
const EventName = "message.inserted"

// Event identifies an inserted message. It carries ids only; content is
// re-read when the event is handled.
type Event struct {
	TenantID  string `json:"tenantId" validate:"required"`
	MessageID string `json:"messageId" validate:"required"`
	ThreadID  string `json:"threadId,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the required ids.
func (e Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		var fields []string
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
		}
		return fmt.Errorf("%w: event missing %s", pferrors.ErrValidation, strings.Join(fields, ", "))
	}
	return nil
}

// IdempotencyKey is the message id: one analysis run per message.
func (e Event) IdempotencyKey() string {
	return e.MessageID
}
