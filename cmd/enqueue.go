package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/trigger"
)

// EnqueueResult is printed by the enqueue command.
type EnqueueResult struct {
	MessageID string `json:"messageId" yaml:"message_id"`
	QueueID   string `json:"queueId,omitempty" yaml:"queue_id,omitempty"`
	Duplicate bool   `json:"duplicate" yaml:"duplicate"`
}

// NewEnqueueCommand creates the enqueue command.
func NewEnqueueCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <tenant> <message-id> [thread-id]",
		Short: "Queue a message-inserted event",
		Long: `Queue a message-inserted event for the worker.

An event is accepted once per message id while its idempotency key lives
(idempotency_ttl). Repeats report duplicate and are not queued.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev := trigger.Event{TenantID: args[0], MessageID: args[1]}
			if len(args) == 3 {
				ev.ThreadID = args[2]
			}
			return runEnqueue(cmd.Context(), deps, ev)
		},
	}
}

func runEnqueue(ctx context.Context, deps *Deps, ev trigger.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	cfg, err := deps.Config()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := newLogger(cfg, "cli", false)

	rdb, err := deps.ConnectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	res := EnqueueResult{MessageID: ev.MessageID}
	res.QueueID, err = newDispatcher(rdb, cfg, logger, nil).Send(ctx, ev)
	switch {
	case errors.Is(err, trigger.ErrDuplicateEvent):
		res.Duplicate = true
	case err != nil:
		return fmt.Errorf("enqueueing %s: %w", ev.MessageID, err)
	default:
		logger.Debug("Event queued", logging.F("queue_id", res.QueueID))
	}

	return render(cfg.OutputFormat, res, func(w io.Writer) error {
		if res.Duplicate {
			fmt.Fprintf(w, "Message %s was already dispatched; not queued.\n", res.MessageID)
			return nil
		}
		fmt.Fprintf(w, "Queued message %s (queue id %s)\n", res.MessageID, res.QueueID)
		return nil
	})
}
