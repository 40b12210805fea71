package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/config"
	"github.com/otherjamesbrown/mailpulse/pkg/queue"
)

var deadLetterLimit int64

// QueueStatus is printed by 'queue status'.
type QueueStatus struct {
	Queue      string `json:"queue" yaml:"queue"`
	Ready      int64  `json:"ready" yaml:"ready"`
	Delayed    int64  `json:"delayed" yaml:"delayed"`
	Processing int64  `json:"processing" yaml:"processing"`
	Dead       int64  `json:"dead" yaml:"dead"`
}

// NewQueueCommand creates the queue inspection command.
func NewQueueCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the analysis queue",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show message counts per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), deps, func(ctx context.Context, cfg *config.Config, q *queue.RedisQueue) error {
				d, err := q.Depth(ctx)
				if err != nil {
					return err
				}
				st := QueueStatus{Queue: q.Name(), Ready: d.Ready, Delayed: d.Delayed, Processing: d.Processing, Dead: d.Dead}
				return render(cfg.OutputFormat, st, func(w io.Writer) error {
					fmt.Fprintf(w, "Queue:      %s\n", st.Queue)
					fmt.Fprintf(w, "Ready:      %d\n", st.Ready)
					fmt.Fprintf(w, "Delayed:    %d\n", st.Delayed)
					fmt.Fprintf(w, "Processing: %d\n", st.Processing)
					fmt.Fprintf(w, "Dead:       %d\n", st.Dead)
					return nil
				})
			})
		},
	})

	deadLetters := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), deps, func(ctx context.Context, cfg *config.Config, q *queue.RedisQueue) error {
				entries, err := q.DeadLetters(ctx, deadLetterLimit)
				if err != nil {
					return err
				}
				return render(cfg.OutputFormat, entries, func(w io.Writer) error {
					if len(entries) == 0 {
						fmt.Fprintln(w, "No dead letters.")
						return nil
					}
					for _, e := range entries {
						fmt.Fprintf(w, "%s  %s  attempt=%d  %s\n",
							e.MovedAt.Format("2006-01-02 15:04:05"), e.Message.ID, e.Message.Attempt, truncate(e.Reason, 80))
						fmt.Fprintf(w, "    %s\n", truncate(string(e.Message.Payload), 100))
					}
					return nil
				})
			})
		},
	}
	deadLetters.Flags().Int64Var(&deadLetterLimit, "limit", 20, "Maximum entries to show")
	cmd.AddCommand(deadLetters)

	cmd.AddCommand(&cobra.Command{
		Use:   "recover",
		Short: "Return messages with expired visibility to the ready set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withQueue(cmd.Context(), deps, func(ctx context.Context, cfg *config.Config, q *queue.RedisQueue) error {
				n, err := q.RecoverStale(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(stdout, "Recovered %d message(s).\n", n)
				return nil
			})
		},
	})

	return cmd
}

func withQueue(ctx context.Context, deps *Deps, fn func(context.Context, *config.Config, *queue.RedisQueue) error) error {
	cfg, err := deps.Config()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	rdb, err := deps.ConnectRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()
	return fn(ctx, cfg, newQueue(rdb, cfg))
}
