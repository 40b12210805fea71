package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/pkg/analysis"
	"github.com/otherjamesbrown/mailpulse/pkg/logging"
	"github.com/otherjamesbrown/mailpulse/pkg/mailparse"
	"github.com/otherjamesbrown/mailpulse/pkg/pipeline"
)

var (
	analyzeTenant  string
	analyzePersist bool
	analyzeKinds   []string
	analyzeEML     string
)

// NewAnalyzeCommand creates the analyze command.
func NewAnalyzeCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze [message-id]",
		Short: "Run the pipeline on a stored message",
		Long: `Run the analysis pipeline on a stored message and print the results.

Without --persist nothing is written. With --persist the commit phase runs in
one transaction: contacts, participants, analysis rows, sentiment and
escalation columns, signature enrichment and thread summaries.

With --eml the message is read from a raw RFC 5322 file instead of the
database. Results from a file cannot be persisted.`,
		Example: `  mailpulse analyze 3f1c... --tenant acme
  mailpulse analyze 3f1c... --tenant acme --kinds sentiment,escalation
  mailpulse analyze 3f1c... --tenant acme --persist --output json
  mailpulse analyze --eml ./renewal.eml --tenant acme`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkAnalyzeArgs(args); err != nil {
				return err
			}
			var messageID string
			if len(args) == 1 {
				messageID = args[0]
			}
			return runAnalyze(cmd.Context(), deps, messageID)
		},
	}
	cmd.Flags().StringVar(&analyzeTenant, "tenant", "", "Tenant id (defaults to tenant_id)")
	cmd.Flags().BoolVar(&analyzePersist, "persist", false, "Commit results to the database")
	cmd.Flags().StringSliceVar(&analyzeKinds, "kinds", nil, "Analyses to run (defaults to the enabled set)")
	cmd.Flags().StringVar(&analyzeEML, "eml", "", "Analyze a raw .eml file instead of a stored message")
	return cmd
}

func checkAnalyzeArgs(args []string) error {
	switch {
	case analyzeEML == "" && len(args) == 0:
		return fmt.Errorf("a message id or --eml is required")
	case analyzeEML != "" && len(args) > 0:
		return fmt.Errorf("--eml cannot be combined with a message id")
	case analyzeEML != "" && analyzePersist:
		return fmt.Errorf("--persist is not supported with --eml")
	}
	return nil
}

func runAnalyze(ctx context.Context, deps *Deps, messageID string) error {
	rt, err := buildRuntime(ctx, deps, "cli", false)
	if err != nil {
		return err
	}
	defer rt.Close()

	tenant := analyzeTenant
	if tenant == "" {
		tenant = rt.cfg.TenantID
	}
	if tenant == "" {
		return fmt.Errorf("tenant is required: pass --tenant or set tenant_id")
	}

	var msg analysis.Message
	if analyzeEML != "" {
		parsed, err := mailparse.ParseFile(analyzeEML, mailparse.Options{})
		if err != nil {
			return err
		}
		for _, w := range parsed.Warnings {
			rt.logger.Warn("EML parse warning", logging.F("file", analyzeEML), logging.F("warning", w))
		}
		msg = parsed.Message
		messageID = msg.ID
	} else {
		stored, err := rt.store.GetMessage(ctx, tenant, messageID)
		if err != nil {
			return fmt.Errorf("loading message: %w", err)
		}
		msg = stored.Message
	}

	out, err := rt.pipeline.Run(ctx, pipeline.Request{
		TenantID: tenant,
		Message:  msg,
		Kinds:    analysis.ParseKinds(analyzeKinds),
		Config:   rt.analysis,
		Persist:  analyzePersist,
	})
	if err != nil {
		return fmt.Errorf("analyzing message %s: %w", messageID, err)
	}

	return render(rt.cfg.OutputFormat, out, func(w io.Writer) error {
		return writeOutcome(w, out)
	})
}

func writeOutcome(w io.Writer, out *pipeline.Outcome) error {
	g := out.Gathered
	fmt.Fprintf(w, "Message:  %s\n", g.Message.ID)
	fmt.Fprintf(w, "Subject:  %s\n", truncate(g.Message.Subject, 70))
	fmt.Fprintf(w, "State:    %s\n", out.State)
	fmt.Fprintf(w, "Context:  %s\n\n", g.ContextSource)

	kinds := make([]string, 0, len(g.Results))
	for k := range g.Results {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	fmt.Fprintf(w, "  %-22s %-28s %s\n", "ANALYSIS", "MODEL", "RESULT")
	for _, k := range kinds {
		r := g.Results[analysis.Kind(k)]
		result := string(r.Result)
		if r.Failed() {
			result = "\033[31merror:\033[0m " + r.Error
		}
		fmt.Fprintf(w, "  %-22s %-28s %s\n", k, truncate(r.ModelUsed, 28), truncate(strings.TrimSpace(result), 80))
	}

	if c := out.Committed; c != nil {
		fmt.Fprintf(w, "\nCommitted: %d contacts, %d participants, %d analyses\n", c.Contacts, c.Participants, c.Analyses)
		if ts := c.ThreadSummaries; len(ts.Created)+len(ts.Merged)+len(ts.Appended) > 0 {
			fmt.Fprintf(w, "Thread summaries: %d created, %d merged, %d appended\n",
				len(ts.Created), len(ts.Merged), len(ts.Appended))
		}
	}
	return nil
}
