// Package main provides the mailpulse entry point.
// mailpulse analyzes inbound email with LLM models and keeps per-thread memory.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/cmd"
	"github.com/otherjamesbrown/mailpulse/config"
	"github.com/otherjamesbrown/mailpulse/pkg/buildinfo"
)

// Global flags and state.
var (
	outputFormat    string
	debug           bool
	configInitForce bool

	// cfg holds the loaded configuration.
	cfg *config.Config
)

// skipConfig lists commands that run without loading configuration.
var skipConfig = map[string]bool{"version": true, "help": true, "completion": true}

// newRootCommand builds the command tree, writing results to out.
func newRootCommand(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "mailpulse",
		Short: "mailpulse - email analysis pipeline",
		Long: `mailpulse runs LLM analyses over inbound email for many tenants.

Each message gets sentiment, escalation, upsell, churn, kudos and competitor
analyses plus signature, domain and contact extraction. Results are stored
with per-thread summaries that later messages use as context.

COMMON WORKFLOWS:
  Set up:        mailpulse config init  ->  mailpulse credentials set openai  ->  mailpulse db migrate
  Run:           mailpulse serve  +  mailpulse worker
  One message:   mailpulse analyze <message-id> --tenant <id> [--persist]
  Queue one:     mailpulse enqueue <tenant> <message-id> <thread-id>
  Inspect:       mailpulse catalog  |  mailpulse queue status`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(c *cobra.Command, args []string) error {
			if skipConfig[c.Name()] {
				return nil
			}

			loaded, err := config.LoadConfig()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}

			// Override with command-line flags.
			if outputFormat != "" {
				loaded.OutputFormat = config.OutputFormat(outputFormat)
			}
			if debug {
				loaded.Debug = true
			}
			if err := loaded.Validate(); err != nil {
				return err
			}
			cfg = loaded
			return nil
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "Output format: text, json, yaml")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	deps := cmd.DefaultDeps(loadedConfig)

	root.AddCommand(cmd.NewServeCommand(deps))
	root.AddCommand(cmd.NewWorkerCommand(deps))
	root.AddCommand(cmd.NewAnalyzeCommand(deps))
	root.AddCommand(cmd.NewEnqueueCommand(deps))
	root.AddCommand(cmd.NewQueueCommand(deps))
	root.AddCommand(cmd.NewDbCommand(deps))
	root.AddCommand(cmd.NewCredentialsCommand(deps))
	root.AddCommand(cmd.NewCatalogCommand(deps))
	root.AddCommand(newConfigCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// loadedConfig hands the root command's configuration to subcommands.
func loadedConfig() (*config.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long: `Print the version, commit hash, and build time of mailpulse.

Use --output json for machine-readable output.`,
		RunE: func(c *cobra.Command, args []string) error {
			info := buildinfo.Get("mailpulse")
			switch config.OutputFormat(outputFormat) {
			case config.OutputFormatJSON:
				return cmd.OutputJSON(c.OutOrStdout(), info)
			case config.OutputFormatYAML:
				return cmd.OutputYAML(c.OutOrStdout(), info)
			}
			fmt.Fprintf(c.OutOrStdout(), "mailpulse %s %s\n", buildinfo.String(), info.GoVersion)
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage mailpulse configuration.

The file lives at ~/.mailpulse/config.yaml (or $MAILPULSE_CONFIG_DIR).
MAILPULSE_* environment variables override it.`,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(c *cobra.Command, args []string) error {
			if cfg.OutputFormat == config.OutputFormatJSON {
				shown := *cfg
				if shown.Collaborator.APIKey != "" {
					shown.Collaborator.APIKey = "********"
				}
				return cmd.OutputJSON(c.OutOrStdout(), shown)
			}
			return cmd.OutputYAML(c.OutOrStdout(), cfg)
		},
	})

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(c *cobra.Command, args []string) error {
			path, err := config.ConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !configInitForce {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := config.SaveConfig(config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Fprintf(c.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")
	configCmd.AddCommand(initCmd)

	return configCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
