package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/otherjamesbrown/mailpulse/credentials"
	"github.com/otherjamesbrown/mailpulse/pkg/llm"
)

var credentialsFromStdin bool

// stdin and isTerminal are swapped in tests.
var (
	stdin      io.Reader = os.Stdin
	isTerminal           = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
)

// NewCredentialsCommand creates the credentials command.
func NewCredentialsCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "credentials",
		Aliases: []string{"creds"},
		Short:   "Manage model provider API keys",
		Long: `Manage model provider API keys.

Keys are stored encrypted in ~/.mailpulse/credentials.yaml. The encryption key
comes from MAILPULSE_ENCRYPTION_KEY, a key derived from
MAILPULSE_CREDENTIALS_PASSPHRASE, or the system keyring.

Environment variables take precedence over stored keys:
  OPENAI_API_KEY, ANTHROPIC_API_KEY, GEMINI_API_KEY, XAI_API_KEY

Providers: ` + providerNames(),
	}

	cmd.AddCommand(newCredentialsSetCommand(deps))
	cmd.AddCommand(newCredentialsListCommand(deps))
	cmd.AddCommand(newCredentialsDeleteCommand(deps))
	return cmd
}

func providerNames() string {
	kinds := llm.ProviderKinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}

func newCredentialsSetCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <provider>",
		Short: "Store an API key",
		Example: `  mailpulse credentials set openai
  echo "$KEY" | mailpulse credentials set anthropic --stdin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := credentials.ParseProvider(args[0])
			if err != nil {
				return err
			}
			store, err := deps.OpenCreds()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}

			key, err := readAPIKey(provider)
			if err != nil {
				return err
			}
			if err := store.Set(provider, key); err != nil {
				return fmt.Errorf("storing %s key: %w", provider, err)
			}

			path, _ := credentials.CredentialsPath()
			fmt.Fprintf(stdout, "Stored %s key %s in %s\n", provider, credentials.MaskAPIKey(strings.TrimSpace(key)), path)
			if env := credentials.EnvVar(provider); os.Getenv(env) != "" {
				fmt.Fprintf(stdout, "Note: %s is set and takes precedence.\n", env)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&credentialsFromStdin, "stdin", false, "Read the key from standard input")
	return cmd
}

// readAPIKey prompts with hidden input on a terminal and reads a line otherwise.
func readAPIKey(provider llm.ProviderKind) (string, error) {
	if !credentialsFromStdin && isTerminal() {
		fmt.Fprintf(os.Stderr, "%s API key: ", provider)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading API key: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading API key: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func newCredentialsListCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := deps.Config()
			if err != nil {
				return fmt.Errorf("loading configuration: %w", err)
			}
			store, err := deps.OpenCreds()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}
			summaries, err := store.List()
			if err != nil {
				return err
			}

			return render(cfg.OutputFormat, summaries, func(w io.Writer) error {
				if len(summaries) == 0 {
					fmt.Fprintln(w, "No provider keys configured.")
					return nil
				}
				fmt.Fprintf(w, "%-10s %-24s %-22s %s\n", "PROVIDER", "SOURCE", "KEY", "UPDATED")
				for _, s := range summaries {
					updated := "-"
					if !s.UpdatedAt.IsZero() {
						updated = s.UpdatedAt.Format("2006-01-02 15:04")
					}
					fmt.Fprintf(w, "%-10s %-24s %-22s %s\n", s.Provider, s.Source, s.Masked, updated)
				}
				fmt.Fprintf(w, "\nEncryption key: %s\n", store.KeySource())
				return nil
			})
		},
	}
}

func newCredentialsDeleteCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <provider>",
		Aliases: []string{"rm"},
		Short:   "Remove a stored API key",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := credentials.ParseProvider(args[0])
			if err != nil {
				return err
			}
			store, err := deps.OpenCreds()
			if err != nil {
				return fmt.Errorf("opening credential store: %w", err)
			}
			if err := store.Delete(provider); err != nil {
				return fmt.Errorf("deleting %s key: %w", provider, err)
			}
			fmt.Fprintf(stdout, "Removed stored %s key.\n", provider)
			return nil
		},
	}
}
