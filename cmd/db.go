package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/otherjamesbrown/mailpulse/migrations"
	"github.com/otherjamesbrown/mailpulse/pkg/db"
)

// Database command flags
var (
	dbDryRun bool
	dbTarget string
)

// NewDbCommand creates the root db command with all subcommands.
func NewDbCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
		Long: `Manage the mailpulse schema.

Migrations are embedded in the binary and applied in filename order. Each is
recorded in schema_migrations. The commands connect with DATABASE_URL or the
DB_* environment variables.`,
		Aliases: []string{"database", "migrations"},
	}

	cmd.AddCommand(newDbMigrateCommand(deps))
	cmd.AddCommand(newDbStatusCommand(deps))

	return cmd
}

func newDbMigrateCommand(deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Apply pending database migrations.

Each migration runs in its own transaction. If one fails it is rolled back
and no further migrations are attempted.`,
		Example: `  mailpulse db migrate
  mailpulse db migrate --dry-run
  mailpulse db migrate --target 002_analysis`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbMigrate(cmd.Context(), deps)
		},
	}

	cmd.Flags().BoolVar(&dbDryRun, "dry-run", false, "Show what would be applied without executing")
	cmd.Flags().StringVarP(&dbTarget, "target", "t", "", "Target version to migrate to (e.g., 002_analysis)")

	return cmd
}

func newDbStatusCommand(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show database migration status",
		Long: `Show applied, pending and drifted migrations.

Drift lists migrations recorded in schema_migrations whose file is no longer
embedded in this binary.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDbStatus(cmd.Context(), deps)
		},
	}
}

func runDbMigrate(ctx context.Context, deps *Deps) error {
	pool, err := deps.ConnectToDB(ctx)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(pool)

	m := db.NewMigrator(pool, migrations.FS, ".")
	status, err := m.Status(ctx)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	if len(status.Pending) == 0 {
		fmt.Fprintln(stdout, "No pending migrations.")
		return nil
	}

	fmt.Fprintf(stdout, "Pending migrations (%d):\n", len(status.Pending))
	for _, e := range status.Pending {
		fmt.Fprintf(stdout, "  %s - %s\n", e.Version, e.Name)
	}
	fmt.Fprintln(stdout)

	if dbDryRun {
		fmt.Fprintln(stdout, "Dry run mode: no migrations applied.")
		return nil
	}

	var result *db.MigrationResult
	if dbTarget != "" {
		fmt.Fprintf(stdout, "Applying migrations up to version %s...\n", dbTarget)
		result, err = m.UpTo(ctx, dbTarget)
	} else {
		fmt.Fprintln(stdout, "Applying all pending migrations...")
		result, err = m.Up(ctx)
	}

	if err != nil {
		fmt.Fprintf(stdout, "\n\033[31mMigration failed:\033[0m %v\n", err)
		if result != nil && len(result.Applied) > 0 {
			fmt.Fprintf(stdout, "\nSuccessfully applied before failure:\n")
			for _, v := range result.Applied {
				fmt.Fprintf(stdout, "  \033[32m✓\033[0m %s\n", v)
			}
		}
		return err
	}

	fmt.Fprintf(stdout, "\033[32mSuccessfully applied %d migration(s).\033[0m\n", len(result.Applied))
	for _, v := range result.Applied {
		fmt.Fprintf(stdout, "  \033[32m✓\033[0m %s\n", v)
	}
	return nil
}

func runDbStatus(ctx context.Context, deps *Deps) error {
	cfg, err := deps.Config()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	pool, err := deps.ConnectToDB(ctx)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close(pool)

	status, err := db.NewMigrator(pool, migrations.FS, ".").Status(ctx)
	if err != nil {
		return fmt.Errorf("getting migration status: %w", err)
	}

	return render(cfg.OutputFormat, status, func(w io.Writer) error {
		return writeMigrationStatus(w, status)
	})
}

func writeMigrationStatus(w io.Writer, status *db.MigrationStatus) error {
	writeEntries := func(title string, entries []db.MigrationStatusEntry, withApplied bool) {
		if len(entries) == 0 {
			return
		}
		fmt.Fprintf(w, "%s (%d):\n", title, len(entries))
		for _, e := range entries {
			applied := ""
			if withApplied {
				applied = "-"
				if e.AppliedAt != nil {
					applied = e.AppliedAt.Format("2006-01-02 15:04:05")
				}
			}
			fmt.Fprintf(w, "  %-20s %-33s %s\n", truncate(e.Version, 20), truncate(e.Name, 33), applied)
		}
		fmt.Fprintln(w)
	}

	writeEntries("Applied Migrations", status.Applied, true)
	writeEntries("Pending Migrations", status.Pending, false)
	writeEntries("Drift - applied but file missing", status.Drift, true)

	if len(status.Applied) == 0 && len(status.Pending) == 0 && len(status.Drift) == 0 {
		fmt.Fprintln(w, "No migrations found.")
		return nil
	}

	fmt.Fprintf(w, "Summary: %d applied, %d pending", len(status.Applied), len(status.Pending))
	if len(status.Drift) > 0 {
		fmt.Fprintf(w, ", %d drift", len(status.Drift))
	}
	fmt.Fprintln(w)
	return nil
}
