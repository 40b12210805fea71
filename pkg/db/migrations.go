package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one .sql file.
type Migration struct {
	Version string
	Name    string
	Path    string
}

// MigrationResult lists what a run applied and skipped.
type MigrationResult struct {
	Applied []string
	Skipped []string
}

// MigrationStatusEntry is one migration in a status report.
type MigrationStatusEntry struct {
	Version   string
	Name      string
	AppliedAt *time.Time // nil when pending
}

// MigrationStatus groups migrations by state.
type MigrationStatus struct {
	Applied []MigrationStatusEntry // applied and present
	Pending []MigrationStatusEntry // present, not applied
	Drift   []MigrationStatusEntry // applied, file missing
}

// Migrator applies .sql files from a filesystem in lexical order, recording
// each in schema_migrations. Each file runs in its own transaction.
type Migrator struct {
	pool *pgxpool.Pool
	fsys fs.FS
	dir  string
}

// NewMigrator creates a migrator over dir within fsys.
func NewMigrator(pool *pgxpool.Pool, fsys fs.FS, dir string) *Migrator {
	if dir == "" {
		dir = "."
	}
	return &Migrator{pool: pool, fsys: fsys, dir: dir}
}

// Up applies every pending migration.
func (m *Migrator) Up(ctx context.Context) (*MigrationResult, error) {
	return m.UpTo(ctx, "")
}

// UpTo applies pending migrations up to and including target. An empty
// target applies all of them.
func (m *Migrator) UpTo(ctx context.Context, target string) (*MigrationResult, error) {
	if m.pool == nil {
		return nil, errNilPool
	}
	migrations, err := FindMigrations(m.fsys, m.dir)
	if err != nil {
		return nil, err
	}

	last := len(migrations) - 1
	if target != "" {
		last = -1
		for i, mg := range migrations {
			if mg.Version == normalizeVersion(target) {
				last = i
				break
			}
		}
		if last < 0 {
			return nil, fmt.Errorf("target version %s not found", target)
		}
	}

	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	result := &MigrationResult{}
	for _, mg := range migrations[:last+1] {
		if _, ok := applied[mg.Version]; ok {
			result.Skipped = append(result.Skipped, mg.Version)
			continue
		}
		if err := m.apply(ctx, mg); err != nil {
			return result, fmt.Errorf("migration %s failed: %w", mg.Version, err)
		}
		result.Applied = append(result.Applied, mg.Version)
	}
	return result, nil
}

// Status reports applied, pending and drifted migrations.
func (m *Migrator) Status(ctx context.Context) (*MigrationStatus, error) {
	if m.pool == nil {
		return nil, errNilPool
	}
	migrations, err := FindMigrations(m.fsys, m.dir)
	if err != nil {
		return nil, err
	}
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}
	return buildStatus(migrations, applied), nil
}

func buildStatus(migrations []Migration, applied map[string]time.Time) *MigrationStatus {
	status := &MigrationStatus{
		Applied: []MigrationStatusEntry{},
		Pending: []MigrationStatusEntry{},
		Drift:   []MigrationStatusEntry{},
	}
	files := make(map[string]bool, len(migrations))
	for _, mg := range migrations {
		files[mg.Version] = true
		if at, ok := applied[mg.Version]; ok {
			status.Applied = append(status.Applied, MigrationStatusEntry{Version: mg.Version, Name: mg.Name, AppliedAt: &at})
		} else {
			status.Pending = append(status.Pending, MigrationStatusEntry{Version: mg.Version, Name: mg.Name})
		}
	}
	for version, at := range applied {
		if !files[version] {
			status.Drift = append(status.Drift, MigrationStatusEntry{Version: version, Name: version + ".sql", AppliedAt: &at})
		}
	}
	sort.Slice(status.Drift, func(i, j int) bool { return status.Drift[i].Version < status.Drift[j].Version })
	return status
}

// FindMigrations lists the .sql files in dir, sorted by version.
func FindMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations %s: %w", dir, err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.EqualFold(path.Ext(name), ".sql") {
			continue
		}
		migrations = append(migrations, Migration{
			Version: normalizeVersion(name),
			Name:    name,
			Path:    path.Join(dir, name),
		})
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// normalizeVersion strips a case-insensitive .sql suffix.
func normalizeVersion(v string) string {
	if len(v) > 4 && strings.EqualFold(v[len(v)-4:], ".sql") {
		return v[:len(v)-4]
	}
	return v
}

func (m *Migrator) ensureTable(ctx context.Context) error {
	_, err := m.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := m.pool.Query(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			version string
			at      time.Time
		)
		if err := rows.Scan(&version, &at); err != nil {
			return nil, err
		}
		applied[normalizeVersion(version)] = at
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mg Migration) error {
	content, err := fs.ReadFile(m.fsys, mg.Path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return fmt.Errorf("migration file is empty")
	}

	return pgx.BeginFunc(ctx, m.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", mg.Name); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}
