// Package migrations applies numbered schema changes to a SQL database and
// records each applied version in a schema_version table.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Migration represents a single database migration
type Migration struct {
	Version     int
	Description string
	Up          string // SQL to apply the migration
	Down        string // SQL to revert the migration; empty means irreversible
}

// Manager handles database migrations
type Manager struct {
	migrations []Migration
	now        func() time.Time
}

// NewManager creates a migration manager holding ms
func NewManager(ms ...Migration) *Manager {
	m := &Manager{now: time.Now}
	m.Register(ms...)
	return m
}

// Register adds migrations to the manager
func (m *Manager) Register(ms ...Migration) {
	m.migrations = append(m.migrations, ms...)
}

// sorted returns the migrations by ascending version, rejecting duplicates
// and non-positive versions
func (m *Manager) sorted() ([]Migration, error) {
	out := make([]Migration, len(m.migrations))
	copy(out, m.migrations)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version < out[j].Version
	})
	for i, mg := range out {
		if mg.Version < 1 {
			return nil, fmt.Errorf("migration %q has invalid version %d", mg.Description, mg.Version)
		}
		if i > 0 && out[i-1].Version == mg.Version {
			return nil, fmt.Errorf("duplicate migration version %d", mg.Version)
		}
	}
	return out, nil
}

// Version returns the highest applied version, 0 for a fresh database
func (m *Manager) Version(ctx context.Context, db *sql.DB) (int, error) {
	if err := createVersionTable(ctx, db); err != nil {
		return 0, fmt.Errorf("failed to create version table: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// Apply runs every migration newer than the current version, each in its
// own transaction, and returns the versions it applied.
func (m *Manager) Apply(ctx context.Context, db *sql.DB) ([]int, error) {
	ms, err := m.sorted()
	if err != nil {
		return nil, err
	}
	current, err := m.Version(ctx, db)
	if err != nil {
		return nil, err
	}

	var applied []int
	for _, mg := range ms {
		if mg.Version <= current {
			continue
		}
		if err := m.apply(ctx, db, mg); err != nil {
			return applied, fmt.Errorf("failed to apply migration %d (%s): %w", mg.Version, mg.Description, err)
		}
		applied = append(applied, mg.Version)
	}
	return applied, nil
}

// Rollback reverts the latest applied migration and returns its version
func (m *Manager) Rollback(ctx context.Context, db *sql.DB) (int, error) {
	ms, err := m.sorted()
	if err != nil {
		return 0, err
	}
	current, err := m.Version(ctx, db)
	if err != nil {
		return 0, err
	}
	if current == 0 {
		return 0, fmt.Errorf("no migrations to rollback")
	}

	for _, mg := range ms {
		if mg.Version != current {
			continue
		}
		if mg.Down == "" {
			return 0, fmt.Errorf("migration %d (%s) is irreversible", mg.Version, mg.Description)
		}
		if err := rollback(ctx, db, mg); err != nil {
			return 0, fmt.Errorf("failed to rollback migration %d: %w", mg.Version, err)
		}
		return mg.Version, nil
	}
	return 0, fmt.Errorf("migration %d not found", current)
}

func createVersionTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

func (m *Manager) apply(ctx context.Context, db *sql.DB, mg Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mg.Up); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description, applied_at) VALUES (?, ?, ?)",
		mg.Version, mg.Description, m.now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

func rollback(ctx context.Context, db *sql.DB, mg Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, mg.Down); err != nil {
		return fmt.Errorf("failed to execute rollback SQL: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_version WHERE version = ?", mg.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	return tx.Commit()
}
