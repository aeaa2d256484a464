package migrations

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

var (
	tagsMigration = Migration{
		Version:     1,
		Description: "Add tags table",
		Up:          `CREATE TABLE tags (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
		Down:        `DROP TABLE tags`,
	}
	tagsIndexMigration = Migration{
		Version:     2,
		Description: "Index tag names",
		Up:          `CREATE INDEX idx_tags_name ON tags(name)`,
		Down:        `DROP INDEX idx_tags_name`,
	}
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplyAndRollback(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	manager := NewManager(tagsIndexMigration, tagsMigration)
	applied, err := manager.Apply(ctx, db)
	if err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Fatalf("expected versions [1 2] applied, got %v", applied)
	}

	version, err := manager.Version(ctx, db)
	if err != nil {
		t.Fatalf("failed to read version: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	if _, err := db.Exec("INSERT INTO tags (id, name) VALUES (1, 'gentle')"); err != nil {
		t.Fatalf("tags table not created: %v", err)
	}

	// A second apply is a no-op
	applied, err = manager.Apply(ctx, db)
	if err != nil {
		t.Fatalf("re-apply failed: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("expected nothing applied, got %v", applied)
	}

	rolledBack, err := manager.Rollback(ctx, db)
	if err != nil {
		t.Fatalf("failed to rollback migration: %v", err)
	}
	if rolledBack != 2 {
		t.Errorf("expected version 2 rolled back, got %d", rolledBack)
	}
	if version, _ := manager.Version(ctx, db); version != 1 {
		t.Errorf("expected version 1 after rollback, got %d", version)
	}

	if _, err := manager.Rollback(ctx, db); err != nil {
		t.Fatalf("failed to rollback first migration: %v", err)
	}
	if _, err := db.Exec("INSERT INTO tags (id, name) VALUES (2, 'mild')"); err == nil {
		t.Error("tags table should have been dropped")
	}
	if _, err := manager.Rollback(ctx, db); err == nil {
		t.Error("expected error rolling back an empty database")
	}
}

func TestFailedMigrationStopsAndKeepsEarlierVersions(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	manager := NewManager(tagsMigration, Migration{Version: 2, Description: "broken", Up: "CREATE TABLE"})
	applied, err := manager.Apply(ctx, db)
	if err == nil {
		t.Fatal("expected error from broken migration")
	}
	if len(applied) != 1 || applied[0] != 1 {
		t.Errorf("expected only version 1 applied, got %v", applied)
	}
	if version, _ := manager.Version(ctx, db); version != 1 {
		t.Errorf("expected version 1, got %d", version)
	}
}

func TestIrreversibleMigration(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	manager := NewManager(Migration{Version: 1, Description: "one way", Up: "CREATE TABLE t (id INTEGER)"})
	if _, err := manager.Apply(ctx, db); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, err := manager.Rollback(ctx, db); err == nil {
		t.Error("expected irreversible migration to refuse rollback")
	}
}

func TestMigrationOrdering(t *testing.T) {
	tests := []struct {
		name    string
		ms      []Migration
		want    []int
		wantErr bool
	}{
		{
			name: "out of order",
			ms:   []Migration{{Version: 3}, {Version: 1}, {Version: 2}},
			want: []int{1, 2, 3},
		},
		{
			name:    "duplicate",
			ms:      []Migration{{Version: 1}, {Version: 1}},
			wantErr: true,
		},
		{
			name:    "zero version",
			ms:      []Migration{{Version: 0}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewManager(tt.ms...).sorted()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			for i, mg := range got {
				if mg.Version != tt.want[i] {
					t.Errorf("position %d: expected version %d, got %d", i, tt.want[i], mg.Version)
				}
			}
		})
	}
}
