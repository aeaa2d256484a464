package storage

import (
	"context"
	"path/filepath"

	"github.com/carepick/carepick/internal/storage/sqlite"
	"github.com/carepick/carepick/internal/types"
)

// JobStore persists jobs and their runs
type JobStore interface {
	CreateJob(ctx context.Context, job *types.Job) error
	// GetJob returns nil, nil when the job does not exist
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error)

	// StartRun persists the job's move to running together with the new run
	StartRun(ctx context.Context, job *types.Job, run *types.Run) error
	// FinishRun persists the outcome on the job and the run in one transaction
	FinishRun(ctx context.Context, job *types.Job, run *types.Run) error
	ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.Run, error)
}

// ProductStore is the product catalog index
type ProductStore interface {
	UpsertProduct(ctx context.Context, p *types.ProductRecord) error
	// GetProduct returns nil, nil when the product does not exist
	GetProduct(ctx context.Context, id string) (*types.ProductRecord, error)
	ListProducts(ctx context.Context, filter types.ProductFilter) ([]*types.ProductRecord, error)
	// DeleteProducts returns the ids that existed and were removed
	DeleteProducts(ctx context.Context, ids []string) ([]string, error)
}

// Storage defines the interface for storage backends
type Storage interface {
	JobStore
	ProductStore

	// Lifecycle
	Close() error
}

// Config holds database configuration
type Config struct {
	// Path is the SQLite database file path
	// Default: "./storage/app.db"
	// Special value ":memory:" creates an in-memory database (useful for tests)
	Path string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Path: filepath.Join("storage", "app.db"),
	}
}

// NewStorage creates a new SQLite storage backend
// The ctx parameter is currently unused but kept for API consistency
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().Path
	}
	return sqlite.New(cfg.Path)
}
