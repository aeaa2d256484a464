package deduplication

import (
	"fmt"
	"os"
	"strconv"
)

// Request bounds. A request value outside these ranges is rejected.
const (
	MaxScanLimit      = 500
	MaxBatchSize      = 20
	MaxConfidence     = 100
	maxProjectionSize = 200
)

// Config holds configuration for the deduplication engine
type Config struct {
	// MaxScanProducts is the default cap on documents loaded per request
	// Default: 200
	MaxScanProducts int

	// CompareBatchSize is the default number of candidates sent with one anchor
	// per AI call. Larger batches mean fewer calls but longer prompts.
	// Default: 8
	CompareBatchSize int

	// MinConfidence is the default threshold (0-100) below which AI
	// duplicate assertions are dropped
	// Default: 75
	MinConfidence int

	// MinHeuristic prunes candidate pairs whose heuristic similarity (0-1)
	// falls below it before any AI call. 0 compares every same-category pair.
	// Default: 0
	MinHeuristic float64

	// MaxFailures caps the per-batch failure messages returned to the caller
	// Default: 20
	MaxFailures int

	// ProjectionIngredients is how many ingredient names are sent per product
	// Default: 30
	ProjectionIngredients int
}

// DefaultConfig returns the default deduplication configuration
func DefaultConfig() Config {
	return Config{
		MaxScanProducts:       200,
		CompareBatchSize:      8,
		MinConfidence:         75,
		MinHeuristic:          0,
		MaxFailures:           20,
		ProjectionIngredients: 30,
	}
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	if c.MaxScanProducts < 1 || c.MaxScanProducts > MaxScanLimit {
		return fmt.Errorf("max_scan_products must be between 1 and %d (got %d)", MaxScanLimit, c.MaxScanProducts)
	}
	if c.CompareBatchSize < 1 || c.CompareBatchSize > MaxBatchSize {
		return fmt.Errorf("compare_batch_size must be between 1 and %d (got %d)", MaxBatchSize, c.CompareBatchSize)
	}
	if c.MinConfidence < 0 || c.MinConfidence > MaxConfidence {
		return fmt.Errorf("min_confidence must be between 0 and %d (got %d)", MaxConfidence, c.MinConfidence)
	}
	if c.MinHeuristic < 0.0 || c.MinHeuristic > 1.0 {
		return fmt.Errorf("min_heuristic must be between 0.0 and 1.0 (got %.2f)", c.MinHeuristic)
	}
	if c.MaxFailures < 1 {
		return fmt.Errorf("max_failures must be positive (got %d)", c.MaxFailures)
	}
	if c.MaxFailures > 1000 {
		return fmt.Errorf("max_failures too large (got %d, max 1000)", c.MaxFailures)
	}
	if c.ProjectionIngredients < 1 || c.ProjectionIngredients > maxProjectionSize {
		return fmt.Errorf("projection_ingredients must be between 1 and %d (got %d)",
			maxProjectionSize, c.ProjectionIngredients)
	}
	return nil
}

// String returns a human-readable representation of the config
func (c Config) String() string {
	return fmt.Sprintf(
		"Config{MaxScan: %d, BatchSize: %d, MinConfidence: %d, MinHeuristic: %.2f, "+
			"MaxFailures: %d, ProjectionIngredients: %d}",
		c.MaxScanProducts, c.CompareBatchSize, c.MinConfidence, c.MinHeuristic,
		c.MaxFailures, c.ProjectionIngredients,
	)
}

// ConfigFromEnv creates a Config from environment variables, falling back to defaults
//
// Environment variables:
//   - CAREPICK_DEDUP_MAX_SCAN: Default document cap per request (default: 200)
//   - CAREPICK_DEDUP_BATCH_SIZE: Default candidates per AI call (default: 8)
//   - CAREPICK_DEDUP_MIN_CONFIDENCE: Default confidence threshold 0-100 (default: 75)
//   - CAREPICK_DEDUP_MIN_HEURISTIC: Heuristic pre-filter 0.0-1.0 (default: 0)
//   - CAREPICK_DEDUP_MAX_FAILURES: Failure messages kept per request (default: 20)
//   - CAREPICK_DEDUP_PROJECTION_INGREDIENTS: Ingredient names per product (default: 30)
//
// Returns an error if any environment variable has an invalid value.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if err := parseEnvInt("CAREPICK_DEDUP_MAX_SCAN", &cfg.MaxScanProducts); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CAREPICK_DEDUP_BATCH_SIZE", &cfg.CompareBatchSize); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CAREPICK_DEDUP_MIN_CONFIDENCE", &cfg.MinConfidence); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("CAREPICK_DEDUP_MIN_HEURISTIC", &cfg.MinHeuristic); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CAREPICK_DEDUP_MAX_FAILURES", &cfg.MaxFailures); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("CAREPICK_DEDUP_PROJECTION_INGREDIENTS", &cfg.ProjectionIngredients); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}

	return cfg, nil
}

// parseEnvFloat parses a float64 from an environment variable
func parseEnvFloat(key string, dest *float64) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}

// parseEnvInt parses an int from an environment variable
func parseEnvInt(key string, dest *int) error {
	value := os.Getenv(key)
	if value == "" {
		return nil // Use default
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}
	*dest = parsed
	return nil
}
