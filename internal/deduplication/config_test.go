package deduplication

import (
	"os"
	"strings"
	"testing"
)

func TestConfigFromEnv(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
		check   func(t *testing.T, cfg Config)
	}{
		{
			name:    "no environment variables uses defaults",
			envVars: map[string]string{},
			wantErr: false,
			check: func(t *testing.T, cfg Config) {
				if cfg != DefaultConfig() {
					t.Errorf("cfg = %v, want %v", cfg, DefaultConfig())
				}
			},
		},
		{
			name: "valid custom configuration",
			envVars: map[string]string{
				"CAREPICK_DEDUP_MAX_SCAN":               "300",
				"CAREPICK_DEDUP_BATCH_SIZE":             "12",
				"CAREPICK_DEDUP_MIN_CONFIDENCE":         "90",
				"CAREPICK_DEDUP_MIN_HEURISTIC":          "0.25",
				"CAREPICK_DEDUP_MAX_FAILURES":           "5",
				"CAREPICK_DEDUP_PROJECTION_INGREDIENTS": "10",
			},
			wantErr: false,
			check: func(t *testing.T, cfg Config) {
				if cfg.MaxScanProducts != 300 {
					t.Errorf("MaxScanProducts = %v, want 300", cfg.MaxScanProducts)
				}
				if cfg.CompareBatchSize != 12 {
					t.Errorf("CompareBatchSize = %v, want 12", cfg.CompareBatchSize)
				}
				if cfg.MinConfidence != 90 {
					t.Errorf("MinConfidence = %v, want 90", cfg.MinConfidence)
				}
				if cfg.MinHeuristic != 0.25 {
					t.Errorf("MinHeuristic = %v, want 0.25", cfg.MinHeuristic)
				}
				if cfg.MaxFailures != 5 {
					t.Errorf("MaxFailures = %v, want 5", cfg.MaxFailures)
				}
				if cfg.ProjectionIngredients != 10 {
					t.Errorf("ProjectionIngredients = %v, want 10", cfg.ProjectionIngredients)
				}
			},
		},
		{
			name:    "invalid float value",
			envVars: map[string]string{"CAREPICK_DEDUP_MIN_HEURISTIC": "not-a-number"},
			wantErr: true,
		},
		{
			name:    "invalid int value",
			envVars: map[string]string{"CAREPICK_DEDUP_BATCH_SIZE": "many"},
			wantErr: true,
		},
		{
			name:    "value out of range - batch too large",
			envVars: map[string]string{"CAREPICK_DEDUP_BATCH_SIZE": "21"},
			wantErr: true,
		},
		{
			name:    "value out of range - confidence too high",
			envVars: map[string]string{"CAREPICK_DEDUP_MIN_CONFIDENCE": "101"},
			wantErr: true,
		},
		{
			name:    "value out of range - heuristic too high",
			envVars: map[string]string{"CAREPICK_DEDUP_MIN_HEURISTIC": "1.5"},
			wantErr: true,
		},
		{
			name: "partial configuration",
			envVars: map[string]string{
				"CAREPICK_DEDUP_MIN_CONFIDENCE": "60",
			},
			wantErr: false,
			check: func(t *testing.T, cfg Config) {
				if cfg.MinConfidence != 60 {
					t.Errorf("MinConfidence = %v, want 60", cfg.MinConfidence)
				}
				defaults := DefaultConfig()
				if cfg.CompareBatchSize != defaults.CompareBatchSize {
					t.Errorf("CompareBatchSize = %v, want %v (default)", cfg.CompareBatchSize, defaults.CompareBatchSize)
				}
			},
		},
	}

	clearEnv := []string{
		"CAREPICK_DEDUP_MAX_SCAN",
		"CAREPICK_DEDUP_BATCH_SIZE",
		"CAREPICK_DEDUP_MIN_CONFIDENCE",
		"CAREPICK_DEDUP_MIN_HEURISTIC",
		"CAREPICK_DEDUP_MAX_FAILURES",
		"CAREPICK_DEDUP_PROJECTION_INGREDIENTS",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range clearEnv {
				_ = os.Unsetenv(key)
			}
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := ConfigFromEnv()
			if (err != nil) != tt.wantErr {
				t.Errorf("ConfigFromEnv() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"zero scan", func(c *Config) { c.MaxScanProducts = 0 }, "max_scan_products"},
		{"scan too large", func(c *Config) { c.MaxScanProducts = 501 }, "max_scan_products"},
		{"zero batch", func(c *Config) { c.CompareBatchSize = 0 }, "compare_batch_size"},
		{"negative confidence", func(c *Config) { c.MinConfidence = -1 }, "min_confidence"},
		{"negative heuristic", func(c *Config) { c.MinHeuristic = -0.1 }, "min_heuristic"},
		{"no failures", func(c *Config) { c.MaxFailures = 0 }, "max_failures"},
		{"too many failures", func(c *Config) { c.MaxFailures = 5000 }, "max_failures too large"},
		{"projection", func(c *Config) { c.ProjectionIngredients = 0 }, "projection_ingredients"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing '%s', got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestConfigString(t *testing.T) {
	s := DefaultConfig().String()
	for _, want := range []string{"MaxScan: 200", "BatchSize: 8", "MinConfidence: 75"} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
