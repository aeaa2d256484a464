// Package config loads the immutable runtime configuration for carepick.
//
// Configuration is read once at startup from .env.local, .env and the process
// environment (in that priority order) and then passed by value into the
// constructors that need it. Nothing in the module reads the environment
// after Load returns.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Mode selects how the model client reaches the upstream service
type Mode string

const (
	ModeReal   Mode = "real"
	ModeMock   Mode = "mock"
	ModeSample Mode = "sample"
)

// IsValid checks if the mode value is valid
func (m Mode) IsValid() bool {
	switch m {
	case ModeReal, ModeMock, ModeSample:
		return true
	}
	return false
}

// IsOffline reports whether the mode bypasses the network
func (m Mode) IsOffline() bool {
	return m == ModeMock || m == ModeSample
}

const (
	DefaultEndpoint    = "https://ark.cn-beijing.volces.com/api/v3"
	DefaultVisionModel = "doubao-seed-2-0-mini-260215"
	DefaultProModel    = "doubao-seed-2-0-pro-260215"
)

// DoubaoConfig configures the upstream model service
type DoubaoConfig struct {
	Mode              Mode
	APIKey            string
	Endpoint          string
	VisionModel       string
	StructModel       string
	ProModel          string
	AdvancedTextModel string

	// Timeout applies to each network call
	Timeout time.Duration
	// MaxRetries is the number of extra attempts after the first
	MaxRetries int
	// RetryBase is the backoff base: base * 2^(attempt-1) plus up to 20% jitter
	RetryBase time.Duration
	// RateLimitRPS caps request starts per second (0 = unlimited)
	RateLimitRPS float64
	// MaxConcurrentCalls caps in-flight upstream calls (0 = unlimited)
	MaxConcurrentCalls int
}

// StorageConfig locates the database and document storage
type StorageConfig struct {
	Dir    string
	DBPath string
}

// PromptConfig controls prompt template resolution
type PromptConfig struct {
	// Dir overrides the embedded templates when set
	Dir string
	// Versions pins prompt keys to versions, e.g. {"doubao.stage1_vision": "v2"}
	Versions map[string]string
}

// PricingConfig holds the raw pricing sources; parsing happens in the cost package
type PricingConfig struct {
	PerRunJSON string
	TokenJSON  string
	File       string
}

// ArtifactStoreConfig selects where artifacts are written
type ArtifactStoreConfig struct {
	Backend     string // "fs" or "s3"
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Profile   string
	S3PathStyle bool
}

// RedisConfig configures the optional dedup verdict cache
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Enabled reports whether a Redis address was configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Config is the complete runtime configuration
type Config struct {
	Doubao    DoubaoConfig
	Storage   StorageConfig
	Prompts   PromptConfig
	Pricing   PricingConfig
	Artifacts ArtifactStoreConfig
	Retention ArtifactRetentionConfig
	Redis     RedisConfig
	HTTPAddr  string
	LogFormat string
	LogLevel  string
}

// Default returns the configuration used when no environment is set
func Default() Config {
	storageDir := "storage"
	return Config{
		Doubao: DoubaoConfig{
			Mode:               ModeReal,
			Endpoint:           DefaultEndpoint,
			VisionModel:        DefaultVisionModel,
			StructModel:        DefaultVisionModel,
			ProModel:           DefaultProModel,
			AdvancedTextModel:  DefaultProModel,
			Timeout:            60 * time.Second,
			MaxRetries:         2,
			RetryBase:          800 * time.Millisecond,
			MaxConcurrentCalls: 4,
		},
		Storage: StorageConfig{
			Dir:    storageDir,
			DBPath: filepath.Join(storageDir, "app.db"),
		},
		Prompts:   PromptConfig{Versions: map[string]string{}},
		Artifacts: ArtifactStoreConfig{Backend: "fs"},
		Retention: DefaultArtifactRetentionConfig(),
		Redis:     RedisConfig{TTL: 7 * 24 * time.Hour},
		HTTPAddr:  ":8000",
		LogFormat: "text",
		LogLevel:  "info",
	}
}

// Load reads .env.local and .env (when present) and then builds the Config
// from the environment. Existing environment variables always win.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env.local", ".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds the Config from environment variables, falling back to defaults
func FromEnv() (Config, error) {
	cfg := Default()
	d := &cfg.Doubao

	if v := os.Getenv("DOUBAO_MODE"); v != "" {
		d.Mode = Mode(strings.ToLower(strings.TrimSpace(v)))
	}
	d.APIKey = firstEnv("DOUBAO_API_KEY", "ARK_API_KEY")
	if err := parseEnvString("DOUBAO_ENDPOINT", &d.Endpoint); err != nil {
		return cfg, err
	}
	d.Endpoint = strings.TrimRight(d.Endpoint, "/")

	legacy := os.Getenv("DOUBAO_MODEL")
	d.VisionModel = firstNonEmpty(os.Getenv("DOUBAO_VISION_MODEL"), legacy, DefaultVisionModel)
	d.StructModel = firstNonEmpty(os.Getenv("DOUBAO_STRUCT_MODEL"), legacy, d.VisionModel)
	d.ProModel = firstNonEmpty(os.Getenv("DOUBAO_PRO_MODEL"), DefaultProModel)
	d.AdvancedTextModel = firstNonEmpty(os.Getenv("DOUBAO_ADVANCED_TEXT_MODEL"), d.ProModel, d.StructModel)

	if err := parseEnvDuration("DOUBAO_TIMEOUT_SECONDS", &d.Timeout, time.Second); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("DOUBAO_MAX_RETRIES", &d.MaxRetries); err != nil {
		return cfg, err
	}
	if err := parseEnvDuration("DOUBAO_RETRY_BASE_MS", &d.RetryBase, time.Millisecond); err != nil {
		return cfg, err
	}
	if err := parseEnvFloat("DOUBAO_RATE_LIMIT_RPS", &d.RateLimitRPS); err != nil {
		return cfg, err
	}
	if err := parseEnvInt("DOUBAO_MAX_CONCURRENT_CALLS", &d.MaxConcurrentCalls); err != nil {
		return cfg, err
	}

	if v := os.Getenv("CAREPICK_STORAGE_DIR"); v != "" {
		cfg.Storage.Dir = v
		cfg.Storage.DBPath = filepath.Join(v, "app.db")
	}
	if err := parseEnvString("CAREPICK_DB_PATH", &cfg.Storage.DBPath); err != nil {
		return cfg, err
	}

	if err := parseEnvString("CAREPICK_PROMPTS_DIR", &cfg.Prompts.Dir); err != nil {
		return cfg, err
	}
	pins, err := parseVersionPins(os.Getenv("CAREPICK_PROMPT_VERSIONS"))
	if err != nil {
		return cfg, err
	}
	cfg.Prompts.Versions = pins

	cfg.Pricing = PricingConfig{
		PerRunJSON: os.Getenv("AI_COST_PER_RUN_BY_MODEL_JSON"),
		TokenJSON:  os.Getenv("AI_TOKEN_PRICING_JSON"),
		File:       os.Getenv("AI_PRICING_FILE"),
	}

	a := &cfg.Artifacts
	if err := parseEnvString("CAREPICK_ARTIFACT_BACKEND", &a.Backend); err != nil {
		return cfg, err
	}
	a.S3Bucket = os.Getenv("CAREPICK_S3_BUCKET")
	a.S3Prefix = os.Getenv("CAREPICK_S3_PREFIX")
	a.S3Region = os.Getenv("CAREPICK_S3_REGION")
	a.S3Profile = os.Getenv("CAREPICK_S3_PROFILE")
	if err := parseEnvBool("CAREPICK_S3_PATH_STYLE", &a.S3PathStyle); err != nil {
		return cfg, err
	}

	retention, err := ArtifactRetentionConfigFromEnv()
	if err != nil {
		return cfg, err
	}
	cfg.Retention = retention

	cfg.Redis.Addr = os.Getenv("REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("REDIS_PASS")
	if err := parseEnvInt("REDIS_DB", &cfg.Redis.DB); err != nil {
		return cfg, err
	}
	if err := parseEnvDuration("CAREPICK_DEDUP_CACHE_TTL_HOURS", &cfg.Redis.TTL, time.Hour); err != nil {
		return cfg, err
	}

	if err := parseEnvString("CAREPICK_HTTP_ADDR", &cfg.HTTPAddr); err != nil {
		return cfg, err
	}
	if err := parseEnvString("CAREPICK_LOG_FORMAT", &cfg.LogFormat); err != nil {
		return cfg, err
	}
	if err := parseEnvString("CAREPICK_LOG_LEVEL", &cfg.LogLevel); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration has valid values
func (c Config) Validate() error {
	d := c.Doubao
	if !d.Mode.IsValid() {
		return fmt.Errorf("doubao mode must be one of real, mock, sample (got %q)", d.Mode)
	}
	if d.Endpoint == "" {
		return fmt.Errorf("doubao endpoint is required")
	}
	if d.Timeout <= 0 || d.Timeout > 10*time.Minute {
		return fmt.Errorf("doubao timeout must be between 1s and 10m (got %v)", d.Timeout)
	}
	if d.MaxRetries < 0 || d.MaxRetries > 10 {
		return fmt.Errorf("doubao max_retries must be between 0 and 10 (got %d)", d.MaxRetries)
	}
	if d.RetryBase < 0 {
		return fmt.Errorf("doubao retry base cannot be negative (got %v)", d.RetryBase)
	}
	if d.RateLimitRPS < 0 {
		return fmt.Errorf("doubao rate limit cannot be negative (got %.2f)", d.RateLimitRPS)
	}
	if d.MaxConcurrentCalls < 0 {
		return fmt.Errorf("doubao max concurrent calls cannot be negative (got %d)", d.MaxConcurrentCalls)
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage dir is required")
	}
	switch c.Artifacts.Backend {
	case "fs":
	case "s3":
		if c.Artifacts.S3Bucket == "" {
			return fmt.Errorf("CAREPICK_S3_BUCKET is required for the s3 artifact backend")
		}
	default:
		return fmt.Errorf("artifact backend must be fs or s3 (got %q)", c.Artifacts.Backend)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis db cannot be negative (got %d)", c.Redis.DB)
	}
	return c.Retention.Validate()
}

// String returns a human-readable representation with secrets masked
func (c Config) String() string {
	key := "<unset>"
	if c.Doubao.APIKey != "" {
		key = "<set>"
	}
	return fmt.Sprintf(
		"Config{Mode: %s, Endpoint: %s, APIKey: %s, Vision: %s, Struct: %s, Advanced: %s, "+
			"Timeout: %v, MaxRetries: %d, StorageDir: %s, DB: %s, Artifacts: %s, Redis: %t, HTTP: %s}",
		c.Doubao.Mode, c.Doubao.Endpoint, key, c.Doubao.VisionModel, c.Doubao.StructModel,
		c.Doubao.AdvancedTextModel, c.Doubao.Timeout, c.Doubao.MaxRetries,
		c.Storage.Dir, c.Storage.DBPath, c.Artifacts.Backend, c.Redis.Enabled(), c.HTTPAddr,
	)
}

// parseVersionPins parses "key=version,key2=version2"
func parseVersionPins(raw string) (map[string]string, error) {
	pins := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return pins, nil
	}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, version, ok := strings.Cut(part, "=")
		key, version = strings.TrimSpace(key), strings.TrimSpace(version)
		if !ok || key == "" || version == "" {
			return nil, fmt.Errorf("invalid CAREPICK_PROMPT_VERSIONS entry %q (want key=version)", part)
		}
		pins[key] = version
	}
	return pins, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
