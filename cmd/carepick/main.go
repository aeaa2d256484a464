package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/artifacts"
	"github.com/carepick/carepick/internal/catalog"
	"github.com/carepick/carepick/internal/config"
	"github.com/carepick/carepick/internal/deduplication"
	"github.com/carepick/carepick/internal/orchestrator"
	"github.com/carepick/carepick/internal/storage"
)

// version is stamped at build time with -ldflags
var version = "dev"

var (
	cfg      config.Config
	envFiles []string
)

var rootCmd = &cobra.Command{
	Use:     "carepick",
	Short:   "Personal-care product catalog with AI ingest and dedup",
	Version: version,
	Long: `carepick reads product labels with the Doubao vision model, stores
structured product documents and finds duplicate products.

Configuration comes from .env.local and .env (when present) and the
environment. Set DOUBAO_MODE=sample to run without an API key.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(envFiles...)
		if err != nil {
			return err
		}
		setupLogging(cfg.LogFormat, cfg.LogLevel)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "Env files to load (default .env.local,.env)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler. CLI commands log to
// stderr so stdout stays readable.
func setupLogging(format, level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// app is the wired service graph shared by the commands
type app struct {
	store     storage.Storage
	artifacts artifacts.Store
	jobs      *orchestrator.Orchestrator
	catalog   *catalog.Catalog
	dedup     *deduplication.Engine
	cache     *deduplication.RedisCache
}

// openApp builds the service graph from cfg. The Redis verdict cache is
// attached only when withCache is set and Redis is reachable.
func openApp(ctx context.Context, withCache bool) (*app, error) {
	store, err := storage.NewStorage(ctx, &storage.Config{Path: cfg.Storage.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	a := &app{store: store}

	a.artifacts, err = artifacts.NewStore(ctx, cfg.Artifacts, cfg.Storage.Dir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	prompts, err := ai.NewPromptCatalog(cfg.Prompts)
	if err != nil {
		a.Close()
		return nil, err
	}
	exec := ai.NewExecutor(cfg.Doubao, prompts,
		ai.WithArtifacts(a.artifacts),
		ai.WithImages(ai.LocalImages{Root: cfg.Storage.Dir}),
	)
	a.jobs = orchestrator.New(store, exec, cfg.Pricing)

	a.catalog, err = catalog.New(cfg.Storage.Dir, store, a.artifacts, a.jobs)
	if err != nil {
		a.Close()
		return nil, err
	}

	dedupCfg, err := deduplication.ConfigFromEnv()
	if err != nil {
		a.Close()
		return nil, err
	}
	var opts []deduplication.Option
	if withCache && cfg.Redis.Enabled() {
		cache, err := deduplication.NewRedisCache(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("dedup.cache.disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			a.cache = cache
			opts = append(opts, deduplication.WithCache(cache))
		}
	}
	a.dedup, err = deduplication.NewEngine(a.catalog, a.jobs, dedupCfg, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the database and cache connections
func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			slog.Warn("dedup.cache.close_failed", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("storage.close_failed", "error", err)
		}
	}
}

// mustOpenApp opens the app or exits
func mustOpenApp(ctx context.Context, withCache bool) *app {
	a, err := openApp(ctx, withCache)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return a
}

// fail prints err and exits. Service errors show their code.
func fail(err error) {
	if se, ok := ai.AsServiceError(err); ok {
		fmt.Fprintf(os.Stderr, "Error: %s (%s)\n", se.Message, se.Code)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}
