package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/carepick/carepick/internal/api"
	"github.com/carepick/carepick/internal/artifacts"
	"github.com/carepick/carepick/internal/storage"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Serve the jobs, metrics, upload, product and dedup endpoints over HTTP.

Only one server may use a storage directory at a time. When artifact cleanup
is enabled, expired model artifacts are removed on CAREPICK_CLEANUP_SCHEDULE.

Examples:
  carepick serve                  # listen on CAREPICK_HTTP_ADDR (default :8000)
  carepick serve --addr :9000`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.HTTPAddr
		}
		return runServe(addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides CAREPICK_HTTP_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lockPath, err := storage.AcquireExclusiveLock(cfg.Storage.Dir, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := storage.ReleaseExclusiveLock(lockPath); err != nil {
			slog.Warn("serve.lock.release_failed", "error", err)
		}
	}()

	a, err := openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("serve.config", "config", cfg.String())

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(api.NewServer(a.jobs, a.catalog, a.dedup)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler, err := scheduleCleanup(a.artifacts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("serve.listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		if scheduler != nil {
			<-scheduler.Stop().Done()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("serve.shutdown")
		return srv.Shutdown(shutdownCtx)
	})

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s carepick %s listening on %s (mode %s)\n", green("✓"), version, addr, cfg.Doubao.Mode)
	return g.Wait()
}

// scheduleCleanup starts the artifact TTL cleanup on its cron schedule.
// It returns nil when cleanup is disabled.
func scheduleCleanup(store artifacts.Store) (*cron.Cron, error) {
	retention := cfg.Retention
	if !retention.CleanupEnabled {
		return nil, nil
	}
	c := cron.New()
	_, err := c.AddFunc(retention.CleanupSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		res, err := artifacts.Cleanup(ctx, store, retention.TTL(), retention.KeepMin, false, time.Now())
		if err != nil {
			slog.Error("artifacts.cleanup.failed", "error", err)
			return
		}
		slog.Info("artifacts.cleanup.ok",
			"scanned", res.Scanned,
			"removed", len(res.Removed),
			"removed_files", res.RemovedFiles,
		)
	})
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", retention.CleanupSchedule, err)
	}
	c.Start()
	slog.Info("artifacts.cleanup.scheduled", "schedule", retention.CleanupSchedule, "ttl_days", retention.TTLDays)
	return c, nil
}
