// Package api exposes jobs, metrics, product ingest and dedup over HTTP.
//
// Every error renders as {"detail": message, "code": code} with the
// error's HTTP status. Streaming endpoints answer with Server-Sent Events:
// one "event: <type>" frame per queued event, keep-alive comments while
// idle, and a final "done" frame.
package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/catalog"
	"github.com/carepick/carepick/internal/deduplication"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/orchestrator"
)

// Server holds the services behind the routes
type Server struct {
	jobs      *orchestrator.Orchestrator
	catalog   *catalog.Catalog
	dedup     *deduplication.Engine
	keepAlive time.Duration
}

// Option configures a Server
type Option func(*Server)

// WithKeepAlive sets the idle interval between SSE keep-alive frames
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) { s.keepAlive = d }
}

// NewServer creates the API server
func NewServer(jobs *orchestrator.Orchestrator, cat *catalog.Catalog, dedup *deduplication.Engine, opts ...Option) *Server {
	s := &Server{jobs: jobs, catalog: cat, dedup: dedup, keepAlive: events.DefaultKeepAlive}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRouter constructs a Gin engine with registered routes.
func NewRouter(s *Server) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	RegisterHealthRoutes(r)
	s.RegisterJobRoutes(r)
	s.RegisterProductRoutes(r)
	s.RegisterUploadRoutes(r)
	return r
}

// RegisterHealthRoutes registers health check endpoints.
func RegisterHealthRoutes(r *gin.Engine) {
	r.GET("/healthz", handleHealth)
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger logs one line per request
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		slog.Log(c.Request.Context(), level, "http.request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", status,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
	}
}

// respondError renders err as {"detail", "code"}
func respondError(c *gin.Context, err error) {
	se, known := ai.AsServiceError(err)
	if !known {
		slog.Error("api.request.failed", "path", c.FullPath(), "error", err)
		se = ai.Internal(err)
	}
	c.AbortWithStatusJSON(se.HTTPStatus, gin.H{"detail": se.Message, "code": se.Code})
}

// bindJSON decodes the body into dst. An empty body leaves dst untouched.
func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return ai.InvalidInput("Invalid JSON body: %v", err)
	}
	return nil
}

// queryInt parses an optional integer query parameter within [lo, hi]
func queryInt(c *gin.Context, name string, def, lo, hi int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, ai.InvalidInput("'%s' must be an integer between %d and %d.", name, lo, hi)
	}
	return v, nil
}

// stream relays ch to the client as Server-Sent Events until done
func (s *Server) stream(c *gin.Context, ch *events.Channel) {
	ch.SetKeepAlive(s.keepAlive)

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	w := c.Writer
	err := ch.Consume(c.Request.Context(),
		func(ev events.Event) error {
			if err := events.WriteFrame(w, ev); err != nil {
				return err
			}
			w.Flush()
			return nil
		},
		func() error {
			if err := events.WriteKeepAlive(w); err != nil {
				return err
			}
			w.Flush()
			return nil
		},
	)
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("api.stream.aborted", "path", c.FullPath(), "error", err)
	}
}
