package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/export"
	"github.com/carepick/carepick/internal/orchestrator"
	"github.com/carepick/carepick/internal/types"
)

// Metrics window bounds, in hours
const (
	defaultSinceHours = 168
	maxSinceHours     = 24 * 365
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// RegisterJobRoutes registers AI job, run and metrics endpoints.
func (s *Server) RegisterJobRoutes(r *gin.Engine) {
	g := r.Group("/api/ai")
	g.POST("/jobs", s.handleCreateJob)
	g.POST("/jobs/stream", s.handleStreamJob)
	g.POST("/jobs/:id/run", s.handleRunJob)
	g.GET("/jobs/:id", s.handleGetJob)
	g.GET("/jobs", s.handleListJobs)
	g.GET("/runs", s.handleListRuns)
	g.GET("/metrics/summary", s.handleMetricsSummary)
}

// CreateJobRequest is the body of POST /api/ai/jobs
type CreateJobRequest struct {
	Capability     string         `json:"capability"`
	Input          map[string]any `json:"input"`
	TraceID        string         `json:"trace_id"`
	RunImmediately *bool          `json:"run_immediately"`
}

func (req CreateJobRequest) runNow() bool {
	return req.RunImmediately == nil || *req.RunImmediately
}

func (s *Server) handleCreateJob(c *gin.Context) {
	var req CreateJobRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	var (
		job *types.Job
		err error
	)
	if req.runNow() {
		job, err = s.jobs.CreateAndRun(c.Request.Context(), req.Capability, req.Input, req.TraceID, nil)
	} else {
		job, err = s.jobs.CreateJob(c.Request.Context(), req.Capability, req.Input, req.TraceID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.ViewJob(job))
}

func (s *Server) handleStreamJob(c *gin.Context) {
	var req CreateJobRequest
	if err := bindJSON(c, &req); err != nil {
		respondError(c, err)
		return
	}
	ch, err := s.jobs.Stream(c.Request.Context(), req.Capability, req.Input, req.TraceID)
	if err != nil {
		respondError(c, err)
		return
	}
	s.stream(c, ch)
}

func (s *Server) handleRunJob(c *gin.Context) {
	job, err := s.jobs.RunJob(c.Request.Context(), c.Param("id"), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.ViewJob(job))
}

func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.ViewJob(job))
}

func (s *Server) handleListJobs(c *gin.Context) {
	filter := types.JobFilter{Capability: strings.TrimSpace(c.Query("capability"))}
	if raw := strings.TrimSpace(c.Query("status")); raw != "" {
		status, err := types.ParseJobStatus(raw)
		if err != nil {
			respondError(c, ai.InvalidInput("Invalid status: '%s'.", raw))
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Offset, filter.Limit, err = page(c); err != nil {
		respondError(c, err)
		return
	}

	jobs, err := s.jobs.ListJobs(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if c.Query("format") == "xlsx" {
		data, err := export.JobsXLSX(jobs)
		if err != nil {
			respondError(c, err)
			return
		}
		attachment(c, "ai_jobs.xlsx", data)
		return
	}
	c.JSON(http.StatusOK, orchestrator.ViewJobs(jobs))
}

func (s *Server) handleListRuns(c *gin.Context) {
	filter := types.RunFilter{
		JobID:      strings.TrimSpace(c.Query("job_id")),
		Capability: strings.TrimSpace(c.Query("capability")),
	}
	var err error
	if filter.Offset, filter.Limit, err = page(c); err != nil {
		respondError(c, err)
		return
	}
	runs, err := s.jobs.ListRuns(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, orchestrator.ViewRuns(runs))
}

func (s *Server) handleMetricsSummary(c *gin.Context) {
	since, err := queryInt(c, "since_hours", defaultSinceHours, 1, maxSinceHours)
	if err != nil {
		respondError(c, err)
		return
	}
	summary, err := s.jobs.MetricsSummary(c.Request.Context(), strings.TrimSpace(c.Query("capability")), since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// page reads offset and limit query parameters
func page(c *gin.Context) (offset, limit int, err error) {
	if offset, err = queryInt(c, "offset", 0, 0, 1<<30); err != nil {
		return 0, 0, err
	}
	if limit, err = queryInt(c, "limit", orchestrator.DefaultListLimit, 1, orchestrator.MaxListLimit); err != nil {
		return 0, 0, err
	}
	return offset, limit, nil
}

func attachment(c *gin.Context, name string, data []byte) {
	stamp := time.Now().UTC().Format("20060102-150405")
	filename := strings.TrimSuffix(name, ".xlsx") + "-" + stamp + ".xlsx"
	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, xlsxContentType, data)
}
