package orchestrator

import (
	"time"

	"github.com/carepick/carepick/internal/types"
)

// JobView is the client-facing shape of a job, with the error flattened
type JobView struct {
	ID              string         `json:"id"`
	Capability      string         `json:"capability"`
	Status          string         `json:"status"`
	TraceID         *string        `json:"trace_id"`
	Input           map[string]any `json:"input"`
	Output          map[string]any `json:"output"`
	PromptKey       *string        `json:"prompt_key"`
	PromptVersion   *string        `json:"prompt_version"`
	Model           *string        `json:"model"`
	ErrorCode       *string        `json:"error_code"`
	ErrorHTTPStatus *int           `json:"error_http_status"`
	ErrorMessage    *string        `json:"error_message"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at"`
}

// RunView is the client-facing shape of a run
type RunView struct {
	ID              string            `json:"id"`
	JobID           string            `json:"job_id"`
	Capability      string            `json:"capability"`
	Status          string            `json:"status"`
	PromptKey       *string           `json:"prompt_key"`
	PromptVersion   *string           `json:"prompt_version"`
	Model           *string           `json:"model"`
	Request         map[string]any    `json:"request"`
	Response        map[string]any    `json:"response"`
	LatencyMs       *int64            `json:"latency_ms"`
	Usage           *types.TokenUsage `json:"usage"`
	ErrorCode       *string           `json:"error_code"`
	ErrorHTTPStatus *int              `json:"error_http_status"`
	ErrorMessage    *string           `json:"error_message"`
	CreatedAt       time.Time         `json:"created_at"`
	FinishedAt      *time.Time        `json:"finished_at"`
}

// ViewJob converts a job into its client view
func ViewJob(j *types.Job) JobView {
	v := JobView{
		ID:            j.ID,
		Capability:    j.Capability,
		Status:        string(j.Status),
		TraceID:       optional(j.TraceID),
		Input:         j.Input,
		Output:        j.Output,
		PromptKey:     optional(j.PromptKey),
		PromptVersion: optional(j.PromptVersion),
		Model:         optional(j.Model),
		CreatedAt:     j.CreatedAt,
		StartedAt:     j.StartedAt,
		FinishedAt:    j.FinishedAt,
	}
	v.ErrorCode, v.ErrorHTTPStatus, v.ErrorMessage = flattenError(j.Error)
	return v
}

// ViewJobs converts a job listing
func ViewJobs(jobs []*types.Job) []JobView {
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, ViewJob(j))
	}
	return views
}

// ViewRun converts a run into its client view
func ViewRun(r *types.Run) RunView {
	v := RunView{
		ID:            r.ID,
		JobID:         r.JobID,
		Capability:    r.Capability,
		Status:        string(r.Status),
		PromptKey:     optional(r.PromptKey),
		PromptVersion: optional(r.PromptVersion),
		Model:         optional(r.Model),
		Request:       r.Request,
		Response:      r.Response,
		LatencyMs:     r.LatencyMs,
		Usage:         r.Usage,
		CreatedAt:     r.CreatedAt,
		FinishedAt:    r.FinishedAt,
	}
	v.ErrorCode, v.ErrorHTTPStatus, v.ErrorMessage = flattenError(r.Error)
	return v
}

// ViewRuns converts a run listing
func ViewRuns(runs []*types.Run) []RunView {
	views := make([]RunView, 0, len(runs))
	for _, r := range runs {
		views = append(views, ViewRun(r))
	}
	return views
}

func flattenError(e *types.ErrorInfo) (*string, *int, *string) {
	if e == nil {
		return nil, nil, nil
	}
	status := e.HTTPStatus
	return optional(e.Code), &status, optional(e.Message)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
