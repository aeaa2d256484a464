// Package orchestrator persists one Job per capability request and one Run
// per execution attempt, and drives the job state machine:
//
//	queued  -(run)->     running
//	running -(success)-> succeeded
//	running -(failure)-> failed
//	failed  -(run)->     running
//	succeeded -(run)->   succeeded (no-op, the executor is not called)
//
// Capability and client failures are recorded on the Job and Run rather than
// returned. Only persistence failures and lookup/conflict errors reach the
// caller.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/config"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/metrics"
	"github.com/carepick/carepick/internal/storage"
	"github.com/carepick/carepick/internal/types"
	"github.com/google/uuid"
)

// List pagination bounds
const (
	DefaultListLimit = 100
	MaxListLimit     = 200
)

// Executor runs one capability invocation
type Executor interface {
	Execute(ctx context.Context, capability string, input map[string]any, opts ai.ExecOptions) (*ai.Result, error)
}

// Orchestrator owns the Job/Run lifecycle
type Orchestrator struct {
	store   storage.JobStore
	exec    Executor
	metrics *metrics.Aggregator

	now       func() time.Time
	newID     func() string
	queueSize int
}

// New creates an orchestrator over the job store and executor
func New(store storage.JobStore, exec Executor, pricing config.PricingConfig) *Orchestrator {
	return &Orchestrator{
		store:   store,
		exec:    exec,
		metrics: metrics.New(store, pricing),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}
}

// CreateJob validates the capability and persists a queued job
func (o *Orchestrator) CreateJob(ctx context.Context, capability string, input map[string]any, traceID string) (*types.Job, error) {
	capability = strings.TrimSpace(capability)
	if !ai.Supports(capability) {
		return nil, ai.NewError(ai.CodeCapabilityNotSupported, http.StatusBadRequest,
			"Capability '%s' is not supported.", capability)
	}
	if input == nil {
		input = map[string]any{}
	}

	job := &types.Job{
		ID:         o.newID(),
		Capability: capability,
		Status:     types.JobQueued,
		TraceID:    strings.TrimSpace(traceID),
		Input:      input,
		CreatedAt:  o.now(),
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

// RunJob executes a queued or failed job and records the outcome.
//
// The running check is a read followed by a write with no isolation between
// them: two concurrent callers on the same failed or queued job can both
// start a run. Callers that need stricter semantics must serialize RunJob
// per job id themselves.
func (o *Orchestrator) RunJob(ctx context.Context, id string, progress events.ProgressFunc) (*types.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if job == nil {
		return nil, ai.NewError(ai.CodeJobNotFound, http.StatusNotFound, "AI job '%s' not found.", id)
	}
	switch job.Status {
	case types.JobRunning:
		return nil, ai.NewError(ai.CodeJobAlreadyRunning, http.StatusConflict, "AI job '%s' is already running.", id)
	case types.JobSucceeded:
		return job, nil
	}

	if job.Status, err = job.Status.Transition(types.JobRunning); err != nil {
		return nil, err
	}
	started := o.now()
	job.StartedAt = &started
	job.FinishedAt = nil
	job.Output = nil
	job.Error = nil

	run := &types.Run{
		ID:         o.newID(),
		JobID:      job.ID,
		Capability: job.Capability,
		Status:     types.JobRunning,
		Request:    job.Input,
		CreatedAt:  started,
	}
	if err := o.store.StartRun(ctx, job, run); err != nil {
		return nil, fmt.Errorf("failed to start run for job %s: %w", job.ID, err)
	}

	begin := time.Now()
	result, execErr := o.execute(ctx, job, progress)
	latency := time.Since(begin).Milliseconds()

	finished := o.now()
	job.FinishedAt = &finished
	run.FinishedAt = &finished
	run.LatencyMs = &latency

	if execErr == nil && result == nil {
		execErr = fmt.Errorf("capability %s returned no result", job.Capability)
	}
	if execErr == nil {
		execErr = checkStorable(job.Capability, result)
	}
	if execErr != nil {
		o.recordFailure(job, run, execErr)
	} else {
		o.recordSuccess(job, run, result)
	}

	// The outcome is persisted even when the caller has gone away.
	if err := o.store.FinishRun(context.WithoutCancel(ctx), job, run); err != nil {
		return nil, fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	return job, nil
}

// execute calls the executor, converting a panic into an error so the run
// is still recorded.
func (o *Orchestrator) execute(ctx context.Context, job *types.Job, progress events.ProgressFunc) (result *ai.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capability %s panicked: %v", job.Capability, r)
		}
	}()
	return o.exec.Execute(ctx, job.Capability, job.Input, ai.ExecOptions{
		TraceID:  job.TraceID,
		Progress: progress,
	})
}

// checkStorable rejects results that cannot be encoded as JSON (NaN or
// infinite numbers, for example), so the run is recorded as failed instead
// of leaving the job running.
func checkStorable(capability string, result *ai.Result) error {
	parts := []struct {
		name  string
		value map[string]any
	}{
		{"output", result.Output},
		{"request", result.Request},
		{"response", result.Response},
	}
	for _, p := range parts {
		if _, err := json.Marshal(p.value); err != nil {
			return ai.NewError(ai.CodeInvalidJobOutput, http.StatusInternalServerError,
				"Capability %s returned a %s that cannot be stored: %v", capability, p.name, err)
		}
	}
	return nil
}

func (o *Orchestrator) recordSuccess(job *types.Job, run *types.Run, result *ai.Result) {
	job.Status, _ = job.Status.Transition(types.JobSucceeded)
	run.Status = types.JobSucceeded

	output := result.Output
	if output == nil {
		output = map[string]any{}
	}
	job.Output = output
	job.PromptKey = result.PromptKey
	job.PromptVersion = result.PromptVersion
	job.Model = result.Model

	run.PromptKey = result.PromptKey
	run.PromptVersion = result.PromptVersion
	run.Model = result.Model
	run.Usage = result.Usage
	if result.Request != nil {
		run.Request = result.Request
	}
	run.Response = result.Response
	if run.Response == nil {
		run.Response = output
	}
}

func (o *Orchestrator) recordFailure(job *types.Job, run *types.Run, err error) {
	_, known := ai.AsServiceError(err)
	se := ai.Internal(err)
	info := &types.ErrorInfo{Code: se.Code, HTTPStatus: se.HTTPStatus, Message: se.Message}

	job.Status, _ = job.Status.Transition(types.JobFailed)
	job.Output = nil
	job.Error = info
	run.Status = types.JobFailed
	run.Error = info

	if known {
		slog.Warn("orchestrator.run.failed",
			"job_id", job.ID, "capability", job.Capability, "code", se.Code, "status", se.HTTPStatus, "error", se.Message)
	} else {
		slog.Error("orchestrator.run.failed",
			"job_id", job.ID, "capability", job.Capability, "code", se.Code, "error", err)
	}
}

// CreateAndRun creates a job and runs it immediately
func (o *Orchestrator) CreateAndRun(ctx context.Context, capability string, input map[string]any, traceID string, progress events.ProgressFunc) (*types.Job, error) {
	job, err := o.CreateJob(ctx, capability, input, traceID)
	if err != nil {
		return nil, err
	}
	return o.RunJob(ctx, job.ID, progress)
}

// RunCapabilityNow creates and runs a job and returns its output, or the
// job's recorded error as a *ai.ServiceError when it failed.
func (o *Orchestrator) RunCapabilityNow(ctx context.Context, capability string, input map[string]any, traceID string, progress events.ProgressFunc) (map[string]any, error) {
	job, err := o.CreateAndRun(ctx, capability, input, traceID, progress)
	if err != nil {
		return nil, err
	}
	if job.Status != types.JobSucceeded {
		return nil, jobError(job)
	}
	if job.Output == nil {
		return nil, ai.NewError(ai.CodeInvalidJobOutput, http.StatusInternalServerError,
			"Capability output must be a JSON object.")
	}
	return job.Output, nil
}

// jobError rebuilds the service error recorded on a failed job
func jobError(job *types.Job) *ai.ServiceError {
	se := &ai.ServiceError{
		Code:       ai.CodeJobFailed,
		Message:    "Capability execution failed.",
		HTTPStatus: http.StatusBadRequest,
	}
	if job.Error == nil {
		return se
	}
	if job.Error.Code != "" {
		se.Code = job.Error.Code
	}
	if job.Error.Message != "" {
		se.Message = job.Error.Message
	}
	if job.Error.HTTPStatus != 0 {
		se.HTTPStatus = job.Error.HTTPStatus
	}
	return se
}

// GetJob returns a job or job_not_found
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*types.Job, error) {
	job, err := o.store.GetJob(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	if job == nil {
		return nil, ai.NewError(ai.CodeJobNotFound, http.StatusNotFound, "AI job not found.")
	}
	return job, nil
}

// ListJobs returns jobs newest first. The limit is clamped to [1, MaxListLimit].
func (o *Orchestrator) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	filter.Offset, filter.Limit = clampPage(filter.Offset, filter.Limit)
	jobs, err := o.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListRuns returns runs newest first. The limit is clamped to [1, MaxListLimit].
func (o *Orchestrator) ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.Run, error) {
	filter.Offset, filter.Limit = clampPage(filter.Offset, filter.Limit)
	runs, err := o.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}

// MetricsSummary aggregates job and run history over the trailing window
func (o *Orchestrator) MetricsSummary(ctx context.Context, capability string, sinceHours int) (*metrics.Summary, error) {
	return o.metrics.Summary(ctx, strings.TrimSpace(capability), sinceHours)
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	return offset, limit
}
