package types

import (
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of an AI job or run
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// IsValid checks if the status value is valid
func (s JobStatus) IsValid() bool {
	switch s {
	case JobQueued, JobRunning, JobSucceeded, JobFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends an execution attempt
func (s JobStatus) IsTerminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// ParseJobStatus converts a filter string into a JobStatus.
// The empty string is accepted and means "no filter".
func ParseJobStatus(raw string) (JobStatus, error) {
	s := JobStatus(raw)
	if raw == "" || s.IsValid() {
		return s, nil
	}
	return "", fmt.Errorf("invalid job status: %q", raw)
}

// ErrInvalidTransition is returned when a status change is not in the transition table
var ErrInvalidTransition = errors.New("invalid job status transition")

// jobTransitions is the complete state machine. Anything not listed is rejected.
// succeeded -> succeeded is the idempotent re-run edge.
var jobTransitions = map[JobStatus][]JobStatus{
	JobQueued:    {JobRunning},
	JobRunning:   {JobSucceeded, JobFailed},
	JobFailed:    {JobRunning},
	JobSucceeded: {JobSucceeded},
}

// CanTransition reports whether moving from s to next is allowed
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates the move and returns the new status
func (s JobStatus) Transition(next JobStatus) (JobStatus, error) {
	if !s.CanTransition(next) {
		return s, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s, next)
	}
	return next, nil
}

// ErrorInfo is the structured failure recorded on a Job or Run
type ErrorInfo struct {
	Code       string `json:"code"`
	HTTPStatus int    `json:"http_status"`
	Message    string `json:"message"`
}

// TokenUsage is the upstream token accounting for one run
type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	CachedTokens int64 `json:"cached_tokens"`
}

// Job is one logical request to execute a capability
type Job struct {
	ID            string         `json:"id"`
	Capability    string         `json:"capability"`
	Status        JobStatus      `json:"status"`
	TraceID       string         `json:"trace_id,omitempty"`
	Input         map[string]any `json:"input"`
	Output        map[string]any `json:"output,omitempty"`
	PromptKey     string         `json:"prompt_key,omitempty"`
	PromptVersion string         `json:"prompt_version,omitempty"`
	Model         string         `json:"model,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	StartedAt     *time.Time     `json:"started_at,omitempty"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// Validate checks if the job has valid field values
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("id is required")
	}
	if j.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", j.Status)
	}
	if j.Status == JobSucceeded && j.Error != nil {
		return fmt.Errorf("succeeded job cannot carry an error")
	}
	return nil
}

// Run is one execution attempt of a Job
type Run struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	Capability    string         `json:"capability"`
	Status        JobStatus      `json:"status"`
	PromptKey     string         `json:"prompt_key,omitempty"`
	PromptVersion string         `json:"prompt_version,omitempty"`
	Model         string         `json:"model,omitempty"`
	Request       map[string]any `json:"request"`
	Response      map[string]any `json:"response,omitempty"`
	LatencyMs     *int64         `json:"latency_ms,omitempty"`
	Usage         *TokenUsage    `json:"usage,omitempty"`
	Error         *ErrorInfo     `json:"error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	FinishedAt    *time.Time     `json:"finished_at,omitempty"`
}

// JobFilter narrows job listings
type JobFilter struct {
	Capability string
	Status     JobStatus
	Since      time.Time
	Offset     int
	Limit      int
}

// RunFilter narrows run listings
type RunFilter struct {
	JobID      string
	Capability string
	Since      time.Time
	Offset     int
	Limit      int
}
