// Package metrics aggregates job and run history into windowed success,
// latency and cost statistics.
package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carepick/carepick/internal/config"
	"github.com/carepick/carepick/internal/cost"
	"github.com/carepick/carepick/internal/types"
)

// DefaultSinceHours is the window used when none is given (one week)
const DefaultSinceHours = 168

// windowLayout matches the second-resolution window_start reported to clients
const windowLayout = "2006-01-02T15:04:05Z"

// History is the read side of the job store
type History interface {
	ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error)
	ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.Run, error)
}

// Summary is the aggregate over one window
type Summary struct {
	Capability  *string `json:"capability"`
	SinceHours  int     `json:"since_hours"`
	WindowStart string  `json:"window_start"`

	TotalJobs       int     `json:"total_jobs"`
	SucceededJobs   int     `json:"succeeded_jobs"`
	FailedJobs      int     `json:"failed_jobs"`
	RunningJobs     int     `json:"running_jobs"`
	QueuedJobs      int     `json:"queued_jobs"`
	SuccessRate     float64 `json:"success_rate"`
	TimeoutFailures int     `json:"timeout_failures"`
	TimeoutRate     float64 `json:"timeout_rate"`

	TotalRuns     int      `json:"total_runs"`
	SucceededRuns int      `json:"succeeded_runs"`
	FailedRuns    int      `json:"failed_runs"`
	AvgLatencyMs  *float64 `json:"avg_latency_ms"`
	P95LatencyMs  *int64   `json:"p95_latency_ms"`

	TotalEstimatedCost float64   `json:"total_estimated_cost"`
	AvgTaskCost        *float64  `json:"avg_task_cost"`
	PricedRuns         int       `json:"priced_runs"`
	CostCoverageRate   float64   `json:"cost_coverage_rate"`
	PricingMode        cost.Mode `json:"pricing_mode"`
}

// Aggregator computes summaries from the job store
type Aggregator struct {
	history    History
	pricingCfg config.PricingConfig
	now        func() time.Time

	pricingOnce sync.Once
	pricing     *cost.Pricing
	pricingErr  error
}

// New creates an aggregator. Pricing is parsed on first use so a malformed
// price table surfaces as ai_cost_config_invalid on the summary call.
func New(history History, pricingCfg config.PricingConfig) *Aggregator {
	return &Aggregator{history: history, pricingCfg: pricingCfg, now: time.Now}
}

func (a *Aggregator) loadPricing() (*cost.Pricing, error) {
	a.pricingOnce.Do(func() {
		a.pricing, a.pricingErr = cost.LoadPricing(a.pricingCfg)
	})
	return a.pricing, a.pricingErr
}

// Summary aggregates jobs and runs created in the trailing sinceHours,
// optionally restricted to one capability. sinceHours below 1 is raised to 1.
func (a *Aggregator) Summary(ctx context.Context, capability string, sinceHours int) (*Summary, error) {
	pricing, err := a.loadPricing()
	if err != nil {
		return nil, err
	}
	if sinceHours < 1 {
		sinceHours = 1
	}
	windowStart := a.now().UTC().Add(-time.Duration(sinceHours) * time.Hour).Truncate(time.Second)

	jobs, err := a.history.ListJobs(ctx, types.JobFilter{Capability: capability, Since: windowStart})
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	runs, err := a.history.ListRuns(ctx, types.RunFilter{Capability: capability, Since: windowStart})
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}

	s := &Summary{
		SinceHours:  sinceHours,
		WindowStart: windowStart.Format(windowLayout),
		PricingMode: pricing.Mode(),
	}
	if capability != "" {
		s.Capability = &capability
	}

	s.TotalJobs = len(jobs)
	for _, j := range jobs {
		switch j.Status {
		case types.JobSucceeded:
			s.SucceededJobs++
		case types.JobFailed:
			s.FailedJobs++
		case types.JobRunning:
			s.RunningJobs++
		case types.JobQueued:
			s.QueuedJobs++
		}
		if IsTimeoutFailure(j.Error) {
			s.TimeoutFailures++
		}
	}
	s.SuccessRate = ratio(s.SucceededJobs, s.TotalJobs)
	s.TimeoutRate = ratio(s.TimeoutFailures, s.TotalJobs)

	s.TotalRuns = len(runs)
	latencies := make([]int64, 0, len(runs))
	for _, r := range runs {
		switch r.Status {
		case types.JobSucceeded:
			s.SucceededRuns++
		case types.JobFailed:
			s.FailedRuns++
		}
		if r.LatencyMs != nil {
			latencies = append(latencies, *r.LatencyMs)
		}
		if c, ok := pricing.Estimate(r.Model, r.Usage); ok {
			s.PricedRuns++
			s.TotalEstimatedCost += c
		}
	}
	s.AvgLatencyMs = mean(latencies)
	s.P95LatencyMs = Percentile95(latencies)
	s.CostCoverageRate = ratio(s.PricedRuns, s.TotalRuns)
	if s.PricedRuns > 0 {
		avg := s.TotalEstimatedCost / float64(s.PricedRuns)
		s.AvgTaskCost = &avg
	}
	return s, nil
}

// IsTimeoutFailure reports whether the error code or message mentions "timeout"
func IsTimeoutFailure(e *types.ErrorInfo) bool {
	if e == nil {
		return false
	}
	return strings.Contains(strings.ToLower(e.Code), "timeout") ||
		strings.Contains(strings.ToLower(e.Message), "timeout")
}

// Percentile95 returns the nearest-rank p95: index ceil(0.95*n)-1 of the
// sorted values. Nil when there are no values. The input is not modified.
func Percentile95(values []int64) *int64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	// ceil(0.95*n) in integer arithmetic
	idx := (len(sorted)*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	v := sorted[idx]
	return &v
}

func mean(values []int64) *float64 {
	if len(values) == 0 {
		return nil
	}
	var sum int64
	for _, v := range values {
		sum += v
	}
	m := float64(sum) / float64(len(values))
	return &m
}

func ratio(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total)
}

// Round rounds to the given number of decimals for display
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}
