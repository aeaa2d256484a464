package orchestrator

import (
	"context"
	"errors"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/carepick/carepick/internal/ai"
	"github.com/carepick/carepick/internal/config"
	"github.com/carepick/carepick/internal/events"
	"github.com/carepick/carepick/internal/storage/sqlite"
	"github.com/carepick/carepick/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execFunc func(call int, capability string, input map[string]any, opts ai.ExecOptions) (*ai.Result, error)

type fakeExecutor struct {
	mu    sync.Mutex
	calls int
	fn    execFunc
}

func (f *fakeExecutor) Execute(_ context.Context, capability string, input map[string]any, opts ai.ExecOptions) (*ai.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	return f.fn(call, capability, input, opts)
}

func (f *fakeExecutor) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okResult(text string) *ai.Result {
	return &ai.Result{
		Output:        map[string]any{"text": text},
		PromptKey:     ai.CapIngredientEnrich,
		PromptVersion: "v1",
		Model:         "pro-m",
		Request:       map[string]any{"prompt": "rendered"},
		Response:      map[string]any{"output_text": text},
		Usage:         &types.TokenUsage{InputTokens: 10, OutputTokens: 5},
	}
}

func setup(t *testing.T, fn execFunc) (*Orchestrator, *fakeExecutor, *sqlite.SQLiteStorage) {
	t.Helper()
	store, err := sqlite.New(sqlite.MemoryPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	exec := &fakeExecutor{fn: fn}
	o := New(store, exec, config.PricingConfig{})

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	o.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return o, exec, store
}

func TestCreateJobUnsupportedCapability(t *testing.T) {
	o, _, _ := setup(t, nil)

	_, err := o.CreateJob(context.Background(), "doubao.unknown", nil, "")
	se, ok := ai.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ai.CodeCapabilityNotSupported, se.Code)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus)
	assert.Equal(t, "Capability 'doubao.unknown' is not supported.", se.Message)
}

func TestRunJobSuccessIsIdempotent(t *testing.T) {
	ctx := context.Background()
	o, exec, store := setup(t, func(_ int, capability string, input map[string]any, opts ai.ExecOptions) (*ai.Result, error) {
		assert.Equal(t, ai.CapIngredientEnrich, capability)
		assert.Equal(t, "glycerin", input["ingredient"])
		assert.Equal(t, "trace-1", opts.TraceID)
		return okResult("humectant"), nil
	})

	job, err := o.CreateJob(ctx, " "+ai.CapIngredientEnrich+" ", map[string]any{"ingredient": "glycerin"}, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobQueued, job.Status)
	assert.Equal(t, ai.CapIngredientEnrich, job.Capability)

	job, err = o.RunJob(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, job.Status)
	assert.Equal(t, map[string]any{"text": "humectant"}, job.Output)
	assert.Equal(t, "pro-m", job.Model)
	assert.Equal(t, "v1", job.PromptVersion)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)
	assert.Nil(t, job.Error)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, stored.Status)
	assert.Equal(t, map[string]any{"text": "humectant"}, stored.Output)

	runs, err := o.ListRuns(ctx, types.RunFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, types.JobSucceeded, run.Status)
	assert.Equal(t, "rendered", run.Request["prompt"])
	assert.Equal(t, "humectant", run.Response["output_text"])
	require.NotNil(t, run.LatencyMs)
	assert.GreaterOrEqual(t, *run.LatencyMs, int64(0))
	require.NotNil(t, run.Usage)
	assert.Equal(t, int64(10), run.Usage.InputTokens)

	// succeeded -> succeeded does not call the executor again
	again, err := o.RunJob(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, again.Status)
	assert.Equal(t, map[string]any{"text": "humectant"}, again.Output)
	assert.Equal(t, 1, exec.count())

	runs, err = o.ListRuns(ctx, types.RunFilter{JobID: job.ID})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunJobFailureThenRetry(t *testing.T) {
	ctx := context.Background()
	o, exec, _ := setup(t, func(call int, _ string, _ map[string]any, _ ai.ExecOptions) (*ai.Result, error) {
		if call == 1 {
			return nil, &ai.ServiceError{
				Code: ai.CodeTimeout, Message: "Doubao API timeout.", HTTPStatus: http.StatusGatewayTimeout, Kind: ai.KindTimeout,
			}
		}
		return okResult("ok"), nil
	})

	job, err := o.CreateJob(ctx, ai.CapIngredientEnrich, map[string]any{"ingredient": "x"}, "")
	require.NoError(t, err)

	job, err = o.RunJob(ctx, job.ID, nil)
	require.NoError(t, err, "capability failures are recorded, not returned")
	assert.Equal(t, types.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, types.ErrorInfo{Code: ai.CodeTimeout, HTTPStatus: 504, Message: "Doubao API timeout."}, *job.Error)
	assert.Nil(t, job.Output)
	require.NotNil(t, job.FinishedAt)

	runs, err := o.ListRuns(ctx, types.RunFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, types.JobFailed, runs[0].Status)
	require.NotNil(t, runs[0].Error)
	assert.Equal(t, ai.CodeTimeout, runs[0].Error.Code)
	assert.NotNil(t, runs[0].LatencyMs)
	assert.Equal(t, "x", runs[0].Request["ingredient"], "failed runs keep the job input as request")

	job, err = o.RunJob(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, job.Status)
	assert.Nil(t, job.Error)
	assert.Equal(t, 2, exec.count())

	runs, err = o.ListRuns(ctx, types.RunFilter{JobID: job.ID})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, types.JobSucceeded, runs[0].Status, "newest run first")
	assert.Equal(t, types.JobFailed, runs[1].Status)
}

func TestRunJobUnstorableOutputFailsJob(t *testing.T) {
	ctx := context.Background()
	o, exec, store := setup(t, func(call int, _ string, _ map[string]any, _ ai.ExecOptions) (*ai.Result, error) {
		if call == 1 {
			res := okResult("dup")
			res.Output = map[string]any{"duplicates": []any{map[string]any{"id": "b", "confidence": math.NaN()}}}
			return res, nil
		}
		return okResult("ok"), nil
	})

	job, err := o.CreateJob(ctx, ai.CapProductDedupGroup, map[string]any{
		"anchor_product":     map[string]any{"id": "a"},
		"candidate_products": []any{map[string]any{"id": "b"}},
	}, "")
	require.NoError(t, err)

	job, err = o.RunJob(ctx, job.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, ai.CodeInvalidJobOutput, job.Error.Code)
	assert.Equal(t, http.StatusInternalServerError, job.Error.HTTPStatus)

	stored, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, stored.Status)

	job, err = o.RunJob(ctx, job.ID, nil)
	require.NoError(t, err, "a failed job can be run again")
	assert.Equal(t, types.JobSucceeded, job.Status)
	assert.Equal(t, 2, exec.count())
}

func TestRunJobNotFound(t *testing.T) {
	o, _, _ := setup(t, nil)

	_, err := o.RunJob(context.Background(), "missing", nil)
	se, ok := ai.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ai.CodeJobNotFound, se.Code)
	assert.Equal(t, http.StatusNotFound, se.HTTPStatus)
	assert.Equal(t, "AI job 'missing' not found.", se.Message)

	_, err = o.GetJob(context.Background(), "missing")
	assert.True(t, ai.IsCode(err, ai.CodeJobNotFound))
}

func TestRunJobAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	o, exec, store := setup(t, func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
		return okResult("x"), nil
	})

	job, err := o.CreateJob(ctx, ai.CapIngredientEnrich, nil, "")
	require.NoError(t, err)
	now := time.Now().UTC()
	job.Status = types.JobRunning
	job.StartedAt = &now
	require.NoError(t, store.StartRun(ctx, job, &types.Run{
		ID: "r1", JobID: job.ID, Capability: job.Capability, Status: types.JobRunning, CreatedAt: now,
	}))

	_, err = o.RunJob(ctx, job.ID, nil)
	se, ok := ai.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ai.CodeJobAlreadyRunning, se.Code)
	assert.Equal(t, http.StatusConflict, se.HTTPStatus)
	assert.Equal(t, 0, exec.count())
}

func TestRunJobInternalErrors(t *testing.T) {
	tests := []struct {
		name string
		fn   execFunc
	}{
		{"plain error", func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
			return nil, errors.New("disk on fire")
		}},
		{"panic", func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
			panic("boom")
		}},
		{"nil result", func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
			return nil, nil
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			o, _, _ := setup(t, tt.fn)
			job, err := o.CreateJob(ctx, ai.CapIngredientEnrich, nil, "")
			require.NoError(t, err)

			job, err = o.RunJob(ctx, job.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, types.JobFailed, job.Status)
			require.NotNil(t, job.Error)
			assert.Equal(t, ai.CodeInternal, job.Error.Code)
			assert.Equal(t, http.StatusInternalServerError, job.Error.HTTPStatus)

			stored, err := o.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, types.JobFailed, stored.Status)
		})
	}
}

func TestRunCapabilityNow(t *testing.T) {
	ctx := context.Background()
	o, _, _ := setup(t, func(_ int, _ string, input map[string]any, _ ai.ExecOptions) (*ai.Result, error) {
		if input["fail"] == true {
			return nil, ai.InvalidInput("'ingredient' is required.")
		}
		return okResult("fine"), nil
	})

	out, err := o.RunCapabilityNow(ctx, ai.CapIngredientEnrich, map[string]any{}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "fine", out["text"])

	_, err = o.RunCapabilityNow(ctx, ai.CapIngredientEnrich, map[string]any{"fail": true}, "", nil)
	se, ok := ai.AsServiceError(err)
	require.True(t, ok)
	assert.Equal(t, ai.CodeInvalidInput, se.Code)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus)
	assert.Equal(t, "'ingredient' is required.", se.Message)

	_, err = o.RunCapabilityNow(ctx, "nope", nil, "", nil)
	assert.True(t, ai.IsCode(err, ai.CodeCapabilityNotSupported))
}

func TestJobErrorDefaults(t *testing.T) {
	se := jobError(&types.Job{Status: types.JobFailed})
	assert.Equal(t, ai.CodeJobFailed, se.Code)
	assert.Equal(t, "Capability execution failed.", se.Message)
	assert.Equal(t, http.StatusBadRequest, se.HTTPStatus)
}

func TestListJobsPaging(t *testing.T) {
	ctx := context.Background()
	o, _, _ := setup(t, func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
		return okResult("x"), nil
	})

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := o.CreateJob(ctx, ai.CapIngredientEnrich, nil, "")
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	_, err := o.CreateJob(ctx, ai.CapStage1Vision, nil, "")
	require.NoError(t, err)

	jobs, err := o.ListJobs(ctx, types.JobFilter{Capability: ai.CapIngredientEnrich})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, ids[2], jobs[0].ID, "newest first")

	jobs, err = o.ListJobs(ctx, types.JobFilter{Capability: ai.CapIngredientEnrich, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ids[1], jobs[0].ID)

	jobs, err = o.ListJobs(ctx, types.JobFilter{Status: types.JobSucceeded})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		offset, limit         int
		wantOffset, wantLimit int
	}{
		{0, 0, 0, DefaultListLimit},
		{-5, 10, 0, 10},
		{3, 500, 3, MaxListLimit},
		{1, 200, 1, 200},
	}
	for _, tt := range tests {
		offset, limit := clampPage(tt.offset, tt.limit)
		if offset != tt.wantOffset || limit != tt.wantLimit {
			t.Errorf("clampPage(%d, %d) = (%d, %d), want (%d, %d)",
				tt.offset, tt.limit, offset, limit, tt.wantOffset, tt.wantLimit)
		}
	}
}

func TestMetricsSummary(t *testing.T) {
	ctx := context.Background()
	o, _, _ := setup(t, func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
		return okResult("x"), nil
	})
	o.now = func() time.Time { return time.Now().UTC() }
	_, err := o.CreateAndRun(ctx, ai.CapIngredientEnrich, nil, "", nil)
	require.NoError(t, err)

	s, err := o.MetricsSummary(ctx, "", 24)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalJobs)
	assert.Equal(t, 1, s.SucceededJobs)
	assert.Equal(t, 1, s.TotalRuns)
}

func TestViewJobFlattensError(t *testing.T) {
	v := ViewJob(&types.Job{
		ID: "j", Capability: "c", Status: types.JobFailed,
		Error: &types.ErrorInfo{Code: ai.CodeTimeout, HTTPStatus: 504, Message: "timeout"},
	})
	require.NotNil(t, v.ErrorCode)
	assert.Equal(t, ai.CodeTimeout, *v.ErrorCode)
	require.NotNil(t, v.ErrorHTTPStatus)
	assert.Equal(t, 504, *v.ErrorHTTPStatus)
	assert.Nil(t, v.TraceID)
	assert.Nil(t, v.Model)

	v = ViewJob(&types.Job{ID: "j", Status: types.JobQueued, TraceID: "t"})
	assert.Nil(t, v.ErrorCode)
	assert.Nil(t, v.ErrorHTTPStatus)
	require.NotNil(t, v.TraceID)
	assert.Equal(t, "t", *v.TraceID)
}

func collect(t *testing.T, ch *events.Channel) []events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []events.Event
	err := ch.Consume(ctx, func(ev events.Event) error {
		got = append(got, ev)
		return nil
	}, nil)
	require.NoError(t, err)
	return got
}

func eventTypes(evs []events.Event) []events.EventType {
	out := make([]events.EventType, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Type)
	}
	return out
}

func TestStreamSuccess(t *testing.T) {
	o, _, _ := setup(t, func(_ int, _ string, _ map[string]any, opts ai.ExecOptions) (*ai.Result, error) {
		opts.Progress.Emit(events.Step("ingredient_enrich", "calling model"))
		opts.Progress.Emit(events.Delta("ingredient_enrich", "hum"))
		return okResult("humectant"), nil
	})

	ch, err := o.Stream(context.Background(), ai.CapIngredientEnrich, map[string]any{"ingredient": "g"}, "")
	require.NoError(t, err)

	got := collect(t, ch)
	assert.Equal(t, []events.EventType{
		events.EventTypeJobCreated,
		events.EventTypeProgress,
		events.EventTypeProgress,
		events.EventTypeResult,
		events.EventTypeDone,
	}, eventTypes(got))

	created, ok := got[0].Payload.(*JobView)
	require.True(t, ok)
	assert.Equal(t, "queued", created.Status)

	delta, ok := got[2].Payload.(events.ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, "hum", delta.Delta)

	result, ok := got[3].Payload.(JobView)
	require.True(t, ok)
	assert.Equal(t, "succeeded", result.Status)
	assert.Equal(t, created.ID, result.ID)
	assert.Equal(t, "humectant", result.Output["text"])
}

func TestStreamFailure(t *testing.T) {
	o, _, _ := setup(t, func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
		return nil, &ai.ServiceError{Code: ai.CodeNetwork, Message: "Doubao API network error: reset", HTTPStatus: 502, Kind: ai.KindNetwork}
	})

	ch, err := o.Stream(context.Background(), ai.CapIngredientEnrich, nil, "")
	require.NoError(t, err)

	got := collect(t, ch)
	assert.Equal(t, []events.EventType{
		events.EventTypeJobCreated,
		events.EventTypeError,
		events.EventTypeDone,
	}, eventTypes(got))
	payload, ok := got[1].Payload.(*events.ErrorPayload)
	require.True(t, ok)
	assert.Equal(t, ai.CodeNetwork, payload.Code)
	assert.Equal(t, 502, payload.HTTPStatus)
}

func TestStreamRejectsUnsupportedCapability(t *testing.T) {
	o, _, _ := setup(t, nil)
	ch, err := o.Stream(context.Background(), "nope", nil, "")
	assert.Nil(t, ch)
	assert.True(t, ai.IsCode(err, ai.CodeCapabilityNotSupported))
}

func TestStreamWorkerSurvivesCancelledRequest(t *testing.T) {
	release := make(chan struct{})
	o, exec, store := setup(t, func(int, string, map[string]any, ai.ExecOptions) (*ai.Result, error) {
		<-release
		return okResult("late"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := o.Stream(ctx, ai.CapIngredientEnrich, nil, "")
	require.NoError(t, err)
	cancel()
	ch.Abandon()
	close(release)

	require.Eventually(t, func() bool {
		jobs, err := store.ListJobs(context.Background(), types.JobFilter{Status: types.JobSucceeded})
		return err == nil && len(jobs) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, exec.count())
}

func TestStartWorkerPanics(t *testing.T) {
	ch := StartWorker(context.Background(), 0, nil, func(context.Context, events.ProgressFunc) (any, error) {
		panic("bad")
	})
	got := collect(t, ch)
	assert.Equal(t, []events.EventType{events.EventTypeError, events.EventTypeDone}, eventTypes(got))
	payload := got[0].Payload.(*events.ErrorPayload)
	assert.Equal(t, ai.CodeInternal, payload.Code)
}
