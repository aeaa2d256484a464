package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/carepick/carepick/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "nested", "app.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newJob(id, capability string, created time.Time) *types.Job {
	return &types.Job{
		ID:         id,
		Capability: capability,
		Status:     types.JobQueued,
		TraceID:    "trace-" + id,
		Input:      map[string]any{"ingredient": "Glycerin"},
		CreatedAt:  created,
	}
}

func TestMemoryDatabase(t *testing.T) {
	store, err := New(MemoryPath)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	require.NoError(t, store.CreateJob(ctx, newJob("j1", "doubao.ingredient_enrich", time.Now())))
	got, err := store.GetJob(ctx, "j1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestJobLifecycle(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	created := time.Date(2026, 3, 1, 10, 0, 0, 123000000, time.UTC)

	job := newJob("job-1", "doubao.ingredient_enrich", created)
	require.NoError(t, store.CreateJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.JobQueued, got.Status)
	assert.Equal(t, "trace-job-1", got.TraceID)
	assert.Equal(t, map[string]any{"ingredient": "Glycerin"}, got.Input)
	assert.Nil(t, got.Output)
	assert.Nil(t, got.Error)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.StartedAt)

	started := created.Add(time.Second)
	job.Status = types.JobRunning
	job.StartedAt = &started
	run := &types.Run{
		ID:         "run-1",
		JobID:      job.ID,
		Capability: job.Capability,
		Status:     types.JobRunning,
		Request:    map[string]any{"ingredient": "Glycerin"},
		CreatedAt:  started,
	}
	require.NoError(t, store.StartRun(ctx, job, run))

	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))

	finished := started.Add(1500 * time.Millisecond)
	latency := int64(1500)
	job.Status = types.JobSucceeded
	job.Output = map[string]any{"analysis_text": "humectant"}
	job.PromptKey = "doubao.ingredient_enrich"
	job.PromptVersion = "v1"
	job.Model = "pro-m"
	job.FinishedAt = &finished
	run.Status = types.JobSucceeded
	run.PromptKey = job.PromptKey
	run.PromptVersion = job.PromptVersion
	run.Model = job.Model
	run.Request = map[string]any{"prompt": "rendered"}
	run.Response = map[string]any{"output_text": "humectant"}
	run.LatencyMs = &latency
	run.Usage = &types.TokenUsage{InputTokens: 10, OutputTokens: 5, CachedTokens: 2}
	run.FinishedAt = &finished
	require.NoError(t, store.FinishRun(ctx, job, run))

	got, err = store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.JobSucceeded, got.Status)
	assert.Equal(t, map[string]any{"analysis_text": "humectant"}, got.Output)
	assert.Equal(t, "v1", got.PromptVersion)
	assert.Equal(t, "pro-m", got.Model)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))

	runs, err := store.ListRuns(ctx, types.RunFilter{JobID: "job-1"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, types.JobSucceeded, r.Status)
	assert.Equal(t, map[string]any{"prompt": "rendered"}, r.Request)
	assert.Equal(t, map[string]any{"output_text": "humectant"}, r.Response)
	require.NotNil(t, r.LatencyMs)
	assert.Equal(t, int64(1500), *r.LatencyMs)
	assert.Equal(t, &types.TokenUsage{InputTokens: 10, OutputTokens: 5, CachedTokens: 2}, r.Usage)
	assert.Nil(t, r.Error)
}

func TestFailedRunThenRetry(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	now := time.Now()

	job := newJob("job-f", "doubao.stage1_vision", now)
	require.NoError(t, store.CreateJob(ctx, job))

	job.Status = types.JobRunning
	job.StartedAt = &now
	run := &types.Run{ID: "run-a", JobID: job.ID, Capability: job.Capability, Status: types.JobRunning, CreatedAt: now}
	require.NoError(t, store.StartRun(ctx, job, run))

	errInfo := &types.ErrorInfo{Code: "doubao_timeout", HTTPStatus: 504, Message: "Doubao API timeout."}
	job.Status = types.JobFailed
	job.Error = errInfo
	job.FinishedAt = &now
	run.Status = types.JobFailed
	run.Error = errInfo
	run.FinishedAt = &now
	require.NoError(t, store.FinishRun(ctx, job, run))

	got, err := store.GetJob(ctx, "job-f")
	require.NoError(t, err)
	assert.Equal(t, errInfo, got.Error)

	// a retry clears the previous error and finish time
	later := now.Add(time.Minute)
	job.Status = types.JobRunning
	job.StartedAt = &later
	job.Error = nil
	run2 := &types.Run{ID: "run-b", JobID: job.ID, Capability: job.Capability, Status: types.JobRunning, CreatedAt: later}
	require.NoError(t, store.StartRun(ctx, job, run2))

	got, err = store.GetJob(ctx, "job-f")
	require.NoError(t, err)
	assert.Equal(t, types.JobRunning, got.Status)
	assert.Nil(t, got.Error)
	assert.Nil(t, got.FinishedAt)

	runs, err := store.ListRuns(ctx, types.RunFilter{JobID: "job-f"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-b", runs[0].ID)
	assert.Equal(t, errInfo, runs[1].Error)
	assert.Equal(t, map[string]any{}, runs[0].Request)
}

func TestStartRunUnknownJob(t *testing.T) {
	store := setupTestDB(t)
	now := time.Now()
	job := &types.Job{ID: "ghost", Capability: "x", Status: types.JobRunning, StartedAt: &now}
	run := &types.Run{ID: "r", JobID: "ghost", Capability: "x", Status: types.JobRunning, CreatedAt: now}
	if err := store.StartRun(context.Background(), job, run); err == nil {
		t.Fatal("Expected error for unknown job")
	}
	runs, err := store.ListRuns(context.Background(), types.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestGetJobMissing(t *testing.T) {
	store := setupTestDB(t)
	job, err := store.GetJob(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job != nil {
		t.Errorf("Expected nil job, got %+v", job)
	}
}

func TestListJobsFilters(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, c := range []string{"cap.a", "cap.b", "cap.a", "cap.a"} {
		job := newJob(string(rune('a'+i)), c, base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, store.CreateJob(ctx, job))
	}

	tests := []struct {
		name   string
		filter types.JobFilter
		want   []string
	}{
		{"all newest first", types.JobFilter{}, []string{"d", "c", "b", "a"}},
		{"by capability", types.JobFilter{Capability: "cap.a"}, []string{"d", "c", "a"}},
		{"by status", types.JobFilter{Status: types.JobRunning}, []string{}},
		{"since", types.JobFilter{Since: base.Add(90 * time.Minute)}, []string{"d", "c"}},
		{"limit", types.JobFilter{Limit: 2}, []string{"d", "c"}},
		{"offset", types.JobFilter{Offset: 1, Limit: 2}, []string{"c", "b"}},
		{"offset without limit", types.JobFilter{Offset: 3}, []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs, err := store.ListJobs(ctx, tt.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, j := range jobs {
				ids = append(ids, j.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestTimeLayoutOrdersLexically(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC))
	b := formatTime(time.Date(2026, 1, 1, 0, 0, 5, 100000000, time.UTC))
	c := formatTime(time.Date(2026, 1, 1, 8, 0, 5, 0, time.FixedZone("CST", 8*3600)))
	assert.Less(t, a, b)
	assert.Equal(t, a, c)
}

func TestReopenKeepsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	store, err := New(path)
	require.NoError(t, err)

	var version int
	require.NoError(t, store.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version))
	assert.Equal(t, len(schemaMigrations), version)
	require.NoError(t, store.Close())

	// reopening must not re-run applied migrations
	store, err = New(path)
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	var rows int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&rows))
	assert.Equal(t, len(schemaMigrations), rows)
}
