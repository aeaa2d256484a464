package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/carepick/carepick/internal/types"
)

const jobColumns = `id, capability, status, trace_id, input_json, output_json,
	prompt_key, prompt_version, model,
	error_code, error_http_status, error_message,
	created_at, started_at, finished_at`

const runColumns = `id, job_id, capability, status, prompt_key, prompt_version, model,
	request_json, response_json, latency_ms,
	input_tokens, output_tokens, cached_tokens,
	error_code, error_http_status, error_message,
	created_at, finished_at`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// CreateJob inserts a new job
func (s *SQLiteStorage) CreateJob(ctx context.Context, job *types.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	input := job.Input
	if input == nil {
		input = map[string]any{}
	}
	inputJSON, err := encodeJSON(input)
	if err != nil {
		return err
	}
	outputJSON, err := encodeJSON(job.Output)
	if err != nil {
		return err
	}
	errCode, errStatus, errMsg := errorColumns(job.Error)

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO ai_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.Capability, string(job.Status), nullString(job.TraceID),
		inputJSON, outputJSON,
		nullString(job.PromptKey), nullString(job.PromptVersion), nullString(job.Model),
		errCode, errStatus, errMsg,
		formatTime(job.CreatedAt), nullTime(job.StartedAt), nullTime(job.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID. Returns nil, nil when it does not exist.
func (s *SQLiteStorage) GetJob(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM ai_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first
func (s *SQLiteStorage) ListJobs(ctx context.Context, filter types.JobFilter) ([]*types.Job, error) {
	whereClauses := []string{}
	args := []any{}

	if filter.Capability != "" {
		whereClauses = append(whereClauses, "capability = ?")
		args = append(args, filter.Capability)
	}
	if filter.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.Since.IsZero() {
		whereClauses = append(whereClauses, "created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	querySQL := fmt.Sprintf(`
		SELECT %s
		FROM ai_jobs
		%s
		ORDER BY created_at DESC, id DESC
		%s
	`, jobColumns, whereSQL, pageSQL(filter.Limit, filter.Offset))

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	jobs := []*types.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job rows: %w", err)
	}
	return jobs, nil
}

// StartRun moves the job to running and inserts the new run in one transaction
func (s *SQLiteStorage) StartRun(ctx context.Context, job *types.Job, run *types.Run) error {
	request, err := encodeJSON(run.Request)
	if err != nil {
		return err
	}
	if !request.Valid {
		request = sql.NullString{String: "{}", Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE ai_jobs
		SET status = ?, started_at = ?, finished_at = NULL, output_json = NULL,
		    error_code = NULL, error_http_status = NULL, error_message = NULL
		WHERE id = ?
	`, string(job.Status), nullTime(job.StartedAt), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("job not found: %s", job.ID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ai_runs (id, job_id, capability, status, request_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.JobID, run.Capability, string(run.Status), request, formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FinishRun records the outcome on both the job and its run atomically
func (s *SQLiteStorage) FinishRun(ctx context.Context, job *types.Job, run *types.Run) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}
	output, err := encodeJSON(job.Output)
	if err != nil {
		return err
	}
	response, err := encodeJSON(run.Response)
	if err != nil {
		return err
	}
	request, err := encodeJSON(run.Request)
	if err != nil {
		return err
	}
	if !request.Valid {
		request = sql.NullString{String: "{}", Valid: true}
	}
	jobCode, jobStatus, jobMsg := errorColumns(job.Error)
	runCode, runStatus, runMsg := errorColumns(run.Error)
	var inTok, outTok, cachedTok sql.NullInt64
	if run.Usage != nil {
		inTok = sql.NullInt64{Int64: run.Usage.InputTokens, Valid: true}
		outTok = sql.NullInt64{Int64: run.Usage.OutputTokens, Valid: true}
		cachedTok = sql.NullInt64{Int64: run.Usage.CachedTokens, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		UPDATE ai_jobs
		SET status = ?, output_json = ?, prompt_key = ?, prompt_version = ?, model = ?,
		    error_code = ?, error_http_status = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`,
		string(job.Status), output,
		nullString(job.PromptKey), nullString(job.PromptVersion), nullString(job.Model),
		jobCode, jobStatus, jobMsg, nullTime(job.FinishedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE ai_runs
		SET status = ?, prompt_key = ?, prompt_version = ?, model = ?,
		    request_json = ?, response_json = ?, latency_ms = ?,
		    input_tokens = ?, output_tokens = ?, cached_tokens = ?,
		    error_code = ?, error_http_status = ?, error_message = ?, finished_at = ?
		WHERE id = ?
	`,
		string(run.Status),
		nullString(run.PromptKey), nullString(run.PromptVersion), nullString(run.Model),
		request, response, nullInt(run.LatencyMs),
		inTok, outTok, cachedTok,
		runCode, runStatus, runMsg, nullTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListRuns returns runs newest first
func (s *SQLiteStorage) ListRuns(ctx context.Context, filter types.RunFilter) ([]*types.Run, error) {
	whereClauses := []string{}
	args := []any{}

	if filter.JobID != "" {
		whereClauses = append(whereClauses, "job_id = ?")
		args = append(args, filter.JobID)
	}
	if filter.Capability != "" {
		whereClauses = append(whereClauses, "capability = ?")
		args = append(args, filter.Capability)
	}
	if !filter.Since.IsZero() {
		whereClauses = append(whereClauses, "created_at >= ?")
		args = append(args, formatTime(filter.Since))
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = "WHERE " + strings.Join(whereClauses, " AND ")
	}

	querySQL := fmt.Sprintf(`
		SELECT %s
		FROM ai_runs
		%s
		ORDER BY created_at DESC, id DESC
		%s
	`, runColumns, whereSQL, pageSQL(filter.Limit, filter.Offset))

	rows, err := s.db.QueryContext(ctx, querySQL, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	runs := []*types.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run rows: %w", err)
	}
	return runs, nil
}

func scanJob(row rowScanner) (*types.Job, error) {
	job := &types.Job{}
	var status, createdAt string
	var traceID, inputJSON, outputJSON, promptKey, promptVersion, model sql.NullString
	var errCode, errMsg, startedAt, finishedAt sql.NullString
	var errStatus sql.NullInt64

	err := row.Scan(
		&job.ID, &job.Capability, &status, &traceID, &inputJSON, &outputJSON,
		&promptKey, &promptVersion, &model,
		&errCode, &errStatus, &errMsg,
		&createdAt, &startedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Status = types.JobStatus(status)
	job.TraceID = traceID.String
	job.PromptKey = promptKey.String
	job.PromptVersion = promptVersion.String
	job.Model = model.String
	job.Error = scanErrorInfo(errCode, errStatus, errMsg)
	if job.Input, err = decodeJSON(inputJSON); err != nil {
		return nil, err
	}
	if job.Input == nil {
		job.Input = map[string]any{}
	}
	if job.Output, err = decodeJSON(outputJSON); err != nil {
		return nil, err
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if job.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if job.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return job, nil
}

func scanRun(row rowScanner) (*types.Run, error) {
	run := &types.Run{}
	var status, createdAt string
	var promptKey, promptVersion, model, requestJSON, responseJSON sql.NullString
	var errCode, errMsg, finishedAt sql.NullString
	var latency, inTok, outTok, cachedTok, errStatus sql.NullInt64

	err := row.Scan(
		&run.ID, &run.JobID, &run.Capability, &status, &promptKey, &promptVersion, &model,
		&requestJSON, &responseJSON, &latency,
		&inTok, &outTok, &cachedTok,
		&errCode, &errStatus, &errMsg,
		&createdAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = types.JobStatus(status)
	run.PromptKey = promptKey.String
	run.PromptVersion = promptVersion.String
	run.Model = model.String
	run.Error = scanErrorInfo(errCode, errStatus, errMsg)
	if latency.Valid {
		ms := latency.Int64
		run.LatencyMs = &ms
	}
	if inTok.Valid || outTok.Valid || cachedTok.Valid {
		run.Usage = &types.TokenUsage{
			InputTokens:  inTok.Int64,
			OutputTokens: outTok.Int64,
			CachedTokens: cachedTok.Int64,
		}
	}
	if run.Request, err = decodeJSON(requestJSON); err != nil {
		return nil, err
	}
	if run.Request == nil {
		run.Request = map[string]any{}
	}
	if run.Response, err = decodeJSON(responseJSON); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if run.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, err
	}
	return run, nil
}
