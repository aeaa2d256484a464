package sqlite

import "github.com/carepick/carepick/internal/storage/migrations"

// schemaMigrations are applied in order on every open; append, never edit.
var schemaMigrations = []migrations.Migration{
	{Version: 1, Description: "initial schema", Up: schema},
	{
		Version:     2,
		Description: "composite indexes for filtered listings",
		Up: `
CREATE INDEX IF NOT EXISTS idx_ai_jobs_capability_created ON ai_jobs(capability, created_at);
CREATE INDEX IF NOT EXISTS idx_ai_runs_job_created ON ai_runs(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_products_category_created ON products(category, created_at);
`,
		Down: `
DROP INDEX IF EXISTS idx_ai_jobs_capability_created;
DROP INDEX IF EXISTS idx_ai_runs_job_created;
DROP INDEX IF EXISTS idx_products_category_created;
`,
	},
}

// Timestamps are stored as fixed-width UTC text (see timeLayout) so that
// lexical ORDER BY matches chronological order.
const schema = `
-- AI jobs: one row per logical capability request
CREATE TABLE IF NOT EXISTS ai_jobs (
    id TEXT PRIMARY KEY,
    capability TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued'
        CHECK(status IN ('queued', 'running', 'succeeded', 'failed')),
    trace_id TEXT,
    input_json TEXT NOT NULL DEFAULT '{}',
    output_json TEXT,
    prompt_key TEXT,
    prompt_version TEXT,
    model TEXT,
    error_code TEXT,
    error_http_status INTEGER,
    error_message TEXT,
    created_at TEXT NOT NULL,
    started_at TEXT,
    finished_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_ai_jobs_capability ON ai_jobs(capability);
CREATE INDEX IF NOT EXISTS idx_ai_jobs_status ON ai_jobs(status);
CREATE INDEX IF NOT EXISTS idx_ai_jobs_created_at ON ai_jobs(created_at);

-- AI runs: one row per execution attempt, append-only
CREATE TABLE IF NOT EXISTS ai_runs (
    id TEXT PRIMARY KEY,
    job_id TEXT NOT NULL,
    capability TEXT NOT NULL,
    status TEXT NOT NULL
        CHECK(status IN ('queued', 'running', 'succeeded', 'failed')),
    prompt_key TEXT,
    prompt_version TEXT,
    model TEXT,
    request_json TEXT NOT NULL DEFAULT '{}',
    response_json TEXT,
    latency_ms INTEGER,
    input_tokens INTEGER,
    output_tokens INTEGER,
    cached_tokens INTEGER,
    error_code TEXT,
    error_http_status INTEGER,
    error_message TEXT,
    created_at TEXT NOT NULL,
    finished_at TEXT,
    FOREIGN KEY (job_id) REFERENCES ai_jobs(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_ai_runs_job ON ai_runs(job_id);
CREATE INDEX IF NOT EXISTS idx_ai_runs_capability ON ai_runs(capability);
CREATE INDEX IF NOT EXISTS idx_ai_runs_created_at ON ai_runs(created_at);

-- Product catalog index; the full document lives in products/<id>.json
CREATE TABLE IF NOT EXISTS products (
    id TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    brand TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL DEFAULT '',
    one_sentence TEXT NOT NULL DEFAULT '',
    tags_json TEXT NOT NULL DEFAULT '[]',
    image_path TEXT NOT NULL DEFAULT '',
    json_path TEXT NOT NULL,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_products_category ON products(category);
CREATE INDEX IF NOT EXISTS idx_products_created_at ON products(created_at);
`
