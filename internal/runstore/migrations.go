package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    wave_file TEXT NOT NULL,
    trunk_branch TEXT,
    concurrency INTEGER,
    status TEXT NOT NULL DEFAULT 'running',
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    issues_completed INTEGER DEFAULT 0,
    issues_failed INTEGER DEFAULT 0,
    issues_closed INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS issue_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id),
    issue_id TEXT NOT NULL,
    wave TEXT,
    status TEXT NOT NULL,
    fault TEXT,
    branch TEXT,
    merge_sha TEXT,
    merge_retries INTEGER DEFAULT 0,
    error TEXT,
    duration_secs REAL,
    setup_secs REAL,
    validate_secs REAL,
    implement_secs REAL,
    merge_secs REAL,
    finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_issue_results_run_id ON issue_results(run_id);
CREATE INDEX IF NOT EXISTS idx_issue_results_issue_id ON issue_results(issue_id);
`
