// Package runstore provides SQLite-backed run history: which runs
// happened, and how each issue in them ended.
package runstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunAborted   = "aborted"
)

// Issue outcome statuses.
const (
	IssueMerged = "merged"
	IssueFailed = "failed"
	IssueClosed = "closed"
)

// Run is one orchestration run.
type Run struct {
	ID          string
	WaveFile    string
	TrunkBranch string
	Concurrency int
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Completed   int
	Failed      int
	Closed      int
}

// IssueRecord is the outcome of one issue within a run.
type IssueRecord struct {
	RunID         string
	IssueID       string
	Wave          string
	Status        string
	Fault         string
	Branch        string
	MergeSHA      string
	MergeRetries  int
	Error         string
	DurationSecs  float64
	SetupSecs     float64
	ValidateSecs  float64
	ImplementSecs float64
	MergeSecs     float64
	FinishedAt    time.Time
}

// Store provides SQLite-backed run persistence.
type Store struct {
	db *sql.DB
}

// New creates a Store at the given database path, applying the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// StartRun records a run beginning.
func (s *Store) StartRun(run *Run) error {
	_, err := s.db.Exec(`
		INSERT INTO runs (id, wave_file, trunk_branch, concurrency, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.WaveFile, run.TrunkBranch, run.Concurrency, RunRunning, run.StartedAt)
	return err
}

// FinishRun records a run's final status and counters.
func (s *Store) FinishRun(runID, status string, completed, failed, closed int) error {
	_, err := s.db.Exec(`
		UPDATE runs SET status = ?, finished_at = ?,
			issues_completed = ?, issues_failed = ?, issues_closed = ?
		WHERE id = ?
	`, status, time.Now(), completed, failed, closed, runID)
	return err
}

// RecordIssue appends one issue outcome.
func (s *Store) RecordIssue(rec *IssueRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO issue_results (run_id, issue_id, wave, status, fault, branch,
			merge_sha, merge_retries, error, duration_secs,
			setup_secs, validate_secs, implement_secs, merge_secs, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID, rec.IssueID, rec.Wave, rec.Status, rec.Fault, rec.Branch,
		rec.MergeSHA, rec.MergeRetries, rec.Error, rec.DurationSecs,
		rec.SetupSecs, rec.ValidateSecs, rec.ImplementSecs, rec.MergeSecs, rec.FinishedAt,
	)
	return err
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, wave_file, trunk_branch, concurrency, status, started_at,
			finished_at, issues_completed, issues_failed, issues_closed
		FROM runs WHERE id = ?
	`, id)
	return scanRun(row.Scan)
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, wave_file, trunk_branch, concurrency, status, started_at,
			finished_at, issues_completed, issues_failed, issues_closed
		FROM runs ORDER BY started_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListIssues returns the issue outcomes of one run in completion order.
func (s *Store) ListIssues(runID string) ([]*IssueRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, issue_id, wave, status, fault, branch, merge_sha,
			merge_retries, error, duration_secs,
			setup_secs, validate_secs, implement_secs, merge_secs, finished_at
		FROM issue_results WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIssues(rows)
}

// IssueHistory returns past outcomes of one issue across runs, newest
// first.
func (s *Store) IssueHistory(issueID string, limit int) ([]*IssueRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT run_id, issue_id, wave, status, fault, branch, merge_sha,
			merge_retries, error, duration_secs,
			setup_secs, validate_secs, implement_secs, merge_secs, finished_at
		FROM issue_results WHERE issue_id = ? ORDER BY id DESC LIMIT ?
	`, issueID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIssues(rows)
}

func scanIssues(rows *sql.Rows) ([]*IssueRecord, error) {
	var recs []*IssueRecord
	for rows.Next() {
		var rec IssueRecord
		var fault, branch, sha, errMsg sql.NullString
		err := rows.Scan(&rec.RunID, &rec.IssueID, &rec.Wave, &rec.Status,
			&fault, &branch, &sha, &rec.MergeRetries, &errMsg, &rec.DurationSecs,
			&rec.SetupSecs, &rec.ValidateSecs, &rec.ImplementSecs, &rec.MergeSecs,
			&rec.FinishedAt)
		if err != nil {
			return nil, err
		}
		rec.Fault = fault.String
		rec.Branch = branch.String
		rec.MergeSHA = sha.String
		rec.Error = errMsg.String
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

func scanRun(scan func(dest ...any) error) (*Run, error) {
	var run Run
	var finished sql.NullTime
	var trunk sql.NullString
	err := scan(&run.ID, &run.WaveFile, &trunk, &run.Concurrency, &run.Status,
		&run.StartedAt, &finished, &run.Completed, &run.Failed, &run.Closed)
	if err != nil {
		return nil, err
	}
	run.TrunkBranch = trunk.String
	if finished.Valid {
		run.FinishedAt = &finished.Time
	}
	return &run, nil
}
