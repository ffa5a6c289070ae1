package orchestrator

import (
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
)

// Event types emitted over the orchestrator's event stream.
const (
	EventRunStarted    = "run_started"
	EventRunCompleted  = "run_completed"
	EventRunAborted    = "run_aborted"
	EventWaveStarted   = "wave_started"
	EventWaveCompleted = "wave_completed"
	EventIssueStarted  = "issue_started"
	EventIssueMerged   = "issue_merged"
	EventIssueClosed   = "issue_closed"
	EventIssueFailed   = "issue_failed"
	EventIssueRetrying = "issue_retrying"
	EventMergeUpdate   = "merge_update"
)

// Event is one observable state transition. The web server, the TUI and
// notifications all consume the same stream.
type Event struct {
	Time    time.Time `json:"time"`
	Type    string    `json:"type"`
	RunID   string    `json:"run_id"`
	Wave    string    `json:"wave,omitempty"`
	IssueID string    `json:"issue_id,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Status is a point-in-time snapshot of a run, safe to read from any
// goroutine.
type Status struct {
	RunID        string                         `json:"run_id"`
	Wave         string                         `json:"wave"`
	Running      bool                           `json:"running"`
	Active       []string                       `json:"active"`
	Completed    []string                       `json:"completed"`
	Failed       map[string]string              `json:"failed"`
	PendingMerge []string                       `json:"pending_merge"`
	Closed       []string                       `json:"closed"`
	MergePaused  bool                           `json:"merge_paused"`
	Timing       map[string]*domain.PhaseTiming `json:"timing,omitempty"`
	StartedAt    time.Time                      `json:"started_at"`
}

// Summary is the final tally of a run.
type Summary struct {
	RunID     string
	Completed int
	Failed    int
	Closed    int
	Duration  time.Duration
	Aborted   bool
}

// Notifier receives end-of-run and failure notifications. Implementations
// must not block.
type Notifier interface {
	RunFinished(s *Summary)
	IssueFailed(issueID, reason string)
}
