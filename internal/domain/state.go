package domain

import "time"

// PhaseTiming breaks down where an issue's wall-clock time went.
type PhaseTiming struct {
	Setup     time.Duration `json:"setup"`
	Validate  time.Duration `json:"validate"`
	Implement time.Duration `json:"implement"`
	Merge     time.Duration `json:"merge"`
}

// RunState is the durable, resumable snapshot of one orchestrator run.
// An issue ID lives in at most one of InProgress, Completed, Failed.
type RunState struct {
	RunID        string                  `json:"run_id"`
	InProgress   map[string]time.Time    `json:"in_progress"`
	Completed    []string                `json:"completed"`
	Failed       map[string]string       `json:"failed"` // id -> reason
	PendingMerge []string                `json:"pending_merge"`
	Timing       map[string]*PhaseTiming `json:"timing"`
	StartedAt    time.Time               `json:"started_at"`
	CheckpointAt time.Time               `json:"checkpoint_at"`
}

// NewRunState creates an empty state for a fresh run.
func NewRunState(runID string) *RunState {
	return &RunState{
		RunID:      runID,
		InProgress: make(map[string]time.Time),
		Failed:     make(map[string]string),
		Timing:     make(map[string]*PhaseTiming),
		StartedAt:  time.Now(),
	}
}

// MarkInProgress records that an issue started executing.
func (s *RunState) MarkInProgress(id string) {
	s.remove(id)
	s.InProgress[id] = time.Now()
}

// MarkCompleted moves an issue to the completed set.
func (s *RunState) MarkCompleted(id string) {
	s.remove(id)
	s.Completed = append(s.Completed, id)
}

// MarkFailed moves an issue to the failed set with a reason.
func (s *RunState) MarkFailed(id, reason string) {
	s.remove(id)
	s.Failed[id] = reason
}

// MarkPendingMerge records that an issue's branch awaits merging.
func (s *RunState) MarkPendingMerge(id string) {
	for _, p := range s.PendingMerge {
		if p == id {
			return
		}
	}
	s.PendingMerge = append(s.PendingMerge, id)
}

// ClearPendingMerge removes an issue from the pending-merge list.
func (s *RunState) ClearPendingMerge(id string) {
	for i, p := range s.PendingMerge {
		if p == id {
			s.PendingMerge = append(s.PendingMerge[:i], s.PendingMerge[i+1:]...)
			return
		}
	}
}

// IsCompleted reports whether the issue already finished in this run.
func (s *RunState) IsCompleted(id string) bool {
	for _, c := range s.Completed {
		if c == id {
			return true
		}
	}
	return false
}

// TimingFor returns the timing entry for an issue, creating it on demand.
func (s *RunState) TimingFor(id string) *PhaseTiming {
	if s.Timing == nil {
		s.Timing = make(map[string]*PhaseTiming)
	}
	t, ok := s.Timing[id]
	if !ok {
		t = &PhaseTiming{}
		s.Timing[id] = t
	}
	return t
}

// remove drops the id from every tracking set so each id lives in exactly
// one of them.
func (s *RunState) remove(id string) {
	delete(s.InProgress, id)
	delete(s.Failed, id)
	for i, c := range s.Completed {
		if c == id {
			s.Completed = append(s.Completed[:i], s.Completed[i+1:]...)
			break
		}
	}
}

// PendingWorktree describes a leftover workspace discovered at startup,
// left behind by a previous (possibly crashed) run.
type PendingWorktree struct {
	Path         string   `json:"path"`
	Branch       string   `json:"branch"`
	CommitsAhead int      `json:"commits_ahead"`
	DirtyFiles   []string `json:"dirty_files"`
}
