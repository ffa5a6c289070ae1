package domain

import "time"

// Verdict is the structured outcome of the validate command.
type Verdict string

const (
	VerdictReady    Verdict = "READY"
	VerdictNotReady Verdict = "NOT_READY"
	VerdictClose    Verdict = "CLOSE"
)

// Validation is the parsed verdict block from the validate command's stdout.
type Validation struct {
	Verdict       Verdict
	Concerns      []string
	CorrectedPath string // set when the agent relocated the issue's backlog file
	Notes         []string
	CloseReason   string // e.g. "already_fixed", only for VerdictClose
	CloseStatus   string // free-form status text accompanying a close
}

// FaultClass distinguishes where an item's execution failed. Faults are
// terminal for the item at the runner layer; retry decisions happen above.
type FaultClass string

const (
	FaultNone      FaultClass = ""
	FaultSetup     FaultClass = "setup"
	FaultValidate  FaultClass = "validate"
	FaultImplement FaultClass = "implement"
	FaultVerify    FaultClass = "verify"
	FaultInternal  FaultClass = "internal"
)

// WorkResult is the outcome of executing one issue in its workspace.
// Immutable once produced by the runner.
type WorkResult struct {
	IssueID      string
	Success      bool
	Branch       string
	WorktreePath string
	ChangedFiles []string
	LeakedFiles  []string // files the agent touched outside its worktree
	Duration     time.Duration
	Timing       PhaseTiming
	Fault        FaultClass
	Err          string
	Stdout       string
	Stderr       string

	// AutoCorrected is set when the validate step reported a corrected
	// backlog file path for the issue.
	AutoCorrected bool

	// ShouldClose short-circuits the merge path: the issue needs no
	// implementation and should be resolved with CloseReason instead.
	ShouldClose bool
	CloseReason string
	CloseStatus string
}

// Mergeable reports whether this result should be handed to the merge
// coordinator. Closures succeed without producing anything to merge.
func (r *WorkResult) Mergeable() bool {
	return r.Success && !r.ShouldClose
}
