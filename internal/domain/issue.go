package domain

import (
	"fmt"
	"regexp"
)

var issueIDRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]*-\d+$`)

// Issue is one unit of work handed to the orchestrator. Issues are produced
// by the backlog/ordering tooling upstream; this package never mutates them.
type Issue struct {
	ID       string // e.g. "FEAT-102"
	Category string // e.g. "feature", "bug", "chore"
	Action   string // short action hint substituted into the implement command
	Priority int    // 0 is the most urgent class
	FilePath string // backlog file the issue came from, informational only
}

// Validate checks the fields the orchestrator depends on.
func (i Issue) Validate() error {
	if !issueIDRegex.MatchString(i.ID) {
		return fmt.Errorf("invalid issue ID %q (expected PREFIX-123)", i.ID)
	}
	if i.Priority < 0 {
		return fmt.Errorf("issue %s: negative priority %d", i.ID, i.Priority)
	}
	return nil
}

// Wave is one batch of issues the upstream ordering tool has marked safe to
// run with full parallelism.
type Wave struct {
	Name   string
	Issues []Issue
}
