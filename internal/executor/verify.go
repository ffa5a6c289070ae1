package executor

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Directories whose contents never count as implementation work: issue
// tracking metadata, agent scratch space, and worktree caches from prior
// runs.
var defaultExcludedPrefixes = []string{
	".issues/",
	".thoughts/",
	".ll-orch/",
	".worktrees/",
}

// Extensions that count as source code for the default verification policy.
var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true,
	".tsx": true, ".rs": true, ".java": true, ".kt": true, ".rb": true,
	".c": true, ".h": true, ".cc": true, ".cpp": true, ".hpp": true,
	".cs": true, ".swift": true, ".sh": true, ".sql": true, ".proto": true,
}

// VerifyPolicy decides whether an issue's changes count as a real
// implementation.
type VerifyPolicy struct {
	// RequireCodeChanges demands at least one changed source file; when
	// false, any non-excluded change passes (docs or config only).
	RequireCodeChanges bool
	ExcludedPrefixes   []string
}

// DefaultVerifyPolicy returns the policy used unless configured otherwise.
func DefaultVerifyPolicy(requireCode bool) VerifyPolicy {
	return VerifyPolicy{
		RequireCodeChanges: requireCode,
		ExcludedPrefixes:   defaultExcludedPrefixes,
	}
}

// Check returns nil when the changed file set passes the policy.
func (p VerifyPolicy) Check(changed []string) error {
	if len(changed) == 0 {
		return fmt.Errorf("no files changed")
	}

	qualifying := 0
	code := 0
	for _, f := range changed {
		if p.excluded(f) {
			continue
		}
		qualifying++
		if sourceExtensions[strings.ToLower(filepath.Ext(f))] {
			code++
		}
	}

	if qualifying == 0 {
		return fmt.Errorf("all %d changed files are in excluded directories", len(changed))
	}
	if p.RequireCodeChanges && code == 0 {
		return fmt.Errorf("no source files changed (%d non-code changes)", qualifying)
	}
	return nil
}

func (p VerifyPolicy) excluded(file string) bool {
	for _, prefix := range p.ExcludedPrefixes {
		if strings.HasPrefix(file, prefix) {
			return true
		}
	}
	return false
}
