package git

import (
	"fmt"
	"strings"
)

// Marker phrases bracketing the file list in git's untracked-overwrite
// report. The list sits between them as indented paths. This layout is not
// guaranteed stable across git versions, so ParseUntrackedConflicts returns
// an explicit error instead of an empty list whenever the report does not
// match, and callers must surface that error rather than swallow it.
const (
	untrackedStartMarker = "would be overwritten by merge:"
	untrackedEndMarker   = "Please move or remove them"
)

// ParseUntrackedConflicts extracts the conflicting paths from the stderr of
// a merge that failed with FaultUntrackedOverwrite.
func ParseUntrackedConflicts(stderr string) ([]string, error) {
	lines := strings.Split(stderr, "\n")

	start := -1
	for i, l := range lines {
		if strings.Contains(l, untrackedStartMarker) {
			start = i + 1
			break
		}
	}
	if start < 0 {
		return nil, fmt.Errorf("untracked-conflict report missing %q marker", untrackedStartMarker)
	}

	var files []string
	for _, l := range lines[start:] {
		if strings.Contains(l, untrackedEndMarker) {
			if len(files) == 0 {
				return nil, fmt.Errorf("untracked-conflict report lists no files")
			}
			return files, nil
		}
		trimmed := strings.TrimSpace(l)
		if trimmed == "" {
			continue
		}
		// File lines are indented; a flush-left line means we ran past
		// the list without seeing the end marker.
		if l == trimmed {
			break
		}
		files = append(files, trimmed)
	}
	return nil, fmt.Errorf("untracked-conflict report missing %q marker", untrackedEndMarker)
}
