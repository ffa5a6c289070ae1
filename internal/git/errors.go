package git

import "strings"

// FaultKind categorizes a failed git operation by its stderr text.
type FaultKind int

const (
	FaultUnknown FaultKind = iota
	// FaultLocalChanges: checkout/pull blocked by uncommitted local changes.
	FaultLocalChanges
	// FaultUntrackedOverwrite: merge would clobber untracked files.
	FaultUntrackedOverwrite
	// FaultMergeConflict: a true content conflict.
	FaultMergeConflict
	// FaultUnmergedIndex: the index still holds unmerged entries from an
	// earlier interrupted merge or rebase.
	FaultUnmergedIndex
	// FaultIndexLocked: another process holds (or left behind) index.lock.
	FaultIndexLocked
)

func (k FaultKind) String() string {
	switch k {
	case FaultLocalChanges:
		return "local-changes"
	case FaultUntrackedOverwrite:
		return "untracked-overwrite"
	case FaultMergeConflict:
		return "merge-conflict"
	case FaultUnmergedIndex:
		return "unmerged-index"
	case FaultIndexLocked:
		return "index-locked"
	default:
		return "unknown"
	}
}

// classifyTable maps known git stderr substrings to fault kinds. Order
// matters: the first match wins, and more specific messages come first.
// This is the only place in the codebase that interprets git error text;
// if git ever grows structured errors, swap this table out.
var classifyTable = []struct {
	substr string
	kind   FaultKind
}{
	{"untracked working tree files would be overwritten", FaultUntrackedOverwrite},
	{"Your local changes to the following files would be overwritten", FaultLocalChanges},
	{"cannot pull with rebase: You have unstaged changes", FaultLocalChanges},
	{"Please commit your changes or stash them", FaultLocalChanges},
	{"Automatic merge failed; fix conflicts", FaultMergeConflict},
	{"CONFLICT (", FaultMergeConflict},
	{"could not apply", FaultMergeConflict},
	{"you have unmerged files", FaultUnmergedIndex},
	{"needs merge", FaultUnmergedIndex},
	{"Unmerged paths", FaultUnmergedIndex},
	{"is not possible because you have unmerged files", FaultUnmergedIndex},
	{"index.lock': File exists", FaultIndexLocked},
	{"Unable to create", FaultIndexLocked},
}

// Classify maps a git invocation's output to a FaultKind. It checks both
// stderr and stdout since git splits conflict reports across the two.
func Classify(res *Result) FaultKind {
	if res == nil {
		return FaultUnknown
	}
	text := res.Stderr + "\n" + res.Stdout
	for _, e := range classifyTable {
		if strings.Contains(text, e.substr) {
			return e.kind
		}
	}
	return FaultUnknown
}
