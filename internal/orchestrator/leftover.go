package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstate"
)

// handleLeftovers applies the configured policy to worktrees a previous
// run left behind before any new work starts.
func (o *Orchestrator) handleLeftovers(ctx context.Context) error {
	pending, err := runstate.DiscoverPending(ctx, o.worktrees)
	if err != nil {
		return fmt.Errorf("scanning leftover worktrees: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	switch o.cfg.Run.LeftoverPolicy {
	case config.LeftoverCleanStart:
		for _, p := range pending {
			o.logf("leftover: discarding %s (%s, %d commits ahead)", p.Path, p.Branch, p.CommitsAhead)
			if err := o.worktrees.Remove(ctx, p.Path); err != nil {
				return fmt.Errorf("discarding leftover worktree %s: %w", p.Path, err)
			}
		}

	case config.LeftoverMergePending:
		for _, p := range pending {
			if p.CommitsAhead == 0 {
				// Uncommitted scraps only; nothing mergeable.
				o.logf("leftover: ignoring %s, only uncommitted changes", p.Path)
				continue
			}
			id := issueIDFromBranch(p.Branch)
			o.logf("leftover: queueing %s for merge (%s)", p.Branch, id)
			res := &domain.WorkResult{
				IssueID:      id,
				Success:      true,
				Branch:       p.Branch,
				WorktreePath: p.Path,
			}
			o.mu.Lock()
			o.state.MarkPendingMerge(id)
			o.pendingResults[id] = res
			o.mu.Unlock()
			if err := o.merger.Enqueue(res); err != nil {
				return fmt.Errorf("queueing leftover branch %s: %w", p.Branch, err)
			}
		}

	default: // config.LeftoverIgnore
		for _, p := range pending {
			o.logf("leftover: %s on %s (%d commits ahead, %d dirty files), leaving in place",
				p.Path, p.Branch, p.CommitsAhead, len(p.DirtyFiles))
		}
	}
	return nil
}

// issueIDFromBranch recovers the issue id from a branch named
// issue/<id>-<date>-<time>.
func issueIDFromBranch(branch string) string {
	name := strings.TrimPrefix(branch, "issue/")
	parts := strings.Split(name, "-")
	if len(parts) > 2 {
		parts = parts[:len(parts)-2]
	}
	return strings.ToUpper(strings.Join(parts, "-"))
}
