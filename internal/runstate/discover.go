package runstate

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/executor"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/git"
)

// DiscoverPending scans the worktree directory for leftovers of a previous
// run: worktrees whose branch carries commits the trunk does not have, or
// whose tree holds uncommitted changes. Worktrees are inspected in
// parallel; results come back in path order.
func DiscoverPending(ctx context.Context, mgr *executor.WorktreeManager) ([]domain.PendingWorktree, error) {
	paths, err := mgr.List(ctx)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var pending []domain.PendingWorktree

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			wt := mgr.Repo().In(path)
			info, err := inspect(gctx, wt, mgr.Trunk(), path)
			if err != nil {
				return err
			}
			if info == nil {
				return nil
			}
			mu.Lock()
			pending = append(pending, *info)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Path < pending[j].Path })
	return pending, nil
}

func inspect(ctx context.Context, wt *git.Client, trunk, path string) (*domain.PendingWorktree, error) {
	branch, err := wt.CurrentBranch(ctx)
	if err != nil {
		return nil, err
	}
	ahead, err := wt.CommitsAhead(ctx, trunk, "HEAD")
	if err != nil {
		return nil, err
	}
	dirty, err := wt.DirtyFiles(ctx)
	if err != nil {
		return nil, err
	}
	if ahead == 0 && len(dirty) == 0 {
		return nil, nil
	}
	return &domain.PendingWorktree{
		Path:         path,
		Branch:       branch,
		CommitsAhead: ahead,
		DirtyFiles:   dirty,
	}, nil
}
