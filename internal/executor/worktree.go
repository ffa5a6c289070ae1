package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/git"
)

// WorktreeManager handles git worktree lifecycle for issue workspaces.
type WorktreeManager struct {
	repo        *git.Client
	worktreeDir string
	trunk       string
	copyFiles   []string // whitelisted files copied from the main checkout
}

// NewWorktreeManager creates a WorktreeManager rooted at the main checkout.
func NewWorktreeManager(repo *git.Client, worktreeDir, trunk string, copyFiles []string) *WorktreeManager {
	return &WorktreeManager{
		repo:        repo,
		worktreeDir: worktreeDir,
		trunk:       trunk,
		copyFiles:   copyFiles,
	}
}

// BranchName derives a unique branch name from the issue id and a timestamp,
// so retries and resumed runs never collide with leftovers.
func BranchName(issueID string, now time.Time) string {
	return fmt.Sprintf("issue/%s-%s", strings.ToLower(issueID), now.Format("20060102-150405"))
}

// IssueBranchPrefix reports whether branch was created by this orchestrator
// for the given issue (any timestamp).
func IssueBranchPrefix(issueID string) string {
	return "issue/" + strings.ToLower(issueID) + "-"
}

// Create makes an isolated worktree on a fresh branch cut from trunk and
// copies identity configuration plus the whitelisted auxiliary files into
// it. Failure here is fatal for the issue; nothing is retried at this layer.
func (m *WorktreeManager) Create(ctx context.Context, issueID string) (wtPath, branch string, err error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", "", fmt.Errorf("creating worktree dir: %w", err)
	}

	now := time.Now()
	branch = BranchName(issueID, now)
	dirName := fmt.Sprintf("%s-%s-%s", strings.ToLower(issueID), now.Format("20060102-150405"), randomSuffix())
	wtPath = filepath.Join(m.worktreeDir, dirName)

	// Stale bookkeeping from crashed runs would otherwise block worktree add.
	m.repo.Run(ctx, "worktree", "prune")

	if _, err := m.repo.Run(ctx, "worktree", "add", "-b", branch, wtPath, m.trunk); err != nil {
		return "", "", fmt.Errorf("git worktree add: %w", err)
	}

	if err := m.copyIdentity(ctx, wtPath); err != nil {
		m.Remove(ctx, wtPath)
		return "", "", fmt.Errorf("copying git identity: %w", err)
	}
	if err := m.copyAuxFiles(wtPath); err != nil {
		m.Remove(ctx, wtPath)
		return "", "", fmt.Errorf("copying auxiliary files: %w", err)
	}

	return wtPath, branch, nil
}

// copyIdentity mirrors user.name/user.email into the worktree's local config
// so agent commits are attributed the same as the main checkout.
func (m *WorktreeManager) copyIdentity(ctx context.Context, wtPath string) error {
	wt := m.repo.In(wtPath)
	for _, key := range []string{"user.name", "user.email"} {
		val, err := m.repo.Output(ctx, "config", key)
		if err != nil || val == "" {
			continue // not configured in the main checkout either
		}
		if _, err := wt.Run(ctx, "config", key, val); err != nil {
			return err
		}
	}
	return nil
}

// copyAuxFiles copies the whitelisted files (local settings, env files)
// that live outside version control but that the agent needs.
func (m *WorktreeManager) copyAuxFiles(wtPath string) error {
	for _, rel := range m.copyFiles {
		src := filepath.Join(m.repo.Dir(), rel)
		if _, err := os.Stat(src); err != nil {
			continue // whitelisted file absent, nothing to copy
		}
		dst := filepath.Join(wtPath, rel)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return err
		}
		if err := copyFile(src, dst); err != nil {
			return fmt.Errorf("copying %s: %w", rel, err)
		}
	}
	return nil
}

// Remove deletes a worktree and its branch.
func (m *WorktreeManager) Remove(ctx context.Context, wtPath string) error {
	branch, _ := m.repo.In(wtPath).CurrentBranch(ctx)

	if _, err := m.repo.Run(ctx, "worktree", "remove", "--force", wtPath); err != nil {
		// Fall back to manual cleanup so a wedged worktree cannot pin disk.
		os.RemoveAll(wtPath)
		m.repo.Run(ctx, "worktree", "prune")
	}

	if branch != "" && branch != "HEAD" {
		m.repo.Run(ctx, "branch", "-D", branch) // branch may be gone already
	}
	return nil
}

// DeleteBranch force-deletes a branch in the main repository.
func (m *WorktreeManager) DeleteBranch(ctx context.Context, branch string) error {
	_, err := m.repo.Run(ctx, "branch", "-D", branch)
	return err
}

// List returns the worktree paths under the managed directory.
func (m *WorktreeManager) List(ctx context.Context) ([]string, error) {
	lines, err := m.repo.Lines(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range lines {
		if strings.HasPrefix(line, "worktree ") {
			path := strings.TrimPrefix(line, "worktree ")
			if strings.HasPrefix(path, m.worktreeDir) {
				paths = append(paths, path)
			}
		}
	}
	return paths, nil
}

// Trunk returns the trunk branch name.
func (m *WorktreeManager) Trunk() string {
	return m.trunk
}

// Repo returns the main checkout's git client.
func (m *WorktreeManager) Repo() *git.Client {
	return m.repo
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func randomSuffix() string {
	b := make([]byte, 3)
	rand.Read(b)
	return hex.EncodeToString(b)
}
