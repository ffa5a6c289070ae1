package merge

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/executor"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/git"
)

const testStateFile = ".ll-orch/state.json"

type harness struct {
	t          *testing.T
	repoDir    string
	backupRoot string
	repo       *git.Client
	mgr        *executor.WorktreeManager
	events     chan Event
	coord      *Coordinator
}

func newHarness(t *testing.T, maxRetries int) *harness {
	t.Helper()
	repoDir := t.TempDir()
	gitCmd(t, repoDir, "init", "-b", "main")
	gitCmd(t, repoDir, "config", "user.email", "test@test.com")
	gitCmd(t, repoDir, "config", "user.name", "Test")
	writeFile(t, repoDir, "README.md", "# Test\n")
	gitCmd(t, repoDir, "add", ".")
	gitCmd(t, repoDir, "commit", "-m", "initial")

	h := &harness{
		t:          t,
		repoDir:    repoDir,
		backupRoot: t.TempDir(),
		repo:       git.New(repoDir, 30*time.Second),
		mgr:        executor.NewWorktreeManager(git.New(repoDir, 30*time.Second), t.TempDir(), "main", nil),
		events:     make(chan Event, 64),
	}
	h.coord = NewCoordinator(h.mgr, Options{
		Trunk:      "main",
		MaxRetries: maxRetries,
		StateFile:  testStateFile,
		BackupRoot: h.backupRoot,
		OnEvent:    func(e Event) { h.events <- e },
		Logf:       t.Logf,
	})
	return h
}

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v failed: %s", args, out)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// makeBranch creates a worktree for the issue, commits the given files on
// its branch, and returns the work result a successful execution would
// hand to the coordinator.
func (h *harness) makeBranch(issueID string, files map[string]string) *domain.WorkResult {
	h.t.Helper()
	wtPath, branch, err := h.mgr.Create(context.Background(), issueID)
	if err != nil {
		h.t.Fatal(err)
	}
	for name, content := range files {
		writeFile(h.t, wtPath, name, content)
	}
	gitCmd(h.t, wtPath, "add", "-A")
	gitCmd(h.t, wtPath, "commit", "-m", issueID)
	return &domain.WorkResult{
		IssueID:      issueID,
		Success:      true,
		Branch:       branch,
		WorktreePath: wtPath,
	}
}

func (h *harness) commitOnTrunk(files map[string]string) {
	h.t.Helper()
	for name, content := range files {
		writeFile(h.t, h.repoDir, name, content)
	}
	gitCmd(h.t, h.repoDir, "add", "-A")
	gitCmd(h.t, h.repoDir, "commit", "-m", "trunk change")
}

// terminalEvent drains events until the issue reaches a terminal status.
func (h *harness) terminalEvent(issueID string) Event {
	h.t.Helper()
	deadline := time.After(30 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.IssueID == issueID && e.Status.Terminal() {
				return e
			}
		case <-deadline:
			h.t.Fatalf("no terminal event for %s", issueID)
		}
	}
}

func (h *harness) run(results ...*domain.WorkResult) {
	h.t.Helper()
	ctx := context.Background()
	h.coord.Start(ctx)
	for _, res := range results {
		if err := h.coord.Enqueue(res); err != nil {
			h.t.Fatal(err)
		}
	}
	if err := h.coord.Drain(ctx); err != nil {
		h.t.Fatal(err)
	}
	h.coord.Stop()
}

func TestMergeDisjointBranches(t *testing.T) {
	h := newHarness(t, 2)
	a := h.makeBranch("FEAT-1", map[string]string{"a.go": "package a\n"})
	b := h.makeBranch("FEAT-2", map[string]string{"b.go": "package b\n"})

	h.run(a, b)

	ea := h.terminalEvent("FEAT-1")
	eb := h.terminalEvent("FEAT-2")
	if ea.Status != domain.MergeSuccess || eb.Status != domain.MergeSuccess {
		t.Fatalf("statuses = %s, %s", ea.Status, eb.Status)
	}

	// Both files landed on trunk.
	for _, name := range []string{"a.go", "b.go"} {
		if _, err := os.Stat(filepath.Join(h.repoDir, name)); err != nil {
			t.Errorf("%s missing from trunk: %v", name, err)
		}
	}

	// Worktrees and branches were cleaned up.
	if _, err := os.Stat(a.WorktreePath); !os.IsNotExist(err) {
		t.Error("worktree for FEAT-1 still exists")
	}
	if h.coord.LastMergedSHA() == "" {
		t.Error("last merged sha not recorded")
	}
}

func TestMergeUntrackedOverwriteBackedUpAndRetried(t *testing.T) {
	h := newHarness(t, 2)
	res := h.makeBranch("FEAT-1", map[string]string{"generated.txt": "from branch\n"})

	// An untracked trunk file with the same path blocks the merge.
	writeFile(t, h.repoDir, "generated.txt", "stale local copy\n")

	h.run(res)

	e := h.terminalEvent("FEAT-1")
	if e.Status != domain.MergeSuccess {
		t.Fatalf("status = %s, err = %s", e.Status, e.Err)
	}
	if e.Retries != 1 {
		t.Errorf("retries = %d, want 1", e.Retries)
	}

	// The branch version won and the local copy was preserved.
	data, err := os.ReadFile(filepath.Join(h.repoDir, "generated.txt"))
	if err != nil || string(data) != "from branch\n" {
		t.Errorf("trunk file = %q, err %v", data, err)
	}
	backups, err := filepath.Glob(filepath.Join(h.backupRoot, "feat-1-*", "generated.txt"))
	if err != nil || len(backups) != 1 {
		t.Fatalf("backup glob = %v, err %v", backups, err)
	}
	saved, _ := os.ReadFile(backups[0])
	if string(saved) != "stale local copy\n" {
		t.Errorf("backup content = %q", saved)
	}
}

func TestMergeRetryBudgetExhausted(t *testing.T) {
	h := newHarness(t, 0)
	res := h.makeBranch("FEAT-1", map[string]string{"generated.txt": "from branch\n"})
	writeFile(t, h.repoDir, "generated.txt", "stale local copy\n")

	h.run(res)

	e := h.terminalEvent("FEAT-1")
	if e.Status != domain.MergeFailed {
		t.Fatalf("status = %s, want failed", e.Status)
	}
	if !strings.Contains(e.Err, "retry budget exhausted") {
		t.Errorf("err = %q", e.Err)
	}
}

func TestMergeConflictResolvedByRebase(t *testing.T) {
	h := newHarness(t, 2)
	h.commitOnTrunk(map[string]string{"notes.txt": "alpha\n"})

	// The branch declares a union merge driver for notes.txt before
	// changing it. Merging into trunk conflicts (trunk's checkout has no
	// such attribute), but replaying the branch onto trunk picks the
	// attribute up from the first commit and rebases cleanly.
	wtPath, branch, err := h.mgr.Create(context.Background(), "FEAT-1")
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, wtPath, ".gitattributes", "notes.txt merge=union\n")
	gitCmd(t, wtPath, "add", "-A")
	gitCmd(t, wtPath, "commit", "-m", "merge driver")
	writeFile(t, wtPath, "notes.txt", "branch line\n")
	gitCmd(t, wtPath, "add", "-A")
	gitCmd(t, wtPath, "commit", "-m", "FEAT-1")
	res := &domain.WorkResult{
		IssueID:      "FEAT-1",
		Success:      true,
		Branch:       branch,
		WorktreePath: wtPath,
	}

	h.commitOnTrunk(map[string]string{"notes.txt": "trunk line\n"})

	h.run(res)

	e := h.terminalEvent("FEAT-1")
	if e.Status != domain.MergeSuccess {
		t.Fatalf("status = %s, err = %s", e.Status, e.Err)
	}
	if e.Retries != 1 {
		t.Errorf("retries = %d, want 1", e.Retries)
	}

	// The union driver kept both sides.
	data, err := os.ReadFile(filepath.Join(h.repoDir, "notes.txt"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"trunk line", "branch line"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("notes.txt = %q, missing %q", data, want)
		}
	}

	// Success cleans up the worktree as usual.
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("worktree still exists after merged retry")
	}
}

func TestMergeConflictTerminalWhenRebaseConflicts(t *testing.T) {
	h := newHarness(t, 2)
	res := h.makeBranch("FEAT-1", map[string]string{"README.md": "# Branch version\n"})
	h.commitOnTrunk(map[string]string{"README.md": "# Trunk version\n"})

	h.run(res)

	e := h.terminalEvent("FEAT-1")
	if e.Status != domain.MergeFailed {
		t.Fatalf("status = %s, want failed", e.Status)
	}
	if !strings.Contains(e.Err, "rebase") {
		t.Errorf("err = %q, should mention the rebase attempt", e.Err)
	}

	// The trunk checkout is clean: no merge in progress, no conflict markers.
	ctx := context.Background()
	unmerged, err := h.repo.UnmergedFiles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(unmerged) != 0 {
		t.Errorf("unmerged paths left on trunk: %v", unmerged)
	}

	// The worktree survives for manual conflict resolution.
	if _, err := os.Stat(res.WorktreePath); err != nil {
		t.Error("worktree removed despite failed merge")
	}
}

func TestMergeStashPreservesTrunkChanges(t *testing.T) {
	h := newHarness(t, 2)
	res := h.makeBranch("FEAT-1", map[string]string{"a.go": "package a\n"})

	// Uncommitted tracked change plus the run state file, which must be
	// left out of the stash.
	writeFile(t, h.repoDir, "README.md", "# Edited locally\n")
	writeFile(t, h.repoDir, testStateFile, `{"run_id":"r1"}`)

	h.run(res)

	e := h.terminalEvent("FEAT-1")
	if e.Status != domain.MergeSuccess {
		t.Fatalf("status = %s, err = %s", e.Status, e.Err)
	}

	data, _ := os.ReadFile(filepath.Join(h.repoDir, "README.md"))
	if string(data) != "# Edited locally\n" {
		t.Errorf("local edit lost: %q", data)
	}
	state, _ := os.ReadFile(filepath.Join(h.repoDir, testStateFile))
	if string(state) != `{"run_id":"r1"}` {
		t.Errorf("state file touched by stash: %q", state)
	}
}

func TestMergeHealthCheckClearsLeftoverMerge(t *testing.T) {
	h := newHarness(t, 2)
	res := h.makeBranch("FEAT-1", map[string]string{"a.go": "package a\n"})

	// Fake a crashed merge on the trunk checkout.
	conflicted := h.makeBranch("WRECK-1", map[string]string{"README.md": "# Wrecked\n"})
	h.commitOnTrunk(map[string]string{"README.md": "# Moved on\n"})
	cmd := exec.Command("git", "merge", "--no-ff", conflicted.Branch)
	cmd.Dir = h.repoDir
	if err := cmd.Run(); err == nil {
		t.Fatal("setup merge unexpectedly succeeded")
	}

	h.run(res)

	e := h.terminalEvent("FEAT-1")
	if e.Status != domain.MergeSuccess {
		t.Fatalf("status = %s, err = %s", e.Status, e.Err)
	}
}

func TestEnqueueFullQueueLeavesPendingBalanced(t *testing.T) {
	h := newHarness(t, 2)

	// The loop is never started, so requests pile up until the queue
	// rejects. The pending counter must match exactly what was accepted.
	accepted := 0
	for i := 0; i < queueCapacity+1; i++ {
		err := h.coord.Enqueue(&domain.WorkResult{IssueID: "FILL", Success: true})
		if err != nil {
			if err != ErrQueueFull {
				t.Fatalf("err = %v, want ErrQueueFull", err)
			}
			break
		}
		accepted++
	}
	if accepted != queueCapacity {
		t.Fatalf("accepted = %d, want %d", accepted, queueCapacity)
	}
	if got := h.coord.QueueLength(); got != queueCapacity {
		t.Errorf("pending = %d after rejected enqueue, want %d", got, queueCapacity)
	}
}

func TestMergeCircuitBreaker(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	h.coord.Start(ctx)

	// Results pointing at branches that do not exist fail terminally.
	for i, id := range []string{"BAD-1", "BAD-2", "BAD-3"} {
		res := &domain.WorkResult{
			IssueID:      id,
			Success:      true,
			Branch:       "issue/no-such-branch",
			WorktreePath: t.TempDir(),
		}
		if err := h.coord.Enqueue(res); err != nil {
			t.Fatal(err)
		}
		e := h.terminalEvent(id)
		if e.Status != domain.MergeFailed {
			t.Fatalf("request %d: status = %s", i, e.Status)
		}
	}

	if !h.coord.Paused() {
		t.Fatal("breaker not open after three consecutive failures")
	}

	// While paused, fresh requests fail immediately without touching git.
	good := h.makeBranch("FEAT-1", map[string]string{"a.go": "package a\n"})
	if err := h.coord.Enqueue(good); err != nil {
		t.Fatal(err)
	}
	e := h.terminalEvent("FEAT-1")
	if e.Status != domain.MergeFailed || !strings.Contains(e.Err, "paused") {
		t.Fatalf("paused coordinator processed work: %+v", e)
	}

	// After a reset the same branch merges.
	h.coord.ResetBreaker()
	good2 := h.makeBranch("FEAT-2", map[string]string{"b.go": "package b\n"})
	if err := h.coord.Enqueue(good2); err != nil {
		t.Fatal(err)
	}
	if e := h.terminalEvent("FEAT-2"); e.Status != domain.MergeSuccess {
		t.Fatalf("post-reset merge: %+v", e)
	}
	h.coord.Stop()
}
