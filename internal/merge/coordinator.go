// Package merge serializes branch integration into the trunk. Exactly one
// goroutine touches the trunk checkout, so workers never race on it.
package merge

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/executor"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/git"
)

const (
	// DefaultMaxRetries bounds how often one request may be requeued after
	// a recoverable merge failure.
	DefaultMaxRetries = 2

	// breakerThreshold is the number of consecutive terminal failures that
	// pauses the coordinator.
	breakerThreshold = 3

	queueCapacity = 256

	stashMessage = "ll-orch: auto-stash before merge"
)

// ErrPaused is reported for requests processed while the circuit breaker
// is open.
var ErrPaused = fmt.Errorf("merge coordinator paused after %d consecutive failures", breakerThreshold)

// ErrQueueFull is returned by Enqueue when the merge queue cannot accept
// more work.
var ErrQueueFull = fmt.Errorf("merge queue full")

// Event describes a merge request status transition.
type Event struct {
	IssueID string
	Branch  string
	Status  domain.MergeStatus
	Retries int
	SHA     string
	Err     string
}

// Options configures a Coordinator.
type Options struct {
	Trunk      string
	MaxRetries int
	// StateFile is a repo-relative path kept out of the pre-merge stash so
	// checkpoints written during a merge are never swept away.
	StateFile string
	// BackupRoot receives untracked files that a merge would overwrite.
	BackupRoot string
	OnEvent    func(Event)
	Logf       func(format string, args ...any)
}

// Coordinator owns the trunk checkout and merges finished branches into it
// one at a time, in arrival order.
type Coordinator struct {
	repo       *git.Client
	worktrees  *executor.WorktreeManager
	trunk      string
	maxRetries int
	stateFile  string
	backupRoot string
	onEvent    func(Event)
	logf       func(format string, args ...any)

	queue chan *domain.MergeRequest
	stop  chan struct{}
	wg    sync.WaitGroup

	mu          sync.Mutex
	started     bool
	paused      bool
	consecFails int
	lastGood    string
	pending     int
	idle        *sync.Cond

	remoteOnce sync.Once
	hasRemote  bool
}

// NewCoordinator creates a coordinator over the trunk repository backing
// the given worktree manager.
func NewCoordinator(worktrees *executor.WorktreeManager, opts Options) *Coordinator {
	if opts.Trunk == "" {
		opts.Trunk = worktrees.Trunk()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.Logf == nil {
		opts.Logf = log.Printf
	}
	c := &Coordinator{
		repo:       worktrees.Repo(),
		worktrees:  worktrees,
		trunk:      opts.Trunk,
		maxRetries: opts.MaxRetries,
		stateFile:  opts.StateFile,
		backupRoot: opts.BackupRoot,
		onEvent:    opts.OnEvent,
		logf:       opts.Logf,
		queue:      make(chan *domain.MergeRequest, queueCapacity),
		stop:       make(chan struct{}),
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Start launches the merge loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop shuts the loop down after the in-flight request, if any, settles.
// Queued requests that were not processed stay pending in the run state
// and are recovered on resume.
func (c *Coordinator) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// Enqueue adds a finished work result to the merge queue.
func (c *Coordinator) Enqueue(res *domain.WorkResult) error {
	req := domain.NewMergeRequest(res)
	// Count the request before the loop can see it, or a fast settle could
	// drive pending negative and release a concurrent Drain too early.
	c.mu.Lock()
	c.pending++
	c.mu.Unlock()
	select {
	case c.queue <- req:
		return nil
	default:
		c.mu.Lock()
		c.pending--
		c.idle.Broadcast()
		c.mu.Unlock()
		return ErrQueueFull
	}
}

// QueueLength returns the number of requests not yet settled.
func (c *Coordinator) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Drain blocks until every enqueued request reached a terminal status or
// the context is cancelled.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.mu.Lock()
		for c.pending > 0 {
			c.idle.Wait()
		}
		c.mu.Unlock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Paused reports whether the circuit breaker is open.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// ResetBreaker closes the circuit breaker after operator intervention.
func (c *Coordinator) ResetBreaker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = false
	c.consecFails = 0
}

// LastMergedSHA returns the trunk commit of the most recent successful
// merge, or empty when none happened yet.
func (c *Coordinator) LastMergedSHA() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGood
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		case req := <-c.queue:
			c.process(ctx, req)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, req *domain.MergeRequest) {
	if c.Paused() {
		c.settle(req, domain.MergeFailed, "", ErrPaused.Error())
		return
	}

	req.Status = domain.MergeInProgress
	c.emit(req, "", "")

	sha, err := c.attempt(ctx, req)
	if err == nil {
		c.mu.Lock()
		c.consecFails = 0
		c.lastGood = sha
		c.mu.Unlock()
		c.settle(req, domain.MergeSuccess, sha, "")
		c.finalize(ctx, req)
		return
	}

	if rec, ok := err.(*recoverable); ok {
		if req.Retries < c.maxRetries {
			req.Retries++
			req.Status = domain.MergeRetrying
			req.ErrorMessage = rec.reason
			c.emit(req, "", rec.reason)
			c.requeue(req)
			return
		}
		err = fmt.Errorf("retry budget exhausted after %d attempts: %s", req.Retries+1, rec.reason)
	}

	c.mu.Lock()
	c.consecFails++
	if c.consecFails >= breakerThreshold {
		c.paused = true
		c.logf("merge: circuit breaker open after %d consecutive failures", c.consecFails)
	}
	c.mu.Unlock()
	c.settle(req, domain.MergeFailed, "", err.Error())
}

// recoverable marks merge failures worth another attempt after the
// worktree branch was rebased or blocking files were moved aside.
type recoverable struct {
	reason string
}

func (r *recoverable) Error() string { return r.reason }

// attempt performs one merge of the request's branch into the trunk and
// returns the resulting trunk commit.
func (c *Coordinator) attempt(ctx context.Context, req *domain.MergeRequest) (string, error) {
	if err := c.healthCheck(ctx); err != nil {
		return "", fmt.Errorf("trunk health check: %w", err)
	}

	stashed, err := c.stashLocalChanges(ctx)
	if err != nil {
		return "", err
	}
	if stashed {
		defer c.restoreStash(ctx)
	}

	if res, err := c.repo.Run(ctx, "checkout", c.trunk); err != nil {
		return "", fmt.Errorf("checkout %s: %s", c.trunk, res.Combined())
	}
	c.pullTrunk(ctx)

	branch := req.Result.Branch
	msg := fmt.Sprintf("Merge %s: %s", branch, req.Result.IssueID)
	res, err := c.repo.Run(ctx, "merge", "--no-ff", "-m", msg, branch)
	if err == nil {
		return c.repo.Head(ctx)
	}

	switch git.Classify(res) {
	case git.FaultUntrackedOverwrite:
		return "", c.backupUntracked(ctx, req, res)
	case git.FaultMergeConflict, git.FaultUnmergedIndex:
		return "", c.resolveByRebase(ctx, req)
	default:
		c.repo.Run(ctx, "merge", "--abort")
		return "", fmt.Errorf("merge %s: %s", branch, res.Combined())
	}
}

// healthCheck clears wreckage a previous crash may have left in the trunk
// checkout before any new merge starts.
func (c *Coordinator) healthCheck(ctx context.Context) error {
	gitDir, err := c.repo.Output(ctx, "rev-parse", "--absolute-git-dir")
	if err != nil {
		return err
	}

	if fileExists(filepath.Join(gitDir, "MERGE_HEAD")) {
		c.logf("merge: aborting merge left behind by a previous run")
		c.repo.Run(ctx, "merge", "--abort")
	}
	if fileExists(filepath.Join(gitDir, "rebase-merge")) || fileExists(filepath.Join(gitDir, "rebase-apply")) {
		c.logf("merge: aborting rebase left behind by a previous run")
		c.repo.Run(ctx, "rebase", "--abort")
	}

	unmerged, err := c.repo.UnmergedFiles(ctx)
	if err != nil {
		return err
	}
	if len(unmerged) > 0 {
		target := c.LastMergedSHA()
		if target == "" {
			target = "HEAD"
		}
		c.logf("merge: resetting %d unmerged paths to %s", len(unmerged), target)
		if res, err := c.repo.Run(ctx, "reset", "--hard", target); err != nil {
			return fmt.Errorf("reset unmerged index: %s", res.Combined())
		}
	}
	return nil
}

// stashLocalChanges parks uncommitted trunk changes, keeping the run state
// file in place.
func (c *Coordinator) stashLocalChanges(ctx context.Context) (bool, error) {
	dirty, err := c.repo.DirtyFiles(ctx)
	if err != nil {
		return false, err
	}
	relevant := dirty[:0]
	for _, f := range dirty {
		if c.stateFile != "" && f == c.stateFile {
			continue
		}
		relevant = append(relevant, f)
	}
	if len(relevant) == 0 {
		return false, nil
	}

	args := []string{"stash", "push", "-u", "-m", stashMessage, "--", "."}
	if c.stateFile != "" {
		args = append(args, ":(exclude)"+c.stateFile)
	}
	res, err := c.repo.Run(ctx, args...)
	if err != nil {
		return false, fmt.Errorf("stash local changes: %s", res.Combined())
	}
	// With the state file excluded the pathspec may match nothing at all.
	if strings.Contains(res.Combined(), "No local changes to save") {
		return false, nil
	}
	return true, nil
}

// restoreStash pops the auto-stash. If the pop conflicts, the merge result
// wins: the working tree is reset and the stash entry stays for manual
// recovery.
func (c *Coordinator) restoreStash(ctx context.Context) {
	res, err := c.repo.Run(ctx, "stash", "pop")
	if err == nil {
		return
	}
	c.logf("merge: stash pop conflicted, keeping merge result (stash entry retained): %s",
		firstLine(res.Combined()))
	c.repo.Run(ctx, "checkout", "--", ".")
	c.repo.Run(ctx, "reset", "--hard", "HEAD")
}

// pullTrunk updates the trunk from its remote when one is configured.
// Failure to pull is logged, not fatal; merging against a stale trunk is
// still correct locally.
func (c *Coordinator) pullTrunk(ctx context.Context) {
	c.remoteOnce.Do(func() {
		out, err := c.repo.Output(ctx, "remote")
		c.hasRemote = err == nil && strings.TrimSpace(out) != ""
	})
	if !c.hasRemote {
		return
	}
	if res, err := c.repo.Run(ctx, "pull", "--rebase"); err != nil {
		c.logf("merge: pull --rebase failed, continuing with local trunk: %s",
			firstLine(res.Combined()))
	}
}

// backupUntracked moves untracked trunk files that block the merge into a
// backup directory, then asks for the request to be retried. An
// unparseable conflict report is a terminal error, never a guess.
func (c *Coordinator) backupUntracked(ctx context.Context, req *domain.MergeRequest, res *git.Result) error {
	files, err := git.ParseUntrackedConflicts(res.Stderr)
	if err != nil {
		return fmt.Errorf("merge blocked by untracked files but conflict report unparseable: %w", err)
	}

	backupDir := filepath.Join(c.backupRoot,
		fmt.Sprintf("%s-%s", strings.ToLower(req.Result.IssueID), uuid.NewString()[:8]))
	for _, f := range files {
		src := filepath.Join(c.repo.Dir(), f)
		dst := filepath.Join(backupDir, f)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("backup untracked %s: %w", f, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("backup untracked %s: %w", f, err)
		}
	}
	c.logf("merge: moved %d untracked files to %s, retrying %s",
		len(files), backupDir, req.Result.IssueID)
	return &recoverable{reason: fmt.Sprintf("untracked files moved to %s", backupDir)}
}

// resolveByRebase aborts the conflicted merge and rebases the issue branch
// onto the current trunk inside its worktree. A clean rebase earns a
// retry; a conflicted one is terminal.
func (c *Coordinator) resolveByRebase(ctx context.Context, req *domain.MergeRequest) error {
	if res, err := c.repo.Run(ctx, "merge", "--abort"); err != nil {
		return fmt.Errorf("abort conflicted merge: %s", res.Combined())
	}

	wt := c.repo.In(req.Result.WorktreePath)
	res, err := wt.Run(ctx, "rebase", c.trunk)
	if err == nil {
		return &recoverable{reason: fmt.Sprintf("branch %s rebased onto %s", req.Result.Branch, c.trunk)}
	}

	wt.Run(ctx, "rebase", "--abort")
	return fmt.Errorf("merge conflict on %s and rebase onto %s also conflicts: %s",
		req.Result.Branch, c.trunk, firstLine(res.Combined()))
}

// finalize cleans up after a successful merge.
func (c *Coordinator) finalize(ctx context.Context, req *domain.MergeRequest) {
	if err := c.worktrees.Remove(ctx, req.Result.WorktreePath); err != nil {
		c.logf("merge: cleanup of %s failed: %v", req.Result.WorktreePath, err)
	}
}

func (c *Coordinator) requeue(req *domain.MergeRequest) {
	select {
	case c.queue <- req:
	default:
		// Queue full while requeueing is effectively a terminal failure.
		c.settle(req, domain.MergeFailed, "", ErrQueueFull.Error())
	}
}

// settle records a terminal status and wakes Drain waiters.
func (c *Coordinator) settle(req *domain.MergeRequest, status domain.MergeStatus, sha, errMsg string) {
	req.Status = status
	req.ErrorMessage = errMsg
	c.emit(req, sha, errMsg)

	c.mu.Lock()
	c.pending--
	c.idle.Broadcast()
	c.mu.Unlock()
}

func (c *Coordinator) emit(req *domain.MergeRequest, sha, errMsg string) {
	if c.onEvent == nil {
		return
	}
	c.onEvent(Event{
		IssueID: req.Result.IssueID,
		Branch:  req.Result.Branch,
		Status:  req.Status,
		Retries: req.Retries,
		SHA:     sha,
		Err:     errMsg,
	})
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
