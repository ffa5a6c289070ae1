package executor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/command"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
)

// TimeoutExitCode is recorded when an agent command is killed at its
// deadline, mirroring the shell convention for timed-out commands.
const TimeoutExitCode = 124

// ProcessRegistry tracks live agent subprocesses. The worker pool implements
// it so forced termination can reach every running command.
type ProcessRegistry interface {
	Register(issueID string, proc *os.Process)
	Deregister(issueID string)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	CommandPrefix string
	Validate      command.Template
	Implement     command.Template
	Timeout       time.Duration
	Policy        VerifyPolicy
	StreamOutput  bool
	Registry      ProcessRegistry // optional
}

// Runner executes exactly one issue to completion or failure, fully
// isolated in its own worktree. Faults are reported in the WorkResult and
// never retried at this layer.
type Runner struct {
	worktrees *WorktreeManager
	cfg       RunnerConfig
}

// NewRunner creates a Runner.
func NewRunner(worktrees *WorktreeManager, cfg RunnerConfig) *Runner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Runner{worktrees: worktrees, cfg: cfg}
}

// Run executes one issue: workspace setup, validate, implement, diff,
// verification. On terminal failure the workspace is left intact for
// postmortem; cleanup happens via the merge path or an explicit wipe.
func (r *Runner) Run(ctx context.Context, issue domain.Issue) *domain.WorkResult {
	res := &domain.WorkResult{IssueID: issue.ID}
	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	setupStart := time.Now()
	wtPath, branch, err := r.worktrees.Create(ctx, issue.ID)
	res.Timing.Setup = time.Since(setupStart)
	if err != nil {
		return fail(res, domain.FaultSetup, err)
	}
	res.WorktreePath = wtPath
	res.Branch = branch

	vals := command.Values{ID: issue.ID, Category: issue.Category, Action: issue.Action}

	validateStart := time.Now()
	out := r.runAgent(ctx, issue.ID, wtPath, command.Line(r.cfg.CommandPrefix, r.cfg.Validate, vals))
	res.Timing.Validate = time.Since(validateStart)
	res.Stdout = out.stdout
	res.Stderr = out.stderr
	if out.err != nil {
		return fail(res, domain.FaultValidate, out.err)
	}

	verdict, err := ParseVerdict(out.stdout)
	if err != nil {
		return fail(res, domain.FaultValidate, err)
	}
	if verdict.CorrectedPath != "" {
		res.AutoCorrected = true
	}

	switch verdict.Verdict {
	case domain.VerdictNotReady:
		reason := "issue not ready for implementation"
		if len(verdict.Concerns) > 0 {
			reason += ": " + strings.Join(verdict.Concerns, "; ")
		}
		return fail(res, domain.FaultValidate, fmt.Errorf("%s", reason))
	case domain.VerdictClose:
		// No implementation needed; resolve with the closure reason.
		res.Success = true
		res.ShouldClose = true
		res.CloseReason = verdict.CloseReason
		res.CloseStatus = verdict.CloseStatus
		return res
	}

	implementStart := time.Now()
	out = r.runAgent(ctx, issue.ID, wtPath, command.Line(r.cfg.CommandPrefix, r.cfg.Implement, vals))
	res.Timing.Implement = time.Since(implementStart)
	res.Stdout += out.stdout
	res.Stderr += out.stderr
	if out.err != nil {
		return fail(res, domain.FaultImplement, out.err)
	}

	wt := r.worktrees.Repo().In(wtPath)

	// Agents are expected to commit; sweep up anything they left dirty so
	// the branch carries the full change set.
	if dirty, _ := wt.DirtyFiles(ctx); len(dirty) > 0 {
		wt.Run(ctx, "add", "-A")
		wt.Run(ctx, "commit", "-m", fmt.Sprintf("%s: %s", issue.ID, issue.Action))
	}

	changed, err := wt.ChangedFiles(ctx, r.worktrees.Trunk(), "HEAD")
	if err != nil {
		return fail(res, domain.FaultInternal, fmt.Errorf("diffing against trunk: %w", err))
	}
	res.ChangedFiles = changed

	// Anything dirty in the main checkout means the agent escaped its
	// sandbox; report it, the files stay where they are.
	if leaked, err := r.worktrees.Repo().DirtyFiles(ctx); err == nil {
		res.LeakedFiles = leaked
	}

	if err := r.cfg.Policy.Check(changed); err != nil {
		return fail(res, domain.FaultVerify, fmt.Errorf("verification: %w", err))
	}

	res.Success = true
	return res
}

func fail(res *domain.WorkResult, fault domain.FaultClass, err error) *domain.WorkResult {
	res.Success = false
	res.Fault = fault
	res.Err = err.Error()
	return res
}

type agentOutput struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
	err      error
}

// runAgent runs one external agent command inside the worktree with the
// configured timeout. The process is registered for the whole time it is
// alive so pool-level termination never misses it.
func (r *Runner) runAgent(ctx context.Context, issueID, dir, line string) agentOutput {
	cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "sh", "-c", line)
	cmd.Dir = dir

	var stdout, stderr strings.Builder
	if r.cfg.StreamOutput {
		cmd.Stdout = io.MultiWriter(&stdout, os.Stdout)
		cmd.Stderr = io.MultiWriter(&stderr, os.Stderr)
	} else {
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
	}

	if err := cmd.Start(); err != nil {
		return agentOutput{err: fmt.Errorf("starting agent command: %w", err)}
	}

	if r.cfg.Registry != nil {
		r.cfg.Registry.Register(issueID, cmd.Process)
	}
	waitErr := cmd.Wait()
	if r.cfg.Registry != nil {
		r.cfg.Registry.Deregister(issueID)
	}

	out := agentOutput{
		stdout: stdout.String(),
		stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		out.exitCode = cmd.ProcessState.ExitCode()
	}

	if cctx.Err() == context.DeadlineExceeded {
		out.timedOut = true
		out.exitCode = TimeoutExitCode
		out.err = fmt.Errorf("agent command timed out after %s", r.cfg.Timeout)
		return out
	}
	if waitErr != nil {
		out.err = fmt.Errorf("agent command failed (exit %d): %s", out.exitCode, firstLine(out.stderr))
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
