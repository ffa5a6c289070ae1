package git

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout bounds a single git invocation. Every call the orchestrator
// makes goes through Run, so a wedged git process can never hang the run.
const DefaultTimeout = 2 * time.Minute

// Result captures one git invocation.
type Result struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined returns stdout and stderr joined, for error reporting.
func (r *Result) Combined() string {
	return strings.TrimSpace(r.Stdout + "\n" + r.Stderr)
}

// Client runs git commands in a fixed directory with a per-call timeout.
type Client struct {
	dir     string
	timeout time.Duration
}

// New creates a Client rooted at dir. A zero timeout uses DefaultTimeout.
func New(dir string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{dir: dir, timeout: timeout}
}

// Dir returns the directory the client operates in.
func (c *Client) Dir() string {
	return c.dir
}

// In returns a Client with the same timeout rooted at a different directory.
// Used for running commands inside a worktree instead of the main checkout.
func (c *Client) In(dir string) *Client {
	return &Client{dir: dir, timeout: c.timeout}
}

// Run executes git with the given arguments. The returned Result is non-nil
// even on failure so callers can inspect stderr.
func (c *Client) Run(ctx context.Context, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.dir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	res := &Result{
		Args:   args,
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("git %s timed out after %s", args[0], c.timeout)
	}
	if err != nil {
		return res, fmt.Errorf("git %s: %w: %s", args[0], err, res.Combined())
	}
	return res, nil
}

// Output runs git and returns trimmed stdout.
func (c *Client) Output(ctx context.Context, args ...string) (string, error) {
	res, err := c.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Lines runs git and splits trimmed stdout into lines, dropping empties.
func (c *Client) Lines(ctx context.Context, args ...string) ([]string, error) {
	out, err := c.Output(ctx, args...)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimRight(l, "\r"); l != "" {
			lines = append(lines, l)
		}
	}
	return lines, nil
}

// CurrentBranch returns the checked-out branch name.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	return c.Output(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Head returns the current commit SHA.
func (c *Client) Head(ctx context.Context) (string, error) {
	return c.Output(ctx, "rev-parse", "HEAD")
}

// DirtyFiles returns paths with uncommitted or untracked changes.
func (c *Client) DirtyFiles(ctx context.Context) ([]string, error) {
	lines, err := c.Lines(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, l := range lines {
		if len(l) > 3 {
			files = append(files, strings.TrimSpace(l[3:]))
		}
	}
	return files, nil
}

// UnmergedFiles returns paths the index still marks as conflicted.
func (c *Client) UnmergedFiles(ctx context.Context) ([]string, error) {
	lines, err := c.Lines(ctx, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, l := range lines {
		if len(l) < 4 {
			continue
		}
		// Unmerged entries use U in either column, or both columns A/D.
		xy := l[:2]
		if strings.ContainsRune(xy, 'U') || xy == "AA" || xy == "DD" {
			files = append(files, strings.TrimSpace(l[3:]))
		}
	}
	return files, nil
}

// CommitsAhead returns how many commits branch has on top of base.
func (c *Client) CommitsAhead(ctx context.Context, base, branch string) (int, error) {
	out, err := c.Output(ctx, "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, err
	}
	var n int
	if _, err := fmt.Sscanf(out, "%d", &n); err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", out, err)
	}
	return n, nil
}

// ChangedFiles returns files that differ between base and branch.
func (c *Client) ChangedFiles(ctx context.Context, base, branch string) ([]string, error) {
	return c.Lines(ctx, "diff", "--name-only", base+"..."+branch)
}
