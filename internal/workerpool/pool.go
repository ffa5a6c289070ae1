// Package workerpool runs issue executions concurrently, bounded by a fixed
// limit, and keeps a registry of live agent subprocesses so the whole pool
// can be terminated without leaking children.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
)

// DefaultGrace is how long TerminateAll waits between the graceful signal
// and the force kill.
const DefaultGrace = 5 * time.Second

// ErrNotStarted is returned by Submit before Start or after Shutdown.
var ErrNotStarted = errors.New("worker pool not accepting work")

// Executor runs one issue to completion. The pool treats it as opaque.
type Executor interface {
	Run(ctx context.Context, issue domain.Issue) *domain.WorkResult
}

// Callback is invoked exactly once per submitted issue, after the execution
// settles, even when the execution panicked.
type Callback func(*domain.WorkResult)

// Pool is a bounded concurrent executor.
type Pool struct {
	runner Executor
	limit  int
	grace  time.Duration

	sem chan struct{}
	wg  sync.WaitGroup

	// active counts items from submission until their callback returns.
	// The orchestrator gates on this, not on running goroutines, so a slot
	// is never reused before the previous item's bookkeeping finished.
	active atomic.Int64

	mu       sync.Mutex
	started  bool
	draining bool

	// procs maps issue id to its live agent process. Registration brackets
	// the subprocess tightly: registered right before the command starts,
	// deregistered right after it exits.
	procMu sync.Mutex
	procs  map[string]*os.Process
}

// New creates a pool running at most limit executions concurrently.
func New(runner Executor, limit int) *Pool {
	if limit < 1 {
		limit = 1
	}
	return &Pool{
		runner: runner,
		limit:  limit,
		grace:  DefaultGrace,
		sem:    make(chan struct{}, limit),
		procs:  make(map[string]*os.Process),
	}
}

// SetExecutor replaces the executor. Needed because the pool doubles as
// the process registry the executor reports into, so the two are wired
// after construction. Must be called before Start.
func (p *Pool) SetExecutor(e Executor) {
	p.runner = e
}

// Start makes the pool accept submissions.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.started = true
	p.draining = false
}

// Limit returns the concurrency bound.
func (p *Pool) Limit() int {
	return p.limit
}

// ActiveCount returns the number of items currently executing or whose
// completion callback has not yet finished.
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// Submit schedules an issue. The callback runs exactly once after the
// execution settles; an execution panic is converted into a failed
// WorkResult rather than propagated.
func (p *Pool) Submit(ctx context.Context, issue domain.Issue, cb Callback) error {
	p.mu.Lock()
	if !p.started || p.draining {
		p.mu.Unlock()
		return ErrNotStarted
	}
	p.mu.Unlock()

	p.active.Add(1)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)

		p.sem <- struct{}{}
		defer func() { <-p.sem }()

		res := p.runSafely(ctx, issue)
		if cb != nil {
			cb(res)
		}
	}()

	return nil
}

// runSafely executes the issue, converting panics into failed results so
// one item's internal fault never aborts the pool.
func (p *Pool) runSafely(ctx context.Context, issue domain.Issue) (res *domain.WorkResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &domain.WorkResult{
				IssueID: issue.ID,
				Success: false,
				Fault:   domain.FaultInternal,
				Err:     fmt.Sprintf("unexpected fault: %v", r),
			}
		}
	}()
	return p.runner.Run(ctx, issue)
}

// Register records a live agent process for an issue. Implements
// executor.ProcessRegistry.
func (p *Pool) Register(issueID string, proc *os.Process) {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	p.procs[issueID] = proc
}

// Deregister removes an issue's process entry after the command exits.
func (p *Pool) Deregister(issueID string) {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	delete(p.procs, issueID)
}

// TrackedProcesses returns the ids with a live registered process.
func (p *Pool) TrackedProcesses() []string {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	ids := make([]string, 0, len(p.procs))
	for id := range p.procs {
		ids = append(ids, id)
	}
	return ids
}

// TerminateAll sends SIGTERM to every tracked process, waits up to the
// grace window for natural exits, then SIGKILLs survivors. It never blocks
// longer than the grace window plus one poll interval.
func (p *Pool) TerminateAll() {
	p.procMu.Lock()
	targets := make(map[string]*os.Process, len(p.procs))
	for id, proc := range p.procs {
		targets[id] = proc
	}
	p.procMu.Unlock()

	if len(targets) == 0 {
		return
	}

	for _, proc := range targets {
		proc.Signal(syscall.SIGTERM) // process may have exited already
	}

	deadline := time.Now().Add(p.grace)
	for time.Now().Before(deadline) {
		if p.allDeregistered(targets) {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Survivors ignored the graceful signal.
	p.procMu.Lock()
	defer p.procMu.Unlock()
	for id := range targets {
		if proc, ok := p.procs[id]; ok {
			proc.Kill()
		}
	}
}

func (p *Pool) allDeregistered(targets map[string]*os.Process) bool {
	p.procMu.Lock()
	defer p.procMu.Unlock()
	for id := range targets {
		if _, ok := p.procs[id]; ok {
			return false
		}
	}
	return true
}

// Shutdown stops accepting work. With wait=true it blocks until in-flight
// items finish naturally; otherwise it terminates tracked processes first.
func (p *Pool) Shutdown(wait bool) {
	p.mu.Lock()
	p.draining = true
	p.mu.Unlock()

	if !wait {
		p.TerminateAll()
	}
	p.wg.Wait()
}

// SetGrace overrides the termination grace window (used in tests).
func (p *Pool) SetGrace(d time.Duration) {
	p.grace = d
}
