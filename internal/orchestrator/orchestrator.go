// Package orchestrator drives a full run: it admits issues from waves,
// fans them out over the worker pool, funnels finished branches through
// the merge coordinator and checkpoints progress after every transition.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/command"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/executor"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/git"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/merge"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstate"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstore"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/workerpool"
)

// Deps carries the optional collaborators of an Orchestrator.
type Deps struct {
	History  *runstore.Store
	Notifier Notifier
	OnEvent  func(Event)
	Logf     func(format string, args ...any)
}

// Orchestrator coordinates one run at a time over a fixed project.
type Orchestrator struct {
	cfg       *config.Config
	worktrees *executor.WorktreeManager
	pool      *workerpool.Pool
	merger    *merge.Coordinator
	states    *runstate.Store
	history   *runstore.Store
	notifier  Notifier
	onEvent   func(Event)
	logf      func(format string, args ...any)

	// forceCtx outlives graceful cancellation: agent commands keep running
	// on the first stop signal and die only on ForceStop.
	forceCtx    context.Context
	forceCancel context.CancelFunc

	results     chan *domain.WorkResult
	mergeEvents chan merge.Event

	mu             sync.Mutex
	state          *domain.RunState
	running        bool
	curWave        string
	closed         []string
	admitted       int
	waveOf         map[string]string
	pendingResults map[string]*domain.WorkResult
	retried        map[string]bool
}

// New builds an orchestrator from configuration. The project root must be
// a git repository with the configured trunk branch checked out somewhere.
func New(cfg *config.Config, deps Deps) (*Orchestrator, error) {
	if cfg.General.ProjectRoot == "" {
		return nil, fmt.Errorf("project_root is not configured")
	}

	validate, err := command.Parse(cfg.Agent.ValidateTemplate)
	if err != nil {
		return nil, fmt.Errorf("validate_template: %w", err)
	}
	implement, err := command.Parse(cfg.Agent.ImplementTemplate)
	if err != nil {
		return nil, fmt.Errorf("implement_template: %w", err)
	}

	logf := deps.Logf
	if logf == nil {
		logf = log.Printf
	}

	repo := git.New(cfg.General.ProjectRoot, git.DefaultTimeout)
	worktrees := executor.NewWorktreeManager(repo, cfg.General.WorktreeDir,
		cfg.General.TrunkBranch, cfg.Run.CopyFiles)

	pool := workerpool.New(nil, cfg.Run.Concurrency)
	runner := executor.NewRunner(worktrees, executor.RunnerConfig{
		CommandPrefix: cfg.Agent.CommandPrefix,
		Validate:      validate,
		Implement:     implement,
		Timeout:       time.Duration(cfg.Run.IssueTimeoutMinutes) * time.Minute,
		Policy:        executor.DefaultVerifyPolicy(cfg.Run.RequireCodeChanges),
		StreamOutput:  cfg.Run.StreamOutput,
		Registry:      pool,
	})
	pool.SetExecutor(runner)

	o := &Orchestrator{
		cfg:            cfg,
		worktrees:      worktrees,
		pool:           pool,
		states:         runstate.NewStore(cfg.General.StatePath),
		history:        deps.History,
		notifier:       deps.Notifier,
		onEvent:        deps.OnEvent,
		logf:           logf,
		results:        make(chan *domain.WorkResult, cfg.Run.Concurrency*2),
		mergeEvents:    make(chan merge.Event, 1024),
		waveOf:         make(map[string]string),
		pendingResults: make(map[string]*domain.WorkResult),
		retried:        make(map[string]bool),
	}

	o.merger = merge.NewCoordinator(worktrees, merge.Options{
		Trunk:      cfg.General.TrunkBranch,
		MaxRetries: cfg.Run.MaxMergeRetries,
		StateFile:  stateFileRel(cfg.General.ProjectRoot, cfg.General.StatePath),
		BackupRoot: filepath.Join(cfg.General.WorktreeDir, ".merge-backups"),
		OnEvent:    func(e merge.Event) { o.mergeEvents <- e },
		Logf:       logf,
	})

	return o, nil
}

// stateFileRel returns the state file path relative to the repository, or
// empty when it lives outside it.
func stateFileRel(root, statePath string) string {
	rel, err := filepath.Rel(root, statePath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	return rel
}

// Run executes all waves from scratch.
func (o *Orchestrator) Run(ctx context.Context, waves []domain.Wave, waveFile string) (*Summary, error) {
	runID := time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
	return o.execute(ctx, waves, waveFile, domain.NewRunState(runID))
}

// Resume continues an interrupted run from its checkpoint. Issues already
// completed are skipped; issues that were mid-flight or failed run again.
func (o *Orchestrator) Resume(ctx context.Context, waves []domain.Wave, waveFile string) (*Summary, error) {
	st, err := o.states.Load()
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}
	// In-progress entries were interrupted; they are re-admitted below.
	for id := range st.InProgress {
		delete(st.InProgress, id)
	}
	o.logf("resuming run %s: %d completed, %d failed, %d pending merge",
		st.RunID, len(st.Completed), len(st.Failed), len(st.PendingMerge))
	return o.execute(ctx, waves, waveFile, st)
}

// MergeCoordinator exposes the coordinator for operator commands.
func (o *Orchestrator) MergeCoordinator() *merge.Coordinator {
	return o.merger
}

// Worktrees exposes the worktree manager for operator commands.
func (o *Orchestrator) Worktrees() *executor.WorktreeManager {
	return o.worktrees
}

// StateStore exposes the run state store for operator commands.
func (o *Orchestrator) StateStore() *runstate.Store {
	return o.states
}

// ForceStop kills every running agent command and aborts pending merges.
// The graceful path is cancelling the context passed to Run.
func (o *Orchestrator) ForceStop() {
	if o.forceCancel != nil {
		o.forceCancel()
	}
	o.pool.TerminateAll()
}

// Status returns a snapshot of the current run.
func (o *Orchestrator) Status() *Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := &Status{
		Running:     o.running,
		Wave:        o.curWave,
		MergePaused: o.merger.Paused(),
		Failed:      map[string]string{},
	}
	if o.state == nil {
		return s
	}
	s.RunID = o.state.RunID
	s.StartedAt = o.state.StartedAt
	for id := range o.state.InProgress {
		s.Active = append(s.Active, id)
	}
	s.Completed = append(s.Completed, o.state.Completed...)
	s.PendingMerge = append(s.PendingMerge, o.state.PendingMerge...)
	s.Closed = append(s.Closed, o.closed...)
	for id, reason := range o.state.Failed {
		s.Failed[id] = reason
	}
	// The live timing map keeps mutating while callers hold the snapshot;
	// copy the map and its entries so readers never alias it.
	if len(o.state.Timing) > 0 {
		s.Timing = make(map[string]*domain.PhaseTiming, len(o.state.Timing))
		for id, t := range o.state.Timing {
			cp := *t
			s.Timing[id] = &cp
		}
	}
	return s
}

func (o *Orchestrator) execute(ctx context.Context, waves []domain.Wave, waveFile string, st *domain.RunState) (*Summary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, fmt.Errorf("a run is already active")
	}
	o.running = true
	o.state = st
	o.mu.Unlock()

	o.forceCtx, o.forceCancel = context.WithCancel(context.Background())
	defer o.forceCancel()

	start := time.Now()
	o.emit(EventRunStarted, "", "", waveFile)

	if o.history != nil {
		if err := o.history.StartRun(&runstore.Run{
			ID:          st.RunID,
			WaveFile:    waveFile,
			TrunkBranch: o.cfg.General.TrunkBranch,
			Concurrency: o.cfg.Run.Concurrency,
			StartedAt:   start,
		}); err != nil {
			o.logf("history: recording run start failed: %v", err)
		}
	}

	o.merger.Start(o.forceCtx)
	o.pool.Start()

	if err := o.handleLeftovers(o.forceCtx); err != nil {
		o.finish(false)
		return nil, err
	}
	o.checkpoint()

	cancelled := false
	for _, wave := range waves {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if o.runWave(ctx, wave) {
			cancelled = true
			break
		}
	}

	// Final merge barrier: everything enqueued must settle before the run
	// is tallied.
	if err := o.merger.Drain(o.forceCtx); err != nil {
		o.logf("merge drain interrupted: %v", err)
	}
	o.drainMergeEvents()

	summary := o.summarize(start, cancelled)
	o.recordFinish(summary)
	o.finish(!cancelled)

	if cancelled {
		o.emit(EventRunAborted, "", "", summary.String())
		return summary, ctx.Err()
	}
	o.emit(EventRunCompleted, "", "", summary.String())
	return summary, nil
}

func (o *Orchestrator) finish(clean bool) {
	o.pool.Shutdown(true)
	o.merger.Stop()
	if clean {
		if err := o.states.Clear(); err != nil {
			o.logf("clearing run state: %v", err)
		}
	} else {
		o.checkpoint()
	}
	o.mu.Lock()
	o.running = false
	o.curWave = ""
	o.mu.Unlock()
}

func (o *Orchestrator) summarize(start time.Time, aborted bool) *Summary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return &Summary{
		RunID:     o.state.RunID,
		Completed: len(o.state.Completed) - len(o.closed),
		Failed:    len(o.state.Failed),
		Closed:    len(o.closed),
		Duration:  time.Since(start),
		Aborted:   aborted,
	}
}

func (o *Orchestrator) recordFinish(s *Summary) {
	if o.notifier != nil {
		o.notifier.RunFinished(s)
	}
	if o.history == nil {
		return
	}
	status := runstore.RunCompleted
	if s.Aborted {
		status = runstore.RunAborted
	}
	if err := o.history.FinishRun(s.RunID, status, s.Completed, s.Failed, s.Closed); err != nil {
		o.logf("history: recording run finish failed: %v", err)
	}
}

// runWave runs one wave to its barrier. Returns true when the run was
// cancelled mid-wave.
func (o *Orchestrator) runWave(ctx context.Context, wave domain.Wave) bool {
	o.mu.Lock()
	o.curWave = wave.Name
	o.mu.Unlock()
	o.emit(EventWaveStarted, wave.Name, "", "")

	queue := newIssueQueue()
	issueByID := make(map[string]domain.Issue, len(wave.Issues))
	for _, issue := range wave.Issues {
		if !o.admit(issue) {
			continue
		}
		issueByID[issue.ID] = issue
		o.waveOf[issue.ID] = wave.Name
		queue.Push(issue)
	}

	var retryIDs []string
	cancelled := o.pump(ctx, queue, func(res *domain.WorkResult) {
		if id, ok := o.handleResult(res, wave.Name, false); ok {
			retryIDs = append(retryIDs, id)
		}
	})

	// Wave barrier, part one: all merges of this wave settle before any
	// retry runs against the updated trunk.
	if !cancelled {
		if err := o.merger.Drain(o.forceCtx); err != nil {
			cancelled = true
		}
	}
	o.drainMergeEvents()

	// One sequential retry pass for issues whose implementation or
	// verification faulted. Conflicts are rarer when retries run alone.
	if !cancelled && len(retryIDs) > 0 {
		cancelled = o.retryPass(ctx, wave.Name, retryIDs, issueByID)
		if !cancelled {
			if err := o.merger.Drain(o.forceCtx); err != nil {
				cancelled = true
			}
		}
		o.drainMergeEvents()
	}

	if !cancelled {
		o.emit(EventWaveCompleted, wave.Name, "", "")
	}
	return cancelled
}

// pump submits queued issues while slots are free and dispatches results
// until the queue and the pool are both empty. Returns true on
// cancellation (after in-flight work settled).
func (o *Orchestrator) pump(ctx context.Context, queue *issueQueue, onResult func(*domain.WorkResult)) bool {
	inflight := 0
	exclusive := false
	cancelled := false
	done := ctx.Done()

	for {
		if !cancelled && !exclusive {
			// Gate on the pool's own counter too: a received result frees a
			// slot here before the worker goroutine finished its bookkeeping,
			// and submitting in that window would overshoot the limit.
			for queue.Len() > 0 && inflight < o.pool.Limit() && o.pool.ActiveCount() < o.pool.Limit() {
				next := queue.Peek()
				if o.cfg.Run.P0Exclusive && next.Priority == 0 {
					// Highest-urgency issues run with the pool to
					// themselves.
					if inflight > 0 {
						break
					}
					o.submit(queue.Pop())
					inflight++
					exclusive = true
					break
				}
				o.submit(queue.Pop())
				inflight++
			}
		}

		if inflight == 0 {
			if cancelled || queue.Len() == 0 {
				return cancelled
			}
			// Nothing of ours is running but the pool still counts a worker
			// whose callback just returned; wait for its slot to settle.
			time.Sleep(time.Millisecond)
			continue
		}

		select {
		case res := <-o.results:
			inflight--
			exclusive = false
			onResult(res)
		case ev := <-o.mergeEvents:
			o.handleMergeEvent(ev)
		case <-done:
			cancelled = true
			done = nil
			o.logf("stop requested, waiting for %d running issues (send again to force)", inflight)
		}
	}
}

// retryPass re-runs faulted issues one at a time. Returns true on
// cancellation.
func (o *Orchestrator) retryPass(ctx context.Context, waveName string, ids []string, issueByID map[string]domain.Issue) bool {
	for _, id := range ids {
		if ctx.Err() != nil {
			return true
		}
		issue, ok := issueByID[id]
		if !ok {
			continue
		}
		o.retried[id] = true
		o.emit(EventIssueRetrying, waveName, id, "")

		queue := newIssueQueue()
		queue.Push(issue)
		if o.pump(ctx, queue, func(res *domain.WorkResult) {
			o.handleResult(res, waveName, true)
		}) {
			return true
		}
	}
	return false
}

// admit applies the run's filters. The admission cap counts across waves.
func (o *Orchestrator) admit(issue domain.Issue) bool {
	if len(o.cfg.Run.Include) > 0 && !contains(o.cfg.Run.Include, issue.ID) {
		return false
	}
	if contains(o.cfg.Run.Exclude, issue.ID) {
		return false
	}
	if f := o.cfg.Run.PriorityFilter; f >= 0 && issue.Priority != f {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.IsCompleted(issue.ID) {
		return false
	}
	if max := o.cfg.Run.MaxIssues; max > 0 && o.admitted >= max {
		return false
	}
	o.admitted++
	return true
}

func (o *Orchestrator) submit(issue domain.Issue) {
	o.mu.Lock()
	o.state.MarkInProgress(issue.ID)
	o.mu.Unlock()
	o.checkpoint()
	o.emit(EventIssueStarted, o.waveOf[issue.ID], issue.ID, "")

	if err := o.pool.Submit(o.forceCtx, issue, func(res *domain.WorkResult) {
		o.results <- res
	}); err != nil {
		// Pool rejected the submission; surface it as a failed result so
		// the pump's bookkeeping stays balanced.
		o.results <- &domain.WorkResult{
			IssueID: issue.ID,
			Fault:   domain.FaultInternal,
			Err:     err.Error(),
		}
	}
}

// handleResult settles one execution outcome. It returns the issue id and
// true when the issue qualifies for the wave's retry pass.
func (o *Orchestrator) handleResult(res *domain.WorkResult, waveName string, isRetry bool) (string, bool) {
	o.mu.Lock()
	timing := o.state.TimingFor(res.IssueID)
	*timing = res.Timing
	o.mu.Unlock()

	if len(res.LeakedFiles) > 0 {
		o.logf("%s: agent touched %d files outside its worktree: %s",
			res.IssueID, len(res.LeakedFiles), strings.Join(res.LeakedFiles, ", "))
	}

	switch {
	case res.ShouldClose:
		o.closeIssue(res, waveName)
	case res.Mergeable():
		o.mu.Lock()
		o.state.MarkPendingMerge(res.IssueID)
		o.pendingResults[res.IssueID] = res
		o.mu.Unlock()
		if err := o.merger.Enqueue(res); err != nil {
			o.mu.Lock()
			o.state.ClearPendingMerge(res.IssueID)
			delete(o.pendingResults, res.IssueID)
			o.mu.Unlock()
			o.failIssue(res, waveName, string(res.Fault), "merge enqueue: "+err.Error())
		}
	default:
		o.failIssue(res, waveName, string(res.Fault), res.Err)
		o.checkpoint()
		canRetry := !isRetry && !o.retried[res.IssueID] &&
			(res.Fault == domain.FaultImplement || res.Fault == domain.FaultVerify)
		return res.IssueID, canRetry
	}

	o.checkpoint()
	return res.IssueID, false
}

func (o *Orchestrator) closeIssue(res *domain.WorkResult, waveName string) {
	// Nothing to merge; the workspace is discarded right away.
	if res.WorktreePath != "" {
		if err := o.worktrees.Remove(o.forceCtx, res.WorktreePath); err != nil {
			o.logf("%s: removing worktree after close: %v", res.IssueID, err)
		}
	}
	o.mu.Lock()
	o.state.MarkCompleted(res.IssueID)
	o.closed = append(o.closed, res.IssueID)
	o.mu.Unlock()

	detail := res.CloseReason
	if res.CloseStatus != "" {
		detail += ": " + res.CloseStatus
	}
	o.emit(EventIssueClosed, waveName, res.IssueID, detail)
	o.recordIssue(&runstore.IssueRecord{
		RunID: o.state.RunID, IssueID: res.IssueID, Wave: waveName,
		Status: runstore.IssueClosed, Error: detail,
		DurationSecs: res.Duration.Seconds(),
		SetupSecs:    res.Timing.Setup.Seconds(),
		ValidateSecs: res.Timing.Validate.Seconds(),
		FinishedAt:   time.Now(),
	})
}

func (o *Orchestrator) failIssue(res *domain.WorkResult, waveName, fault, reason string) {
	o.mu.Lock()
	o.state.MarkFailed(res.IssueID, reason)
	o.mu.Unlock()

	o.emit(EventIssueFailed, waveName, res.IssueID, reason)
	if o.notifier != nil {
		o.notifier.IssueFailed(res.IssueID, reason)
	}
	o.recordIssue(&runstore.IssueRecord{
		RunID: o.state.RunID, IssueID: res.IssueID, Wave: waveName,
		Status: runstore.IssueFailed, Fault: fault, Branch: res.Branch,
		Error:         reason,
		DurationSecs:  res.Duration.Seconds(),
		SetupSecs:     res.Timing.Setup.Seconds(),
		ValidateSecs:  res.Timing.Validate.Seconds(),
		ImplementSecs: res.Timing.Implement.Seconds(),
		FinishedAt:    time.Now(),
	})
}

func (o *Orchestrator) handleMergeEvent(ev merge.Event) {
	if !ev.Status.Terminal() {
		o.emit(EventMergeUpdate, o.waveOf[ev.IssueID], ev.IssueID, string(ev.Status))
		return
	}

	o.mu.Lock()
	res := o.pendingResults[ev.IssueID]
	delete(o.pendingResults, ev.IssueID)
	o.state.ClearPendingMerge(ev.IssueID)
	o.mu.Unlock()

	waveName := o.waveOf[ev.IssueID]
	if ev.Status == domain.MergeSuccess {
		o.mu.Lock()
		o.state.MarkCompleted(ev.IssueID)
		o.mu.Unlock()
		o.emit(EventIssueMerged, waveName, ev.IssueID, ev.SHA)

		rec := &runstore.IssueRecord{
			RunID: o.state.RunID, IssueID: ev.IssueID, Wave: waveName,
			Status: runstore.IssueMerged, Branch: ev.Branch,
			MergeSHA: ev.SHA, MergeRetries: ev.Retries,
			FinishedAt: time.Now(),
		}
		if res != nil {
			rec.DurationSecs = res.Duration.Seconds()
			rec.SetupSecs = res.Timing.Setup.Seconds()
			rec.ValidateSecs = res.Timing.Validate.Seconds()
			rec.ImplementSecs = res.Timing.Implement.Seconds()
		}
		o.recordIssue(rec)
	} else {
		if res == nil {
			res = &domain.WorkResult{IssueID: ev.IssueID, Branch: ev.Branch}
		}
		o.failIssue(res, waveName, "merge", ev.Err)
	}
	o.checkpoint()
}

// drainMergeEvents consumes whatever merge events are already buffered.
// Called after a Drain barrier, when no more can be in flight.
func (o *Orchestrator) drainMergeEvents() {
	for {
		select {
		case ev := <-o.mergeEvents:
			o.handleMergeEvent(ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) recordIssue(rec *runstore.IssueRecord) {
	if o.history == nil {
		return
	}
	if err := o.history.RecordIssue(rec); err != nil {
		o.logf("history: recording %s failed: %v", rec.IssueID, err)
	}
}

func (o *Orchestrator) checkpoint() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.states.Save(o.state); err != nil {
		o.logf("checkpoint failed: %v", err)
	}
}

func (o *Orchestrator) emit(typ, wave, issueID, detail string) {
	if o.onEvent == nil {
		return
	}
	runID := ""
	o.mu.Lock()
	if o.state != nil {
		runID = o.state.RunID
	}
	o.mu.Unlock()
	o.onEvent(Event{
		Time:    time.Now(),
		Type:    typ,
		RunID:   runID,
		Wave:    wave,
		IssueID: issueID,
		Detail:  detail,
	})
}

// String renders a one-line summary for logs and notifications.
func (s *Summary) String() string {
	return fmt.Sprintf("%d merged, %d closed, %d failed in %s",
		s.Completed, s.Closed, s.Failed, s.Duration.Round(time.Second))
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
