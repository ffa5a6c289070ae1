package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/domain"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/executor"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/git"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstate"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstore"
)

func setupRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %s", args, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test")
	os.WriteFile(filepath.Join(dir, "README.md"), []byte("# Test\n"), 0o644)
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

// testConfig wires a config whose agent commands are plain shell stubs:
// validation always approves, implementation writes one file per issue.
func testConfig(t *testing.T, repoDir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.General.ProjectRoot = repoDir
	cfg.General.WorktreeDir = t.TempDir()
	cfg.General.StatePath = filepath.Join(t.TempDir(), "state.json")
	cfg.General.TrunkBranch = "main"
	cfg.Run.Concurrency = 2
	cfg.Run.IssueTimeoutMinutes = 1
	cfg.Run.CopyFiles = nil
	cfg.Agent.ValidateTemplate = `echo "VERDICT: READY"`
	cfg.Agent.ImplementTemplate = `echo "package work" > {{id}}.go`
	return cfg
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) count(typ string) int {
	n := 0
	for _, et := range l.types() {
		if et == typ {
			n++
		}
	}
	return n
}

func newOrchestrator(t *testing.T, cfg *config.Config, log *eventLog) *Orchestrator {
	t.Helper()
	deps := Deps{Logf: t.Logf}
	if log != nil {
		deps.OnEvent = log.add
	}
	o, err := New(cfg, deps)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func wave(name string, ids ...string) domain.Wave {
	w := domain.Wave{Name: name}
	for _, id := range ids {
		w.Issues = append(w.Issues, domain.Issue{ID: id, Category: "feature", Action: "build", Priority: 1})
	}
	return w
}

func TestRunMergesAllWaves(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	events := &eventLog{}
	o := newOrchestrator(t, cfg, events)

	waves := []domain.Wave{
		wave("wave-1", "FEAT-1", "FEAT-2"),
		wave("wave-2", "FEAT-3"),
	}
	summary, err := o.Run(context.Background(), waves, "waves.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Completed != 3 || summary.Failed != 0 || summary.Closed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	// Every issue's file landed on trunk.
	for _, id := range []string{"FEAT-1", "FEAT-2", "FEAT-3"} {
		if _, err := os.Stat(filepath.Join(repoDir, id+".go")); err != nil {
			t.Errorf("%s.go missing from trunk", id)
		}
	}

	// The checkpoint is gone after a clean finish.
	if _, err := os.Stat(cfg.General.StatePath); !os.IsNotExist(err) {
		t.Error("state file survived a clean run")
	}

	// Worktrees were cleaned up by the merge path.
	entries, _ := os.ReadDir(cfg.General.WorktreeDir)
	for _, e := range entries {
		if e.IsDir() && e.Name() != ".merge-backups" {
			t.Errorf("leftover worktree %s", e.Name())
		}
	}

	if events.count(EventWaveCompleted) != 2 {
		t.Errorf("wave_completed events = %d, want 2", events.count(EventWaveCompleted))
	}
	if events.count(EventIssueMerged) != 3 {
		t.Errorf("issue_merged events = %d, want 3", events.count(EventIssueMerged))
	}
	if events.count(EventRunCompleted) != 1 {
		t.Errorf("run_completed events = %d", events.count(EventRunCompleted))
	}
}

func TestRunCloseVerdict(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	cfg.Agent.ValidateTemplate = `printf "VERDICT: CLOSE\nREASON: already_fixed\n"`
	events := &eventLog{}
	o := newOrchestrator(t, cfg, events)

	summary, err := o.Run(context.Background(), []domain.Wave{wave("wave-1", "FEAT-1")}, "waves.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Closed != 1 || summary.Completed != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if events.count(EventIssueClosed) != 1 {
		t.Error("no issue_closed event")
	}

	// Closed issues leave no worktree behind.
	entries, _ := os.ReadDir(cfg.General.WorktreeDir)
	for _, e := range entries {
		if e.IsDir() {
			t.Errorf("leftover worktree %s after close", e.Name())
		}
	}
}

func TestRunFailureAndRetryPass(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	// FAIL-1's implementation always exits nonzero; the others succeed.
	cfg.Agent.ImplementTemplate = `test {{id}} != FAIL-1 && echo "package work" > {{id}}.go`
	events := &eventLog{}

	history, err := runstore.New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer history.Close()

	o, err := New(cfg, Deps{Logf: t.Logf, OnEvent: events.add, History: history})
	if err != nil {
		t.Fatal(err)
	}

	summary, err := o.Run(context.Background(), []domain.Wave{wave("wave-1", "FEAT-1", "FAIL-1")}, "waves.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Completed != 1 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}

	// The implement fault earned exactly one sequential retry.
	if got := events.count(EventIssueRetrying); got != 1 {
		t.Errorf("issue_retrying events = %d, want 1", got)
	}

	// History recorded both outcomes.
	recs, err := history.ListIssues(summary.RunID)
	if err != nil {
		t.Fatal(err)
	}
	byStatus := map[string]int{}
	for _, rec := range recs {
		byStatus[rec.Status]++
	}
	if byStatus[runstore.IssueMerged] != 1 {
		t.Errorf("merged records = %d", byStatus[runstore.IssueMerged])
	}
	// One failure per attempt of FAIL-1.
	if byStatus[runstore.IssueFailed] != 2 {
		t.Errorf("failed records = %d, want 2", byStatus[runstore.IssueFailed])
	}

	run, err := history.GetRun(summary.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != runstore.RunCompleted {
		t.Errorf("run status = %q", run.Status)
	}
}

func TestStatusSnapshotCopiesTiming(t *testing.T) {
	repoDir := setupRepo(t)
	o := newOrchestrator(t, testConfig(t, repoDir), nil)
	o.state = domain.NewRunState("run-1")
	*o.state.TimingFor("FEAT-1") = domain.PhaseTiming{Implement: time.Second}

	snap := o.Status()
	if got := snap.Timing["FEAT-1"].Implement; got != time.Second {
		t.Fatalf("snapshot timing = %v", got)
	}

	// Encoding snapshots must be safe against concurrent timing updates;
	// the live map keeps growing and mutating while readers serialize.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			o.mu.Lock()
			o.state.TimingFor("FEAT-1").Implement += time.Millisecond
			o.state.TimingFor(fmt.Sprintf("GEN-%d", i))
			o.mu.Unlock()
		}
	}()
	for i := 0; i < 500; i++ {
		if _, err := json.Marshal(o.Status()); err != nil {
			t.Fatal(err)
		}
	}
	<-done

	// The first snapshot never observed any of those writes.
	if got := snap.Timing["FEAT-1"].Implement; got != time.Second {
		t.Errorf("snapshot mutated to %v, shares live state", got)
	}
	if _, ok := snap.Timing["GEN-0"]; ok {
		t.Error("snapshot map aliases the live timing map")
	}
}

func TestRunRespectsConcurrencyBound(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	cfg.Run.Concurrency = 2
	cfg.Agent.ImplementTemplate = `sleep 0.15 && echo "package work" > {{id}}.go`
	o := newOrchestrator(t, cfg, nil)

	// Sample the pool counter for the whole run; it covers workers from
	// submission until their completion callback returns, so it must never
	// read above the configured limit.
	stop := make(chan struct{})
	violation := make(chan int, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := o.pool.ActiveCount(); n > o.pool.Limit() {
				select {
				case violation <- n:
				default:
				}
				return
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	waves := []domain.Wave{wave("wave-1", "FEAT-1", "FEAT-2", "FEAT-3", "FEAT-4", "FEAT-5", "FEAT-6")}
	summary, err := o.Run(context.Background(), waves, "waves.yaml")
	close(stop)
	if err != nil {
		t.Fatal(err)
	}
	if summary.Completed != 6 {
		t.Errorf("summary = %+v", summary)
	}
	select {
	case n := <-violation:
		t.Errorf("active count reached %d with limit %d", n, o.pool.Limit())
	default:
	}
}

func TestMergeEnqueueFailureClearsPendingMerge(t *testing.T) {
	repoDir := setupRepo(t)
	o := newOrchestrator(t, testConfig(t, repoDir), nil)
	o.state = domain.NewRunState("run-1")

	// Saturate the merge queue so the hand-off is rejected.
	for i := 0; ; i++ {
		if err := o.merger.Enqueue(&domain.WorkResult{IssueID: fmt.Sprintf("FILL-%d", i), Success: true}); err != nil {
			break
		}
	}

	res := &domain.WorkResult{IssueID: "FEAT-1", Success: true, Branch: "issue/feat-1-x-y"}
	o.handleResult(res, "wave-1", false)

	if _, ok := o.state.Failed["FEAT-1"]; !ok {
		t.Fatalf("issue not failed, state = %+v", o.state)
	}
	if len(o.state.PendingMerge) != 0 {
		t.Errorf("pending merge not cleared: %v", o.state.PendingMerge)
	}
	if _, ok := o.pendingResults["FEAT-1"]; ok {
		t.Error("pending result retained for failed hand-off")
	}
}

func TestResumeSkipsCompleted(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)

	st := domain.NewRunState("run-resume")
	st.MarkCompleted("FEAT-1")
	if err := runstate.NewStore(cfg.General.StatePath).Save(st); err != nil {
		t.Fatal(err)
	}

	o := newOrchestrator(t, cfg, nil)
	summary, err := o.Resume(context.Background(), []domain.Wave{wave("wave-1", "FEAT-1", "FEAT-2")}, "waves.yaml")
	if err != nil {
		t.Fatal(err)
	}

	// FEAT-1 was already done, so only FEAT-2 ran.
	if _, err := os.Stat(filepath.Join(repoDir, "FEAT-1.go")); !os.IsNotExist(err) {
		t.Error("completed issue was re-executed")
	}
	if _, err := os.Stat(filepath.Join(repoDir, "FEAT-2.go")); err != nil {
		t.Error("remaining issue did not run")
	}
	// The tally includes the previously completed issue.
	if summary.Completed != 2 {
		t.Errorf("completed = %d, want 2", summary.Completed)
	}
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	o := newOrchestrator(t, cfg, nil)

	if _, err := o.Resume(context.Background(), []domain.Wave{wave("w", "FEAT-1")}, "w.yaml"); err == nil {
		t.Error("resume without a checkpoint should fail")
	}
}

func TestLeftoverMergePending(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	cfg.Run.LeftoverPolicy = config.LeftoverMergePending

	// Simulate a crashed run: a worktree with a committed branch.
	mgr := executor.NewWorktreeManager(git.New(repoDir, 30*time.Second), cfg.General.WorktreeDir, "main", nil)
	wtPath, _, err := mgr.Create(context.Background(), "OLD-1")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(wtPath, "old.go"), []byte("package old\n"), 0o644)
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-m", "OLD-1"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = wtPath
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %s", args, out)
		}
	}

	o := newOrchestrator(t, cfg, nil)
	summary, err := o.Run(context.Background(), nil, "waves.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if summary.Completed != 1 {
		t.Errorf("completed = %d, want the recovered branch", summary.Completed)
	}
	if _, err := os.Stat(filepath.Join(repoDir, "old.go")); err != nil {
		t.Error("recovered branch not merged to trunk")
	}
}

func TestLeftoverCleanStart(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	cfg.Run.LeftoverPolicy = config.LeftoverCleanStart

	mgr := executor.NewWorktreeManager(git.New(repoDir, 30*time.Second), cfg.General.WorktreeDir, "main", nil)
	wtPath, _, err := mgr.Create(context.Background(), "OLD-1")
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(wtPath, "junk.txt"), []byte("scraps\n"), 0o644)

	o := newOrchestrator(t, cfg, nil)
	if _, err := o.Run(context.Background(), nil, "waves.yaml"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(wtPath); !os.IsNotExist(err) {
		t.Error("leftover worktree survived clean-start")
	}
}

func TestAdmissionFilters(t *testing.T) {
	repoDir := setupRepo(t)
	cfg := testConfig(t, repoDir)
	cfg.Run.Include = []string{"FEAT-1", "FEAT-2"}
	cfg.Run.Exclude = []string{"FEAT-2"}
	o := newOrchestrator(t, cfg, nil)
	o.state = domain.NewRunState("run-admit")

	if !o.admit(domain.Issue{ID: "FEAT-1", Priority: 1}) {
		t.Error("included issue rejected")
	}
	if o.admit(domain.Issue{ID: "FEAT-2", Priority: 1}) {
		t.Error("excluded issue admitted")
	}
	if o.admit(domain.Issue{ID: "FEAT-3", Priority: 1}) {
		t.Error("issue outside include list admitted")
	}

	cfg.Run.Include = nil
	cfg.Run.Exclude = nil
	cfg.Run.PriorityFilter = 0
	if o.admit(domain.Issue{ID: "FEAT-4", Priority: 1}) {
		t.Error("priority filter not applied")
	}
	if !o.admit(domain.Issue{ID: "FEAT-5", Priority: 0}) {
		t.Error("matching priority rejected")
	}

	cfg.Run.PriorityFilter = -1
	cfg.Run.MaxIssues = 2
	// One slot already used by FEAT-5 above.
	if !o.admit(domain.Issue{ID: "FEAT-6", Priority: 1}) {
		t.Error("issue under the cap rejected")
	}
	if o.admit(domain.Issue{ID: "FEAT-7", Priority: 1}) {
		t.Error("admission cap not enforced")
	}

	o.state.MarkCompleted("FEAT-8")
	cfg.Run.MaxIssues = 0
	if o.admit(domain.Issue{ID: "FEAT-8", Priority: 1}) {
		t.Error("already-completed issue admitted")
	}
}

func TestIssueQueueOrdering(t *testing.T) {
	q := newIssueQueue()
	q.Push(domain.Issue{ID: "LOW-1", Priority: 2})
	q.Push(domain.Issue{ID: "URGENT-1", Priority: 0})
	q.Push(domain.Issue{ID: "MID-1", Priority: 1})
	q.Push(domain.Issue{ID: "MID-2", Priority: 1})

	var got []string
	for q.Len() > 0 {
		got = append(got, q.Pop().ID)
	}
	want := []string{"URGENT-1", "MID-1", "MID-2", "LOW-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestIssueIDFromBranch(t *testing.T) {
	cases := map[string]string{
		"issue/feat-102-20260823-100000": "FEAT-102",
		"issue/bug-9-20260101-000000":    "BUG-9",
		"issue/x1-7-20260101-000000":     "X1-7",
	}
	for branch, want := range cases {
		if got := issueIDFromBranch(branch); got != want {
			t.Errorf("issueIDFromBranch(%q) = %q, want %q", branch, got, want)
		}
	}
}
