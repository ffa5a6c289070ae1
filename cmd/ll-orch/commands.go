package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/orchestrator"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstate"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/runstore"
	"github.com/BrennonTWilliams/little-loops-sub001/tui"
	"github.com/BrennonTWilliams/little-loops-sub001/web/api"
)

var (
	runConcurrency int
	runPriority    int
	runMaxIssues   int
	runInclude     []string
	runExclude     []string
	runLeftover    string
	runServe       bool
	historyLimit   int
	cleanAll       bool
	servePort      int
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run WAVE_FILE",
		Short: "Run all waves from a wave file",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "worker pool size (overrides config)")
	runCmd.Flags().IntVar(&runPriority, "priority", -1, "only run issues of this priority class")
	runCmd.Flags().IntVar(&runMaxIssues, "max-issues", 0, "stop admitting after this many issues")
	runCmd.Flags().StringSliceVar(&runInclude, "include", nil, "only run these issue IDs")
	runCmd.Flags().StringSliceVar(&runExclude, "exclude", nil, "skip these issue IDs")
	runCmd.Flags().StringVar(&runLeftover, "leftover", "", "leftover worktree policy: merge-pending, clean-start or ignore-pending")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "expose the status API while the run is active")
	rootCmd.AddCommand(runCmd)

	resumeCmd := &cobra.Command{
		Use:   "resume WAVE_FILE",
		Short: "Resume an interrupted run from its checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  runResume,
	}
	resumeCmd.Flags().BoolVar(&runServe, "serve", false, "expose the status API while the run is active")
	rootCmd.AddCommand(resumeCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint of the current or interrupted run",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	historyCmd := &cobra.Command{
		Use:   "history [ISSUE]",
		Short: "List recorded runs, or one issue's outcomes across runs",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "number of entries to show")
	rootCmd.AddCommand(historyCmd)

	worktreesCmd := &cobra.Command{
		Use:   "worktrees",
		Short: "List leftover worktrees and their unmerged work",
		RunE:  runWorktrees,
	}
	rootCmd.AddCommand(worktreesCmd)

	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover worktrees",
		RunE:  runClean,
	}
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "also clear the run checkpoint")
	rootCmd.AddCommand(cleanCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve run history and status over HTTP",
		RunE:  runServeCmd,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	watchCmd := &cobra.Command{
		Use:   "watch WAVE_FILE",
		Short: "Run the wave file now and rerun whenever it changes",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	rootCmd.AddCommand(watchCmd)

	batchCmd := &cobra.Command{
		Use:   "batch",
		Short: "Run configured batches on their cron schedules",
		RunE:  runBatch,
	}
	rootCmd.AddCommand(batchCmd)

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Launch the dashboard",
		RunE:  runTUI,
	}
	rootCmd.AddCommand(tuiCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openHistory(cfg *config.Config) (*runstore.Store, error) {
	if cfg.General.DatabasePath == "" {
		return nil, nil
	}
	return runstore.New(cfg.General.DatabasePath)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := runstate.NewStore(cfg.General.StatePath).Load()
	if errors.Is(err, runstate.ErrNoState) {
		fmt.Println("No run in progress and no interrupted run to resume.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (started %s, checkpointed %s)\n",
		st.RunID, humanize.Time(st.StartedAt), humanize.Time(st.CheckpointAt))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for id, since := range st.InProgress {
		fmt.Fprintf(w, "  in progress\t%s\tsince %s\n", id, humanize.Time(since))
	}
	for _, id := range st.PendingMerge {
		fmt.Fprintf(w, "  pending merge\t%s\t\n", id)
	}
	for _, id := range st.Completed {
		fmt.Fprintf(w, "  completed\t%s\t\n", id)
	}
	for id, reason := range st.Failed {
		fmt.Fprintf(w, "  failed\t%s\t%s\n", id, reason)
	}
	return w.Flush()
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database_path is not configured")
	}
	defer store.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if len(args) == 1 {
		recs, err := store.IssueHistory(args[0], historyLimit)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Printf("No recorded outcomes for %s.\n", args[0])
			return nil
		}
		fmt.Fprintln(w, "RUN\tSTATUS\tFAULT\tRETRIES\tDURATION\tWHEN")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				r.RunID, r.Status, r.Fault, r.MergeRetries,
				(time.Duration(r.DurationSecs * float64(time.Second))).Round(time.Second),
				humanize.Time(r.FinishedAt))
		}
		return w.Flush()
	}

	runs, err := store.ListRuns(historyLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs.")
		return nil
	}
	fmt.Fprintln(w, "RUN\tSTATUS\tMERGED\tFAILED\tCLOSED\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Status, r.Completed, r.Failed, r.Closed, humanize.Time(r.StartedAt))
	}
	return w.Flush()
}

func runWorktrees(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg, orchestrator.Deps{})
	if err != nil {
		return err
	}

	pending, err := runstate.DiscoverPending(cmd.Context(), orch.Worktrees())
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Println("No leftover worktrees.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tBRANCH\tAHEAD\tDIRTY")
	for _, p := range pending {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", p.Path, p.Branch, p.CommitsAhead, len(p.DirtyFiles))
	}
	return w.Flush()
}

func runClean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(cfg, orchestrator.Deps{})
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	paths, err := orch.Worktrees().List(ctx)
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := orch.Worktrees().Remove(ctx, path); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove %s: %v\n", path, err)
			continue
		}
		fmt.Printf("Removed %s\n", path)
	}
	if len(paths) == 0 {
		fmt.Println("No worktrees to remove.")
	}

	if cleanAll {
		if err := orch.StateStore().Clear(); err != nil {
			return err
		}
		fmt.Println("Cleared run checkpoint.")
	}
	return nil
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	port := cfg.Web.Port
	if servePort != 0 {
		port = servePort
	}
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, port)

	ctx, stop := signalContext(nil)
	defer stop()

	fmt.Printf("Serving on http://%s\n", addr)
	srv := api.NewServer(checkpointStatus{states: runstate.NewStore(cfg.General.StatePath)}, store, addr)
	return srv.Start(ctx)
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	states := runstate.NewStore(cfg.General.StatePath)
	mc := tui.ModelConfig{
		Status: func() *orchestrator.Status { return checkpointStatus{states: states}.Status() },
	}
	if store != nil {
		mc.History = store.ListRuns
	}

	p := tea.NewProgram(tui.NewModel(mc), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// checkpointStatus derives a status snapshot from the durable checkpoint,
// for commands that run without a live orchestrator in-process.
type checkpointStatus struct {
	states *runstate.Store
}

func (c checkpointStatus) Status() *orchestrator.Status {
	st, err := c.states.Load()
	if err != nil {
		return &orchestrator.Status{}
	}

	s := &orchestrator.Status{
		RunID:        st.RunID,
		Completed:    st.Completed,
		Failed:       st.Failed,
		PendingMerge: st.PendingMerge,
		Timing:       st.Timing,
		StartedAt:    st.StartedAt,
	}
	for id := range st.InProgress {
		s.Active = append(s.Active, id)
	}
	return s
}
