package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/batch"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/notify"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/observer"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/orchestrator"
	"github.com/BrennonTWilliams/little-loops-sub001/internal/plan"
	"github.com/BrennonTWilliams/little-loops-sub001/web/api"
)

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)
	return executeRun(cfg, args[0], false)
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return executeRun(cfg, args[0], true)
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("concurrency") {
		cfg.Run.Concurrency = runConcurrency
	}
	if flags.Changed("priority") {
		cfg.Run.PriorityFilter = runPriority
	}
	if flags.Changed("max-issues") {
		cfg.Run.MaxIssues = runMaxIssues
	}
	if flags.Changed("include") {
		cfg.Run.Include = runInclude
	}
	if flags.Changed("exclude") {
		cfg.Run.Exclude = runExclude
	}
	if flags.Changed("leftover") {
		cfg.Run.LeftoverPolicy = runLeftover
	}
}

// executeRun drives one orchestrator run to completion, wiring up
// notifications, history and the optional status server.
func executeRun(cfg *config.Config, waveFile string, resume bool) error {
	waves, err := plan.Load(waveFile)
	if err != nil {
		return err
	}

	history, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if history != nil {
		defer history.Close()
	}

	deps := orchestrator.Deps{
		History:  history,
		Notifier: notify.NewRunNotifier(notify.FromConfig(cfg.Notifications)),
	}

	// The server is constructed after the orchestrator; the callback only
	// fires once Run starts, by which point srv is set.
	var srv *api.Server
	if runServe {
		deps.OnEvent = func(ev orchestrator.Event) {
			if srv != nil {
				srv.HandleEvent(ev)
			}
		}
	}

	orch, err := orchestrator.New(cfg, deps)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(orch.ForceStop)
	defer stop()

	if runServe {
		addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
		srv = api.NewServer(orch, history, addr)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Printf("status server: %v", err)
			}
		}()
	}

	var summary *orchestrator.Summary
	if resume {
		summary, err = orch.Resume(ctx, waves, waveFile)
	} else {
		summary, err = orch.Run(ctx, waves, waveFile)
	}
	if err != nil {
		return err
	}

	fmt.Println(summary.String())
	if summary.Failed > 0 || summary.Aborted {
		os.Exit(1)
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	waveFile := args[0]

	ctx, stop := signalContext(nil)
	defer stop()

	changed := make(chan struct{}, 1)
	watcher, err := observer.NewWaveWatcher(waveFile, func(path string) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	watcher.Start(ctx)
	defer watcher.Stop()

	for {
		if err := executeRun(cfg, waveFile, false); err != nil {
			log.Printf("run failed: %v", err)
		}

		log.Printf("watching %s for changes", waveFile)
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			log.Printf("%s changed, starting a new run", waveFile)
		}
	}
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Batches) == 0 {
		return fmt.Errorf("no batches configured")
	}

	sched, err := batch.NewScheduler(cfg.Batches, func(ctx context.Context, b config.BatchConfig) error {
		runCfg := *cfg
		if b.Concurrency > 0 {
			runCfg.Run.Concurrency = b.Concurrency
		}
		return executeRun(&runCfg, b.WaveFile, false)
	}, log.Printf)
	if err != nil {
		return err
	}

	ctx, stop := signalContext(nil)
	defer stop()

	for _, b := range cfg.Batches {
		log.Printf("batch %s next runs at %s", b.Name, sched.NextRun(b.Name).Format("2006-01-02 15:04"))
	}
	sched.Run(ctx)
	return nil
}

// signalContext cancels on the first SIGINT or SIGTERM. A second signal
// calls forceStop, a third exits immediately.
func signalContext(forceStop func()) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 3)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		log.Printf("shutting down, waiting for running agents (signal again to force)")
		cancel()

		<-sigs
		if forceStop != nil {
			log.Printf("force stopping agents")
			forceStop()
		}

		<-sigs
		os.Exit(1)
	}()

	return ctx, func() {
		signal.Stop(sigs)
		cancel()
	}
}
