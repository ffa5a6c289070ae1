// Package batch runs unattended orchestration on cron schedules.
package batch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
)

// RunFunc executes one scheduled batch. It is called in its own goroutine
// and must honor the context for cancellation.
type RunFunc func(ctx context.Context, batch config.BatchConfig) error

// Scheduler fires configured batches when their cron expression comes due.
// A batch never overlaps with itself; distinct batches may run in
// parallel.
type Scheduler struct {
	batches map[string]config.BatchConfig
	parser  cron.Parser
	run     RunFunc
	logf    func(format string, args ...any)

	mu      sync.Mutex
	lastRun map[string]time.Time
	running map[string]bool

	interval time.Duration
}

// NewScheduler creates a scheduler over the configured batches.
func NewScheduler(batches []config.BatchConfig, run RunFunc, logf func(string, ...any)) (*Scheduler, error) {
	if logf == nil {
		logf = log.Printf
	}
	s := &Scheduler{
		batches:  make(map[string]config.BatchConfig, len(batches)),
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		run:      run,
		logf:     logf,
		lastRun:  make(map[string]time.Time),
		running:  make(map[string]bool),
		interval: 30 * time.Second,
	}
	for _, b := range batches {
		if _, err := s.parser.Parse(b.Cron); err != nil {
			return nil, fmt.Errorf("batch %s: bad cron expression %q: %w", b.Name, b.Cron, err)
		}
		s.batches[b.Name] = b
	}
	return s, nil
}

// NextRun returns when the named batch fires next, or the zero time for an
// unknown batch.
func (s *Scheduler) NextRun(name string) time.Time {
	b, ok := s.batches[name]
	if !ok {
		return time.Time{}
	}
	sched, err := s.parser.Parse(b.Cron)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// shouldRun reports whether the batch is due and not already running.
func (s *Scheduler) shouldRun(name string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[name] {
		return false
	}
	b := s.batches[name]
	sched, err := s.parser.Parse(b.Cron)
	if err != nil {
		return false
	}

	last := s.lastRun[name]
	if last.IsZero() {
		// Never ran in this process; schedule from startup, not history.
		s.lastRun[name] = now
		return false
	}
	return now.After(sched.Next(last))
}

// Run ticks until the context is cancelled, launching due batches.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for name := range s.batches {
		s.logf("batch %s scheduled, next run %s", name, s.NextRun(name).Format(time.RFC3339))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for name := range s.batches {
				if s.shouldRun(name, now) {
					s.launch(ctx, name)
				}
			}
		}
	}
}

func (s *Scheduler) launch(ctx context.Context, name string) {
	s.mu.Lock()
	s.running[name] = true
	s.lastRun[name] = time.Now()
	b := s.batches[name]
	s.mu.Unlock()

	s.logf("batch %s starting (%s)", name, b.WaveFile)
	go func() {
		defer func() {
			s.mu.Lock()
			s.running[name] = false
			s.mu.Unlock()
		}()
		if err := s.run(ctx, b); err != nil {
			s.logf("batch %s failed: %v", name, err)
			return
		}
		s.logf("batch %s finished", name)
	}()
}

// SetInterval overrides the polling interval (used in tests).
func (s *Scheduler) SetInterval(d time.Duration) {
	s.interval = d
}

// markLastRun backdates a batch's last run (used in tests).
func (s *Scheduler) markLastRun(name string, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRun[name] = t
}
