package batch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BrennonTWilliams/little-loops-sub001/internal/config"
)

func TestNewSchedulerRejectsBadCron(t *testing.T) {
	_, err := NewScheduler([]config.BatchConfig{
		{Name: "nightly", Cron: "not a cron", WaveFile: "w.yaml"},
	}, nil, t.Logf)
	if err == nil {
		t.Error("bad cron expression accepted")
	}
}

func TestNextRun(t *testing.T) {
	s, err := NewScheduler([]config.BatchConfig{
		{Name: "nightly", Cron: "0 2 * * *", WaveFile: "w.yaml"},
	}, nil, t.Logf)
	if err != nil {
		t.Fatal(err)
	}

	next := s.NextRun("nightly")
	if next.IsZero() {
		t.Fatal("no next run computed")
	}
	if next.Hour() != 2 || next.Minute() != 0 {
		t.Errorf("next run = %s, want 02:00", next.Format("15:04"))
	}
	if !s.NextRun("unknown").IsZero() {
		t.Error("unknown batch has a next run")
	}
}

func TestShouldRunRespectsSchedule(t *testing.T) {
	s, err := NewScheduler([]config.BatchConfig{
		{Name: "minutely", Cron: "* * * * *", WaveFile: "w.yaml"},
	}, nil, t.Logf)
	if err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	// First check only arms the schedule.
	if s.shouldRun("minutely", now) {
		t.Error("batch ran immediately at startup")
	}
	// Not due yet within the same minute boundary.
	if s.shouldRun("minutely", now.Add(time.Second)) {
		t.Error("batch due before its next cron tick")
	}
	// Well past the next tick.
	if !s.shouldRun("minutely", now.Add(2*time.Minute)) {
		t.Error("batch not due after its cron tick passed")
	}
}

func TestShouldRunSkipsWhileRunning(t *testing.T) {
	s, err := NewScheduler([]config.BatchConfig{
		{Name: "minutely", Cron: "* * * * *", WaveFile: "w.yaml"},
	}, nil, t.Logf)
	if err != nil {
		t.Fatal(err)
	}

	s.markLastRun("minutely", time.Now().Add(-time.Hour))
	s.mu.Lock()
	s.running["minutely"] = true
	s.mu.Unlock()

	if s.shouldRun("minutely", time.Now()) {
		t.Error("overlapping run allowed")
	}
}

func TestRunLaunchesDueBatch(t *testing.T) {
	var runs atomic.Int64
	var gotWave atomic.Value

	s, err := NewScheduler([]config.BatchConfig{
		{Name: "minutely", Cron: "* * * * *", WaveFile: "nightly.yaml"},
	}, func(_ context.Context, b config.BatchConfig) error {
		gotWave.Store(b.WaveFile)
		runs.Add(1)
		return nil
	}, t.Logf)
	if err != nil {
		t.Fatal(err)
	}
	s.SetInterval(20 * time.Millisecond)
	s.markLastRun("minutely", time.Now().Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	deadline := time.After(5 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("due batch never launched")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	if gotWave.Load() != "nightly.yaml" {
		t.Errorf("wave file = %v", gotWave.Load())
	}
}
