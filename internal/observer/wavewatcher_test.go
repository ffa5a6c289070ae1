package observer

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestWaveWatcherFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waves.yaml")
	os.WriteFile(path, []byte("waves: []\n"), 0o644)

	var fired atomic.Int64
	w, err := NewWaveWatcher(path, func(string) { fired.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)
	w.Start(context.Background())

	os.WriteFile(path, []byte("waves:\n  - name: wave-1\n"), 0o644)

	deadline := time.After(5 * time.Second)
	for fired.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("callback never fired")
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestWaveWatcherDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waves.yaml")
	os.WriteFile(path, []byte("waves: []\n"), 0o644)

	var fired atomic.Int64
	w, err := NewWaveWatcher(path, func(string) { fired.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(200 * time.Millisecond)
	w.Start(context.Background())

	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte("waves: []\n"), 0o644)
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)
	if got := fired.Load(); got != 1 {
		t.Errorf("callback fired %d times, want 1", got)
	}
}

func TestWaveWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "waves.yaml")
	os.WriteFile(path, []byte("waves: []\n"), 0o644)

	var fired atomic.Int64
	w, err := NewWaveWatcher(path, func(string) { fired.Add(1) })
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()
	w.SetDebounce(50 * time.Millisecond)
	w.Start(context.Background())

	os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x\n"), 0o644)

	time.Sleep(300 * time.Millisecond)
	if fired.Load() != 0 {
		t.Error("callback fired for an unrelated file")
	}
}
