package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/storyforge/internal/config"
)

func waitEvent(t *testing.T, w *config.Watcher, d time.Duration) (config.ReloadEvent, bool) {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev, true
	case <-time.After(d):
		return config.ReloadEvent{}, false
	}
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	homeDir := t.TempDir()
	path := config.ConfigPath(homeDir)
	if err := os.WriteFile(path, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// a burst of writes settles into one event
	for i := 0; i < 3; i++ {
		_ = os.WriteFile(path, []byte("log_level: debug\n"), 0o644)
	}
	ev, ok := waitEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("timed out waiting for config change event")
	}
	if filepath.Base(ev.Path) != "config.yaml" {
		t.Fatalf("expected config.yaml event, got %s", ev.Path)
	}
}

func TestWatcher_SeesConfigCreatedAfterStart(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(config.TOMLConfigPath(homeDir), []byte("log_level = \"warn\"\n"), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	ev, ok := waitEvent(t, w, 3*time.Second)
	if !ok {
		t.Fatal("timed out waiting for config.toml event")
	}
	if filepath.Base(ev.Path) != "config.toml" {
		t.Fatalf("expected config.toml event, got %s", ev.Path)
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	homeDir := t.TempDir()
	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	_ = os.WriteFile(filepath.Join(homeDir, "storyforge.db"), []byte("x"), 0o644)
	if ev, ok := waitEvent(t, w, 600*time.Millisecond); ok {
		t.Fatalf("unexpected event for %s", ev.Path)
	}
}

func TestWatcher_ClosesEventsOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, open := <-w.Events():
		if open {
			t.Fatal("expected closed channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
