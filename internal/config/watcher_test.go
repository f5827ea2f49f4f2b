package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/vx11/internal/config"
)

func TestWatcher_DetectsPolicyFileCreation(t *testing.T) {
	homeDir := t.TempDir()

	w := config.NewWatcher(homeDir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	policyPath := config.PolicyPath(homeDir)
	noisePath := filepath.Join(homeDir, "notes.txt")

	// Retry the write at short intervals until the watcher produces an
	// event; filesystem notification readiness varies by platform.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()

	if err := os.WriteFile(noisePath, []byte("ignored"), 0o644); err != nil {
		t.Fatalf("write noise: %v", err)
	}
	if err := os.WriteFile(policyPath, []byte("mode: open_all\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	for {
		select {
		case ev := <-w.Events():
			if ev.File() != config.FilePolicy {
				t.Fatalf("expected %s event, got %s", config.FilePolicy, ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(policyPath, []byte("mode: open_all\n"), 0o644)
		case <-deadline:
			t.Fatalf("timed out waiting for policy.yaml change event")
		}
	}
}

func TestWatcher_StopsWithContext(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()

	select {
	case _, ok := <-w.Events():
		if ok {
			// A late event is fine; the channel must still close.
			<-w.Events()
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("events channel not closed after cancel")
	}
}

func TestWatcher_MissingHomeFails(t *testing.T) {
	w := config.NewWatcher(filepath.Join(t.TempDir(), "missing"), nil)
	if err := w.Start(context.Background()); err == nil {
		t.Fatalf("expected error watching a missing directory")
	}
}
