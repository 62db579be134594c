package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcher_DetectsConfigWrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("seed config.yaml: %v", err)
	}

	w := NewWatcher(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config.yaml: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path != configPath {
			t.Errorf("event path = %q, want %q", ev.Path, configPath)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}
}
