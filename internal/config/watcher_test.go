package config_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/basket/oni/internal/config"
)

func TestWatcher_EmitsOnConfigWrite(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := config.NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(config.ConfigPath(home), []byte(`{"gateway":{}}`), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.Path == "" {
			t.Fatal("event missing path")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload event after config write")
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	home := t.TempDir()
	writeConfig(t, home, `{}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := config.NewWatcher(home, nil)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	if err := os.WriteFile(home+"/notes.txt", []byte("x"), 0o644); err != nil {
		t.Fatalf("write unrelated: %v", err)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(300 * time.Millisecond):
	}
}
