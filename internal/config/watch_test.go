package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 8081\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloads := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)), func(c *Config) {
			reloads <- c
		})
	}()
	// give the watcher a moment to register before the first write
	time.Sleep(200 * time.Millisecond)

	if err := os.WriteFile(path, []byte("server:\n  port: 9091\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-reloads:
		if cfg.Server.Port != 9091 {
			t.Fatalf("expected reloaded port 9091 got %d", cfg.Server.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload after write")
	}

	// a broken rewrite keeps the previous config: no callback
	if err := os.WriteFile(path, []byte("server: [broken\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-reloads:
		t.Fatalf("broken config must not reload, got port %d", cfg.Server.Port)
	case <-time.After(300 * time.Millisecond):
	}

	if err := os.WriteFile(path, []byte("server:\n  port: 9092\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}
	select {
	case cfg := <-reloads:
		if cfg.Server.Port != 9092 {
			t.Fatalf("expected port 9092 got %d", cfg.Server.Port)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no reload after recovery")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("watcher did not stop on cancel")
	}
}

func TestWatchMissingFile(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"),
		slog.New(slog.NewTextHandler(io.Discard, nil)), func(*Config) {})
	if err == nil {
		t.Fatalf("expected error for missing path")
	}
}
