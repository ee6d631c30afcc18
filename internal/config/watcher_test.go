// internal/config/watcher_test.go
package config

import (
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	reloaded := make(chan *Config, 1)
	w, err := Watch(path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.LogLevel != "debug" {
			t.Errorf("log_level = %q, want debug", cfg.LogLevel)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload callback never fired")
	}
}

func TestWatch_IgnoresInvalidRewrite(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")

	reloaded := make(chan *Config, 4)
	w, err := Watch(path, func(cfg *Config) { reloaded <- cfg }, zerolog.Nop())
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer w.Close()

	// Broken YAML must not reach the callback.
	if err := os.WriteFile(path, []byte("log_level: [broken\n"), 0644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		t.Errorf("unexpected reload with config %+v", cfg)
	case <-time.After(time.Second):
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	path := writeConfig(t, "log_level: info\n")
	w, err := Watch(path, func(*Config) {}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
