package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/somnolog/somnolog/internal/config"
)

const watcherValidYAML = `
server:
  log_level: info
settings:
  defaults:
    sensitivity: 5
`

const watcherUpdatedYAML = `
server:
  log_level: debug
settings:
  defaults:
    sensitivity: 8
`

const watcherInvalidYAML = `
server:
  log_level: bananas
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

// watcherModes runs each watcher test with fsnotify and with polling.
var watcherModes = []struct {
	name string
	opts []config.WatcherOption
}{
	{"fsnotify", []config.WatcherOption{config.WithInterval(50 * time.Millisecond)}},
	{"polling", []config.WatcherOption{config.WithInterval(50 * time.Millisecond), config.WithPolling()}},
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer w.Stop()

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() returned nil after initial load")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	for _, mode := range watcherModes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			cfgPath := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, cfgPath, watcherValidYAML)

			var mu sync.Mutex
			var gotOld, gotNew *config.Config
			called := make(chan struct{}, 1)

			w, err := config.NewWatcher(cfgPath, func(old, new *config.Config) {
				mu.Lock()
				gotOld, gotNew = old, new
				mu.Unlock()
				select {
				case called <- struct{}{}:
				default:
				}
			}, mode.opts...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer w.Stop()

			time.Sleep(100 * time.Millisecond)
			writeFile(t, cfgPath, watcherUpdatedYAML)

			select {
			case <-called:
			case <-time.After(3 * time.Second):
				t.Fatal("callback was not invoked within timeout")
			}

			mu.Lock()
			defer mu.Unlock()
			if gotOld.Server.LogLevel != config.LogInfo || gotNew.Server.LogLevel != config.LogDebug {
				t.Errorf("log levels: old=%q new=%q", gotOld.Server.LogLevel, gotNew.Server.LogLevel)
			}
			d := config.Diff(gotOld, gotNew)
			if !d.LogLevelChanged || !d.DefaultsChanged {
				t.Errorf("diff: %+v", d)
			}
			if w.Current().Settings.Defaults.Sensitivity != 8 {
				t.Errorf("Current() sensitivity: got %d, want 8", w.Current().Settings.Defaults.Sensitivity)
			}
		})
	}
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	for _, mode := range watcherModes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			cfgPath := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, cfgPath, watcherValidYAML)

			var mu sync.Mutex
			calls := 0
			w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
				mu.Lock()
				calls++
				mu.Unlock()
			}, mode.opts...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer w.Stop()

			time.Sleep(100 * time.Millisecond)
			writeFile(t, cfgPath, watcherInvalidYAML)
			time.Sleep(300 * time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			if calls != 0 {
				t.Errorf("callback should not be called for invalid config, got %d calls", calls)
			}
			if got := w.Current().Server.LogLevel; got != config.LogInfo {
				t.Errorf("Current() should keep old config, got log_level=%q", got)
			}
		})
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for non-existent file, got nil")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, cfgPath, watcherValidYAML)

	w, err := config.NewWatcher(cfgPath, nil, config.WithInterval(50*time.Millisecond))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w.Stop()
	w.Stop()
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	for _, mode := range watcherModes {
		t.Run(mode.name, func(t *testing.T) {
			t.Parallel()
			cfgPath := filepath.Join(t.TempDir(), "config.yaml")
			writeFile(t, cfgPath, watcherValidYAML)

			var mu sync.Mutex
			calls := 0
			w, err := config.NewWatcher(cfgPath, func(_, _ *config.Config) {
				mu.Lock()
				calls++
				mu.Unlock()
			}, mode.opts...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer w.Stop()

			time.Sleep(100 * time.Millisecond)
			writeFile(t, cfgPath, watcherValidYAML)
			now := time.Now().Add(time.Second)
			if err := os.Chtimes(cfgPath, now, now); err != nil {
				t.Fatalf("failed to touch file: %v", err)
			}
			time.Sleep(300 * time.Millisecond)

			mu.Lock()
			defer mu.Unlock()
			if calls != 0 {
				t.Errorf("callback should not fire for touch-only, got %d calls", calls)
			}
		})
	}
}
