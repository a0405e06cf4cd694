package config_test

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/somnolog/somnolog/internal/config"
)

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"SOMNOLOG_LOG_LEVEL":          "warn",
		"SOMNOLOG_STORAGE_BACKEND":    "postgres",
		"SOMNOLOG_POSTGRES_DSN":       "postgres://env/db",
		"SOMNOLOG_REDIS_PASSWORD":     "s3cret",
		"SOMNOLOG_CLASSIFIER_API_KEY": "key",
		"SOMNOLOG_LISTEN_ADDR":        "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &config.Config{}
	cfg.Server.ListenAddr = ":1234"
	config.ApplyEnv(cfg, lookup)

	if cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("log level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Storage.Backend != config.StoragePostgres || cfg.Storage.PostgresDSN != "postgres://env/db" {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	if cfg.Slot.RedisPassword != "s3cret" {
		t.Errorf("redis password: got %q", cfg.Slot.RedisPassword)
	}
	if cfg.Providers.Classifier.APIKey != "key" {
		t.Errorf("classifier api key: got %q", cfg.Providers.Classifier.APIKey)
	}
	if cfg.Server.ListenAddr != ":1234" {
		t.Errorf("empty env value should not override, got %q", cfg.Server.ListenAddr)
	}
}

func TestLoad_File(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "somnolog.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: sqlite\n  sqlite_path: /tmp/s.db\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, set := os.LookupEnv("SOMNOLOG_SQLITE_PATH"); !set && cfg.Storage.SQLitePath != "/tmp/s.db" {
		t.Errorf("sqlite path: got %q", cfg.Storage.SQLitePath)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error should wrap fs.ErrNotExist, got %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"audio", "features", "classifier"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("no built-in names for %q", kind)
		}
	}
}
