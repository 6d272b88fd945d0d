package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("backend: postgres\npostgres:\n  host: db.internal\n  dbname: experiment1\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Backend != BackendPostgres {
		t.Fatalf("expected backend=postgres, got %s", cfg.Backend)
	}
	if cfg.Postgres.Host != "db.internal" {
		t.Fatalf("expected host=db.internal, got %s", cfg.Postgres.Host)
	}
	if cfg.Postgres.DBName != "experiment1" {
		t.Fatalf("expected dbname=experiment1, got %s", cfg.Postgres.DBName)
	}
	// Untouched defaults should survive the partial override.
	if cfg.CommitIntervalSeconds != 1 {
		t.Fatalf("expected default commit_interval_seconds=1, got %d", cfg.CommitIntervalSeconds)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Backend != BackendSQLite {
		t.Fatalf("expected default backend=sqlite, got %s", cfg.Backend)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("postgres:\n  host: from-file\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OML_PG_HOST", "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Postgres.Host != "from-env" {
		t.Fatalf("expected env override host=from-env, got %s", cfg.Postgres.Host)
	}
}

func TestCommitIntervalDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.CommitInterval(); got.Seconds() != 1 {
		t.Fatalf("expected default 1s commit interval, got %s", got)
	}
}
