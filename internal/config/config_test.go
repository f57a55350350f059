package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := defaults()
	if cfg != want {
		t.Fatalf("expected defaults %+v, got %+v", want, cfg)
	}
}

func TestLoadMissingFileReturnsErrConfigNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if !errors.Is(err, ErrConfigNotFound) {
		t.Fatalf("expected ErrConfigNotFound, got %v", err)
	}
}

func TestLoadParsesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quartzdb.toml", `
data_dir = "/var/lib/quartzdb"
plan_cache_size = 1024
fanout_budget_default = 5000

[telemetry]
exporter = "stdout"
service_name = "quartzdb-test"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/quartzdb" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if cfg.PlanCacheSize != 1024 {
		t.Errorf("PlanCacheSize = %d", cfg.PlanCacheSize)
	}
	if cfg.FanoutBudgetDefault != 5000 {
		t.Errorf("FanoutBudgetDefault = %d", cfg.FanoutBudgetDefault)
	}
	if cfg.Telemetry.Exporter != "stdout" || cfg.Telemetry.ServiceName != "quartzdb-test" {
		t.Errorf("unexpected telemetry config: %+v", cfg.Telemetry)
	}
	// Fields absent from the file keep their defaults.
	if cfg.MigrationBatchSize != defaults().MigrationBatchSize {
		t.Errorf("MigrationBatchSize = %d, want default", cfg.MigrationBatchSize)
	}
}

func TestLoadEnvOverlayWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "quartzdb.toml", `data_dir = "/from/file"`)

	t.Setenv("QUARTZDB_DATA_DIR", "/from/env")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/from/env" {
		t.Fatalf("expected env override to win, got %q", cfg.DataDir)
	}
}

func TestResolveDataDirCreatesDirectory(t *testing.T) {
	base := t.TempDir()
	cfg := Config{DataDir: filepath.Join(base, "nested", "data")}

	abs, err := ResolveDataDir(cfg)
	if err != nil {
		t.Fatalf("ResolveDataDir: %v", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		t.Fatalf("stat %s: %v", abs, err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", abs)
	}
}
