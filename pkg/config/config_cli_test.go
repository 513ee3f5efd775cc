package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadWithCLIOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	content := []byte(`
context:
  default_isolation: isolated
telemetry:
  exporter: stdout
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RTFS_CHECKPOINT_STORE", "file")

	cfg, err := LoadWithCLI([]string{
		"run", "plan.yaml",
		"--config", path,
		"--set", "checkpoint.store=sqlite",
		"--set", "context.checkpoint_interval=5s",
		"--set", "retention.require_checkpoint=false",
		"--set", `host.impure_symbols=["now","sleep"]`,
		"--set", "telemetry.otlp_headers.x-api-key=secret-token",
	})
	if err != nil {
		t.Fatalf("LoadWithCLI failed: %v", err)
	}
	if cfg.Context.DefaultIsolation != "isolated" {
		t.Fatalf("expected isolation from file, got %s", cfg.Context.DefaultIsolation)
	}
	if cfg.Checkpoint.Store != "sqlite" {
		t.Fatalf("expected cli override to beat env, got %s", cfg.Checkpoint.Store)
	}
	if cfg.Context.CheckpointInterval != 5*time.Second {
		t.Fatalf("expected 5s checkpoint interval, got %s", cfg.Context.CheckpointInterval)
	}
	if cfg.Retention.RequireCheckpoint {
		t.Fatalf("expected require_checkpoint=false")
	}
	if len(cfg.Host.ImpureSymbols) != 2 {
		t.Fatalf("expected JSON list override, got %v", cfg.Host.ImpureSymbols)
	}
	if cfg.Telemetry.OTLPHeaders["x-api-key"] != "secret-token" {
		t.Fatalf("expected telemetry header override, got %v", cfg.Telemetry.OTLPHeaders)
	}
}

func TestLoadWithCLIProfile(t *testing.T) {
	tmpDir := t.TempDir()
	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte("audit:\n  store: memory\n"), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, "config.dev.yaml"), []byte("audit:\n  store: sqlite\n"), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	tests := []struct {
		name string
		args []string
	}{
		{"profile flag", []string{"--config", basePath, "--profile", "dev"}},
		{"env flag alias", []string{"--config", basePath, "--env", "dev"}},
		{"profile with equals", []string{"--config=" + basePath, "--profile=dev"}},
		{"env with equals", []string{"--config=" + basePath, "--env=dev"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithCLI(tc.args)
			if err != nil {
				t.Fatalf("LoadWithCLI failed: %v", err)
			}
			if cfg.Audit.Store != "sqlite" {
				t.Errorf("audit store: got %s, want sqlite", cfg.Audit.Store)
			}
		})
	}
}

func TestParseCLIOverridesErrors(t *testing.T) {
	if _, _, err := parseCLIOverrides([]string{"--config"}); err == nil {
		t.Fatalf("expected error for missing --config value")
	}
	if _, _, err := parseCLIOverrides([]string{"--set"}); err == nil {
		t.Fatalf("expected error for missing --set value")
	}
	if _, _, err := parseCLIOverrides([]string{"--set", "invalid"}); err == nil {
		t.Fatalf("expected error for invalid --set value")
	}
}
