package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Context.DefaultMergePolicy != "keep-existing" {
		t.Errorf("expected default merge policy keep-existing, got %s", cfg.Context.DefaultMergePolicy)
	}
	if cfg.Checkpoint.Store != "memory" {
		t.Errorf("expected memory checkpoint store, got %s", cfg.Checkpoint.Store)
	}
	if cfg.Host.Retry.InitialDelay != 100*time.Millisecond {
		t.Errorf("expected 100ms initial delay, got %s", cfg.Host.Retry.InitialDelay)
	}
	if cfg.Host.CallTimeout != 30*time.Second {
		t.Errorf("expected 30s call timeout, got %s", cfg.Host.CallTimeout)
	}
	if len(cfg.Host.ImpurePrefixes) == 0 {
		t.Errorf("expected default impure prefixes")
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("RTFS_CONTEXT_DEFAULT_MERGE_POLICY", "overwrite")
	t.Setenv("RTFS_HOST_RETRY_MAX_ATTEMPTS", "7")
	t.Setenv("RTFS_HOST_IMPURE_SYMBOLS", "now, sleep")
	t.Setenv("RTFS_RETENTION_INTERVAL", "1m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Context.DefaultMergePolicy != "overwrite" {
		t.Errorf("expected merge policy from env, got %s", cfg.Context.DefaultMergePolicy)
	}
	if cfg.Host.Retry.MaxAttempts != 7 {
		t.Errorf("expected 7 attempts from env, got %d", cfg.Host.Retry.MaxAttempts)
	}
	if len(cfg.Host.ImpureSymbols) != 2 || cfg.Host.ImpureSymbols[1] != "sleep" {
		t.Errorf("expected impure symbols [now sleep], got %v", cfg.Host.ImpureSymbols)
	}
	if cfg.Retention.Interval != time.Minute {
		t.Errorf("expected 1m retention interval, got %s", cfg.Retention.Interval)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"RTFS_LOG_LEVEL":                    "log.level",
		"RTFS_CONTEXT_DEFAULT_MERGE_POLICY": "context.default_merge_policy",
		"RTFS_HOST_RETRY_MAX_DELAY":         "host.retry.max_delay",
		"RTFS_HOST_CALL_TIMEOUT":            "host.call_timeout",
		"RTFS_LOG":                          "",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadFileWithPolicies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
host:
  default_decision: deny
  policies:
    - id: allow-echo
      effect: allow
      symbol: capability.*
    - id: block-net
      effect: deny
      namespace: net
      reason: no network
mcp:
  command: ./tools
  args: ["--stdio"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Host.DefaultDecision != "deny" {
		t.Errorf("expected deny default, got %s", cfg.Host.DefaultDecision)
	}
	if len(cfg.Host.Policies) != 2 || cfg.Host.Policies[1].Namespace != "net" {
		t.Fatalf("unexpected policies %+v", cfg.Host.Policies)
	}
	if cfg.MCP.Command != "./tools" || len(cfg.MCP.Args) != 1 {
		t.Errorf("unexpected mcp config %+v", cfg.MCP)
	}
	if cfg.MCP.SymbolPrefix != "mcp." {
		t.Errorf("expected default symbol prefix kept, got %q", cfg.MCP.SymbolPrefix)
	}
}

func TestLoadWithProfile(t *testing.T) {
	tmpDir := t.TempDir()

	baseConfig := `
checkpoint:
  store: file
  path: base.jsonl
log:
  level: "info"
`
	basePath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(basePath, []byte(baseConfig), 0644); err != nil {
		t.Fatalf("failed to write base config: %v", err)
	}

	devConfig := `
checkpoint:
  store: memory
log:
  level: "debug"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.dev.yaml"), []byte(devConfig), 0644); err != nil {
		t.Fatalf("failed to write dev config: %v", err)
	}

	prodConfig := `
checkpoint:
  store: sqlite
log:
  level: "warn"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "config.prod.yaml"), []byte(prodConfig), 0644); err != nil {
		t.Fatalf("failed to write prod config: %v", err)
	}

	tests := []struct {
		name         string
		profile      string
		wantStore    string
		wantLogLevel string
		wantPath     string // inherited from base when not overridden
	}{
		{name: "no profile - base only", profile: "", wantStore: "file", wantLogLevel: "info", wantPath: "base.jsonl"},
		{name: "dev profile", profile: "dev", wantStore: "memory", wantLogLevel: "debug", wantPath: "base.jsonl"},
		{name: "prod profile", profile: "prod", wantStore: "sqlite", wantLogLevel: "warn", wantPath: "base.jsonl"},
		{name: "nonexistent profile - falls back to base", profile: "staging", wantStore: "file", wantLogLevel: "info", wantPath: "base.jsonl"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := LoadWithProfile(basePath, tc.profile)
			if err != nil {
				t.Fatalf("LoadWithProfile failed: %v", err)
			}
			if cfg.Checkpoint.Store != tc.wantStore {
				t.Errorf("store: got %s, want %s", cfg.Checkpoint.Store, tc.wantStore)
			}
			if cfg.Log.Level != tc.wantLogLevel {
				t.Errorf("log level: got %s, want %s", cfg.Log.Level, tc.wantLogLevel)
			}
			if cfg.Checkpoint.Path != tc.wantPath {
				t.Errorf("path: got %s, want %s", cfg.Checkpoint.Path, tc.wantPath)
			}
		})
	}
}

func TestProfileConfigPath(t *testing.T) {
	tmpDir := t.TempDir()

	devPath := filepath.Join(tmpDir, "config.dev.yaml")
	if err := os.WriteFile(devPath, []byte("test"), 0644); err != nil {
		t.Fatalf("failed to create dev config: %v", err)
	}
	basePath := filepath.Join(tmpDir, "config.yaml")

	tests := []struct {
		name     string
		base     string
		profile  string
		wantPath string
	}{
		{"existing profile", basePath, "dev", devPath},
		{"nonexistent profile", basePath, "prod", ""},
		{"empty profile", basePath, "", ""},
		{"empty base", "", "dev", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := profileConfigPath(tc.base, tc.profile)
			if got != tc.wantPath {
				t.Errorf("profileConfigPath(%q, %q) = %q, want %q", tc.base, tc.profile, got, tc.wantPath)
			}
		})
	}
}
