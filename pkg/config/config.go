// Package config loads runtime settings from defaults, YAML files, profile
// overlays, RTFS_ environment variables and command line overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides
// (RTFS_CONTEXT_DEFAULT_MERGE_POLICY -> context.default_merge_policy).
const EnvPrefix = "RTFS_"

type Config struct {
	Log        LogConfig        `koanf:"log"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Context    ContextConfig    `koanf:"context"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Audit      AuditConfig      `koanf:"audit"`
	Retention  RetentionConfig  `koanf:"retention"`
	Host       HostConfig       `koanf:"host"`
	MCP        MCPConfig        `koanf:"mcp"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Exporter           string            `koanf:"exporter"` // stdout, otlp, none
	ServiceName        string            `koanf:"service_name"`
	ServiceVersion     string            `koanf:"service_version"`
	OTLPEndpoint       string            `koanf:"otlp_endpoint"`
	OTLPInsecure       bool              `koanf:"otlp_insecure"`
	OTLPTimeoutSeconds int               `koanf:"otlp_timeout_seconds"`
	OTLPHeaders        map[string]string `koanf:"otlp_headers"`
}

type ContextConfig struct {
	DefaultIsolation   string        `koanf:"default_isolation"`
	DefaultMergePolicy string        `koanf:"default_merge_policy"`
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
}

type CheckpointConfig struct {
	Store string `koanf:"store"` // memory, sqlite, file
	DSN   string `koanf:"dsn"`
	Path  string `koanf:"path"`
}

type AuditConfig struct {
	Store string `koanf:"store"` // memory, sqlite, none
	DSN   string `koanf:"dsn"`
}

// RetentionConfig drives the background sweeper. A zero interval disables it.
type RetentionConfig struct {
	Interval          time.Duration `koanf:"interval"`
	AbandonedAfter    time.Duration `koanf:"abandoned_after"`
	RequireCheckpoint bool          `koanf:"require_checkpoint"`
	CheckpointOnSweep bool          `koanf:"checkpoint_on_sweep"`
}

type HostConfig struct {
	ImpurePrefixes    []string           `koanf:"impure_prefixes"`
	ImpureSymbols     []string           `koanf:"impure_symbols"`
	DefaultDecision   string             `koanf:"default_decision"` // allow, deny, pending
	DecisionCacheSize int                `koanf:"decision_cache_size"`
	CallTimeout       time.Duration      `koanf:"call_timeout"`
	Policies          []PolicyRuleConfig `koanf:"policies"`
	Retry             RetryConfig        `koanf:"retry"`
}

type PolicyRuleConfig struct {
	ID        string `koanf:"id"`
	Effect    string `koanf:"effect"`
	Symbol    string `koanf:"symbol"`
	Namespace string `koanf:"namespace"`
	Reason    string `koanf:"reason"`
}

type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"`
	InitialDelay time.Duration `koanf:"initial_delay"`
	MaxDelay     time.Duration `koanf:"max_delay"`
}

// MCPConfig points at one MCP server. Command selects stdio, URL selects
// streamable HTTP; with neither set no MCP host is wired.
type MCPConfig struct {
	Command      string        `koanf:"command"`
	Args         []string      `koanf:"args"`
	URL          string        `koanf:"url"`
	SymbolPrefix string        `koanf:"symbol_prefix"`
	Timeout      time.Duration `koanf:"timeout"`
}

// listKeys are split on commas when they come from the environment.
var listKeys = map[string]bool{
	"host.impure_prefixes": true,
	"host.impure_symbols":  true,
	"mcp.args":             true,
}

// nestedSections lists sub-sections addressable from the environment
// (RTFS_HOST_RETRY_MAX_ATTEMPTS -> host.retry.max_attempts).
var nestedSections = map[string][]string{
	"host":      {"retry"},
	"telemetry": {"otlp_headers"},
}

func setDefaults(k *koanf.Koanf) {
	k.Set("log.level", "info")
	k.Set("log.format", "text")

	k.Set("telemetry.exporter", "none")
	k.Set("telemetry.service_name", "rtfsctx")
	k.Set("telemetry.service_version", "0.1.0")
	k.Set("telemetry.otlp_endpoint", "localhost:4317")
	k.Set("telemetry.otlp_insecure", true)
	k.Set("telemetry.otlp_timeout_seconds", 10)

	k.Set("context.default_isolation", "inherit")
	k.Set("context.default_merge_policy", "keep-existing")
	k.Set("context.checkpoint_interval", "0s")

	k.Set("checkpoint.store", "memory")
	k.Set("checkpoint.dsn", "file:rtfs.db")
	k.Set("checkpoint.path", "checkpoints.jsonl")

	k.Set("audit.store", "memory")
	k.Set("audit.dsn", "file:rtfs.db")

	k.Set("retention.interval", "0s")
	k.Set("retention.abandoned_after", "0s")
	k.Set("retention.require_checkpoint", true)
	k.Set("retention.checkpoint_on_sweep", false)

	k.Set("host.impure_prefixes", []string{"capability.", "net.", "http.", "fs.", "agent.", "mcp.", "delegate."})
	k.Set("host.impure_symbols", []string{"read-file", "write-file", "http-fetch", "sleep", "now", "random", "log", "println"})
	k.Set("host.default_decision", "allow")
	k.Set("host.decision_cache_size", 1024)
	k.Set("host.call_timeout", "30s")
	k.Set("host.retry.max_attempts", 3)
	k.Set("host.retry.initial_delay", "100ms")
	k.Set("host.retry.max_delay", "2s")

	k.Set("mcp.symbol_prefix", "mcp.")
	k.Set("mcp.timeout", "30s")
}

// Load reads defaults, the optional YAML file at path and the environment.
func Load(path string) (*Config, error) {
	return LoadWithProfile(path, "")
}

// LoadWithProfile is Load plus the overlay config.<profile>.yaml next to
// path, applied before the environment.
func LoadWithProfile(path, profile string) (*Config, error) {
	k, err := load(path, profile)
	if err != nil {
		return nil, err
	}
	return unmarshal(k)
}

// LoadWithCLI understands --config, --profile (alias --env) and repeated
// --set key=value. Overrides win over the environment. JSON values are
// decoded, so --set 'host.impure_symbols=["a","b"]' sets a list.
func LoadWithCLI(args []string) (*Config, error) {
	opts, sets, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	k, err := load(opts.path, opts.profile)
	if err != nil {
		return nil, err
	}
	for _, kv := range sets {
		if err := k.Set(kv.key, kv.value); err != nil {
			return nil, fmt.Errorf("set %s: %w", kv.key, err)
		}
	}
	return unmarshal(k)
}

func load(path, profile string) (*koanf.Koanf, error) {
	k := koanf.New(".")
	setDefaults(k)

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		if overlay := profileConfigPath(path, profile); overlay != "" {
			if err := k.Load(file.Provider(overlay), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("load %s: %w", overlay, err)
			}
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, err
	}
	return k, nil
}

func unmarshal(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envValue(name, raw string) (string, any) {
	key := envKey(name)
	if key == "" {
		return "", nil
	}
	if listKeys[key] {
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return key, out
	}
	return key, raw
}

// envKey maps RTFS_SECTION_SOME_KEY to section.some_key.
func envKey(name string) string {
	rest := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	section, key, ok := strings.Cut(rest, "_")
	if !ok || key == "" {
		return ""
	}
	for _, sub := range nestedSections[section] {
		if strings.HasPrefix(key, sub+"_") {
			return section + "." + sub + "." + strings.TrimPrefix(key, sub+"_")
		}
	}
	return section + "." + key
}

// profileConfigPath returns config.<profile>.yaml next to base when it
// exists.
func profileConfigPath(base, profile string) string {
	if base == "" || profile == "" {
		return ""
	}
	ext := filepath.Ext(base)
	candidate := strings.TrimSuffix(base, ext) + "." + profile + ext
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

type cliOptions struct {
	path    string
	profile string
}

type cliSet struct {
	key   string
	value any
}

func parseCLIOverrides(args []string) (cliOptions, []cliSet, error) {
	var (
		opts cliOptions
		sets []cliSet
	)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, val, hasVal := strings.Cut(arg, "=")
		switch name {
		case "--config", "--profile", "--env", "--set":
		default:
			continue
		}
		if !hasVal {
			if i+1 >= len(args) {
				return opts, nil, fmt.Errorf("%s requires a value", name)
			}
			i++
			val = args[i]
		}
		switch name {
		case "--config":
			opts.path = val
		case "--profile", "--env":
			opts.profile = val
		case "--set":
			key, raw, ok := strings.Cut(val, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return opts, nil, fmt.Errorf("invalid --set %q, want key=value", val)
			}
			sets = append(sets, cliSet{key: strings.TrimSpace(key), value: decodeSetValue(raw)})
		}
	}
	return opts, sets, nil
}

func decodeSetValue(raw string) any {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return raw
}
