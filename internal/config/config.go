// Package config provides the typed server configuration bound to the
// process environment.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Placeholder tokens refused at startup unless ALLOW_INSECURE_DEV is set.
var placeholderTokens = map[string]struct{}{
	"change-me": {},
	"dev":       {},
}

// Startup auth failures, distinguished so the caller can log the right event.
var (
	ErrTokenMissing     = errors.New("MCP_TOKEN is required")
	ErrTokenPlaceholder = errors.New("MCP_TOKEN is a placeholder value; set a real token or ALLOW_INSECURE_DEV=true")
)

// AuthConfig controls the bearer-token gate on every tool request.
type AuthConfig struct {
	// Token is the required MCP bearer token.
	Token string `mapstructure:"token"`

	// AllowInsecureDev permits a placeholder token (with a warning).
	AllowInsecureDev bool `mapstructure:"allow_insecure_dev"`

	// AllowQueryToken enables the ?token= fallback for clients that cannot
	// set headers.
	AllowQueryToken bool `mapstructure:"allow_query_token"`
}

// WatchdogConfig holds the stale-task watchdog parameters. All of these are
// hot: the loop re-reads them each iteration via Watchdog().
type WatchdogConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Action          string `mapstructure:"action"`
	TTLSeconds      int    `mapstructure:"ttl_seconds"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	BatchLimit      int    `mapstructure:"batch_limit"`
	ProjectID       string `mapstructure:"project_id"`
}

// SemanticConfig selects the embedding mode for memory search.
type SemanticConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Model   string `mapstructure:"model"`
}

// TracingConfig carries the OTLP surface for span export.
type TracingConfig struct {
	// Enabled is the explicit TRACING_ENABLED override; when unset the
	// effective default is "enabled in dev".
	Enabled    *bool  `mapstructure:"enabled"`
	Endpoint   string `mapstructure:"endpoint"`
	Headers    string `mapstructure:"headers"`
	Attributes string `mapstructure:"attributes"`

	// Exporter forces a backend ("otlp", "console", "file", "none"). Empty
	// selects otlp when an endpoint is configured, console otherwise.
	Exporter string `mapstructure:"exporter"`
	FilePath string `mapstructure:"file_path"`
}

// Config holds all configuration options for the server.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	Env         string `mapstructure:"env"`
	LogLevel    string `mapstructure:"log_level"`
	DatabaseURL string `mapstructure:"database_url"`

	// MemoryRoot is the directory holding governance token and policy files.
	MemoryRoot string `mapstructure:"memory_root"`

	// IngestMaxContentChars caps ingest_event content;
	// MemoryMaxContentChars caps add_memory content.
	IngestMaxContentChars int `mapstructure:"ingest_max_content_chars"`
	MemoryMaxContentChars int `mapstructure:"memory_max_content_chars"`

	OrchestratorEnabled bool `mapstructure:"orchestrator_enabled"`

	Auth     AuthConfig     `mapstructure:"auth"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Semantic SemanticConfig `mapstructure:"semantic"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:            ":8000",
		Env:                   "dev",
		LogLevel:              "info",
		MemoryRoot:            "./memory",
		IngestMaxContentChars: 100000,
		MemoryMaxContentChars: 100000,
		OrchestratorEnabled:   true,
		Watchdog: WatchdogConfig{
			Enabled:         false,
			Action:          "requeue",
			TTLSeconds:      600,
			IntervalSeconds: 30,
			BatchLimit:      100,
		},
		Semantic: SemanticConfig{Model: "disabled"},
	}
}

// envBindings maps viper keys to their environment variables.
var envBindings = map[string]string{
	"listen_addr":               "LISTEN_ADDR",
	"env":                       "ENV",
	"log_level":                 "LOG_LEVEL",
	"database_url":              "DATABASE_URL",
	"memory_root":               "NF_MEMORY_ROOT",
	"ingest_max_content_chars":  "INGEST_EVENT_MAX_CONTENT_CHARS",
	"memory_max_content_chars":  "MEMORY_MAX_CONTENT_CHARS",
	"orchestrator_enabled":      "ORCHESTRATOR_ENABLED",
	"auth.token":                "MCP_TOKEN",
	"auth.allow_insecure_dev":   "ALLOW_INSECURE_DEV",
	"auth.allow_query_token":    "MCP_ALLOW_QUERY_TOKEN",
	"watchdog.enabled":          "TASK_WATCHDOG_ENABLED",
	"watchdog.action":           "TASK_WATCHDOG_ACTION",
	"watchdog.ttl_seconds":      "TASK_WATCHDOG_TTL_SECONDS",
	"watchdog.interval_seconds": "TASK_WATCHDOG_INTERVAL_SECONDS",
	"watchdog.batch_limit":      "TASK_WATCHDOG_BATCH_LIMIT",
	"watchdog.project_id":       "TASK_WATCHDOG_PROJECT_ID",
	"semantic.enabled":          "SEMANTIC_SEARCH_ENABLED",
	"semantic.model":            "SEMANTIC_MODEL",
	"tracing.enabled":           "TRACING_ENABLED",
	"tracing.headers":           "OTEL_EXPORTER_OTLP_HEADERS",
	"tracing.attributes":        "OTEL_RESOURCE_ATTRIBUTES",
}

// bindEnv wires every key to its environment variable on v.
func bindEnv(v *viper.Viper) {
	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
	// The traces-specific endpoint wins over the generic one.
	_ = v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

// setDefaults seeds v with Defaults().
func setDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("env", d.Env)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("memory_root", d.MemoryRoot)
	v.SetDefault("ingest_max_content_chars", d.IngestMaxContentChars)
	v.SetDefault("memory_max_content_chars", d.MemoryMaxContentChars)
	v.SetDefault("orchestrator_enabled", d.OrchestratorEnabled)
	v.SetDefault("watchdog.enabled", d.Watchdog.Enabled)
	v.SetDefault("watchdog.action", d.Watchdog.Action)
	v.SetDefault("watchdog.ttl_seconds", d.Watchdog.TTLSeconds)
	v.SetDefault("watchdog.interval_seconds", d.Watchdog.IntervalSeconds)
	v.SetDefault("watchdog.batch_limit", d.Watchdog.BatchLimit)
	v.SetDefault("semantic.model", d.Semantic.Model)
}

// flagBindings maps viper keys to CLI flag names. A changed flag outranks the
// environment; an untouched one falls through to it.
var flagBindings = map[string]string{
	"listen_addr":  "listen",
	"database_url": "database-url",
}

// Load reads configuration from the environment and an optional config file.
func Load(cfgFile string) (Config, error) {
	return LoadWithFlags(cfgFile, nil)
}

// LoadWithFlags additionally layers CLI flags over the environment. Only the
// flags named in flagBindings participate; a nil set skips the binding.
func LoadWithFlags(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)

	if flags != nil {
		for key, name := range flagBindings {
			if f := flags.Lookup(name); f != nil {
				_ = v.BindPFlag(key, f)
			}
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// ValidateAuth enforces the startup token policy: a token must be configured,
// and placeholder values are refused unless AllowInsecureDev is set. The
// returned bool reports whether a placeholder was admitted, so the caller can
// log a warning.
func (c Config) ValidateAuth() (insecure bool, err error) {
	token := strings.TrimSpace(c.Auth.Token)
	if token == "" {
		return false, ErrTokenMissing
	}
	if _, placeholder := placeholderTokens[token]; placeholder {
		if !c.Auth.AllowInsecureDev {
			return false, ErrTokenPlaceholder
		}
		return true, nil
	}
	return false, nil
}

// TracingEnabled resolves the effective tracing switch: the explicit
// TRACING_ENABLED value when present, otherwise enabled only in dev.
func (c Config) TracingEnabled() bool {
	if c.Tracing.Enabled != nil {
		return *c.Tracing.Enabled
	}
	return strings.EqualFold(strings.TrimSpace(c.Env), "dev")
}

// watchdogViper serves the hot-parameter reads; it consults the environment
// on every Get.
var watchdogViper = func() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	bindEnv(v)
	return v
}()

// Watchdog returns the current watchdog parameters, re-read from the
// environment so the loop picks up changes without a restart. Action is
// normalized to requeue|fail and the interval clamps to a 1s minimum.
func Watchdog() WatchdogConfig {
	v := watchdogViper

	action := strings.ToLower(strings.TrimSpace(v.GetString("watchdog.action")))
	if action != "fail" {
		action = "requeue"
	}

	interval := v.GetInt("watchdog.interval_seconds")
	if interval < 1 {
		interval = 1
	}

	ttl := v.GetInt("watchdog.ttl_seconds")
	if ttl <= 0 {
		ttl = 600
	}

	limit := v.GetInt("watchdog.batch_limit")
	if limit <= 0 {
		limit = 100
	}

	return WatchdogConfig{
		Enabled:         v.GetBool("watchdog.enabled"),
		Action:          action,
		TTLSeconds:      ttl,
		IntervalSeconds: interval,
		BatchLimit:      limit,
		ProjectID:       strings.TrimSpace(v.GetString("watchdog.project_id")),
	}
}
