// Package config loads the bridge's runtime configuration from environment
// variables, with an optional config.yaml override living in the home
// profile directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig holds the settings for the chat transport consumer.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

// OtelConfig controls the optional tracing/metrics exporter.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// GatewayConfig controls the loopback debug HTTP/WS endpoint.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config is the bridge's full runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	CodexBin string `yaml:"codex_bin"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	TurnTimeoutSeconds    int `yaml:"turn_timeout_seconds"`

	RequestTimeout time.Duration `yaml:"-"`
	TurnTimeout    time.Duration `yaml:"-"`

	Telegram TelegramConfig `yaml:"telegram"`
	Otel     OtelConfig     `yaml:"otel"`
	Gateway  GatewayConfig  `yaml:"status_gateway"`

	AuditDB bool `yaml:"audit_db"`

	// InstructionsFallbackOnly makes the universal instructions override
	// apply only when the active workspace has no AGENTS.md or
	// AGENTS.override.md of its own.
	InstructionsFallbackOnly bool `yaml:"instructions_fallback_only"`
}

// Default returns the configuration's baked-in defaults, before config.yaml
// and environment overrides are layered on top.
func Default(homeDir string) Config {
	return Config{
		HomeDir:               homeDir,
		CodexBin:              "codex",
		LogLevel:              "info",
		RequestTimeoutSeconds: 60,
		TurnTimeoutSeconds:    180,
		Otel: OtelConfig{
			Exporter:    "none",
			ServiceName: "codexbridge",
			SampleRate:  1.0,
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:8765",
		},
		AuditDB: true,
	}
}

// Path returns the path to config.yaml within the given home directory.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load builds the effective configuration: defaults, then config.yaml (if
// present), then environment variable overrides, in that order.
func Load(homeDir string) (Config, error) {
	cfg := Default(homeDir)

	data, err := os.ReadFile(Path(homeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	cfg.HomeDir = homeDir

	applyEnvOverrides(&cfg)

	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = 60
	}
	if cfg.TurnTimeoutSeconds <= 0 {
		cfg.TurnTimeoutSeconds = 180
	}
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	cfg.TurnTimeout = time.Duration(cfg.TurnTimeoutSeconds) * time.Second

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v := os.Getenv("ALLOWED_USER_IDS"); v != "" {
		cfg.Telegram.AllowedIDs = parseInt64List(v)
	}
	if v := os.Getenv("CODEX_BIN"); v != "" {
		cfg.CodexBin = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CODEXBRIDGE_QUIET"); v != "" {
		cfg.Quiet = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("CODEXBRIDGE_OTEL_EXPORTER"); v != "" {
		cfg.Otel.Exporter = v
		cfg.Otel.Enabled = v != "none" && v != ""
	}
}

func parseInt64List(v string) []int64 {
	var out []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
