// Package config handles gateway configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConflictResolutionPolicy controls what happens when a new connection
// arrives for a game that already has an active one.
type ConflictResolutionPolicy string

const (
	// DropIncoming closes the new connection and keeps the existing one.
	DropIncoming ConflictResolutionPolicy = "drop_incoming"
	// DropExisting closes the existing connection and adopts the new one.
	DropExisting ConflictResolutionPolicy = "drop_existing"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/gateway/config.yaml, /config/config.yaml,
// /etc/gateway/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "gateway", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/gateway/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all gateway configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	LLM      LLMConfig      `yaml:"llm"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Audit    AuditConfig    `yaml:"audit"`
	DataDir  string         `yaml:"data_dir"`
	RulesDir string         `yaml:"rules_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ListenConfig defines the WebSocket listener settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the generator backend.
type LLMConfig struct {
	// Engine selects the Generator implementation to construct.
	// Supported: "llama_cpp" (transparent-KV, supports partial trim),
	// "opaque" (hosted/opaque-state, full-reset only).
	Engine string `yaml:"engine"`
	Model  string `yaml:"model"`
	APIKey string `yaml:"api_key"`
}

// SchedulerConfig controls per-game idle timers and say pacing.
type SchedulerConfig struct {
	// IdleTimeoutTrySeconds: if the model does not act for this many
	// seconds, manually ask it to act (it may decide not to). 0 disables.
	IdleTimeoutTrySeconds float64 `yaml:"idle_timeout_try"`
	// IdleTimeoutForceSeconds: if the model does not act for this many
	// seconds, force it to pick an action to perform. 0 disables.
	IdleTimeoutForceSeconds float64 `yaml:"idle_timeout_force"`
	// SleepAfterSay paces the scheduler after the model chooses to say
	// something during a try_action, to simulate waiting for
	// text-to-speech playback. The pause is a fixed 2 seconds; it does
	// not scale with the length of the message, and a forced say does
	// not trigger it.
	SleepAfterSay bool `yaml:"sleep_after_say"`
}

// GatewayConfig holds the behavior knobs named in the wire protocol and
// scheduling sections.
type GatewayConfig struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// ExistingConnectionPolicy: what to do when a new connection arrives
	// for a game that already has an active one.
	ExistingConnectionPolicy ConflictResolutionPolicy `yaml:"existing_connection_policy"`
	// AllowYapping: whether "say" is an option in try_action.
	AllowYapping bool `yaml:"allow_yapping"`
	// EnforceSchema is passed through to each game's options, but action
	// data is always generated against the chosen action's schema; this
	// flag does not switch generation to free-form JSON.
	EnforceSchema bool `yaml:"enforce_schema"`
	// TokenLimit bounds the context log; truncation is invoked eagerly
	// once any pending append plus headroom would exceed it.
	TokenLimit int `yaml:"token_limit"`
	Temperature float64 `yaml:"temperature"`
}

// AuditConfig controls the optional SQLite-backed action history log.
// This is diagnostic only: it never restores live scheduling state.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Configured reports whether a model name is set for the configured engine.
func (c LLMConfig) Configured() bool {
	return c.Model != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults (see applyDefaults), and validates the
// result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand $ENV:VAR_NAME tokens, the convention carried over from the
	// original gateway's config loader, in addition to ${VAR} expansion.
	expanded := expandGaryEnv(os.ExpandEnv(string(data)))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func expandGaryEnv(s string) string {
	const prefix = "$ENV:"
	for {
		idx := strings.Index(s, prefix)
		if idx < 0 {
			return s
		}
		rest := s[idx+len(prefix):]
		end := strings.IndexAny(rest, " \t\n\"'")
		var name string
		if end < 0 {
			name = rest
		} else {
			name = rest[:end]
		}
		s = s[:idx] + os.Getenv(name) + s[idx+len(prefix)+len(name):]
	}
}

// applyDefaults fills in zero-value fields that have a default: listen
// port, data and rules directories, idle timeouts, connection policy,
// token limit and audit path. Called automatically by Load. Other
// fields, such as llm.engine and gateway.temperature, keep whatever the
// file set, including their zero value.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.RulesDir == "" {
		c.RulesDir = "./rules"
	}
	if c.Gateway.Scheduler.IdleTimeoutTrySeconds == 0 {
		c.Gateway.Scheduler.IdleTimeoutTrySeconds = 5.0
	}
	if c.Gateway.Scheduler.IdleTimeoutForceSeconds == 0 {
		c.Gateway.Scheduler.IdleTimeoutForceSeconds = 30.0
	}
	if c.Gateway.ExistingConnectionPolicy == "" {
		c.Gateway.ExistingConnectionPolicy = DropExisting
	}
	if c.Gateway.TokenLimit == 0 {
		c.Gateway.TokenLimit = 8192
	}
	if c.Audit.Path == "" {
		c.Audit.Path = filepath.Join(c.DataDir, "audit.db")
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	switch c.Gateway.ExistingConnectionPolicy {
	case DropIncoming, DropExisting:
	default:
		return fmt.Errorf("gateway.existing_connection_policy %q invalid (want drop_incoming or drop_existing)", c.Gateway.ExistingConnectionPolicy)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// Default returns a default configuration. All defaults are already applied.
func Default() *Config {
	cfg := &Config{
		LLM: LLMConfig{
			Engine: "opaque",
		},
		Gateway: GatewayConfig{
			Temperature: 1.0,
		},
	}
	cfg.applyDefaults()
	return cfg
}
