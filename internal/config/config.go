// ABOUTME: Configuration loading and parsing for coven-relay
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ErrUnsupportedFormat is returned for config files that are neither YAML nor TOML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// EnvPath names the environment variable that overrides the config location.
const EnvPath = "COVEN_RELAY_CONFIG"

// Config represents the complete coven-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Redis     RedisConfig     `yaml:"redis" toml:"redis"`
	Storage   StorageConfig   `yaml:"storage" toml:"storage"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Reset     ResetConfig     `yaml:"reset" toml:"reset"`
	Router    RouterConfig    `yaml:"router" toml:"router"`
	Media     MediaConfig     `yaml:"media" toml:"media"`
	LLM       LLMConfig       `yaml:"llm" toml:"llm"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
	Tracing   TracingConfig   `yaml:"tracing" toml:"tracing"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"` // serve TLS on :443 with the tailnet certificate
}

// Database drivers for session state.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// DatabaseConfig selects the session state store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// RedisConfig holds connection settings when database.driver is redis
type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
}

// StorageConfig locates blob storage for archives, media, and memory notes
type StorageConfig struct {
	Dir string `yaml:"dir" toml:"dir"`
}

// AuthConfig holds authentication configuration.
// An empty shared secret disables connect authentication.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret" toml:"shared_secret"`
}

// AgentConfig holds the agent's model defaults and loop limits
type AgentConfig struct {
	ID                string `yaml:"id" toml:"id"`
	Model             string `yaml:"model" toml:"model"`
	Reasoning         string `yaml:"reasoning" toml:"reasoning"`
	SystemPrompt      string `yaml:"system_prompt" toml:"system_prompt"`
	ContextWindow     int    `yaml:"context_window" toml:"context_window"`
	ReserveTokens     int    `yaml:"reserve_tokens" toml:"reserve_tokens"`
	KeepRecentTokens  int    `yaml:"keep_recent_tokens" toml:"keep_recent_tokens"`
	CompactionEnabled bool   `yaml:"compaction_enabled" toml:"compaction_enabled"`
	MemoryEnabled     bool   `yaml:"memory_enabled" toml:"memory_enabled"`
	MaxTurns          int    `yaml:"max_turns" toml:"max_turns"`

	ToolTimeout time.Duration `yaml:"-" toml:"-"`
	LLMTimeout  time.Duration `yaml:"-" toml:"-"`
	IdleEvict   time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ToolTimeoutRaw string `yaml:"tool_timeout" toml:"tool_timeout"`
	LLMTimeoutRaw  string `yaml:"llm_timeout" toml:"llm_timeout"`
	IdleEvictRaw   string `yaml:"idle_evict" toml:"idle_evict"`
}

// ResetConfig is the default auto-reset policy for sessions without their own
type ResetConfig struct {
	Mode        string `yaml:"mode" toml:"mode"`
	AtHour      int    `yaml:"at_hour" toml:"at_hour"`
	IdleMinutes int    `yaml:"idle_minutes" toml:"idle_minutes"`
	Timezone    string `yaml:"timezone" toml:"timezone"`
}

// RouterConfig tunes connection handling
type RouterConfig struct {
	ServerID       string  `yaml:"server_id" toml:"server_id"`
	SendBuffer     int     `yaml:"send_buffer" toml:"send_buffer"`
	MaxMessageSize int64   `yaml:"max_message_size" toml:"max_message_size"`
	FrameRate      float64 `yaml:"frame_rate" toml:"frame_rate"`
	FrameBurst     int     `yaml:"frame_burst" toml:"frame_burst"`

	TransferTimeout time.Duration `yaml:"-" toml:"-"`
	DedupeWindow    time.Duration `yaml:"-" toml:"-"`

	TransferTimeoutRaw string `yaml:"transfer_timeout" toml:"transfer_timeout"`
	DedupeWindowRaw    string `yaml:"dedupe_window" toml:"dedupe_window"`
}

// MediaConfig bounds the in-process media cache
type MediaConfig struct {
	CacheEntries int `yaml:"cache_entries" toml:"cache_entries"`
	CacheBytes   int `yaml:"cache_bytes" toml:"cache_bytes"`
}

// LLMConfig points at an OpenAI-compatible endpoint
type LLMConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	APIKey  string `yaml:"api_key" toml:"api_key"`
	Org     string `yaml:"org" toml:"org"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// TracingConfig toggles span export to stdout
type TracingConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

// Default returns a configuration that runs a local relay with SQLite state.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{HTTPAddr: "127.0.0.1:8787"},
		Tailscale: TailscaleConfig{Hostname: "coven-relay", StateDir: "./data/tsnet"},
		Database:  DatabaseConfig{Driver: DriverSQLite, Path: "./data/coven-relay.db"},
		Redis:     RedisConfig{Addr: "127.0.0.1:6379", Prefix: "coven:"},
		Storage:   StorageConfig{Dir: "./data/blobs"},
		Auth:      AuthConfig{SharedSecret: "${COVEN_RELAY_SECRET}"},
		Agent: AgentConfig{
			ID:                "main",
			Model:             "gpt-4o-mini",
			ContextWindow:     128000,
			ReserveTokens:     16384,
			KeepRecentTokens:  20000,
			CompactionEnabled: true,
			MemoryEnabled:     true,
			MaxTurns:          50,
			ToolTimeoutRaw:    "60s",
			LLMTimeoutRaw:     "5m",
			IdleEvictRaw:      "10m",
		},
		Reset: ResetConfig{Mode: "manual", AtHour: 4},
		Router: RouterConfig{
			ServerID:           "coven-relay",
			SendBuffer:         256,
			MaxMessageSize:     16 << 20,
			FrameBurst:         100,
			TransferTimeoutRaw: "5m",
			DedupeWindowRaw:    "5m",
		},
		Media:   MediaConfig{CacheEntries: 64, CacheBytes: 64 << 20},
		LLM:     LLMConfig{BaseURL: "https://api.openai.com/v1", APIKey: "${OPENAI_API_KEY}"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// DefaultPath returns the first config file that exists: $COVEN_RELAY_CONFIG,
// ./config.yaml, ./config.toml, then ~/.config/coven/relay.yaml.
// When none exist it returns ./config.yaml.
func DefaultPath() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	candidates := []string{"config.yaml", "config.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "coven", "relay.yaml"))
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return "config.yaml"
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Values absent from the file keep their defaults.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(path, data)
}

// Parse decodes data as YAML or TOML according to the extension of name.
func Parse(name string, data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	switch format(name) {
	case "yaml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "toml":
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	// Default placeholders reference variables that may be unset.
	cfg.Auth.SharedSecret = expandEnvVars(cfg.Auth.SharedSecret)
	cfg.LLM.APIKey = expandEnvVars(cfg.LLM.APIKey)

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Encode renders c in the format implied by name's extension.
func (c *Config) Encode(name string) ([]byte, error) {
	switch format(name) {
	case "yaml":
		return yaml.Marshal(c)
	case "toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(c); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
}

func format(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	default:
		return ""
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	// Server address is required unless Tailscale is enabled
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverRedis, c.Database.Driver)
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}

	if c.Agent.ContextWindow <= 0 {
		return fmt.Errorf("agent.context_window must be positive")
	}
	if c.Agent.ReserveTokens < 0 || c.Agent.KeepRecentTokens < 0 {
		return fmt.Errorf("agent token budgets must not be negative")
	}

	switch c.Reset.Mode {
	case "", "manual":
	case "daily":
		if c.Reset.AtHour < 0 || c.Reset.AtHour > 23 {
			return fmt.Errorf("reset.at_hour must be 0-23, got %d", c.Reset.AtHour)
		}
	case "idle":
		if c.Reset.IdleMinutes <= 0 {
			return fmt.Errorf("reset.idle_minutes must be positive in idle mode")
		}
	default:
		return fmt.Errorf("reset.mode must be manual, daily, or idle, got %q", c.Reset.Mode)
	}
	if c.Reset.Timezone != "" {
		if _, err := time.LoadLocation(c.Reset.Timezone); err != nil {
			return fmt.Errorf("reset.timezone: %w", err)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// Location returns the reset timezone, defaulting to the local zone.
func (c *Config) Location() *time.Location {
	if c.Reset.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Reset.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.tool_timeout", cfg.Agent.ToolTimeoutRaw, &cfg.Agent.ToolTimeout},
		{"agent.llm_timeout", cfg.Agent.LLMTimeoutRaw, &cfg.Agent.LLMTimeout},
		{"agent.idle_evict", cfg.Agent.IdleEvictRaw, &cfg.Agent.IdleEvict},
		{"router.transfer_timeout", cfg.Router.TransferTimeoutRaw, &cfg.Router.TransferTimeout},
		{"router.dedupe_window", cfg.Router.DedupeWindowRaw, &cfg.Router.DedupeWindow},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
