// Package config provides configuration management for Perch.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/perchhq/perch/internal/common/logger"
)

// Config holds all configuration sections for Perch.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	DataDir     string            `mapstructure:"data_dir"`
	Database    DatabaseConfig    `mapstructure:"database"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Runner      RunnerConfig      `mapstructure:"runner"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Events      EventsConfig      `mapstructure:"events"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Permissions PermissionsConfig `mapstructure:"permissions"`
	MCP         MCPConfig         `mapstructure:"mcp"`
	Logging     logger.Config     `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // in seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // in seconds
}

// AuthConfig holds API authentication configuration.
// In dev mode all requests are accepted without a token.
type AuthConfig struct {
	Token   string `mapstructure:"token"`
	DevMode bool   `mapstructure:"dev_mode"`
}

// DatabaseConfig holds database configuration. The default driver is an
// embedded sqlite database under the data directory; postgres is available
// for shared deployments by setting driver=postgres and a DSN.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path, empty means {data_dir}/perch.db
	DSN      string `mapstructure:"dsn"`    // postgres connection string
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
}

// RunnerConfig holds agent runner configuration.
type RunnerConfig struct {
	DefaultAdapter  string             `mapstructure:"default_adapter"`
	DefinitionsFile string             `mapstructure:"definitions_file"` // optional runners.yaml with extra adapters
	Claude          ClaudeRunnerConfig  `mapstructure:"claude"`
	Term            TermRunnerConfig    `mapstructure:"term"`
	ACP             ACPRunnerConfig     `mapstructure:"acp"`
	Copilot         CopilotRunnerConfig `mapstructure:"copilot"`
	OpenAI          OpenAIRunnerConfig  `mapstructure:"openai"`
	Docker          DockerRunnerConfig  `mapstructure:"docker"`
	Sprite          SpriteRunnerConfig  `mapstructure:"sprite"`
}

// ClaudeRunnerConfig configures the Claude Code SDK runner.
type ClaudeRunnerConfig struct {
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// TermRunnerConfig configures the terminal (PTY) runner.
type TermRunnerConfig struct {
	Command string `mapstructure:"command"` // agent CLI to spawn, default "claude"
	Cols    int    `mapstructure:"cols"`
	Rows    int    `mapstructure:"rows"`
}

// ACPRunnerConfig configures the ACP sidecar runner.
type ACPRunnerConfig struct {
	Command string   `mapstructure:"command"` // agent binary speaking ACP over stdio
	Args    []string `mapstructure:"args"`
}

// CopilotRunnerConfig configures the GitHub Copilot SDK runner.
// An empty CLIURL lets the SDK spawn and manage the Copilot CLI itself;
// otherwise the SDK connects to an externally managed CLI server over TCP.
type CopilotRunnerConfig struct {
	Model  string `mapstructure:"model"`
	CLIURL string `mapstructure:"cli_url"`
}

// OpenAIRunnerConfig configures the OpenAI-compatible chat runner.
type OpenAIRunnerConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

// DockerRunnerConfig configures the containerized runner.
type DockerRunnerConfig struct {
	Image string `mapstructure:"image"`
	Host  string `mapstructure:"host"`
}

// SpriteRunnerConfig configures the remote sprite runner.
type SpriteRunnerConfig struct {
	Token string `mapstructure:"token"`
	Name  string `mapstructure:"name"`
}

// TelegramConfig holds the Telegram bridge configuration.
// The bridge is enabled when a bot token is present.
type TelegramConfig struct {
	Token          string  `mapstructure:"token"`
	ControlChatID  int64   `mapstructure:"control_chat_id"`
	AllowedUserIDs []int64 `mapstructure:"allowed_user_ids"`
	PairingEnabled bool    `mapstructure:"pairing_enabled"`
	StateFile      string  `mapstructure:"state_file"` // empty means {data_dir}/telegram_state.json
}

// EventsConfig holds event fan-out configuration.
type EventsConfig struct {
	BufferSize       int `mapstructure:"buffer_size"`       // per-subscriber channel capacity
	KeepaliveSeconds int `mapstructure:"keepalive_seconds"` // SSE keepalive interval
}

// MaintenanceConfig holds background maintenance configuration.
type MaintenanceConfig struct {
	RetentionDays   int `mapstructure:"retention_days"`
	IdleSeconds     int `mapstructure:"idle_seconds"` // 0 disables idle eviction
	IntervalSeconds int `mapstructure:"interval_seconds"`
}

// PermissionsConfig holds approval flow configuration.
type PermissionsConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// KeepaliveDuration returns the SSE keepalive interval as a time.Duration.
func (e *EventsConfig) KeepaliveDuration() time.Duration {
	return time.Duration(e.KeepaliveSeconds) * time.Second
}

// IntervalDuration returns the maintenance loop interval as a time.Duration.
func (m *MaintenanceConfig) IntervalDuration() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// Retention returns the terminal-session retention period.
func (m *MaintenanceConfig) Retention() time.Duration {
	return time.Duration(m.RetentionDays) * 24 * time.Hour
}

// IdleTimeout returns the idle eviction threshold, zero when disabled.
func (m *MaintenanceConfig) IdleTimeout() time.Duration {
	return time.Duration(m.IdleSeconds) * time.Second
}

// TimeoutDuration returns the permission timeout as a time.Duration.
func (p *PermissionsConfig) TimeoutDuration() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// SQLitePath returns the resolved sqlite file path.
func (d *DatabaseConfig) SQLitePath(dataDir string) string {
	if d.Path != "" {
		return d.Path
	}
	return filepath.Join(dataDir, "perch.db")
}

// SessionsDir returns the directory holding per-session event logs.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// TelegramStatePath returns the resolved telegram state file path.
func (c *Config) TelegramStatePath() string {
	if c.Telegram.StateFile != "" {
		return c.Telegram.StateFile
	}
	return filepath.Join(c.DataDir, "telegram_state.json")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" for Kubernetes or production environments, "console" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("PERCH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8787)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)

	// Auth defaults - dev mode keeps the API open on localhost
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.dev_mode", true)

	v.SetDefault("data_dir", "~/.perch")

	// Database defaults - embedded sqlite under the data dir
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 25)
	v.SetDefault("database.min_conns", 5)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 10)

	// Runner defaults
	v.SetDefault("runner.default_adapter", "claude")
	v.SetDefault("runner.definitions_file", "")
	v.SetDefault("runner.claude.model", "")
	v.SetDefault("runner.claude.system_prompt", "")
	v.SetDefault("runner.term.command", "claude")
	v.SetDefault("runner.term.cols", 200)
	v.SetDefault("runner.term.rows", 50)
	v.SetDefault("runner.acp.command", "")
	v.SetDefault("runner.acp.args", []string{})
	v.SetDefault("runner.copilot.model", "gpt-4.1")
	v.SetDefault("runner.copilot.cli_url", "")
	v.SetDefault("runner.openai.api_key", "")
	v.SetDefault("runner.openai.base_url", "")
	v.SetDefault("runner.openai.model", "gpt-4o-mini")
	v.SetDefault("runner.docker.image", "perch-agent:latest")
	v.SetDefault("runner.docker.host", "")
	v.SetDefault("runner.sprite.token", "")
	v.SetDefault("runner.sprite.name", "")

	// Telegram defaults - disabled until a bot token is provided
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.control_chat_id", 0)
	v.SetDefault("telegram.allowed_user_ids", []int64{})
	v.SetDefault("telegram.pairing_enabled", false)
	v.SetDefault("telegram.state_file", "")

	// Events defaults
	v.SetDefault("events.buffer_size", 256)
	v.SetDefault("events.keepalive_seconds", 15)

	// Maintenance defaults
	v.SetDefault("maintenance.retention_days", 7)
	v.SetDefault("maintenance.idle_seconds", 0)
	v.SetDefault("maintenance.interval_seconds", 60)

	// Permissions defaults
	v.SetDefault("permissions.timeout_seconds", 300)

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix PERCH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// the data directory, or /etc/perch/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// Defaults returns a config populated with defaults only, without consulting
// config files or the environment. Tests use this as their baseline.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not unmarshal: %v", err))
	}
	return &cfg
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("PERCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bindings for conventional env vars whose names do not follow the
	// PERCH_ prefix scheme.
	_ = v.BindEnv("telegram.token", "TELEGRAM_BOT_TOKEN", "PERCH_TELEGRAM_TOKEN")
	_ = v.BindEnv("runner.openai.api_key", "OPENAI_API_KEY", "PERCH_RUNNER_OPENAI_API_KEY")
	_ = v.BindEnv("runner.sprite.token", "SPRITES_TOKEN", "PERCH_RUNNER_SPRITE_TOKEN")
	_ = v.BindEnv("auth.token", "PERCH_TOKEN", "PERCH_AUTH_TOKEN")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.perch/")
	v.AddConfigPath("/etc/perch/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.DataDir = expandHome(cfg.DataDir)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// validate checks that all required configuration fields are set.
// In dev mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if !cfg.Auth.DevMode && cfg.Auth.Token == "" {
		errs = append(errs, "auth.token is required when auth.dev_mode is false")
	}

	if cfg.DataDir == "" {
		errs = append(errs, "data_dir must not be empty")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		// Path defaults to {data_dir}/perch.db
	case "postgres":
		if cfg.Database.DSN == "" {
			errs = append(errs, "database.dsn is required when database.driver is postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	if cfg.Runner.DefaultAdapter == "" {
		errs = append(errs, "runner.default_adapter must not be empty")
	}

	if cfg.Events.BufferSize <= 0 {
		errs = append(errs, "events.buffer_size must be positive")
	}
	if cfg.Events.KeepaliveSeconds <= 0 {
		errs = append(errs, "events.keepalive_seconds must be positive")
	}

	if cfg.Maintenance.RetentionDays < 0 {
		errs = append(errs, "maintenance.retention_days must not be negative")
	}
	if cfg.Maintenance.IdleSeconds < 0 {
		errs = append(errs, "maintenance.idle_seconds must not be negative")
	}
	if cfg.Maintenance.IntervalSeconds <= 0 {
		errs = append(errs, "maintenance.interval_seconds must be positive")
	}

	if cfg.Permissions.TimeoutSeconds <= 0 {
		errs = append(errs, "permissions.timeout_seconds must be positive")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
