// ABOUTME: Configuration loading and parsing for slideforge
// ABOUTME: Supports YAML or TOML files with environment variable expansion, defaults and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Agent backends
const (
	BackendAnthropic = "anthropic"
	BackendClaudeCLI = "claude-cli"
	BackendEcho      = "echo"
)

// DefaultSystemPrompt frames the assistant when agent.system_prompt is unset.
const DefaultSystemPrompt = `You are a presentation designer. Help the user research a topic, ` +
	`shape an outline, and write clear slide content. Keep slides concise and visual.`

// Config represents the complete slideforge configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Anthropic AnthropicConfig `yaml:"anthropic" toml:"anthropic"`
	ClaudeCLI ClaudeCLIConfig `yaml:"claude_cli" toml:"claude_cli"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
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
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration.
// An empty JWTSecret enables dev mode, where the owner is taken from X-Owner-ID.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// AgentConfig controls the conversational processes and the chat endpoint
type AgentConfig struct {
	Backend        string   `yaml:"backend" toml:"backend"`
	Model          string   `yaml:"model" toml:"model"`
	MaxTokens      int64    `yaml:"max_tokens" toml:"max_tokens"`
	MaxTurns       int      `yaml:"max_turns" toml:"max_turns"`
	AllowedTools   []string `yaml:"allowed_tools" toml:"allowed_tools"`
	SystemPrompt   string   `yaml:"system_prompt" toml:"system_prompt"`
	PermissionMode string   `yaml:"permission_mode" toml:"permission_mode"`

	// ChatRatePerMinute limits chat turns per owner; zero disables limiting
	ChatRatePerMinute float64 `yaml:"chat_rate_per_minute" toml:"chat_rate_per_minute"`
	ChatBurst         int     `yaml:"chat_burst" toml:"chat_burst"`

	SessionTimeout time.Duration `yaml:"-" toml:"-"`
	ReapInterval   time.Duration `yaml:"-" toml:"-"`
	IdempotencyTTL time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SessionTimeoutRaw string `yaml:"session_timeout" toml:"session_timeout"`
	ReapIntervalRaw   string `yaml:"reap_interval" toml:"reap_interval"`
	IdempotencyTTLRaw string `yaml:"idempotency_ttl" toml:"idempotency_ttl"`
}

// AnthropicConfig holds credentials for the anthropic backend
type AnthropicConfig struct {
	APIKey     string `yaml:"api_key" toml:"api_key"`
	BaseURL    string `yaml:"base_url" toml:"base_url"`
	UseBedrock bool   `yaml:"use_bedrock" toml:"use_bedrock"`
	AWSRegion  string `yaml:"aws_region" toml:"aws_region"`
}

// ClaudeCLIConfig locates the claude binary for the claude-cli backend
type ClaudeCLIConfig struct {
	Path    string `yaml:"path" toml:"path"`
	WorkDir string `yaml:"work_dir" toml:"work_dir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with every default applied, suitable for local development.
func Default() *Config {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: "localhost:8080"},
		Database: DatabaseConfig{Path: "./slideforge.db"},
		Agent:    AgentConfig{Backend: BackendEcho},
	}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in unset values. Some fall back to the conventional
// environment variables of the Anthropic and AWS tooling.
func (c *Config) applyDefaults() {
	if c.Agent.Backend == "" {
		c.Agent.Backend = BackendAnthropic
	}
	if c.Agent.MaxTurns <= 0 {
		c.Agent.MaxTurns = 100
	}
	if c.Agent.AllowedTools == nil {
		c.Agent.AllowedTools = []string{"Bash", "Read", "Write", "Edit", "Glob", "Grep", "WebSearch", "WebFetch"}
	}
	if c.Agent.SystemPrompt == "" {
		c.Agent.SystemPrompt = DefaultSystemPrompt
	}
	if c.Agent.PermissionMode == "" && c.Agent.Backend == BackendClaudeCLI {
		c.Agent.PermissionMode = "bypassPermissions"
	}
	if c.Agent.SessionTimeout == 0 {
		c.Agent.SessionTimeout = time.Hour
	}
	if c.Agent.ReapInterval == 0 {
		c.Agent.ReapInterval = c.Agent.SessionTimeout / 4
	}
	if c.Agent.IdempotencyTTL == 0 {
		c.Agent.IdempotencyTTL = 10 * time.Minute
	}
	if c.Agent.ChatRatePerMinute > 0 && c.Agent.ChatBurst <= 0 {
		c.Agent.ChatBurst = 5
	}

	if c.Anthropic.APIKey == "" {
		c.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if c.Anthropic.AWSRegion == "" {
		c.Anthropic.AWSRegion = os.Getenv("AWS_REGION")
	}
	if c.Anthropic.AWSRegion == "" {
		c.Anthropic.AWSRegion = "us-east-1"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
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

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// An empty secret selects dev mode; a short one is a mistake
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	backends := []string{BackendAnthropic, BackendClaudeCLI, BackendEcho}
	if !slices.Contains(backends, c.Agent.Backend) {
		return fmt.Errorf("agent.backend must be one of %s, got %q", strings.Join(backends, ", "), c.Agent.Backend)
	}

	if c.Agent.Backend == BackendAnthropic {
		if c.Agent.Model == "" {
			return fmt.Errorf("agent.model is required for the anthropic backend")
		}
		if !c.Anthropic.UseBedrock && c.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic.api_key is required unless anthropic.use_bedrock is set")
		}
	}

	if c.Agent.ChatRatePerMinute < 0 {
		return fmt.Errorf("agent.chat_rate_per_minute must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"session_timeout", cfg.Agent.SessionTimeoutRaw, &cfg.Agent.SessionTimeout},
		{"reap_interval", cfg.Agent.ReapIntervalRaw, &cfg.Agent.ReapInterval},
		{"idempotency_ttl", cfg.Agent.IdempotencyTTLRaw, &cfg.Agent.IdempotencyTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
