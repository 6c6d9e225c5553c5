// ABOUTME: Configuration loading and parsing for the support gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-support/internal/auth"
)

// MemoryDatabase selects the in-memory store instead of SQLite.
const MemoryDatabase = ":memory:"

// Defaults applied when a field is omitted.
const (
	DefaultHTTPAddr          = "127.0.0.1:8080"
	DefaultTokenTTL          = 10 * time.Minute
	DefaultReconnectInterval = 3 * time.Second
	DefaultReplaySize        = 50
)

// Config represents the complete support gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the agent identity secret
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// RelayConfig holds capability token and realtime delivery settings
type RelayConfig struct {
	TokenSecret string `yaml:"token_secret"`
	ReplaySize  *int   `yaml:"replay_size"`

	TokenTTL          time.Duration `yaml:"-"`
	ReconnectInterval time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	TokenTTLRaw          string `yaml:"token_ttl"`
	ReconnectIntervalRaw string `yaml:"reconnect_interval"`
}

// Replay returns the configured replay buffer size or the default.
func (r RelayConfig) Replay() int {
	if r.ReplaySize == nil {
		return DefaultReplaySize
	}
	return *r.ReplaySize
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Relay.TokenTTL == 0 {
		c.Relay.TokenTTL = DefaultTokenTTL
	}
	if c.Relay.ReconnectInterval == 0 {
		c.Relay.ReconnectInterval = DefaultReconnectInterval
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
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Auth.JWTSecret) < auth.MinSecretLength {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", auth.MinSecretLength)
	}
	if len(c.Relay.TokenSecret) < auth.MinSecretLength {
		return fmt.Errorf("relay.token_secret must be at least %d bytes", auth.MinSecretLength)
	}
	if c.Relay.TokenSecret == c.Auth.JWTSecret {
		return fmt.Errorf("relay.token_secret must differ from auth.jwt_secret")
	}
	if c.Relay.TokenTTL < 0 {
		return fmt.Errorf("relay.token_ttl must be positive")
	}
	if c.Relay.ReconnectInterval < 0 {
		return fmt.Errorf("relay.reconnect_interval must be positive")
	}
	if c.Relay.ReplaySize != nil && *c.Relay.ReplaySize < 0 {
		return fmt.Errorf("relay.replay_size must not be negative")
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "text", "json", "color":
	default:
		return fmt.Errorf("logging.format must be text, json or color, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.TokenTTLRaw != "" {
		cfg.Relay.TokenTTL, err = time.ParseDuration(cfg.Relay.TokenTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing token_ttl %q: %w", cfg.Relay.TokenTTLRaw, err)
		}
	}

	if cfg.Relay.ReconnectIntervalRaw != "" {
		cfg.Relay.ReconnectInterval, err = time.ParseDuration(cfg.Relay.ReconnectIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing reconnect_interval %q: %w", cfg.Relay.ReconnectIntervalRaw, err)
		}
	}

	return nil
}
