// ABOUTME: Configuration loading and parsing for kilnd.
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete kilnd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the HTTP listen address. The WebSocket endpoint,
// REST API, and health checks all share it.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GatewayConfig holds the real-time gateway's own policy knobs. These are
// explicit configuration, not constants inferred from callers.
type GatewayConfig struct {
	StaleAfter     time.Duration `yaml:"-"`
	RequestTimeout time.Duration `yaml:"-"`

	// MaxResponseBufferMB bounds accumulated binary responses, in megabytes.
	MaxResponseBufferMB int64 `yaml:"max_response_buffer_mb"`

	// SendBuffer is the per-agent outbound frame queue length.
	SendBuffer int `yaml:"send_buffer"`

	// Raw string values for YAML unmarshaling
	StaleAfterRaw     string `yaml:"stale_after"`
	RequestTimeoutRaw string `yaml:"request_timeout"`
}

// SchedulerConfig holds task scheduler configuration.
type SchedulerConfig struct {
	Enabled bool          `yaml:"enabled"`
	Tick    time.Duration `yaml:"-"`

	TickRaw string `yaml:"tick"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MaxResponseBufferBytes returns the response buffer ceiling in bytes.
func (g GatewayConfig) MaxResponseBufferBytes() int64 {
	return g.MaxResponseBufferMB << 20
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

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

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset gateway and scheduler policy with defaults.
func (c *Config) applyDefaults() {
	if c.Gateway.StaleAfter == 0 {
		c.Gateway.StaleAfter = 5 * time.Minute
	}
	if c.Gateway.RequestTimeout == 0 {
		c.Gateway.RequestTimeout = 30 * time.Second
	}
	if c.Gateway.MaxResponseBufferMB == 0 {
		c.Gateway.MaxResponseBufferMB = 50
	}
	if c.Gateway.SendBuffer == 0 {
		c.Gateway.SendBuffer = 64
	}
	if c.Scheduler.Tick == 0 {
		c.Scheduler.Tick = 30 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
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
	if c.Gateway.MaxResponseBufferMB < 0 {
		return fmt.Errorf("gateway.max_response_buffer_mb must not be negative")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Gateway.StaleAfterRaw != "" {
		cfg.Gateway.StaleAfter, err = time.ParseDuration(cfg.Gateway.StaleAfterRaw)
		if err != nil {
			return fmt.Errorf("parsing stale_after %q: %w", cfg.Gateway.StaleAfterRaw, err)
		}
	}

	if cfg.Gateway.RequestTimeoutRaw != "" {
		cfg.Gateway.RequestTimeout, err = time.ParseDuration(cfg.Gateway.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing request_timeout %q: %w", cfg.Gateway.RequestTimeoutRaw, err)
		}
	}

	if cfg.Scheduler.TickRaw != "" {
		cfg.Scheduler.Tick, err = time.ParseDuration(cfg.Scheduler.TickRaw)
		if err != nil {
			return fmt.Errorf("parsing scheduler tick %q: %w", cfg.Scheduler.TickRaw, err)
		}
	}

	return nil
}
