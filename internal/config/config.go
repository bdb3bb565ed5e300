// ABOUTME: Configuration loading and parsing for the ember client core
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a knob unset.
const (
	DefaultRequestTimeout   = 30 * time.Second
	DefaultUploadTimeout    = 5 * time.Minute
	DefaultChannelTimeout   = 10 * time.Second
	DefaultRefreshTimeout   = 5 * time.Second
	DefaultReconnectDelay   = time.Second
	DefaultRetryCount       = 2
	DefaultReconnectBound   = 5
	DefaultHeartbeatPeriod  = 5 * time.Minute
	DefaultHandshakeTimeout = 10 * time.Second
)

// Config represents the complete client configuration.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Channel ChannelConfig `yaml:"channel"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig holds the HTTP endpoint configuration.
type APIConfig struct {
	BaseURL string `yaml:"base_url"`

	Timeout       time.Duration `yaml:"-"`
	UploadTimeout time.Duration `yaml:"-"`
	RetryCount    int           `yaml:"retry_count"`

	// Raw string values for YAML unmarshaling
	TimeoutRaw       string `yaml:"timeout"`
	UploadTimeoutRaw string `yaml:"upload_timeout"`
}

// ChannelConfig holds the persistent channel configuration.
type ChannelConfig struct {
	URL string `yaml:"url"`

	HandshakeTimeout time.Duration `yaml:"-"`
	ReconnectDelay   time.Duration `yaml:"-"`
	ReconnectBound   int           `yaml:"reconnect_bound"`
	RequestTimeout   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout"`
	ReconnectDelayRaw   string `yaml:"reconnect_delay"`
	RequestTimeoutRaw   string `yaml:"request_timeout"`
}

// AuthConfig holds credential renewal timing.
type AuthConfig struct {
	HeartbeatPeriod time.Duration `yaml:"-"`
	RefreshTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	HeartbeatPeriodRaw string `yaml:"heartbeat_period"`
	RefreshTimeoutRaw  string `yaml:"refresh_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// Load reads and parses the configuration file at the given path.
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

// Default returns a configuration with every knob at its default, pointed at
// the given API base and channel URL. Used by tests and by callers that
// configure programmatically.
func Default(baseURL, channelURL string) *Config {
	cfg := &Config{}
	cfg.API.BaseURL = baseURL
	cfg.Channel.URL = channelURL
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

func (c *Config) applyDefaults() {
	if c.API.Timeout == 0 {
		c.API.Timeout = DefaultRequestTimeout
	}
	if c.API.UploadTimeout == 0 {
		c.API.UploadTimeout = DefaultUploadTimeout
	}
	if c.API.RetryCount == 0 {
		c.API.RetryCount = DefaultRetryCount
	}
	if c.Channel.HandshakeTimeout == 0 {
		c.Channel.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Channel.ReconnectDelay == 0 {
		c.Channel.ReconnectDelay = DefaultReconnectDelay
	}
	if c.Channel.ReconnectBound == 0 {
		c.Channel.ReconnectBound = DefaultReconnectBound
	}
	if c.Channel.RequestTimeout == 0 {
		c.Channel.RequestTimeout = DefaultChannelTimeout
	}
	if c.Auth.HeartbeatPeriod == 0 {
		c.Auth.HeartbeatPeriod = DefaultHeartbeatPeriod
	}
	if c.Auth.RefreshTimeout == 0 {
		c.Auth.RefreshTimeout = DefaultRefreshTimeout
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
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.Channel.URL == "" {
		return fmt.Errorf("channel.url is required")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
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
		{"api.timeout", cfg.API.TimeoutRaw, &cfg.API.Timeout},
		{"api.upload_timeout", cfg.API.UploadTimeoutRaw, &cfg.API.UploadTimeout},
		{"channel.handshake_timeout", cfg.Channel.HandshakeTimeoutRaw, &cfg.Channel.HandshakeTimeout},
		{"channel.reconnect_delay", cfg.Channel.ReconnectDelayRaw, &cfg.Channel.ReconnectDelay},
		{"channel.request_timeout", cfg.Channel.RequestTimeoutRaw, &cfg.Channel.RequestTimeout},
		{"auth.heartbeat_period", cfg.Auth.HeartbeatPeriodRaw, &cfg.Auth.HeartbeatPeriod},
		{"auth.refresh_timeout", cfg.Auth.RefreshTimeoutRaw, &cfg.Auth.RefreshTimeout},
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
