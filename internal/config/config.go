package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"github.com/hyperengineering/calcsync/internal/validation"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Retry    RetryConfig    `yaml:"retry"`
	Listener ListenerConfig `yaml:"listener"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig locates the calculation server.
type ServerConfig struct {
	BaseURL        string   `yaml:"base_url" env:"CALCSYNC_SERVER_URL"`
	SyncPath       string   `yaml:"sync_path" env:"CALCSYNC_SYNC_PATH"`
	RequestTimeout Duration `yaml:"request_timeout" env:"CALCSYNC_REQUEST_TIMEOUT"`
}

// DatabaseConfig contains local replica settings.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"CALCSYNC_DB_PATH"`
}

// RetryConfig tunes the reconnection loop.
type RetryConfig struct {
	MaxAttempts    int      `yaml:"max_attempts" env:"CALCSYNC_RETRY_MAX_ATTEMPTS"`
	BaseDelay      Duration `yaml:"base_delay" env:"CALCSYNC_RETRY_BASE_DELAY"`
	MaxDelay       Duration `yaml:"max_delay" env:"CALCSYNC_RETRY_MAX_DELAY"`
	JitterMin      Duration `yaml:"jitter_min" env:"CALCSYNC_RETRY_JITTER_MIN"`
	JitterMax      Duration `yaml:"jitter_max" env:"CALCSYNC_RETRY_JITTER_MAX"`
	Cooldown       Duration `yaml:"cooldown" env:"CALCSYNC_RETRY_COOLDOWN"`
	SubmitCooldown Duration `yaml:"submit_cooldown" env:"CALCSYNC_SUBMIT_COOLDOWN"`
	CheckTimeout   Duration `yaml:"check_timeout" env:"CALCSYNC_CHECK_TIMEOUT"`
}

// ListenerConfig tunes the push channel.
type ListenerConfig struct {
	ReconnectInterval Duration `yaml:"reconnect_interval" env:"CALCSYNC_RECONNECT_INTERVAL"`
	HandshakeTimeout  Duration `yaml:"handshake_timeout" env:"CALCSYNC_HANDSHAKE_TIMEOUT"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level" env:"CALCSYNC_LOG_LEVEL"`
	Format string `yaml:"format" env:"CALCSYNC_LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Address string `yaml:"address" env:"CALCSYNC_METRICS_ADDRESS"`
}

// Duration is a wrapper around time.Duration that parses from YAML and
// environment strings such as "250ms".
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// UnmarshalText implements encoding.TextUnmarshaler for env parsing.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CALCSYNC_CONFIG_PATH", "config/calcsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return newDefaults()
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:        "http://127.0.0.1:8000",
			SyncPath:       "/ws/sync",
			RequestTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Path: "data/calcsync.db",
		},
		Retry: RetryConfig{
			MaxAttempts:    10,
			BaseDelay:      Duration(256 * time.Millisecond),
			MaxDelay:       Duration(2 * time.Second),
			JitterMin:      Duration(100 * time.Millisecond),
			JitterMax:      Duration(time.Second),
			Cooldown:       Duration(5 * time.Second),
			SubmitCooldown: Duration(2 * time.Second),
			CheckTimeout:   Duration(10 * time.Second),
		},
		Listener: ListenerConfig{
			ReconnectInterval: Duration(5 * time.Second),
			HandshakeTimeout:  Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides overrides fields whose CALCSYNC_* variable is set.
func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

// SyncURL derives the websocket endpoint from the server base URL.
func (c *Config) SyncURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing server base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(c.Server.SyncPath, "/")
	return u.String(), nil
}

func (c *Config) validate() error {
	var v validation.Collector

	v.Add(validateBaseURL(c.Server.BaseURL))
	v.Add(validation.ValidateRequired("server.sync_path", c.Server.SyncPath))
	v.Add(validation.ValidatePositiveDuration("server.request_timeout", c.Server.RequestTimeout.Std()))
	v.Add(validation.ValidateRequired("database.path", c.Database.Path))

	r := c.Retry
	v.Add(validation.ValidateIntRange("retry.max_attempts", r.MaxAttempts, 1, 100))
	v.Add(validation.ValidatePositiveDuration("retry.base_delay", r.BaseDelay.Std()))
	v.Add(validation.ValidatePositiveDuration("retry.max_delay", r.MaxDelay.Std()))
	v.Add(validation.ValidatePositiveDuration("retry.cooldown", r.Cooldown.Std()))
	v.Add(validation.ValidatePositiveDuration("retry.submit_cooldown", r.SubmitCooldown.Std()))
	v.Add(validation.ValidatePositiveDuration("retry.check_timeout", r.CheckTimeout.Std()))
	if r.JitterMin < 0 || r.JitterMax < r.JitterMin {
		v.Add(&validation.ValidationError{
			Field:   "retry.jitter_max",
			Message: "must be at least jitter_min, and jitter_min must not be negative",
		})
	}
	if r.MaxDelay < r.BaseDelay {
		v.Add(&validation.ValidationError{Field: "retry.max_delay", Message: "must be at least base_delay"})
	}

	v.Add(validation.ValidatePositiveDuration("listener.reconnect_interval", c.Listener.ReconnectInterval.Std()))
	v.Add(validation.ValidatePositiveDuration("listener.handshake_timeout", c.Listener.HandshakeTimeout.Std()))

	v.Add(validation.ValidateEnum("log.level", strings.ToLower(c.Log.Level), []string{"debug", "info", "warn", "error"}))
	v.Add(validation.ValidateEnum("log.format", c.Log.Format, []string{"json", "text"}))

	if err := v.Err(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func validateBaseURL(raw string) *validation.ValidationError {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &validation.ValidationError{
			Field:   "server.base_url",
			Message: "must be an absolute http or https URL",
		}
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
