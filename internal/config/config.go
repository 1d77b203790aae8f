package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/serenescent/internal/session"
)

// Environment variables that override the config file.
const (
	EnvAddress      = "SERENESCENT_ADDRESS"
	EnvLogLevel     = "SERENESCENT_LOG_LEVEL"
	EnvMQTTBroker   = "SERENESCENT_MQTT_BROKER"
	EnvMQTTUsername = "SERENESCENT_MQTT_USERNAME"
	EnvMQTTPassword = "SERENESCENT_MQTT_PASSWORD"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Session  SessionConfig `yaml:"session"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the diffuser. The address is already resolved;
// nothing scans for it.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"` // used in MQTT topics, defaults to the address
}

// SessionConfig holds the connection and command timing.
type SessionConfig struct {
	PollInterval      time.Duration `yaml:"poll_interval"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	CommandRetries    int           `yaml:"command_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	CommandSpacing    time.Duration `yaml:"command_spacing"`
	ConnectAttempts   int           `yaml:"connect_attempts"`
	ConnectBaseDelay  time.Duration `yaml:"connect_base_delay"`
	ConnectMaxDelay   time.Duration `yaml:"connect_max_delay"`
	AutoReconnect     bool          `yaml:"auto_reconnect"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"` // 0 keeps the link
	QueueSize         int           `yaml:"queue_size"`
}

// MQTTConfig holds the optional MQTT bridge settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "serenescent")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	opts := session.DefaultOptions()
	return &Config{
		Session: SessionConfig{
			PollInterval:      opts.PollInterval,
			CommandTimeout:    opts.CommandTimeout,
			CommandRetries:    opts.CommandRetries,
			RetryBackoff:      opts.RetryBackoff,
			CommandSpacing:    opts.CommandSpacing,
			ConnectAttempts:   opts.ConnectAttempts,
			ConnectBaseDelay:  opts.ConnectBaseDelay,
			ConnectMaxDelay:   opts.ConnectMaxDelay,
			AutoReconnect:     opts.AutoReconnect,
			ReconnectInterval: opts.ReconnectInterval,
			IdleTimeout:       opts.IdleTimeout,
			QueueSize:         opts.QueueSize,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			TopicPrefix: "serenescent",
			QoS:         1,
			Retain:      true,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads path if it exists and returns defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ReadEnv returns the SERENESCENT_* variables from the optional .env file at
// path with the process environment layered on top. A missing file is not
// an error.
func ReadEnv(path string) (map[string]string, error) {
	env := make(map[string]string)
	if path != "" {
		file, err := godotenv.Read(path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading env file: %w", err)
		}
		for k, v := range file {
			env[k] = v
		}
	}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, "SERENESCENT_") {
			env[k] = v
		}
	}
	return env, nil
}

// ApplyEnv overrides config values with any set in env.
func (c *Config) ApplyEnv(env map[string]string) {
	if v := env[EnvAddress]; v != "" {
		c.Device.Address = v
	}
	if v := env[EnvLogLevel]; v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v := env[EnvMQTTBroker]; v != "" {
		c.MQTT.Broker = v
		c.MQTT.Enabled = true
	}
	if v := env[EnvMQTTUsername]; v != "" {
		c.MQTT.Username = v
	}
	if v := env[EnvMQTTPassword]; v != "" {
		c.MQTT.Password = v
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Device.Address == "" {
		return fmt.Errorf("device.address must not be empty")
	}

	s := c.Session
	if s.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be > 0")
	}
	if s.CommandTimeout <= 0 {
		return fmt.Errorf("session.command_timeout must be > 0")
	}
	if s.CommandRetries < 0 || s.CommandRetries > 255 {
		return fmt.Errorf("session.command_retries must be between 0 and 255, got %d", s.CommandRetries)
	}
	if s.RetryBackoff < 0 || s.CommandSpacing < 0 || s.IdleTimeout < 0 {
		return fmt.Errorf("session durations must not be negative")
	}
	if s.ConnectAttempts <= 0 {
		return fmt.Errorf("session.connect_attempts must be > 0")
	}
	if s.ConnectBaseDelay <= 0 || s.ConnectMaxDelay < s.ConnectBaseDelay {
		return fmt.Errorf("session.connect_max_delay must be >= connect_base_delay > 0")
	}
	if s.QueueSize <= 0 {
		return fmt.Errorf("session.queue_size must be > 0")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker must not be empty when mqtt is enabled")
		}
		if c.MQTT.TopicPrefix == "" {
			return fmt.Errorf("mqtt.topic_prefix must not be empty")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// DeviceID returns the identifier used in MQTT topics: the configured name,
// or the address with separators stripped.
func (c *Config) DeviceID() string {
	if c.Device.Name != "" {
		return c.Device.Name
	}
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(c.Device.Address))
}

// SessionOptions converts the session section into session.Options.
func (c *Config) SessionOptions(logger *slog.Logger) session.Options {
	s := c.Session
	return session.Options{
		PollInterval:      s.PollInterval,
		CommandTimeout:    s.CommandTimeout,
		CommandRetries:    s.CommandRetries,
		RetryBackoff:      s.RetryBackoff,
		CommandSpacing:    s.CommandSpacing,
		ConnectAttempts:   s.ConnectAttempts,
		ConnectBaseDelay:  s.ConnectBaseDelay,
		ConnectMaxDelay:   s.ConnectMaxDelay,
		AutoReconnect:     s.AutoReconnect,
		ReconnectInterval: s.ReconnectInterval,
		IdleTimeout:       s.IdleTimeout,
		QueueSize:         s.QueueSize,
		Logger:            logger,
	}
}

// ParseLogLevel maps a log_level string to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# serenescent configuration
device:
  address: ""          # BLE address of the diffuser
  name: ""             # MQTT device id, defaults to the address

session:
  poll_interval: 5s
  command_timeout: 2s
  command_retries: 3
  retry_backoff: 250ms
  command_spacing: 200ms
  connect_attempts: 3
  connect_base_delay: 1s
  connect_max_delay: 6s
  auto_reconnect: true
  reconnect_interval: 30s
  idle_timeout: 0s     # release the link after this long without commands
  queue_size: 16

mqtt:
  enabled: false
  broker: tcp://localhost:1883
  client_id: ""        # random when empty
  username: ""
  password: ""
  topic_prefix: serenescent
  qos: 1
  retain: true

log_level: info
`

// WriteDefault writes the commented default config to DefaultConfigPath.
// It returns the written path, or "" if a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o600); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}
