// Package config loads relay settings from an optional YAML file and the
// environment. Environment variables win over the file, and the file wins
// over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transports understood by the relay.
const (
	TransportTelegram = "telegram"
	TransportNATS     = "nats"
	TransportS3       = "s3"
)

type Config struct {
	InstanceID string `yaml:"instance_id"`

	Capture struct {
		Dir          string   `yaml:"dir"`
		PollInterval Duration `yaml:"poll_interval"`
		Settle       Duration `yaml:"settle"`
	} `yaml:"capture"`

	Delivery struct {
		MaxAttempts    int      `yaml:"max_attempts"`
		BackoffBase    float64  `yaml:"backoff_base"`
		BackoffUnit    Duration `yaml:"backoff_unit"`
		DeleteAttempts int      `yaml:"delete_attempts"`
		DeleteDelay    Duration `yaml:"delete_delay"`
		Capacity       int      `yaml:"capacity"`
	} `yaml:"delivery"`

	Destinations []DestinationConfig `yaml:"destinations"`

	Telegram struct {
		APIURL  string   `yaml:"api_url"`
		Token   string   `yaml:"token"`
		Timeout Duration `yaml:"timeout"`
	} `yaml:"telegram"`

	NATS struct {
		URL           string `yaml:"url"`
		MaxReconnects int    `yaml:"max_reconnects"`
		StatusSubject string `yaml:"status_subject"`
	} `yaml:"nats"`

	S3 struct {
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		Region    string `yaml:"region"`
		Endpoint  string `yaml:"endpoint"`
		PathStyle bool   `yaml:"path_style"`
	} `yaml:"s3"`

	Database struct {
		DSN            string `yaml:"dsn"`
		MaxConnections int    `yaml:"max_connections"`
		LeaderLockID   int64  `yaml:"leader_lock_id"`
	} `yaml:"database"`

	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Credentials struct {
		File string `yaml:"file"`
	} `yaml:"credentials"`
}

// DestinationConfig describes one delivery target.
type DestinationConfig struct {
	Name      string `yaml:"name"`
	Transport string `yaml:"transport"`
	// Target is transport specific: a chat id, a NATS subject or an S3 key
	// prefix.
	Target        string `yaml:"target"`
	QuarantineDir string `yaml:"quarantine_dir"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// LoadConfig reads path (when non-empty), applies environment overrides and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
		}
		if err := yaml.Unmarshal([]byte(ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{InstanceID: "1"}
	cfg.Capture.Dir = "."
	cfg.Capture.PollInterval = Duration{time.Second}
	cfg.Capture.Settle = Duration{500 * time.Millisecond}
	cfg.Delivery.MaxAttempts = 3
	cfg.Delivery.BackoffBase = 2
	cfg.Delivery.BackoffUnit = Duration{time.Second}
	cfg.Delivery.DeleteAttempts = 3
	cfg.Delivery.DeleteDelay = Duration{time.Second}
	cfg.Telegram.APIURL = "https://api.telegram.org"
	cfg.Telegram.Timeout = Duration{30 * time.Second}
	cfg.NATS.MaxReconnects = 60
	cfg.Database.MaxConnections = 10
	cfg.Database.LeaderLockID = 7283
	cfg.Redis.Channel = "shotrelay:status"
	cfg.Log.Level = "info"
	cfg.Log.Format = "json"
	return cfg
}

func applyEnv(cfg *Config) {
	cfg.InstanceID = getEnv("INSTANCE_ID", cfg.InstanceID)
	cfg.Capture.Dir = getEnv("CAPTURE_DIR", cfg.Capture.Dir)
	cfg.Capture.PollInterval.Duration = getEnvDuration("CAPTURE_POLL_INTERVAL", cfg.Capture.PollInterval.Duration)
	cfg.Delivery.MaxAttempts = getEnvInt("DELIVERY_MAX_ATTEMPTS", cfg.Delivery.MaxAttempts)
	cfg.Delivery.BackoffUnit.Duration = getEnvDuration("DELIVERY_BACKOFF_UNIT", cfg.Delivery.BackoffUnit.Duration)
	cfg.Delivery.Capacity = getEnvInt("DELIVERY_CAPACITY", cfg.Delivery.Capacity)
	cfg.Telegram.Token = getEnv("TELEGRAM_API_TOKEN", cfg.Telegram.Token)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Database.DSN = getEnv("DATABASE_URL", cfg.Database.DSN)
	cfg.Database.MaxConnections = getEnvInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)
	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Credentials.File = getEnv("CREDENTIALS_FILE", cfg.Credentials.File)

	// A single chat can be configured from the environment alone.
	if chat := getEnv("TELEGRAM_CHAT_ID", ""); chat != "" && len(cfg.Destinations) == 0 {
		cfg.Destinations = append(cfg.Destinations, DestinationConfig{
			Name:      "telegram",
			Transport: TransportTelegram,
			Target:    chat,
		})
	}
}

// Validate checks the settings the relay cannot start without.
func (c *Config) Validate() error {
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery.max_attempts must be > 0, got %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.BackoffBase <= 1 {
		return fmt.Errorf("delivery.backoff_base must be > 1, got %v", c.Delivery.BackoffBase)
	}
	if c.Delivery.Capacity < 0 {
		return fmt.Errorf("delivery.capacity must be >= 0, got %d", c.Delivery.Capacity)
	}

	seen := make(map[string]bool, len(c.Destinations))
	var errs []error
	for i, d := range c.Destinations {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("destinations[%d]: name is required", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("destinations[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true
		switch d.Transport {
		case TransportTelegram, TransportNATS, TransportS3:
		default:
			errs = append(errs, fmt.Errorf("destination %q: unknown transport %q", d.Name, d.Transport))
		}
		if d.Target == "" {
			errs = append(errs, fmt.Errorf("destination %q: target is required", d.Name))
		}
	}
	return errors.Join(errs...)
}

// QuarantineDir returns where d's unsent artifacts go. Unless set
// explicitly it is <capture dir>/<name>/unsent.
func (c *Config) QuarantineDir(d DestinationConfig) string {
	if d.QuarantineDir != "" {
		return d.QuarantineDir
	}
	return filepath.Join(c.Capture.Dir, d.Name, "unsent")
}

// Helper functions to handle defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
