// Package config loads habitsync configuration from a YAML file with
// environment overrides. The resulting Config is passed explicitly to the
// sync engine and its collaborators at construction time; there is no
// ambient global lookup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all habitsync settings.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	DeviceID string `yaml:"device_id"`
	LogLevel string `yaml:"log_level"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Remote struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"remote"`

	Sync struct {
		BatchSize    int           `yaml:"batch_size"`
		PullLimit    int           `yaml:"pull_limit"`
		PullInterval time.Duration `yaml:"pull_interval"`
		BackoffMin   time.Duration `yaml:"backoff_min"`
		BackoffMax   time.Duration `yaml:"backoff_max"`
		MaxAttempts  int           `yaml:"max_attempts"`
	} `yaml:"sync"`
}

// Default returns the built-in defaults, used when no config file exists.
func Default() *Config {
	cfg := &Config{
		DataDir:  "data",
		LogLevel: "info",
	}
	cfg.Server.Addr = "localhost:8090"
	cfg.Remote.RequestTimeout = 30 * time.Second
	cfg.Sync.BatchSize = 50
	cfg.Sync.PullLimit = 100
	cfg.Sync.PullInterval = 15 * time.Minute
	cfg.Sync.BackoffMin = time.Second
	cfg.Sync.BackoffMax = 60 * time.Second
	cfg.Sync.MaxAttempts = 5
	return cfg
}

// Load reads the YAML file at path (if it exists), then applies environment
// overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	// Load .env if present; silently skipped otherwise.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := envOrEmpty("HABITSYNC_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := envOrEmpty("HABITSYNC_DEVICE_ID"); v != "" {
		c.DeviceID = v
	}
	if v := envOrEmpty("HABITSYNC_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := envOrEmpty("HABITSYNC_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := envOrEmpty("HABITSYNC_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := envOrEmpty("HABITSYNC_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.BatchSize = n
		}
	}
	if v := envOrEmpty("HABITSYNC_PULL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Sync.PullInterval = d
		}
	}
}

func (c *Config) validate() error {
	if c.Sync.BatchSize <= 0 {
		return fmt.Errorf("sync.batch_size must be positive, got %d", c.Sync.BatchSize)
	}
	if c.Sync.PullLimit <= 0 {
		return fmt.Errorf("sync.pull_limit must be positive, got %d", c.Sync.PullLimit)
	}
	if c.Sync.BackoffMin > c.Sync.BackoffMax {
		return fmt.Errorf("sync.backoff_min %s exceeds backoff_max %s", c.Sync.BackoffMin, c.Sync.BackoffMax)
	}
	return nil
}

func envOrEmpty(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
