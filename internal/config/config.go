package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort and MaxPort bound valid TCP ports for validation.
	MinPort = 1
	MaxPort = 65535

	// MinPriority and MaxPriority bound queue priorities.
	MinPriority = 0
	MaxPriority = 10
)

// Config represents the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Retry   RetryConfig   `yaml:"retry"`
	Logging LoggingConfig `yaml:"logging"`
	Routes  []RouteConfig `yaml:"routes"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig holds paths of the embedded bbolt databases.
type StorageConfig struct {
	QueuePath string `yaml:"queue_path"`
	StatePath string `yaml:"state_path"`
}

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	LeaseDuration     time.Duration `yaml:"lease_duration"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// RetryConfig holds the backoff policy for failed tasks.
type RetryConfig struct {
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	MaxAttempts       int           `yaml:"max_attempts"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// RouteConfig is one row of the routing table: task types matching
// Prefix are enqueued on Queue with the given priority.
type RouteConfig struct {
	Prefix   string `yaml:"prefix"`
	Queue    string `yaml:"queue"`
	Priority int    `yaml:"priority"`
}

// Default returns a configuration with working defaults for local use.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			QueuePath: "dispatch/queue.db",
			StatePath: "dispatch/state.db",
		},
		Worker: WorkerConfig{
			Concurrency:       4,
			PollInterval:      250 * time.Millisecond,
			TaskTimeout:       5 * time.Minute,
			LeaseDuration:     time.Minute,
			HeartbeatInterval: 20 * time.Second,
		},
		Retry: RetryConfig{
			BaseDelay:         2 * time.Second,
			MaxDelay:          5 * time.Minute,
			MaxAttempts:       3,
			ReconcileInterval: time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, then applies
// environment overrides on top of defaults.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if len(configPath) > 0 {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	return cfg, nil
}

// applyEnv overrides select fields from the environment. The .env file,
// if any, is loaded by the caller before Load runs.
func (c *Config) applyEnv() {
	if v := os.Getenv("DISPATCH_ADDR"); len(v) > 0 {
		c.Server.Addr = v
	}
	if v := os.Getenv("DISPATCH_QUEUE_PATH"); len(v) > 0 {
		c.Storage.QueuePath = v
	}
	if v := os.Getenv("DISPATCH_STATE_PATH"); len(v) > 0 {
		c.Storage.StatePath = v
	}
	if v := os.Getenv("DISPATCH_LOG_LEVEL"); len(v) > 0 {
		c.Logging.Level = v
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	if len(c.Server.Addr) == 0 {
		return fmt.Errorf("server addr is required")
	}

	if len(c.Storage.QueuePath) == 0 {
		return fmt.Errorf("storage queue_path is required")
	}

	if len(c.Storage.StatePath) == 0 {
		return fmt.Errorf("storage state_path is required")
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.LeaseDuration <= 0 {
		return fmt.Errorf("worker lease_duration must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.HeartbeatInterval >= c.Worker.LeaseDuration {
		return fmt.Errorf("worker heartbeat_interval must be shorter than lease_duration")
	}

	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry base_delay must be greater than 0")
	}

	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry max_delay must not be less than base_delay")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max_attempts must be greater than 0")
	}

	for i, r := range c.Routes {
		if len(r.Prefix) == 0 {
			return fmt.Errorf("route %d: prefix is required", i)
		}
		if len(r.Queue) == 0 {
			return fmt.Errorf("route %d: queue is required", i)
		}
		if r.Priority < MinPriority || r.Priority > MaxPriority {
			return fmt.Errorf("route %d: priority %d out of range %d..%d", i, r.Priority, MinPriority, MaxPriority)
		}
	}

	return nil
}
