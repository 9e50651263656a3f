// Package config provides configuration loading and management for Semflow.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semflow/retry"
)

// Duration is a time.Duration that YAML-decodes from strings like "200ms".
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML renders the duration in compact string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "200ms"-style strings. Bare numbers are rejected so
// config files always carry an explicit unit.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if parsed < 0 {
		return fmt.Errorf("duration %q cannot be negative", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Config represents the complete Semflow configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	NATS      NATSConfig      `yaml:"nats"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	Retry     RetryConfig     `yaml:"retry"`
	Execution ExecutionConfig `yaml:"execution"`
	Janitor   JanitorConfig   `yaml:"janitor"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// DatabaseConfig configures the Postgres connection
type DatabaseConfig struct {
	// URL is the Postgres connection string
	URL string `yaml:"url"`
	// MaxOpenConns caps the pool size (default: 25)
	MaxOpenConns int `yaml:"maxOpenConns"`
	// MaxIdleConns caps idle pooled connections (default: 5)
	MaxIdleConns int `yaml:"maxIdleConns"`
	// ConnMaxLifetime recycles connections older than this (default: 30m)
	ConnMaxLifetime Duration `yaml:"connMaxLifetime"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = no wake hints, polling only)
	URL string `yaml:"url"`
	// Subject is the task-availability subject (default: "semflow.tasks.available")
	Subject string `yaml:"subject"`
}

// HTTPConfig configures the API server
type HTTPConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
	// ReadTimeout bounds request reads (default: 10s)
	ReadTimeout Duration `yaml:"readTimeout"`
	// WriteTimeout bounds response writes (default: 30s)
	WriteTimeout Duration `yaml:"writeTimeout"`
	// ShutdownTimeout bounds graceful server shutdown (default: 10s)
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// LogConfig configures structured logging
type LogConfig struct {
	// Level is the minimum level: debug, info, warn, or error (default: info)
	Level string `yaml:"level"`
	// Format selects "text" or "json" output (default: text)
	Format string `yaml:"format"`
}

// WorkerConfig configures the task-processing runtime
type WorkerConfig struct {
	// Concurrency is the max parallel handlers per worker (default: 5)
	Concurrency int `yaml:"concurrency"`
	// PollInterval is the queue poll tick (default: 200ms)
	PollInterval Duration `yaml:"pollInterval"`
	// DrainTimeout is the graceful-shutdown budget (default: 30s)
	DrainTimeout Duration `yaml:"drainTimeout"`
	// HeartbeatInterval is the worker heartbeat cadence (default: 10s)
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	// StaleThreshold is the heartbeat silence after which a worker counts
	// as dead (default: 60s)
	StaleThreshold Duration `yaml:"staleThreshold"`
	// HandlerTimeout bounds handlers that do not set their own (zero = none)
	HandlerTimeout Duration `yaml:"handlerTimeout"`
}

// QueueConfig configures task acquisition
type QueueConfig struct {
	// LockTimeout is the per-task claim lifetime (default: 5m)
	LockTimeout Duration `yaml:"lockTimeout"`
	// BatchSize is the max tasks per acquire (default: 5)
	BatchSize int `yaml:"batchSize"`
	// ReaperInterval is the orphan-reclaim cadence (default: 30s)
	ReaperInterval Duration `yaml:"reaperInterval"`
}

// RetryConfig supplies defaults for step policies that omit fields
type RetryConfig struct {
	// MaxAttempts is the total runs allowed per task (default: 3)
	MaxAttempts int `yaml:"maxAttempts"`
	// Strategy selects the backoff curve: FIXED, LINEAR, or EXPONENTIAL
	Strategy string `yaml:"strategy"`
	// BaseDelay is the starting delay (default: 5s)
	BaseDelay Duration `yaml:"baseDelay"`
	// MaxDelay caps every computed delay (default: 5m)
	MaxDelay Duration `yaml:"maxDelay"`
	// Multiplier is the exponential growth factor (default: 2)
	Multiplier float64 `yaml:"multiplier"`
	// Jitter spreads delays to avoid synchronized retries (default: true)
	Jitter *bool `yaml:"jitter"`
}

// Policy converts the section into the engine retry policy.
func (r RetryConfig) Policy() retry.Policy {
	return retry.Policy{
		MaxAttempts: r.MaxAttempts,
		Strategy:    retry.Strategy(r.Strategy),
		BaseDelay:   r.BaseDelay.Std(),
		MaxDelay:    r.MaxDelay.Std(),
		Multiplier:  r.Multiplier,
		Jitter:      r.Jitter == nil || *r.Jitter,
	}
}

// ExecutionConfig configures execution-level timeouts
type ExecutionConfig struct {
	// DefaultTimeout bounds executions that do not set their own (default: 1h)
	DefaultTimeout Duration `yaml:"defaultTimeout"`
	// TimeoutCheckInterval is the overdue-execution sweep cadence (default: 30s)
	TimeoutCheckInterval Duration `yaml:"timeoutCheckInterval"`
	// TimeoutBatch caps executions timed out per sweep (default: 100)
	TimeoutBatch int `yaml:"timeoutBatch"`
}

// JanitorConfig configures retention
type JanitorConfig struct {
	// RetentionPeriod keeps finished executions this long (default: 720h)
	RetentionPeriod Duration `yaml:"retentionPeriod"`
	// RetentionSchedule is the cron spec for the purge job (default: "0 3 * * *")
	RetentionSchedule string `yaml:"retentionSchedule"`
}

// WebhookConfig configures completion callbacks
type WebhookConfig struct {
	// Timeout bounds each callback POST (default: 10s)
	Timeout Duration `yaml:"timeout"`
	// MaxAttempts is the delivery retry budget (default: 5)
	MaxAttempts int `yaml:"maxAttempts"`
	// BaseDelay is the first retry delay (default: 1s)
	BaseDelay Duration `yaml:"baseDelay"`
	// MaxConcurrent caps parallel deliveries (default: 4)
	MaxConcurrent int `yaml:"maxConcurrent"`
	// BreakerThreshold opens the circuit after this many consecutive
	// failures (default: 5)
	BreakerThreshold int `yaml:"breakerThreshold"`
	// BreakerCooldown holds the circuit open this long (default: 30s)
	BreakerCooldown Duration `yaml:"breakerCooldown"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			URL:             "postgres://localhost:5432/semflow?sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration(30 * time.Minute),
		},
		NATS: NATSConfig{
			URL:     "", // Polling only
			Subject: "semflow.tasks.available",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Worker: WorkerConfig{
			Concurrency:       5,
			PollInterval:      Duration(200 * time.Millisecond),
			DrainTimeout:      Duration(30 * time.Second),
			HeartbeatInterval: Duration(10 * time.Second),
			StaleThreshold:    Duration(60 * time.Second),
		},
		Queue: QueueConfig{
			LockTimeout:    Duration(5 * time.Minute),
			BatchSize:      5,
			ReaperInterval: Duration(30 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Strategy:    string(retry.StrategyExponential),
			BaseDelay:   Duration(5 * time.Second),
			MaxDelay:    Duration(5 * time.Minute),
			Multiplier:  2,
		},
		Execution: ExecutionConfig{
			DefaultTimeout:       Duration(time.Hour),
			TimeoutCheckInterval: Duration(30 * time.Second),
			TimeoutBatch:         100,
		},
		Janitor: JanitorConfig{
			RetentionPeriod:   Duration(30 * 24 * time.Hour),
			RetentionSchedule: "0 3 * * *",
		},
		Webhook: WebhookConfig{
			Timeout:          Duration(10 * time.Second),
			MaxAttempts:      5,
			BaseDelay:        Duration(time.Second),
			MaxConcurrent:    4,
			BreakerThreshold: 5,
			BreakerCooldown:  Duration(30 * time.Second),
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.pollInterval must be positive")
	}
	if c.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batchSize must be at least 1")
	}
	if c.Queue.LockTimeout.Std() <= c.Worker.PollInterval.Std() {
		return fmt.Errorf("queue.lockTimeout must exceed worker.pollInterval")
	}
	if err := c.Retry.Policy().Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if c.Execution.TimeoutBatch < 1 {
		return fmt.Errorf("execution.timeoutBatch must be at least 1")
	}
	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.maxAttempts must be at least 1")
	}
	return nil
}

// LoadFromFile parses a YAML file into a sparse Config. Zero-valued fields
// mean "not set"; callers merge the result over DefaultConfig. Environment
// references like ${VAR} are expanded before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// YAML renders the configuration with durations in their string form.
func (c *Config) YAML() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := c.YAML()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Database
	if other.Database.URL != "" {
		c.Database.URL = other.Database.URL
	}
	if other.Database.MaxOpenConns != 0 {
		c.Database.MaxOpenConns = other.Database.MaxOpenConns
	}
	if other.Database.MaxIdleConns != 0 {
		c.Database.MaxIdleConns = other.Database.MaxIdleConns
	}
	if other.Database.ConnMaxLifetime != 0 {
		c.Database.ConnMaxLifetime = other.Database.ConnMaxLifetime
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Subject != "" {
		c.NATS.Subject = other.NATS.Subject
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ReadTimeout != 0 {
		c.HTTP.ReadTimeout = other.HTTP.ReadTimeout
	}
	if other.HTTP.WriteTimeout != 0 {
		c.HTTP.WriteTimeout = other.HTTP.WriteTimeout
	}
	if other.HTTP.ShutdownTimeout != 0 {
		c.HTTP.ShutdownTimeout = other.HTTP.ShutdownTimeout
	}

	// Log
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}

	// Worker
	if other.Worker.Concurrency != 0 {
		c.Worker.Concurrency = other.Worker.Concurrency
	}
	if other.Worker.PollInterval != 0 {
		c.Worker.PollInterval = other.Worker.PollInterval
	}
	if other.Worker.DrainTimeout != 0 {
		c.Worker.DrainTimeout = other.Worker.DrainTimeout
	}
	if other.Worker.HeartbeatInterval != 0 {
		c.Worker.HeartbeatInterval = other.Worker.HeartbeatInterval
	}
	if other.Worker.StaleThreshold != 0 {
		c.Worker.StaleThreshold = other.Worker.StaleThreshold
	}
	if other.Worker.HandlerTimeout != 0 {
		c.Worker.HandlerTimeout = other.Worker.HandlerTimeout
	}

	// Queue
	if other.Queue.LockTimeout != 0 {
		c.Queue.LockTimeout = other.Queue.LockTimeout
	}
	if other.Queue.BatchSize != 0 {
		c.Queue.BatchSize = other.Queue.BatchSize
	}
	if other.Queue.ReaperInterval != 0 {
		c.Queue.ReaperInterval = other.Queue.ReaperInterval
	}

	// Retry
	if other.Retry.MaxAttempts != 0 {
		c.Retry.MaxAttempts = other.Retry.MaxAttempts
	}
	if other.Retry.Strategy != "" {
		c.Retry.Strategy = other.Retry.Strategy
	}
	if other.Retry.BaseDelay != 0 {
		c.Retry.BaseDelay = other.Retry.BaseDelay
	}
	if other.Retry.MaxDelay != 0 {
		c.Retry.MaxDelay = other.Retry.MaxDelay
	}
	if other.Retry.Multiplier != 0 {
		c.Retry.Multiplier = other.Retry.Multiplier
	}
	if other.Retry.Jitter != nil {
		c.Retry.Jitter = other.Retry.Jitter
	}

	// Execution
	if other.Execution.DefaultTimeout != 0 {
		c.Execution.DefaultTimeout = other.Execution.DefaultTimeout
	}
	if other.Execution.TimeoutCheckInterval != 0 {
		c.Execution.TimeoutCheckInterval = other.Execution.TimeoutCheckInterval
	}
	if other.Execution.TimeoutBatch != 0 {
		c.Execution.TimeoutBatch = other.Execution.TimeoutBatch
	}

	// Janitor
	if other.Janitor.RetentionPeriod != 0 {
		c.Janitor.RetentionPeriod = other.Janitor.RetentionPeriod
	}
	if other.Janitor.RetentionSchedule != "" {
		c.Janitor.RetentionSchedule = other.Janitor.RetentionSchedule
	}

	// Webhook
	if other.Webhook.Timeout != 0 {
		c.Webhook.Timeout = other.Webhook.Timeout
	}
	if other.Webhook.MaxAttempts != 0 {
		c.Webhook.MaxAttempts = other.Webhook.MaxAttempts
	}
	if other.Webhook.BaseDelay != 0 {
		c.Webhook.BaseDelay = other.Webhook.BaseDelay
	}
	if other.Webhook.MaxConcurrent != 0 {
		c.Webhook.MaxConcurrent = other.Webhook.MaxConcurrent
	}
	if other.Webhook.BreakerThreshold != 0 {
		c.Webhook.BreakerThreshold = other.Webhook.BreakerThreshold
	}
	if other.Webhook.BreakerCooldown != 0 {
		c.Webhook.BreakerCooldown = other.Webhook.BreakerCooldown
	}
}
