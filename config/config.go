// Package config loads mailpulse settings from a YAML file overlaid with
// MAILPULSE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultListenAddress     = ":8080"
	DefaultRedisURL          = "redis://localhost:6379/0"
	DefaultQueueName         = "mailpulse-analysis"
	DefaultWorkerCount       = 4
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultModelTimeout      = 60 * time.Second
	DefaultRequestsPerSecond = 5.0
	DefaultConcurrency       = 4
	DefaultRecentMessages    = 5
	DefaultOutputFormat      = OutputFormatText
	DefaultLogLevel          = "info"
	DefaultConfigDir         = ".mailpulse"
	DefaultConfigFile        = "config.yaml"
)

// CollaboratorConfig points at the extraction service.
type CollaboratorConfig struct {
	// BaseURL is the root of the /domain-extract, /contact-extract and
	// /signature-extract endpoints.
	BaseURL string `yaml:"base_url"`

	// APIKey is sent as a bearer token. Prefer MAILPULSE_COLLABORATOR_API_KEY.
	APIKey string `yaml:"api_key,omitempty"`

	Timeout time.Duration `yaml:"timeout"`
}

// ModelsConfig tunes provider access.
type ModelsConfig struct {
	// Timeout bounds a single provider request.
	Timeout time.Duration `yaml:"timeout"`

	// RequestsPerSecond caps calls per provider. Zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	// Concurrency caps parallel individual calls when a batch falls back.
	Concurrency int `yaml:"concurrency"`

	// MergeModel is used to merge thread summaries.
	MergeModel string `yaml:"merge_model,omitempty"`

	// BaseURLs overrides provider endpoints, keyed by provider name.
	BaseURLs map[string]string `yaml:"base_urls,omitempty"`
}

// AnalysisConfig holds pipeline defaults.
type AnalysisConfig struct {
	// EnabledKinds overrides the catalog's default enabled kinds.
	EnabledKinds []string `yaml:"enabled_kinds,omitempty"`

	// ThreadSummaries toggles summary maintenance during commit.
	ThreadSummaries bool `yaml:"thread_summaries"`

	// RecentMessages is how many prior messages to use as raw context when a
	// thread has no summaries.
	RecentMessages int `yaml:"recent_messages"`
}

// Config holds every mailpulse setting.
type Config struct {
	// ListenAddress is the HTTP bind address for `serve`.
	ListenAddress string `yaml:"listen_address"`

	// RedisURL locates the queue, idempotency keys and step memos.
	RedisURL string `yaml:"redis_url"`

	// QueueName is the work queue the trigger feeds.
	QueueName string `yaml:"queue_name"`

	// Workers is the number of concurrent queue consumers.
	Workers int `yaml:"workers"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// IdempotencyTTL is how long a dispatched message id stays claimed.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// OutputFormat specifies the default output format for commands.
	OutputFormat OutputFormat `yaml:"output_format"`

	// TenantID is the default tenant for CLI commands.
	TenantID string `yaml:"tenant_id,omitempty"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// Debug enables verbose debug logging.
	Debug bool `yaml:"debug,omitempty"`

	Collaborator CollaboratorConfig `yaml:"collaborator"`
	Models       ModelsConfig       `yaml:"models"`
	Analysis     AnalysisConfig     `yaml:"analysis"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:   DefaultListenAddress,
		RedisURL:        DefaultRedisURL,
		QueueName:       DefaultQueueName,
		Workers:         DefaultWorkerCount,
		ShutdownTimeout: DefaultShutdownTimeout,
		IdempotencyTTL:  24 * time.Hour,
		OutputFormat:    DefaultOutputFormat,
		LogLevel:        DefaultLogLevel,
		Collaborator: CollaboratorConfig{
			Timeout: 15 * time.Second,
		},
		Models: ModelsConfig{
			Timeout:           DefaultModelTimeout,
			RequestsPerSecond: DefaultRequestsPerSecond,
			Concurrency:       DefaultConcurrency,
		},
		Analysis: AnalysisConfig{
			ThreadSummaries: true,
			RecentMessages:  DefaultRecentMessages,
		},
	}
}

// ConfigDir returns the configuration directory path.
// Uses $MAILPULSE_CONFIG_DIR if set, otherwise ~/.mailpulse
func ConfigDir() (string, error) {
	if dir := os.Getenv("MAILPULSE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadConfig loads configuration in this order (later sources override earlier):
// 1. Default values
// 2. Config file (~/.mailpulse/config.yaml or $MAILPULSE_CONFIG_DIR/config.yaml)
// 3. MAILPULSE_* environment variables
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	configPath, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("getting config path: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := loadFromFile(cfg, configPath); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// configFile mirrors Config with durations as strings.
type configFile struct {
	ListenAddress   string       `yaml:"listen_address,omitempty"`
	RedisURL        string       `yaml:"redis_url,omitempty"`
	QueueName       string       `yaml:"queue_name,omitempty"`
	Workers         int          `yaml:"workers,omitempty"`
	ShutdownTimeout string       `yaml:"shutdown_timeout,omitempty"`
	IdempotencyTTL  string       `yaml:"idempotency_ttl,omitempty"`
	OutputFormat    OutputFormat `yaml:"output_format,omitempty"`
	TenantID        string       `yaml:"tenant_id,omitempty"`
	LogLevel        string       `yaml:"log_level,omitempty"`
	Debug           bool         `yaml:"debug,omitempty"`
	Collaborator    struct {
		BaseURL string `yaml:"base_url,omitempty"`
		APIKey  string `yaml:"api_key,omitempty"`
		Timeout string `yaml:"timeout,omitempty"`
	} `yaml:"collaborator"`
	Models struct {
		Timeout           string            `yaml:"timeout,omitempty"`
		RequestsPerSecond *float64          `yaml:"requests_per_second,omitempty"`
		Concurrency       int               `yaml:"concurrency,omitempty"`
		MergeModel        string            `yaml:"merge_model,omitempty"`
		BaseURLs          map[string]string `yaml:"base_urls,omitempty"`
	} `yaml:"models"`
	Analysis struct {
		EnabledKinds    []string `yaml:"enabled_kinds,omitempty"`
		ThreadSummaries *bool    `yaml:"thread_summaries,omitempty"`
		RecentMessages  *int     `yaml:"recent_messages,omitempty"`
	} `yaml:"analysis"`
}

// loadFromFile loads configuration from a YAML file.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var f configFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	if f.ListenAddress != "" {
		cfg.ListenAddress = f.ListenAddress
	}
	if f.RedisURL != "" {
		cfg.RedisURL = f.RedisURL
	}
	if f.QueueName != "" {
		cfg.QueueName = f.QueueName
	}
	if f.Workers != 0 {
		cfg.Workers = f.Workers
	}
	if err := parseDuration(f.ShutdownTimeout, "shutdown_timeout", &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := parseDuration(f.IdempotencyTTL, "idempotency_ttl", &cfg.IdempotencyTTL); err != nil {
		return err
	}
	if f.OutputFormat != "" {
		cfg.OutputFormat = f.OutputFormat
	}
	if f.TenantID != "" {
		cfg.TenantID = f.TenantID
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	cfg.Debug = f.Debug

	if f.Collaborator.BaseURL != "" {
		cfg.Collaborator.BaseURL = f.Collaborator.BaseURL
	}
	if f.Collaborator.APIKey != "" {
		cfg.Collaborator.APIKey = f.Collaborator.APIKey
	}
	if err := parseDuration(f.Collaborator.Timeout, "collaborator.timeout", &cfg.Collaborator.Timeout); err != nil {
		return err
	}

	if err := parseDuration(f.Models.Timeout, "models.timeout", &cfg.Models.Timeout); err != nil {
		return err
	}
	if f.Models.RequestsPerSecond != nil {
		cfg.Models.RequestsPerSecond = *f.Models.RequestsPerSecond
	}
	if f.Models.Concurrency != 0 {
		cfg.Models.Concurrency = f.Models.Concurrency
	}
	if f.Models.MergeModel != "" {
		cfg.Models.MergeModel = f.Models.MergeModel
	}
	if f.Models.BaseURLs != nil {
		cfg.Models.BaseURLs = f.Models.BaseURLs
	}

	if f.Analysis.EnabledKinds != nil {
		cfg.Analysis.EnabledKinds = f.Analysis.EnabledKinds
	}
	if f.Analysis.ThreadSummaries != nil {
		cfg.Analysis.ThreadSummaries = *f.Analysis.ThreadSummaries
	}
	if f.Analysis.RecentMessages != nil {
		cfg.Analysis.RecentMessages = *f.Analysis.RecentMessages
	}

	return nil
}

func parseDuration(s, field string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}

// loadFromEnv overlays environment variables onto the configuration.
// Malformed numeric or duration values are errors rather than silently ignored.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("MAILPULSE_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("MAILPULSE_REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("MAILPULSE_QUEUE_NAME"); v != "" {
		cfg.QueueName = v
	}
	if v := os.Getenv("MAILPULSE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MAILPULSE_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if err := parseDuration(os.Getenv("MAILPULSE_SHUTDOWN_TIMEOUT"), "MAILPULSE_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout); err != nil {
		return err
	}
	if err := parseDuration(os.Getenv("MAILPULSE_IDEMPOTENCY_TTL"), "MAILPULSE_IDEMPOTENCY_TTL", &cfg.IdempotencyTTL); err != nil {
		return err
	}
	if v := os.Getenv("MAILPULSE_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	if v := os.Getenv("MAILPULSE_TENANT_ID"); v != "" {
		cfg.TenantID = v
	}
	if v := os.Getenv("MAILPULSE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MAILPULSE_DEBUG"); v == "true" || v == "1" {
		cfg.Debug = true
	}

	if v := os.Getenv("MAILPULSE_COLLABORATOR_URL"); v != "" {
		cfg.Collaborator.BaseURL = v
	}
	if v := os.Getenv("MAILPULSE_COLLABORATOR_API_KEY"); v != "" {
		cfg.Collaborator.APIKey = v
	}

	if err := parseDuration(os.Getenv("MAILPULSE_MODEL_TIMEOUT"), "MAILPULSE_MODEL_TIMEOUT", &cfg.Models.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("MAILPULSE_MODEL_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("MAILPULSE_MODEL_RPS: %w", err)
		}
		cfg.Models.RequestsPerSecond = rps
	}
	if v := os.Getenv("MAILPULSE_MERGE_MODEL"); v != "" {
		cfg.Models.MergeModel = v
	}

	if v := os.Getenv("MAILPULSE_ENABLED_ANALYSES"); v != "" {
		var kinds []string
		for _, k := range strings.Split(v, ",") {
			if k = strings.TrimSpace(k); k != "" {
				kinds = append(kinds, k)
			}
		}
		cfg.Analysis.EnabledKinds = kinds
	}
	if v := os.Getenv("MAILPULSE_THREAD_SUMMARIES"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MAILPULSE_THREAD_SUMMARIES: %w", err)
		}
		cfg.Analysis.ThreadSummaries = on
	}

	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url is required")
	}
	if c.QueueName == "" {
		return fmt.Errorf("queue_name is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	if c.Models.Timeout <= 0 {
		return fmt.Errorf("models.timeout must be positive")
	}
	if c.Models.RequestsPerSecond < 0 {
		return fmt.Errorf("models.requests_per_second must not be negative")
	}
	if c.Analysis.RecentMessages < 0 {
		return fmt.Errorf("analysis.recent_messages must not be negative")
	}
	if !c.OutputFormat.IsValid() {
		return fmt.Errorf("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}
	return nil
}

// EffectiveLogLevel returns debug when Debug is set, otherwise LogLevel.
func (c *Config) EffectiveLogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.LogLevel
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// SaveConfig writes cfg to the config file. The collaborator API key is
// never written; it belongs in the environment.
func SaveConfig(cfg *Config) error {
	configDir, err := ConfigDir()
	if err != nil {
		return fmt.Errorf("getting config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	f := cfg.file()
	data, err := yaml.Marshal(&f)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(configDir, DefaultConfigFile), data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// file converts c to its on-disk form without the collaborator API key.
func (c *Config) file() configFile {
	var f configFile
	f.ListenAddress = c.ListenAddress
	f.RedisURL = c.RedisURL
	f.QueueName = c.QueueName
	f.Workers = c.Workers
	f.ShutdownTimeout = c.ShutdownTimeout.String()
	f.IdempotencyTTL = c.IdempotencyTTL.String()
	f.OutputFormat = c.OutputFormat
	f.TenantID = c.TenantID
	f.LogLevel = c.LogLevel
	f.Debug = c.Debug
	f.Collaborator.BaseURL = c.Collaborator.BaseURL
	f.Collaborator.Timeout = c.Collaborator.Timeout.String()
	f.Models.Timeout = c.Models.Timeout.String()
	rps := c.Models.RequestsPerSecond
	f.Models.RequestsPerSecond = &rps
	f.Models.Concurrency = c.Models.Concurrency
	f.Models.MergeModel = c.Models.MergeModel
	f.Models.BaseURLs = c.Models.BaseURLs
	f.Analysis.EnabledKinds = c.Analysis.EnabledKinds
	summaries := c.Analysis.ThreadSummaries
	f.Analysis.ThreadSummaries = &summaries
	recent := c.Analysis.RecentMessages
	f.Analysis.RecentMessages = &recent
	return f
}

// MarshalYAML renders the effective configuration as it would be saved,
// with the collaborator API key masked.
func (c *Config) MarshalYAML() (interface{}, error) {
	f := c.file()
	if c.Collaborator.APIKey != "" {
		f.Collaborator.APIKey = "********"
	}
	return f, nil
}
