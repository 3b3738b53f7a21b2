// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App            AppConfig            `yaml:"app"`
	Broker         BrokerConfig         `yaml:"broker"`
	Database       DatabaseConfig       `yaml:"database"`
	Redis          RedisConfig          `yaml:"redis"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	System         SystemConfig         `yaml:"system"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name     string `yaml:"name"`
	PodLabel string `yaml:"pod_label"` // overrides POD_NAME/hostname in metric labels
}

// BrokerConfig contains broker API credentials and endpoints
type BrokerConfig struct {
	APIKey         Secret `yaml:"api_key" validate:"required"`
	SecretKey      Secret `yaml:"secret_key" validate:"required"`
	BaseURL        string `yaml:"base_url"`
	StreamURL      string `yaml:"stream_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds" validate:"min=1,max=120"`
	RatePerSecond  int    `yaml:"rate_per_second" validate:"min=1,max=1000"`
}

// DatabaseConfig contains durable store settings
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// RedisConfig contains quarantine cache settings
type RedisConfig struct {
	Addr     string `yaml:"addr" validate:"required"`
	Password Secret `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ReconciliationConfig contains the reconciliation loop parameters
type ReconciliationConfig struct {
	PollIntervalSeconds               int  `yaml:"poll_interval_seconds" validate:"min=1,max=3600"`
	TimeoutSeconds                    int  `yaml:"timeout_seconds" validate:"min=1,max=3600"`
	MaxIndividualLookups              int  `yaml:"max_individual_lookups" validate:"min=1,max=1000"`
	OverlapSeconds                    int  `yaml:"overlap_seconds" validate:"min=0,max=3600"`
	SubmittedUnconfirmedGraceSeconds  int  `yaml:"submitted_unconfirmed_grace_seconds" validate:"min=0,max=3600"`
	FillsBackfillEnabled              bool `yaml:"fills_backfill_enabled"`
	FillsBackfillInitialLookbackHours int  `yaml:"fills_backfill_initial_lookback_hours" validate:"min=1,max=168"`
	FillsBackfillPageSize             int  `yaml:"fills_backfill_page_size" validate:"min=1,max=500"`
	FillsBackfillMaxPages             int  `yaml:"fills_backfill_max_pages" validate:"min=1,max=100"`
	DryRun                            bool `yaml:"dry_run"`
}

// PollInterval returns the periodic loop interval
func (r ReconciliationConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// Timeout returns the per-cycle and startup wall-clock bound
func (r ReconciliationConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Overlap returns the high-water-mark rewind applied to window starts
func (r ReconciliationConfig) Overlap() time.Duration {
	return time.Duration(r.OverlapSeconds) * time.Second
}

// Grace returns the submitted_unconfirmed grace window
func (r ReconciliationConfig) Grace() time.Duration {
	return time.Duration(r.SubmittedUnconfirmedGraceSeconds) * time.Second
}

// InitialLookback returns the activity window used when no high-water mark exists
func (r ReconciliationConfig) InitialLookback() time.Duration {
	return time.Duration(r.FillsBackfillInitialLookbackHours) * time.Hour
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel  string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	AdminPort int    `yaml:"admin_port"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// ValidationError describes a single invalid configuration field
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config field %s: %s (value: %q)", e.Field, e.Message, e.Value)
}

// LoadConfig reads, expands, defaults and validates a configuration file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults fills unset fields with the documented defaults
func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "execution_gateway"
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Broker.StreamURL == "" {
		c.Broker.StreamURL = "wss://paper-api.alpaca.markets/stream"
	}
	if c.Broker.TimeoutSeconds == 0 {
		c.Broker.TimeoutSeconds = 30
	}
	if c.Broker.RatePerSecond == 0 {
		c.Broker.RatePerSecond = 10
	}
	if c.Reconciliation.PollIntervalSeconds == 0 {
		c.Reconciliation.PollIntervalSeconds = 300
	}
	if c.Reconciliation.TimeoutSeconds == 0 {
		c.Reconciliation.TimeoutSeconds = 300
	}
	if c.Reconciliation.MaxIndividualLookups == 0 {
		c.Reconciliation.MaxIndividualLookups = 100
	}
	if c.Reconciliation.OverlapSeconds == 0 {
		c.Reconciliation.OverlapSeconds = 60
	}
	if c.Reconciliation.SubmittedUnconfirmedGraceSeconds == 0 {
		c.Reconciliation.SubmittedUnconfirmedGraceSeconds = 300
	}
	if c.Reconciliation.FillsBackfillInitialLookbackHours == 0 {
		c.Reconciliation.FillsBackfillInitialLookbackHours = 24
	}
	if c.Reconciliation.FillsBackfillPageSize == 0 {
		c.Reconciliation.FillsBackfillPageSize = 100
	}
	if c.Reconciliation.FillsBackfillMaxPages == 0 {
		c.Reconciliation.FillsBackfillMaxPages = 5
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.AdminPort == 0 {
		c.System.AdminPort = 8080
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRedis(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateReconciliation(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.Broker.APIKey == "" {
		return ValidationError{Field: "broker.api_key", Message: "API key is required"}
	}
	if c.Broker.SecretKey == "" {
		return ValidationError{Field: "broker.secret_key", Message: "secret key is required"}
	}
	if c.Broker.TimeoutSeconds < 1 || c.Broker.TimeoutSeconds > 120 {
		return ValidationError{
			Field:   "broker.timeout_seconds",
			Value:   fmt.Sprintf("%d", c.Broker.TimeoutSeconds),
			Message: "must be between 1 and 120",
		}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return ValidationError{Field: "database.path", Message: "database path is required"}
	}
	return nil
}

func (c *Config) validateRedis() error {
	if c.Redis.Addr == "" {
		return ValidationError{Field: "redis.addr", Message: "redis address is required"}
	}
	return nil
}

func (c *Config) validateReconciliation() error {
	r := c.Reconciliation
	if r.PollIntervalSeconds < 1 || r.PollIntervalSeconds > 3600 {
		return ValidationError{
			Field:   "reconciliation.poll_interval_seconds",
			Value:   fmt.Sprintf("%d", r.PollIntervalSeconds),
			Message: "must be between 1 and 3600",
		}
	}
	if r.TimeoutSeconds < 1 || r.TimeoutSeconds > 3600 {
		return ValidationError{
			Field:   "reconciliation.timeout_seconds",
			Value:   fmt.Sprintf("%d", r.TimeoutSeconds),
			Message: "must be between 1 and 3600",
		}
	}
	if r.MaxIndividualLookups < 1 || r.MaxIndividualLookups > 1000 {
		return ValidationError{
			Field:   "reconciliation.max_individual_lookups",
			Value:   fmt.Sprintf("%d", r.MaxIndividualLookups),
			Message: "must be between 1 and 1000",
		}
	}
	if r.FillsBackfillPageSize < 1 || r.FillsBackfillPageSize > 500 {
		return ValidationError{
			Field:   "reconciliation.fills_backfill_page_size",
			Value:   fmt.Sprintf("%d", r.FillsBackfillPageSize),
			Message: "must be between 1 and 500",
		}
	}
	if r.FillsBackfillMaxPages < 1 || r.FillsBackfillMaxPages > 100 {
		return ValidationError{
			Field:   "reconciliation.fills_backfill_max_pages",
			Value:   fmt.Sprintf("%d", r.FillsBackfillMaxPages),
			Message: "must be between 1 and 100",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	valid := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	for _, lvl := range valid {
		if strings.ToUpper(c.System.LogLevel) == lvl {
			return nil
		}
	}
	return ValidationError{
		Field:   "system.log_level",
		Value:   c.System.LogLevel,
		Message: fmt.Sprintf("must be one of: %s", strings.Join(valid, ", ")),
	}
}

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		Broker: BrokerConfig{
			APIKey:    "test_api_key",
			SecretKey: "test_secret_key",
		},
		Database: DatabaseConfig{Path: ":memory:"},
		Redis:    RedisConfig{Addr: "localhost:6379"},
	}
	cfg.applyDefaults()
	return cfg
}
