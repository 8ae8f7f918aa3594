package tokenquota

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	Store   StoreConfig   `yaml:"store"`
	Model   ModelConfig   `yaml:"model"`
	Pricing Pricing       `yaml:"pricing"`
	Health  HealthConfig  `yaml:"health"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverDynamoDB = "dynamodb"
)

// Model providers.
const (
	ProviderAnthropic    = "anthropic"
	ProviderBedrock      = "bedrock"
	ProviderOpenAI       = "openai"
	ProviderOpenAICompat = "openaicompat"
	ProviderGemini       = "gemini"
	ProviderMock         = "mock"
)

// StoreConfig selects and configures the account store backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite, a connection string for postgres and a
	// redis:// URL for redis.
	DSN string `yaml:"dsn"`
	// Prefix namespaces tables (sql) or keys (redis). Empty keeps the
	// driver default.
	Prefix string `yaml:"prefix"`

	// DynamoDB only.
	Table    string `yaml:"table"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// ModelConfig configures the metered model provider. Region only applies to
// the bedrock provider.
type ModelConfig struct {
	Provider  string        `yaml:"provider"`
	Name      string        `yaml:"name"`
	BaseURL   string        `yaml:"base_url"`
	Region    string        `yaml:"region"`
	Auth      Auth          `yaml:"auth"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`

	Temperature *float64 `yaml:"temperature"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults. The model provider has
// no default and must be configured.
func Default() Config {
	return Config{
		Listen: ":8080",
		Store: StoreConfig{
			Driver: DriverMemory,
			Table:  "TokenUsageTable",
		},
		Model: ModelConfig{
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
		},
		Pricing: DefaultPricing,
		Health:  DefaultHealthConfig,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads, parses and validates a YAML config file.
func LoadConfig(path string) (Config, error) {
	cfg, err := ParseConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseConfig reads a YAML config file on top of Default() without
// validating it, so callers can layer overrides before calling Validate.
// Environment variables in the format ${VAR} are expanded before parsing.
func ParseConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("tokenquota: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("tokenquota: parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverRedis:
		if c.Store.DSN == "" {
			return fmt.Errorf("tokenquota: config: store.dsn is required for driver %q", c.Store.Driver)
		}
	case DriverDynamoDB:
		if c.Store.Table == "" {
			return fmt.Errorf("tokenquota: config: store.table is required for driver %q", c.Store.Driver)
		}
	case "":
		return fmt.Errorf("tokenquota: config: store.driver is required")
	default:
		return fmt.Errorf("tokenquota: config: unknown store.driver %q", c.Store.Driver)
	}

	switch c.Model.Provider {
	case ProviderAnthropic, ProviderBedrock, ProviderOpenAI, ProviderGemini, ProviderMock:
	case ProviderOpenAICompat:
		if c.Model.BaseURL == "" {
			return fmt.Errorf("tokenquota: config: model.base_url is required for provider %q", c.Model.Provider)
		}
	case "":
		return fmt.Errorf("tokenquota: config: model.provider is required")
	default:
		return fmt.Errorf("tokenquota: config: unknown model.provider %q", c.Model.Provider)
	}
	if c.Model.Name == "" {
		return fmt.Errorf("tokenquota: config: model.name is required")
	}
	if c.Model.MaxTokens < 0 {
		return fmt.Errorf("tokenquota: config: model.max_tokens must be non-negative")
	}
	if t := c.Model.Temperature; t != nil && (math.IsNaN(*t) || *t < 0 || *t > 2) {
		return fmt.Errorf("tokenquota: config: model.temperature must be between 0 and 2")
	}
	if c.Model.Timeout < 0 {
		return fmt.Errorf("tokenquota: config: model.timeout must be non-negative")
	}

	if math.IsNaN(c.Pricing.InputRate) || c.Pricing.InputRate < 0 {
		return fmt.Errorf("tokenquota: config: pricing.input_rate must be non-negative")
	}
	if math.IsNaN(c.Pricing.OutputRate) || c.Pricing.OutputRate < 0 {
		return fmt.Errorf("tokenquota: config: pricing.output_rate must be non-negative")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("tokenquota: config: unknown log.level %q", c.Log.Level)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("tokenquota: config: unknown log.format %q", c.Log.Format)
	}

	return nil
}

// InvokerConfig derives the Invoker settings from the model and pricing
// sections.
func (c Config) InvokerConfig() InvokerConfig {
	return InvokerConfig{
		Model:       c.Model.Name,
		Auth:        c.Model.Auth,
		MaxTokens:   c.Model.MaxTokens,
		Temperature: c.Model.Temperature,
		Timeout:     c.Model.Timeout,
		Pricing:     c.Pricing,
	}
}
