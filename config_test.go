package tokenquota_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tq "github.com/ineyio/tokenquota"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokenquota.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-ant-test")
	path := writeConfig(t, `
listen: ":9090"
store:
  driver: sqlite
  dsn: /var/lib/tokenquota/quota.db
model:
  provider: anthropic
  name: claude-3-5-sonnet-20241022
  auth:
    api_key: ${TEST_ANTHROPIC_KEY}
  timeout: 30s
  temperature: 0.7
pricing:
  input_rate: 0.000001
  output_rate: 0.000002
metrics:
  enabled: true
log:
  level: debug
  format: json
`)

	cfg, err := tq.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, tq.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "sk-ant-test", cfg.Model.Auth.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Model.Timeout)
	assert.Equal(t, 1024, cfg.Model.MaxTokens, "unset fields keep defaults")
	assert.Equal(t, tq.DefaultHealthConfig, cfg.Health)
	assert.True(t, cfg.Metrics.Enabled)

	ic := cfg.InvokerConfig()
	require.NotNil(t, ic.Temperature)
	assert.Equal(t, 0.7, *ic.Temperature)
	assert.Equal(t, "claude-3-5-sonnet-20241022", ic.Model)
	assert.Equal(t, tq.Pricing{InputRate: 0.000001, OutputRate: 0.000002}, ic.Pricing)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := tq.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = tq.LoadConfig(writeConfig(t, "store: [unclosed"))
	assert.Error(t, err)
}

func TestParseConfig_DefersValidation(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: sqlite
  dsn: quota.db
`)

	_, err := tq.LoadConfig(path)
	assert.ErrorContains(t, err, "model.provider is required")

	cfg, err := tq.ParseConfig(path)
	require.NoError(t, err)
	assert.Equal(t, tq.DriverSQLite, cfg.Store.Driver)
	assert.Empty(t, cfg.Model.Provider)

	cfg.Model.Provider = tq.ProviderMock
	cfg.Model.Name = "m"
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	valid := func() tq.Config {
		cfg := tq.Default()
		cfg.Model.Provider = tq.ProviderMock
		cfg.Model.Name = "m"
		return cfg
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*tq.Config)
		want   string
	}{
		{"no driver", func(c *tq.Config) { c.Store.Driver = "" }, "store.driver is required"},
		{"unknown driver", func(c *tq.Config) { c.Store.Driver = "mongo" }, "unknown store.driver"},
		{"sqlite without dsn", func(c *tq.Config) { c.Store.Driver = tq.DriverSQLite }, "store.dsn is required"},
		{"dynamodb without table", func(c *tq.Config) { c.Store.Driver = tq.DriverDynamoDB; c.Store.Table = "" }, "store.table is required"},
		{"no provider", func(c *tq.Config) { c.Model.Provider = "" }, "model.provider is required"},
		{"unknown provider", func(c *tq.Config) { c.Model.Provider = "cohere" }, "unknown model.provider"},
		{"compat without base url", func(c *tq.Config) { c.Model.Provider = tq.ProviderOpenAICompat }, "model.base_url is required"},
		{"no model", func(c *tq.Config) { c.Model.Name = "" }, "model.name is required"},
		{"negative max tokens", func(c *tq.Config) { c.Model.MaxTokens = -1 }, "max_tokens"},
		{"hot temperature", func(c *tq.Config) { c.Model.Temperature = tq.Float64Ptr(3) }, "temperature"},
		{"negative rate", func(c *tq.Config) { c.Pricing.InputRate = -1 }, "input_rate"},
		{"bad log level", func(c *tq.Config) { c.Log.Level = "loud" }, "unknown log.level"},
		{"bad log format", func(c *tq.Config) { c.Log.Format = "xml" }, "unknown log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
