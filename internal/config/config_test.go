package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sampleConfig = `
accounts:
  - name: alpha
    phone: "+10000000001"
    api_id: 1001
    api_hash: abc
    session: alpha.session
  - name: beta
    api_id: 1002
    api_hash: def
batch_size: 25
request_delay: 5s
max_unlock_wait: 0s
gateway:
  url: http://gateway:9000
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crawler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Len(t, cfg.Accounts, 2)
	assert.Equal(t, "alpha", cfg.Accounts[0].Name)
	assert.Equal(t, 1001, cfg.Accounts[0].APIID)
	assert.Equal(t, "alpha.session", cfg.Accounts[0].Session)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.RequestDelay)
	assert.Equal(t, time.Duration(0), cfg.MaxUnlockWait)
	assert.Equal(t, "http://gateway:9000", cfg.Gateway.URL)

	// defaults
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.SpamBanWindow)
	assert.Equal(t, "@every 15m", cfg.Schedule)
	assert.Equal(t, "channels.discovered", cfg.NATS.Subject)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_BATCH_SIZE", "7")
	t.Setenv("CRAWLER_SCHEDULE", "@every 1h")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("ADMIN_API_KEY", "secret")
	t.Setenv("CRAWLER_SAFETY_BUFFER", "10s")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.BatchSize)
	assert.Equal(t, "@every 1h", cfg.Schedule)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Admin.APIKey)
	assert.Equal(t, 10*time.Second, cfg.SafetyBuffer)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
accounts:
  - name: alpha
    api_id: 1
    api_hash: x
  - name: alpha
  - api_id: 3
batch_size: 0
retry_delay: -1s
`))
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate name")
	assert.Contains(t, err.Error(), "api_id and api_hash are required")
	assert.Contains(t, err.Error(), "account 2: name is required")
	assert.Contains(t, err.Error(), "batch_size must be positive")
	assert.Contains(t, err.Error(), "retry_delay cannot be negative")
}

func TestValidate_NoAccounts(t *testing.T) {
	cfg, err := Load(writeConfig(t, "batch_size: 10\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, cfg.Validate(), "at least one account")
}

func TestConversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	engineCfg := cfg.EngineConfig(zap.NewNop())
	assert.Equal(t, 25, engineCfg.BatchSize)
	assert.Equal(t, cfg.SpamBanWindow, engineCfg.SpamBanWindow)

	poolCfg := cfg.PoolConfig(nil, zap.NewNop())
	assert.Equal(t, cfg.SafetyBuffer, poolCfg.SafetyBuffer)
	assert.Zero(t, poolCfg.MaxUnlockWait)
}
