package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/transfer-ledger/ledger"
)

// chdir moves into dir for the duration of the test.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(prev) })
}

// unsetEnv removes key and restores it after the test.
func unsetEnv(t *testing.T, key string) {
	t.Helper()
	t.Setenv(key, "")
	os.Unsetenv(key)
}

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir()) // no .env
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, DriverSQLite, cfg.DBDriver)
	assert.Equal(t, "ledger.db", cfg.DB)
	assert.True(t, ledger.DefaultDailyLimit.Equal(cfg.DailyLimit))
	assert.Equal(t, time.UTC, cfg.Location)
	assert.Equal(t, 5*time.Second, cfg.LockTimeout)
	assert.Equal(t, time.Hour, cfg.AuditInterval)
}

func TestLoad_EnvThenFlags(t *testing.T) {
	// GIVEN: Environment overrides
	chdir(t, t.TempDir())
	t.Setenv("LEDGER_PORT", "9090")
	t.Setenv("LEDGER_DB_DRIVER", "memory")
	t.Setenv("LEDGER_DAILY_LIMIT", "250.50")
	t.Setenv("LEDGER_LOCK_TIMEOUT", "750ms")

	// WHEN: A flag overrides one of them again
	cfg, err := Load([]string{"-port=7070", "-audit-interval=0"})

	// THEN: Flags win over env, env wins over defaults
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Port)
	assert.Equal(t, DriverMemory, cfg.DBDriver)
	assert.Equal(t, "250.5", cfg.DailyLimit.String())
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Zero(t, cfg.AuditInterval)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("LEDGER_CURRENCY=EUR\nLEDGER_DAILY_LIMIT=42\n"), 0o600))
	unsetEnv(t, "LEDGER_CURRENCY")
	unsetEnv(t, "LEDGER_DAILY_LIMIT")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "EUR", cfg.Currency)
	assert.Equal(t, "42", cfg.DailyLimit.String())
}

func TestLoad_BadEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LEDGER_LOCK_TIMEOUT", "soon")
	_, err := Load(nil)
	assert.ErrorContains(t, err, "LEDGER_LOCK_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"port", func(c *Config) { c.Port = 0 }, "port"},
		{"driver", func(c *Config) { c.DBDriver = "mysql" }, "db driver"},
		{"limit", func(c *Config) { c.DailyLimit = ledger.MinAmount.Neg() }, "daily limit"},
		{"limit scale", func(c *Config) { c.DailyLimit = decimal.RequireFromString("0.001") }, "daily limit"},
		{"timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, "timezone"},
		{"lock timeout", func(c *Config) { c.LockTimeout = 0 }, "lock timeout"},
		{"audit", func(c *Config) { c.AuditInterval = -time.Second }, "audit interval"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log level"},
		{"currency", func(c *Config) { c.Currency = "dollars" }, "currency"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(c)
			assert.ErrorContains(t, c.Validate(), tc.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestLogger_RespectsLevel(t *testing.T) {
	c := Default()
	c.LogLevel = "warn"
	var buf bytes.Buffer
	logger := c.Logger(&buf)

	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestOpenStore_Memory(t *testing.T) {
	c := Default()
	c.DBDriver = DriverMemory
	require.NoError(t, c.Validate())

	s, err := c.OpenStore(context.Background())
	require.NoError(t, err)
	defer s.Close()

	l := c.NewLedger(s, c.Logger(&bytes.Buffer{}))
	assert.Equal(t, c.LockTimeout, l.Executor.LockTimeout)
	assert.True(t, c.DailyLimit.Equal(l.Spend.Limit))
}

func TestOpenStore_SQLite(t *testing.T) {
	c := Default()
	c.DB = ":memory:"
	s, err := c.OpenStore(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
