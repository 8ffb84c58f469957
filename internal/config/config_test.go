package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: "20s"
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./data.db
sender:
  interval_min: "1m"
  interval_max: "2m"
  retry_max: 3
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, []int64{42}, cfg.Telegram.OwnerUserIDs)
	assert.Equal(t, "1m", cfg.Sender.IntervalMin)
	assert.Equal(t, 3, cfg.Sender.RetryMax)
	assert.Equal(t, "2s", cfg.Sender.PauseMin)
	assert.Equal(t, "15s", cfg.Sender.FloodJitterMax)
	assert.Equal(t, "@every 5m", cfg.Sender.ReaperSchedule)
	assert.Equal(t, 4, cfg.Telegram.Workers)
	assert.Same(t, cfg, m.Get())
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"telegram":{"token":"x"},"pprof":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pprof")
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	_, err := Decode("config.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestEnvOverridesToken(t *testing.T) {
	t.Setenv("GROUPCAST_TELEGRAM_TOKEN", "from-env")
	t.Setenv("GROUPCAST_LOG_LEVEL", "warn")

	cfg, err := Decode("config.json", []byte(`{"telegram":{"token":"from-file"}}`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Telegram.Token)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "missing token", mutate: func(c *Config) { c.Telegram.Token = "" }, wantErr: "telegram.token"},
		{name: "inverted interval", mutate: func(c *Config) { c.Sender.IntervalMin = "10m" }, wantErr: "sender.interval"},
		{name: "bad duration", mutate: func(c *Config) { c.Sender.RetryBase = "soon" }, wantErr: "sender.retry_base"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "unknown driver", mutate: func(c *Config) { c.Storage.Driver = "mysql" }, wantErr: "storage.driver"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := &Config{Telegram: TelegramConfig{Token: "t"}}
			c.Normalize()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseWindow(t *testing.T) {
	t.Parallel()
	lo, hi, err := ParseWindow("sender.pause", "2s", "5s")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, lo)
	assert.Equal(t, 5*time.Second, hi)
}

func TestDiff(t *testing.T) {
	t.Parallel()
	a := &Config{Telegram: TelegramConfig{Token: "t"}}
	a.Normalize()
	b := *a
	b.Sender.IntervalMin = "1m"
	b.Storage.Path = "./other.db"

	ch := Diff(a, &b)
	assert.True(t, ch.Has("sender"))
	assert.False(t, ch.Has("logging"))
	assert.Equal(t, []string{"storage"}, ch.Restart)
}
