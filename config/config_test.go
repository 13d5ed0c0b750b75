package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	// GIVEN: No config file and an empty dotenv file
	empty := writeFile(t, "empty.env", "")

	// WHEN: Loading
	cfg, err := Load("", empty)

	// THEN: Every key has its default
	require.NoError(t, err)
	assert.Equal(t, "prod", cfg.App.Env)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 15*time.Second, cfg.HTTP.ReadTimeout)
	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "tutoring.db", cfg.Store.SQLitePath)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Redis.LockTTL)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Len(t, cfg.HTTP.AllowedOrigins, 2)
	assert.Equal(t, 1096, cfg.HTTP.MaxPeriodDays)
	assert.False(t, cfg.IsDev())
}

func TestLoadFileAndEnvironment(t *testing.T) {
	// GIVEN: A YAML file and an environment override
	path := writeFile(t, "config.yaml", `
app:
  env: dev
http:
  addr: ":9090"
  write_timeout: 5s
store:
  driver: memory
scheduler:
  interval: 10m
`)
	empty := writeFile(t, "empty.env", "")
	t.Setenv("TUTOR_HTTP_ADDR", ":7070")
	t.Setenv("TUTOR_METRICS_ENABLED", "false")
	t.Setenv("TUTOR_HTTP_MAX_PERIOD_DAYS", "400")

	// WHEN: Loading
	cfg, err := Load(path, empty)

	// THEN: The environment wins over the file, the file over defaults
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 5*time.Second, cfg.HTTP.WriteTimeout)
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 10*time.Minute, cfg.Scheduler.Interval)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 400, cfg.HTTP.MaxPeriodDays)
}

func TestLoadDotenv(t *testing.T) {
	// GIVEN: A dotenv file selecting postgres
	env := writeFile(t, "test.env", "TUTOR_STORE_DRIVER=postgres\nTUTOR_STORE_POSTGRES_DSN=postgres://tutor@localhost/tutor\n")
	// Registers restoration of the variables gotenv is about to set.
	t.Setenv("TUTOR_STORE_DRIVER", "")
	t.Setenv("TUTOR_STORE_POSTGRES_DSN", "")
	require.NoError(t, os.Unsetenv("TUTOR_STORE_DRIVER"))
	require.NoError(t, os.Unsetenv("TUTOR_STORE_POSTGRES_DSN"))

	// WHEN: Loading
	cfg, err := Load("", env)

	// THEN: Its values are picked up
	require.NoError(t, err)
	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "postgres://tutor@localhost/tutor", cfg.Store.PostgresDSN)
}

func TestLoadMissingFileIsOptional(t *testing.T) {
	empty := writeFile(t, "empty.env", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), empty)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.HTTP.MaxPeriodDays = 1096
		c.Store.Driver = DriverMemory
		c.Scheduler.Enabled = true
		c.Scheduler.Interval = time.Minute
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "unknown store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = DriverPostgres }, "postgres_dsn"},
		{"sqlite without path", func(c *Config) { c.Store.Driver = DriverSQLite }, "sqlite_path"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true }, "redis.addr"},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
		{"zero max period", func(c *Config) { c.HTTP.MaxPeriodDays = 0 }, "http.max_period_days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
