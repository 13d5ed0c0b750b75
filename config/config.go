/*
config.go - Server configuration

PURPOSE:
  Loads the server's settings from an optional YAML file, an optional .env
  file and TUTOR_* environment variables, in increasing order of precedence.

KEYS:
  app.env                 dev | prod (dev turns on debug logging)
  http.addr               listen address (default :8080)
  http.read_timeout       e.g. 15s
  http.write_timeout      e.g. 15s
  http.allowed_origins    CORS origins, comma separated in the environment
  http.max_period_days    longest from/to range a query may ask for (default 1096)
  store.driver            sqlite | postgres | memory
  store.sqlite_path       SQLite file, ":memory:" for a throwaway database
  store.postgres_dsn      pgx connection string
  redis.enabled           use Redis for per-student command locks
  redis.addr, redis.password, redis.db, redis.lock_ttl
  scheduler.enabled       settle past makeups in the background
  scheduler.interval      how often the settlement pass runs
  metrics.enabled         expose /metrics

ENVIRONMENT:
  Every key maps to TUTOR_ plus the upper-cased key with dots replaced by
  underscores: store.postgres_dsn is TUTOR_STORE_POSTGRES_DSN.
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

const EnvPrefix = "TUTOR"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr           string
		ReadTimeout    time.Duration `mapstructure:"read_timeout"`
		WriteTimeout   time.Duration `mapstructure:"write_timeout"`
		AllowedOrigins []string      `mapstructure:"allowed_origins"`
		MaxPeriodDays  int           `mapstructure:"max_period_days"`
	} `mapstructure:"http"`

	Store struct {
		Driver      string
		SQLitePath  string `mapstructure:"sqlite_path"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"store"`

	Redis struct {
		Enabled  bool
		Addr     string
		Password string
		DB       int
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`

	Scheduler struct {
		Enabled  bool
		Interval time.Duration
	} `mapstructure:"scheduler"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "prod")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("http.max_period_days", 1096)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "tutoring.db")
	v.SetDefault("store.postgres_dsn", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl", 30*time.Second)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Hour)

	v.SetDefault("metrics.enabled", true)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply. envFiles are dotenv files loaded into
// the process environment first; with none given, ./.env is used when it
// exists. Variables already set in the environment are never overwritten.
func Load(path string, envFiles ...string) (Config, error) {
	var c Config

	if len(envFiles) == 0 {
		if _, err := os.Stat(".env"); err == nil {
			envFiles = []string{".env"}
		}
	}
	for _, f := range envFiles {
		if err := gotenv.Load(f); err != nil {
			return c, fmt.Errorf("load %s: %w", f, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return c, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if c.HTTP.MaxPeriodDays <= 0 {
		return errors.New("http.max_period_days must be positive")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			return errors.New("store.postgres_dsn is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be positive")
	}
	return nil
}

// IsDev reports whether the server runs in development mode.
func (c Config) IsDev() bool {
	return c.App.Env == "dev"
}
