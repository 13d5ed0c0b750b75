/*
Package redislock is a tutoring.Locker backed by Redis.

PURPOSE:
  KeyedMutex only serializes commands inside one process. When several
  server processes share a Postgres database, commands for the same
  student must still run one at a time; this package holds the
  "student:<id>" lock in Redis instead.

PROTOCOL:
  Lock:   SET lock:<key> <token> NX PX <ttl>, retried every RetryInterval
          until it succeeds or ctx is done.
  Unlock: delete lock:<key> only if it still holds our token, so a lock
          that expired and was taken by another process is left alone.

TTL:
  The TTL bounds how long a crashed holder blocks others. It must exceed
  the slowest command.
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/warp/lesson-engine/generic"
)

const keyPrefix = "lock:"

var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

type Config struct {
	Addr          string
	Password      string
	DB            int
	TTL           time.Duration
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:6379",
		TTL:           30 * time.Second,
		RetryInterval: 50 * time.Millisecond,
	}
}

// Locker implements tutoring.Locker.
type Locker struct {
	client *redis.Client
	cfg    Config
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, cfg, logger), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, cfg Config, logger *slog.Logger) *Locker {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, cfg: cfg, logger: logger}
}

func (l *Locker) Close() error {
	return l.client.Close()
}

// Lock blocks until key is acquired. It returns generic.ErrLockTimeout
// when ctx ends first.
func (l *Locker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.cfg.TTL).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			return l.unlockFunc(redisKey, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", generic.ErrLockTimeout, key)
		case <-ticker.C:
		}
	}
}

func (l *Locker) unlockFunc(redisKey, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be cancelled; release regardless.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := unlockScript.Run(ctx, l.client, []string{redisKey}, token).Int()
			if err != nil {
				l.logger.Warn("failed to release lock", "key", redisKey, "error", err)
				return
			}
			if n == 0 {
				l.logger.Warn("lock expired before release", "key", redisKey)
			}
		})
	}
}
