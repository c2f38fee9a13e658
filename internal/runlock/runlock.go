// Package runlock keeps two sync runs from writing to the same store at once.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress is returned when another run holds the lock.
var ErrRunInProgress = errors.New("sync run already in progress")

// Locker grants exclusive run ownership. The returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, owner string) (release func(), err error)
}

// Local is an in-process Locker.
type Local struct {
	mu sync.Mutex
}

// NewLocal returns an unlocked Local.
func NewLocal() *Local {
	return &Local{}
}

// Acquire takes the lock without waiting.
func (l *Local) Acquire(_ context.Context, _ string) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	var once sync.Once
	return func() { once.Do(l.mu.Unlock) }, nil
}

// RedisConfig configures the Redis-backed lock.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	Key string        `mapstructure:"key"`
	TTL time.Duration `mapstructure:"ttl"`
}

// WithDefaults fills the key and a TTL long enough for a slow paced run.
func (c RedisConfig) WithDefaults() RedisConfig {
	if c.Key == "" {
		c.Key = "newscrawler:sync:lock"
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	return c
}

// releaseScript deletes the key only while it still names the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker shared by every process pointed at the same Redis.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, cfg RedisConfig) (*Redis, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Redis{client: client, cfg: cfg.WithDefaults()}, nil
}

// Dial parses cfg.URL, pings the server and returns a Redis locker.
func Dial(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, cfg)
}

// Acquire sets the lock key to owner if it is free.
func (r *Redis) Acquire(ctx context.Context, owner string) (func(), error) {
	ok, err := r.client.SetNX(ctx, r.cfg.Key, owner, r.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{r.cfg.Key}, owner).Err()
		})
	}, nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis: %w", err)
	}
	return nil
}
