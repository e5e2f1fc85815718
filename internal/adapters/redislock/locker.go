// Package redislock implements ports.Locker on Redis so admission locks hold
// across engine instances sharing one store.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"workflowTrader/internal/ports"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const keyPrefix = "workflowtrader:lock:"

// Deletes or extends the key only while it still carries our token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Options configures the Redis connection and lock timing.
type Options struct {
	Addr        string
	Password    string
	DB          int
	PoolSize    int
	TTL         time.Duration // lease length; refreshed while held
	RetryDelay  time.Duration // wait between acquisition attempts
	Logger      ports.Logger
	OwnerPrefix string // prepended to lock tokens, e.g. the node id
}

// Locker is a Redis-backed ports.Locker using SET NX PX leases.
type Locker struct {
	client     *redis.Client
	ttl        time.Duration
	retryDelay time.Duration
	owner      string
	logger     ports.Logger
}

var _ ports.Locker = (*Locker)(nil)

// New connects to Redis and returns a Locker.
func New(opts Options) (*Locker, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required for redis locker")
	}
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address is required: %w", ports.ErrConfigurationError)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w: %w", ports.ErrConnectionFailed, err)
	}
	return newLocker(client, opts), nil
}

func newLocker(client *redis.Client, opts Options) *Locker {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = 25 * time.Millisecond
	}
	return &Locker{client: client, ttl: ttl, retryDelay: retry, owner: opts.OwnerPrefix, logger: opts.Logger}
}

// Acquire implements ports.Locker. It retries until the key is free or ctx ends.
func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := l.owner + uuid.NewString()

	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
		}
		if ok {
			break
		}
		t := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		l.keepAlive(redisKey, token, stop)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(relCtx, l.client, []string{redisKey}, token).Int()
			if err != nil {
				l.logger.Error(relCtx, err, "Failed to release redis lock", ports.Fields{"key": key})
				return
			}
			if n == 0 {
				l.logger.Warn(relCtx, "Redis lock expired before release", ports.Fields{"key": key, "error": ports.ErrLockNotHeld.Error()})
			}
		})
	}, nil
}

// keepAlive extends the lease every ttl/3 until stop is closed.
func (l *Locker) keepAlive(redisKey, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			n, err := refreshScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil && !errors.Is(err, redis.Nil) {
				l.logger.Warn(context.Background(), "Failed to refresh redis lock", ports.Fields{"key": redisKey, "error": err.Error()})
				continue
			}
			if n == 0 {
				l.logger.Warn(context.Background(), "Redis lock lost while held", ports.Fields{"key": redisKey})
				return
			}
		}
	}
}

// Close closes the Redis client.
func (l *Locker) Close() error {
	return l.client.Close()
}
