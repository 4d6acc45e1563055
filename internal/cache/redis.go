// Package cache provides the Redis client and caching utilities.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"courier/internal/middleware"

	"github.com/redis/go-redis/v9"
)

type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			middleware.RedisErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			middleware.RedisErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// New creates a Redis client for the given address or URL and verifies the
// connection. A nil client (with error) is returned when Redis is
// unreachable; callers decide whether that is fatal.
func New(addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)
	client.AddHook(metricsHook{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Aside implements the cache-aside pattern: read `key` into dest, or run
// fill() and store the result with the given TTL. Cache failures degrade to
// the fill path.
func Aside(ctx context.Context, rdb *redis.Client, key string, dest interface{}, ttl time.Duration, fill func() error) error {
	if rdb != nil {
		raw, err := rdb.Get(ctx, key).Result()
		if err == nil {
			if uerr := json.Unmarshal([]byte(raw), dest); uerr == nil {
				return nil
			}
			// Corrupt entry: drop it and fall through to fill.
			rdb.Del(ctx, key)
		}
	}

	if err := fill(); err != nil {
		return err
	}

	if rdb != nil {
		if raw, err := json.Marshal(dest); err == nil {
			rdb.Set(ctx, key, raw, ttl)
		}
	}
	return nil
}
