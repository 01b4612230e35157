package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"gizchat/internal/middleware"

	"github.com/redis/go-redis/v9"
)

// Aside reads key into dest, or runs fetch to fill dest and stores the result
// for ttl. Without a client, or when Redis misbehaves, it degrades to fetch.
func Aside(ctx context.Context, key string, dest any, ttl time.Duration, fetch func() error) error {
	if client == nil {
		return fetch()
	}

	raw, err := client.Get(ctx, key).Bytes()
	if err == nil {
		if jerr := json.Unmarshal(raw, dest); jerr == nil {
			return nil
		}
		client.Del(ctx, key)
	} else if !errors.Is(err, redis.Nil) {
		middleware.Logger.WarnContext(ctx, "cache read failed", slog.String("key", key), slog.String("error", err.Error()))
	}

	if err := fetch(); err != nil {
		return err
	}

	payload, err := json.Marshal(dest)
	if err != nil {
		return nil
	}
	if err := client.Set(ctx, key, payload, ttl).Err(); err != nil {
		middleware.Logger.WarnContext(ctx, "cache write failed", slog.String("key", key), slog.String("error", err.Error()))
	}
	return nil
}
