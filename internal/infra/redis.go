package infra

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"planpay/internal/config"
)

// NewRedisClient returns nil when Redis is not configured or unreachable, in which
// case cache invalidation is disabled.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		slog.Warn("REDIS_ADDR not set, cache invalidation disabled")
		return nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		slog.Error("could not connect to redis", "addr", cfg.Addr, "error", err)
		_ = rdb.Close()
		return nil
	}

	slog.Info("connected to redis", "addr", cfg.Addr)
	return rdb
}
