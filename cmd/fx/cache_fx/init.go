package cache_fx

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"planpay/internal/config"
	"planpay/internal/infra"
	"planpay/internal/services"
)

var Module = fx.Provide(
	provideRedis,
	services.NewCacheInvalidator,
)

// provideRedis may return a nil client; the invalidator then degrades to a no-op.
func provideRedis(lc fx.Lifecycle, cfg config.RedisConfig) *redis.Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb := infra.NewRedisClient(ctx, cfg)
	if rdb != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return rdb.Close()
			},
		})
	}
	return rdb
}
