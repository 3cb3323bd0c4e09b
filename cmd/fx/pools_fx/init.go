package pools_fx

import (
	"context"

	"go.uber.org/fx"
	"planpay/internal/config"
	"planpay/pkg/workerpool"
)

var Module = fx.Provide(providePools)

func providePools(lc fx.Lifecycle, cfg config.PoolsConfig) *workerpool.Pools {
	pools := workerpool.NewPools(cfg.Checkout, cfg.Render, cfg.Delivery)

	// registered before the HTTP server hook, so it runs after the server has drained
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return pools.Stop(ctx)
		},
	})
	return pools
}
