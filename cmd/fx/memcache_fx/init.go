package memcache_fx

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"
	mem "planpay/pkg/memcache"
)

var Module = fx.Options(
	fx.Provide(provideInflightKeys),
	fx.Provide(func(k *mem.InflightKeys) mem.InflightStore { return k }),
	fx.Invoke(startPurge),
)

func provideInflightKeys() *mem.InflightKeys {
	return mem.NewInflightKeys()
}

// startPurge drops expired claims left behind by sagas that never released them.
func startPurge(lc fx.Lifecycle, keys *mem.InflightKeys) {
	stop := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ticker := time.NewTicker(time.Minute)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if n := keys.Purge(); n > 0 {
							slog.Debug("purged expired in-flight keys", "count", n)
						}
					case <-stop:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(stop)
			return nil
		},
	})
}
