package settlement_fx

import (
	"context"
	"log/slog"
	"time"

	"go.uber.org/fx"
	"planpay/internal/config"
	"planpay/internal/repositories"
	"planpay/internal/services"
	mem "planpay/pkg/memcache"
	"planpay/pkg/workerpool"
)

var Module = fx.Options(
	fx.Provide(
		services.NewDiscountService,
		services.NewPlanService,
		provideReceiptRenderer,
		provideIDGenerator,
		provideSettlementService,
		func(s *services.SettlementService) services.SettlementServiceInterface { return s },
	),
	fx.Invoke(startSweeper),
)

func provideReceiptRenderer(cfg config.SMTPConfig) services.ReceiptRendererInterface {
	return services.NewReceiptRenderer(cfg.AppName)
}

func provideIDGenerator() services.IdentifierGenerator {
	return services.NewPaymentIDGenerator()
}

type settlementParams struct {
	fx.In

	Plans     repositories.IPlanRepository
	Coupons   repositories.ICouponRepository
	Ledger    repositories.PaymentLedger
	Discounts services.DiscountServiceInterface
	IDs       services.IdentifierGenerator
	Gateway   services.GatewayClient
	Renderer  services.ReceiptRendererInterface
	Store     services.ArtifactStore
	Mailer    services.IMailService
	Cache     services.CacheInvalidator
	Inflight  mem.InflightStore
	Pools     *workerpool.Pools
	Config    config.SettlementConfig
}

func provideSettlementService(p settlementParams) (*services.SettlementService, error) {
	return services.NewSettlementService(services.SettlementDeps{
		Plans:     p.Plans,
		Coupons:   p.Coupons,
		Ledger:    p.Ledger,
		Discounts: p.Discounts,
		IDs:       p.IDs,
		Gateway:   p.Gateway,
		Renderer:  p.Renderer,
		Store:     p.Store,
		Mailer:    p.Mailer,
		Cache:     p.Cache,
		Inflight:  p.Inflight,
		Pools:     p.Pools,
	}, p.Config)
}

// startSweeper runs Sweep on a ticker. A zero interval disables it; the admin sweep
// endpoint still works.
func startSweeper(lc fx.Lifecycle, svc *services.SettlementService, cfg config.SettlementConfig) {
	if cfg.SweepInterval <= 0 {
		slog.Warn("settlement sweeper disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				ticker := time.NewTicker(cfg.SweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ticker.C:
						if _, err := svc.Sweep(ctx); err != nil && ctx.Err() == nil {
							slog.Error("settlement sweep failed", "error", err)
						}
					case <-ctx.Done():
						return
					}
				}
			}()
			slog.Info("settlement sweeper started", "interval", cfg.SweepInterval)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
