package gateway_fx

import (
	"log/slog"

	"go.uber.org/fx"
	"planpay/internal/config"
	"planpay/internal/services"
)

var Module = fx.Provide(provideGateway)

func provideGateway(cfg config.GatewayConfig) (services.GatewayClient, error) {
	gw, err := services.NewGatewayClient(cfg)
	if err != nil {
		return nil, err
	}
	slog.Info("payment gateway configured", "provider", gw.Provider())
	return gw, nil
}
