package config_fx

import (
	"go.uber.org/fx"
	"planpay/internal/config"
)

// Module loads the configuration once and exposes each section to the graph.
var Module = fx.Provide(
	provideConfig,
	func(c *config.Config) config.HTTPConfig { return c.HTTP },
	func(c *config.Config) config.PostgresConfig { return c.Postgres },
	func(c *config.Config) config.RedisConfig { return c.Redis },
	func(c *config.Config) config.JWTConfig { return c.JWT },
	func(c *config.Config) config.GatewayConfig { return c.Gateway },
	func(c *config.Config) config.S3Config { return c.S3 },
	func(c *config.Config) config.SMTPConfig { return c.SMTP },
	func(c *config.Config) config.SettlementConfig { return c.Settlement },
	func(c *config.Config) config.PoolsConfig { return c.Pools },
)

func provideConfig() (*config.Config, error) {
	return config.Load()
}
