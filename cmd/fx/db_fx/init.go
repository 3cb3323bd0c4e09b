package db_fx

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"
	"planpay/internal/config"
	"planpay/internal/infra"
)

var Module = fx.Provide(
	provideDB)

func provideDB(lc fx.Lifecycle, cfg config.PostgresConfig) (*gorm.DB, error) {
	db, err := infra.OpenDatabase(cfg.URL)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			infra.CloseDatabase(db)
			return nil
		},
	})
	return db, nil
}
