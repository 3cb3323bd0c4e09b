package infra

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"planpay/internal/models/db_models"
)

// OpenDatabase connects to Postgres, or to SQLite when the URL starts with "sqlite:"
// (local runs and tests), and migrates the settlement tables.
func OpenDatabase(url string) (*gorm.DB, error) {
	if url == "" {
		return nil, fmt.Errorf("database url is empty (set POSTGRES_URL)")
	}

	gormCfg := &gorm.Config{
		TranslateError: true,
		Logger:         newGormLogger(),
	}

	var dialector gorm.Dialector
	if dsn, ok := strings.CutPrefix(url, "sqlite:"); ok {
		dialector = sqlite.Open(dsn)
	} else {
		dialector = postgres.Open(url)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialector.Name() == "sqlite" {
		// one connection keeps a shared in-memory database visible to every query
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	slog.Info("database connection established", "driver", dialector.Name())
	return db, nil
}

// newGormLogger routes gorm output through the default slog handler. Lookups that
// find nothing are an expected outcome for the ledger, so they are not logged.
func newGormLogger() logger.Interface {
	return logger.New(
		slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&db_models.Plan{},
		&db_models.Coupon{},
		&db_models.PaymentRecord{},
	); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func CloseDatabase(db *gorm.DB) {
	sqlDB, err := db.DB()
	if err != nil {
		slog.Error("error getting database instance", "error", err)
		return
	}

	if err := sqlDB.Close(); err != nil {
		slog.Error("error closing database connection", "error", err)
	} else {
		slog.Info("database connection closed")
	}
}
