package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gorm.io/gorm"
	"planpay/cmd/fx/cache_fx"
	"planpay/cmd/fx/config_fx"
	"planpay/cmd/fx/controllers_fx"
	"planpay/cmd/fx/db_fx"
	"planpay/cmd/fx/gateway_fx"
	"planpay/cmd/fx/ledger_fx"
	"planpay/cmd/fx/mail_fx"
	"planpay/cmd/fx/memcache_fx"
	"planpay/cmd/fx/pools_fx"
	"planpay/cmd/fx/settlement_fx"
	"planpay/cmd/fx/storage_fx"
	"planpay/internal/api/controllers"
	"planpay/internal/config"
	"planpay/pkg/middleware"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: slog.Default()}
		}),

		config_fx.Module,
		db_fx.Module,
		cache_fx.Module,
		ledger_fx.Module,
		pools_fx.Module,
		memcache_fx.Module,
		gateway_fx.Module,
		storage_fx.Module,
		mail_fx.Module,
		settlement_fx.Module,
		controllers_fx.Module,

		fx.Provide(ProvideRouter),
		fx.Invoke(StartServer),
	)

	app.Run()
}

func StartServer(lc fx.Lifecycle, cfg config.HTTPConfig, engine *gin.Engine) {
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return err
			}
			go func() {
				slog.Info("starting HTTP server", "addr", srv.Addr)
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					slog.Error("HTTP server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			slog.Info("stopping HTTP server")
			return srv.Shutdown(ctx)
		},
	})
}

func ProvideRouter(
	httpCfg config.HTTPConfig,
	jwtCfg config.JWTConfig,
	db *gorm.DB,
	paymentController *controllers.PaymentController,
	planController *controllers.PlanController) (*gin.Engine, error) {

	if jwtCfg.Secret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.TraceIDMiddleware())
	r.Use(middleware.CORSMiddleware(httpCfg.AllowedOrigins))
	r.Use(middleware.PrometheusMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", healthz(db))

	controllers.RegisterRoutes(r, []byte(jwtCfg.Secret), paymentController, planController)

	return r, nil
}

func healthz(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		sqlDB, err := db.DB()
		if err == nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}
