package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"planpay/pkg/workerpool"
)

// SideEffectMode decides when notification and the member counter run.
type SideEffectMode string

const (
	// SideEffectsOnOrderOpen treats an opened gateway order as paid.
	SideEffectsOnOrderOpen SideEffectMode = "on_order_open"
	// SideEffectsOnCapture waits for synchronous capture or the settlement webhook.
	SideEffectsOnCapture SideEffectMode = "on_capture"
)

type Config struct {
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	S3         S3Config         `mapstructure:"s3"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Pools      PoolsConfig      `mapstructure:"pools"`
}

type HTTPConfig struct {
	Port           string   `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
}

type GatewayConfig struct {
	Provider string       `mapstructure:"provider"` // "stripe" | "payos"
	Stripe   StripeConfig `mapstructure:"stripe"`
	PayOS    PayOSConfig  `mapstructure:"payos"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
}

type PayOSConfig struct {
	ClientID    string `mapstructure:"client_id"`
	APIKey      string `mapstructure:"api_key"`
	ChecksumKey string `mapstructure:"checksum_key"`
	ReturnURL   string `mapstructure:"return_url"`
	CancelURL   string `mapstructure:"cancel_url"`
}

type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Endpoint        string `mapstructure:"endpoint"`
}

type SMTPConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	From       string `mapstructure:"from"`
	FromName   string `mapstructure:"from_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	RequireTLS bool   `mapstructure:"require_tls"`
	AppName    string `mapstructure:"app_name"`
	AppBaseURL string `mapstructure:"app_base_url"`
}

type SettlementConfig struct {
	SideEffectMode    SideEffectMode `mapstructure:"side_effect_mode"`
	GatewayTimeout    time.Duration  `mapstructure:"gateway_timeout"`
	StorageTimeout    time.Duration  `mapstructure:"storage_timeout"`
	NotifyTimeout     time.Duration  `mapstructure:"notify_timeout"`
	RetryAttempts     int            `mapstructure:"retry_attempts"`
	RetryBase         time.Duration  `mapstructure:"retry_base"`
	PriceEpsilon      string         `mapstructure:"price_epsilon"`
	SettlementTimeout time.Duration  `mapstructure:"settlement_timeout"`
	SweepInterval     time.Duration  `mapstructure:"sweep_interval"`
	SweepBatch        int            `mapstructure:"sweep_batch"`
	SweepGrace        time.Duration  `mapstructure:"sweep_grace"`
	InflightTTL       time.Duration  `mapstructure:"inflight_ttl"`
}

type PoolsConfig struct {
	Checkout workerpool.Config `mapstructure:"checkout"`
	Render   workerpool.Config `mapstructure:"render"`
	Delivery workerpool.Config `mapstructure:"delivery"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.allowed_origins", []string{})
	v.SetDefault("redis.db", 0)
	v.SetDefault("gateway.provider", "stripe")
	v.SetDefault("s3.region", "us-east-1")

	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.require_tls", true)
	v.SetDefault("smtp.app_name", "PlanPay")

	v.SetDefault("settlement.side_effect_mode", string(SideEffectsOnOrderOpen))
	v.SetDefault("settlement.gateway_timeout", 10*time.Second)
	v.SetDefault("settlement.storage_timeout", 15*time.Second)
	v.SetDefault("settlement.notify_timeout", 10*time.Second)
	v.SetDefault("settlement.retry_attempts", 3)
	v.SetDefault("settlement.retry_base", 500*time.Millisecond)
	v.SetDefault("settlement.price_epsilon", "0.01")
	v.SetDefault("settlement.settlement_timeout", 24*time.Hour)
	v.SetDefault("settlement.sweep_interval", time.Minute)
	v.SetDefault("settlement.sweep_batch", 50)
	v.SetDefault("settlement.sweep_grace", 2*time.Minute)
	v.SetDefault("settlement.inflight_ttl", 2*time.Minute)

	v.SetDefault("pools.checkout.workers", 32)
	v.SetDefault("pools.checkout.queue_size", 256)
	v.SetDefault("pools.checkout.policy", string(workerpool.PolicyReject))
	v.SetDefault("pools.render.workers", 0) // NumCPU
	v.SetDefault("pools.render.queue_size", 64)
	v.SetDefault("pools.render.policy", string(workerpool.PolicyReject))
	v.SetDefault("pools.delivery.workers", 16)
	v.SetDefault("pools.delivery.queue_size", 512)
	v.SetDefault("pools.delivery.policy", string(workerpool.PolicyReject))
}

// every key viper should resolve from the environment (POSTGRES_URL, GATEWAY_STRIPE_SECRET_KEY, ...)
var envKeys = []string{
	"http.port", "http.allowed_origins",
	"postgres.url",
	"redis.addr", "redis.password", "redis.db",
	"jwt.secret",
	"gateway.provider",
	"gateway.stripe.secret_key", "gateway.stripe.webhook_secret",
	"gateway.payos.client_id", "gateway.payos.api_key", "gateway.payos.checksum_key",
	"gateway.payos.return_url", "gateway.payos.cancel_url",
	"s3.region", "s3.bucket", "s3.access_key_id", "s3.secret_access_key", "s3.endpoint",
	"smtp.host", "smtp.port", "smtp.username", "smtp.password", "smtp.from", "smtp.from_name",
	"smtp.use_ssl", "smtp.require_tls", "smtp.app_name", "smtp.app_base_url",
	"settlement.side_effect_mode", "settlement.gateway_timeout", "settlement.storage_timeout",
	"settlement.notify_timeout", "settlement.retry_attempts", "settlement.retry_base",
	"settlement.price_epsilon", "settlement.settlement_timeout", "settlement.sweep_interval",
	"settlement.sweep_batch", "settlement.sweep_grace", "settlement.inflight_ttl",
	"pools.checkout.workers", "pools.checkout.queue_size", "pools.checkout.policy",
	"pools.render.workers", "pools.render.queue_size", "pools.render.policy",
	"pools.delivery.workers", "pools.delivery.queue_size", "pools.delivery.policy",
}

// Load reads .env files (if present) and the process environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("could not load env file", "file", f, "error", err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Settlement.SideEffectMode {
	case SideEffectsOnOrderOpen, SideEffectsOnCapture:
	default:
		return fmt.Errorf("settlement.side_effect_mode: unknown mode %q", c.Settlement.SideEffectMode)
	}
	switch c.Gateway.Provider {
	case "stripe", "payos":
	default:
		return fmt.Errorf("gateway.provider: unknown provider %q", c.Gateway.Provider)
	}
	if c.Settlement.RetryAttempts < 1 {
		return errors.New("settlement.retry_attempts must be at least 1")
	}
	return nil
}
