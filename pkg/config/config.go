package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App         AppConfig
	Redis       RedisConfig
	JWT         JWTConfig
	GCP         GCPConfig
	PubSub      PubSubConfig
	Stripe      StripeConfig
	Marketplace MarketplaceConfig
	Payments    PaymentsConfig
	Realtime    RealtimeConfig
	Reaper      ReaperConfig
	RateLimit   RateLimitConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Payments.validate(); err != nil {
		return nil, err
	}
	if cfg.Payments.ConfirmProvider == ConfirmProviderStripe && strings.TrimSpace(cfg.Stripe.APIKey) == "" {
		return nil, fmt.Errorf("%s is required when confirmations go through stripe", EnvStripeAPIKey)
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string   `envconfig:"PAYFLOW_APP_ENV" required:"true"`
	Port         string   `envconfig:"PAYFLOW_APP_PORT" required:"true"`
	LogLevel     string   `envconfig:"PAYFLOW_LOG_LEVEL" default:"info"`
	LogWarnStack bool     `envconfig:"PAYFLOW_LOG_WARN_STACK" default:"false"`
	CORSOrigins  []string `envconfig:"PAYFLOW_CORS_ORIGINS" default:"http://localhost:3000"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type RedisConfig struct {
	URL          string        `envconfig:"PAYFLOW_REDIS_URL"`
	Address      string        `envconfig:"PAYFLOW_REDIS_ADDR"`
	Password     string        `envconfig:"PAYFLOW_REDIS_PASSWORD"`
	DB           int           `envconfig:"PAYFLOW_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PAYFLOW_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PAYFLOW_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PAYFLOW_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PAYFLOW_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PAYFLOW_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret string `envconfig:"PAYFLOW_JWT_SECRET" required:"true"`
	Issuer string `envconfig:"PAYFLOW_JWT_ISSUER" required:"true"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"PAYFLOW_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	RealtimeTopic        string `envconfig:"PAYFLOW_PUBSUB_REALTIME_TOPIC" default:"booking-payment-status"`
	RealtimeSubscription string `envconfig:"PAYFLOW_PUBSUB_REALTIME_SUBSCRIPTION"`
}

// Enabled reports whether the realtime subscription is configured.
func (p PubSubConfig) Enabled() bool {
	return strings.TrimSpace(p.RealtimeSubscription) != ""
}

type StripeConfig struct {
	APIKey string `envconfig:"PAYFLOW_STRIPE_API_KEY"`
	Env    string `envconfig:"PAYFLOW_STRIPE_ENV" default:"test"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

type MarketplaceConfig struct {
	BaseURL string        `envconfig:"PAYFLOW_MARKETPLACE_BASE_URL" required:"true"`
	APIKey  string        `envconfig:"PAYFLOW_MARKETPLACE_API_KEY"`
	Timeout time.Duration `envconfig:"PAYFLOW_MARKETPLACE_TIMEOUT" default:"15s"`
}

type PaymentsConfig struct {
	MaxRetries       int             `envconfig:"PAYFLOW_PAYMENTS_MAX_RETRIES" default:"3"`
	MaxQueueDepth    int             `envconfig:"PAYFLOW_PAYMENTS_MAX_QUEUE_DEPTH" default:"3"`
	RetrySchedule    []time.Duration `envconfig:"PAYFLOW_PAYMENTS_RETRY_SCHEDULE" default:"1m,5m,15m"`
	MinRetryInterval time.Duration   `envconfig:"PAYFLOW_PAYMENTS_MIN_RETRY_INTERVAL" default:"30s"`
	ConfirmTimeout   time.Duration   `envconfig:"PAYFLOW_PAYMENTS_CONFIRM_TIMEOUT" default:"60s"`
	MountTimeout     time.Duration   `envconfig:"PAYFLOW_PAYMENTS_MOUNT_TIMEOUT" default:"10s"`
	DefaultCurrency  string          `envconfig:"PAYFLOW_PAYMENTS_DEFAULT_CURRENCY" default:"CHF"`
	ConfirmProvider  string          `envconfig:"PAYFLOW_PAYMENTS_CONFIRM_PROVIDER" default:"marketplace"`
}

func (p PaymentsConfig) validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("%s must not be negative", EnvPaymentsMaxRetries)
	}
	if len(p.RetrySchedule) == 0 {
		return fmt.Errorf("%s requires at least one delay", EnvPaymentsRetrySchedule)
	}
	for _, delay := range p.RetrySchedule {
		if delay < 0 {
			return fmt.Errorf("%s contains a negative delay", EnvPaymentsRetrySchedule)
		}
	}
	if p.ConfirmTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvPaymentsConfirmTimeout)
	}
	switch p.ConfirmProvider {
	case ConfirmProviderMarketplace, ConfirmProviderStripe:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvPaymentsConfirmProvider, ConfirmProviderMarketplace, ConfirmProviderStripe)
	}
	return nil
}

type RealtimeConfig struct {
	IdempotencyTTL  time.Duration `envconfig:"PAYFLOW_REALTIME_IDEMPOTENCY_TTL" default:"24h"`
	BookingCacheTTL time.Duration `envconfig:"PAYFLOW_REALTIME_BOOKING_CACHE_TTL" default:"30m"`
}

type ReaperConfig struct {
	Interval        time.Duration `envconfig:"PAYFLOW_REAPER_INTERVAL" default:"1m"`
	ProcessingGrace time.Duration `envconfig:"PAYFLOW_REAPER_PROCESSING_GRACE" default:"2m"`
	AbandonedTTL    time.Duration `envconfig:"PAYFLOW_REAPER_ABANDONED_TTL" default:"2h"`
	TerminalTTL     time.Duration `envconfig:"PAYFLOW_REAPER_TERMINAL_TTL" default:"15m"`
}

// RateLimitConfig bounds how often one user or client address may request confirmations.
type RateLimitConfig struct {
	ConfirmWindow    time.Duration `envconfig:"PAYFLOW_RATE_LIMIT_CONFIRM_WINDOW" default:"1m"`
	ConfirmUserLimit int           `envconfig:"PAYFLOW_RATE_LIMIT_CONFIRM_USER" default:"10"`
	ConfirmIPLimit   int           `envconfig:"PAYFLOW_RATE_LIMIT_CONFIRM_IP" default:"30"`
}
