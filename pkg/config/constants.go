package config

const (
	EnvPrefix = "PAYFLOW"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	ConfirmProviderMarketplace = "marketplace"
	ConfirmProviderStripe      = "stripe"

	EnvAppEnv   = "PAYFLOW_APP_ENV"
	EnvPort     = "PAYFLOW_APP_PORT"
	EnvLogLevel = "PAYFLOW_LOG_LEVEL"

	EnvRedisURL  = "PAYFLOW_REDIS_URL"
	EnvRedisAddr = "PAYFLOW_REDIS_ADDR"

	EnvJWTSecret = "PAYFLOW_JWT_SECRET"
	EnvJWTIssuer = "PAYFLOW_JWT_ISSUER"

	EnvGCPProjectID = "PAYFLOW_GCP_PROJECT_ID"

	EnvPubSubRealtimeTopic        = "PAYFLOW_PUBSUB_REALTIME_TOPIC"
	EnvPubSubRealtimeSubscription = "PAYFLOW_PUBSUB_REALTIME_SUBSCRIPTION"

	EnvStripeAPIKey = "PAYFLOW_STRIPE_API_KEY"
	EnvStripeEnv    = "PAYFLOW_STRIPE_ENV"

	EnvMarketplaceBaseURL = "PAYFLOW_MARKETPLACE_BASE_URL"

	EnvPaymentsMaxRetries      = "PAYFLOW_PAYMENTS_MAX_RETRIES"
	EnvPaymentsRetrySchedule   = "PAYFLOW_PAYMENTS_RETRY_SCHEDULE"
	EnvPaymentsConfirmTimeout  = "PAYFLOW_PAYMENTS_CONFIRM_TIMEOUT"
	EnvPaymentsConfirmProvider = "PAYFLOW_PAYMENTS_CONFIRM_PROVIDER"
)
