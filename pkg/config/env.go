package config

const (
	EnvPrefix = "BILLING"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv   = "BILLING_APP_ENV"
	EnvPort     = "BILLING_APP_PORT"
	EnvLogLevel = "BILLING_LOG_LEVEL"

	EnvDBDSN  = "BILLING_DB_DSN"
	EnvDBHost = "BILLING_DB_HOST"
	EnvDBUser = "BILLING_DB_USER"
	EnvDBName = "BILLING_DB_NAME"

	EnvRedisURL = "BILLING_REDIS_URL"

	EnvGatewayAccessToken   = "BILLING_GATEWAY_ACCESS_TOKEN"
	EnvGatewayEnv           = "BILLING_GATEWAY_ENV"
	EnvGatewayLocationID    = "BILLING_GATEWAY_LOCATION_ID"
	EnvGatewayWebhookSecret = "BILLING_GATEWAY_WEBHOOK_SECRET"

	EnvSchedulerBatchSize  = "BILLING_SCHEDULER_BATCH_SIZE"
	EnvRetryChargeMax      = "BILLING_RETRY_CHARGE_MAX_ATTEMPTS"
	EnvRetryWebhookJitter  = "BILLING_RETRY_WEBHOOK_JITTER"
	EnvUseSQLite           = "BILLING_USE_SQLITE"
	EnvWebhookSignatureHdr = "BILLING_WEBHOOK_SIGNATURE_HEADER"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
