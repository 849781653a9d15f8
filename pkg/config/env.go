package config

const (
	EnvPrefix = "STOREFRONT"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	EnvAppEnv                 = "STOREFRONT_APP_ENV"
	EnvPort                   = "STOREFRONT_APP_PORT"
	EnvDBDSN                  = "STOREFRONT_DB_DSN"
	EnvDBHost                 = "STOREFRONT_DB_HOST"
	EnvDBUser                 = "STOREFRONT_DB_USER"
	EnvDBName                 = "STOREFRONT_DB_NAME"
	EnvDBPassword             = "STOREFRONT_DB_PASSWORD"
	EnvRedisURL               = "STOREFRONT_REDIS_URL"
	EnvJWTSecret              = "STOREFRONT_JWT_SECRET"
	EnvJWTIssuer              = "STOREFRONT_JWT_ISSUER"
	EnvJWTExpMins             = "STOREFRONT_JWT_EXPIRATION_MINUTES"
	EnvRefreshTokenTTLMinutes = "STOREFRONT_REFRESH_TOKEN_TTL_MINUTES"
	EnvStripeEnv              = "STOREFRONT_STRIPE_ENV"
	EnvStripeCurrency         = "STOREFRONT_STRIPE_CURRENCY"
	EnvPricingTaxRate         = "STOREFRONT_PRICING_TAX_RATE"
	EnvPricingFreeShipping    = "STOREFRONT_PRICING_FREE_SHIPPING_THRESHOLD_CENTS"
	EnvPricingShippingFee     = "STOREFRONT_PRICING_SHIPPING_FEE_CENTS"
	EnvCORSAllowedOrigins     = "STOREFRONT_CORS_ALLOWED_ORIGINS"
)

var discreteDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
