package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App           AppConfig
	Service       ServiceConfig
	DB            DBConfig
	Redis         RedisConfig
	JWT           JWTConfig
	Password      PasswordConfig
	AuthRateLimit AuthRateLimitConfig
	OTP           OTPConfig
	Mail          MailConfig
	FeatureFlags  FeatureFlagsConfig
	CORS          CORSConfig
	Eventing      EventingConfig
	GCP           GCPConfig
	PubSub        PubSubConfig
	Stripe        StripeConfig
	Pricing       PricingConfig
	Checkout      CheckoutConfig
	Outbox        OutboxConfig
	Cron          CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Stripe.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Pricing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STOREFRONT_APP_ENV" required:"true"`
	Port         string `envconfig:"STOREFRONT_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STOREFRONT_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOREFRONT_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"STOREFRONT_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STOREFRONT_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STOREFRONT_DB_DSN"`
	Driver string `envconfig:"STOREFRONT_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"STOREFRONT_DB_HOST"`
	Port     int    `envconfig:"STOREFRONT_DB_PORT" default:"5432"`
	User     string `envconfig:"STOREFRONT_DB_USER"`
	Password string `envconfig:"STOREFRONT_DB_PASSWORD"`
	Name     string `envconfig:"STOREFRONT_DB_NAME"`
	SSLMode  string `envconfig:"STOREFRONT_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STOREFRONT_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOREFRONT_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOREFRONT_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	SlowQueryThreshold time.Duration `envconfig:"STOREFRONT_DB_SLOW_QUERY_THRESHOLD" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STOREFRONT_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STOREFRONT_REDIS_ADDR"`
	Password     string        `envconfig:"STOREFRONT_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOREFRONT_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOREFRONT_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOREFRONT_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOREFRONT_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOREFRONT_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type JWTConfig struct {
	Secret                 string `envconfig:"STOREFRONT_JWT_SECRET" required:"true"`
	Issuer                 string `envconfig:"STOREFRONT_JWT_ISSUER" required:"true"`
	ExpirationMinutes      int    `envconfig:"STOREFRONT_JWT_EXPIRATION_MINUTES" required:"true"`
	RefreshTokenTTLMinutes int    `envconfig:"STOREFRONT_REFRESH_TOKEN_TTL_MINUTES" default:"43200"`
}

// RefreshTokenTTL returns the refresh token TTL configured in minutes.
func (j JWTConfig) RefreshTokenTTL() time.Duration {
	if j.RefreshTokenTTLMinutes <= 0 {
		return 0
	}
	return time.Duration(j.RefreshTokenTTLMinutes) * time.Minute
}

type PasswordConfig struct {
	ArgonMemoryKB    int `envconfig:"STOREFRONT_ARGON_MEMORY_KB" default:"65536"`
	ArgonTime        int `envconfig:"STOREFRONT_ARGON_TIME" default:"3"`
	ArgonParallelism int `envconfig:"STOREFRONT_ARGON_PARALLELISM" default:"2"`
	ArgonSaltLen     int `envconfig:"STOREFRONT_ARGON_SALT_LEN" default:"16"`
	ArgonKeyLen      int `envconfig:"STOREFRONT_ARGON_KEY_LEN" default:"32"`
}

type AuthRateLimitConfig struct {
	LoginWindow        time.Duration `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_WINDOW" default:"1m"`
	LoginEmailLimit    int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_EMAIL_LIMIT" default:"5"`
	LoginIPLimit       int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_LOGIN_IP_LIMIT" default:"20"`
	RegisterWindow     time.Duration `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_WINDOW" default:"5m"`
	RegisterEmailLimit int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_EMAIL_LIMIT" default:"3"`
	RegisterIPLimit    int           `envconfig:"STOREFRONT_AUTH_RATE_LIMIT_REGISTER_IP_LIMIT" default:"20"`
}

// OTPConfig governs the email codes that confirm a pending sign-up.
type OTPConfig struct {
	CodeTTL        time.Duration `envconfig:"STOREFRONT_OTP_CODE_TTL" default:"10m"`
	MaxAttempts    int           `envconfig:"STOREFRONT_OTP_MAX_ATTEMPTS" default:"5"`
	ResendCooldown time.Duration `envconfig:"STOREFRONT_OTP_RESEND_COOLDOWN" default:"60s"`
}

// MailConfig points at the SMTP relay. A blank host outside production logs
// messages instead of sending them.
type MailConfig struct {
	SMTPHost string `envconfig:"STOREFRONT_SMTP_HOST"`
	SMTPPort int    `envconfig:"STOREFRONT_SMTP_PORT" default:"587"`
	Username string `envconfig:"STOREFRONT_SMTP_USERNAME"`
	Password string `envconfig:"STOREFRONT_SMTP_PASSWORD"`
	From     string `envconfig:"STOREFRONT_MAIL_FROM" default:"Storefront <no-reply@storefront.local>"`
}

// Enabled reports whether an SMTP relay is configured.
func (m MailConfig) Enabled() bool {
	return strings.TrimSpace(m.SMTPHost) != ""
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"STOREFRONT_AUTO_MIGRATE" default:"false"`
}

type CORSConfig struct {
	AllowedOrigins []string `envconfig:"STOREFRONT_CORS_ALLOWED_ORIGINS" default:"http://localhost:3000,http://localhost:5173"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL  time.Duration `envconfig:"STOREFRONT_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
	WebhookIdempotencyTTL time.Duration `envconfig:"STOREFRONT_EVENTING_WEBHOOK_IDEMPOTENCY_TTL" default:"168h"`
}

type GCPConfig struct {
	ProjectID string `envconfig:"STOREFRONT_GCP_PROJECT_ID"`
}

type PubSubConfig struct {
	OrdersTopic        string `envconfig:"STOREFRONT_PUBSUB_ORDERS_TOPIC" default:"storefront-order-events"`
	OrdersSubscription string `envconfig:"STOREFRONT_PUBSUB_ORDERS_SUBSCRIPTION" default:"storefront-order-notifications"`
}

type StripeConfig struct {
	SecretKey      string `envconfig:"STOREFRONT_STRIPE_SECRET_KEY"`
	WebhookSecret  string `envconfig:"STOREFRONT_STRIPE_WEBHOOK_SECRET"`
	PublishableKey string `envconfig:"STOREFRONT_STRIPE_PUBLISHABLE_KEY"`
	Env            string `envconfig:"STOREFRONT_STRIPE_ENV" default:"test"`
	Currency       string `envconfig:"STOREFRONT_STRIPE_CURRENCY" default:"usd"`
}

// Environment returns the normalized Stripe environment (test/live).
func (s StripeConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(s.Env))
	if env == "" {
		return "test"
	}
	return env
}

// NormalizedCurrency returns the lowercase ISO currency code charged for orders.
func (s StripeConfig) NormalizedCurrency() string {
	currency := strings.TrimSpace(strings.ToLower(s.Currency))
	if currency == "" {
		return "usd"
	}
	return currency
}

func (s StripeConfig) validate() error {
	switch s.Environment() {
	case "test", "live":
	default:
		return fmt.Errorf("%s must be test or live", EnvStripeEnv)
	}
	if len(s.NormalizedCurrency()) != 3 {
		return fmt.Errorf("%s must be a 3-letter ISO code", EnvStripeCurrency)
	}
	return nil
}

// PricingConfig holds the storefront pricing constants. Amounts are in cents.
type PricingConfig struct {
	TaxRate               string `envconfig:"STOREFRONT_PRICING_TAX_RATE" default:"0.08"`
	FreeShippingThreshold int64  `envconfig:"STOREFRONT_PRICING_FREE_SHIPPING_THRESHOLD_CENTS" default:"7000"`
	ShippingFee           int64  `envconfig:"STOREFRONT_PRICING_SHIPPING_FEE_CENTS" default:"1000"`
}

func (p PricingConfig) validate() error {
	if p.FreeShippingThreshold < 0 {
		return fmt.Errorf("%s must be non-negative", EnvPricingFreeShipping)
	}
	if p.ShippingFee < 0 {
		return fmt.Errorf("%s must be non-negative", EnvPricingShippingFee)
	}
	return nil
}

type CheckoutConfig struct {
	LockTTL        time.Duration `envconfig:"STOREFRONT_CHECKOUT_LOCK_TTL" default:"30s"`
	GatewayTimeout time.Duration `envconfig:"STOREFRONT_CHECKOUT_GATEWAY_TIMEOUT" default:"20s"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"STOREFRONT_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"STOREFRONT_OUTBOX_MAX_ATTEMPTS" default:"10"`
}

type CronConfig struct {
	Interval         time.Duration `envconfig:"STOREFRONT_CRON_INTERVAL" default:"1h"`
	OrderExpiryHours int           `envconfig:"STOREFRONT_ORDER_EXPIRY_HOURS" default:"48"`
	OutboxRetention  int           `envconfig:"STOREFRONT_OUTBOX_RETENTION_DAYS" default:"30"`
}

// OrderExpiry returns how long an unpaid order may stay pending.
func (c CronConfig) OrderExpiry() time.Duration {
	if c.OrderExpiryHours <= 0 {
		return 48 * time.Hour
	}
	return time.Duration(c.OrderExpiryHours) * time.Hour
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	values := map[string]string{
		EnvDBHost: db.Host,
		EnvDBUser: db.User,
		EnvDBName: db.Name,
	}
	for _, env := range discreteDBEnvVars {
		if values[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.User)
	if db.Password != "" {
		userInfo = url.UserPassword(db.User, db.Password)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.Host, db.Port),
		Path:   db.Name,
	}

	if db.SSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.SSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
