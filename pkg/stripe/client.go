package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v84"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

const (
	testEnv = "test"
	liveEnv = "live"
)

var (
	errSecretKeyRequired     = errors.New("stripe secret key is required")
	errWebhookSecretRequired = errors.New("stripe webhook secret is required")
	errInvalidStripeEnv      = fmt.Errorf("stripe environment must be %q or %q", testEnv, liveEnv)
)

// Client carries the configured Stripe credentials. The package-level
// stripe.Key is set once so resource packages (paymentintent, refund) can be
// called directly.
type Client struct {
	environment    string
	currency       string
	publishableKey string
	webhookSecret  string
}

// NewClient initializes Stripe once with the configured secrets and env.
func NewClient(ctx context.Context, cfg config.StripeConfig, logg *logger.Logger) (*Client, error) {
	env, err := normalizeEnv(cfg.Environment())
	if err != nil {
		return nil, err
	}

	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, errSecretKeyRequired
	}
	if err := validateSecretKey(env, secretKey); err != nil {
		return nil, err
	}

	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errWebhookSecretRequired
	}

	publishableKey := strings.TrimSpace(cfg.PublishableKey)
	if err := validatePublishableKey(env, publishableKey); err != nil {
		return nil, err
	}

	stripe.Key = secretKey

	if logg != nil {
		logg.Info(ctx, fmt.Sprintf("stripe client initialized (%s)", env))
	}

	return &Client{
		environment:    env,
		currency:       cfg.NormalizedCurrency(),
		publishableKey: publishableKey,
		webhookSecret:  webhookSecret,
	}, nil
}

// Environment reports the normalized Stripe environment in use.
func (c *Client) Environment() string {
	if c == nil {
		return ""
	}
	return c.environment
}

// Currency returns the lowercase ISO currency charged for orders.
func (c *Client) Currency() string {
	if c == nil {
		return ""
	}
	return c.currency
}

// PublishableKey returns the browser-safe key served to checkout clients.
func (c *Client) PublishableKey() string {
	if c == nil {
		return ""
	}
	return c.publishableKey
}

// WebhookSecret returns the webhook signing secret.
func (c *Client) WebhookSecret() string {
	if c == nil {
		return ""
	}
	return c.webhookSecret
}

func normalizeEnv(raw string) (string, error) {
	env := strings.TrimSpace(strings.ToLower(raw))
	if env == "" {
		env = testEnv
	}
	switch env {
	case testEnv, liveEnv:
		return env, nil
	default:
		return "", errInvalidStripeEnv
	}
}

func validateSecretKey(env, key string) error {
	if strings.HasPrefix(key, "sk_"+env) || strings.HasPrefix(key, "rk_"+env) {
		return nil
	}
	return fmt.Errorf("stripe environment %q requires a %s secret key (sk_%s/rk_%s)", env, env, env, env)
}

func validatePublishableKey(env, key string) error {
	if key == "" || strings.HasPrefix(key, "pk_"+env) {
		return nil
	}
	return fmt.Errorf("stripe environment %q requires a %s publishable key (pk_%s)", env, env, env)
}
