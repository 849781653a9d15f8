package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-backend/api/routes"
	"github.com/angelmondragon/storefront-backend/internal/auth"
	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/notifications"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/payments"
	"github.com/angelmondragon/storefront-backend/internal/pricing"
	product "github.com/angelmondragon/storefront-backend/internal/products"
	"github.com/angelmondragon/storefront-backend/internal/users"
	stripewebhook "github.com/angelmondragon/storefront-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/storefront-backend/internal/wishlist"
	"github.com/angelmondragon/storefront-backend/pkg/auth/session"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/mailer"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/migrate"
	"github.com/angelmondragon/storefront-backend/pkg/outbox"
	"github.com/angelmondragon/storefront-backend/pkg/outbox/idempotency"
	"github.com/angelmondragon/storefront-backend/pkg/redis"
	"github.com/angelmondragon/storefront-backend/pkg/stripe"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		logg.Error(ctx, "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	stripeClient, err := stripe.NewClient(ctx, cfg.Stripe, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap stripe", err)
		os.Exit(1)
	}

	registry := metrics.NewRegistry()
	handler, err := buildHandler(cfg, logg, dbClient, redisClient, stripeClient, registry)
	if err != nil {
		logg.Error(ctx, "failed to wire api", err)
		os.Exit(1)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	logCtx := logg.WithFields(ctx, map[string]any{
		"env":        cfg.App.Env,
		"addr":       addr,
		"instance":   id,
		"stripe_env": stripeClient.Environment(),
	})
	logg.Info(logCtx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(logCtx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		logg.Info(logCtx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(logCtx, "graceful shutdown failed", err)
		}
	}
}

func buildHandler(
	cfg *config.Config,
	logg *logger.Logger,
	dbClient *db.Client,
	redisClient *redis.Client,
	stripeClient *stripe.Client,
	registry *prometheus.Registry,
) (http.Handler, error) {
	conn := dbClient.DB()

	sessionManager, err := session.NewManager(redisClient, cfg.JWT)
	if err != nil {
		return nil, err
	}

	mail, err := mailer.New(*cfg, logg)
	if err != nil {
		return nil, err
	}
	if mail == nil {
		logg.Warn(context.Background(), "smtp not configured; email verification disabled")
	}

	userRepo := users.NewRepository(conn)
	authService, err := auth.NewService(auth.ServiceParams{
		UserRepo:       userRepo,
		SessionManager: sessionManager,
		JWTConfig:      cfg.JWT,
		PasswordConfig: cfg.Password,
		OTPStore:       redisClient,
		Mailer:         mail,
		OTPConfig:      cfg.OTP,
	})
	if err != nil {
		return nil, err
	}
	usersService, err := users.NewService(userRepo, cfg.Password)
	if err != nil {
		return nil, err
	}

	calculator, err := pricing.NewCalculator(cfg.Pricing)
	if err != nil {
		return nil, err
	}

	productRepo := product.NewRepository(conn)
	cartRepo := cart.NewRepository(conn)
	cartService, err := cart.NewService(cart.ServiceParams{
		Repo:       cartRepo,
		Products:   productRepo,
		Calculator: calculator,
		TxRunner:   dbClient,
	})
	if err != nil {
		return nil, err
	}

	ordersService, err := orders.NewService(orders.ServiceParams{
		Repo:       orders.NewRepository(conn),
		TxRunner:   dbClient,
		Outbox:     outbox.NewService(outbox.NewRepository(conn), logg),
		Inventory:  product.NewInventory(productRepo),
		Calculator: calculator,
		Logger:     logg,
	})
	if err != nil {
		return nil, err
	}

	gateway, err := payments.NewStripeGateway(payments.NewStripeAPI(stripeClient), stripeClient.PublishableKey())
	if err != nil {
		return nil, err
	}
	attempts := payments.NewAttemptRepository(conn)
	paymentsService, err := payments.NewService(gateway, attempts, stripeClient.Currency())
	if err != nil {
		return nil, err
	}

	checkoutService, err := checkout.NewService(checkout.ServiceParams{
		Orders:   ordersService,
		CartRepo: cartRepo,
		Cart:     cartService,
		Attempts: attempts,
		Gateway:  gateway,
		Locks:    redisClient,
		TxRunner: dbClient,
		Metrics:  metrics.NewCheckoutMetrics(registry),
		Logger:   logg,
		Config:   cfg.Checkout,
		Currency: stripeClient.Currency(),
	})
	if err != nil {
		return nil, err
	}

	wishlistService, err := wishlist.NewService(wishlist.ServiceParams{
		WishlistRepo: wishlist.NewRepository(conn),
		ProductRepo:  productRepo,
		Cart:         cartService,
		TxRunner:     dbClient,
	})
	if err != nil {
		return nil, err
	}

	notificationsService, err := notifications.NewService(notifications.NewRepository(conn))
	if err != nil {
		return nil, err
	}

	webhookGuard, err := idempotency.NewManager(redisClient, cfg.Eventing.WebhookIdempotencyTTL)
	if err != nil {
		return nil, err
	}
	webhookService, err := stripewebhook.NewService(stripewebhook.ServiceParams{
		Checkout:    checkoutService,
		Idempotency: webhookGuard,
		Logger:      logg,
	})
	if err != nil {
		return nil, err
	}

	return routes.NewRouter(routes.Deps{
		Config:         cfg,
		Logger:         logg,
		Registry:       registry,
		HTTPMetrics:    metrics.NewHTTPMetrics(registry),
		DB:             dbClient,
		Cache:          redisClient,
		Sessions:       sessionManager,
		Auth:           authService,
		Users:          usersService,
		Cart:           cartService,
		Orders:         ordersService,
		Checkout:       checkoutService,
		Payments:       paymentsService,
		Wishlist:       wishlistService,
		Notifications:  notificationsService,
		StripeWebhook:  webhookService,
		WebhookSecrets: stripeClient,
	}), nil
}
