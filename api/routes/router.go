package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/storefront-backend/api/controllers"
	webhookcontrollers "github.com/angelmondragon/storefront-backend/api/controllers/webhooks"
	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/internal/auth"
	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/notifications"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/internal/wishlist"
	"github.com/angelmondragon/storefront-backend/pkg/auth/session"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
)

// CacheStore is the redis surface the HTTP layer needs.
type CacheStore interface {
	middleware.ReplayStore
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	RateLimitKey(scope string) string
	Ping(ctx context.Context) error
}

type webhookSecrets interface {
	WebhookSecret() string
}

// Deps collects everything the router mounts.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	Registry    *prometheus.Registry
	HTTPMetrics *metrics.HTTPMetrics

	DB       controllers.Pinger
	Cache    CacheStore
	Sessions session.AccessSessionChecker

	Auth          auth.Service
	Users         users.Service
	Cart          cart.Service
	Orders        orders.Service
	Checkout      checkout.Service
	Payments      controllers.PaymentsReader
	Wishlist      wishlist.Service
	Notifications notifications.Service

	StripeWebhook  webhookcontrollers.StripeWebhookService
	WebhookSecrets webhookSecrets
}

func NewRouter(d Deps) http.Handler {
	cfg, logg := d.Config, d.Logger

	r := chi.NewRouter()
	r.Use(
		chimw.RealIP,
		middleware.RequestID(logg),
		middleware.Logging(logg, d.HTTPMetrics),
		middleware.Recoverer(logg),
		middleware.CORS(cfg.CORS),
	)

	readiness := map[string]controllers.Pinger{"postgres": d.DB, "redis": d.Cache}

	loginPolicy := middleware.NewAuthRateLimitPolicy(
		"login",
		cfg.AuthRateLimit.LoginWindow,
		cfg.AuthRateLimit.LoginIPLimit,
		cfg.AuthRateLimit.LoginEmailLimit,
	)
	registerPolicy := middleware.NewAuthRateLimitPolicy(
		"register",
		cfg.AuthRateLimit.RegisterWindow,
		cfg.AuthRateLimit.RegisterIPLimit,
		cfg.AuthRateLimit.RegisterEmailLimit,
	)
	loginLimit := middleware.AuthRateLimit(loginPolicy, d.Cache, logg)
	registerLimit := middleware.AuthRateLimit(registerPolicy, d.Cache, logg)

	r.Get("/health/live", controllers.HealthLive(cfg))
	r.Get("/health/ready", controllers.HealthReady(cfg, logg, readiness))
	r.Method(http.MethodGet, "/metrics", metrics.Handler(d.Registry))

	r.Post("/api/v1/webhooks/stripe", webhookcontrollers.StripeWebhook(d.StripeWebhook, d.WebhookSecrets, logg))

	r.Group(func(r chi.Router) {
		r.Use(middleware.Idempotency(d.Cache, logg))
		r.With(registerLimit).Post("/api/v1/auth/register", controllers.AuthRegister(d.Auth, logg))
		r.With(loginLimit).Post("/api/v1/auth/login", controllers.AuthLogin(d.Auth, logg))
		r.With(registerLimit).Post("/api/v1/auth/send-otp", controllers.AuthSendOTP(d.Auth, logg))
		r.With(loginLimit).Post("/api/v1/auth/verify-otp", controllers.AuthVerifyOTP(d.Auth, logg))
		r.With(registerLimit).Post("/api/v1/auth/resend-otp", controllers.AuthResendOTP(d.Auth, logg))
		r.Post("/api/v1/auth/logout", controllers.AuthLogout(d.Auth, cfg.JWT, logg))
		r.Post("/api/v1/auth/refresh", controllers.AuthRefresh(d.Auth, cfg.JWT, logg))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, d.Sessions, logg))
		r.Use(middleware.Idempotency(d.Cache, logg))

		r.Get("/api/v1/auth/profile", controllers.GetProfile(d.Users, logg))
		r.Put("/api/v1/auth/profile", controllers.UpdateProfile(d.Users, logg))
		r.Put("/api/v1/auth/change-password", controllers.ChangePassword(d.Users, logg))

		r.Get("/api/v1/cart", controllers.CartGet(d.Cart, logg))
		r.Delete("/api/v1/cart", controllers.CartClear(d.Cart, logg))
		r.Get("/api/v1/cart/count", controllers.CartCount(d.Cart, logg))
		r.Post("/api/v1/cart/items", controllers.CartAddItem(d.Cart, logg))
		r.Put("/api/v1/cart/items/{productId}", controllers.CartUpdateItem(d.Cart, logg))
		r.Delete("/api/v1/cart/items/{productId}", controllers.CartRemoveItem(d.Cart, logg))

		r.Post("/api/v1/orders", controllers.PlaceOrder(d.Checkout, logg))
		r.Get("/api/v1/orders", controllers.ListOrders(d.Orders, logg))
		r.Get("/api/v1/orders/{orderId}", controllers.GetOrder(d.Orders, logg))
		r.Post("/api/v1/orders/{orderId}/cancel", controllers.CancelOrder(d.Orders, logg))
		r.Get("/api/v1/orders/{orderId}/checkout-state", controllers.CheckoutState(d.Checkout, logg))

		r.Post("/api/v1/payments/intents", controllers.CreatePaymentIntent(d.Checkout, logg))
		r.Post("/api/v1/payments/confirm", controllers.ConfirmPayment(d.Checkout, logg))
		r.Post("/api/v1/payments/failures", controllers.RecordPaymentFailure(d.Checkout, logg))
		r.Get("/api/v1/payments/config", controllers.PaymentsConfig(d.Payments, logg))
		r.Get("/api/v1/payments/history", controllers.PaymentsHistory(d.Payments, logg))

		r.Get("/api/v1/wishlist", controllers.WishlistList(d.Wishlist, logg))
		r.Delete("/api/v1/wishlist", controllers.WishlistClear(d.Wishlist, logg))
		r.Post("/api/v1/wishlist/items", controllers.WishlistAdd(d.Wishlist, logg))
		r.Get("/api/v1/wishlist/items/{productId}", controllers.WishlistCheck(d.Wishlist, logg))
		r.Delete("/api/v1/wishlist/items/{productId}", controllers.WishlistRemove(d.Wishlist, logg))
		r.Post("/api/v1/wishlist/items/{productId}/move-to-cart", controllers.WishlistMoveToCart(d.Wishlist, logg))

		r.Get("/api/v1/notifications", controllers.ListNotifications(d.Notifications, logg))
		r.Post("/api/v1/notifications/read-all", controllers.MarkAllNotificationsRead(d.Notifications, logg))
		r.Post("/api/v1/notifications/{notificationId}/read", controllers.MarkNotificationRead(d.Notifications, logg))
		r.Get("/api/v1/notifications/unread-count", controllers.NotificationsUnreadCount(d.Notifications, logg))
		r.Delete("/api/v1/notifications/{notificationId}", controllers.DeleteNotification(d.Notifications, logg))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT, d.Sessions, logg))
		r.Use(middleware.RequireAdmin(logg))
		r.Use(middleware.Idempotency(d.Cache, logg))

		r.Get("/api/admin/v1/orders", controllers.AdminListOrders(d.Orders, logg))
		r.Get("/api/admin/v1/orders/{orderId}", controllers.AdminGetOrder(d.Orders, logg))
		r.Put("/api/admin/v1/orders/{orderId}/status", controllers.AdminUpdateOrderStatus(d.Orders, logg))
		r.Post("/api/admin/v1/orders/{orderId}/refund", controllers.AdminRefundOrder(d.Checkout, logg))

		r.Get("/api/admin/v1/users", controllers.AdminListUsers(d.Users, logg))
		r.Put("/api/admin/v1/users/{userId}/role", controllers.AdminUpdateUserRole(d.Users, logg))
		r.Delete("/api/admin/v1/users/{userId}", controllers.AdminDeleteUser(d.Users, logg))
	})

	return r
}
