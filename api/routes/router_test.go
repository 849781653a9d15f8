package routes

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-backend/internal/cart"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/users"
	pkgAuth "github.com/angelmondragon/storefront-backend/pkg/auth"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/db/models"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
	"github.com/angelmondragon/storefront-backend/pkg/pagination"
)

type stubPinger struct{}

func (stubPinger) Ping(context.Context) error {
	return nil
}

type stubSessions struct{}

func (stubSessions) HasSession(ctx context.Context, accessID string) (bool, error) {
	return true, nil
}

type memoryCache struct {
	mu     sync.Mutex
	data   map[string]string
	counts map[string]int64
}

func newMemoryCache() *memoryCache {
	return &memoryCache{data: map[string]string{}, counts: map[string]int64{}}
}

func (m *memoryCache) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.data[key]
	if !ok {
		return "", goredis.Nil
	}
	return value, nil
}

func (m *memoryCache) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = fmt.Sprint(value)
	return true, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = fmt.Sprint(value)
	return nil
}

func (m *memoryCache) IdempotencyKey(scope, id string) string {
	return "idem:" + scope + ":" + id
}

func (m *memoryCache) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.data, key)
	}
	return nil
}

func (m *memoryCache) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[key]++
	return m.counts[key], nil
}

func (m *memoryCache) RateLimitKey(scope string) string {
	return "rl:" + scope
}

func (m *memoryCache) Ping(context.Context) error {
	return nil
}

type stubCart struct {
	cart.Service
}

func (stubCart) Get(ctx context.Context, userID uuid.UUID) (*cart.View, error) {
	return &cart.View{Items: []cart.LineView{}}, nil
}

type stubOrders struct {
	orders.Service
	mu      sync.Mutex
	cancels int
}

func (s *stubOrders) ListAll(ctx context.Context, params pagination.Params, status *enums.OrderStatus) (pagination.Page[models.Order], error) {
	return pagination.Page[models.Order]{Items: []models.Order{}}, nil
}

func (s *stubOrders) Cancel(ctx context.Context, id uuid.UUID, actor orders.Actor) (*models.Order, error) {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	return &models.Order{ID: id, UserID: actor.UserID, Status: enums.OrderStatusCancelled, Currency: "usd"}, nil
}

type stubUsers struct {
	users.Service
}

func (stubUsers) List(ctx context.Context, params users.ListParams) (*users.ListResult, error) {
	return &users.ListResult{Items: []users.UserDTO{}}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test", Port: "0"},
		JWT: config.JWTConfig{
			Secret:                 "secret",
			Issuer:                 "issuer",
			ExpirationMinutes:      60,
			RefreshTokenTTLMinutes: 120,
		},
		AuthRateLimit: config.AuthRateLimitConfig{
			LoginWindow:  time.Minute,
			LoginIPLimit: 2,
		},
	}
}

func testDeps(cfg *config.Config) Deps {
	return Deps{
		Config:   cfg,
		Logger:   logger.New(logger.Options{ServiceName: "test-routing", Level: logger.ParseLevel("debug"), Output: io.Discard}),
		DB:       stubPinger{},
		Cache:    newMemoryCache(),
		Sessions: stubSessions{},
		Cart:     stubCart{},
		Orders:   &stubOrders{},
	}
}

func buildToken(t *testing.T, cfg *config.Config, role enums.UserRole) string {
	t.Helper()
	token, err := pkgAuth.MintAccessToken(cfg.JWT, time.Now(), pkgAuth.AccessTokenPayload{
		UserID: uuid.New(),
		Role:   role,
	})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestHealthRoutes(t *testing.T) {
	router := NewRouter(testDeps(testConfig()))

	if resp := serve(router, httptest.NewRequest(http.MethodGet, "/health/live", nil)); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for live got %d", resp.Code)
	}
	if resp := serve(router, httptest.NewRequest(http.MethodGet, "/health/ready", nil)); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for ready got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestReadyReportsMissingCache(t *testing.T) {
	deps := testDeps(testConfig())
	deps.Cache = nil
	router := NewRouter(deps)

	resp := serve(router, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"redis":"missing"`) {
		t.Fatalf("expected redis check in body: %s", resp.Body.String())
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	deps := testDeps(testConfig())
	deps.Registry = metrics.NewRegistry()
	deps.HTTPMetrics = metrics.NewHTTPMetrics(deps.Registry)
	router := NewRouter(deps)

	serve(router, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	resp := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", resp.Code)
	}
	body := resp.Body.String()
	if !strings.Contains(body, `storefront_http_requests_total{method="GET",route="/health/live",status="200"} 1`) {
		t.Fatalf("expected request counter in metrics output:\n%s", body)
	}
}

func TestUserGroupRejectsMissingJWT(t *testing.T) {
	router := NewRouter(testDeps(testConfig()))
	if resp := serve(router, httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", resp.Code)
	}
}

func TestUserGroupSucceedsWithJWT(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(testDeps(cfg))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.UserRoleUser))
	if resp := serve(router, req); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for cart got %d: %s", resp.Code, resp.Body.String())
	}
}

func TestAdminGroupRequiresAdminRole(t *testing.T) {
	cfg := testConfig()
	router := NewRouter(testDeps(cfg))

	user := httptest.NewRequest(http.MethodGet, "/api/admin/v1/orders", nil)
	user.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.UserRoleUser))
	if resp := serve(router, user); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user got %d", resp.Code)
	}

	admin := httptest.NewRequest(http.MethodGet, "/api/admin/v1/orders", nil)
	admin.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.UserRoleAdmin))
	if resp := serve(router, admin); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin got %d", resp.Code)
	}
}

func TestCancelRequiresIdempotencyKeyAndReplays(t *testing.T) {
	cfg := testConfig()
	deps := testDeps(cfg)
	ordersSvc := &stubOrders{}
	deps.Orders = ordersSvc
	router := NewRouter(deps)
	token := buildToken(t, cfg, enums.UserRoleUser)
	path := "/api/v1/orders/" + uuid.NewString() + "/cancel"

	missing := httptest.NewRequest(http.MethodPost, path, nil)
	missing.Header.Set("Authorization", "Bearer "+token)
	if resp := serve(router, missing); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key got %d", resp.Code)
	}

	var bodies []string
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Idempotency-Key", "cancel-1")
		resp := serve(router, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("attempt %d: expected 200 got %d: %s", i, resp.Code, resp.Body.String())
		}
		bodies = append(bodies, resp.Body.String())
	}
	if ordersSvc.cancels != 1 {
		t.Fatalf("expected one cancel call, got %d", ordersSvc.cancels)
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("expected replayed body to match original")
	}
}

func TestAdminUserRoutesRequireAdminRole(t *testing.T) {
	cfg := testConfig()
	deps := testDeps(cfg)
	deps.Users = stubUsers{}
	router := NewRouter(deps)

	user := httptest.NewRequest(http.MethodGet, "/api/admin/v1/users", nil)
	user.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.UserRoleUser))
	if resp := serve(router, user); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for user got %d", resp.Code)
	}

	admin := httptest.NewRequest(http.MethodGet, "/api/admin/v1/users?role=user", nil)
	admin.Header.Set("Authorization", "Bearer "+buildToken(t, cfg, enums.UserRoleAdmin))
	if resp := serve(router, admin); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin got %d", resp.Code)
	}
}

func TestLoginIsRateLimitedPerIP(t *testing.T) {
	router := NewRouter(testDeps(testConfig()))

	var last int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(`{"email":"a@example.com","password":"x"}`))
		req.RemoteAddr = "10.0.0.1:1234"
		last = serve(router, req).Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding limit got %d", last)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := NewRouter(testDeps(testConfig()))

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/cart", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	resp := serve(router, req)
	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}
