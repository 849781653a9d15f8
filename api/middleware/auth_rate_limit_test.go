package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

type countingRateStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func newCountingRateStore() *countingRateStore {
	return &countingRateStore{counts: map[string]int64{}}
}

func (s *countingRateStore) IncrWithTTL(_ context.Context, key string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key], nil
}

func (s *countingRateStore) RateLimitKey(scope string) string {
	return "test:rl:" + scope
}

// rateLimited wraps a handler that echoes the body it received.
func rateLimited(policy AuthRateLimitPolicy, store rateLimiterStore) http.Handler {
	return AuthRateLimit(policy, store, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(body)
	}))
}

func hit(h http.Handler, remote, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	if remote != "" {
		req.RemoteAddr = remote
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func credentials(email string) string {
	return `{"email":"` + email + `","password":"secret"}`
}

func TestAuthRateLimitPassesBodyThrough(t *testing.T) {
	h := rateLimited(NewAuthRateLimitPolicy("login", time.Minute, 2, 2), newCountingRateStore())

	rec := hit(h, "1.2.3.4:5678", credentials("tester@example.com"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"email":"tester@example.com"`)
}

func TestAuthRateLimitBudgets(t *testing.T) {
	cases := []struct {
		name     string
		policy   AuthRateLimitPolicy
		attempts []struct{ remote, email string }
		want     []int
	}{
		{
			name:   "email budget",
			policy: NewAuthRateLimitPolicy("login", time.Minute, 0, 2),
			attempts: []struct{ remote, email string }{
				{"1.2.3.4:5678", "blocked@example.com"},
				{"1.2.3.5:5678", "blocked@example.com"},
				{"1.2.3.6:5678", "blocked@example.com"},
			},
			want: []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests},
		},
		{
			name:   "ip budget",
			policy: NewAuthRateLimitPolicy("register", time.Minute, 1, 0),
			attempts: []struct{ remote, email string }{
				{"5.6.7.8:1234", "one@example.com"},
				{"5.6.7.8:4321", "two@example.com"},
			},
			want: []int{http.StatusOK, http.StatusTooManyRequests},
		},
		{
			name:   "emails normalised before counting",
			policy: NewAuthRateLimitPolicy("login", time.Minute, 0, 1),
			attempts: []struct{ remote, email string }{
				{"", "a@example.com"},
				{"", "B@example.com"},
				{"", " a@EXAMPLE.com "},
			},
			want: []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := rateLimited(tc.policy, newCountingRateStore())
			for i, attempt := range tc.attempts {
				rec := hit(h, attempt.remote, credentials(attempt.email))
				require.Equal(t, tc.want[i], rec.Code, "attempt %d", i)
				if rec.Code == http.StatusTooManyRequests {
					env := decodeErrorBody(t, rec)
					assert.Equal(t, string(pkgerrors.CodeRateLimit), env.Error.Code)
				}
			}
		})
	}
}

func TestAuthRateLimitSetsRetryAfterAndHashesEmail(t *testing.T) {
	store := newCountingRateStore()
	h := rateLimited(NewAuthRateLimitPolicy("login", 90*time.Second, 1, 5), store)

	hit(h, "9.9.9.9:1000", credentials("someone@example.com"))
	rec := hit(h, "9.9.9.9:1000", credentials("someone@example.com"))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	for key := range store.counts {
		assert.NotContains(t, key, "@", "raw email leaked into key")
	}
}

func TestAuthRateLimitDisabledWithoutStore(t *testing.T) {
	h := rateLimited(NewAuthRateLimitPolicy("login", time.Minute, 1, 1), nil)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, hit(h, "1.1.1.1:1", credentials("x@example.com")).Code)
	}
}
