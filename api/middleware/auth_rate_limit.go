package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// maxAuthBody bounds how much of a login/register body is buffered to find
// the email.
const maxAuthBody = 64 << 10

type rateLimiterStore interface {
	IncrWithTTL(context.Context, string, time.Duration) (int64, error)
	RateLimitKey(scope string) string
}

// AuthRateLimitPolicy is a fixed-window budget for one auth surface, counted
// per client IP and per (hashed) email. A zero limit disables that counter.
type AuthRateLimitPolicy struct {
	name       string
	window     time.Duration
	ipLimit    int
	emailLimit int
}

func NewAuthRateLimitPolicy(name string, window time.Duration, ipLimit, emailLimit int) AuthRateLimitPolicy {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = "auth"
	}
	return AuthRateLimitPolicy{name: name, window: window, ipLimit: ipLimit, emailLimit: emailLimit}
}

// rateCounter names one dimension of a policy.
type rateCounter struct {
	dimension string
	subject   string
	limit     int
}

func (p AuthRateLimitPolicy) counters(ip, emailHash string) []rateCounter {
	var out []rateCounter
	if p.ipLimit > 0 && ip != "" {
		out = append(out, rateCounter{dimension: "ip", subject: ip, limit: p.ipLimit})
	}
	if p.emailLimit > 0 && emailHash != "" {
		out = append(out, rateCounter{dimension: "email", subject: emailHash, limit: p.emailLimit})
	}
	return out
}

// AuthRateLimit answers 429 once any counter of policy is over budget. The
// email counter needs the JSON body, which is buffered and handed on intact.
func AuthRateLimit(policy AuthRateLimitPolicy, store rateLimiterStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if store == nil || policy.window <= 0 || (policy.ipLimit <= 0 && policy.emailLimit <= 0) {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			var emailHash string
			if policy.emailLimit > 0 {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBody))
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
					return
				}
				r.Body = io.NopCloser(bytes.NewReader(body))
				emailHash = emailDigest(body)
			}

			for _, c := range policy.counters(remoteHost(r), emailHash) {
				key := store.RateLimitKey(policy.name + ":" + c.dimension + ":" + c.subject)
				count, err := store.IncrWithTTL(ctx, key, policy.window)
				if err != nil {
					responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "rate limiting"))
					return
				}
				if count > int64(c.limit) {
					rejectRateLimited(ctx, logg, w, policy, c, count)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

func rejectRateLimited(ctx context.Context, logg *logger.Logger, w http.ResponseWriter, policy AuthRateLimitPolicy, c rateCounter, count int64) {
	if logg != nil {
		logg.Warn(logg.WithFields(ctx, map[string]any{
			"policy":         policy.name,
			"dimension":      c.dimension,
			"subject":        c.subject,
			"attempts":       count,
			"limit":          c.limit,
			"window_seconds": int(policy.window.Seconds()),
		}), "auth rate limit exceeded")
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(policy.window.Seconds())))
	responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeRateLimit, "too many attempts, try again later"))
}

// remoteHost expects chi's RealIP middleware to have resolved proxies
// before this runs.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

// emailDigest hashes the normalised "email" field so raw addresses never
// land in redis keys or logs.
func emailDigest(payload []byte) string {
	var body struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return ""
	}
	email := strings.ToLower(strings.TrimSpace(body.Email))
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])
}
