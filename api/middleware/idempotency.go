package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
	pkgredis "github.com/angelmondragon/storefront-backend/pkg/redis"
)

const (
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"

	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	// inFlightTTL bounds how long a crashed request can block its key.
	inFlightTTL = 2 * time.Minute
)

// ReplayStore is the redis surface behind Idempotency.
type ReplayStore interface {
	pkgredis.IdempotencyStore
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// idempotencyRule is looked up by method and chi route pattern. Optional
// rules only engage when the client sends a key.
type idempotencyRule struct {
	ttl      time.Duration
	optional bool
}

var idempotencyRules = map[string]idempotencyRule{
	"POST /api/v1/auth/register":                           {ttl: defaultIdempotencyTTL, optional: true},
	"POST /api/v1/cart/items":                              {ttl: defaultIdempotencyTTL, optional: true},
	"POST /api/v1/wishlist/items":                          {ttl: defaultIdempotencyTTL, optional: true},
	"POST /api/v1/wishlist/items/{productId}/move-to-cart": {ttl: defaultIdempotencyTTL, optional: true},
	"POST /api/v1/payments/intents":                        {ttl: defaultIdempotencyTTL, optional: true},
	"PUT /api/admin/v1/orders/{orderId}/status":            {ttl: defaultIdempotencyTTL},
	"POST /api/v1/orders":                                  {ttl: criticalIdempotencyTTL, optional: true},
	"POST /api/v1/orders/{orderId}/cancel":                 {ttl: criticalIdempotencyTTL},
	"POST /api/admin/v1/orders/{orderId}/refund":           {ttl: criticalIdempotencyTTL},
}

func matchRule(method, pattern string) (idempotencyRule, bool) {
	rule, ok := idempotencyRules[method+" "+pattern]
	return rule, ok
}

// storedResponse is what a key resolves to in redis. A record with
// Pending set marks a request that is still running.
type storedResponse struct {
	Pending     bool              `json:"pending,omitempty"`
	RequestHash string            `json:"request_hash"`
	Status      int               `json:"status,omitempty"`
	Body        string            `json:"body,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// Idempotency replays the first non-5xx response recorded for a key. The
// key is scoped to the caller, method and path, and reusing it with a
// different body is rejected.
func Idempotency(store ReplayStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rule, ok := matchRule(r.Method, routePattern(r))
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
			if clientKey == "" {
				if rule.optional {
					next.ServeHTTP(w, r)
					return
				}
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			sum := sha256.Sum256(body)
			requestHash := hex.EncodeToString(sum[:])
			key := store.IdempotencyKey(requestScope(r), clientKey)

			reserved, err := reserve(ctx, store, key, requestHash)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replayExisting(ctx, store, logg, w, key, requestHash)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)
			finish(ctx, store, logg, key, rule, requestHash, capture)
		})
	}
}

func reserve(ctx context.Context, store ReplayStore, key, requestHash string) (bool, error) {
	marker, err := json.Marshal(storedResponse{Pending: true, RequestHash: requestHash})
	if err != nil {
		return false, err
	}
	return store.SetNX(ctx, key, string(marker), inFlightTTL)
}

func replayExisting(ctx context.Context, store ReplayStore, logg *logger.Logger, w http.ResponseWriter, key, requestHash string) {
	raw, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, redis.Nil):
		// The marker expired between SetNX and Get; the client can retry.
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is still in progress"))
		return
	case err != nil:
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode idempotency record"))
		return
	}
	if stored.RequestHash != requestHash {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with different request body"))
		return
	}
	if stored.Pending {
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this Idempotency-Key is still in progress"))
		return
	}

	for name, value := range stored.Headers {
		w.Header().Set(name, value)
	}
	w.Header().Set(replayedHeader, "true")
	w.WriteHeader(stored.Status)
	if decoded, err := base64.StdEncoding.DecodeString(stored.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

// finish records the response, or frees the key after a 5xx so the same
// key can be retried.
func finish(ctx context.Context, store ReplayStore, logg *logger.Logger, key string, rule idempotencyRule, requestHash string, capture *responseCapture) {
	status := capture.statusCode()
	if status >= http.StatusInternalServerError {
		if err := store.Del(ctx, key); err != nil && logg != nil {
			logg.Error(ctx, "release idempotency key", err)
		}
		return
	}

	record := storedResponse{
		RequestHash: requestHash,
		Status:      status,
		Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
	}
	if ct := capture.Header().Get("Content-Type"); ct != "" {
		record.Headers = map[string]string{"Content-Type": ct}
	}
	payload, err := json.Marshal(record)
	if err == nil {
		err = store.Set(ctx, key, string(payload), rule.ttl)
	}
	if err != nil && logg != nil {
		logg.Error(ctx, "persist idempotency record", err)
	}
}

func requestScope(r *http.Request) string {
	return strings.Join([]string{UserIDFromContext(r.Context()), r.Method, r.URL.Path}, "|")
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}
