package session

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	redislib "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	redisclient "github.com/angelmondragon/storefront-backend/pkg/redis"
)

const refreshTokenBytes = 32

var (
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	errMissingAccessID     = errors.New("access id is required")
)

type sessionStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	AccessSessionKey(accessID string) string
}

// AccessSessionChecker is the read-only view the auth middleware needs.
type AccessSessionChecker interface {
	HasSession(ctx context.Context, accessID string) (bool, error)
}

// Subject identifies who a refresh session belongs to.
type Subject struct {
	UserID uuid.UUID      `json:"user_id"`
	Role   enums.UserRole `json:"role"`
}

func (s Subject) validate() error {
	if s.UserID == uuid.Nil {
		return errors.New("user id is required")
	}
	if !s.Role.IsValid() {
		return fmt.Errorf("invalid user role %q", s.Role)
	}
	return nil
}

// Issued is the result of creating or rotating a session.
type Issued struct {
	AccessID     string
	RefreshToken string
	Subject      Subject
}

// record is the JSON value stored under the access session key.
type record struct {
	Token   string  `json:"token"`
	Subject Subject `json:"subject"`
}

func (r record) matches(token string) bool {
	return subtle.ConstantTimeCompare([]byte(r.Token), []byte(token)) == 1
}

// Manager stores one refresh session per access token id. Every rotation
// replaces the session, so a refresh token is only good once.
type Manager struct {
	store sessionStore
	ttl   time.Duration
}

// NewManager builds a redis-backed manager. The refresh TTL must outlive the
// access token it pairs with.
func NewManager(client *redisclient.Client, cfg config.JWTConfig) (*Manager, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	ttl := cfg.RefreshTokenTTL()
	if ttl <= 0 {
		return nil, errors.New("refresh token ttl must be positive")
	}
	if accessTTL := time.Duration(cfg.ExpirationMinutes) * time.Minute; ttl <= accessTTL {
		return nil, fmt.Errorf("refresh token ttl (%s) must exceed access token ttl (%s)", ttl, accessTTL)
	}
	return &Manager{store: client, ttl: ttl}, nil
}

// Generate opens a session for subject under a fresh access id.
func (m *Manager) Generate(ctx context.Context, subject Subject) (Issued, error) {
	if err := subject.validate(); err != nil {
		return Issued{}, err
	}
	return m.open(ctx, subject)
}

// Rotate checks the refresh token stored for accessID, opens a new session
// for the same subject and drops the old one.
func (m *Manager) Rotate(ctx context.Context, accessID, provided string) (Issued, error) {
	if blank(accessID) || blank(provided) {
		return Issued{}, ErrInvalidRefreshToken
	}
	key := m.store.AccessSessionKey(accessID)
	rec, err := m.load(ctx, key)
	if err != nil {
		return Issued{}, err
	}
	if !rec.matches(provided) {
		return Issued{}, ErrInvalidRefreshToken
	}

	issued, err := m.open(ctx, rec.Subject)
	if err != nil {
		return Issued{}, err
	}
	if err := m.store.Del(ctx, key); err != nil {
		return Issued{}, fmt.Errorf("drop rotated session: %w", err)
	}
	return issued, nil
}

// Revoke deletes the session tied to accessID.
func (m *Manager) Revoke(ctx context.Context, accessID string) error {
	if blank(accessID) {
		return errMissingAccessID
	}
	return m.store.Del(ctx, m.store.AccessSessionKey(accessID))
}

// HasSession reports whether accessID still has a live session.
func (m *Manager) HasSession(ctx context.Context, accessID string) (bool, error) {
	if blank(accessID) {
		return false, errMissingAccessID
	}
	_, err := m.store.Get(ctx, m.store.AccessSessionKey(accessID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, redislib.Nil):
		return false, nil
	default:
		return false, err
	}
}

func (m *Manager) load(ctx context.Context, key string) (record, error) {
	raw, err := m.store.Get(ctx, key)
	if errors.Is(err, redislib.Nil) {
		return record{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return record{}, ErrInvalidRefreshToken
	}
	return rec, nil
}

func (m *Manager) open(ctx context.Context, subject Subject) (Issued, error) {
	token, err := newRefreshToken()
	if err != nil {
		return Issued{}, err
	}
	payload, err := json.Marshal(record{Token: token, Subject: subject})
	if err != nil {
		return Issued{}, fmt.Errorf("encode session: %w", err)
	}
	accessID := NewAccessID()
	if err := m.store.Set(ctx, m.store.AccessSessionKey(accessID), string(payload), m.ttl); err != nil {
		return Issued{}, fmt.Errorf("store session: %w", err)
	}
	return Issued{AccessID: accessID, RefreshToken: token, Subject: subject}, nil
}

// NewAccessID returns the id used as both the JWT jti and the session key.
func NewAccessID() string {
	return uuid.NewString()
}

func newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating refresh token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
