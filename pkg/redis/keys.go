package redis

import "strings"

const keyNamespace = "sf"

const (
	idempotencyPrefix = "idempotency"
	rateLimitPrefix   = "rate_limit"
	lockPrefix        = "lock"
	sessionPrefix     = "session"
	otpPrefix         = "otp"
)

// IdempotencyKey returns a namespaced key for idempotency storage.
func (c *Client) IdempotencyKey(scope, id string) string {
	return buildKey(idempotencyPrefix, scope, id)
}

// RateLimitKey returns a namespaced key for rate limit counters.
func (c *Client) RateLimitKey(scope string) string {
	return buildKey(rateLimitPrefix, scope)
}

// AccessSessionKey is where the session for an access token id lives.
func (c *Client) AccessSessionKey(accessID string) string {
	return buildKey(sessionPrefix, "access", accessID)
}

// OTPKey namespaces the sign-up verification state for one email.
func (c *Client) OTPKey(kind, email string) string {
	return buildKey(otpPrefix, kind, email)
}

// LockKey returns a namespaced key for short-lived exclusive locks.
func LockKey(scope string, parts ...string) string {
	return buildKey(append([]string{lockPrefix, scope}, parts...)...)
}

// buildKey joins parts under the namespace with ':' and drops blank segments.
func buildKey(parts ...string) string {
	var b strings.Builder
	b.WriteString(keyNamespace)
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			b.WriteByte(':')
			b.WriteString(part)
		}
	}
	return b.String()
}
