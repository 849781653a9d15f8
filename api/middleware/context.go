package middleware

import "context"

type principalKey struct{}

// Principal is the authenticated caller as seen by handlers. AccessID is the
// jti of the bearer token and doubles as the session id.
type Principal struct {
	UserID   string
	Role     string
	AccessID string
}

// WithPrincipal stores p on ctx, replacing any principal already there.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext reports the caller set by Auth, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}

func RoleFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Role
}

func AccessIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.AccessID
}

// WithUserID and WithRole amend a single field of the principal; handler
// tests use them to fake an authenticated request.
func WithUserID(ctx context.Context, userID string) context.Context {
	p, _ := PrincipalFromContext(ctx)
	p.UserID = userID
	return WithPrincipal(ctx, p)
}

func WithRole(ctx context.Context, role string) context.Context {
	p, _ := PrincipalFromContext(ctx)
	p.Role = role
	return WithPrincipal(ctx, p)
}
