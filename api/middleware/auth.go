package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/storefront-backend/api/responses"
	pkgAuth "github.com/angelmondragon/storefront-backend/pkg/auth"
	"github.com/angelmondragon/storefront-backend/pkg/auth/session"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/logger"
)

// Auth admits requests carrying a valid access token whose session is still
// live, and stores the caller as a Principal on the request context.
func Auth(cfg config.JWTConfig, verifier session.AccessSessionChecker, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticate(r.Context(), cfg, verifier, r.Header.Get("Authorization"))
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}

			ctx := WithPrincipal(r.Context(), principal)
			if logg != nil {
				ctx = logg.WithUserID(ctx, principal.UserID)
				ctx = logg.WithActorRole(ctx, principal.Role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func authenticate(ctx context.Context, cfg config.JWTConfig, verifier session.AccessSessionChecker, header string) (Principal, error) {
	token := BearerToken(header)
	if token == "" {
		return Principal{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")
	}

	claims, err := pkgAuth.ParseAccessToken(cfg, token)
	if err != nil {
		return Principal{}, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token")
	}
	if claims.ID == "" {
		return Principal{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing session id")
	}

	// A logged-out token stays cryptographically valid until expiry; the
	// session store is what revokes it.
	if verifier != nil {
		live, err := verifier.HasSession(ctx, claims.ID)
		if err != nil {
			return Principal{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "validate session")
		}
		if !live {
			return Principal{}, pkgerrors.New(pkgerrors.CodeUnauthorized, "session unavailable")
		}
	}

	return Principal{
		UserID:   claims.UserID.String(),
		Role:     string(claims.Role),
		AccessID: claims.ID,
	}, nil
}

// BearerToken returns the credential from an Authorization header value,
// with or without the Bearer scheme.
func BearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found {
		return scheme
	}
	if !strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(header)
	}
	return strings.TrimSpace(token)
}
