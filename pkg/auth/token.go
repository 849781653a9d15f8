package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

var jwtSigningMethod = jwt.SigningMethodHS256

var (
	errMissingSecret = errors.New("jwt secret is required")
	errMissingIssuer = errors.New("jwt issuer is required")
	errBadTTL        = errors.New("jwt expiration minutes must be positive")
	errMissingUser   = errors.New("user id is required")
)

// MintAccessToken signs an HS256 token for payload that expires cfg.ExpirationMinutes after now.
func MintAccessToken(cfg config.JWTConfig, now time.Time, payload AccessTokenPayload) (string, error) {
	switch {
	case cfg.Secret == "":
		return "", errMissingSecret
	case cfg.Issuer == "":
		return "", errMissingIssuer
	case cfg.ExpirationMinutes <= 0:
		return "", errBadTTL
	case payload.UserID == uuid.Nil:
		return "", errMissingUser
	}
	if err := checkRole(payload.Role); err != nil {
		return "", err
	}

	jti := strings.TrimSpace(payload.JTI)
	if jti == "" {
		jti = uuid.NewString()
	}
	ttl := time.Duration(cfg.ExpirationMinutes) * time.Minute

	signed, err := jwt.NewWithClaims(jwtSigningMethod, AccessTokenClaims{
		UserID: payload.UserID,
		Role:   payload.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return signed, nil
}

// ParseAccessToken validates signature, issuer and expiry and returns the typed claims.
func ParseAccessToken(cfg config.JWTConfig, tokenString string) (*AccessTokenClaims, error) {
	return parseClaims(cfg, tokenString, jwt.WithIssuer(cfg.Issuer), jwt.WithExpirationRequired())
}

// ParseAccessTokenAllowExpired verifies the signature and issuer but accepts
// an expired token. Logout and refresh use it to recover the session id.
func ParseAccessTokenAllowExpired(cfg config.JWTConfig, tokenString string) (*AccessTokenClaims, error) {
	claims, err := parseClaims(cfg, tokenString, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, err
	}
	if claims.Issuer != cfg.Issuer {
		return nil, fmt.Errorf("unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}

func parseClaims(cfg config.JWTConfig, tokenString string, opts ...jwt.ParserOption) (*AccessTokenClaims, error) {
	if cfg.Secret == "" {
		return nil, errMissingSecret
	}
	opts = append(opts, jwt.WithValidMethods([]string{jwtSigningMethod.Alg()}))

	claims := &AccessTokenClaims{}
	if _, err := jwt.ParseWithClaims(tokenString, claims, signingKey(cfg), opts...); err != nil {
		return nil, err
	}
	if err := checkRole(claims.Role); err != nil {
		return nil, err
	}
	return claims, nil
}

func checkRole(role enums.UserRole) error {
	if role.IsValid() {
		return nil
	}
	return fmt.Errorf("invalid user role %q", role)
}

func signingKey(cfg config.JWTConfig) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if token.Method != jwtSigningMethod {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(cfg.Secret), nil
	}
}
