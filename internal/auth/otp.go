package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/config"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
	"github.com/angelmondragon/storefront-backend/pkg/mailer"
	"github.com/angelmondragon/storefront-backend/pkg/security"
)

const (
	otpDigits = 6

	otpKindPending  = "signup"
	otpKindAttempts = "attempts"
	otpKindCooldown = "cooldown"

	codeExpiredMessage = "verification code expired or was never requested"
)

// otpStore is the redis surface behind pending sign-ups.
type otpStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Del(ctx context.Context, keys ...string) error
	OTPKey(kind, email string) string
}

// pendingSignup is held in redis until the emailed code is confirmed. The
// account row is only created on a successful verify.
type pendingSignup struct {
	Name         string  `json:"name"`
	Phone        *string `json:"phone,omitempty"`
	PasswordHash string  `json:"passwordHash"`
	CodeHash     string  `json:"codeHash"`
}

func withOTPDefaults(cfg config.OTPConfig) config.OTPConfig {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.ResendCooldown <= 0 {
		cfg.ResendCooldown = time.Minute
	}
	return cfg
}

// SendOTP starts an email-verified sign-up. The password is hashed up front
// so the plaintext never reaches redis.
func (s *service) SendOTP(ctx context.Context, req RegisterRequest) (*OTPIssued, error) {
	if err := s.otpReady(); err != nil {
		return nil, err
	}
	email, name, err := s.checkRegistration(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.claimCooldown(ctx, email); err != nil {
		return nil, err
	}

	hash, err := security.HashPassword(req.Password, s.passwordCfg)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "hash password")
	}
	pending := pendingSignup{Name: name, Phone: trimmedOrNil(req.Phone), PasswordHash: hash}
	return s.issueCode(ctx, email, pending)
}

// ResendOTP replaces the code of a pending sign-up. Unknown emails get the
// same answer so the endpoint cannot be used to enumerate sign-ups.
func (s *service) ResendOTP(ctx context.Context, req ResendOTPRequest) (*OTPIssued, error) {
	if err := s.otpReady(); err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email is required")
	}

	pending, err := s.loadPending(ctx, email)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return s.issuedFor(email), nil
	}
	if err := s.claimCooldown(ctx, email); err != nil {
		return nil, err
	}
	return s.issueCode(ctx, email, *pending)
}

// VerifyOTP checks the code, creates the account and signs it in. Each email
// gets MaxAttempts guesses per code; the pending sign-up is dropped after that.
func (s *service) VerifyOTP(ctx context.Context, req VerifyOTPRequest) (*TokenResponse, error) {
	if err := s.otpReady(); err != nil {
		return nil, err
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	code := strings.TrimSpace(req.Code)
	if email == "" || code == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "email and code are required")
	}

	pending, err := s.loadPending(ctx, email)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, codeExpiredMessage)
	}

	attempts, err := s.otp.IncrWithTTL(ctx, s.otp.OTPKey(otpKindAttempts, email), s.otpCfg.CodeTTL)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count verification attempts")
	}
	if attempts > int64(s.otpCfg.MaxAttempts) {
		s.dropPending(ctx, email)
		return nil, pkgerrors.New(pkgerrors.CodeRateLimit, "too many attempts; request a new code")
	}
	if !codeMatches(pending.CodeHash, email, code) {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid verification code").
			WithDetails(map[string]any{"attemptsRemaining": int64(s.otpCfg.MaxAttempts) - attempts})
	}

	resp, err := s.createAndIssue(ctx, users.CreateUserDTO{
		Email:        email,
		PasswordHash: pending.PasswordHash,
		Name:         pending.Name,
		Phone:        pending.Phone,
		Role:         enums.UserRoleUser,
	})
	if err != nil {
		return nil, err
	}
	s.dropPending(ctx, email)
	return resp, nil
}

func (s *service) otpReady() error {
	if s.otp == nil || s.mail == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "email verification unavailable")
	}
	return nil
}

// claimCooldown allows one code per email per ResendCooldown.
func (s *service) claimCooldown(ctx context.Context, email string) error {
	ok, err := s.otp.SetNX(ctx, s.otp.OTPKey(otpKindCooldown, email), "1", s.otpCfg.ResendCooldown)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check resend cooldown")
	}
	if !ok {
		return pkgerrors.New(pkgerrors.CodeRateLimit, "a code was sent recently; try again shortly").
			WithDetails(map[string]any{"retryAfterSeconds": int(s.otpCfg.ResendCooldown.Seconds())})
	}
	return nil
}

func (s *service) issueCode(ctx context.Context, email string, pending pendingSignup) (*OTPIssued, error) {
	code, err := generateCode()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate code")
	}
	pending.CodeHash = hashCode(email, code)
	raw, err := json.Marshal(pending)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode pending sign-up")
	}
	if err := s.otp.Set(ctx, s.otp.OTPKey(otpKindPending, email), raw, s.otpCfg.CodeTTL); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store pending sign-up")
	}
	if err := s.otp.Del(ctx, s.otp.OTPKey(otpKindAttempts, email)); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reset verification attempts")
	}

	if err := s.mail.Send(ctx, verificationMessage(email, code, s.otpCfg.CodeTTL)); err != nil {
		s.dropPending(ctx, email)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "send verification email")
	}
	return s.issuedFor(email), nil
}

func (s *service) issuedFor(email string) *OTPIssued {
	return &OTPIssued{Email: email, ExpiresInSeconds: int(s.otpCfg.CodeTTL.Seconds())}
}

func (s *service) loadPending(ctx context.Context, email string) (*pendingSignup, error) {
	raw, err := s.otp.Get(ctx, s.otp.OTPKey(otpKindPending, email))
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load pending sign-up")
	}
	var pending pendingSignup
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode pending sign-up")
	}
	return &pending, nil
}

// dropPending is best effort; the keys expire with CodeTTL regardless.
func (s *service) dropPending(ctx context.Context, email string) {
	_ = s.otp.Del(ctx,
		s.otp.OTPKey(otpKindPending, email),
		s.otp.OTPKey(otpKindAttempts, email),
		s.otp.OTPKey(otpKindCooldown, email),
	)
}

func generateCode() (string, error) {
	limit := big.NewInt(1_000_000)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", otpDigits, n.Int64()), nil
}

func hashCode(email, code string) string {
	sum := sha256.Sum256([]byte(email + ":" + code))
	return hex.EncodeToString(sum[:])
}

func codeMatches(stored, email, code string) bool {
	return subtle.ConstantTimeCompare([]byte(stored), []byte(hashCode(email, code))) == 1
}

func verificationMessage(email, code string, ttl time.Duration) mailer.Message {
	return mailer.Message{
		To:      email,
		Subject: "Your Storefront verification code",
		Body: fmt.Sprintf(
			"Your verification code is %s.\n\nIt expires in %d minutes. If you did not sign up, ignore this email.\n",
			code, int(ttl.Minutes()),
		),
	}
}
