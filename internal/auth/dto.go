package auth

import (
	"github.com/angelmondragon/storefront-backend/internal/users"
)

// RegisterRequest captures the payload for public sign-up.
type RegisterRequest struct {
	Email    string  `json:"email" validate:"required,email"`
	Password string  `json:"password" validate:"required,min=8,max=128"`
	Name     string  `json:"name" validate:"required,notblank,max=120"`
	Phone    *string `json:"phone,omitempty" validate:"omitempty,max=32"`
}

// LoginRequest captures the user credentials sent to the login endpoint.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RefreshRequest carries the refresh token issued alongside the current access token.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// TokenResponse contains the tokens and user produced by register, login and refresh.
type TokenResponse struct {
	AccessToken  string         `json:"accessToken"`
	RefreshToken string         `json:"refreshToken"`
	User         *users.UserDTO `json:"user,omitempty"`
}

// VerifyOTPRequest confirms a pending sign-up with the emailed code.
type VerifyOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

// ResendOTPRequest asks for a fresh code for a pending sign-up.
type ResendOTPRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// OTPIssued acknowledges a send or resend without revealing whether the
// email had a pending sign-up.
type OTPIssued struct {
	Email            string `json:"email"`
	ExpiresInSeconds int    `json:"expiresInSeconds"`
}
