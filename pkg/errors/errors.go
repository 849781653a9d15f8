package errors

import (
	stdErrors "errors"
	"net/http"
	"strings"
)

// Code is the stable, client-visible classification of a failure.
type Code string

const (
	CodeValidation      Code = "VALIDATION_ERROR"
	CodeUnauthorized    Code = "UNAUTHORIZED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNotFound        Code = "NOT_FOUND"
	CodeConflict        Code = "CONFLICT"
	CodeStateConflict   Code = "STATE_CONFLICT"
	CodeIdempotency     Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit       Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal        Code = "INTERNAL_ERROR"
	CodeDependency      Code = "DEPENDENCY_ERROR"
	CodePaymentMismatch Code = "PAYMENT_MISMATCH"
)

// Metadata controls how a code is rendered on the wire.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
}

const (
	canRetry    = true
	withDetails = true
)

func meta(status int, public string, retry, details bool) Metadata {
	return Metadata{HTTPStatus: status, PublicMessage: public, Retryable: retry, DetailsAllowed: details}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    meta(http.StatusBadRequest, "validation failed", false, withDetails),
	CodeUnauthorized:  meta(http.StatusUnauthorized, "authentication required", false, false),
	CodeForbidden:     meta(http.StatusForbidden, "access denied", false, false),
	CodeNotFound:      meta(http.StatusNotFound, "resource not found", false, false),
	CodeConflict:      meta(http.StatusConflict, "conflict detected", false, false),
	CodeStateConflict: meta(http.StatusUnprocessableEntity, "state transition disallowed", false, withDetails),
	CodeIdempotency:   meta(http.StatusConflict, "idempotency key reused", false, withDetails),
	CodeRateLimit:     meta(http.StatusTooManyRequests, "rate limit exceeded", false, false),
	CodeInternal:      meta(http.StatusInternalServerError, "internal server error", canRetry, false),
	CodeDependency:    meta(http.StatusServiceUnavailable, "dependency unavailable", canRetry, withDetails),
	// a confirmation bound to another order is never retried
	CodePaymentMismatch: meta(http.StatusConflict, "payment does not match order", false, false),
}

// MetadataFor returns the rendering rules for code; unknown codes render as internal errors.
func MetadataFor(code Code) Metadata {
	if m, ok := metadataByCode[code]; ok {
		return m
	}
	return metadataByCode[CodeInternal]
}

// Error is the typed error every layer returns. The message is internal;
// clients see the code's public message unless details are allowed.
type Error struct {
	code      Code
	message   string
	details   any
	cause     error
	retryable *bool
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err. A nil err behaves like New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

// WithRetryable overrides the retryable flag of the code for this error.
func (e *Error) WithRetryable(retryable bool) *Error {
	if e != nil {
		e.retryable = &retryable
	}
	return e
}

// Retryable reports the effective retryable flag.
func (e *Error) Retryable() bool {
	switch {
	case e == nil:
		return false
	case e.retryable != nil:
		return *e.retryable
	default:
		return MetadataFor(e.code).Retryable
	}
}

// Error renders "CODE: message[: cause]".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(string(e.code))
	b.WriteString(": ")
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As returns the outermost *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.code == code
}

// IsRetryable reports whether the caller may retry the failed operation.
func IsRetryable(err error) bool {
	return As(err).Retryable()
}
