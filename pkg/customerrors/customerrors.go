package customerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error code surfaced in the response envelope.
type Kind string

const (
	KindUnauthorized      Kind = "UNAUTHORIZED"
	KindForbidden         Kind = "FORBIDDEN"
	KindLocked            Kind = "LOCKED"
	KindValidation        Kind = "VALIDATION_ERROR"
	KindConflict          Kind = "CONFLICT"
	KindRateLimitExceeded Kind = "RATE_LIMIT_EXCEEDED"
	KindNotFound          Kind = "NOT_FOUND"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// Error is a tagged error carrying a Kind so the HTTP boundary can map it to
// a status code without string matching.
type Error struct {
	Kind    Kind
	Message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, err: err}
}

// KindOf extracts the Kind from err, or KindInternal if err is not tagged.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps a Kind to its fixed HTTP status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindLocked:
		return http.StatusLocked
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrInvalidCredentials = New(KindUnauthorized, "invalid credentials")
	ErrTokenRequired      = New(KindUnauthorized, "authentication token required")
	ErrUserNotFound       = New(KindUnauthorized, "user not found")
	ErrAccountLocked      = New(KindLocked, "account temporarily locked")
	ErrInsufficientRole   = New(KindForbidden, "insufficient role")
	ErrCSRFMismatch       = New(KindForbidden, "csrf validation failed")
	ErrEmailInUse         = New(KindConflict, "email already in use")
	ErrUsernameInUse      = New(KindConflict, "username already in use")

	ErrRefreshTokenNotFound = New(KindUnauthorized, "refresh token not found")
	ErrRefreshTokenRevoked  = New(KindUnauthorized, "refresh token revoked")
	ErrRefreshTokenExpired  = New(KindUnauthorized, "refresh token expired")

	// ErrLastAuthMethod is returned when deleting a passkey would leave a
	// password-less account with no way to sign in. The code is distinct so
	// the UI can prompt for a fallback.
	ErrLastAuthMethod = &Error{Kind: KindValidation, Message: "cannot delete last remaining authentication method"}

	ErrNoRowsAffected = errors.New("no rows affected")
)
