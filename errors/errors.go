package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrWorkerPanic    = fmt.Errorf("worker panic")
	ErrNotFound       = fmt.Errorf("room not found")
	ErrUnauthorized   = fmt.Errorf("unauthorized")
	ErrBlocked        = fmt.Errorf("too many attempts, blocked")
	ErrValidation     = fmt.Errorf("invalid request")
	ErrBackend        = fmt.Errorf("backend failure")
	ErrExhausted      = fmt.Errorf("id generator exhausted for this millisecond")
	ErrNotAcceptable  = fmt.Errorf("not acceptable")
	ErrUnknownBackend = fmt.Errorf("unknown backend")
	ErrMissingArgs    = fmt.Errorf("missing backend arguments")

	ErrTransportClosed = fmt.Errorf("transport closed")
	ErrBackpressure    = fmt.Errorf("transport buffer full")
)

// HTTPStatus maps a domain error to the status code returned at the HTTP boundary.
// Anything unknown is an internal error.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBlocked):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotAcceptable):
		return http.StatusNotAcceptable
	case errors.Is(err, ErrExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ChallengeError is an authentication failure answered with a WWW-Authenticate header.
type ChallengeError struct {
	Challenge string
}

func (e *ChallengeError) Error() string {
	return fmt.Sprintf("unauthorized: %s", e.Challenge)
}

func (e *ChallengeError) Unwrap() error {
	return ErrUnauthorized
}

// PasswordChallenge asks for the password of the room realm.
func PasswordChallenge(realm string) error {
	return &ChallengeError{Challenge: fmt.Sprintf("X-Password realm=%q", realm)}
}

// BearerChallenge asks for a bearer token. code is an RFC 6750 error code, empty when no token was sent.
func BearerChallenge(realm, code string) error {
	if code == "" {
		return &ChallengeError{Challenge: fmt.Sprintf("Bearer realm=%q", realm)}
	}
	return &ChallengeError{Challenge: fmt.Sprintf("Bearer realm=%q, error=%q", realm, code)}
}

// Challenge returns the WWW-Authenticate value carried by err, if any.
func Challenge(err error) (string, bool) {
	var ce *ChallengeError
	if errors.As(err, &ce) {
		return ce.Challenge, true
	}
	return "", false
}
