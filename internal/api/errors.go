package api

import (
	"errors"
	"fmt"
	"net/http"
)

// AuthError is returned for 401 and 403 responses. It is never retried.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("not authorized (%d): %s", e.StatusCode, e.Body)
}

// TransientError wraps failures worth retrying: network errors, timeouts,
// 5xx and 429 responses.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient error (%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// StatusError is any other non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

func statusError(code int, body string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &AuthError{StatusCode: code, Body: body}
	case code >= 500 || code == http.StatusTooManyRequests:
		return &TransientError{StatusCode: code, Err: errors.New(body)}
	default:
		return &StatusError{StatusCode: code, Body: body}
	}
}
