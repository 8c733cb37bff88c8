// Package errors defines the failure taxonomy for search operations. Five
// sentinels classify what went wrong; AppError decorates a sentinel with
// an operator-facing message and the HTTP statuses on both sides of the
// proxy.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel classes. Everything a search operation can fail with wraps
// exactly one of these.
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRemoteRequestFailed  = errors.New("remote request failed")
	ErrRequestTimedOut      = errors.New("request timed out")
	ErrTransportError       = errors.New("transport error")
)

// AppError carries a sentinel plus request-scoped detail.
type AppError struct {
	Err     error
	Message string
	// StatusCode is the HTTP status this error maps to on our own API.
	StatusCode int
	// UpstreamStatus is the status code the remote index answered with,
	// or zero when the failure never produced a response.
	UpstreamStatus int
}

func (e *AppError) Error() string {
	return e.Err.Error() + ": " + e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New wraps a sentinel with a message and our own response status.
func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{Err: sentinel, Message: message, StatusCode: statusCode}
}

// Newf is New with a formatted message.
func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return New(sentinel, statusCode, fmt.Sprintf(format, args...))
}

// HTTPStatusCode resolves the response status for an error chain: an
// AppError's own status wins, then the sentinel class decides, and
// anything unclassified is a 500.
func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	switch {
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthenticationFailed),
		errors.Is(err, ErrRemoteRequestFailed),
		errors.Is(err, ErrTransportError):
		return http.StatusBadGateway
	case errors.Is(err, ErrRequestTimedOut):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// UpstreamStatus extracts the remote status code from an error chain. The
// second return is false when the error carries no upstream response.
func UpstreamStatus(err error) (int, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.UpstreamStatus != 0 {
		return appErr.UpstreamStatus, true
	}
	return 0, false
}
