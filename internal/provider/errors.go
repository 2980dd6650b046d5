package provider

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies provider failures so callers never inspect provider-specific
// status codes.
type Kind string

const (
	KindUnauthorized       Kind = "unauthorized"
	KindForbidden          Kind = "forbidden"
	KindNotFound           Kind = "not_found"
	KindRateLimited        Kind = "rate_limited"
	KindServiceUnavailable Kind = "service_unavailable"
	KindUnknown            Kind = "unknown"
)

var (
	// ErrSyncTokenInvalidated means the provider no longer accepts the stored
	// cursor and the calendar needs a full sync.
	ErrSyncTokenInvalidated = errors.New("provider: sync token invalidated")

	// ErrUnknownProvider is returned by Registry lookups for unregistered names.
	ErrUnknownProvider = errors.New("provider: unknown provider")
)

// ExternalServiceError is the single error type adapters return for failed
// provider calls.
type ExternalServiceError struct {
	Provider   Name
	Kind       Kind
	StatusCode int
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *ExternalServiceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// KindForStatus maps an HTTP status code onto the taxonomy.
func KindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound || status == http.StatusGone:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status <= 599:
		return KindServiceUnavailable
	default:
		return KindUnknown
	}
}

// NewStatusError builds an ExternalServiceError from an HTTP response status.
func NewStatusError(p Name, status int, code, message string) *ExternalServiceError {
	return &ExternalServiceError{
		Provider:   p,
		Kind:       KindForStatus(status),
		StatusCode: status,
		Code:       code,
		Message:    message,
	}
}

// KindOf returns the taxonomy kind of err, or "" if err is not an
// ExternalServiceError.
func KindOf(err error) Kind {
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return ese.Kind
	}
	return ""
}

// IsKind reports whether err is an ExternalServiceError of kind k.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// IsRetryable reports whether repeating the call may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindServiceUnavailable:
		return true
	}
	return false
}

// RetryAfterOf returns the wait the provider asked for in err, or 0.
func RetryAfterOf(err error) time.Duration {
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return ese.RetryAfter
	}
	return 0
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return ese.StatusCode
	}
	return 0
}
