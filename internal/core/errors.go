package core

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies a resolution failure.
type ErrorKind string

const (
	// KindNotFound means the provider has no data for this identity.
	// Terminal for that provider; the waterfall falls through.
	KindNotFound ErrorKind = "not_found"
	// KindTransient covers timeouts, connection errors and 5xx responses.
	// Retried up to the attempt budget, then treated as not found for the call.
	KindTransient ErrorKind = "transient"
	// KindAuthentication means the provider rejected our credentials.
	// Terminal and batch-aborting, never retried.
	KindAuthentication ErrorKind = "authentication"
	// KindRateLimited means the provider throttled us. Terminal and
	// batch-aborting, never retried.
	KindRateLimited ErrorKind = "rate_limited"
	// KindMalformedValue means a price field could not be parsed as a number.
	KindMalformedValue ErrorKind = "malformed_value"
)

// ResolveError is the typed error for all provider and resolution failures.
type ResolveError struct {
	Kind       ErrorKind
	Message    string
	StatusCode int
	Provider   string
	// Original error for debugging (not exposed to clients).
	Err error
}

func (e *ResolveError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// Aborting reports whether the error must abort an in-progress batch or
// request instead of being counted and skipped.
func (e *ResolveError) Aborting() bool {
	return e.Kind == KindAuthentication || e.Kind == KindRateLimited
}

// HTTPStatusCode returns the status code to surface for this error.
func (e *ResolveError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindMalformedValue:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// NewNotFoundError creates a terminal not-found error for a provider.
func NewNotFoundError(provider, message string) *ResolveError {
	return &ResolveError{
		Kind:       KindNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
		Provider:   provider,
	}
}

// NewTransientError creates a retryable error carrying the last observed cause.
func NewTransientError(provider, message string, err error) *ResolveError {
	return &ResolveError{
		Kind:     KindTransient,
		Message:  message,
		Provider: provider,
		Err:      err,
	}
}

// NewAuthenticationError creates a terminal authentication error.
func NewAuthenticationError(provider, message string) *ResolveError {
	return &ResolveError{
		Kind:       KindAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Provider:   provider,
	}
}

// NewRateLimitError creates a terminal rate-limit error.
func NewRateLimitError(provider, message string) *ResolveError {
	return &ResolveError{
		Kind:       KindRateLimited,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   provider,
	}
}

// NewMalformedValueError reports a price field that could not be parsed.
func NewMalformedValueError(provider, message string, err error) *ResolveError {
	return &ResolveError{
		Kind:     KindMalformedValue,
		Message:  message,
		Provider: provider,
		Err:      err,
	}
}

// ClassifyStatus maps an HTTP response status to a ResolveError.
// Returns nil for 2xx statuses.
func ClassifyStatus(provider string, statusCode int) *ResolveError {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusNotFound:
		return NewNotFoundError(provider, "resource not found")
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthenticationError(provider, fmt.Sprintf("authentication rejected (HTTP %d)", statusCode))
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, "rate limited")
	default:
		return &ResolveError{
			Kind:       KindTransient,
			Message:    fmt.Sprintf("HTTP %d", statusCode),
			StatusCode: statusCode,
			Provider:   provider,
		}
	}
}

// IsNotFound reports whether err is a not-found ResolveError.
func IsNotFound(err error) bool {
	return isKind(err, KindNotFound)
}

// IsAborting reports whether err is an authentication or rate-limit
// ResolveError that must abort the current batch or request.
func IsAborting(err error) bool {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Aborting()
	}
	return false
}

func isKind(err error, kind ErrorKind) bool {
	var re *ResolveError
	if errors.As(err, &re) {
		return re.Kind == kind
	}
	return false
}
