package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the transport error surface shared by adapters and the generator.
type Error interface {
	error
	Provider() string
	StatusCode() int
	Retryable() bool
	RetryAfter() *time.Duration
}

// ConfigurationError reports a missing key, unknown provider or malformed
// request. It is never retried.
type ConfigurationError struct {
	Message string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + strings.TrimSpace(e.Message)
}
func (e *ConfigurationError) Provider() string           { return "" }
func (e *ConfigurationError) StatusCode() int            { return 0 }
func (e *ConfigurationError) Retryable() bool            { return false }
func (e *ConfigurationError) RetryAfter() *time.Duration { return nil }

type transportError struct {
	provider   string
	statusCode int
	message    string
	retryable  bool
	retryAfter *time.Duration
	cause      error
}

func (e *transportError) Error() string {
	msg := strings.TrimSpace(e.message)
	if msg == "" {
		msg = "request failed"
	}
	if e.statusCode == 0 {
		return fmt.Sprintf("%s error: %s", e.provider, msg)
	}
	return fmt.Sprintf("%s error (status=%d): %s", e.provider, e.statusCode, msg)
}
func (e *transportError) Provider() string           { return e.provider }
func (e *transportError) StatusCode() int            { return e.statusCode }
func (e *transportError) Retryable() bool            { return e.retryable }
func (e *transportError) RetryAfter() *time.Duration { return e.retryAfter }
func (e *transportError) Unwrap() error              { return e.cause }

type InvalidRequestError struct{ transportError }
type AuthenticationError struct{ transportError }
type AccessDeniedError struct{ transportError }
type NotFoundError struct{ transportError }
type RequestTimeoutError struct{ transportError }
type ContextLengthError struct{ transportError }
type RateLimitError struct{ transportError }
type OverloadedError struct{ transportError }
type ServerError struct{ transportError }
type UnknownHTTPError struct{ transportError }
type NetworkError struct{ transportError }
type EmptyResponseError struct{ transportError }

// ErrorFromHTTPStatus maps a non-2xx provider response onto the error hierarchy.
func ErrorFromHTTPStatus(provider string, statusCode int, message string, retryAfter *time.Duration) error {
	base := transportError{
		provider:   strings.TrimSpace(provider),
		statusCode: statusCode,
		message:    message,
		retryAfter: retryAfter,
	}
	switch statusCode {
	case 400, 422:
		if strings.Contains(strings.ToLower(message), "prompt is too long") ||
			strings.Contains(strings.ToLower(message), "context length") {
			return &ContextLengthError{base}
		}
		return &InvalidRequestError{base}
	case 401:
		return &AuthenticationError{base}
	case 403:
		return &AccessDeniedError{base}
	case 404:
		return &NotFoundError{base}
	case 408:
		base.retryable = true
		return &RequestTimeoutError{base}
	case 413:
		return &ContextLengthError{base}
	case 429:
		base.retryable = true
		return &RateLimitError{base}
	case 529:
		base.retryable = true
		return &OverloadedError{base}
	case 500, 502, 503, 504:
		base.retryable = true
		return &ServerError{base}
	default:
		base.retryable = true
		return &UnknownHTTPError{base}
	}
}

// NewRequestTimeoutError reports a per-attempt deadline. Unlike HTTP 408 it is
// retryable: the next attempt gets a fresh deadline.
func NewRequestTimeoutError(provider string, cause error) error {
	return &RequestTimeoutError{transportError{
		provider:  strings.TrimSpace(provider),
		message:   "request timed out",
		retryable: true,
		cause:     cause,
	}}
}

// NewNetworkError wraps a connection-level failure.
func NewNetworkError(provider string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &NetworkError{transportError{
		provider:  strings.TrimSpace(provider),
		message:   msg,
		retryable: true,
		cause:     cause,
	}}
}

// NewEmptyResponseError reports a successful response with no text content.
func NewEmptyResponseError(provider string) error {
	return &EmptyResponseError{transportError{
		provider:  strings.TrimSpace(provider),
		message:   "response contained no text content",
		retryable: true,
	}}
}

// ParseRetryAfter parses a Retry-After header given as seconds or an HTTP date.
func ParseRetryAfter(v string, now time.Time) *time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return &d
	}
	return nil
}

// RetryAfterHint returns the wait a provider asked for, if any error in the
// chain carries one.
func RetryAfterHint(err error) (time.Duration, bool) {
	var e Error
	if !errors.As(err, &e) {
		return 0, false
	}
	if d := e.RetryAfter(); d != nil {
		return *d, true
	}
	return 0, false
}

// IsRetryable reports whether err is worth another attempt. Errors outside
// the hierarchy are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var cfg *ConfigurationError
	if errors.As(err, &cfg) {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}

func IsAuthenticationError(err error) bool {
	var e *AuthenticationError
	return errors.As(err, &e)
}

func IsConfigurationError(err error) bool {
	var e *ConfigurationError
	return errors.As(err, &e)
}
