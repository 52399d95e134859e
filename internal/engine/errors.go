package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kalambet/askcube/internal/ollama"
)

// ErrorType categorizes backend failures.
type ErrorType string

const (
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeModel      ErrorType = "model"
	ErrorTypeServer     ErrorType = "server"
	ErrorTypeBadRequest ErrorType = "bad_request"
	ErrorTypeMalformed  ErrorType = "malformed_response"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeUnknown    ErrorType = "unknown"
)

// Error is a classified backend error.
type Error struct {
	Type       ErrorType
	Message    string
	Retryable  bool
	StatusCode int
	Model      string
	Cause      error
}

func (e *Error) Error() string {
	parts := []string{string(e.Type)}
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	parts = append(parts, e.Message)
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", strings.Join(parts, " "), e.Cause)
	}
	return strings.Join(parts, " ")
}

func (e *Error) Unwrap() error { return e.Cause }

// IsRetryable implements retry.RetryableError.
func (e *Error) IsRetryable() bool { return e.Retryable }

// NewStatusError classifies an HTTP status returned by a provider.
func NewStatusError(statusCode int, model string, cause error) *Error {
	e := &Error{StatusCode: statusCode, Model: model, Cause: cause}
	switch {
	case statusCode == http.StatusTooManyRequests:
		e.Type, e.Message, e.Retryable = ErrorTypeRateLimit, "rate limited", true
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		e.Type, e.Message = ErrorTypeAuth, "authentication failed"
	case statusCode == http.StatusNotFound:
		e.Type, e.Message = ErrorTypeModel, "model or endpoint not found"
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		e.Type, e.Message, e.Retryable = ErrorTypeTimeout, "upstream timeout", true
	case statusCode >= 500:
		e.Type, e.Message, e.Retryable = ErrorTypeServer, "server error", true
	case statusCode >= 400:
		e.Type, e.Message = ErrorTypeBadRequest, "request rejected"
	default:
		e.Type, e.Message = ErrorTypeUnknown, "unexpected status"
	}
	return e
}

// ClassifyError turns any backend error into an *Error. Already classified
// errors are returned unchanged.
func ClassifyError(err error, model string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	var se *ollama.StatusError
	if errors.As(err, &se) {
		return NewStatusError(se.StatusCode, model, err)
	}

	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Type: ErrorTypeCancelled, Message: "request cancelled", Model: model, Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Type: ErrorTypeTimeout, Message: "request timeout", Retryable: true, Model: model, Cause: err}
	}

	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no such host"):
		return &Error{Type: ErrorTypeConnection, Message: "connection failed", Retryable: true, Model: model, Cause: err}
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out"):
		return &Error{Type: ErrorTypeTimeout, Message: "request timeout", Retryable: true, Model: model, Cause: err}
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429"):
		return &Error{Type: ErrorTypeRateLimit, Message: "rate limited", Retryable: true, StatusCode: http.StatusTooManyRequests, Model: model, Cause: err}
	case strings.Contains(lower, "overloaded"):
		return &Error{Type: ErrorTypeServer, Message: "provider overloaded", Retryable: true, Model: model, Cause: err}
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid x-api-key"):
		return &Error{Type: ErrorTypeAuth, Message: "authentication failed", Model: model, Cause: err}
	case strings.Contains(lower, "decoding") || strings.Contains(lower, "empty embeddings") ||
		strings.Contains(lower, "no choices") || strings.Contains(lower, "no text content"):
		return &Error{Type: ErrorTypeMalformed, Message: "malformed response", Model: model, Cause: err}
	}

	return &Error{Type: ErrorTypeUnknown, Message: "backend error", Model: model, Cause: err}
}

// SafeToRetryChat reports whether a failed generation call can be repeated
// without risking a duplicate completion. Only failures where the provider
// never processed the request qualify.
func SafeToRetryChat(err error) bool {
	e := ClassifyError(err, "")
	return e.Type == ErrorTypeRateLimit || e.Type == ErrorTypeConnection
}

// IsRetryable reports whether a failed embedding (or other idempotent) call
// may be repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err, "").Retryable
}
