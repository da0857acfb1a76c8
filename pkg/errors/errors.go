// Package errors defines unified error types for relay and scheduling operations.
// Upstream provider failures and scheduler outcomes are mapped to these standard error types.
package errors

import (
	"fmt"
	"net/http"
)

// LLMError represents a standardized error from the gateway or an upstream provider.
// It contains all necessary information for error handling, logging, and client response.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`

	// UpstreamStatus is the raw status returned by the provider, zero when the
	// error did not come from an upstream response.
	UpstreamStatus int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	msg := fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *LLMError) Unwrap() error {
	return e.cause
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency.
const (
	TypeAuthentication      = "authentication_error"
	TypePermissionDenied    = "permission_error"
	TypeRateLimit           = "rate_limit_error"
	TypeInvalidRequest      = "invalid_request_error"
	TypeNotFound            = "not_found_error"
	TypeTimeout             = "timeout_error"
	TypeServiceUnavailable  = "service_unavailable_error"
	TypeNoAvailableAccounts = "no_available_accounts"
	TypeUpstream            = "upstream_error"
	TypeOverloaded          = "overloaded_error"
	TypeStore               = "store_error"
	TypeInternalError       = "internal_error"
)

// StatusOverloaded is the non-standard status Anthropic uses for overload.
const StatusOverloaded = 529

// NewNoAvailableAccountsError reports that no eligible account exists (503).
// platform and model describe what the scheduler tried to satisfy.
func NewNoAvailableAccountsError(platform, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeNoAvailableAccounts,
		Provider:   platform,
		Model:      model,
		Retryable:  false,
	}
}

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewPermissionDeniedError creates a permission error (403).
func NewPermissionDeniedError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypePermissionDenied,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (504).
func NewTimeoutError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusGatewayTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewUpstreamError wraps a non-2xx or transport failure from a provider.
// Client errors keep their status; everything else becomes 502.
func NewUpstreamError(provider, model string, upstreamStatus int, message string) *LLMError {
	status := http.StatusBadGateway
	errType := TypeUpstream
	retryable := true
	switch {
	case upstreamStatus == http.StatusTooManyRequests:
		status = http.StatusTooManyRequests
		errType = TypeRateLimit
	case upstreamStatus == StatusOverloaded:
		status = http.StatusServiceUnavailable
		errType = TypeOverloaded
	case upstreamStatus >= 400 && upstreamStatus < 500:
		status = upstreamStatus
		retryable = upstreamStatus == http.StatusUnauthorized || upstreamStatus == http.StatusForbidden
	}
	return &LLMError{
		StatusCode:     status,
		Message:        message,
		Type:           errType,
		Provider:       provider,
		Model:          model,
		Retryable:      retryable,
		UpstreamStatus: upstreamStatus,
	}
}

// NewStoreError wraps a shared state store failure. The request fails fast.
func NewStoreError(op string, cause error) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    "shared state " + op + " failed",
		Type:       TypeStore,
		Retryable:  false,
		cause:      cause,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// WithCause attaches an underlying error and returns e.
func (e *LLMError) WithCause(err error) *LLMError {
	e.cause = err
	return e
}
