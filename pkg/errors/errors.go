package errors

import (
	"errors"
	"fmt"
)

// Category classifies an API error by what the caller can do about it.
type Category string

const (
	// CategoryAuth means the provider rejected our credentials or signature.
	CategoryAuth Category = "auth"
	// CategoryValidation means the provider rejected the request content.
	CategoryValidation Category = "validation"
	// CategoryConflict means a duplicate/idempotency-key collision.
	CategoryConflict Category = "conflict"
	// CategoryTransient means the failure is expected to clear on retry.
	CategoryTransient Category = "transient"
	// CategoryUnavailable means a dependency of ours (Redis, Postgres) is down.
	CategoryUnavailable Category = "unavailable"
	// CategoryUnexpected covers everything we cannot classify.
	CategoryUnexpected Category = "unexpected"
)

// APIError is the typed error carried across the outbound pipeline and
// infrastructure boundaries. Webhook verification outcomes are verdict
// values, not errors; APIError is only produced where something failed.
type APIError struct {
	Category     Category
	HTTPStatus   int // provider response status, 0 when none was received
	ProviderCode string
	Message      string
	Details      string
	Cause        error
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Category, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

func (e *APIError) WithStatus(status int) *APIError {
	e.HTTPStatus = status
	return e
}

func (e *APIError) WithProviderCode(code string) *APIError {
	e.ProviderCode = code
	return e
}

func NewAPIError(category Category, message, details string) *APIError {
	return &APIError{
		Category: category,
		Message:  message,
		Details:  details,
	}
}

func WrapAPIError(err error, category Category, message, details string) *APIError {
	return &APIError{
		Category: category,
		Message:  message,
		Details:  details,
		Cause:    err,
	}
}

func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// GetCategory returns the category of err, or CategoryUnexpected when err is
// not an APIError.
func GetCategory(err error) Category {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Category
	}
	return CategoryUnexpected
}

// IsRetryable reports whether err is worth retrying. Only transient failures
// qualify; auth, validation and conflict errors will not improve on retry.
func IsRetryable(err error) bool {
	return GetCategory(err) == CategoryTransient
}

// GetHTTPStatus maps err to the status an HTTP layer should respond with.
func GetHTTPStatus(err error) int {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return 500
	}

	switch apiErr.Category {
	case CategoryValidation:
		return 400
	case CategoryAuth:
		return 401
	case CategoryConflict:
		return 409
	case CategoryTransient, CategoryUnavailable:
		return 503
	default:
		return 500
	}
}
