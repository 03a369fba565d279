// Package errors defines the service error taxonomy shared by the HTTP layer
// and the services it fronts.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable code returned to API clients.
type ErrorCode string

const (
	CodeInvalidRequest     ErrorCode = "INVALID_REQUEST"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeProductNotFound    ErrorCode = "PRODUCT_NOT_FOUND"
	CodeSessionNotFound    ErrorCode = "SESSION_NOT_FOUND"
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodePaymentRequired    ErrorCode = "PAYMENT_REQUIRED"
	CodePaymentFailed      ErrorCode = "PAYMENT_FAILED"
	CodeInsufficientBudget ErrorCode = "INSUFFICIENT_BUDGET"
	CodeConflict           ErrorCode = "CONFLICT"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeRateLimitExceeded  ErrorCode = "RATE_LIMIT_EXCEEDED"
	CodeInternal           ErrorCode = "INTERNAL_ERROR"
)

// ServiceError carries an HTTP status and code alongside the wrapped cause.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// WithDetails returns a copy of e with key set in its details.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	clone := *e
	clone.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		clone.Details[k] = v
	}
	clone.Details[key] = value
	return &clone
}

func newError(code ErrorCode, status int, message string, err error) *ServiceError {
	return &ServiceError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// InvalidRequest reports a malformed request body or parameter.
func InvalidRequest(message string) *ServiceError {
	return newError(CodeInvalidRequest, http.StatusBadRequest, message, nil)
}

// Validation reports input that parsed but violates a business rule.
func Validation(message string, err error) *ServiceError {
	return newError(CodeValidation, http.StatusBadRequest, message, err)
}

// ProductNotFound reports an unknown product id.
func ProductNotFound(id string) *ServiceError {
	return newError(CodeProductNotFound, http.StatusNotFound, "product not found", nil).WithDetails("id", id)
}

// SessionNotFound reports an unknown session id.
func SessionNotFound(id string) *ServiceError {
	return newError(CodeSessionNotFound, http.StatusNotFound, "session not found", nil).WithDetails("id", id)
}

// NotFound reports any other missing resource.
func NotFound(resource string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, resource+" not found", nil)
}

// PaymentRequired is returned when a paid resource is requested without a payment.
func PaymentRequired(message string) *ServiceError {
	return newError(CodePaymentRequired, http.StatusPaymentRequired, message, nil)
}

// PaymentFailed is returned when a presented payment does not verify.
func PaymentFailed(err error) *ServiceError {
	return newError(CodePaymentFailed, http.StatusPaymentRequired, "payment verification failed", err)
}

// InsufficientBudget is returned when a spend exceeds the remaining budget.
func InsufficientBudget(err error) *ServiceError {
	return newError(CodeInsufficientBudget, http.StatusConflict, "insufficient budget", err)
}

// Conflict reports a request that collides with existing state.
func Conflict(message string, err error) *ServiceError {
	return newError(CodeConflict, http.StatusConflict, message, err)
}

// Forbidden reports an operation disabled by policy.
func Forbidden(message string) *ServiceError {
	return newError(CodeForbidden, http.StatusForbidden, message, nil)
}

// RateLimitExceeded reports a throttled client.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimitExceeded, http.StatusTooManyRequests, "rate limit exceeded", nil).
		WithDetails("limit", limit).
		WithDetails("window", window)
}

// Internal wraps an unexpected failure.
func Internal(message string, err error) *ServiceError {
	return newError(CodeInternal, http.StatusInternalServerError, message, err)
}

// GetServiceError returns the first ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var serviceErr *ServiceError
	if stderrors.As(err, &serviceErr) {
		return serviceErr
	}
	return nil
}

// Is and As re-export the standard helpers so callers importing this package
// under the name errors keep access to them.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// New re-exports errors.New.
func New(text string) error { return stderrors.New(text) }
