// Package errors defines the service error type used at the HTTP boundary.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a machine-readable error kind.
type ErrorCode string

const (
	CodeBadRequest       ErrorCode = "bad_request"
	CodeNotFound         ErrorCode = "not_found"
	CodeConflict         ErrorCode = "conflict"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeInvalidToken     ErrorCode = "invalid_token"
	CodeTokenExpired     ErrorCode = "token_expired"
	CodeInsufficientRole ErrorCode = "insufficient_role"
	CodeTransient        ErrorCode = "transient_conflict"
	CodeRateLimited      ErrorCode = "rate_limited"
	CodeInternal         ErrorCode = "internal"
)

// ServiceError carries an error code, a human-readable message, and an HTTP
// status for the response envelope. Details hold optional structured context.
type ServiceError struct {
	Code       ErrorCode              `json:"code"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	cause      error
}

func (e *ServiceError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *ServiceError) Unwrap() error { return e.cause }

// WithDetails attaches a structured detail and returns the error for chaining.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetServiceError returns the ServiceError in err's chain, or nil.
func GetServiceError(err error) *ServiceError {
	var svcErr *ServiceError
	if stderrors.As(err, &svcErr) {
		return svcErr
	}
	return nil
}

// BadRequest marks a validation failure that the caller can correct and retry.
func BadRequest(message string) *ServiceError {
	return &ServiceError{Code: CodeBadRequest, Message: message, HTTPStatus: http.StatusBadRequest}
}

// NotFound marks a missing entity.
func NotFound(message string) *ServiceError {
	return &ServiceError{Code: CodeNotFound, Message: message, HTTPStatus: http.StatusNotFound}
}

// Conflict marks a state conflict such as a duplicate name.
func Conflict(message string) *ServiceError {
	return &ServiceError{Code: CodeConflict, Message: message, HTTPStatus: http.StatusConflict}
}

// Unauthorized marks a missing or unusable credential.
func Unauthorized(message string) *ServiceError {
	return &ServiceError{Code: CodeUnauthorized, Message: message, HTTPStatus: http.StatusUnauthorized}
}

// InvalidToken marks a malformed or badly signed bearer token.
func InvalidToken(cause error) *ServiceError {
	return &ServiceError{Code: CodeInvalidToken, Message: "invalid bearer token", HTTPStatus: http.StatusUnauthorized, cause: cause}
}

// TokenExpired marks an expired bearer token.
func TokenExpired() *ServiceError {
	return &ServiceError{Code: CodeTokenExpired, Message: "bearer token expired", HTTPStatus: http.StatusUnauthorized}
}

// InsufficientRole marks a valid token lacking the required role claim.
func InsufficientRole(required string) *ServiceError {
	e := &ServiceError{Code: CodeInsufficientRole, Message: "insufficient role", HTTPStatus: http.StatusForbidden}
	return e.WithDetails("required_role", required)
}

// RateLimited marks a request rejected by the per-caller rate limiter.
func RateLimited(limit int, window string) *ServiceError {
	e := &ServiceError{Code: CodeRateLimited, Message: "rate limit exceeded", HTTPStatus: http.StatusTooManyRequests}
	e.WithDetails("limit", limit)
	return e.WithDetails("window", window)
}

// Transient marks a contention failure; the caller should retry the request.
func Transient(message string, cause error) *ServiceError {
	return &ServiceError{Code: CodeTransient, Message: message, HTTPStatus: http.StatusServiceUnavailable, cause: cause}
}

// Internal marks an unexpected failure.
func Internal(message string, cause error) *ServiceError {
	return &ServiceError{Code: CodeInternal, Message: message, HTTPStatus: http.StatusInternalServerError, cause: cause}
}
