package errorx

import (
	"fmt"
	"net/http"
)

// Kind is the stable, client-visible error code
type Kind string

const (
	KindValidation   Kind = "VALIDATION_ERROR"
	KindBadRequest   Kind = "BAD_REQUEST"
	KindUnauthorized Kind = "UNAUTHORIZED"
	KindForbidden    Kind = "FORBIDDEN"
	KindNotFound     Kind = "NOT_FOUND"
	KindConflict     Kind = "CONFLICT"
	KindRateLimit    Kind = "RATE_LIMIT"
	KindDatabase     Kind = "DATABASE_ERROR"
	KindExternalAPI  Kind = "EXTERNAL_API_ERROR"
	KindInternal     Kind = "INTERNAL_ERROR"
)

// HTTPStatus maps the kind to its response status
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation, KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimit:
		return http.StatusTooManyRequests
	case KindExternalAPI:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// FieldError describes a single invalid input field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError is an error that carries everything the translator needs to build a response
type APIError struct {
	Kind    Kind
	Message string
	Fields  []FieldError
	Details map[string]any
	cause   error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause
func (e *APIError) Unwrap() error {
	return e.cause
}

// Cause returns the wrapped error, if any
func (e *APIError) Cause() error {
	return e.cause
}

// WithDetail adds a client-visible detail to the error
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithField appends a field-level validation message
func (e *APIError) WithField(field, message string) *APIError {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
	return e
}

// WithCause attaches an internal cause; it is only shown in debug output
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

func newError(kind Kind, format string, args ...any) *APIError {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &APIError{Kind: kind, Message: msg}
}

func Validation(format string, args ...any) *APIError {
	return newError(KindValidation, format, args...)
}

func BadRequest(format string, args ...any) *APIError {
	return newError(KindBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *APIError {
	return newError(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *APIError {
	return newError(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *APIError {
	return newError(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *APIError {
	return newError(KindConflict, format, args...)
}

func RateLimited(format string, args ...any) *APIError {
	return newError(KindRateLimit, format, args...)
}

// Database wraps a storage failure
func Database(err error) *APIError {
	return newError(KindDatabase, "database operation failed").WithCause(err)
}

// External wraps a failure of an upstream provider
func External(message string, err error) *APIError {
	return newError(KindExternalAPI, "%s", message).WithCause(err)
}

// Internal wraps an unexpected failure
func Internal(err error) *APIError {
	return newError(KindInternal, "internal server error").WithCause(err)
}
