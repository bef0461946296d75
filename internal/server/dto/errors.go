// Structured API error types shared by the HTTP handlers.
package dto

import (
	"fmt"
	"net/http"
)

// Code is a machine-readable error code.
type Code string

// Error codes.
const (
	CodeBadRequest    Code = "BAD_REQUEST"
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeInternalError Code = "INTERNAL_ERROR"
)

// APIError carries an HTTP status code, error code, optional details, and an
// optional wrapped error.
type APIError struct {
	statusCode int
	code       Code
	message    string
	details    map[string]any
	wrappedErr error
}

func (e *APIError) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// StatusCode returns the HTTP status.
func (e *APIError) StatusCode() int {
	return e.statusCode
}

// ErrCode returns the machine-readable code.
func (e *APIError) ErrCode() Code {
	return e.code
}

// Details returns the optional details map.
func (e *APIError) Details() map[string]any {
	return e.details
}

func (e *APIError) Unwrap() error {
	return e.wrappedErr
}

// WithDetail adds a single key/value to the error details.
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// Wrap wraps an underlying error.
func (e *APIError) Wrap(err error) *APIError {
	e.wrappedErr = err
	return e
}

// Constructors.

// BadRequest is a 400.
func BadRequest(msg string) *APIError {
	return &APIError{statusCode: http.StatusBadRequest, code: CodeBadRequest, message: msg}
}

// Validation is a 422: the request parsed but failed schema or semantic
// checks. The message is surfaced verbatim.
func Validation(msg string) *APIError {
	return &APIError{statusCode: http.StatusUnprocessableEntity, code: CodeValidation, message: msg}
}

// NotFound is a 404.
func NotFound(resource string) *APIError {
	return &APIError{statusCode: http.StatusNotFound, code: CodeNotFound, message: resource + " not found"}
}

// Conflict is a 409.
func Conflict(msg string) *APIError {
	return &APIError{statusCode: http.StatusConflict, code: CodeConflict, message: msg}
}

// Internal is a 500.
func Internal(msg string) *APIError {
	return &APIError{statusCode: http.StatusInternalServerError, code: CodeInternalError, message: msg}
}
