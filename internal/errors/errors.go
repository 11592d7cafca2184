package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Webhook authentication
	ErrCodeMalformedHeader  ErrorCode = "MALFORMED_SIGNATURE_HEADER"
	ErrCodeExpired          ErrorCode = "SIGNATURE_EXPIRED"
	ErrCodeInvalidSignature ErrorCode = "INVALID_SIGNATURE"

	// Call correlation
	ErrCodeDuplicateKey ErrorCode = "DUPLICATE_KEY"
	ErrCodeUnknownKey   ErrorCode = "UNKNOWN_KEY"

	// Record store
	ErrCodeStoreTransient    ErrorCode = "STORE_TRANSIENT"
	ErrCodeStoreValidation   ErrorCode = "STORE_VALIDATION"
	ErrCodeStoreUnauthorized ErrorCode = "STORE_UNAUTHORIZED"

	// Realtime fan-out
	ErrCodeCapacityExceeded ErrorCode = "CAPACITY_EXCEEDED"

	// Request handling
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func MalformedHeader(reason string) *AppError {
	return New(ErrCodeMalformedHeader, fmt.Sprintf("Malformed signature header: %s", reason))
}

func Expired() *AppError {
	return New(ErrCodeExpired, "Signature timestamp outside tolerance")
}

func InvalidSignature() *AppError {
	return New(ErrCodeInvalidSignature, "Invalid signature")
}

func DuplicateKey(key string) *AppError {
	return New(ErrCodeDuplicateKey, fmt.Sprintf("Call %s already exists", key))
}

func UnknownKey(key string) *AppError {
	return New(ErrCodeUnknownKey, fmt.Sprintf("Call %s not found", key))
}

func StoreTransient(op string, cause error) *AppError {
	return Wrap(ErrCodeStoreTransient, fmt.Sprintf("Record store unavailable: %s", op), cause)
}

// StoreValidation records the attribute names the store rejected in Details.
func StoreValidation(message string, fields []string) *AppError {
	return New(ErrCodeStoreValidation, message).WithDetails(fields)
}

func StoreUnauthorized(message string) *AppError {
	return New(ErrCodeStoreUnauthorized, message)
}

func CapacityExceeded(limit int) *AppError {
	return New(ErrCodeCapacityExceeded, fmt.Sprintf("Connection limit of %d reached", limit))
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err is an AppError carrying code.
func IsCode(err error, code ErrorCode) bool {
	appErr, ok := AsAppError(err)
	return ok && appErr.Code == code
}

// ValidationFields returns the rejected attribute names of a STORE_VALIDATION error.
func ValidationFields(err error) []string {
	appErr, ok := AsAppError(err)
	if !ok || appErr.Code != ErrCodeStoreValidation {
		return nil
	}
	fields, _ := appErr.Details.([]string)
	return fields
}
