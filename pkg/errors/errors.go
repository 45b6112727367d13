package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies an application error.
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"
	// ErrorTypeBadRequest indicates invalid input
	ErrorTypeBadRequest ErrorType = "BAD_REQUEST"
	// ErrorTypeConflict indicates an operation conflicts with current state
	ErrorTypeConflict ErrorType = "CONFLICT"
	// ErrorTypeInternal indicates an internal error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeConfiguration indicates a test could not be constructed
	// (missing device profile or probe settings); fatal to the single
	// test, never to the pool
	ErrorTypeConfiguration ErrorType = "CONFIGURATION"
	// ErrorTypeUpstreamUnavailable indicates session negotiation or a
	// manifest fetch against the media server failed
	ErrorTypeUpstreamUnavailable ErrorType = "UPSTREAM_UNAVAILABLE"
	// ErrorTypeInvalidManifest indicates the master playlist lacked the
	// adaptive-streaming header marker
	ErrorTypeInvalidManifest ErrorType = "INVALID_MANIFEST"
	// ErrorTypeNoVariants indicates the master playlist listed no
	// variant streams
	ErrorTypeNoVariants ErrorType = "NO_VARIANTS"
	// ErrorTypeNoSegments indicates zero bytes were downloaded even
	// though the manifests looked valid; the transcode silently failed
	// server-side
	ErrorTypeNoSegments ErrorType = "NO_SEGMENTS"
	// ErrorTypeResolution indicates catalog pagination or item fetch
	// failed while resolving a run's scope
	ErrorTypeResolution ErrorType = "RESOLUTION"
)

// AppError represents an application error with a classification.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error returns the error message.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new application error.
func New(errorType ErrorType, message string) error {
	return &AppError{Type: errorType, Message: message}
}

// Wrap wraps an error with an application error.
func Wrap(errorType ErrorType, message string, err error) error {
	return &AppError{Type: errorType, Message: message, Err: err}
}

// NotFound creates a not found error.
func NotFound(message string) error {
	return New(ErrorTypeNotFound, message)
}

// BadRequest creates a bad request error.
func BadRequest(message string) error {
	return New(ErrorTypeBadRequest, message)
}

// Conflict creates a conflict error.
func Conflict(message string) error {
	return New(ErrorTypeConflict, message)
}

// Internal creates an internal error.
func Internal(message string) error {
	return New(ErrorTypeInternal, message)
}

// Configuration creates a configuration error.
func Configuration(message string) error {
	return New(ErrorTypeConfiguration, message)
}

// UpstreamUnavailable creates an upstream unavailable error.
func UpstreamUnavailable(message string, err error) error {
	return Wrap(ErrorTypeUpstreamUnavailable, message, err)
}

// InvalidManifest creates an invalid manifest error.
func InvalidManifest(message string) error {
	return New(ErrorTypeInvalidManifest, message)
}

// NoVariants creates a no variants error.
func NoVariants(message string) error {
	return New(ErrorTypeNoVariants, message)
}

// NoSegments creates a no segments downloaded error.
func NoSegments(message string) error {
	return New(ErrorTypeNoSegments, message)
}

// Resolution creates a scope resolution error.
func Resolution(message string, err error) error {
	return Wrap(ErrorTypeResolution, message, err)
}

// TypeOf returns the classification of err, or ErrorTypeInternal for
// errors that are not AppErrors.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// IsType checks whether err carries the given classification.
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return IsType(err, ErrorTypeNotFound)
}

// IsBadRequest checks if an error is a bad request error.
func IsBadRequest(err error) bool {
	return IsType(err, ErrorTypeBadRequest)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return IsType(err, ErrorTypeConflict)
}

// IsInvalidManifest checks if an error is an invalid manifest error.
func IsInvalidManifest(err error) bool {
	return IsType(err, ErrorTypeInvalidManifest)
}

// IsNoSegments checks if an error is a no segments downloaded error.
func IsNoSegments(err error) bool {
	return IsType(err, ErrorTypeNoSegments)
}
