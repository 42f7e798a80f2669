package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation   ErrorType = "validation"
	ErrorTypeNotFound     ErrorType = "not_found"
	ErrorTypeConflict     ErrorType = "conflict"
	ErrorTypeStorage      ErrorType = "storage"
	ErrorTypeDelivery     ErrorType = "delivery"
	ErrorTypeUnauthorized ErrorType = "unauthorized"
	ErrorTypeForbidden    ErrorType = "forbidden"
	ErrorTypeInternal     ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches on type, and on message when the target carries one
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	if e.Type != t.Type {
		return false
	}
	return t.Message == "" || e.Message == t.Message
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Not Found Errors
	ErrProjectNotFound = NewDomainError(ErrorTypeNotFound, "project not found", nil)
	ErrAppNotFound     = NewDomainError(ErrorTypeNotFound, "app not found", nil)
	ErrVersionNotFound = NewDomainError(ErrorTypeNotFound, "version not found", nil)
	ErrTokenNotFound   = NewDomainError(ErrorTypeNotFound, "token not found", nil)
	ErrWebhookNotFound = NewDomainError(ErrorTypeNotFound, "webhook not found", nil)
	ErrFileNotFound    = NewDomainError(ErrorTypeNotFound, "file not found", nil)

	// Validation Errors
	ErrInvalidInput    = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidName     = NewDomainError(ErrorTypeValidation, "invalid name", nil)
	ErrBadManifest     = NewDomainError(ErrorTypeValidation, "bad manifest", nil)
	ErrBadHash         = NewDomainError(ErrorTypeValidation, "bad hash", nil)
	ErrInvalidScope    = NewDomainError(ErrorTypeValidation, "invalid scope", nil)
	ErrInvalidConfig   = NewDomainError(ErrorTypeValidation, "invalid configuration", nil)
	ErrInvalidWebhook  = NewDomainError(ErrorTypeValidation, "invalid webhook", nil)
	ErrInvalidArchive  = NewDomainError(ErrorTypeValidation, "invalid archive", nil)
	ErrEmptyPermission = NewDomainError(ErrorTypeValidation, "at least one permission is required", nil)

	// Authorization Errors
	ErrUnauthorized = NewDomainError(ErrorTypeUnauthorized, "unauthorized", nil)
	ErrInvalidToken = NewDomainError(ErrorTypeUnauthorized, "invalid authentication token", nil)
	ErrTokenExpired = NewDomainError(ErrorTypeUnauthorized, "authentication token expired", nil)

	// Permission Errors
	ErrForbidden               = NewDomainError(ErrorTypeForbidden, "access forbidden", nil)
	ErrInsufficientPermissions = NewDomainError(ErrorTypeForbidden, "insufficient permissions", nil)
	ErrOutOfScope              = NewDomainError(ErrorTypeForbidden, "resource outside token scope", nil)

	// Conflict Errors
	ErrVersionPublished    = NewDomainError(ErrorTypeConflict, "version is published", nil)
	ErrVersionInUse        = NewDomainError(ErrorTypeConflict, "version in use", nil)
	ErrVersionNotPublished = NewDomainError(ErrorTypeConflict, "version is not published", nil)
	ErrDuplicateName       = NewDomainError(ErrorTypeConflict, "name already exists", nil)
	ErrConcurrentUpdate    = NewDomainError(ErrorTypeConflict, "concurrent update detected", nil)

	// Storage Errors
	ErrStorageUnavailable = NewDomainError(ErrorTypeStorage, "storage unavailable", nil)
	ErrDatabaseError      = NewDomainError(ErrorTypeStorage, "database error", nil)

	// Delivery Errors
	ErrDeliveryFailed = NewDomainError(ErrorTypeDelivery, "webhook delivery failed", nil)

	// Internal Errors
	ErrInternal          = NewDomainError(ErrorTypeInternal, "internal server error", nil)
	ErrTransactionFailed = NewDomainError(ErrorTypeInternal, "transaction failed", nil)
)

// Error type checking helper functions

func hasType(err error, errType ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == errType
	}
	return false
}

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

// IsUnauthorizedError checks if an error is an unauthorized error
func IsUnauthorizedError(err error) bool {
	return hasType(err, ErrorTypeUnauthorized)
}

// IsForbiddenError checks if an error is a forbidden error
func IsForbiddenError(err error) bool {
	return hasType(err, ErrorTypeForbidden)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsStorageError checks if an error is a blob or database I/O error
func IsStorageError(err error) bool {
	return hasType(err, ErrorTypeStorage)
}

// IsDeliveryError checks if an error is a webhook delivery error
func IsDeliveryError(err error) bool {
	return hasType(err, ErrorTypeDelivery)
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapStorage wraps an error as a storage error. Domain errors pass through unchanged.
func WrapStorage(message string, err error) error {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	return NewDomainError(ErrorTypeStorage, message, err)
}

// Validation returns a validation error carrying the given message
func Validation(format string, args ...interface{}) error {
	return NewDomainError(ErrorTypeValidation, fmt.Sprintf(format, args...), nil)
}

// Wrap copies a sentinel and attaches the cause
func Wrap(sentinel *DomainError, err error) *DomainError {
	return &DomainError{
		Type:    sentinel.Type,
		Message: sentinel.Message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}
