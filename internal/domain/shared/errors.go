package shared

import "errors"

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is reports whether target carries the same error code, so a detailed error
// built with NewDomainError still matches the package sentinels.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Error codes
const (
	CodeNotFound             = "NOT_FOUND"
	CodeAlreadyExists        = "ALREADY_EXISTS"
	CodeInvalidInput         = "INVALID_INPUT"
	CodeValidation           = "VALIDATION_ERROR"
	CodeConcurrencyConflict  = "CONCURRENCY_CONFLICT"
	CodeUpstreamUnavailable  = "UPSTREAM_UNAVAILABLE"
	CodeUnsupportedOperation = "UNSUPPORTED_OPERATION"
)

// Common domain errors
var (
	ErrNotFound             = NewDomainError(CodeNotFound, "Resource not found")
	ErrInvalidInput         = NewDomainError(CodeInvalidInput, "Invalid input provided")
	ErrValidation           = NewDomainError(CodeValidation, "Required field is missing or empty")
	ErrDuplicateName        = NewDomainError(CodeAlreadyExists, "An entity with the same name already exists")
	ErrVersionConflict      = NewDomainError(CodeConcurrencyConflict, "This record has already been updated by another request")
	ErrUpstreamUnavailable  = NewDomainError(CodeUpstreamUnavailable, "Upstream parameter service is unavailable")
	ErrUnsupportedOperation = NewDomainError(CodeUnsupportedOperation, "Operation is not supported")
)
