// Package errors provides structured error types for the detector.
// Every error carries a category, a code, a message and a retryable flag so
// the HTTP and gRPC layers can map it to a status without string matching.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies errors by the rule they violate.
type ErrorCategory string

const (
	ErrCategoryValidation ErrorCategory = "VALIDATION"
	ErrCategoryAuth       ErrorCategory = "AUTH"
	ErrCategoryTenant     ErrorCategory = "TENANT"
	ErrCategoryStorage    ErrorCategory = "STORAGE"
	ErrCategoryInternal   ErrorCategory = "INTERNAL"
)

// Error codes. Auth and tenant codes double as the public denial reasons.
const (
	// Validation codes
	CodeMalformedPayload = "malformed_payload"
	CodeInvalidRange     = "invalid_range"
	CodeInvalidFamily    = "invalid_family"
	CodeInvalidTimestamp = "invalid_timestamp"
	CodePayloadTooLarge  = "payload_too_large"

	// Tenant codes
	CodeTenantNotConfigured = "tenant_not_configured"
	CodeHostNotAllowed      = "host_not_allowed"

	// Auth codes
	CodeDashboardUnauthorized = "dashboard_unauthorized"
	CodeIngestUnauthorized    = "ingest_unauthorized"
	CodeAdminUnauthorized     = "admin_unauthorized"

	// Storage codes
	CodeReadFailed   = "read_failed"
	CodeWriteFailed  = "write_failed"
	CodeCorruptValue = "corrupt_value"

	// Internal codes
	CodeUnexpected = "unexpected"
)

// DetectorError is the structured error type used throughout the system.
type DetectorError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

// Error returns a formatted error string.
func (e *DetectorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *DetectorError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches this error's category and code.
func (e *DetectorError) Is(target error) bool {
	var t *DetectorError
	if errors.As(target, &t) {
		return e.Category == t.Category && e.Code == t.Code
	}
	return false
}

// New creates a new DetectorError.
func New(category ErrorCategory, code, message string) *DetectorError {
	return &DetectorError{
		Category:  category,
		Code:      code,
		Message:   message,
		Retryable: isRetryable(category, code),
	}
}

// Wrap creates a new DetectorError wrapping an existing error.
func Wrap(category ErrorCategory, code, message string, cause error) *DetectorError {
	return &DetectorError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: isRetryable(category, code),
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DetectorError) WithDetails(details map[string]interface{}) *DetectorError {
	cp := *e
	cp.Details = details
	return &cp
}

// IsRetryable checks whether an error (or its chain) is retryable.
func IsRetryable(err error) bool {
	var de *DetectorError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// GetCategory extracts the error category from an error chain.
// Returns empty string if the error is not a DetectorError.
func GetCategory(err error) ErrorCategory {
	var de *DetectorError
	if errors.As(err, &de) {
		return de.Category
	}
	return ""
}

// GetCode extracts the error code from an error chain.
// Returns empty string if the error is not a DetectorError.
func GetCode(err error) string {
	var de *DetectorError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// Transient storage failures are the only retryable errors. A corrupt value
// stays corrupt no matter how often it is read.
func isRetryable(category ErrorCategory, code string) bool {
	switch {
	case category == ErrCategoryStorage && code == CodeReadFailed:
		return true
	case category == ErrCategoryStorage && code == CodeWriteFailed:
		return true
	default:
		return false
	}
}

// Convenience constructors for common errors.

func NewValidationError(code, message string) *DetectorError {
	return New(ErrCategoryValidation, code, message)
}

func NewTenantError(code, message string) *DetectorError {
	return New(ErrCategoryTenant, code, message)
}

func NewAuthError(code, message string) *DetectorError {
	return New(ErrCategoryAuth, code, message)
}

func NewStorageError(code, message string, cause error) *DetectorError {
	return Wrap(ErrCategoryStorage, code, message, cause)
}

func NewInternalError(message string, cause error) *DetectorError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}

// Denial converts an authorization denial reason into the matching error.
// Tenant-level reasons keep the TENANT category so callers can tell an
// unconfigured host apart from a bad credential.
func Denial(reason string) *DetectorError {
	switch reason {
	case CodeTenantNotConfigured, CodeHostNotAllowed:
		return NewTenantError(reason, reason)
	default:
		return NewAuthError(reason, reason)
	}
}
