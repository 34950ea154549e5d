// Package errors defines the failure taxonomy shared by the ledger,
// decision engine and execution coordinator.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/copy-trader/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryPolicy represents a policy rejection. Not a failure: the
	// engine evaluated the event and declined it. Never retried.
	CategoryPolicy ErrorCategory = "policy"
	// CategoryTransient represents a recoverable execution failure
	// (timeouts, backend unavailable, chain congestion). Retried with
	// backoff.
	CategoryTransient ErrorCategory = "transient"
	// CategoryPermanent represents a non-recoverable execution failure
	// (chain-rejected transaction, insufficient balance at submission).
	CategoryPermanent ErrorCategory = "permanent"
	// CategoryLedger represents a ledger consistency violation. Always
	// rejected locally; a duplicate signature with a different payload is
	// fatal and requires operator attention.
	CategoryLedger ErrorCategory = "ledger"
	// CategoryValidation represents bad caller input on the API surface.
	CategoryValidation ErrorCategory = "validation"
	// CategoryNotFound represents a missing resource.
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryDatabase represents persistent store errors.
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents everything else (5xx).
	CategorySystem ErrorCategory = "system"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError for API responses.
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewPolicyRejection creates a policy rejection. Reason is the failing
// check, in the order the policy chain evaluates them.
func NewPolicyRejection(reason string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPolicy,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "POLICY_REJECTED",
		Message:    reason,
		Details:    details,
	}
}

// NewTransientExecutionError creates a retryable execution failure.
func NewTransientExecutionError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryTransient,
		StatusCode: http.StatusBadGateway,
		Code:       "TRANSIENT_EXECUTION_FAILURE",
		Message:    fmt.Sprintf("transient failure during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewPermanentExecutionError creates a non-retryable execution failure.
func NewPermanentExecutionError(reason string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryPermanent,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       "PERMANENT_EXECUTION_FAILURE",
		Message:    reason,
		Cause:      cause,
	}
}

// NewLedgerViolation creates a ledger consistency violation.
func NewLedgerViolation(reason string, details map[string]interface{}) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryLedger,
		StatusCode: http.StatusConflict,
		Code:       "LEDGER_CONSISTENCY_VIOLATION",
		Message:    reason,
		Details:    details,
	}
}

// NewValidationError creates an invalid input error.
func NewValidationError(param, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       "INVALID_PARAMETER",
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(resource, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       "NOT_FOUND",
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewDatabaseError creates a database error.
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       "DATABASE_ERROR",
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// NewInternalError creates an internal server error.
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error, defaulting to internal.
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	return NewInternalError("unexpected error", err)
}

// IsRetryable reports whether the execution coordinator should retry
// after this error. Only transient execution failures qualify.
func IsRetryable(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryTransient
}

// IsPolicyRejection reports whether the error is a normal terminal
// policy outcome rather than a failure.
func IsPolicyRejection(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryPolicy
}

// IsPermanent reports whether the error is a permanent execution failure.
func IsPermanent(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryPermanent
}

// IsLedgerViolation reports whether the error is a ledger consistency
// violation.
func IsLedgerViolation(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryLedger
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}
