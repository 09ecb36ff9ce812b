package shared

import (
	"fmt"
	"strings"
)

// DomainError represents a domain-level error with a machine-readable code
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Denial and failure codes surfaced to callers of the enforcement surface.
// Expected denials travel as tagged result values carrying one of these
// codes; only unexpected failures use the error channel.
const (
	CodeValidationError      = "VALIDATION_ERROR"
	CodeDuplicateEvent       = "DUPLICATE_EVENT"
	CodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	CodeUsageLimitExceeded   = "USAGE_LIMIT_EXCEEDED"
	CodeFeatureNotAvailable  = "FEATURE_NOT_AVAILABLE"
	CodeSubscriptionInactive = "SUBSCRIPTION_INACTIVE"
	CodeStoreUnavailable     = "STORE_UNAVAILABLE"
)

// Common domain errors
var (
	ErrNotFound         = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists    = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput     = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrUnauthorized     = NewDomainError("UNAUTHORIZED", "Not authorized to perform this action")
	ErrForbidden        = NewDomainError("FORBIDDEN", "Access to this resource is forbidden")
	ErrStoreUnavailable = NewDomainError(CodeStoreUnavailable, "Backing store is unreachable or timed out")
)

// ValidationError reports every violated rule from usage-event validation,
// not just the first one encountered.
type ValidationError struct {
	Violations []string `json:"violations"`
}

// Error implements the error interface
func (e *ValidationError) Error() string {
	return fmt.Sprintf("usage event validation failed: %s", strings.Join(e.Violations, "; "))
}

// NewValidationError creates a validation error from one or more violations
func NewValidationError(violations ...string) *ValidationError {
	return &ValidationError{Violations: violations}
}
