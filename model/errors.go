package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest      = "BAD_REQUEST"
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrForbidden       = "FORBIDDEN"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrValidationError = "VALIDATION_ERROR"
	ErrInternalError   = "INTERNAL_ERROR"
)

// Orchestration error codes.
const (
	ErrNodeExecution   = "NODE_EXECUTION_ERROR"
	ErrPolicyViolation = "POLICY_VIOLATION"
	ErrApprovalExpired = "APPROVAL_EXPIRED"
	ErrAlreadyResolved = "ALREADY_RESOLVED"
	ErrBudgetExceeded  = "BUDGET_EXCEEDED"
	ErrCaseNotActive   = "CASE_NOT_ACTIVE"
	ErrCancelled       = "CANCELLED"
)

// ErrorEnvelope is the standard error response envelope returned by the API.
// It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewNodeExecutionError returns a NODE_EXECUTION_ERROR for a failed node attempt.
func NewNodeExecutionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNodeExecution, Message: msg}
}

// NewPolicyViolationError returns a POLICY_VIOLATION error for a blocking verdict.
func NewPolicyViolationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPolicyViolation, Message: msg}
}

// NewApprovalExpiredError returns an APPROVAL_EXPIRED error.
func NewApprovalExpiredError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrApprovalExpired, Message: msg}
}

// NewAlreadyResolvedError returns an ALREADY_RESOLVED error. Resolving an
// approval request is terminal; repeat attempts always fail with this code.
func NewAlreadyResolvedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrAlreadyResolved, Message: msg}
}

// NewBudgetExceededError returns a BUDGET_EXCEEDED error.
func NewBudgetExceededError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBudgetExceeded, Message: msg}
}

// NewCaseNotActiveError returns a CASE_NOT_ACTIVE error.
func NewCaseNotActiveError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrCaseNotActive, Message: msg}
}

// NewCancelledError returns a CANCELLED error for kill-switch interruptions.
func NewCancelledError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrCancelled, Message: msg}
}
