package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest        = "BAD_REQUEST"
	ErrNotFound          = "NOT_FOUND"
	ErrConflict          = "CONFLICT"
	ErrValidationError   = "VALIDATION_ERROR"
	ErrInvalidTransition = "INVALID_TRANSITION"
	ErrInternalError     = "INTERNAL_ERROR"
)

// Orchestration error codes.
const (
	ErrUnknownRole           = "UNKNOWN_ROLE"
	ErrDuplicateCase         = "DUPLICATE_CASE"
	ErrDispatch              = "DISPATCH_ERROR"
	ErrTaskTimeout           = "TASK_TIMEOUT"
	ErrDependencyUnsatisfied = "DEPENDENCY_UNSATISFIED"
)

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
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

// NewInvalidTransitionError returns an INVALID_TRANSITION error.
func NewInvalidTransitionError(from, to string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidTransition,
		Message: fmt.Sprintf("cannot transition from %q to %q", from, to),
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnknownRoleError returns an UNKNOWN_ROLE error for a role with no
// registered endpoint.
func NewUnknownRoleError(role string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrUnknownRole,
		Message: fmt.Sprintf("no endpoint registered for role %q", role),
	}
}

// NewDuplicateCaseError returns a DUPLICATE_CASE error for a resubmission
// of a case that is still active.
func NewDuplicateCaseError(caseID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDuplicateCase,
		Message: fmt.Sprintf("case %q already exists and is active", caseID),
	}
}

// NewDispatchError returns a DISPATCH_ERROR for an unreachable or failing
// worker endpoint.
func NewDispatchError(role, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDispatch,
		Message: fmt.Sprintf("dispatch to role %q failed: %s", role, msg),
	}
}

// NewTaskTimeoutError returns a TASK_TIMEOUT error for a task whose
// deadline passed before a worker callback arrived.
func NewTaskTimeoutError(taskID string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrTaskTimeout,
		Message: fmt.Sprintf("task %q exceeded its deadline", taskID),
	}
}

// NewDependencyUnsatisfiedError returns the internal DEPENDENCY_UNSATISFIED
// signal recorded when a task is skipped because an upstream role can no
// longer complete. It is not surfaced to API callers.
func NewDependencyUnsatisfiedError(role, upstream string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrDependencyUnsatisfied,
		Message: fmt.Sprintf("role %q depends on %q which cannot complete", role, upstream),
	}
}
