package model

import "testing"

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "case not found"}
	want := "NOT_FOUND: case not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("case missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "case missing" {
		t.Errorf("Message = %q, want %q", e.Message, "case missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "input_payload", Code: "REQUIRED", Message: "input_payload is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "input_payload" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "input_payload")
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrInternalError {
		t.Errorf("Code = %q, want %q", e.Code, ErrInternalError)
	}
}

func TestNewUnknownRoleError(t *testing.T) {
	e := NewUnknownRoleError("shelter")
	if e.Code != ErrUnknownRole {
		t.Errorf("Code = %q, want %q", e.Code, ErrUnknownRole)
	}
	want := `no endpoint registered for role "shelter"`
	if e.Message != want {
		t.Errorf("Message = %q, want %q", e.Message, want)
	}
}

func TestNewDuplicateCaseError(t *testing.T) {
	e := NewDuplicateCaseError("case-1")
	if e.Code != ErrDuplicateCase {
		t.Errorf("Code = %q, want %q", e.Code, ErrDuplicateCase)
	}
}

func TestNewDispatchError(t *testing.T) {
	e := NewDispatchError("transport", "connection refused")
	if e.Code != ErrDispatch {
		t.Errorf("Code = %q, want %q", e.Code, ErrDispatch)
	}
}

func TestNewTaskTimeoutError(t *testing.T) {
	e := NewTaskTimeoutError("task-9")
	if e.Code != ErrTaskTimeout {
		t.Errorf("Code = %q, want %q", e.Code, ErrTaskTimeout)
	}
}

func TestNewDependencyUnsatisfiedError(t *testing.T) {
	e := NewDependencyUnsatisfiedError("resource", "shelter")
	if e.Code != ErrDependencyUnsatisfied {
		t.Errorf("Code = %q, want %q", e.Code, ErrDependencyUnsatisfied)
	}
}

func TestNewInvalidTransitionError(t *testing.T) {
	e := NewInvalidTransitionError("completed", "running")
	if e.Code != ErrInvalidTransition {
		t.Errorf("Code = %q, want %q", e.Code, ErrInvalidTransition)
	}
}

func TestNewBadRequestError(t *testing.T) {
	e := NewBadRequestError("bad json")
	if e.Code != ErrBadRequest {
		t.Errorf("Code = %q, want %q", e.Code, ErrBadRequest)
	}
}

func TestNewConflictError(t *testing.T) {
	e := NewConflictError("case still running")
	if e.Code != ErrConflict {
		t.Errorf("Code = %q, want %q", e.Code, ErrConflict)
	}
}
