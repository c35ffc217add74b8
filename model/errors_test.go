package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "template not found"}
	want := "NOT_FOUND: template not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  *ErrorEnvelope
		code string
	}{
		{"not found", NewNotFoundError("x"), ErrNotFound},
		{"conflict", NewConflictError("x"), ErrConflict},
		{"invalid state", NewInvalidStateError("x"), ErrInvalidState},
		{"step unauthorized", NewStepUnauthorizedError("x"), ErrStepUnauthorized},
		{"bad request", NewBadRequestError("x"), ErrBadRequest},
		{"internal", NewInternalError(), ErrInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.code)
			}
		})
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "dropdown_options", Code: "REQUIRED", Message: "options required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "dropdown_options" {
		t.Errorf("Details[0].Field = %q", e.Details[0].Field)
	}
}

func TestNewFieldValidationError(t *testing.T) {
	e := NewFieldValidationError("field_id", "DUPLICATE", "field_id already used")
	if e.Code != ErrValidationError || len(e.Details) != 1 || e.Details[0].Code != "DUPLICATE" {
		t.Errorf("unexpected envelope %+v", e)
	}
}

func TestIsCode(t *testing.T) {
	wrapped := fmt.Errorf("update instance: %w", NewConflictError("version changed"))

	if !IsCode(wrapped, ErrConflict) {
		t.Error("IsCode should see through wrapping")
	}
	if IsCode(wrapped, ErrNotFound) {
		t.Error("IsCode matched the wrong code")
	}
	if IsCode(errors.New("plain"), ErrConflict) {
		t.Error("IsCode matched a foreign error")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != "" {
		t.Errorf("CodeOf(nil) = %q", got)
	}
	if got := CodeOf(errors.New("boom")); got != ErrInternalError {
		t.Errorf("CodeOf(foreign) = %q", got)
	}
	if got := CodeOf(NewInvalidStateError("x")); got != ErrInvalidState {
		t.Errorf("CodeOf(envelope) = %q", got)
	}
}
