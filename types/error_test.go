package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrInvalidPlan, "plan rejected").
		WithCause(root).
		WithDetail("stage_id", "s1")

	if GetErrorCode(err) != ErrInvalidPlan {
		t.Fatalf("expected code %s, got %s", ErrInvalidPlan, GetErrorCode(err))
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is unwrap to root")
	}
	if err.Details["stage_id"] != "s1" {
		t.Fatalf("expected detail to be recorded")
	}
	if got := err.Error(); got != "[INVALID_PLAN] plan rejected: root" {
		t.Fatalf("unexpected error string %q", got)
	}
}

func TestGetErrorCode_Wrapped(t *testing.T) {
	t.Parallel()

	inner := Errorf(ErrCheckpointNotFound, "checkpoint %s missing", "x")
	wrapped := fmt.Errorf("load: %w", inner)

	if !IsErrorCode(wrapped, ErrCheckpointNotFound) {
		t.Fatalf("expected wrapped code to be visible")
	}
	if IsErrorCode(nil, ErrCheckpointNotFound) {
		t.Fatalf("nil error must not match")
	}
	if GetErrorCode(errors.New("plain")) != "" {
		t.Fatalf("plain error has no code")
	}
}
