package logging

import (
	"errors"
	"testing"
)

var errBoom = errors.New("boom")

func TestNewOperationErrorNil(t *testing.T) {
	if err := NewOperationError("op", "req", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestOperationErrorUnwrap(t *testing.T) {
	err := NewOperationError("pipeline.predict", "req-1", errBoom)
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected errors.Is to match wrapped error")
	}

	var opErr *OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "pipeline.predict" || opErr.RequestID != "req-1" {
		t.Fatalf("unexpected fields: %+v", opErr)
	}
	if got := err.Error(); got != "pipeline.predict[req-1]: boom" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestOperationErrorWithoutRequestID(t *testing.T) {
	err := NewOperationError("registry.load", "", errBoom)
	if got := err.Error(); got != "registry.load: boom" {
		t.Fatalf("unexpected message: %s", got)
	}
}

func TestOperationErrorNested(t *testing.T) {
	inner := NewOperationError("detection.run", "req-2", errBoom)
	err := NewOperationError("pipeline.predict", "req-2", inner)
	if got := err.Error(); got != "pipeline.predict[req-2]: detection.run[req-2]: boom" {
		t.Fatalf("unexpected message: %s", got)
	}
	if !errors.Is(err, errBoom) {
		t.Fatal("expected errors.Is through nested wrappers")
	}
}
