package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(NotFound, "memory missing")
	if KindOf(err) != NotFound {
		t.Fatalf("KindOf = %v, want %v", KindOf(err), NotFound)
	}
	if !Is(err, NotFound) {
		t.Fatalf("Is(NotFound) = false")
	}
	if Is(err, InvalidInput) {
		t.Fatalf("Is(InvalidInput) = true for a NotFound error")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(StorageUnavailable, "open pool", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("errors.Is did not find the wrapped cause")
	}
	if KindOf(err) != StorageUnavailable {
		t.Fatalf("KindOf = %v, want %v", KindOf(err), StorageUnavailable)
	}
}

func TestErrorsIsSentinel(t *testing.T) {
	err := fmt.Errorf("insert failed: %w", New(DuplicateEdge, "edge already exists"))
	if !errors.Is(err, ErrDuplicateEdge) {
		t.Fatalf("errors.Is(err, ErrDuplicateEdge) = false")
	}
	if errors.Is(err, ErrSelfLoop) {
		t.Fatalf("errors.Is(err, ErrSelfLoop) = true for a DuplicateEdge error")
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("KindOf on a plain error should be empty")
	}
}
