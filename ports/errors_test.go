package ports

import (
	"errors"
	"fmt"
	"testing"
)

func TestUnavailable(t *testing.T) {
	driverErr := errors.New("database is locked")

	err := Unavailable("increment usage", driverErr)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("expected ErrStoreUnavailable, got %v", err)
	}
	if !errors.Is(err, driverErr) {
		t.Errorf("expected wrapped driver error, got %v", err)
	}

	if Unavailable("x", nil) != nil {
		t.Error("nil error should stay nil")
	}

	nf := fmt.Errorf("tenant t1: %w", ErrNotFound)
	if got := Unavailable("get tenant", nf); got != nf {
		t.Errorf("classified error was rewrapped: %v", got)
	}
}
