package storage

import (
	"errors"
	"fmt"
	"testing"
)

func TestUnavailableErrorWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("connection refused")
	err := NewUnavailableError(base)
	if !IsUnavailable(err) {
		t.Fatal("expected IsUnavailable to report true")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected wrapped error to unwrap to base")
	}
	wrapped := fmt.Errorf("load record: %w", err)
	if !IsUnavailable(wrapped) {
		t.Fatal("expected IsUnavailable to see through wrapping")
	}
	if NewUnavailableError(nil) != nil {
		t.Fatal("expected nil passthrough")
	}
	if IsUnavailable(errors.New("plain")) {
		t.Fatal("plain errors must not be unavailable")
	}
}

func TestRecordClone(t *testing.T) {
	t.Parallel()

	rec := &Record{MaxCount: 3, FreeCount: 1, Generation: 2}
	clone := rec.Clone()
	clone.FreeCount = 0
	if rec.FreeCount != 1 {
		t.Fatal("clone must not alias the original record")
	}
	var nilRec *Record
	if nilRec.Clone() != nil {
		t.Fatal("nil clone should stay nil")
	}
}
