package resilience

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransient_Nil(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error must not be transient")
	}
}

func TestIsTransient_VersionConflict(t *testing.T) {
	if !IsTransient(ErrVersionConflict) {
		t.Error("version conflict must be transient")
	}
	wrapped := fmt.Errorf("sqlite: commit ledger: %w", ErrVersionConflict)
	if !IsTransient(wrapped) {
		t.Error("wrapped version conflict must be transient")
	}
}

func TestIsTransient_ExplicitWrap(t *testing.T) {
	err := NewTransientError(errors.New("anything"))
	if !IsTransient(err) {
		t.Error("explicit TransientError must be transient")
	}
	if err.Error() != "anything" {
		t.Errorf("unexpected message: %s", err.Error())
	}
}

func TestIsTransient_DriverPatterns(t *testing.T) {
	cases := []string{
		"database is locked",
		"driver: database table is locked (5)",
		"ERROR: could not serialize access due to concurrent update (SQLSTATE 40001)",
		"ERROR: deadlock detected (SQLSTATE 40P01)",
		"write tcp: connection reset by peer",
		"conn busy",
	}
	for _, msg := range cases {
		if !IsTransient(errors.New(msg)) {
			t.Errorf("expected transient: %s", msg)
		}
	}
}

func TestIsTransient_PermanentErrors(t *testing.T) {
	cases := []string{
		"unknown tier",
		"amount mismatch: want 10 cents, got 5",
		"UNIQUE constraint failed: something",
	}
	for _, msg := range cases {
		if IsTransient(errors.New(msg)) {
			t.Errorf("expected permanent: %s", msg)
		}
	}
}

func TestClassifyError(t *testing.T) {
	if got := ClassifyError(ErrVersionConflict); got != "transient" {
		t.Errorf("expected transient, got %s", got)
	}
	if got := ClassifyError(errors.New("tier downgrade")); got != "permanent" {
		t.Errorf("expected permanent, got %s", got)
	}
}
