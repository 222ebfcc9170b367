package errors

import (
	"errors"
	"testing"
)

func TestErrors_ErrorMethod(t *testing.T) {
	errs := []error{
		New(KindOutOfMemory, "no free frame"),
		New(KindOutOfRange, "iterator past end"),
		New(KindLockOnShrinking, "txn 4 is shrinking"),
		New(KindLockSharedOnReadUncommitted, "txn 4 is read uncommitted"),
		New(KindUpgradeConflict, "txn 5 already upgrading"),
		New(KindDeadlock, "txn 9 aborted by cycle detection"),
		&DuplicateKeyError{Key: "k1"},
	}

	for _, e := range errs {
		if e.Error() == "" {
			t.Errorf("Error() returned empty string for %T", e)
		}
	}
}

func TestKindOf(t *testing.T) {
	err := New(KindDeadlock, "cycle broken")
	if KindOf(err) != KindDeadlock {
		t.Errorf("KindOf() = %v, want KindDeadlock", KindOf(err))
	}
	if KindOf(&DuplicateKeyError{Key: "x"}) != KindNone {
		t.Errorf("KindOf() on an untagged error should be KindNone")
	}
}

func TestWrapPreservesKindAndCause(t *testing.T) {
	cause := errors.New("disk full")
	wrapped := Wrap(KindOutOfMemory, cause, "allocating page")
	if wrapped.Kind != KindOutOfMemory {
		t.Fatalf("Kind = %v, want KindOutOfMemory", wrapped.Kind)
	}
	if wrapped.Unwrap() == nil {
		t.Fatal("Unwrap() returned nil, expected wrapped cause")
	}
}
