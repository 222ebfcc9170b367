// Package errors defines the tagged failure kinds the B+Tree and lock
// manager surface, plus the handful of domain errors carried over from the
// catalog layer this module still touches (duplicate key on a unique
// index).
package errors

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
)

// Kind tags an Error with its failure category.
type Kind int

const (
	// KindNone is the zero value, attached to errors that fall into none of
	// the categories below (I/O failures, misuse of the buffer pool, ...).
	KindNone Kind = iota
	// KindOutOfMemory is returned when the buffer pool cannot supply a new
	// page during a split or new-tree allocation.
	KindOutOfMemory
	// KindOutOfRange is returned when an iterator is dereferenced or
	// advanced past End().
	KindOutOfRange
	// KindLockOnShrinking is returned when a transaction in the SHRINKING
	// phase attempts to acquire a new lock.
	KindLockOnShrinking
	// KindLockSharedOnReadUncommitted is returned when a READ_UNCOMMITTED
	// transaction requests a shared lock.
	KindLockSharedOnReadUncommitted
	// KindUpgradeConflict names a second upgrade requested on a queue that
	// already has one pending. The lock manager reports that case as
	// KindDeadlock; no operation in this module returns this kind.
	KindUpgradeConflict
	// KindDeadlock is returned to a waiter whose transaction was chosen as
	// a cycle-detection victim.
	KindDeadlock
)

func (k Kind) String() string {
	switch k {
	case KindOutOfMemory:
		return "OUT_OF_MEMORY"
	case KindOutOfRange:
		return "OUT_OF_RANGE"
	case KindLockOnShrinking:
		return "LOCK_ON_SHRINKING"
	case KindLockSharedOnReadUncommitted:
		return "LOCKSHARED_ON_READ_UNCOMMITTED"
	case KindUpgradeConflict:
		return "UPGRADE_CONFLICT"
	case KindDeadlock:
		return "DEADLOCK"
	default:
		return "NONE"
	}
}

// Error is the tagged failure type every exported operation returns
// instead of an ad-hoc error value, so callers can branch on Kind rather
// than string
// matching.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a tagged error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Newf builds a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches stack-trace context to cause via cockroachdb/errors and
// tags the result with kind.
func Wrap(kind Kind, cause error, msg string) *Error {
	return &Error{Kind: kind, msg: msg, cause: cerrors.Wrap(cause, msg)}
}

// KindOf walks err's Unwrap chain looking for a *Error and returns its Kind,
// or KindNone if none is found.
func KindOf(err error) Kind {
	var tagged *Error
	if cerrors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindNone
}

// DuplicateKeyError is returned by a unique index on an Insert of a key that
// is already present.
type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key violation: key %q already exists in unique index", e.Key)
}
