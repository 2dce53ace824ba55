package storage

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrLockHeld means another process owns the deck. Recoverable: retry,
	// or break the lock once its owner is known to be dead.
	ErrLockHeld = errors.New("deck is locked by another process")
	// ErrCorruptState means the deck files could not be parsed or violate
	// an invariant. Nothing is repaired automatically.
	ErrCorruptState = errors.New("deck state is corrupt")
	// ErrIOFailure wraps filesystem failures during an atomic commit.
	ErrIOFailure = errors.New("deck i/o failure")

	ErrDeckNotFound = errors.New("deck not found")
	ErrDeckExists   = errors.New("deck already exists")
	ErrDeckNotEmpty = errors.New("deck not empty")
	ErrInvalidDeck  = errors.New("deck cannot be stored")
	ErrClosed       = errors.New("deck handle is closed")
)

// LockHeldError describes the current holder of a deck lock.
type LockHeldError struct {
	Dir   string
	Owner LockOwner
	// Stale is true when the owner is known not to be running anymore.
	Stale bool
}

func (e *LockHeldError) Error() string {
	state := "running"
	if e.Stale {
		state = "not running"
	}
	return fmt.Sprintf("%v: %s (pid %d on %q since %s, %s)",
		ErrLockHeld, e.Dir, e.Owner.PID, e.Owner.Host,
		e.Owner.AcquiredAt.Local().Format(time.DateTime), state)
}

func (e *LockHeldError) Is(target error) bool { return target == ErrLockHeld }

// CorruptStateError points at the file and the reason it was rejected.
type CorruptStateError struct {
	Path   string
	Reason string
	Err    error
	// Mismatch is set when both files parse but disagree with each other,
	// the only case LoadOptions.Reconcile can recover from.
	Mismatch bool
}

func (e *CorruptStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%v: %s: %s: %v", ErrCorruptState, e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("%v: %s: %s", ErrCorruptState, e.Path, e.Reason)
}

func (e *CorruptStateError) Is(target error) bool { return target == ErrCorruptState }

func (e *CorruptStateError) Unwrap() error { return e.Err }

// IOError reports a failed atomic write. The previously committed file is
// untouched; Temp names the partial file kept for inspection, if any.
type IOError struct {
	Op   string
	Path string
	Temp string
	Err  error
}

func (e *IOError) Error() string {
	msg := fmt.Sprintf("%v: %s %s: %v", ErrIOFailure, e.Op, e.Path, e.Err)
	if e.Temp != "" {
		msg += fmt.Sprintf(" (temp file kept at %s)", e.Temp)
	}
	return msg
}

func (e *IOError) Is(target error) bool { return target == ErrIOFailure }

func (e *IOError) Unwrap() error { return e.Err }
