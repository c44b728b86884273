// ABOUTME: Structured error taxonomy for the vault coordination engine
// ABOUTME: Classifies storage failures by typed SQLite error codes, not message text

package vaulterr

import (
	"context"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Class is the stable discriminant for a storage or coordination failure.
// Classification is a total function over the driver's typed error codes;
// it never inspects error message text.
type Class int

const (
	// ClassUnknown covers errors that fit no other class.
	ClassUnknown Class = iota
	// ClassTransient covers busy/locked/interrupted conditions. Safe to
	// retry; never a reason to repair or evict a handle.
	ClassTransient
	// ClassKeyMismatch covers wrong-key and integrity-check failures. The
	// file is fine; the key is not. Repair would destroy recoverable data.
	ClassKeyMismatch
	// ClassCorruption covers malformed images and unreadable headers.
	// The only class that feeds the repair state machine.
	ClassCorruption
	// ClassTimeout covers bounded waits that elapsed (lock or operation).
	ClassTimeout
	// ClassCoordination covers failures of the OS lock primitive itself.
	ClassCoordination
	// ClassForeignKey covers referenced-parent-missing violations. These
	// indicate an ordering bug in the caller and are logged as invariant
	// violations, never retried.
	ClassForeignKey
)

// String returns the class name used in log output.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassKeyMismatch:
		return "key_mismatch"
	case ClassCorruption:
		return "corruption"
	case ClassTimeout:
		return "timeout"
	case ClassCoordination:
		return "coordination"
	case ClassForeignKey:
		return "foreign_key"
	default:
		return "unknown"
	}
}

// Sentinel errors surfaced by the public API.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when a lock wait or coordinated operation
	// exceeded its bound.
	ErrTimeout = errors.New("operation timed out")

	// ErrKeyMismatch is returned when a store rejects the configured key.
	// Never retried internally: retrying with the same wrong key cannot
	// succeed.
	ErrKeyMismatch = errors.New("store key mismatch")

	// ErrCloseInProgress is returned when an open raced a close for the
	// same identity and the close did not finish within the wait bound.
	ErrCloseInProgress = errors.New("close in progress for identity")

	// ErrLockedRestartRequired is returned when transient contention
	// persisted past the bounded wait. The data files are untouched.
	ErrLockedRestartRequired = errors.New("store locked, restart required")
)

// CooldownError reports that repair for an identity is throttled.
type CooldownError struct {
	Identity  string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("repair for %q on cooldown, retry in %s", e.Identity, e.Remaining.Round(time.Millisecond))
}

// CoordinationError wraps a failure of the OS lock primitive itself.
type CoordinationError struct {
	Path string
	Err  error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("lock coordination failed on %s: %v", e.Path, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

// Classify maps an error to its Class. It understands wrapped chains via
// errors.As/Is, the mattn/go-sqlite3 typed codes, and context errors.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return ClassTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if errors.Is(err, ErrKeyMismatch) {
		return ClassKeyMismatch
	}
	if errors.Is(err, ErrLockedRestartRequired) {
		return ClassTransient
	}

	var coord *CoordinationError
	if errors.As(err, &coord) {
		return ClassCoordination
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		return classifySQLite(se)
	}

	return ClassUnknown
}

// classifySQLite maps driver error codes onto the taxonomy. Wrong-key
// failures against an encrypted store surface as SQLITE_NOTADB (the header
// does not authenticate), which is why NOTADB is key mismatch here and not
// corruption.
func classifySQLite(se sqlite3.Error) Class {
	switch se.Code {
	case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrInterrupt, sqlite3.ErrProtocol:
		return ClassTransient
	case sqlite3.ErrNotADB, sqlite3.ErrAuth:
		return ClassKeyMismatch
	case sqlite3.ErrCorrupt, sqlite3.ErrFormat, sqlite3.ErrNomem, sqlite3.ErrCantOpen:
		return ClassCorruption
	case sqlite3.ErrConstraint:
		if se.ExtendedCode == sqlite3.ErrConstraintForeignKey {
			return ClassForeignKey
		}
		return ClassUnknown
	default:
		return ClassUnknown
	}
}

// IsTransient reports whether err should be surfaced for caller retry
// without evicting or repairing anything.
func IsTransient(err error) bool {
	return Classify(err) == ClassTransient
}
