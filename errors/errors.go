// Package errors provides error handling for qcore.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Structured details and hints for diagnostics
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check against a kind
//	if errors.Is(err, errors.ErrUseAfterRelease) {
//	    // reject the program, never retry
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint        = crdb.WithHint
	WithHintf       = crdb.WithHintf
	WithDetail      = crdb.WithDetail
	WithDetailf     = crdb.WithDetailf
	WithSafeDetails = crdb.WithSafeDetails
)

// Error inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenHints   = crdb.FlattenHints
	FlattenDetails = crdb.FlattenDetails
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Error kinds returned by the coherence core.
// Use these with errors.Is() for type-safe error checking.
// Wrap these with errors.Wrap() to add context while preserving the kind.
var (
	// ErrInvalidDimension indicates a handle was requested with dimension < 2
	ErrInvalidDimension = New("invalid dimension")

	// ErrUseAfterRelease indicates an operation on a handle that no longer exists.
	// Always a caller bug - programs producing this are rejected, never retried.
	ErrUseAfterRelease = New("use after release")

	// ErrNoCloningViolation indicates an attempt to duplicate a quantum handle.
	// Cloning never succeeds; the kind exists to make ill-formed programs diagnosable.
	ErrNoCloningViolation = New("no-cloning violation")

	// ErrAlreadyMeasured indicates an operation requiring an unmeasured handle
	ErrAlreadyMeasured = New("already measured")

	// ErrUndefinedHandle indicates a handle id unknown to the registry
	ErrUndefinedHandle = New("undefined handle")

	// ErrAlreadyEntangled indicates a participant is committed to a conflicting system
	ErrAlreadyEntangled = New("already entangled")

	// ErrInsufficientCoherence indicates coherence below the operation's threshold.
	// Expected in steady state - callers retry after backoff or with a fresh handle.
	ErrInsufficientCoherence = New("insufficient coherence")

	// ErrLedgerOverdraft indicates a reservation that would drive a budget negative.
	// Expected in steady state - callers retry after releasing budget.
	ErrLedgerOverdraft = New("ledger overdraft")

	// ErrSessionNotActive indicates a reservation against a draining or closed session
	ErrSessionNotActive = New("session not active")

	// ErrSchedulerUnavailable indicates the decay loop has failed and coherence
	// values can no longer be trusted as fresh
	ErrSchedulerUnavailable = New("scheduler unavailable")
)

// kinds enumerates every core error kind in a stable order, used by the
// diagnostics histogram.
var kinds = []struct {
	name string
	err  error
}{
	{"invalid_dimension", ErrInvalidDimension},
	{"use_after_release", ErrUseAfterRelease},
	{"no_cloning_violation", ErrNoCloningViolation},
	{"already_measured", ErrAlreadyMeasured},
	{"undefined_handle", ErrUndefinedHandle},
	{"already_entangled", ErrAlreadyEntangled},
	{"insufficient_coherence", ErrInsufficientCoherence},
	{"ledger_overdraft", ErrLedgerOverdraft},
	{"session_not_active", ErrSessionNotActive},
	{"scheduler_unavailable", ErrSchedulerUnavailable},
}

// Kind returns the snake_case name of the core error kind err is or wraps,
// or "unknown" when err does not match any kind.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}

// KindNames returns the names of all core error kinds in stable order.
func KindNames() []string {
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, k.name)
	}
	return names
}

// IsCallerBug reports whether err is a kind that indicates an ill-formed
// program (to be surfaced as a compiler diagnostic, never retried).
func IsCallerBug(err error) bool {
	return err != nil && IsAny(err, ErrNoCloningViolation, ErrUseAfterRelease)
}

// IsRetryable reports whether err is an expected steady-state condition the
// caller may retry after backoff.
func IsRetryable(err error) bool {
	return err != nil && IsAny(err, ErrInsufficientCoherence, ErrLedgerOverdraft)
}

// IsUseAfterRelease checks if an error is or wraps ErrUseAfterRelease
func IsUseAfterRelease(err error) bool {
	return err != nil && Is(err, ErrUseAfterRelease)
}

// IsUndefinedHandle checks if an error is or wraps ErrUndefinedHandle
func IsUndefinedHandle(err error) bool {
	return err != nil && Is(err, ErrUndefinedHandle)
}
