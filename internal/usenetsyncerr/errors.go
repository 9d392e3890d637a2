// Package usenetsyncerr defines the typed error taxonomy shared across
// every component: store, crypto, transport, upload/download engines.
package usenetsyncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for exit-code mapping and retry decisions.
type Kind int

const (
	Internal Kind = iota
	Usage
	NotFound
	Denied
	Integrity
	Transport
	RateLimited
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case Usage:
		return "usage"
	case NotFound:
		return "not_found"
	case Denied:
		return "denied"
	case Integrity:
		return "integrity"
	case Transport:
		return "transport"
	case RateLimited:
		return "rate_limited"
	case Cancelled:
		return "cancelled"
	default:
		return "internal"
	}
}

// ExitCode maps a Kind onto the process exit codes in the operations
// table: 0 success, 2 usage, 3 validation, 4 auth,
// 5 transport, 6 integrity, 7 cancelled. RateLimited has no code of its
// own in that table; it is transport-shaped (retried the same way, see
// IsTransient) so it shares Transport's code.
func (k Kind) ExitCode() int {
	switch k {
	case Usage:
		return 2
	case NotFound:
		return 3
	case Denied:
		return 4
	case Transport, RateLimited:
		return 5
	case Integrity:
		return 6
	case Cancelled:
		return 7
	default:
		return 1
	}
}

// Error wraps an underlying cause with an operation name and a Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, usenetsyncerr.NotFound) work by comparing Kind
// when the target is a bare Kind sentinel wrapped via New.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New constructs an *Error for op, classifying cause as kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinel returns a comparable *Error with no wrapped cause, suitable
// for errors.Is comparisons (e.g. usenetsyncerr.Sentinel(NotFound)).
func Sentinel(kind Kind) *Error { return &Error{Kind: kind} }

// Of extracts the Kind from err, defaulting to Internal when err does
// not carry one.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsTransient reports whether err represents a condition worth retrying:
// transport hiccups and rate limiting, never usage/denied/integrity
// errors which are permanent for the given input.
func IsTransient(err error) bool {
	switch Of(err) {
	case Transport, RateLimited:
		return true
	default:
		return false
	}
}
