// Package syncerr defines the error kinds shared across the sync engine, so
// callers can branch on kind (via errors.As) instead of matching strings.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind classifies an Error per spec.md §7.
type Kind int

const (
	// KindNotFound covers a missing chunk, client, or head.
	KindNotFound Kind = iota
	// KindCorruption covers an invalid chunk or metadata record.
	KindCorruption
	// KindConflict covers a regressed cookie/mutation ID or overlapping syncs.
	KindConflict
	// KindTransport covers a push or pull network failure.
	KindTransport
	// KindAuthorization covers a 401 from the server.
	KindAuthorization
	// KindVersionMismatch covers a server-reported pull/push/schema version mismatch.
	KindVersionMismatch
	// KindClosed covers an operation attempted on a closed instance.
	KindClosed
	// KindAssertionFail covers a violated format invariant.
	KindAssertionFail
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindCorruption:
		return "Corruption"
	case KindConflict:
		return "Conflict"
	case KindTransport:
		return "Transport"
	case KindAuthorization:
		return "Authorization"
	case KindVersionMismatch:
		return "VersionMismatch"
	case KindClosed:
		return "Closed"
	case KindAssertionFail:
		return "AssertionFail"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying error with a classification kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err is a syncerr.Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
