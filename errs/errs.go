// Package errs defines the structured error kinds shared across the
// repository's subsystems (spec §7). Internal callers match on Kind;
// API-boundary callers get a human-readable message via Error(), typically
// wrapped again with github.com/pkg/errors for path/name context.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure the way callers need to discriminate on: never
// conflate NotFound with Integrity, and never retry an Integrity failure.
type Kind int

const (
	// KindIO covers read/write/open/syscall failures.
	KindIO Kind = iota
	// KindCorrupt covers a split-stream or tar stream violating a framing
	// invariant.
	KindCorrupt
	// KindIntegrity covers a verified digest or content-hash disagreement;
	// always fatal, never retried.
	KindIntegrity
	// KindNotFound covers a name resolution failure, surfaced at the API
	// boundary.
	KindNotFound
	// KindExternal covers a non-zero exit or malformed output from
	// mkcomposefs / composefs-info.
	KindExternal
	// KindExists covers an attempt to bind a name already in use, where the
	// safe behavior is to fail rather than silently rename (spec §9 open
	// question).
	KindExists
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "I/O"
	case KindCorrupt:
		return "corrupt"
	case KindIntegrity:
		return "integrity"
	case KindNotFound:
		return "not found"
	case KindExternal:
		return "external"
	case KindExists:
		return "exists"
	default:
		return "unknown"
	}
}

// Error is the structured error type every internal package boundary
// returns. Process-boundary callers (any embedder) wrap it further
// with path/name context using github.com/pkg/errors; internal callers use
// errors.As to inspect Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with the given kind and message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf constructs an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error with the given kind, message, and underlying
// cause.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Wrapf constructs an *Error with the given kind and a formatted message
// wrapping err.
func Wrapf(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err carries the given Kind, following Unwrap chains.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
