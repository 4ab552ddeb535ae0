// Package cld defines the tracker's error taxonomy: a small closed set of
// kinds that every fallible operation in the daemon classifies itself into,
// so the dispatcher can map any failure to an errno-like reply without
// unwinding across the event loop.
package cld

import (
	"errors"
	"fmt"
)

// Kind is one of the abstract error categories the tracker recognizes.
type Kind int

const (
	// Transient covers busy/locked outcomes and short I/O hiccups. Retried
	// internally up to the store's busy timeout; never surfaced as-is.
	Transient Kind = iota
	// NotFound covers a client absent on Check or Remove.
	NotFound
	// Invalid covers malformed payloads, oversize client ids, and
	// iterate_recovery called outside grace.
	Invalid
	// Corruption is fatal at startup; the daemon refuses to run.
	Corruption
	// UnsupportedSchema is fatal at startup: an on-disk schema version this
	// build does not know how to migrate.
	UnsupportedSchema
	// TransportLost means the upcall channel reported EOF.
	TransportLost
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "Transient"
	case NotFound:
		return "NotFound"
	case Invalid:
		return "Invalid"
	case Corruption:
		return "Corruption"
	case UnsupportedSchema:
		return "UnsupportedSchema"
	case TransportLost:
		return "TransportLost"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carrying a Kind, the operation that
// produced it, and (optionally) the underlying cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and operation name. err may be nil.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause, for call sites that don't already
// have an underlying error value to wrap.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Is reports whether err (or anything it wraps) is a *Error of the given
// kind.
func Is(err error, kind Kind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// KindOf extracts the Kind from err, defaulting to Transient (the safest
// "retry, don't corrupt state" classification) when err is not a *Error.
func KindOf(err error) Kind {
	var ce *Error
	if !errors.As(err, &ce) {
		return Transient
	}
	return ce.Kind
}
