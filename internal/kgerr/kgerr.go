// Package kgerr defines the error envelope every public entry point in
// kgraph returns through. Call sites never stringly-type the failure kind;
// they construct or inspect a [Error] instead.
package kgerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure into one of the envelope categories recognized
// throughout the pipeline.
type Kind string

const (
	NotFound        Kind = "not_found"
	InvalidArgument Kind = "invalid_argument"
	Conflict        Kind = "conflict"
	IO              Kind = "io"
	Upstream        Kind = "upstream"
	Parse           Kind = "parse"
	Cancelled       Kind = "cancelled"
	Internal        Kind = "internal"
)

// Error is the envelope wrapping every failure a public entry point returns.
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

// New constructs an [Error] of the given kind.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func notFound(op string, err error) error        { return New(NotFound, op, err) }
func invalidArgument(op string, err error) error  { return New(InvalidArgument, op, err) }
func conflict(op string, err error) error         { return New(Conflict, op, err) }
func ioErr(op string, err error) error            { return New(IO, op, err) }
func upstream(op string, err error) error         { return New(Upstream, op, err) }
func parseErr(op string, err error) error         { return New(Parse, op, err) }
func cancelled(op string, err error) error        { return New(Cancelled, op, err) }
func internal(op string, err error) error         { return New(Internal, op, err) }

// NotFoundf builds a [NotFound] error from a format string.
func NotFoundf(op, format string, a ...any) error {
	return notFound(op, fmt.Errorf(format, a...))
}

// InvalidArgumentf builds an [InvalidArgument] error from a format string.
func InvalidArgumentf(op, format string, a ...any) error {
	return invalidArgument(op, fmt.Errorf(format, a...))
}

// Conflictf builds a [Conflict] error from a format string.
func Conflictf(op, format string, a ...any) error {
	return conflict(op, fmt.Errorf(format, a...))
}

// IOf builds an [IO] error wrapping err.
func IOf(op string, err error) error {
	return ioErr(op, err)
}

// Upstreamf builds an [Upstream] error wrapping err.
func Upstreamf(op string, err error) error {
	return upstream(op, err)
}

// Parsef builds a [Parse] error wrapping err.
func Parsef(op string, err error) error {
	return parseErr(op, err)
}

// Cancelledf builds a [Cancelled] error for op.
func Cancelledf(op string) error {
	return cancelled(op, errors.New("task was cancelled"))
}

// Internalf builds an [Internal] error wrapping err.
func Internalf(op string, err error) error {
	return internal(op, err)
}

// Is reports whether err is a [*Error] with the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
