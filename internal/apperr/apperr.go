// Package apperr classifies failures into the stable kinds reported at the
// HTTP boundary.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable, client-visible failure category.
type Kind string

const (
	KindInput         Kind = "input"
	KindConfiguration Kind = "configuration"
	KindDuplicate     Kind = "duplicate"
	KindIO            Kind = "io"
	KindSerialization Kind = "serialization"
	KindBackend       Kind = "backend"
	KindCapacity      Kind = "capacity"
	KindInternal      Kind = "internal"
)

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// ClientFacing reports whether the failure was caused by the request rather
// than by the server.
func (k Kind) ClientFacing() bool {
	switch k {
	case KindInput, KindConfiguration, KindDuplicate:
		return true
	default:
		return false
	}
}

// New returns an error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap tags err with kind. A nil err yields nil. An err that already carries
// a kind keeps its original classification.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var tagged *Error
	if errors.As(err, &tagged) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// Input, Configuration, Duplicate, IO and Backend are shorthands for New.
func Input(format string, args ...any) error { return New(KindInput, format, args...) }

func Configuration(format string, args ...any) error {
	return New(KindConfiguration, format, args...)
}

func Duplicate(format string, args ...any) error { return New(KindDuplicate, format, args...) }

func IO(err error) error { return Wrap(KindIO, err) }

func Backend(err error) error { return Wrap(KindBackend, err) }

// KindOf returns the kind attached to err, or KindInternal when none is.
func KindOf(err error) Kind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
