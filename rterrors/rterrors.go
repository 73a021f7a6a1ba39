// Package rterrors defines the closed error taxonomy shared by every
// component of the runtime. Native-driver failures, allocation failures,
// and protocol violations are all translated to the nearest Kind at the
// call site so that callers can use errors.Is against the sentinel values
// below instead of matching on strings.
package rterrors

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories the runtime surfaces.
// The set is intentionally fixed: new failure modes are expressed by
// wrapping an existing Kind with more context, not by adding a Kind.
type Kind int

const (
	Unknown Kind = iota
	InvalidValue
	InvalidHandle
	InvalidSymbol
	InvalidDevicePointer
	OutOfMemory
	LaunchFailure
	NotReady
	ResourceBusy
	InitializationError
	Unimplemented
)

func (k Kind) String() string {
	switch k {
	case InvalidValue:
		return "InvalidValue"
	case InvalidHandle:
		return "InvalidHandle"
	case InvalidSymbol:
		return "InvalidSymbol"
	case InvalidDevicePointer:
		return "InvalidDevicePointer"
	case OutOfMemory:
		return "OutOfMemory"
	case LaunchFailure:
		return "LaunchFailure"
	case NotReady:
		return "NotReady"
	case ResourceBusy:
		return "ResourceBusy"
	case InitializationError:
		return "InitializationError"
	case Unimplemented:
		return "Unimplemented"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind with a message and an optional cause. Its Is method
// lets errors.Is(err, rterrors.ErrNotReady) match the sentinel values
// below by Kind; Unwrap exposes the cause.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, rterrors.ErrNotReady) etc. match purely on Kind,
// without requiring callers to unwrap *Error by hand.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error of the given Kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error of the given Kind around a cause.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind carried by err, or Unknown if err was not
// produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Sentinel values for errors.Is comparisons, e.g.:
//
//	if errors.Is(err, rterrors.ErrNotReady) { ... }
var (
	ErrInvalidValue         error = &Error{Kind: InvalidValue}
	ErrInvalidHandle        error = &Error{Kind: InvalidHandle}
	ErrInvalidSymbol        error = &Error{Kind: InvalidSymbol}
	ErrInvalidDevicePointer error = &Error{Kind: InvalidDevicePointer}
	ErrOutOfMemory          error = &Error{Kind: OutOfMemory}
	ErrLaunchFailure        error = &Error{Kind: LaunchFailure}
	ErrNotReady             error = &Error{Kind: NotReady}
	ErrResourceBusy         error = &Error{Kind: ResourceBusy}
	ErrInitializationError  error = &Error{Kind: InitializationError}
	ErrUnimplemented        error = &Error{Kind: Unimplemented}
)
