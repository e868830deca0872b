// Package errcat provides the closed error taxonomy this pipeline raises:
// a category, a stable code, the call site, and an optional wrapped
// cause, narrowed to the nine kinds this system actually raises.
package errcat

import (
	"fmt"
	"runtime"
)

// Kind is one of the nine error categories this system recognizes.
type Kind string

const (
	Privilege           Kind = "PRIVILEGE"
	TargetIntrospection Kind = "TARGET_INTROSPECTION"
	BuildFailure        Kind = "BUILD_FAILURE"
	AttachFailure       Kind = "ATTACH_FAILURE"
	SymbolNotFound      Kind = "SYMBOL_NOT_FOUND"
	PatchFailure        Kind = "PATCH_FAILURE"
	SharedMemoryOpen    Kind = "SHARED_MEMORY_OPEN"
	RingCorruption      Kind = "RING_CORRUPTION"
	LogIO               Kind = "LOG_IO"
)

// fatalAtStartup reports whether a Kind always aborts before the read
// loop starts.
var fatalAtStartup = map[Kind]bool{
	Privilege:        true,
	BuildFailure:     true,
	AttachFailure:    true,
	SharedMemoryOpen: true,
}

// FatalAtStartup reports whether k is one of the startup-fatal kinds.
// SymbolNotFound and PatchFailure are per-hook and never startup-fatal;
// RingCorruption and LogIO are runtime-recoverable.
func FatalAtStartup(k Kind) bool { return fatalAtStartup[k] }

// Error is the concrete error type raised across this system's packages.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Context map[string]interface{}
	Caller  string
	Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s:%s] %s: %v (at %s)", e.Kind, e.Code, e.Message, e.Wrapped, e.Caller)
	}
	return fmt.Sprintf("[%s:%s] %s (at %s)", e.Kind, e.Code, e.Message, e.Caller)
}

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *Error) Unwrap() error { return e.Wrapped }

// New constructs an *Error, recording the immediate caller for diagnostics.
func New(kind Kind, code, message string, ctx map[string]interface{}) *Error {
	return wrap(kind, code, message, ctx, nil)
}

// Wrap constructs an *Error around an existing error.
func Wrap(kind Kind, code, message string, ctx map[string]interface{}, err error) *Error {
	return wrap(kind, code, message, ctx, err)
}

func wrap(kind Kind, code, message string, ctx map[string]interface{}, err error) *Error {
	pc, _, _, ok := runtime.Caller(2)
	caller := "unknown"
	if ok {
		if fn := runtime.FuncForPC(pc); fn != nil {
			caller = fn.Name()
		}
	}
	return &Error{
		Kind:    kind,
		Code:    code,
		Message: message,
		Context: ctx,
		Caller:  caller,
		Wrapped: err,
	}
}

// As reports whether err is (or wraps) an *Error of the given kind.
func As(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Wrapped
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
