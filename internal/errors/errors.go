// Package errors wraps github.com/pkg/errors with the few extra helpers
// the engine needs to distinguish environmental failures (I/O, crypto,
// decoding) from programmer errors that must never be swallowed.
package errors

import (
	"errors"

	pkgerrors "github.com/pkg/errors"
)

// New, Errorf, Wrap, Wrapf and WithStack all behave like their
// github.com/pkg/errors counterparts: they attach a stack trace at the
// call site so a later log line shows where the error originated, not
// just where it was last passed up the stack.
var (
	New    = pkgerrors.New
	Errorf = pkgerrors.Errorf
	Wrap   = pkgerrors.Wrap
	Wrapf  = pkgerrors.Wrapf
)

// WithStack annotates err with a stack trace, or returns nil if err is nil.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

// Is and As delegate to the standard library so error chains built with
// Wrap (which implements Unwrap via Cause) still compare correctly.
var (
	Is = errors.Is
	As = errors.As
)

// Cause returns the underlying cause of err, if it implements Cause()
// error, as the errors wrapped by Wrap and Wrapf do.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}

// fatalError marks an error as a programming error: state was reached
// that a correct caller cannot produce, and continuing would risk
// silent data loss. Callers that see IsFatal(err) == true should
// terminate the process rather than attempt recovery.
type fatalError struct {
	msg string
}

func (e *fatalError) Error() string { return e.msg }

// Fatal constructs a fatal, non-retriable error.
func Fatal(msg string) error {
	return &fatalError{msg: msg}
}

// Fatalf constructs a fatal, non-retriable error with a formatted message.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{msg: pkgerrors.Errorf(format, args...).Error()}
}

// IsFatal reports whether err (or any error in its chain) was
// constructed with Fatal or Fatalf.
func IsFatal(err error) bool {
	var f *fatalError
	return As(err, &f)
}
