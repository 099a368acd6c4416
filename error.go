package hdlt

import (
	"fmt"

	"golang.org/x/xerrors"
)

// Error is an error annotated with the operation that failed and the
// source location where it was annotated. Printing it with "%+v" shows the
// location.
type Error struct {
	op    string
	err   error
	frame xerrors.Frame
}

// Annotate returns err annotated with op and the location of the caller.
// A nil err gives nil. The result still matches err with xerrors.Is.
func Annotate(op string, err error) error {
	return AnnotateSkip(op, err, 2)
}

// AnnotateSkip is like Annotate but records the location skip frames up
// the stack, for helpers that annotate on behalf of their caller.
func AnnotateSkip(op string, err error, skip int) error {
	if err == nil {
		return nil
	}
	return &Error{op: op, err: err, frame: xerrors.Caller(skip)}
}

// Op returns the operation that failed.
func (e *Error) Op() string {
	return e.op
}

func (e *Error) Error() string {
	if e.op == "" {
		return e.err.Error()
	}
	return e.op + ": " + e.err.Error()
}

// Unwrap implements the xerrors.Wrapper interface.
func (e *Error) Unwrap() error {
	return e.err
}

// Format implements fmt.Formatter.
func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

// FormatError implements xerrors.Formatter.
func (e *Error) FormatError(p xerrors.Printer) error {
	p.Print(e.Error())
	if p.Detail() {
		e.frame.Format(p)
	}
	return nil
}
