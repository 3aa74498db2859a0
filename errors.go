package blockqueue

import (
	"errors"
	"fmt"
	"syscall"
)

// Code is the block-queue error taxonomy (spec.md §7). Unlike the
// teacher's free-form UblkErrorCode strings, Code is a small closed set:
// the queue's error handling is a state machine, not an open catalogue of
// device failure modes, so the type stays an enum.
type Code string

const (
	// CodeOutOfSpace is sticky: once set, later failures never overwrite
	// it (spec.md §7, "the one a human must act on").
	CodeOutOfSpace Code = "out of space"
	// CodeGenericIO covers any other backend write or flush failure.
	CodeGenericIO Code = "I/O error"
	// CodeAllocationFailure is raised from PWrite/Barrier when the
	// request or its buffer cannot be allocated, and returned directly
	// to the caller rather than propagated through error_code.
	CodeAllocationFailure Code = "allocation failure"
	// CodeCancelled has no observable Error value in this design; it is
	// named here because spec.md §7 lists it, but it surfaces only as
	// the absence of a waiter invocation (see Context cancellation).
	CodeCancelled Code = "cancelled"
	// CodeInvalidParameters and CodeTimeout are structural error kinds
	// the teacher's taxonomy carries that this module keeps for
	// parameter and collaborator-level failures (e.g. New with a nil
	// Backend).
	CodeInvalidParameters Code = "invalid parameters"
	CodeTimeout           Code = "timeout"
)

// Sticky reports whether a Code must not be overwritten by a later,
// less-specific failure once set as the queue's error_code (spec.md §7).
func (c Code) Sticky() bool { return c == CodeOutOfSpace }

// Error is the structured error type used throughout the module, in the
// shape of ehrlich-b-go-ublk's *Error (errors.go): Op/Code/Errno/Msg/Inner,
// with errors.Is/errors.As support for comparing by Code.
type Error struct {
	Op    string // operation that failed, e.g. "PWrite", "AIOFlush"
	Code  Code
	Errno syscall.Errno // 0 if not applicable
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op == "" {
		return fmt.Sprintf("blockqueue: %s", msg)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("blockqueue: %s (op=%s errno=%d)", msg, e.Op, e.Errno)
	}
	return fmt.Sprintf("blockqueue: %s (op=%s)", msg, e.Op)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Code: errors.Is(err, &Error{Code:
// CodeOutOfSpace}) is true for any *Error with that code, regardless of Op
// or Msg.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError constructs a plain structured error.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewErrnoError constructs a structured error carrying a kernel/libc
// errno, mapping it to a Code via mapErrnoToCode.
func NewErrnoError(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error()}
}

// errGenericIO adapts a raw backend error into the structured taxonomy the
// dispatcher and completion path use (spec.md §7). An *Error is returned
// as is; a syscall.Errno is mapped by mapErrnoToCode (so ENOSPC becomes the
// sticky OutOfSpace code); anything else is GenericIO.
func errGenericIO(err error) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return NewErrnoError("backend", errno)
	}
	return &Error{Op: "backend", Code: CodeGenericIO, Msg: err.Error(), Inner: err}
}

// mapErrnoToCode maps a kernel/libc errno to the block-queue taxonomy,
// extended from the teacher's mapErrnoToCode to route ENOSPC to the sticky
// CodeOutOfSpace (spec.md §7, item 1).
func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOSPC:
		return CodeOutOfSpace
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidParameters
	case syscall.ETIMEDOUT:
		return CodeTimeout
	default:
		return CodeGenericIO
	}
}

// IsCode reports whether err is a *Error with the given Code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
