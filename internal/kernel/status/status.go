// Package status defines the j6_status_t result codes returned from every
// kernel operation. There are no exceptions in this codebase: every fallible
// step returns a Code (or an error wrapping one) instead of panicking.
package status

import "fmt"

// Code is the kernel-wide result type: a single small integer space that
// crosses the syscall ABI boundary as a plain uint64.
type Code uint64

// errBit marks a Code as an error: the high bit indicates error, values 0
// and warnings have the high bit clear.
const errBit = Code(1) << 63

// OK and warning codes. Warnings occupy 0x0001-0x0fff and are not errors:
// callers may treat them as successful completions with extra detail.
const (
	OK            Code = 0
	Closed        Code = 0x0001 // target object closed during the operation
	Destroyed     Code = 0x0002 // target object was already destroyed
	Exists        Code = 0x0003 // exact mapping collided with existing range
	WouldBlock    Code = 0x0004 // non-blocking call found no ready partner
	FutexChanged  Code = 0x0005 // futex word changed before the wait began
)

// Error codes, high bit set.
const (
	NotYetImplemented Code = errBit | 0x0001 // nyi: unknown syscall number
	Unexpected        Code = errBit | 0x0002 // internal invariant violation surfaced to caller
	InvalidArgument   Code = errBit | 0x0003 // bad pointer, bad handle, misaligned, bad flags
	NotReady          Code = errBit | 0x0004 // operation attempted before prerequisite state
	Insufficient      Code = errBit | 0x0005 // OOM, or reply/data truncated past capacity
	TimedOut          Code = errBit | 0x0006 // wait deadline elapsed
	Denied            Code = errBit | 0x0007 // capability check failed
	Collision         Code = errBit | 0x0008 // koid or handle index collision
)

var names = map[Code]string{
	OK:                "ok",
	Closed:            "closed",
	Destroyed:         "destroyed",
	Exists:            "exists",
	WouldBlock:        "would_block",
	FutexChanged:      "futex_changed",
	NotYetImplemented: "nyi",
	Unexpected:        "unexpected",
	InvalidArgument:   "invalid_arg",
	NotReady:          "not_ready",
	Insufficient:      "insufficient",
	TimedOut:          "timed_out",
	Denied:            "denied",
	Collision:         "collision",
}

func (c Code) String() string {
	if name, ok := names[c]; ok {
		return name
	}

	return fmt.Sprintf("status(%#04x)", uint64(c))
}

// IsError reports whether the code's high bit is set.
func (c Code) IsError() bool { return c&errBit != 0 }

// IsWarning reports whether the code is a non-zero, non-error completion.
func (c Code) IsWarning() bool { return c != OK && !c.IsError() }

// Error implements the error interface so a Code may be returned and
// compared directly with errors.Is against the sentinel Errors below.
func (c Code) Error() string { return c.String() }

// Is lets errors.Is match a wrapped Code against its equivalent sentinel
// error.
func (c Code) Is(target error) bool {
	t, ok := target.(Code)
	return ok && t == c
}

// Sentinel errors for use with errors.Is/errors.As at call sites that prefer
// the error idiom over checking a Code directly.
var (
	ErrClosed          error = Closed
	ErrInvalidArgument error = InvalidArgument
	ErrDenied          error = Denied
	ErrInsufficient    error = Insufficient
	ErrTimedOut        error = TimedOut
	ErrNotYetImpl      error = NotYetImplemented
)

// FromError maps a generic error to a Code, defaulting to Unexpected when the
// error does not already carry one of our sentinels.
func FromError(err error) Code {
	if err == nil {
		return OK
	}

	var code Code
	if c, ok := err.(Code); ok { //nolint:errorlint
		return c
	}

	for _, candidate := range []Code{
		Closed, Destroyed, Exists, WouldBlock, FutexChanged,
		NotYetImplemented, Unexpected, InvalidArgument, NotReady,
		Insufficient, TimedOut, Denied, Collision,
	} {
		if isCode(err, candidate) {
			code = candidate
			return code
		}
	}

	return Unexpected
}

func isCode(err error, c Code) bool {
	type isser interface{ Is(error) bool }
	if i, ok := err.(isser); ok {
		return i.Is(c)
	}

	return false
}
