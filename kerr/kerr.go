// Package kerr defines the kernel's closed error taxonomy and its mapping
// onto POSIX errno values.
package kerr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Code names a kind of kernel failure, mirroring error::Code from the
// original kernel's error.h.
type Code int

const (
	AlreadyExists Code = iota
	MemoryFault
	InvalidArgument
	IOError
	LoopDetected
	Access
	NameTooLong
	NoFile
	NoDevice
	NoEntry
	OutOfSpace
	NotADirectory
	NotEmpty
	PermissionDenied
	NotFound
	NoChildren
	BadState
	NoMemory
	Interrupted
	ExecFormat
)

var names = map[Code]string{
	AlreadyExists:    "already exists",
	MemoryFault:      "memory fault",
	InvalidArgument:  "invalid argument",
	IOError:          "i/o error",
	LoopDetected:     "symlink loop detected",
	Access:           "access denied",
	NameTooLong:      "name too long",
	NoFile:           "no such file",
	NoDevice:         "no such device",
	NoEntry:          "no such entry",
	OutOfSpace:       "no space left",
	NotADirectory:    "not a directory",
	NotEmpty:         "directory not empty",
	PermissionDenied: "permission denied",
	NotFound:         "not found",
	NoChildren:       "no child processes",
	BadState:         "operation invalid in current state",
	NoMemory:         "out of memory",
	Interrupted:      "interrupted system call",
	ExecFormat:       "exec format error",
}

// errnoTable maps each Code onto the POSIX errno the syscall dispatcher
// returns to userland, per spec §7's "sum type with explicit error codes"
// propagation policy.
var errnoTable = map[Code]unix.Errno{
	AlreadyExists:    unix.EEXIST,
	MemoryFault:      unix.EFAULT,
	InvalidArgument:  unix.EINVAL,
	IOError:          unix.EIO,
	LoopDetected:     unix.ELOOP,
	Access:           unix.EACCES,
	NameTooLong:      unix.ENAMETOOLONG,
	NoFile:           unix.ENOENT,
	NoDevice:         unix.ENODEV,
	NoEntry:          unix.ENOENT,
	OutOfSpace:       unix.ENOSPC,
	NotADirectory:    unix.ENOTDIR,
	NotEmpty:         unix.ENOTEMPTY,
	PermissionDenied: unix.EPERM,
	NotFound:         unix.ENOENT,
	NoChildren:       unix.ECHILD,
	BadState:         unix.EINVAL,
	NoMemory:         unix.ENOMEM,
	Interrupted:      unix.EINTR,
	ExecFormat:       unix.ENOEXEC,
}

// Error wraps a Code with caller-supplied context.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, names[e.Code], e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, names[e.Code])
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, kerr.Sentinel(kerr.NoEntry)) style matching
// against a Code.
func (e *Error) Is(target error) bool {
	if c, ok := target.(codeSentinel); ok {
		return e.Code == Code(c)
	}
	return false
}

type codeSentinel Code

func (codeSentinel) Error() string { return "" }

// Sentinel returns a comparable error value for errors.Is matching, e.g.
// errors.Is(err, kerr.Sentinel(kerr.NoEntry)).
func Sentinel(c Code) error { return codeSentinel(c) }

// New constructs an *Error for the given kind and operation.
func New(op string, c Code) error {
	return &Error{Code: c, Op: op}
}

// Wrap constructs an *Error that also carries an underlying cause.
func Wrap(op string, c Code, err error) error {
	return &Error{Code: c, Op: op, Err: err}
}

// Errno returns the POSIX errno a Code maps to, for the syscall return
// path ("Negative returns are -errno", spec §6).
func Errno(c Code) unix.Errno {
	if e, ok := errnoTable[c]; ok {
		return e
	}
	return unix.EINVAL
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func CodeOf(err error) (Code, bool) {
	var e *Error
	for err != nil {
		if ee, ok := err.(*Error); ok {
			e = ee
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0, false
	}
	return e.Code, true
}

// ToErrno converts any error into the errno the syscall layer should
// return, defaulting to EINVAL for errors not produced by this package.
func ToErrno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	if c, ok := CodeOf(err); ok {
		return Errno(c)
	}
	return unix.EINVAL
}
