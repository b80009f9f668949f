// Package fserr defines the error kinds the filesystem facade surfaces to
// its caller, per spec.md §7. A facade-level failure is, or wraps, a
// *fserr.Error (found with Is), which in turn wraps an underlying cause (often a lower package's plain error, or a
// device-level I/O error) with github.com/pkg/errors so the original
// context survives up to whatever calls the facade.
package fserr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind enumerates the error categories spec.md §7 names.
type Kind int

const (
	_ Kind = iota
	NotFound
	Exists
	NotDir
	IsDir
	NotEmpty
	NotSymlink
	NoSpace
	FileTooLarge
	NameTooLong
	InvalidArgument
	ReadOnly
	IoError
	Corrupt
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Exists:
		return "already exists"
	case NotDir:
		return "not a directory"
	case IsDir:
		return "is a directory"
	case NotEmpty:
		return "not empty"
	case NotSymlink:
		return "not a symlink"
	case NoSpace:
		return "no space left on device"
	case FileTooLarge:
		return "file too large"
	case NameTooLong:
		return "name too long"
	case InvalidArgument:
		return "invalid argument"
	case ReadOnly:
		return "read-only filesystem"
	case IoError:
		return "I/O error"
	case Corrupt:
		return "filesystem corrupt"
	default:
		return "unknown error"
	}
}

// Error is the concrete error type every facade operation returns on
// failure.
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

// New builds a bare *Error with no wrapped cause.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap builds a *Error wrapping cause with a stack-annotated chain via
// github.com/pkg/errors, so IoError/Corrupt retain their origin.
func Wrap(op string, kind Kind, cause error) *Error {
	if cause == nil {
		return New(op, kind)
	}
	return &Error{Op: op, Kind: kind, Err: errors.Wrapf(cause, "%s", op)}
}

// Is reports whether err is a *Error of the given kind, unwrapping
// through any wrapping errors.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
