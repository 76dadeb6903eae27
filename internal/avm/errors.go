package avm

import (
	"errors"
	"fmt"
)

// Error is a structural error raised by the repository.
//
// Structural errors abort the operation that raised them. The one exception is
// a NameCollision during a batch update, which skips only the affected entry.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Path is the affected path or name, when known.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes repository errors.
type ErrorCode string

const (
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeNameCollision   ErrorCode = "NAME_COLLISION"
	ErrCodeCycle           ErrorCode = "CYCLE"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeTypeMismatch    ErrorCode = "TYPE_MISMATCH"
	ErrCodeStoreNotFound   ErrorCode = "STORE_NOT_FOUND"
	ErrCodeVersionNotFound ErrorCode = "VERSION_NOT_FOUND"
	ErrCodeInvalidPath     ErrorCode = "INVALID_PATH"
	ErrCodeSealed          ErrorCode = "SEALED"
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg = fmt.Sprintf("%s (path=%s)", msg, e.Path)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a NotFound error.
// StoreNotFound and VersionNotFound are distinct codes and do not match.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsNameCollision reports whether err is a child-entry uniqueness violation.
func IsNameCollision(err error) bool { return CodeOf(err) == ErrCodeNameCollision }

// IsCycleError reports whether err is an indirection cycle.
func IsCycleError(err error) bool { return CodeOf(err) == ErrCodeCycle }

// IsConflict reports whether err is an unresolved conflict.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsTypeMismatch reports whether a file was used as a directory or vice versa.
func IsTypeMismatch(err error) bool { return CodeOf(err) == ErrCodeTypeMismatch }

// IsStoreNotFound reports whether err names an unknown store.
func IsStoreNotFound(err error) bool { return CodeOf(err) == ErrCodeStoreNotFound }

// IsVersionNotFound reports whether err names an unknown version.
func IsVersionNotFound(err error) bool { return CodeOf(err) == ErrCodeVersionNotFound }

// IsSealed reports whether err is an attempt to write a sealed node.
func IsSealed(err error) bool { return CodeOf(err) == ErrCodeSealed }

func newError(code ErrorCode, path, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Path: path}
}

// NewNotFoundError reports an unknown id or a missing path segment.
func NewNotFoundError(path, format string, args ...any) *Error {
	return newError(ErrCodeNotFound, path, format, args...)
}

// NewNameCollisionError reports that name already exists under a parent.
func NewNameCollisionError(path string, err error) *Error {
	e := newError(ErrCodeNameCollision, path, "child entry already exists")
	e.Err = err
	return e
}

// NewCycleError reports an indirection chain that revisits a path.
func NewCycleError(path string, hops int) *Error {
	return newError(ErrCodeCycle, path, "indirection cycle after %d hops", hops)
}

// NewConflictError reports a conflicting difference left unapplied.
func NewConflictError(path string) *Error {
	return newError(ErrCodeConflict, path, "conflicting change not applied")
}

// NewTypeMismatchError reports a file used as a directory or vice versa.
func NewTypeMismatchError(path, format string, args ...any) *Error {
	return newError(ErrCodeTypeMismatch, path, format, args...)
}

// NewStoreNotFoundError reports an unknown store name or id.
func NewStoreNotFoundError(store string) *Error {
	return newError(ErrCodeStoreNotFound, store, "store does not exist")
}

// NewVersionNotFoundError reports an unknown version of a store.
func NewVersionNotFoundError(store string, version int) *Error {
	return newError(ErrCodeVersionNotFound, store, "version %d does not exist", version)
}

// NewInvalidPathError reports a malformed path or child name.
func NewInvalidPathError(path, format string, args ...any) *Error {
	return newError(ErrCodeInvalidPath, path, format, args...)
}

// NewSealedError reports an update aimed at a sealed node.
func NewSealedError(id int64) *Error {
	return newError(ErrCodeSealed, "", "node %d is sealed", id)
}
