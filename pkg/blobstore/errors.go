package blobstore

import (
	"errors"
	"fmt"
)

// NotFound is returned when no file exists at the requested path.
type NotFound struct {
	Path string
}

func (e NotFound) Error() string {
	return fmt.Sprintf("blobstore: %q not found", e.Path)
}

// AlreadyExists is returned by PutCreate when a file is already present.
type AlreadyExists struct {
	Path string
}

func (e AlreadyExists) Error() string {
	return fmt.Sprintf("blobstore: %q already exists", e.Path)
}

// RevMismatch is returned by PutUpdate and Delete when the stored revision
// no longer matches the expected one, meaning a concurrent writer got there
// first.
type RevMismatch struct {
	Path        string
	ExpectedRev string
}

func (e RevMismatch) Error() string {
	return fmt.Sprintf("blobstore: %q changed since revision %q", e.Path, e.ExpectedRev)
}

// AuthError is returned when the store rejects the credentials. It is
// terminal for the whole session, never retried.
type AuthError struct {
	Reason string
}

func (e AuthError) Error() string {
	return fmt.Sprintf("blobstore: authentication failed: %s", e.Reason)
}

// IsNotFound reports whether err is a NotFound.
func IsNotFound(err error) bool {
	var nf NotFound
	return errors.As(err, &nf)
}

// IsAlreadyExists reports whether err is an AlreadyExists.
func IsAlreadyExists(err error) bool {
	var ae AlreadyExists
	return errors.As(err, &ae)
}

// IsRevMismatch reports whether err is a RevMismatch.
func IsRevMismatch(err error) bool {
	var rm RevMismatch
	return errors.As(err, &rm)
}

// IsAuthError reports whether err is an AuthError.
func IsAuthError(err error) bool {
	var ae AuthError
	return errors.As(err, &ae)
}

// IsTransient reports whether err may succeed on retry. Typed store errors
// are real outcomes; everything else (network failures, 5xx, rate limits)
// is assumed transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsNotFound(err) && !IsAlreadyExists(err) && !IsRevMismatch(err) && !IsAuthError(err)
}
