// Package apperr defines the error taxonomy shared by the store gateway,
// the worker pool, and the HTTP handlers: ValidationError, AuthError,
// QuotaError, NotFound, Conflict, Transient, Fatal.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for HTTP status mapping and retry policy.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuth       Kind = "auth"
	KindQuota      Kind = "quota"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindFatal      Kind = "fatal"
)

// Error is a typed application error carrying a Kind and an optional
// wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func newErr(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, Message: msg, Cause: cause}
}

func Validation(msg string) *Error             { return newErr(KindValidation, msg, nil) }
func Auth(msg string) *Error                    { return newErr(KindAuth, msg, nil) }
func Quota(msg string) *Error                   { return newErr(KindQuota, msg, nil) }
func NotFound(msg string) *Error                { return newErr(KindNotFound, msg, nil) }
func Conflict(msg string) *Error                { return newErr(KindConflict, msg, nil) }
func Transient(msg string, cause error) *Error  { return newErr(KindTransient, msg, cause) }
func Fatal(msg string, cause error) *Error      { return newErr(KindFatal, msg, cause) }

// KindOf extracts the Kind of err if it is (or wraps) an *Error.
// Unrecognized errors are reported as KindTransient, matching spec's
// "store or network hiccup" default.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}
