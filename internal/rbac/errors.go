package rbac

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of an authority error.
type Kind string

// Error kinds surfaced to callers.
const (
	KindValidation    Kind = "ValidationError"
	KindNotFound      Kind = "NotFound"
	KindProtected     Kind = "Protected"
	KindAlreadyExists Kind = "AlreadyExists"
	KindPersistence   Kind = "PersistenceError"
	KindSync          Kind = "SyncError"
	KindConfig        Kind = "ConfigError"
	KindForbidden     Kind = "Forbidden"
	KindInternal      Kind = "InternalError"
)

// Error carries a kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rbac: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("rbac: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Sentinels for errors.Is checks.
var (
	ErrValidation    = &Error{Kind: KindValidation}
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrProtected     = &Error{Kind: KindProtected}
	ErrAlreadyExists = &Error{Kind: KindAlreadyExists}
	ErrPersistence   = &Error{Kind: KindPersistence}
	ErrSync          = &Error{Kind: KindSync}
	ErrConfig        = &Error{Kind: KindConfig}
	ErrForbidden     = &Error{Kind: KindForbidden}
)

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the human-readable message carried by err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
