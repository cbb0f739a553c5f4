// Package failure defines the typed error taxonomy shared by every domain
// package. Domain packages export sentinel *Error values with a stable code;
// call sites attach details with the With* helpers and callers match with
// errors.Is against the sentinel or inspect the Kind with KindOf.
package failure

import (
	"errors"
	"fmt"
	"maps"
)

// Kind classifies a failure independently of the component that raised it.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindInvalidState  Kind = "invalid_state_transition"
	KindPrecondition  Kind = "precondition_not_met"
	KindExternal      Kind = "external_dependency_failure"
	KindDuplicate     Kind = "duplicate_request"
	KindNotFound      Kind = "not_found"
	KindValidation    Kind = "validation"
)

// Error is a domain failure. Code identifies the specific condition
// (e.g. "bidding_closed") and is what errors.Is compares.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details map[string]any
	Err     error
}

// New builds a sentinel failure.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a failure with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func (e *Error) clone() *Error {
	c := *e
	c.Details = maps.Clone(e.Details)
	return &c
}

// WithMessage returns a copy carrying a more specific message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	c := e.clone()
	c.Message = fmt.Sprintf(format, args...)
	return c
}

// WithDetail returns a copy with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	c := e.clone()
	if c.Details == nil {
		c.Details = make(map[string]any, 1)
	}
	c.Details[key] = value
	return c
}

// Wrap returns a copy that wraps cause.
func (e *Error) Wrap(cause error) *Error {
	c := e.clone()
	c.Err = cause
	return c
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err is not a domain failure.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// Generic failures for conditions that are not component specific.
var (
	ErrForbidden = New(KindAuthorization, "forbidden", "caller is not a party to this resource")
	ErrNotFound  = New(KindNotFound, "not_found", "resource not found")
	ErrInvalid   = New(KindValidation, "invalid_input", "invalid input")
	ErrExternal  = New(KindExternal, "external_dependency_failure", "external dependency failed")
)
