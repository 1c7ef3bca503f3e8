// Package apperr defines the failure taxonomy shared by the template services.
//
// Every failure carries the operation name and the template/version ids it
// concerned, so callers can act on it without inspecting internals.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindConflict
	KindIOFailure
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindIOFailure:
		return "io failure"
	case KindValidation:
		return "validation failure"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is against any *Error of the same kind.
var (
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrConflict   = &Error{Kind: KindConflict}
	ErrIOFailure  = &Error{Kind: KindIOFailure}
	ErrValidation = &Error{Kind: KindValidation}
)

// Error is a classified failure with the context it occurred in.
type Error struct {
	Kind       Kind
	Op         string
	TemplateID string
	VersionID  string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.TemplateID != "" {
		fmt.Fprintf(&b, " (template %s", e.TemplateID)
		if e.VersionID != "" {
			fmt.Fprintf(&b, ", version %s", e.VersionID)
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels by kind so errors.Is(err, ErrNotFound) works for any
// NotFound error regardless of its context fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.TemplateID == "" && t.Err == nil && t.Kind == e.Kind
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NotFound builds a NotFound failure.
func NotFound(op, templateID, versionID string, err error) *Error {
	return &Error{Kind: KindNotFound, Op: op, TemplateID: templateID, VersionID: versionID, Err: err}
}

// Conflict builds a Conflict failure.
func Conflict(op, templateID string, err error) *Error {
	return &Error{Kind: KindConflict, Op: op, TemplateID: templateID, Err: err}
}

// IO builds an IOFailure; the underlying error is kept verbatim.
func IO(op, templateID string, err error) *Error {
	return &Error{Kind: KindIOFailure, Op: op, TemplateID: templateID, Err: err}
}

// Validation builds a ValidationFailure from a message.
func Validation(op, templateID, format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Op: op, TemplateID: templateID, Err: fmt.Errorf(format, args...)}
}

// WithVersion sets the version id on an *Error in place and returns it.
func (e *Error) WithVersion(versionID string) *Error {
	e.VersionID = versionID
	return e
}
