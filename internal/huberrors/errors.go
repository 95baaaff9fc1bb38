// Package huberrors classifies application errors by kind. Each kind has a sentinel for
// errors.Is and a constructor carrying detail; wrapped causes stay reachable through Unwrap.
package huberrors

import "errors"

// Kind is the class of an application error.
type Kind uint8

const (
	KindNotFound Kind = iota + 1
	KindValidation
	KindLimitExceeded
	KindConflict
	// KindPermanent is an item failure that will not succeed on re-attempt
	// (malformed payload, content deleted upstream, inference rejected the input).
	KindPermanent
	// KindFatal is a job failure that must not consume a retry (invalid configuration,
	// model unavailable).
	KindFatal
)

var kindText = map[Kind]string{
	KindNotFound:      "not found",
	KindValidation:    "validation error",
	KindLimitExceeded: "limit exceeded",
	KindConflict:      "conflict",
	KindPermanent:     "permanent failure",
	KindFatal:         "fatal failure",
}

func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}

	return "unknown"
}

// Error is an application error of a given Kind. Subject names the resource or field
// concerned; Err is an optional cause.
type Error struct {
	Kind    Kind
	Subject string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Subject != "" {
		msg = e.Subject + ": " + e.Kind.String()
	}

	switch {
	case msg != "" && e.Err != nil:
		return msg + ": " + e.Err.Error()
	case msg != "":
		return msg
	case e.Err != nil:
		return e.Err.Error()
	}

	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) holds for every
// not-found error however it was built.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)

	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrLimitExceeded = &Error{Kind: KindLimitExceeded}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrPermanent     = &Error{Kind: KindPermanent}
	ErrFatal         = &Error{Kind: KindFatal}
)

// KindOf returns the kind of the outermost *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return 0
}

func NewNotFoundError(resource, message string) *Error {
	return &Error{Kind: KindNotFound, Subject: resource, Message: message}
}

func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindValidation, Subject: field, Message: message}
}

func NewLimitExceededError(message string) *Error {
	return &Error{Kind: KindLimitExceeded, Message: message}
}

func NewConflictError(message string) *Error {
	return &Error{Kind: KindConflict, Message: message}
}

// NewPermanentError wraps err as a permanent item failure.
func NewPermanentError(message string, err error) *Error {
	return &Error{Kind: KindPermanent, Message: message, Err: err}
}

// NewFatalError wraps err as a fatal job failure.
func NewFatalError(message string, err error) *Error {
	return &Error{Kind: KindFatal, Message: message, Err: err}
}
