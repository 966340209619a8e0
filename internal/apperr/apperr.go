// Package apperr classifies failures crossing the backend boundary into the
// small set of kinds the client reacts to differently.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind is the failure class of an Error.
type Kind string

const (
	// Network failures are transient; the user retries the triggering action.
	Network Kind = "network"
	// Auth failures mean the session is no longer valid.
	Auth Kind = "auth"
	// Validation failures are detected locally and never reach the backend.
	Validation Kind = "validation"
	// Conflict failures carry a specific message, e.g. a duplicate request.
	Conflict Kind = "conflict"
	// Query failures are unexpected shapes or permission denials.
	Query Kind = "query"
)

// Sentinels match any *Error of the same kind with errors.Is.
var (
	ErrNetwork    = &Error{Kind: Network}
	ErrAuth       = &Error{Kind: Auth}
	ErrValidation = &Error{Kind: Validation}
	ErrConflict   = &Error{Kind: Conflict}
	ErrQuery      = &Error{Kind: Query}
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "fetch notifications"
	Code    string // backend code when known, e.g. "23505"
	Message string // user-presentable detail
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s error: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality against a sentinel (an Error with only Kind set).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Message == "" && t.Code == "" && t.Err == nil && t.Kind == e.Kind
}

// New returns an Error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Networkf, Validationf and friends build errors with a formatted message.
func Networkf(op, format string, args ...any) *Error {
	return New(Network, op, fmt.Sprintf(format, args...))
}

func Authf(op, format string, args ...any) *Error {
	return New(Auth, op, fmt.Sprintf(format, args...))
}

func Validationf(op, format string, args ...any) *Error {
	return New(Validation, op, fmt.Sprintf(format, args...))
}

func Conflictf(op, format string, args ...any) *Error {
	return New(Conflict, op, fmt.Sprintf(format, args...))
}

func Queryf(op, format string, args ...any) *Error {
	return New(Query, op, fmt.Sprintf(format, args...))
}

// KindOf classifies any error. Unclassified errors are treated as Query,
// except context deadlines and net errors which are Network.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Network
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Network
	}
	return Query
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Noticer is implemented by errors that carry their own user-facing
// message.
type Noticer interface {
	Notice() string
}

// Notice returns the single user-facing message for a failed action.
func Notice(err error) string {
	if err == nil {
		return ""
	}
	var n Noticer
	if errors.As(err, &n) {
		return n.Notice()
	}
	var e *Error
	hasMsg := errors.As(err, &e) && e.Message != ""
	switch KindOf(err) {
	case Network:
		return "Connection problem. Try again."
	case Auth:
		return "Please sign in again."
	case Validation, Conflict:
		if hasMsg {
			return e.Message
		}
		if KindOf(err) == Conflict {
			return "Already exists."
		}
		return "Check your input."
	default:
		return "Something went wrong."
	}
}
