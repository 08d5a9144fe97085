// Package dispatcherr carries the typed error taxonomy the dispatch core
// distinguishes: input errors the caller can act on, versus environmental
// and invariant-violation errors that are logged and counted but never
// abort a poll cycle.
package dispatcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an input error. Environmental, protocol, and invariant
// errors are not Kind-tagged: callers distinguish those by simply not
// getting a *Error back from errors.As.
type Kind string

const (
	KindNotFound          Kind = "NOT_FOUND"
	KindInvalidArgument   Kind = "INVALID_ARGUMENT"
	KindAlreadyActive     Kind = "ALREADY_ACTIVE"
	KindIllegalTransition Kind = "ILLEGAL_TRANSITION"
	KindWorktreeExists    Kind = "WORKTREE_EXISTS"
)

// Error is an input error: one the caller supplied bad arguments or made an
// illegal request for, as opposed to an environmental failure.
type Error struct {
	Kind    Kind
	Subject string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Subject, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Subject)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target has the same Kind, so callers can write
// errors.Is(err, dispatcherr.NotFound("")) style checks with an empty
// subject as a wildcard.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NotFound builds a NOT_FOUND error for the given subject (e.g. "task abc123").
func NotFound(subject string) error {
	return &Error{Kind: KindNotFound, Subject: subject}
}

// InvalidArgument builds an INVALID_ARGUMENT error.
func InvalidArgument(subject string, err error) error {
	return &Error{Kind: KindInvalidArgument, Subject: subject, Err: err}
}

// AlreadyActive builds an ALREADY_ACTIVE error.
func AlreadyActive(subject string) error {
	return &Error{Kind: KindAlreadyActive, Subject: subject}
}

// IllegalTransition builds an ILLEGAL_TRANSITION error.
func IllegalTransition(subject string, from, to any) error {
	return &Error{Kind: KindIllegalTransition, Subject: subject, Err: fmt.Errorf("%v -> %v", from, to)}
}

// WorktreeExists builds a WORKTREE_EXISTS error.
func WorktreeExists(path string) error {
	return &Error{Kind: KindWorktreeExists, Subject: path}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
