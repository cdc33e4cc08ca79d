package gatt

import (
	"errors"
	"fmt"
)

// FailureKind classifies session-level failures so callers can tell an
// unreachable device apart from one that rejected a request.
type FailureKind string

const (
	NotConnected FailureKind = "not_connected"
	Busy         FailureKind = "busy"
	Rejected     FailureKind = "rejected"
	BadAddress   FailureKind = "bad_address"
	Evicted      FailureKind = "evicted"
)

// SessionError represents any session-state related problem.
type SessionError struct {
	Kind FailureKind
	Msg  string
}

func (e *SessionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare SessionError values by Kind.
func (e *SessionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for session states.
var (
	ErrNotConnected = &SessionError{Kind: NotConnected}
	ErrBusy         = &SessionError{Kind: Busy}
	ErrRejected     = &SessionError{Kind: Rejected}
	ErrBadAddress   = &SessionError{Kind: BadAddress}
	ErrEvicted      = &SessionError{Kind: Evicted}
)

// Operation errors.
var (
	ErrTimeout        = errors.New("timeout")
	ErrConnectionLost = errors.New("connection lost")
)

// StatusError carries a non-success transport status delivered on a
// completion callback. Status values are the raw platform codes.
type StatusError struct {
	Op     string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d", e.Op, e.Status)
}

// IsFailureKind reports whether err is a SessionError with the given kind.
func IsFailureKind(err error, kind FailureKind) bool {
	var serr *SessionError
	if errors.As(err, &serr) {
		return serr.Kind == kind
	}
	return false
}
