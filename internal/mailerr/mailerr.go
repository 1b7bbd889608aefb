// Package mailerr defines the error kinds surfaced across the mailcore
// facade, distinguishing recoverable/local situations (NotFound, Cancelled)
// from kinds the caller must act on (Auth, Network).
package mailerr

import "fmt"

// Kind classifies the originating subsystem or condition of an error.
// NotFound is deliberately not representable here: absent entities are
// returned as (nil, nil), never as an error (spec: "not an error").
type Kind string

const (
	Database  Kind = "database"
	Blob      Kind = "blob"
	Network   Kind = "network"
	Auth      Kind = "auth"
	Sync      Kind = "sync"
	Search    Kind = "search"
	Cancelled Kind = "cancelled"
)

// Error wraps a lower-level cause with a Kind and, for Sync errors, the
// phase in which it occurred (listing, fetching, processing, incremental).
type Error struct {
	Kind  Kind
	Phase string
	Err   error
}

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func WithPhase(kind Kind, phase string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Err: err}
}

func (e *Error) Error() string {
	if e.Phase != "" {
		return fmt.Sprintf("%s[%s]: %v", e.Kind, e.Phase, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, mailerr.Sentinel(mailerr.Auth)) work by comparing
// Kind against a Kind-only *Error with no cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel returns a comparable *Error carrying only a Kind, for use with
// errors.Is(err, mailerr.Sentinel(mailerr.Auth)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}

// IsCancelled reports whether err (or any error it wraps) is a Cancelled
// mailerr.Error.
func IsCancelled(err error) bool {
	var e *Error
	if ok := As(err, &e); ok {
		return e.Kind == Cancelled
	}
	return false
}

// As is a thin local wrapper so callers don't need a separate "errors"
// import just for this package's convenience helpers.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
