package store

import (
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// Kind classifies a store failure.
type Kind string

const (
	// KindBusy marks a transient pool/lock acquisition failure; retryable.
	KindBusy Kind = "store_busy"
	// KindConflict marks a constraint violation.
	KindConflict Kind = "conflict"
	// KindKeyNotFound marks a missing API-key vault entry.
	KindKeyNotFound Kind = "key_not_found"
	// KindNoActiveAccount marks routing with no active account.
	KindNoActiveAccount Kind = "no_active_account"
	// KindStore is everything else.
	KindStore Kind = "store_error"
)

// Error is the store's public error type. It carries a kind and a
// human-readable message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is a store Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}

// wrap classifies a low-level database error. Busy/locked become KindBusy,
// constraint violations become KindConflict.
func wrap(msg string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindStore
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			kind = KindBusy
		case sqlite3.ErrConstraint:
			kind = KindConflict
		}
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

func storeErr(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
