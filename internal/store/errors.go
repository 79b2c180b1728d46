package store

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrNotFound covers both missing sessions and sessions owned by someone
	// else, so callers cannot tell whether a session exists.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is reserved for cases where revealing existence is harmless.
	ErrForbidden = errors.New("forbidden")

	ErrInvalidSender = errors.New("invalid sender")
)

// Context keys for error values
const (
	SessionIDKey = "session_id"
	OwnerKey     = "owner"
	SequenceKey  = "sequence"
)

func notFound(sessionID string, owner Owner) error {
	return goerr.Wrap(ErrNotFound, "session not found",
		goerr.V(SessionIDKey, sessionID), goerr.V(OwnerKey, owner))
}
