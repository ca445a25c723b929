package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for rejected session mutations. Every rejection leaves
// persisted state unchanged.
var (
	// ErrNotFound means the session id is unknown.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTransition means the operation is not valid for the
	// session's current status.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStaleCommit means a commit targeted a session that already
	// expired; the commit is rejected rather than resurrecting it.
	ErrStaleCommit = errors.New("commit on expired session")
)

// ConflictError is returned when the machine-wide insertion lock is held
// by another device.
type ConflictError struct {
	HeldBy string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("insertion lock held by %s", e.HeldBy)
}
