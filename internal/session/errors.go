package session

import "github.com/dukerupert/econet/internal/store"

// The error taxonomy is defined next to the persisted guards in the store
// package; aliased here so callers of the controller only depend on the
// session package.
var (
	ErrNotFound          = store.ErrNotFound
	ErrInvalidTransition = store.ErrInvalidTransition
	ErrStaleCommit       = store.ErrStaleCommit
)

// ConflictError reports that the insertion lock is held by another device.
type ConflictError = store.ConflictError
