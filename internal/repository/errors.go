package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrConflict indicates a write-once or uniqueness constraint was violated.
var ErrConflict = errors.New("repository: conflict")

// ErrStaleState indicates a guarded state transition did not match the
// expected prior state.
var ErrStaleState = errors.New("repository: stale state")
