// internal/version/errors.go
package version

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the snapshot id is unknown or its body was pruned.
	ErrNotFound = errors.New("snapshot not found")

	// ErrEmptyStore means no snapshot precedes the queried timestamp.
	// Callers resolve this by materializing an empty initial state.
	ErrEmptyStore = errors.New("no snapshot precedes timestamp")

	// ErrPruneConflict means the snapshot is still the nearest-before
	// answer for a retained time range and must not be pruned.
	ErrPruneConflict = errors.New("snapshot still required by retained range")
)

// StorageError wraps a durable-medium failure. It is always propagated to
// the caller; retry policy belongs to the caller, not this store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}
