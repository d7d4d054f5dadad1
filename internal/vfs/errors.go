package vfs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a path does not resolve to a node.
	ErrNotFound = errors.New("vfs: not found")
	// ErrNoAvailableSlave means the file exists but no connected storage
	// node currently holds a copy. The file is unavailable, not deleted.
	ErrNoAvailableSlave = errors.New("vfs: no available slave")
	// ErrNotDirectory is returned when a directory was required.
	ErrNotDirectory = errors.New("vfs: not a directory")
	// ErrIsDirectory is returned when a file was required.
	ErrIsDirectory = errors.New("vfs: is a directory")
	// ErrExists is returned when a name is already taken in a directory.
	ErrExists = errors.New("vfs: already exists")
)

// ConflictError reports a path that one storage node lists as a file and
// another as a directory. It is not recoverable in-process: the merge that
// found it is abandoned and the registry is left as it was.
type ConflictError struct {
	Path          string
	ExistingIsDir bool
}

func (e *ConflictError) Error() string {
	existing, incoming := "file", "directory"
	if e.ExistingIsDir {
		existing, incoming = incoming, existing
	}
	return fmt.Sprintf("vfs: namespace conflict at %s: registry has a %s, snapshot has a %s", e.Path, existing, incoming)
}

// IsConflict reports whether err is or wraps a *ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}
