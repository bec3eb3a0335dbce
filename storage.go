package storagekit

import (
	"context"
	"io"

	"github.com/gobeaver/storagekit/fspath"
)

// ============================================================================
// Storage Contract
// ============================================================================

// Storage is the contract every backend implements. It is deliberately small:
// everything else (text, JSON, rename, copy, existence) is derived from these
// five primitives by the package-level helpers.
//
// Absence is not an error. OpenRead and Stat return nil, nil for a missing
// path and Rm of a missing path succeeds.
type Storage interface {
	// Ls lists the folder at path. With recurse set, every nested entry is
	// returned. Folders come back folder-terminated.
	Ls(ctx context.Context, path fspath.Path, recurse bool) ([]*Entry, error)

	// OpenRead opens a file for sequential reading.
	OpenRead(ctx context.Context, path fspath.Path) (io.ReadCloser, error)

	// OpenWrite opens a write session. Data becomes visible only after Close
	// returns without error.
	OpenWrite(ctx context.Context, path fspath.Path, mode WriteMode) (io.WriteCloser, error)

	// Rm removes a file, or a folder and its content when recurse is set.
	Rm(ctx context.Context, path fspath.Path, recurse bool) error

	// Stat describes a single file or folder.
	Stat(ctx context.Context, path fspath.Path) (*Entry, error)
}

// WriteMode selects how OpenWrite treats existing content.
type WriteMode int

const (
	// WriteCreate replaces any existing file.
	WriteCreate WriteMode = iota
	// WriteAppend adds to the end of an existing file, creating it if needed.
	WriteAppend
)

// String returns the mode name.
func (m WriteMode) String() string {
	switch m {
	case WriteCreate:
		return "create"
	case WriteAppend:
		return "append"
	default:
		return "unknown"
	}
}

// Watcher is implemented by backends that can report changes. Each value
// received is the path of a file that was created, modified or removed. The
// channel closes when ctx is done.
type Watcher interface {
	Watch(ctx context.Context, folder fspath.Path) (<-chan fspath.Path, error)
}

// Closer is implemented by backends holding network clients or OS handles.
type Closer interface {
	Close() error
}

// Close releases s if it implements Closer.
func Close(s Storage) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}
