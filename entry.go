package storagekit

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/gobeaver/storagekit/fspath"
)

// Well-known property names set by backends and decorators.
const (
	PropIsMountPoint = "IsMountPoint"
	PropContentType  = "ContentType"
	PropETag         = "ETag"
	PropBlobType     = "BlobType"
)

// Props is a case-insensitive bag. Keys are stored lower-cased, so use the
// methods rather than indexing the map directly.
type Props[V any] map[string]V

// Get returns the value stored under key.
func (p Props[V]) Get(key string) (V, bool) {
	v, ok := p[strings.ToLower(key)]
	return v, ok
}

// Set stores value under key, replacing any differently cased duplicate.
func (p Props[V]) Set(key string, value V) {
	p[strings.ToLower(key)] = value
}

// Delete removes key.
func (p Props[V]) Delete(key string) {
	delete(p, strings.ToLower(key))
}

// Clone returns an independent copy.
func (p Props[V]) Clone() Props[V] {
	if p == nil {
		return make(Props[V])
	}
	return maps.Clone(p)
}

// Entry describes one listed or stat'd object. Two entries are equal when
// their paths are equal.
type Entry struct {
	Path                 fspath.Path
	Size                 *int64
	MD5                  string
	CreatedTime          *time.Time
	LastModificationTime *time.Time

	// Properties holds backend-specific extras.
	Properties Props[any]

	// Metadata holds user-defined key/value pairs.
	Metadata Props[string]
}

// NewEntry returns an Entry for path with empty bags.
func NewEntry(path fspath.Path) *Entry {
	return &Entry{
		Path:       path,
		Properties: make(Props[any]),
		Metadata:   make(Props[string]),
	}
}

// Name is the last path segment.
func (e *Entry) Name() string { return e.Path.Name() }

// IsFolder reports whether the entry is a folder.
func (e *Entry) IsFolder() bool { return e.Path.IsFolder() }

// SetSize records the content length.
func (e *Entry) SetSize(n int64) *Entry {
	e.Size = &n
	return e
}

// SetModTime records the last modification time in UTC.
func (e *Entry) SetModTime(t time.Time) *Entry {
	t = t.UTC()
	e.LastModificationTime = &t
	return e
}

// SetCreatedTime records the creation time in UTC.
func (e *Entry) SetCreatedTime(t time.Time) *Entry {
	t = t.UTC()
	e.CreatedTime = &t
	return e
}

// Equal compares by path only.
func (e *Entry) Equal(other *Entry) bool {
	if e == nil || other == nil {
		return e == other
	}
	return e.Path.Equal(other.Path)
}

// Clone deep-copies the entry. The copy never shares bags with e.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Size != nil {
		n := *e.Size
		c.Size = &n
	}
	if e.CreatedTime != nil {
		t := *e.CreatedTime
		c.CreatedTime = &t
	}
	if e.LastModificationTime != nil {
		t := *e.LastModificationTime
		c.LastModificationTime = &t
	}
	c.Properties = e.Properties.Clone()
	c.Metadata = e.Metadata.Clone()
	return &c
}

// String returns the path, with the size for files.
func (e *Entry) String() string {
	if e.Size != nil && !e.IsFolder() {
		return fmt.Sprintf("%s (%d)", e.Path, *e.Size)
	}
	return e.Path.String()
}

// WithPath returns a clone of e moved to path.
func (e *Entry) WithPath(path fspath.Path) *Entry {
	c := e.Clone()
	c.Path = path
	return c
}
