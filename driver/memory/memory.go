// Package memory is a Storage kept entirely in process memory. Folders have
// no independent existence: a folder exists while a file exists beneath it.
package memory

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/fspath"
	"github.com/gobeaver/storagekit/stream"
)

// ErrNoSpace is returned when a commit would exceed Config.MaxSize.
var ErrNoSpace = errors.New("memory: storage full")

// DefaultBufferSize is the write-session buffer used when Config leaves it unset.
const DefaultBufferSize = 64 << 10

// memoryFile is one stored object. content is never mutated in place, so
// readers may hold on to it after the lock is released.
type memoryFile struct {
	content     []byte
	contentType string
	md5         string
	created     time.Time
	modTime     time.Time
}

// watchEntry is a single Watch subscription
type watchEntry struct {
	folder string
	ch     chan fspath.Path
}

// Config holds configuration for the memory adapter
type Config struct {
	// MaxSize is the maximum total storage size in bytes (0 = unlimited)
	MaxSize int64

	// BufferSize is the write-session buffer size.
	BufferSize int

	// Clock overrides time.Now, for tests that need to age entries.
	Clock func() time.Time

	Logger *zap.Logger
}

// Adapter implements storagekit.Storage and storagekit.Watcher.
type Adapter struct {
	mu         sync.RWMutex
	files      map[string]*memoryFile
	maxSize    int64
	size       int64
	bufferSize int
	now        func() time.Time
	logger     *zap.Logger

	watchMu sync.RWMutex
	watches []*watchEntry
}

// New creates an empty in-memory store.
func New(cfg ...Config) *Adapter {
	var c Config
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	return &Adapter{
		files:      make(map[string]*memoryFile),
		maxSize:    c.MaxSize,
		bufferSize: c.BufferSize,
		now:        c.Clock,
		logger:     c.Logger,
	}
}

// Ls implements storagekit.Storage. Entries are sorted by path.
func (a *Adapter) Ls(ctx context.Context, folder fspath.Path, recurse bool) ([]*storagekit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := folder.WithTrailingSlash().String()

	a.mu.RLock()
	defer a.mu.RUnlock()

	seen := make(map[string]bool)
	var entries []*storagekit.Entry
	addFolder := func(p string) {
		if !seen[p] {
			seen[p] = true
			entries = append(entries, storagekit.NewEntry(fspath.New(p)))
		}
	}

	for key, f := range a.files {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rel := strings.TrimPrefix(key, prefix)
		segments := strings.Split(rel, "/")

		if !recurse && len(segments) > 1 {
			addFolder(prefix + segments[0] + "/")
			continue
		}
		for i := 1; i < len(segments); i++ {
			addFolder(prefix + strings.Join(segments[:i], "/") + "/")
		}
		entries = append(entries, f.entry(key))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

// OpenRead implements storagekit.Storage.
func (a *Adapter) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storagekit.RequireFile("read", p); err != nil {
		return nil, err
	}

	a.mu.RLock()
	f, exists := a.files[p.String()]
	a.mu.RUnlock()

	if !exists {
		return nil, nil
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

// OpenWrite implements storagekit.Storage. The file appears when the
// returned writer is closed.
func (a *Adapter) OpenWrite(ctx context.Context, p fspath.Path, mode storagekit.WriteMode) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storagekit.RequireFile("write", p); err != nil {
		return nil, err
	}
	c := &committer{adapter: a, path: p.String(), mode: mode}
	return stream.NewWriteSession(ctx, c, a.bufferSize, stream.WithLogger(a.logger)), nil
}

// Rm implements storagekit.Storage. Removing a missing path succeeds.
func (a *Adapter) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var removed []string
	a.mu.Lock()
	if !p.IsFolder() {
		if f, ok := a.files[p.String()]; ok {
			a.size -= int64(len(f.content))
			delete(a.files, p.String())
			removed = append(removed, p.String())
		}
	} else {
		prefix := p.String()
		for key, f := range a.files {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			if !recurse {
				a.mu.Unlock()
				return &storagekit.PathError{
					Op:   "rm",
					Path: prefix,
					Err:  fmt.Errorf("%w: folder is not empty", storagekit.ErrInvalidArgument),
				}
			}
			a.size -= int64(len(f.content))
			delete(a.files, key)
			removed = append(removed, key)
		}
	}
	a.mu.Unlock()

	for _, key := range removed {
		a.notifyWatchers(key)
	}
	return nil
}

// Stat implements storagekit.Storage.
func (a *Adapter) Stat(ctx context.Context, p fspath.Path) (*storagekit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if !p.IsFolder() {
		if f, ok := a.files[p.String()]; ok {
			return f.entry(p.String()), nil
		}
		return nil, nil
	}
	if p.IsRoot() {
		return storagekit.NewEntry(p), nil
	}
	for key := range a.files {
		if strings.HasPrefix(key, p.String()) {
			return storagekit.NewEntry(p), nil
		}
	}
	return nil, nil
}

// Clear removes all files.
func (a *Adapter) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = make(map[string]*memoryFile)
	a.size = 0
}

// Size returns the current total size of all stored files
func (a *Adapter) Size() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.size
}

// FileCount returns the number of files stored
func (a *Adapter) FileCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.files)
}

func (f *memoryFile) entry(key string) *storagekit.Entry {
	e := storagekit.NewEntry(fspath.New(key)).
		SetSize(int64(len(f.content))).
		SetCreatedTime(f.created).
		SetModTime(f.modTime)
	e.MD5 = f.md5
	e.Properties.Set(storagekit.PropContentType, f.contentType)
	return e
}

// ============================================================================
// Write session
// ============================================================================

type committer struct {
	adapter *Adapter
	path    string
	mode    storagekit.WriteMode
	buf     bytes.Buffer
}

func (c *committer) Dump(_ context.Context, _ int, data []byte, _ bool) error {
	_, err := c.buf.Write(data)
	return err
}

func (c *committer) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a := c.adapter

	a.mu.Lock()
	now := a.now()
	f := &memoryFile{created: now, modTime: now}
	oldSize := int64(0)
	if existing, ok := a.files[c.path]; ok {
		oldSize = int64(len(existing.content))
		if c.mode == storagekit.WriteAppend {
			f.created = existing.created
			f.content = make([]byte, 0, len(existing.content)+c.buf.Len())
			f.content = append(f.content, existing.content...)
		}
	}
	f.content = append(f.content, c.buf.Bytes()...)

	newSize := a.size - oldSize + int64(len(f.content))
	if a.maxSize > 0 && newSize > a.maxSize {
		a.mu.Unlock()
		return &storagekit.PathError{Op: "write", Path: c.path, Err: ErrNoSpace}
	}

	sum := md5.Sum(f.content)
	f.md5 = hex.EncodeToString(sum[:])
	f.contentType = detectContentType(c.path, f.content)
	a.files[c.path] = f
	a.size = newSize
	a.mu.Unlock()

	a.notifyWatchers(c.path)
	return nil
}

// detectContentType determines the content type of a file
func detectContentType(p string, data []byte) string {
	if contentType := storagekit.ContentTypeOf(fspath.New(p)); contentType != "" {
		return contentType
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return "application/octet-stream"
}

// ============================================================================
// Watcher Implementation
// ============================================================================

// Watch implements storagekit.Watcher. Every committed write or removal
// under folder is reported until ctx is done. A receiver that falls behind
// the channel buffer misses events.
func (a *Adapter) Watch(ctx context.Context, folder fspath.Path) (<-chan fspath.Path, error) {
	w := &watchEntry{
		folder: folder.WithTrailingSlash().String(),
		ch:     make(chan fspath.Path, 64),
	}

	a.watchMu.Lock()
	a.watches = append(a.watches, w)
	a.watchMu.Unlock()

	go func() {
		<-ctx.Done()
		a.removeWatch(w)
	}()
	return w.ch, nil
}

func (a *Adapter) notifyWatchers(key string) {
	a.watchMu.RLock()
	defer a.watchMu.RUnlock()

	for _, w := range a.watches {
		if !strings.HasPrefix(key, w.folder) {
			continue
		}
		select {
		case w.ch <- fspath.New(key):
		default:
			a.logger.Warn("watch channel full, dropping event", zap.String("path", key))
		}
	}
}

func (a *Adapter) removeWatch(w *watchEntry) {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	for i, entry := range a.watches {
		if entry == w {
			a.watches = append(a.watches[:i], a.watches[i+1:]...)
			close(w.ch)
			return
		}
	}
}

var (
	_ storagekit.Storage = (*Adapter)(nil)
	_ storagekit.Watcher = (*Adapter)(nil)
)
