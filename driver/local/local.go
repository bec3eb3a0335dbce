// Package local is a Storage rooted at a directory on the local disk.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/fspath"
	"github.com/gobeaver/storagekit/stream"
)

// tempPrefix marks in-flight writes. Listings skip these files.
const tempPrefix = ".storagekit-"

// DefaultBufferSize is the write-session buffer size.
const DefaultBufferSize = 1 << 20

// Adapter maps storage paths onto files below root.
type Adapter struct {
	root   string
	logger *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates a new local filesystem adapter, creating root if needed.
func New(root string, opts ...Option) (*Adapter, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, err
	}

	a := &Adapter{root: absRoot, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Root returns the absolute directory backing the adapter.
func (a *Adapter) Root() string { return a.root }

// fullPath resolves p below root. Normalized paths cannot climb above root.
func (a *Adapter) fullPath(p fspath.Path) string {
	return filepath.Join(a.root, filepath.FromSlash(p.WithoutLeadingSlash()))
}

func (a *Adapter) storagePath(full string, dir bool) (fspath.Path, error) {
	rel, err := filepath.Rel(a.root, full)
	if err != nil {
		return fspath.Path{}, err
	}
	rel = filepath.ToSlash(rel)
	if dir {
		rel += "/"
	}
	return fspath.New(rel), nil
}

// Ls implements storagekit.Storage. A missing folder lists as empty.
func (a *Adapter) Ls(ctx context.Context, folder fspath.Path, recurse bool) ([]*storagekit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir := a.fullPath(folder.WithTrailingSlash())

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &storagekit.PathError{Op: "ls", Path: folder.String(), Err: err}
	}
	if !info.IsDir() {
		return nil, nil
	}

	var entries []*storagekit.Entry
	if recurse {
		err = filepath.WalkDir(dir, func(walkPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if walkPath == dir {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if strings.HasPrefix(d.Name(), tempPrefix) {
				return nil
			}
			e, err := a.entryFor(walkPath, d)
			if err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	} else {
		var children []fs.DirEntry
		children, err = os.ReadDir(dir)
		for _, d := range children {
			if strings.HasPrefix(d.Name(), tempPrefix) {
				continue
			}
			e, entryErr := a.entryFor(filepath.Join(dir, d.Name()), d)
			if entryErr != nil {
				err = entryErr
				break
			}
			entries = append(entries, e)
		}
	}
	if err != nil {
		return nil, &storagekit.PathError{Op: "ls", Path: folder.String(), Err: err}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func (a *Adapter) entryFor(full string, d fs.DirEntry) (*storagekit.Entry, error) {
	info, err := d.Info()
	if err != nil {
		return nil, err
	}
	p, err := a.storagePath(full, info.IsDir())
	if err != nil {
		return nil, err
	}
	return newEntry(p, info, ""), nil
}

func newEntry(p fspath.Path, info os.FileInfo, contentType string) *storagekit.Entry {
	e := storagekit.NewEntry(p).SetModTime(info.ModTime())
	if created := extractCreatedTime(info); created != nil {
		e.SetCreatedTime(*created)
	}
	if info.IsDir() {
		return e
	}
	e.SetSize(info.Size())
	if contentType == "" {
		contentType = storagekit.ContentTypeOf(p)
	}
	if contentType != "" {
		e.Properties.Set(storagekit.PropContentType, contentType)
	}
	return e
}

// OpenRead implements storagekit.Storage.
func (a *Adapter) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storagekit.RequireFile("read", p); err != nil {
		return nil, err
	}

	f, err := os.Open(a.fullPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &storagekit.PathError{Op: "read", Path: p.String(), Err: err}
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		f.Close()
		return nil, nil
	}
	return f, nil
}

// OpenWrite implements storagekit.Storage. Content goes to a temporary file
// next to the target and is renamed into place on Close.
func (a *Adapter) OpenWrite(ctx context.Context, p fspath.Path, mode storagekit.WriteMode) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := storagekit.RequireFile("write", p); err != nil {
		return nil, err
	}
	c := &committer{target: a.fullPath(p), path: p, mode: mode}
	return stream.NewWriteSession(ctx, c, DefaultBufferSize, stream.WithLogger(a.logger)), nil
}

// Rm implements storagekit.Storage. Folders are removed natively; with
// recurse unset only empty folders go.
func (a *Adapter) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full := a.fullPath(p)

	if !p.IsFolder() {
		err := os.Remove(full)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &storagekit.PathError{Op: "rm", Path: p.String(), Err: err}
		}
		return nil
	}

	children, err := os.ReadDir(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &storagekit.PathError{Op: "rm", Path: p.String(), Err: err}
	}
	if !recurse && len(children) > 0 {
		return &storagekit.PathError{
			Op:   "rm",
			Path: p.String(),
			Err:  fmt.Errorf("%w: folder is not empty", storagekit.ErrInvalidArgument),
		}
	}

	if p.IsRoot() {
		for _, c := range children {
			if err := os.RemoveAll(filepath.Join(full, c.Name())); err != nil {
				return &storagekit.PathError{Op: "rm", Path: p.String(), Err: err}
			}
		}
		return nil
	}
	if err := os.RemoveAll(full); err != nil {
		return &storagekit.PathError{Op: "rm", Path: p.String(), Err: err}
	}
	return nil
}

// Stat implements storagekit.Storage.
func (a *Adapter) Stat(ctx context.Context, p fspath.Path) (*storagekit.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full := a.fullPath(p)

	info, err := os.Stat(full)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, &storagekit.PathError{Op: "stat", Path: p.String(), Err: err}
	}
	if info.IsDir() {
		return newEntry(p.WithTrailingSlash(), info, ""), nil
	}
	if p.IsFolder() {
		return nil, nil
	}
	return newEntry(p, info, getContentType(p, full)), nil
}

// getContentType guesses from the name, then sniffs the first 512 bytes.
func getContentType(p fspath.Path, full string) string {
	if contentType := storagekit.ContentTypeOf(p); contentType != "" {
		return contentType
	}

	file, err := os.Open(full)
	if err != nil {
		return ""
	}
	defer file.Close()

	buffer := make([]byte, 512)
	n, err := file.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return ""
	}
	return http.DetectContentType(buffer[:n])
}

// ============================================================================
// Write session
// ============================================================================

// committer stages parts in a temporary file in the target's folder so the
// final rename stays on one filesystem.
type committer struct {
	target string
	path   fspath.Path
	mode   storagekit.WriteMode
	tmp    *os.File
}

func (c *committer) Dump(_ context.Context, _ int, data []byte, _ bool) error {
	if c.tmp == nil {
		dir := filepath.Dir(c.target)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return &storagekit.PathError{Op: "write", Path: c.path.String(), Err: err}
		}
		name := filepath.Join(dir, tempPrefix+uuid.NewString())
		f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err != nil {
			return &storagekit.PathError{Op: "write", Path: c.path.String(), Err: err}
		}
		c.tmp = f
	}
	if _, err := c.tmp.Write(data); err != nil {
		return &storagekit.PathError{Op: "write", Path: c.path.String(), Err: err}
	}
	return nil
}

func (c *committer) Commit(_ context.Context) error {
	name := c.tmp.Name()
	if err := c.tmp.Close(); err != nil {
		return &storagekit.PathError{Op: "write", Path: c.path.String(), Err: err}
	}

	if c.mode == storagekit.WriteAppend {
		if _, err := os.Stat(c.target); err == nil {
			defer os.Remove(name)
			return c.appendTo(name)
		}
	}
	if err := os.Rename(name, c.target); err != nil {
		os.Remove(name)
		return &storagekit.PathError{Op: "write", Path: c.path.String(), Err: err}
	}
	return nil
}

func (c *committer) appendTo(staged string) error {
	src, err := os.Open(staged)
	if err != nil {
		return &storagekit.PathError{Op: "append", Path: c.path.String(), Err: err}
	}
	defer src.Close()

	dst, err := os.OpenFile(c.target, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return &storagekit.PathError{Op: "append", Path: c.path.String(), Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return &storagekit.PathError{Op: "append", Path: c.path.String(), Err: err}
	}
	return dst.Close()
}

// Abort implements stream.Aborter.
func (c *committer) Abort(_ context.Context) error {
	if c.tmp == nil {
		return nil
	}
	c.tmp.Close()
	if err := os.Remove(c.tmp.Name()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

var (
	_ storagekit.Storage = (*Adapter)(nil)
	_ storagekit.Watcher = (*Adapter)(nil)
	_ stream.Aborter     = (*committer)(nil)
)
