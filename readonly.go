package storagekit

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/gobeaver/storagekit/fspath"
)

// ReadOnlyStorage wraps a Storage and rejects OpenWrite and Rm with
// ErrReadOnly. Mounting one in a VirtualStorage exposes a backend without
// letting callers modify it.
//
//	ro := storagekit.NewReadOnly(s)
//	_, err := ro.OpenWrite(ctx, fspath.New("/a.txt"), storagekit.WriteCreate)
//	// errors.Is(err, storagekit.ErrReadOnly)
type ReadOnlyStorage struct {
	s      Storage
	logger *zap.Logger

	// onWriteAttempt may allow a write by returning nil.
	onWriteAttempt func(op string, p fspath.Path) error
}

// ReadOnlyOption configures a ReadOnlyStorage.
type ReadOnlyOption func(*ReadOnlyStorage)

// WithReadOnlyLogger logs every rejected write at warn level.
func WithReadOnlyLogger(l *zap.Logger) ReadOnlyOption {
	return func(r *ReadOnlyStorage) { r.logger = nopIfNil(l) }
}

// WithWriteAttemptHandler decides write attempts. Returning nil lets the
// operation through to the wrapped storage; an error is returned wrapped in
// a PathError.
func WithWriteAttemptHandler(handler func(op string, p fspath.Path) error) ReadOnlyOption {
	return func(r *ReadOnlyStorage) { r.onWriteAttempt = handler }
}

// NewReadOnly creates a read-only view of s.
func NewReadOnly(s Storage, opts ...ReadOnlyOption) *ReadOnlyStorage {
	r := &ReadOnlyStorage{s: s, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Unwrap returns the wrapped storage.
func (r *ReadOnlyStorage) Unwrap() Storage { return r.s }

func (r *ReadOnlyStorage) deny(op string, p fspath.Path) error {
	err := ErrReadOnly
	if r.onWriteAttempt != nil {
		if err = r.onWriteAttempt(op, p); err == nil {
			return nil
		}
	}
	r.logger.Warn("write rejected", zap.String("op", op), zap.Stringer("path", p))
	return &PathError{Op: op, Path: p.String(), Err: err}
}

func (r *ReadOnlyStorage) Ls(ctx context.Context, p fspath.Path, recurse bool) ([]*Entry, error) {
	return r.s.Ls(ctx, p, recurse)
}

func (r *ReadOnlyStorage) Stat(ctx context.Context, p fspath.Path) (*Entry, error) {
	return r.s.Stat(ctx, p)
}

func (r *ReadOnlyStorage) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	return r.s.OpenRead(ctx, p)
}

func (r *ReadOnlyStorage) OpenWrite(ctx context.Context, p fspath.Path, mode WriteMode) (io.WriteCloser, error) {
	if err := r.deny("write", p); err != nil {
		return nil, err
	}
	return r.s.OpenWrite(ctx, p, mode)
}

func (r *ReadOnlyStorage) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	if err := r.deny("rm", p); err != nil {
		return err
	}
	return r.s.Rm(ctx, p, recurse)
}

// Watch delegates when the wrapped storage is a Watcher.
func (r *ReadOnlyStorage) Watch(ctx context.Context, folder fspath.Path) (<-chan fspath.Path, error) {
	if w, ok := r.s.(Watcher); ok {
		return w.Watch(ctx, folder)
	}
	return nil, &PathError{Op: "watch", Path: folder.String(), Err: ErrNotSupported}
}

// Close closes the wrapped storage.
func (r *ReadOnlyStorage) Close() error { return Close(r.s) }

// IsReadOnlyError reports whether err is a rejected write.
func IsReadOnlyError(err error) bool {
	return errors.Is(err, ErrReadOnly)
}

var (
	_ Storage = (*ReadOnlyStorage)(nil)
	_ Watcher = (*ReadOnlyStorage)(nil)
	_ Closer  = (*ReadOnlyStorage)(nil)
)
