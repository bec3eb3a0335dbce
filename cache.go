package storagekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/gobeaver/storagekit/fspath"
)

// CacheStorage serves reads of a source backend from a second caching
// backend. Cached copies are keyed by path and source modification time, so
// a changed source file misses the old key on its own. Ls, Stat and Rm go
// straight to the source.
//
// Population of one key is coalesced within the process. Two processes
// sharing a cache backend may still both copy the same key; the content is
// identical so the race is tolerated.
type CacheStorage struct {
	source  Storage
	cache   Storage
	maxAge  time.Duration
	logger  *zap.Logger
	metrics *Metrics
	now     func() time.Time
	group   singleflight.Group
}

// CacheOption configures a CacheStorage.
type CacheOption func(*CacheStorage)

// WithCacheLogger sets the logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *CacheStorage) { c.logger = nopIfNil(l) }
}

// WithCacheMetrics records hits, misses and evictions.
func WithCacheMetrics(m *Metrics) CacheOption {
	return func(c *CacheStorage) { c.metrics = m }
}

// WithCacheClock overrides time.Now when computing entry age.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CacheStorage) {
		if now != nil {
			c.now = now
		}
	}
}

// NoCacheExpiry keeps cached copies until the source file changes.
const NoCacheExpiry time.Duration = -1

// NewCacheStorage wraps source with cache. Cached copies whose age reaches
// maxAge are refetched, so zero refetches on every read. Pass NoCacheExpiry
// to keep copies until the source changes.
func NewCacheStorage(source, cache Storage, maxAge time.Duration, opts ...CacheOption) *CacheStorage {
	c := &CacheStorage{
		source: source,
		cache:  cache,
		maxAge: maxAge,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Source returns the wrapped backend.
func (c *CacheStorage) Source() Storage { return c.source }

// cacheFolder holds every cached version of p.
func cacheFolder(p fspath.Path) fspath.Path {
	return p.WithTrailingSlash()
}

func cacheKey(p fspath.Path, modified time.Time) fspath.Path {
	return cacheFolder(p).Combine(strconv.FormatInt(modified.UnixNano(), 10))
}

func (c *CacheStorage) expired(e *Entry) bool {
	if c.maxAge < 0 || e.LastModificationTime == nil {
		return false
	}
	return c.now().Sub(*e.LastModificationTime) >= c.maxAge
}

// OpenRead implements Storage.
func (c *CacheStorage) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	if err := RequireFile("read", p); err != nil {
		return nil, err
	}

	src, err := c.source.Stat(ctx, p)
	if err != nil || src == nil {
		return nil, err
	}
	if src.LastModificationTime == nil {
		// Nothing to key on.
		return c.source.OpenRead(ctx, p)
	}
	key := cacheKey(p, *src.LastModificationTime)

	cached, err := c.cache.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if cached != nil && c.expired(cached) {
		if err := c.cache.Rm(ctx, key, false); err != nil {
			return nil, err
		}
		c.metrics.cacheEvicted(1)
		c.logger.Debug("cache entry expired", zap.String("path", p.String()))
		cached = nil
	}

	if cached == nil {
		c.metrics.cacheMiss()
		_, err, _ = c.group.Do(key.String(), func() (any, error) {
			return nil, c.populate(ctx, p, key)
		})
		if err != nil {
			return nil, err
		}
	} else {
		c.metrics.cacheHit()
	}

	r, err := c.cache.OpenRead(ctx, key)
	if err != nil || r != nil {
		return r, err
	}
	// Evicted between populate and read.
	return c.source.OpenRead(ctx, p)
}

// populate copies p from the source into key after dropping older versions.
func (c *CacheStorage) populate(ctx context.Context, p, key fspath.Path) error {
	if _, err := c.Invalidate(ctx, p); err != nil {
		return err
	}

	r, err := c.source.OpenRead(ctx, p)
	if err != nil || r == nil {
		return err
	}
	defer r.Close()

	if err := copyInto(ctx, c.cache, key, r); err != nil {
		return fmt.Errorf("cache %s: %w", p, err)
	}
	c.logger.Debug("cached", zap.String("path", p.String()), zap.String("key", key.String()))
	return nil
}

// Invalidate removes every cached copy at or below p and reports whether
// anything was removed.
func (c *CacheStorage) Invalidate(ctx context.Context, p fspath.Path) (bool, error) {
	keys, err := c.cache.Ls(ctx, cacheFolder(p), true)
	if err != nil {
		return false, err
	}

	removed := 0
	for _, k := range keys {
		if k.IsFolder() {
			continue
		}
		if err := c.cache.Rm(ctx, k.Path, false); err != nil {
			return removed > 0, err
		}
		removed++
	}
	c.metrics.cacheEvicted(removed)
	return removed > 0, nil
}

// Clear removes cached copies older than maxAge, or all of them when maxAge
// is zero or NoCacheExpiry.
func (c *CacheStorage) Clear(ctx context.Context) error {
	keys, err := c.cache.Ls(ctx, fspath.Path{}, true)
	if err != nil {
		return err
	}

	removed := 0
	for _, k := range keys {
		if k.IsFolder() || (c.maxAge > 0 && !c.expired(k)) {
			continue
		}
		if err := c.cache.Rm(ctx, k.Path, false); err != nil {
			return err
		}
		removed++
	}
	c.metrics.cacheEvicted(removed)
	c.logger.Info("cache cleared", zap.Int("removed", removed))
	return nil
}

// Follow invalidates cached copies as the source reports changes, until ctx
// is done. The source must implement Watcher.
func (c *CacheStorage) Follow(ctx context.Context) error {
	w, ok := c.source.(Watcher)
	if !ok {
		return fmt.Errorf("%w: source cannot be watched", ErrNotSupported)
	}
	changes, err := w.Watch(ctx, fspath.Path{})
	if err != nil {
		return err
	}

	go func() {
		for p := range changes {
			if _, err := c.Invalidate(ctx, p); err != nil && ctx.Err() == nil {
				c.logger.Warn("cache invalidation failed", zap.String("path", p.String()), zap.Error(err))
			}
		}
	}()
	return nil
}

// Ls implements Storage.
func (c *CacheStorage) Ls(ctx context.Context, p fspath.Path, recurse bool) ([]*Entry, error) {
	return c.source.Ls(ctx, p, recurse)
}

// Stat implements Storage.
func (c *CacheStorage) Stat(ctx context.Context, p fspath.Path) (*Entry, error) {
	return c.source.Stat(ctx, p)
}

// Rm implements Storage and drops the cached copies of p.
func (c *CacheStorage) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	if err := c.source.Rm(ctx, p, recurse); err != nil {
		return err
	}
	_, err := c.Invalidate(ctx, p)
	return err
}

// OpenWrite implements Storage. Cached copies of p are dropped once the
// write commits.
func (c *CacheStorage) OpenWrite(ctx context.Context, p fspath.Path, mode WriteMode) (io.WriteCloser, error) {
	w, err := c.source.OpenWrite(ctx, p, mode)
	if err != nil {
		return nil, err
	}
	return &invalidatingWriter{WriteCloser: w, ctx: ctx, cache: c, path: p}, nil
}

type invalidatingWriter struct {
	io.WriteCloser
	ctx   context.Context
	cache *CacheStorage
	path  fspath.Path
}

func (w *invalidatingWriter) Close() error {
	if err := w.WriteCloser.Close(); err != nil {
		return err
	}
	_, err := w.cache.Invalidate(w.ctx, w.path)
	return err
}

// Close closes both backends.
func (c *CacheStorage) Close() error {
	return errors.Join(Close(c.source), Close(c.cache))
}

var (
	_ Storage = (*CacheStorage)(nil)
	_ Closer  = (*CacheStorage)(nil)
)
