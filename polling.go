package storagekit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/gobeaver/storagekit/fspath"
)

// DefaultPollInterval is used when NewPolling is given a non-positive interval.
const DefaultPollInterval = 5 * time.Second

// PollingStorage adds a Watcher to a backend without a native change feed by
// listing the watched folder at an interval and comparing snapshots. All
// Storage methods pass straight through.
//
// A change is any file that appeared, disappeared, or whose size, MD5, ETag
// or modification time differs from the previous listing.
type PollingStorage struct {
	Storage
	interval time.Duration
	logger   *zap.Logger
}

// PollingOption configures a PollingStorage.
type PollingOption func(*PollingStorage)

// WithPollingLogger logs failed listings at warn level.
func WithPollingLogger(l *zap.Logger) PollingOption {
	return func(p *PollingStorage) { p.logger = nopIfNil(l) }
}

// NewPolling wraps s.
func NewPolling(s Storage, interval time.Duration, opts ...PollingOption) *PollingStorage {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &PollingStorage{Storage: s, interval: interval, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Unwrap returns the wrapped storage.
func (p *PollingStorage) Unwrap() Storage { return p.Storage }

// Close implements Closer.
func (p *PollingStorage) Close() error { return Close(p.Storage) }

// fingerprint is what two listings compare per file.
type fingerprint struct {
	size    int64
	modTime time.Time
	md5     string
	etag    string
}

func fingerprintOf(e *Entry) fingerprint {
	var f fingerprint
	if e.Size != nil {
		f.size = *e.Size
	}
	if e.LastModificationTime != nil {
		f.modTime = *e.LastModificationTime
	}
	f.md5 = e.MD5
	if v, ok := e.Properties.Get(PropETag); ok {
		f.etag = fmt.Sprint(v)
	}
	return f
}

func (p *PollingStorage) snapshot(ctx context.Context, folder fspath.Path) (map[string]fingerprint, error) {
	entries, err := p.Storage.Ls(ctx, folder, true)
	if err != nil {
		return nil, err
	}
	snap := make(map[string]fingerprint, len(entries))
	for _, e := range entries {
		if !e.IsFolder() {
			snap[e.Path.String()] = fingerprintOf(e)
		}
	}
	return snap, nil
}

// diffSnapshots returns the paths that differ between two listings, in no
// particular order.
func diffSnapshots(before, after map[string]fingerprint) []string {
	var changed []string
	for path, f := range after {
		if old, ok := before[path]; !ok || old.size != f.size || !old.modTime.Equal(f.modTime) || old.md5 != f.md5 || old.etag != f.etag {
			changed = append(changed, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changed = append(changed, path)
		}
	}
	return changed
}

// Watch implements Watcher. The first listing happens before Watch returns,
// so its error is reported directly; later listing failures are logged and
// retried on the next tick.
func (p *PollingStorage) Watch(ctx context.Context, folder fspath.Path) (<-chan fspath.Path, error) {
	folder = fspath.New(folder.String()).WithTrailingSlash()
	prev, err := p.snapshot(ctx, folder)
	if err != nil {
		return nil, &PathError{Op: "watch", Path: folder.String(), Err: err}
	}

	out := make(chan fspath.Path, 64)
	go func() {
		defer close(out)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			next, err := p.snapshot(ctx, folder)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("poll listing failed", zap.String("folder", folder.String()), zap.Error(err))
				}
				continue
			}
			for _, changed := range diffSnapshots(prev, next) {
				select {
				case out <- fspath.New(changed):
				case <-ctx.Done():
					return
				}
			}
			prev = next
		}
	}()
	return out, nil
}

// OnChange calls action for every change w reports under folder until ctx is
// done. It returns once the subscription is established.
//
//	err := storagekit.OnChange(ctx, s, fspath.New("/config/"), func(p fspath.Path) {
//	    log.Println("reloading after change to", p)
//	})
func OnChange(ctx context.Context, w Watcher, folder fspath.Path, action func(fspath.Path)) error {
	changes, err := w.Watch(ctx, folder)
	if err != nil {
		return err
	}
	go func() {
		for p := range changes {
			action(p)
		}
	}()
	return nil
}
