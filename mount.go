package storagekit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/gobeaver/storagekit/fspath"
)

var (
	// ErrMountNotFound is returned when no mount point exists at a path
	ErrMountNotFound = errors.New("no mount point found for path")
	// ErrMountExists is returned when trying to mount at an existing path
	ErrMountExists = errors.New("mount point already exists")
)

// MountPoint is a backend overlaid at a folder prefix.
type MountPoint struct {
	Prefix  fspath.Path
	Storage Storage
}

// VirtualStorage overlays backends at folder prefixes on top of a root
// backend. Every primitive goes to the deepest mount covering the path, or to
// the root when none does. Content of the root below a mount is shadowed.
type VirtualStorage struct {
	root   Storage
	logger *zap.Logger

	mu     sync.RWMutex
	mounts map[string]Storage
	// sorted mount paths for longest-prefix matching
	sortedPaths []string
}

// VirtualOption configures a VirtualStorage.
type VirtualOption func(*VirtualStorage)

// WithVirtualLogger sets the logger.
func WithVirtualLogger(l *zap.Logger) VirtualOption {
	return func(v *VirtualStorage) { v.logger = nopIfNil(l) }
}

// NewVirtualStorage creates a virtual filesystem over root.
func NewVirtualStorage(root Storage, opts ...VirtualOption) *VirtualStorage {
	v := &VirtualStorage{
		root:   root,
		logger: zap.NewNop(),
		mounts: make(map[string]Storage),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Mount attaches s at prefix, which must be a folder path other than root.
// Nested mounts are allowed.
//
//	vfs.Mount(fspath.New("/mnt/c/"), disk)
//	vfs.Mount(fspath.New("/mnt/films/"), s3)
func (v *VirtualStorage) Mount(prefix fspath.Path, s Storage) error {
	if s == nil {
		return argError("mount", prefix.String(), "storage cannot be nil")
	}
	if !prefix.IsFolder() || prefix.IsRoot() {
		return argError("mount", prefix.String(), "mount path must be a folder below root")
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	key := prefix.String()
	if _, exists := v.mounts[key]; exists {
		return fmt.Errorf("%w: %s", ErrMountExists, key)
	}
	v.mounts[key] = s
	v.updateSortedPaths()

	v.logger.Debug("mounted", zap.String("prefix", key))
	return nil
}

// Unmount removes the backend mounted at prefix. The backend is not closed.
func (v *VirtualStorage) Unmount(prefix fspath.Path) error {
	key := prefix.WithTrailingSlash().String()

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.mounts[key]; !exists {
		return fmt.Errorf("%w: %s", ErrMountNotFound, key)
	}
	delete(v.mounts, key)
	v.updateSortedPaths()

	v.logger.Debug("unmounted", zap.String("prefix", key))
	return nil
}

// Mounts returns the current mount points ordered by prefix.
func (v *VirtualStorage) Mounts() []MountPoint {
	v.mu.RLock()
	defer v.mu.RUnlock()

	result := make([]MountPoint, 0, len(v.mounts))
	for k, s := range v.mounts {
		result = append(result, MountPoint{Prefix: fspath.New(k), Storage: s})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Prefix.String() < result[j].Prefix.String()
	})
	return result
}

// Root returns the backend serving paths outside every mount.
func (v *VirtualStorage) Root() Storage { return v.root }

// resolve finds the backend owning p and p relative to it. prefix is the
// zero Path for the root backend.
func (v *VirtualStorage) resolve(p fspath.Path) (s Storage, inner fspath.Path, prefix fspath.Path) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	full := p.String()
	for _, mountPath := range v.sortedPaths {
		if strings.HasPrefix(full, mountPath) {
			mp := fspath.New(mountPath)
			return v.mounts[mountPath], p.RelativeTo(mp), mp
		}
	}
	return v.root, p, fspath.Path{}
}

// updateSortedPaths updates the sorted paths slice for longest-prefix matching.
// Must be called with lock held.
func (v *VirtualStorage) updateSortedPaths() {
	paths := make([]string, 0, len(v.mounts))
	for p := range v.mounts {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		return len(paths[i]) > len(paths[j])
	})
	v.sortedPaths = paths
}

func mountEntry(p fspath.Path, isMount bool) *Entry {
	e := NewEntry(p)
	if isMount {
		e.Properties.Set(PropIsMountPoint, true)
	}
	return e
}

// ============================================================================
// Storage Implementation
// ============================================================================

// Ls lists the owner of folder, then adds a folder entry for every mount
// point found below folder. Mount entries replace same-path entries coming
// from the owner. With recurse set, nested mounts are listed as well.
func (v *VirtualStorage) Ls(ctx context.Context, folder fspath.Path, recurse bool) ([]*Entry, error) {
	folder = folder.WithTrailingSlash()

	owner, inner, prefix := v.resolve(folder)
	listed, err := owner.Ls(ctx, inner, recurse)
	if err != nil {
		return nil, err
	}

	byPath := make(map[string]*Entry, len(listed))
	for _, e := range listed {
		if !prefix.IsRoot() {
			e = e.WithPath(e.Path.Prefix(prefix))
		}
		byPath[e.Path.String()] = e
	}

	for _, mp := range v.Mounts() {
		m := mp.Prefix.String()
		if !strings.HasPrefix(m, folder.String()) || m == folder.String() {
			continue
		}
		if v.reachedThrough(mp.Prefix, folder) {
			continue
		}

		rest := strings.TrimPrefix(m, folder.String())
		if !recurse {
			first := strings.SplitN(rest, fspath.Separator, 2)[0]
			child := folder.Combine(first + fspath.Separator)
			byPath[child.String()] = mountEntry(child, child.Equal(mp.Prefix))
			continue
		}

		// The owner's content under the mount is shadowed.
		for k := range byPath {
			if strings.HasPrefix(k, m) {
				delete(byPath, k)
			}
		}
		segments := strings.Split(strings.TrimSuffix(rest, fspath.Separator), fspath.Separator)
		for i := 1; i <= len(segments); i++ {
			p := folder.Combine(strings.Join(segments[:i], fspath.Separator) + fspath.Separator)
			byPath[p.String()] = mountEntry(p, p.Equal(mp.Prefix))
		}
		nested, err := v.Ls(ctx, mp.Prefix, true)
		if err != nil {
			return nil, err
		}
		for _, e := range nested {
			byPath[e.Path.String()] = e
		}
	}

	entries := make([]*Entry, 0, len(byPath))
	for _, e := range byPath {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

// reachedThrough reports whether target sits below another mount that is
// itself below folder, so that target is listed through that mount.
func (v *VirtualStorage) reachedThrough(target, folder fspath.Path) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	t := target.String()
	for _, m := range v.sortedPaths {
		if m != t && strings.HasPrefix(t, m) && len(m) > len(folder.String()) {
			return true
		}
	}
	return false
}

// OpenRead implements Storage.
func (v *VirtualStorage) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	s, inner, _ := v.resolve(p)
	return s.OpenRead(ctx, inner)
}

// OpenWrite implements Storage.
func (v *VirtualStorage) OpenWrite(ctx context.Context, p fspath.Path, mode WriteMode) (io.WriteCloser, error) {
	s, inner, _ := v.resolve(p)
	return s.OpenWrite(ctx, inner, mode)
}

// Rm implements Storage. Removing a mount point folder empties the mounted
// backend but keeps the mount.
func (v *VirtualStorage) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	s, inner, _ := v.resolve(p)
	return s.Rm(ctx, inner, recurse)
}

// Stat implements Storage. A mount point always exists.
func (v *VirtualStorage) Stat(ctx context.Context, p fspath.Path) (*Entry, error) {
	v.mu.RLock()
	_, isMount := v.mounts[p.WithTrailingSlash().String()]
	v.mu.RUnlock()
	if isMount {
		return mountEntry(p.WithTrailingSlash(), true), nil
	}

	s, inner, prefix := v.resolve(p)
	e, err := s.Stat(ctx, inner)
	if err != nil || e == nil || prefix.IsRoot() {
		return e, err
	}
	return e.WithPath(e.Path.Prefix(prefix)), nil
}

// Close closes the root and every mounted backend.
func (v *VirtualStorage) Close() error {
	errs := []error{Close(v.root)}
	for _, mp := range v.Mounts() {
		errs = append(errs, Close(mp.Storage))
	}
	return errors.Join(errs...)
}

var (
	_ Storage = (*VirtualStorage)(nil)
	_ Closer  = (*VirtualStorage)(nil)
)
