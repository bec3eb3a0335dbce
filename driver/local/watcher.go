package local

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/fspath"
)

// Watch implements storagekit.Watcher using fsnotify. Every folder below
// folder is watched, including ones created later. The channel closes when
// ctx is done.
func (a *Adapter) Watch(ctx context.Context, folder fspath.Path) (<-chan fspath.Path, error) {
	dir := a.fullPath(folder.WithTrailingSlash())

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, &storagekit.PathError{Op: "watch", Path: folder.String(), Err: err}
	}
	if err := addTree(w, dir); err != nil {
		w.Close()
		return nil, &storagekit.PathError{Op: "watch", Path: folder.String(), Err: err}
	}

	out := make(chan fspath.Path, 64)
	go func() {
		defer close(out)
		defer w.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if strings.HasPrefix(filepath.Base(event.Name), tempPrefix) {
					continue
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := addTree(w, event.Name); err != nil {
							a.logger.Warn("watch new folder", zap.String("dir", event.Name), zap.Error(err))
						}
						continue
					}
				}
				p, err := a.storagePath(event.Name, false)
				if err != nil {
					continue
				}
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				a.logger.Warn("watch error", zap.String("dir", dir), zap.Error(err))
			}
		}
	}()
	return out, nil
}

// addTree watches dir and every folder below it.
func addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
}
