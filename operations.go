package storagekit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"

	"github.com/gobeaver/storagekit/fspath"
)

// ============================================================================
// Derived Operations
// ============================================================================

// TextOption configures ReadText and WriteText.
type TextOption func(*textOptions)

type textOptions struct {
	encoding encoding.Encoding
}

// WithEncoding selects the text encoding. UTF-8 is the default.
func WithEncoding(enc encoding.Encoding) TextOption {
	return func(o *textOptions) {
		if enc != nil {
			o.encoding = enc
		}
	}
}

func processTextOptions(opts []TextOption) *textOptions {
	o := &textOptions{encoding: unicode.UTF8}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RequireFile returns an argument error when path is a folder.
func RequireFile(op string, path fspath.Path) error {
	if path.IsFolder() {
		return argError(op, path.String(), "path must be a file")
	}
	return nil
}

// RequireFolder returns an argument error when path is a file.
func RequireFolder(op string, path fspath.Path) error {
	if !path.IsFolder() {
		return argError(op, path.String(), "path must be a folder")
	}
	return nil
}

// ReadBytes reads the whole file. found is false when the file is absent.
func ReadBytes(ctx context.Context, s Storage, path fspath.Path) (data []byte, found bool, err error) {
	if err := RequireFile("read", path); err != nil {
		return nil, false, err
	}
	r, err := s.OpenRead(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if r == nil {
		return nil, false, nil
	}
	defer r.Close()

	data, err = io.ReadAll(r)
	if err != nil {
		return nil, false, &PathError{Op: "read", Path: path.String(), Err: err}
	}
	return data, true, nil
}

// WriteBytes replaces the file content with data.
func WriteBytes(ctx context.Context, s Storage, path fspath.Path, data []byte) error {
	if err := RequireFile("write", path); err != nil {
		return err
	}
	w, err := s.OpenWrite(ctx, path, WriteCreate)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		discard(w, err)
		return &PathError{Op: "write", Path: path.String(), Err: err}
	}
	return w.Close()
}

// ReadText reads a file as text. found is false when the file is absent.
func ReadText(ctx context.Context, s Storage, path fspath.Path, opts ...TextOption) (text string, found bool, err error) {
	o := processTextOptions(opts)

	data, found, err := ReadBytes(ctx, s, path)
	if err != nil || !found {
		return "", found, err
	}
	decoded, err := o.encoding.NewDecoder().Bytes(data)
	if err != nil {
		return "", false, &PathError{Op: "read", Path: path.String(), Err: err}
	}
	return string(decoded), true, nil
}

// WriteText replaces the file content with text.
func WriteText(ctx context.Context, s Storage, path fspath.Path, text string, opts ...TextOption) error {
	o := processTextOptions(opts)

	if err := RequireFile("write", path); err != nil {
		return err
	}
	encoded, err := o.encoding.NewEncoder().Bytes([]byte(text))
	if err != nil {
		return &PathError{Op: "write", Path: path.String(), Err: err}
	}
	return WriteBytes(ctx, s, path, encoded)
}

// ReadAsJSON decodes a JSON file into a T.
func ReadAsJSON[T any](ctx context.Context, s Storage, path fspath.Path, opts ...TextOption) (value T, found bool, err error) {
	text, found, err := ReadText(ctx, s, path, opts...)
	if err != nil || !found {
		return value, found, err
	}
	if err := json.Unmarshal([]byte(text), &value); err != nil {
		return value, false, &PathError{Op: "read", Path: path.String(), Err: err}
	}
	return value, true, nil
}

// WriteAsJSON encodes value as JSON into the file.
func WriteAsJSON(ctx context.Context, s Storage, path fspath.Path, value any, opts ...TextOption) error {
	data, err := json.Marshal(value)
	if err != nil {
		return &PathError{Op: "write", Path: path.String(), Err: err}
	}
	return WriteText(ctx, s, path, string(data), opts...)
}

// Exists opens path for reading and reports whether anything came back.
func Exists(ctx context.Context, s Storage, path fspath.Path) (bool, error) {
	r, err := s.OpenRead(ctx, path)
	if err != nil {
		return false, err
	}
	if r == nil {
		return false, nil
	}
	return true, r.Close()
}

// Ren renames a file by copying it to newPath and removing oldPath. Folder
// renames and file/folder mixes are rejected before anything is touched.
func Ren(ctx context.Context, s Storage, oldPath, newPath fspath.Path) error {
	if oldPath.IsFolder() || newPath.IsFolder() {
		return &PathError{
			Op:   "ren",
			Path: oldPath.String(),
			Err:  fmt.Errorf("%w: %w: only file to file rename is possible", ErrInvalidArgument, ErrNotSupported),
		}
	}
	if oldPath == newPath {
		return nil
	}

	r, err := s.OpenRead(ctx, oldPath)
	if err != nil {
		return err
	}
	if r == nil {
		return argError("ren", oldPath.String(), "source does not exist")
	}

	err = copyInto(ctx, s, newPath, r)
	r.Close()
	if err != nil {
		return err
	}
	return s.Rm(ctx, oldPath, false)
}

// Copy streams a file from one storage into another.
func Copy(ctx context.Context, src Storage, srcPath fspath.Path, dst Storage, dstPath fspath.Path) error {
	if err := RequireFile("copy", srcPath); err != nil {
		return err
	}
	if err := RequireFile("copy", dstPath); err != nil {
		return err
	}
	r, err := src.OpenRead(ctx, srcPath)
	if err != nil {
		return err
	}
	if r == nil {
		return argError("copy", srcPath.String(), "source does not exist")
	}
	defer r.Close()
	return copyInto(ctx, dst, dstPath, r)
}

func copyInto(ctx context.Context, s Storage, path fspath.Path, r io.Reader) error {
	w, err := s.OpenWrite(ctx, path, WriteCreate)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		discard(w, err)
		return &PathError{Op: "copy", Path: path.String(), Err: err}
	}
	return w.Close()
}

// aborter is implemented by writers that can end without committing, such
// as stream.WriteSession.
type aborter interface {
	CloseWithError(err error) error
}

// discard ends w without committing when it supports that. Other writers
// are closed, which may commit what was written so far.
func discard(w io.WriteCloser, err error) {
	if a, ok := w.(aborter); ok {
		a.CloseWithError(err)
		return
	}
	w.Close()
}

// RemoveTree deletes every file under folder one by one. Backends whose
// folders have no independent existence use it for recursive Rm.
func RemoveTree(ctx context.Context, s Storage, folder fspath.Path) error {
	entries, err := s.Ls(ctx, folder.WithTrailingSlash(), true)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsFolder() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.Rm(ctx, e.Path, false); err != nil {
			return err
		}
	}
	return nil
}
