// Package dbfs is a Storage over the Databricks file system REST API
// (/api/2.0/dbfs). Every call is a JSON POST authenticated with a bearer
// token. Reads and uploads move data in base64 blocks of at most 1 MiB, the
// limit the API enforces.
package dbfs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/fspath"
	"github.com/gobeaver/storagekit/internal/httpx"
	"github.com/gobeaver/storagekit/stream"
)

const (
	apiPrefix = "/api/2.0/dbfs/"

	// BlockSize is the largest payload a single read or add-block call carries.
	BlockSize = 1 << 20

	// DefaultBufferSize is the write-session buffer.
	DefaultBufferSize = 4 * BlockSize

	errResourceDoesNotExist = "RESOURCE_DOES_NOT_EXIST"
)

// Adapter implements storagekit.Storage for DBFS.
type Adapter struct {
	client     *httpx.Client
	logger     *zap.Logger
	bufferSize int
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithBufferSize overrides the write-session buffer.
func WithBufferSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.bufferSize = n
		}
	}
}

// New returns an adapter issuing requests through client, which must already
// carry the workspace URL and the bearer signer.
func New(client *httpx.Client, opts ...Option) *Adapter {
	a := &Adapter{
		client:     client,
		logger:     zap.NewNop(),
		bufferSize: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type fileInfo struct {
	Path             string `json:"path"`
	IsDir            bool   `json:"is_dir"`
	FileSize         int64  `json:"file_size"`
	ModificationTime int64  `json:"modification_time"`
}

type listResponse struct {
	Files []fileInfo `json:"files"`
}

type readResponse struct {
	BytesRead int64  `json:"bytes_read"`
	Data      string `json:"data"`
}

type handleResponse struct {
	Handle int64 `json:"handle"`
}

// call posts in to the named endpoint. Each call carries its own request id
// so failures can be matched with workspace audit logs.
func (a *Adapter) call(ctx context.Context, endpoint string, in, out any) error {
	return a.post(ctx, endpoint, false, in, out)
}

// callOnce is call for endpoints that change state on every request, such as
// add-block and close. A lost response must not be replayed.
func (a *Adapter) callOnce(ctx context.Context, endpoint string, in, out any) error {
	return a.post(ctx, endpoint, true, in, out)
}

func (a *Adapter) post(ctx context.Context, endpoint string, once bool, in, out any) error {
	req := &httpx.Request{
		Method:       http.MethodPost,
		Path:         apiPrefix + endpoint,
		Header:       make(http.Header),
		DisableRetry: once,
	}
	req.Header.Set("X-Request-Id", uuid.NewString())
	return a.client.JSON(ctx, req, in, out)
}

func isNotFound(err error) bool {
	var pe *storagekit.ProtocolError
	if !errors.As(err, &pe) {
		return false
	}
	return pe.StatusCode == http.StatusNotFound || pe.Code == errResourceDoesNotExist
}

// dbfsPath converts a storage path to the API form: absolute, no trailing
// separator except for the root.
func dbfsPath(p fspath.Path) string {
	s := strings.TrimSuffix(p.String(), fspath.Separator)
	if s == "" {
		return fspath.Root
	}
	return s
}

func toEntry(f fileInfo) *storagekit.Entry {
	p := f.Path
	if f.IsDir {
		p += fspath.Separator
	}
	e := storagekit.NewEntry(fspath.New(p))
	if !f.IsDir {
		e.SetSize(f.FileSize)
	}
	if f.ModificationTime > 0 {
		e.SetModTime(time.UnixMilli(f.ModificationTime))
	}
	return e
}

// Ls implements storagekit.Storage. A missing folder lists as empty.
func (a *Adapter) Ls(ctx context.Context, path fspath.Path, recurse bool) ([]*storagekit.Entry, error) {
	if err := storagekit.RequireFolder("ls", path); err != nil {
		return nil, err
	}

	var entries []*storagekit.Entry
	pending := []string{dbfsPath(path)}
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		folder := pending[0]
		pending = pending[1:]

		var resp listResponse
		err := a.call(ctx, "list", map[string]any{"path": folder}, &resp)
		if isNotFound(err) {
			continue
		}
		if err != nil {
			return nil, &storagekit.PathError{Op: "ls", Path: folder, Err: err}
		}
		for _, f := range resp.Files {
			entries = append(entries, toEntry(f))
			if recurse && f.IsDir {
				pending = append(pending, f.Path)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

// Stat implements storagekit.Storage.
func (a *Adapter) Stat(ctx context.Context, path fspath.Path) (*storagekit.Entry, error) {
	if path.IsRoot() {
		return storagekit.NewEntry(path), nil
	}
	f, err := a.status(ctx, path)
	if err != nil || f == nil {
		return nil, err
	}
	if f.IsDir != path.IsFolder() {
		return nil, nil
	}
	return toEntry(*f), nil
}

func (a *Adapter) status(ctx context.Context, path fspath.Path) (*fileInfo, error) {
	var f fileInfo
	err := a.call(ctx, "get-status", map[string]any{"path": dbfsPath(path)}, &f)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &storagekit.PathError{Op: "stat", Path: path.String(), Err: err}
	}
	return &f, nil
}

// OpenRead implements storagekit.Storage.
func (a *Adapter) OpenRead(ctx context.Context, path fspath.Path) (io.ReadCloser, error) {
	if err := storagekit.RequireFile("read", path); err != nil {
		return nil, err
	}
	f, err := a.status(ctx, path)
	if err != nil {
		return nil, err
	}
	if f == nil || f.IsDir {
		return nil, nil
	}

	target := dbfsPath(path)
	read := func(ctx context.Context, offset int64, p []byte) (int, error) {
		var resp readResponse
		err := a.call(ctx, "read", map[string]any{
			"path":   target,
			"offset": offset,
			"length": len(p),
		}, &resp)
		if err != nil {
			return 0, &storagekit.PathError{Op: "read", Path: target, Err: err}
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data)
		if err != nil {
			return 0, &storagekit.PathError{Op: "read", Path: target, Err: err}
		}
		n := copy(p, data)
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
	return stream.NewChunkReader(ctx, read, BlockSize, f.FileSize), nil
}

// OpenWrite implements storagekit.Storage. DBFS cannot append, so only
// WriteCreate is accepted.
func (a *Adapter) OpenWrite(ctx context.Context, path fspath.Path, mode storagekit.WriteMode) (io.WriteCloser, error) {
	if err := storagekit.RequireFile("write", path); err != nil {
		return nil, err
	}
	if mode == storagekit.WriteAppend {
		return nil, &storagekit.PathError{Op: "write", Path: path.String(), Err: storagekit.ErrNotSupported}
	}
	c := &uploadCommitter{adapter: a, path: dbfsPath(path)}
	return stream.NewWriteSession(ctx, c, a.bufferSize, stream.WithLogger(a.logger)), nil
}

// uploadCommitter streams a session through create, add-block and close.
type uploadCommitter struct {
	adapter *Adapter
	path    string
	handle  int64
	open    bool
}

func (c *uploadCommitter) Dump(ctx context.Context, _ int, data []byte, _ bool) error {
	if !c.open {
		var resp handleResponse
		err := c.adapter.call(ctx, "create", map[string]any{"path": c.path, "overwrite": true}, &resp)
		if err != nil {
			return &storagekit.PathError{Op: "write", Path: c.path, Err: err}
		}
		c.handle = resp.Handle
		c.open = true
	}

	for len(data) > 0 {
		n := min(len(data), BlockSize)
		err := c.adapter.callOnce(ctx, "add-block", map[string]any{
			"handle": c.handle,
			"data":   base64.StdEncoding.EncodeToString(data[:n]),
		}, nil)
		if err != nil {
			return &storagekit.PathError{Op: "write", Path: c.path, Err: err}
		}
		data = data[n:]
	}
	return nil
}

func (c *uploadCommitter) Commit(ctx context.Context) error {
	if !c.open {
		return nil
	}
	if err := c.adapter.callOnce(ctx, "close", map[string]any{"handle": c.handle}, nil); err != nil {
		return &storagekit.PathError{Op: "write", Path: c.path, Err: err}
	}
	c.open = false
	return nil
}

// Abort releases the stream handle and removes what it wrote. Closing a
// handle publishes the file, so the partial upload is deleted afterwards.
func (c *uploadCommitter) Abort(ctx context.Context) error {
	if !c.open {
		return nil
	}
	c.open = false
	closeErr := c.adapter.callOnce(ctx, "close", map[string]any{"handle": c.handle}, nil)
	err := c.adapter.call(ctx, "delete", map[string]any{"path": c.path, "recursive": false}, nil)
	if err != nil && !isNotFound(err) {
		return err
	}
	return closeErr
}

// Rm implements storagekit.Storage.
func (a *Adapter) Rm(ctx context.Context, path fspath.Path, recurse bool) error {
	if path.IsRoot() {
		entries, err := a.Ls(ctx, path, false)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := a.Rm(ctx, e.Path, recurse); err != nil {
				return err
			}
		}
		return nil
	}

	err := a.call(ctx, "delete", map[string]any{"path": dbfsPath(path), "recursive": recurse}, nil)
	if err != nil && !isNotFound(err) {
		return &storagekit.PathError{Op: "rm", Path: path.String(), Err: fmt.Errorf("delete: %w", err)}
	}
	return nil
}
