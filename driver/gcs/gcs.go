// Package gcs is a Storage over a Google Cloud Storage bucket, driven through
// cloud.google.com/go/storage. As with S3, folders are the common prefixes of
// object names.
package gcs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/auth"
	"github.com/gobeaver/storagekit/fspath"
	"github.com/gobeaver/storagekit/stream"
)

const (
	// DefaultBufferSize is the write-session buffer handed to the object
	// writer on each dump.
	DefaultBufferSize = 8 << 20

	// DefaultChunkSize bounds each range read.
	DefaultChunkSize = stream.DefaultChunkSize
)

// Adapter implements storagekit.Storage for one bucket.
type Adapter struct {
	bucket     *storage.BucketHandle
	bucketName string
	prefix     string
	bufferSize int
	chunkSize  int
	signer     *auth.ServiceAccount
	logger     *zap.Logger
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix roots the adapter at a name prefix inside the bucket.
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithBufferSize sets the write-session buffer.
func WithBufferSize(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.bufferSize = n
		}
	}
}

// WithChunkSize sets the size of each range read.
func WithChunkSize(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithServiceAccount enables SignedURL with the account's private key.
func WithServiceAccount(sa *auth.ServiceAccount) AdapterOption {
	return func(a *Adapter) { a.signer = sa }
}

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates a new GCS storage adapter
func New(client *storage.Client, bucket string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		bucket:     client.Bucket(bucket),
		bucketName: bucket,
		bufferSize: DefaultBufferSize,
		chunkSize:  DefaultChunkSize,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// Bucket returns the bucket name.
func (a *Adapter) Bucket() string { return a.bucketName }

func (a *Adapter) name(p fspath.Path) string {
	return a.prefix + p.WithoutLeadingSlash()
}

func (a *Adapter) pathOf(name string) fspath.Path {
	return fspath.New(fspath.Separator + strings.TrimPrefix(name, a.prefix))
}

// Ls implements storagekit.Storage.
func (a *Adapter) Ls(ctx context.Context, p fspath.Path, recurse bool) ([]*storagekit.Entry, error) {
	if err := storagekit.RequireFolder("ls", p); err != nil {
		return nil, err
	}
	listPrefix := a.name(p)
	query := &storage.Query{Prefix: listPrefix}
	if !recurse {
		query.Delimiter = "/"
	}

	seen := make(map[string]bool)
	var entries []*storagekit.Entry
	addFolder := func(folder fspath.Path) {
		if folder.Equal(p) || seen[folder.String()] {
			return
		}
		seen[folder.String()] = true
		entries = append(entries, storagekit.NewEntry(folder))
	}

	it := a.bucket.Objects(ctx, query)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, mapGCSError("ls", p.String(), err)
		}

		if attrs.Prefix != "" {
			addFolder(a.pathOf(attrs.Prefix))
			continue
		}
		if attrs.Name == listPrefix {
			continue
		}
		if recurse {
			for folder := a.pathOf(attrs.Name).Parent(); !folder.Equal(p) && !folder.IsRoot(); folder = folder.Parent() {
				addFolder(folder)
			}
		}
		if strings.HasSuffix(attrs.Name, "/") {
			addFolder(a.pathOf(attrs.Name))
			continue
		}
		entries = append(entries, attrsEntry(a.pathOf(attrs.Name), attrs))
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func attrsEntry(p fspath.Path, attrs *storage.ObjectAttrs) *storagekit.Entry {
	e := storagekit.NewEntry(p)
	e.SetSize(attrs.Size)
	if !attrs.Updated.IsZero() {
		e.SetModTime(attrs.Updated)
	}
	if !attrs.Created.IsZero() {
		e.SetCreatedTime(attrs.Created)
	}
	if len(attrs.MD5) > 0 {
		e.MD5 = hex.EncodeToString(attrs.MD5)
	}
	if attrs.Etag != "" {
		e.Properties.Set(storagekit.PropETag, attrs.Etag)
	}
	if attrs.ContentType != "" {
		e.Properties.Set(storagekit.PropContentType, attrs.ContentType)
	}
	e.Properties.Set("Generation", attrs.Generation)
	for k, v := range attrs.Metadata {
		e.Metadata.Set(k, v)
	}
	return e
}

// Stat implements storagekit.Storage.
func (a *Adapter) Stat(ctx context.Context, p fspath.Path) (*storagekit.Entry, error) {
	if p.IsRoot() {
		return storagekit.NewEntry(p), nil
	}
	if p.IsFolder() {
		_, err := a.bucket.Objects(ctx, &storage.Query{Prefix: a.name(p)}).Next()
		if errors.Is(err, iterator.Done) {
			return nil, nil
		}
		if err != nil {
			return nil, mapGCSError("stat", p.String(), err)
		}
		return storagekit.NewEntry(p), nil
	}

	attrs, err := a.attrs(ctx, p)
	if err != nil || attrs == nil {
		return nil, err
	}
	return attrsEntry(p, attrs), nil
}

func (a *Adapter) attrs(ctx context.Context, p fspath.Path) (*storage.ObjectAttrs, error) {
	attrs, err := a.bucket.Object(a.name(p)).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, mapGCSError("stat", p.String(), err)
	}
	return attrs, nil
}

// OpenRead implements storagekit.Storage. Every range read is pinned to the
// generation seen when the reader was opened.
func (a *Adapter) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	if err := storagekit.RequireFile("read", p); err != nil {
		return nil, err
	}
	attrs, err := a.attrs(ctx, p)
	if err != nil || attrs == nil {
		return nil, err
	}

	obj := a.bucket.Object(a.name(p)).If(storage.Conditions{GenerationMatch: attrs.Generation})
	read := func(ctx context.Context, offset int64, buf []byte) (int, error) {
		r, err := obj.NewRangeReader(ctx, offset, int64(len(buf)))
		if err != nil {
			return 0, mapGCSError("read", p.String(), err)
		}
		defer r.Close()

		n, err := io.ReadFull(r, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return stream.NewChunkReader(ctx, read, a.chunkSize, attrs.Size), nil
}

// OpenWrite implements storagekit.Storage. Objects are immutable, so
// WriteAppend is not supported.
func (a *Adapter) OpenWrite(ctx context.Context, p fspath.Path, mode storagekit.WriteMode) (io.WriteCloser, error) {
	if err := storagekit.RequireFile("write", p); err != nil {
		return nil, err
	}
	if mode == storagekit.WriteAppend {
		return nil, &storagekit.PathError{Op: "write", Path: p.String(), Err: storagekit.ErrNotSupported}
	}
	c := &writerCommitter{
		obj:         a.bucket.Object(a.name(p)),
		path:        p,
		contentType: storagekit.ContentTypeOf(p),
	}
	return stream.NewWriteSession(ctx, c, a.bufferSize, stream.WithLogger(a.logger)), nil
}

// writerCommitter feeds every dump into one storage.Writer. The object only
// becomes visible when the writer is closed on commit.
type writerCommitter struct {
	obj         *storage.ObjectHandle
	path        fspath.Path
	contentType string
	w           *storage.Writer
	cancel      context.CancelFunc
}

func (c *writerCommitter) open(ctx context.Context) {
	if c.w != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	c.w = c.obj.NewWriter(wctx)
	c.w.ContentType = c.contentType
	c.cancel = cancel
}

func (c *writerCommitter) Dump(ctx context.Context, _ int, data []byte, _ bool) error {
	c.open(ctx)
	if _, err := c.w.Write(data); err != nil {
		return mapGCSError("write", c.path.String(), err)
	}
	return nil
}

func (c *writerCommitter) Commit(ctx context.Context) error {
	c.open(ctx)
	defer c.cancel()
	if err := c.w.Close(); err != nil {
		return mapGCSError("write", c.path.String(), err)
	}
	return nil
}

// Abort cancels the upload; nothing is written.
func (c *writerCommitter) Abort(context.Context) error {
	if c.w == nil {
		return nil
	}
	c.cancel()
	_ = c.w.Close()
	return nil
}

// Rm implements storagekit.Storage.
func (a *Adapter) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	if !p.IsFolder() {
		return a.deleteObject(ctx, p.String(), a.name(p))
	}

	folderName := a.name(p)
	it := a.bucket.Objects(ctx, &storage.Query{Prefix: folderName})
	var names []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return mapGCSError("rm", p.String(), err)
		}
		if !recurse && attrs.Name != folderName {
			return &storagekit.PathError{Op: "rm", Path: p.String(),
				Err: fmt.Errorf("%w: folder is not empty", storagekit.ErrInvalidArgument)}
		}
		names = append(names, attrs.Name)
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.deleteObject(ctx, p.String(), name); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) deleteObject(ctx context.Context, p, name string) error {
	err := a.bucket.Object(name).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return mapGCSError("rm", p, err)
	}
	return nil
}

// SignedURL returns a V4 signed GET URL for a file. It needs the service
// account key, see WithServiceAccount.
func (a *Adapter) SignedURL(p fspath.Path, expiry time.Duration) (string, error) {
	if err := storagekit.RequireFile("signed-url", p); err != nil {
		return "", err
	}
	if a.signer == nil {
		return "", &storagekit.PathError{Op: "signed-url", Path: p.String(), Err: storagekit.ErrNotSupported}
	}
	u, err := a.bucket.SignedURL(a.name(p), &storage.SignedURLOptions{
		GoogleAccessID: a.signer.ClientEmail,
		PrivateKey:     []byte(a.signer.PrivateKey),
		Method:         http.MethodGet,
		Expires:        time.Now().Add(expiry),
		Scheme:         storage.SigningSchemeV4,
	})
	if err != nil {
		return "", &storagekit.PathError{Op: "signed-url", Path: p.String(), Err: err}
	}
	return u, nil
}

// mapGCSError wraps a client failure as a PathError, around a ProtocolError
// when the service answered.
func mapGCSError(op, p string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		pe := &storagekit.ProtocolError{StatusCode: gerr.Code, Message: gerr.Message, Err: err}
		if len(gerr.Errors) > 0 {
			pe.Code = gerr.Errors[0].Reason
		}
		return &storagekit.PathError{Op: op, Path: p, Err: pe}
	}
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return &storagekit.PathError{Op: op, Path: p,
			Err: &storagekit.ProtocolError{StatusCode: http.StatusNotFound, Code: "notFound", Message: err.Error(), Err: err}}
	}
	return &storagekit.PathError{Op: op, Path: p, Err: err}
}
