// Package s3 is a Storage over an S3-compatible object store. Folders have
// no independent existence: they are the common prefixes of object keys,
// plus any zero-length "dir/" marker objects written by other tools.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/fspath"
	"github.com/gobeaver/storagekit/stream"
)

const (
	// MinPartSize is the smallest part S3 accepts for any but the last part
	// of a multipart upload.
	MinPartSize = 5 << 20

	// DefaultPartSize is the write-session buffer, and so the part size.
	DefaultPartSize = 8 << 20

	// DefaultChunkSize bounds each ranged GET.
	DefaultChunkSize = stream.DefaultChunkSize

	maxParts = 10000
)

// Adapter implements storagekit.Storage for one bucket.
type Adapter struct {
	client    *s3.Client
	bucket    string
	prefix    string
	partSize  int
	chunkSize int
	logger    *zap.Logger
}

// AdapterOption is a function that configures Adapter
type AdapterOption func(*Adapter)

// WithPrefix roots the adapter at a key prefix inside the bucket.
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithPartSize sets the multipart part size. Values below MinPartSize are
// raised to it.
func WithPartSize(n int) AdapterOption {
	return func(a *Adapter) {
		a.partSize = max(n, MinPartSize)
	}
}

// WithChunkSize sets the size of each ranged GET.
func WithChunkSize(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.chunkSize = n
		}
	}
}

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) AdapterOption {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates a new S3 storage adapter
func New(client *s3.Client, bucket string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		client:    client,
		bucket:    bucket,
		partSize:  DefaultPartSize,
		chunkSize: DefaultChunkSize,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// Bucket returns the bucket name.
func (a *Adapter) Bucket() string { return a.bucket }

func (a *Adapter) key(p fspath.Path) string {
	return a.prefix + p.WithoutLeadingSlash()
}

func (a *Adapter) pathOf(key string) fspath.Path {
	return fspath.New(fspath.Separator + strings.TrimPrefix(key, a.prefix))
}

// Ls implements storagekit.Storage. Without recurse the listing uses the "/"
// delimiter; with it, every key is listed and intermediate folders are
// synthesized from the key names.
func (a *Adapter) Ls(ctx context.Context, p fspath.Path, recurse bool) ([]*storagekit.Entry, error) {
	if err := storagekit.RequireFolder("ls", p); err != nil {
		return nil, err
	}
	listPrefix := a.key(p)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(listPrefix),
	}
	if !recurse {
		input.Delimiter = aws.String("/")
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

	paginator := s3.NewListObjectsV2Paginator(a.client, input)
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error("ls", p.String(), err)
		}

		for _, cp := range page.CommonPrefixes {
			addFolder(a.pathOf(aws.ToString(cp.Prefix)))
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == listPrefix {
				continue
			}
			if recurse {
				for folder := a.pathOf(key).Parent(); !folder.Equal(p) && !folder.IsRoot(); folder = folder.Parent() {
					addFolder(folder)
				}
			}
			if strings.HasSuffix(key, "/") {
				addFolder(a.pathOf(key))
				continue
			}
			entries = append(entries, objectEntry(a.pathOf(key), obj))
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func objectEntry(p fspath.Path, obj types.Object) *storagekit.Entry {
	e := storagekit.NewEntry(p)
	e.SetSize(aws.ToInt64(obj.Size))
	if obj.LastModified != nil {
		e.SetModTime(*obj.LastModified)
	}
	setETag(e, aws.ToString(obj.ETag))
	return e
}

// setETag records the ETag, and the MD5 when the ETag is one. Multipart
// ETags carry a "-N" suffix and are not content hashes.
func setETag(e *storagekit.Entry, etag string) {
	if etag == "" {
		return
	}
	e.Properties.Set(storagekit.PropETag, etag)
	if unquoted := strings.Trim(etag, `"`); !strings.Contains(unquoted, "-") {
		e.MD5 = unquoted
	}
}

// Stat implements storagekit.Storage.
func (a *Adapter) Stat(ctx context.Context, p fspath.Path) (*storagekit.Entry, error) {
	if p.IsRoot() {
		return storagekit.NewEntry(p), nil
	}
	if p.IsFolder() {
		resp, err := a.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:  aws.String(a.bucket),
			Prefix:  aws.String(a.key(p)),
			MaxKeys: aws.Int32(1),
		})
		if err != nil {
			return nil, mapS3Error("stat", p.String(), err)
		}
		if len(resp.Contents) == 0 && len(resp.CommonPrefixes) == 0 {
			return nil, nil
		}
		return storagekit.NewEntry(p), nil
	}

	head, err := a.head(ctx, p)
	if err != nil || head == nil {
		return nil, err
	}
	return headEntry(p, head), nil
}

func (a *Adapter) head(ctx context.Context, p fspath.Path) (*s3.HeadObjectOutput, error) {
	resp, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(p)),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapS3Error("stat", p.String(), err)
	}
	return resp, nil
}

func headEntry(p fspath.Path, head *s3.HeadObjectOutput) *storagekit.Entry {
	e := storagekit.NewEntry(p)
	e.SetSize(aws.ToInt64(head.ContentLength))
	if head.LastModified != nil {
		e.SetModTime(*head.LastModified)
	}
	if ct := aws.ToString(head.ContentType); ct != "" {
		e.Properties.Set(storagekit.PropContentType, ct)
	}
	setETag(e, aws.ToString(head.ETag))
	for k, v := range head.Metadata {
		e.Metadata.Set(k, v)
	}
	return e
}

// OpenRead implements storagekit.Storage. The object is read in ranged GETs
// pinned to the ETag seen by the initial HEAD, so an overwrite during the
// read fails instead of mixing versions.
func (a *Adapter) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	if err := storagekit.RequireFile("read", p); err != nil {
		return nil, err
	}
	head, err := a.head(ctx, p)
	if err != nil || head == nil {
		return nil, err
	}

	key := a.key(p)
	etag := head.ETag
	read := func(ctx context.Context, offset int64, buf []byte) (int, error) {
		resp, err := a.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket:  aws.String(a.bucket),
			Key:     aws.String(key),
			Range:   aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+int64(len(buf))-1)),
			IfMatch: etag,
		})
		if err != nil {
			return 0, mapS3Error("read", p.String(), err)
		}
		defer resp.Body.Close()

		n, err := io.ReadFull(resp.Body, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return stream.NewChunkReader(ctx, read, a.chunkSize, aws.ToInt64(head.ContentLength)), nil
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
	c := &uploadCommitter{
		adapter:     a,
		path:        p,
		key:         a.key(p),
		contentType: storagekit.ContentTypeOf(p),
	}
	return stream.NewWriteSession(ctx, c, a.partSize, stream.WithLogger(a.logger)), nil
}

// uploadCommitter turns a session into a single PutObject when everything
// fits in one part, otherwise into a multipart upload whose parts follow
// the dump order.
type uploadCommitter struct {
	adapter     *Adapter
	path        fspath.Path
	key         string
	contentType string
	uploadID    string
	parts       []types.CompletedPart
}

func (c *uploadCommitter) Dump(ctx context.Context, part int, data []byte, isFinal bool) error {
	a := c.adapter
	if part == 1 && isFinal {
		input := &s3.PutObjectInput{
			Bucket:        aws.String(a.bucket),
			Key:           aws.String(c.key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		}
		if c.contentType != "" {
			input.ContentType = aws.String(c.contentType)
		}
		if _, err := a.client.PutObject(ctx, input); err != nil {
			return mapS3Error("write", c.path.String(), err)
		}
		return nil
	}

	if part > maxParts {
		return &storagekit.PathError{Op: "write", Path: c.path.String(),
			Err: fmt.Errorf("%w: more than %d parts, raise the part size", storagekit.ErrInvalidArgument, maxParts)}
	}
	if c.uploadID == "" {
		input := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(a.bucket),
			Key:    aws.String(c.key),
		}
		if c.contentType != "" {
			input.ContentType = aws.String(c.contentType)
		}
		resp, err := a.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			return mapS3Error("write", c.path.String(), err)
		}
		c.uploadID = aws.ToString(resp.UploadId)
		a.logger.Debug("multipart upload started",
			zap.String("bucket", a.bucket),
			zap.String("key", c.key),
			zap.String("upload_id", c.uploadID))
	}

	resp, err := a.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(c.key),
		UploadId:      aws.String(c.uploadID),
		PartNumber:    aws.Int32(int32(part)), //nolint:gosec // bounded by maxParts
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return mapS3Error("write", c.path.String(), err)
	}
	c.parts = append(c.parts, types.CompletedPart{
		ETag:       resp.ETag,
		PartNumber: aws.Int32(int32(part)), //nolint:gosec // bounded by maxParts
	})
	return nil
}

func (c *uploadCommitter) Commit(ctx context.Context) error {
	if c.uploadID == "" {
		return nil
	}
	a := c.adapter
	_, err := a.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(c.key),
		UploadId:        aws.String(c.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: c.parts},
	})
	if err != nil {
		return mapS3Error("write", c.path.String(), err)
	}
	c.uploadID = ""
	return nil
}

// Abort discards the uploaded parts so they stop accruing storage cost.
func (c *uploadCommitter) Abort(ctx context.Context) error {
	if c.uploadID == "" {
		return nil
	}
	a := c.adapter
	_, err := a.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(a.bucket),
		Key:      aws.String(c.key),
		UploadId: aws.String(c.uploadID),
	})
	if err != nil {
		return mapS3Error("abort", c.path.String(), err)
	}
	a.logger.Debug("multipart upload aborted",
		zap.String("key", c.key),
		zap.String("upload_id", c.uploadID))
	c.uploadID = ""
	return nil
}

// Rm implements storagekit.Storage. A folder is removed by deleting every key
// below it; without recurse that is only allowed when nothing is there
// besides a folder marker.
func (a *Adapter) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	if !p.IsFolder() {
		return a.deleteKey(ctx, p.String(), a.key(p))
	}

	folderKey := a.key(p)
	paginator := s3.NewListObjectsV2Paginator(a.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.bucket),
		Prefix: aws.String(folderKey),
	})
	var keys []string
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return mapS3Error("rm", p.String(), err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !recurse && key != folderKey {
				return &storagekit.PathError{Op: "rm", Path: p.String(),
					Err: fmt.Errorf("%w: folder is not empty", storagekit.ErrInvalidArgument)}
			}
			keys = append(keys, key)
		}
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.deleteKey(ctx, p.String(), key); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) deleteKey(ctx context.Context, p, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFound(err) {
		return mapS3Error("rm", p, err)
	}
	return nil
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var nsk *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &notFound) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound
}

// mapS3Error wraps an SDK failure as a PathError around a ProtocolError when
// the service answered, or around the transport error when it did not.
func mapS3Error(op, p string, err error) error {
	var re *awshttp.ResponseError
	if !errors.As(err, &re) {
		return &storagekit.PathError{Op: op, Path: p, Err: err}
	}
	pe := &storagekit.ProtocolError{StatusCode: re.HTTPStatusCode(), Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Code = apiErr.ErrorCode()
		pe.Message = apiErr.ErrorMessage()
	}
	return &storagekit.PathError{Op: op, Path: p, Err: pe}
}
