// Package azure is a Storage over one Azure Blob Storage container. Files
// written with WriteCreate become block blobs; WriteAppend targets append
// blobs. Folders are the common prefixes of blob names.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/appendblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"go.uber.org/zap"

	"github.com/gobeaver/storagekit"
	"github.com/gobeaver/storagekit/fspath"
	"github.com/gobeaver/storagekit/stream"
)

const (
	// DefaultBlockSize is the write-session buffer, and so the staged block
	// size.
	DefaultBlockSize = 4 << 20

	// MaxAppendBlock is the largest payload of one AppendBlock call.
	MaxAppendBlock = 4 << 20

	// DefaultChunkSize bounds each ranged download.
	DefaultChunkSize = stream.DefaultChunkSize
)

// Adapter implements storagekit.Storage for one container.
type Adapter struct {
	container     *container.Client
	containerName string
	prefix        string
	sharedKey     *azblob.SharedKeyCredential
	blockSize     int
	chunkSize     int
	logger        *zap.Logger
}

// AdapterOption is a function that configures Azure Adapter
type AdapterOption func(*Adapter)

// WithPrefix roots the adapter at a blob name prefix.
func WithPrefix(prefix string) AdapterOption {
	return func(a *Adapter) {
		prefix = strings.Trim(prefix, "/")
		if prefix != "" {
			prefix += "/"
		}
		a.prefix = prefix
	}
}

// WithSharedKeyCredential enables SignedURL. Only account-key setups have one.
func WithSharedKeyCredential(cred *azblob.SharedKeyCredential) AdapterOption {
	return func(a *Adapter) { a.sharedKey = cred }
}

// WithBlockSize sets the staged block size.
func WithBlockSize(n int) AdapterOption {
	return func(a *Adapter) {
		if n > 0 {
			a.blockSize = n
		}
	}
}

// WithChunkSize sets the size of each ranged download.
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

// New creates a new Azure Blob Storage adapter
func New(client *azblob.Client, containerName string, options ...AdapterOption) *Adapter {
	adapter := &Adapter{
		container:     client.ServiceClient().NewContainerClient(containerName),
		containerName: containerName,
		blockSize:     DefaultBlockSize,
		chunkSize:     DefaultChunkSize,
		logger:        zap.NewNop(),
	}
	for _, option := range options {
		option(adapter)
	}
	return adapter
}

// EnsureContainer creates the container unless it already exists.
func (a *Adapter) EnsureContainer(ctx context.Context) error {
	_, err := a.container.Create(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return mapAzureError("create-container", a.containerName, err)
	}
	return nil
}

func (a *Adapter) blobName(p fspath.Path) string {
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
	listPrefix := a.blobName(p)
	var prefixPtr *string
	if listPrefix != "" {
		prefixPtr = &listPrefix
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
	addBlob := func(item *container.BlobItem) {
		name := deref(item.Name)
		if name == "" || name == listPrefix {
			return
		}
		if recurse {
			for folder := a.pathOf(name).Parent(); !folder.Equal(p) && !folder.IsRoot(); folder = folder.Parent() {
				addFolder(folder)
			}
		}
		if strings.HasSuffix(name, "/") {
			addFolder(a.pathOf(name))
			return
		}
		entries = append(entries, itemEntry(a.pathOf(name), item))
	}

	include := container.ListBlobsInclude{Metadata: true}
	if recurse {
		pager := a.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			Prefix:  prefixPtr,
			Include: include,
		})
		for pager.More() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return nil, mapAzureError("ls", p.String(), err)
			}
			for _, item := range resp.Segment.BlobItems {
				addBlob(item)
			}
		}
	} else {
		pager := a.container.NewListBlobsHierarchyPager("/", &container.ListBlobsHierarchyOptions{
			Prefix:  prefixPtr,
			Include: include,
		})
		for pager.More() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			resp, err := pager.NextPage(ctx)
			if err != nil {
				return nil, mapAzureError("ls", p.String(), err)
			}
			for _, bp := range resp.Segment.BlobPrefixes {
				addFolder(a.pathOf(deref(bp.Name)))
			}
			for _, item := range resp.Segment.BlobItems {
				addBlob(item)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path.String() < entries[j].Path.String()
	})
	return entries, nil
}

func itemEntry(p fspath.Path, item *container.BlobItem) *storagekit.Entry {
	e := storagekit.NewEntry(p)
	if props := item.Properties; props != nil {
		e.SetSize(deref(props.ContentLength))
		if props.LastModified != nil {
			e.SetModTime(*props.LastModified)
		}
		if props.CreationTime != nil {
			e.SetCreatedTime(*props.CreationTime)
		}
		if len(props.ContentMD5) > 0 {
			e.MD5 = hex.EncodeToString(props.ContentMD5)
		}
		if props.ETag != nil {
			e.Properties.Set(storagekit.PropETag, string(*props.ETag))
		}
		if ct := deref(props.ContentType); ct != "" {
			e.Properties.Set(storagekit.PropContentType, ct)
		}
		if props.BlobType != nil {
			e.Properties.Set(storagekit.PropBlobType, string(*props.BlobType))
		}
	}
	for k, v := range item.Metadata {
		e.Metadata.Set(k, deref(v))
	}
	return e
}

// Stat implements storagekit.Storage.
func (a *Adapter) Stat(ctx context.Context, p fspath.Path) (*storagekit.Entry, error) {
	if p.IsRoot() {
		return storagekit.NewEntry(p), nil
	}
	if p.IsFolder() {
		pager := a.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
			Prefix:     to.Ptr(a.blobName(p)),
			MaxResults: to.Ptr[int32](1),
		})
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, mapAzureError("stat", p.String(), err)
		}
		if len(resp.Segment.BlobItems) == 0 {
			return nil, nil
		}
		return storagekit.NewEntry(p), nil
	}

	props, err := a.properties(ctx, p)
	if err != nil || props == nil {
		return nil, err
	}
	return propertiesEntry(p, props), nil
}

func (a *Adapter) properties(ctx context.Context, p fspath.Path) (*blob.GetPropertiesResponse, error) {
	resp, err := a.container.NewBlobClient(a.blobName(p)).GetProperties(ctx, nil)
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, mapAzureError("stat", p.String(), err)
	}
	return &resp, nil
}

func propertiesEntry(p fspath.Path, props *blob.GetPropertiesResponse) *storagekit.Entry {
	e := storagekit.NewEntry(p)
	e.SetSize(deref(props.ContentLength))
	if props.LastModified != nil {
		e.SetModTime(*props.LastModified)
	}
	if props.CreationTime != nil {
		e.SetCreatedTime(*props.CreationTime)
	}
	if len(props.ContentMD5) > 0 {
		e.MD5 = hex.EncodeToString(props.ContentMD5)
	}
	if props.ETag != nil {
		e.Properties.Set(storagekit.PropETag, string(*props.ETag))
	}
	if ct := deref(props.ContentType); ct != "" {
		e.Properties.Set(storagekit.PropContentType, ct)
	}
	if props.BlobType != nil {
		e.Properties.Set(storagekit.PropBlobType, string(*props.BlobType))
	}
	for k, v := range props.Metadata {
		e.Metadata.Set(k, deref(v))
	}
	return e
}

// OpenRead implements storagekit.Storage. Ranged downloads are pinned to the
// ETag returned by the initial properties call.
func (a *Adapter) OpenRead(ctx context.Context, p fspath.Path) (io.ReadCloser, error) {
	if err := storagekit.RequireFile("read", p); err != nil {
		return nil, err
	}
	props, err := a.properties(ctx, p)
	if err != nil || props == nil {
		return nil, err
	}

	client := a.container.NewBlobClient(a.blobName(p))
	etag := props.ETag
	read := func(ctx context.Context, offset int64, buf []byte) (int, error) {
		resp, err := client.DownloadStream(ctx, &blob.DownloadStreamOptions{
			Range: blob.HTTPRange{Offset: offset, Count: int64(len(buf))},
			AccessConditions: &blob.AccessConditions{
				ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: etag},
			},
		})
		if err != nil {
			return 0, mapAzureError("read", p.String(), err)
		}
		defer resp.Body.Close()

		n, err := io.ReadFull(resp.Body, buf)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return n, io.EOF
		}
		return n, err
	}
	return stream.NewChunkReader(ctx, read, a.chunkSize, deref(props.ContentLength)), nil
}

// OpenWrite implements storagekit.Storage.
func (a *Adapter) OpenWrite(ctx context.Context, p fspath.Path, mode storagekit.WriteMode) (io.WriteCloser, error) {
	if err := storagekit.RequireFile("write", p); err != nil {
		return nil, err
	}
	name := a.blobName(p)
	headers := &blob.HTTPHeaders{}
	if ct := storagekit.ContentTypeOf(p); ct != "" {
		headers.BlobContentType = to.Ptr(ct)
	}

	var c stream.Committer
	if mode == storagekit.WriteAppend {
		c = &appendCommitter{
			adapter: a,
			path:    p,
			client:  a.container.NewAppendBlobClient(name),
			headers: headers,
		}
	} else {
		c = &blockCommitter{
			path:    p,
			client:  a.container.NewBlockBlobClient(name),
			headers: headers,
		}
	}
	return stream.NewWriteSession(ctx, c, a.blockSize, stream.WithLogger(a.logger)), nil
}

// blockID is the base64 id of a staged block. Ids must all have the same
// length within one blob.
func blockID(part int) string {
	return base64.StdEncoding.EncodeToString([]byte(fmt.Sprintf("block-%010d", part)))
}

// blockCommitter uploads a session as a single blob when it fits in one
// block, otherwise stages one block per dump and commits the list in order.
type blockCommitter struct {
	path     fspath.Path
	client   *blockblob.Client
	headers  *blob.HTTPHeaders
	blockIDs []string
}

func (c *blockCommitter) Dump(ctx context.Context, part int, data []byte, isFinal bool) error {
	body := streaming.NopCloser(bytes.NewReader(data))
	if part == 1 && isFinal {
		_, err := c.client.Upload(ctx, body, &blockblob.UploadOptions{HTTPHeaders: c.headers})
		if err != nil {
			return mapAzureError("write", c.path.String(), err)
		}
		return nil
	}

	id := blockID(part)
	if _, err := c.client.StageBlock(ctx, id, body, nil); err != nil {
		return mapAzureError("write", c.path.String(), err)
	}
	c.blockIDs = append(c.blockIDs, id)
	return nil
}

func (c *blockCommitter) Commit(ctx context.Context) error {
	if len(c.blockIDs) == 0 {
		return nil
	}
	_, err := c.client.CommitBlockList(ctx, c.blockIDs, &blockblob.CommitBlockListOptions{HTTPHeaders: c.headers})
	if err != nil {
		return mapAzureError("write", c.path.String(), err)
	}
	return nil
}

// appendCommitter appends each dump to an append blob, creating it first
// when missing. Appended blocks are visible immediately, so Commit has
// nothing left to do.
type appendCommitter struct {
	adapter *Adapter
	path    fspath.Path
	client  *appendblob.Client
	headers *blob.HTTPHeaders
	ready   bool
}

func (c *appendCommitter) prepare(ctx context.Context) error {
	props, err := c.adapter.properties(ctx, c.path)
	if err != nil {
		return err
	}
	if props == nil {
		if _, err := c.client.Create(ctx, &appendblob.CreateOptions{HTTPHeaders: c.headers}); err != nil {
			return mapAzureError("write", c.path.String(), err)
		}
		return nil
	}
	if props.BlobType == nil || *props.BlobType != blob.BlobTypeAppendBlob {
		return &storagekit.PathError{Op: "write", Path: c.path.String(),
			Err: fmt.Errorf("%w: append needs an append blob", storagekit.ErrNotSupported)}
	}
	return nil
}

func (c *appendCommitter) Dump(ctx context.Context, _ int, data []byte, _ bool) error {
	if !c.ready {
		if err := c.prepare(ctx); err != nil {
			return err
		}
		c.ready = true
	}
	for len(data) > 0 {
		n := min(len(data), MaxAppendBlock)
		body := streaming.NopCloser(bytes.NewReader(data[:n]))
		if _, err := c.client.AppendBlock(ctx, body, nil); err != nil {
			return mapAzureError("write", c.path.String(), err)
		}
		data = data[n:]
	}
	return nil
}

func (c *appendCommitter) Commit(context.Context) error { return nil }

// Rm implements storagekit.Storage.
func (a *Adapter) Rm(ctx context.Context, p fspath.Path, recurse bool) error {
	if !p.IsFolder() {
		return a.deleteBlob(ctx, p.String(), a.blobName(p))
	}

	folderName := a.blobName(p)
	var prefixPtr *string
	if folderName != "" {
		prefixPtr = &folderName
	}
	pager := a.container.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{Prefix: prefixPtr})
	var names []string
	for pager.More() {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return mapAzureError("rm", p.String(), err)
		}
		for _, item := range resp.Segment.BlobItems {
			name := deref(item.Name)
			if !recurse && name != folderName {
				return &storagekit.PathError{Op: "rm", Path: p.String(),
					Err: fmt.Errorf("%w: folder is not empty", storagekit.ErrInvalidArgument)}
			}
			names = append(names, name)
		}
	}

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.deleteBlob(ctx, p.String(), name); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) deleteBlob(ctx context.Context, p, name string) error {
	_, err := a.container.NewBlobClient(name).Delete(ctx, &blob.DeleteOptions{
		DeleteSnapshots: to.Ptr(blob.DeleteSnapshotsOptionTypeInclude),
	})
	if err != nil && !isNotFound(err) {
		return mapAzureError("rm", p, err)
	}
	return nil
}

// SignedURL returns a read-only SAS URL for p valid for expiry. It needs the
// account key, so bearer-authenticated adapters report ErrNotSupported.
func (a *Adapter) SignedURL(p fspath.Path, expiry time.Duration) (string, error) {
	if a.sharedKey == nil {
		return "", &storagekit.PathError{Op: "sign", Path: p.String(), Err: storagekit.ErrNotSupported}
	}
	if err := storagekit.RequireFile("sign", p); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	params, err := sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPSandHTTP,
		StartTime:     now.Add(-5 * time.Minute),
		ExpiryTime:    now.Add(expiry),
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
		ContainerName: a.containerName,
		BlobName:      a.blobName(p),
	}.SignWithSharedKey(a.sharedKey)
	if err != nil {
		return "", &storagekit.PathError{Op: "sign", Path: p.String(), Err: err}
	}
	return a.container.NewBlobClient(a.blobName(p)).URL() + "?" + params.Encode(), nil
}

func deref[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// isNotFound matches a missing blob. A HEAD response carries no body, so a
// bare 404 without an error code counts as well; a missing container does
// not.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return true
	}
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound && respErr.ErrorCode == ""
}

// mapAzureError maps Azure errors to storagekit errors
func mapAzureError(op, p string, err error) error {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return &storagekit.PathError{Op: op, Path: p, Err: &storagekit.ProtocolError{
			StatusCode: respErr.StatusCode,
			Code:       respErr.ErrorCode,
			Err:        err,
		}}
	}
	return &storagekit.PathError{Op: op, Path: p, Err: err}
}
