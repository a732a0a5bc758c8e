// Package azure provides an Azure Blob Storage backend for objectstore.
//
// Basic usage:
//
//	backend, err := azure.New(ctx, azure.Config{
//	    Account:    "myaccount",
//	    Container:  "data",
//	    AccountKey: os.Getenv("AZURE_STORAGE_ACCOUNT_KEY"),
//	}, nil)
//
// Writes use Put Blob, multi-part uploads stage blocks and commit the block
// list. SDK retries are disabled.
package azure

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/streaming"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/google/uuid"

	"github.com/grokify/objectstore"
)

func init() {
	objectstore.Register(objectstore.KindAzure, NewFromConfig)
}

// Errors specific to the Azure backend.
var (
	ErrAccountRequired   = fmt.Errorf("%w: azure storage account is required", objectstore.ErrMissingCredential)
	ErrContainerRequired = fmt.Errorf("%w: azure container is required", objectstore.ErrMissingCredential)
)

// Bounds of the wait between copy status checks.
const (
	copyPollMin = 100 * time.Millisecond
	copyPollMax = 2 * time.Second
)

// Backend implements objectstore.Backend for Azure Blob Storage.
type Backend struct {
	client        *container.Client
	config        Config
	clientOptions *objectstore.ClientOptions
	closed        bool
	mu            sync.RWMutex
}

// New creates a new Azure backend with the given configuration.
// A nil clientOptions uses objectstore.DefaultClientOptions.
func New(ctx context.Context, cfg Config, clientOptions *objectstore.ClientOptions) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if clientOptions == nil {
		clientOptions = objectstore.DefaultClientOptions()
	}
	if cfg.AllowHTTP && !clientOptions.AllowHTTP {
		copied := *clientOptions
		copied.AllowHTTP = true
		clientOptions = &copied
	}
	serviceURL := cfg.ServiceURL()
	if err := clientOptions.CheckEndpoint(serviceURL); err != nil {
		return nil, err
	}
	httpClient, err := clientOptions.HTTPClient()
	if err != nil {
		return nil, err
	}

	azOptions := azcore.ClientOptions{
		Transport: httpClient,
		Retry:     policy.RetryOptions{MaxRetries: -1},
		Telemetry: policy.TelemetryOptions{ApplicationID: clientOptions.UserAgent},
		// Azurite and plain-HTTP test endpoints still need signed requests.
		InsecureAllowCredentialWithHTTP: clientOptions.AllowHTTP,
	}
	options := &azblob.ClientOptions{ClientOptions: azOptions}

	var client *azblob.Client
	switch cfg.Credential() {
	case CredentialAccountKey:
		cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("%w: azure: %v", objectstore.ErrMissingCredential, err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, options)
		if err != nil {
			return nil, fmt.Errorf("azure: creating client: %w", err)
		}
	case CredentialSAS:
		sasURL := serviceURL + "?" + strings.TrimPrefix(cfg.SASToken, "?")
		client, err = azblob.NewClientWithNoCredential(sasURL, options)
		if err != nil {
			return nil, fmt.Errorf("azure: creating client: %w", err)
		}
	case CredentialClientSecret:
		cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret,
			&azidentity.ClientSecretCredentialOptions{ClientOptions: azOptions})
		if err != nil {
			return nil, fmt.Errorf("%w: azure: %v", objectstore.ErrMissingCredential, err)
		}
		client, err = azblob.NewClient(serviceURL, cred, options)
		if err != nil {
			return nil, fmt.Errorf("azure: creating client: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: azure: no credential", objectstore.ErrMissingCredential)
	}

	return &Backend{
		client:        client.ServiceClient().NewContainerClient(cfg.Container),
		config:        cfg,
		clientOptions: clientOptions,
	}, nil
}

// NewFromConfig creates a new Azure backend for the registry.
// See ConfigFromMap for the supported option keys.
func NewFromConfig(ctx context.Context, loc objectstore.StorageURL, options map[string]string, clientOptions *objectstore.ClientOptions) (objectstore.Backend, error) {
	cfg, err := ConfigFromMap(loc, options)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, clientOptions)
}

// Client returns the container client.
func (b *Backend) Client() *container.Client {
	return b.client
}

// Kind returns objectstore.KindAzure.
func (b *Backend) Kind() objectstore.Kind {
	return objectstore.KindAzure
}

// Features returns the capabilities of the Azure backend.
func (b *Backend) Features() objectstore.Features {
	return objectstore.Features{
		ServerSideCopy:        true,
		AtomicCopyIfNotExists: true,
		RangeRead:             true,
		MultipartParallel:     true,
	}
}

// Get downloads the whole blob.
func (b *Backend) Get(ctx context.Context, p objectstore.Path) ([]byte, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	return b.download(ctx, p, blob.HTTPRange{})
}

// GetRange downloads length bytes starting at start.
func (b *Backend) GetRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	if length == 0 || start < 0 || length < 0 {
		return b.emptyRange(ctx, p, start, length)
	}

	data, err := b.download(ctx, p, httpRange(start, length))
	if errors.Is(err, objectstore.ErrInvalidRange) {
		// Ranges starting at the end of the blob are rejected; they are empty reads.
		return b.emptyRange(ctx, p, start, length)
	}
	return data, err
}

// httpRange returns the blob range for length bytes at start. A zero Count
// reads to the end, which also covers lengths reaching past math.MaxInt64.
func httpRange(start, length int64) blob.HTTPRange {
	if length > math.MaxInt64-start {
		return blob.HTTPRange{Offset: start}
	}
	return blob.HTTPRange{Offset: start, Count: length}
}

func (b *Backend) download(ctx context.Context, p objectstore.Path, r blob.HTTPRange) ([]byte, error) {
	resp, err := b.blob(p).DownloadStream(ctx, &blob.DownloadStreamOptions{Range: r})
	if err != nil {
		return nil, translateError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, translateError(err)
	}
	return data, nil
}

func (b *Backend) emptyRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	meta, err := b.Head(ctx, p)
	if err != nil {
		return nil, err
	}
	from, to, err := objectstore.ClampRange(meta.Size, start, length)
	if err != nil {
		return nil, objectstore.NewBackendError(objectstore.KindAzure, err,
			fmt.Errorf("range %d+%d of %d bytes", start, length, meta.Size))
	}
	if from != to {
		return nil, objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrIO,
			fmt.Errorf("range %d+%d of %d bytes was not satisfiable", start, length, meta.Size))
	}
	return []byte{}, nil
}

// Put uploads data with a single Put Blob request.
func (b *Backend) Put(ctx context.Context, p objectstore.Path, data []byte) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	return b.upload(ctx, p, data, nil)
}

func (b *Backend) upload(ctx context.Context, p objectstore.Path, data []byte, conditions *blob.AccessConditions) error {
	_, err := b.blockBlob(p).Upload(ctx, streaming.NopCloser(bytes.NewReader(data)), &blockblob.UploadOptions{
		HTTPHeaders:      b.headers(p),
		AccessConditions: conditions,
	})
	return translateError(err)
}

// Head returns the blob's properties.
func (b *Backend) Head(ctx context.Context, p objectstore.Path) (objectstore.ObjectMeta, error) {
	if err := b.begin(ctx); err != nil {
		return objectstore.ObjectMeta{}, err
	}

	props, err := b.blob(p).GetProperties(ctx, nil)
	if err != nil {
		return objectstore.ObjectMeta{}, translateError(err)
	}
	meta := objectstore.ObjectMeta{Location: p}
	if props.ContentLength != nil {
		meta.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		meta.LastModified = *props.LastModified
	}
	return meta, nil
}

// List lists every blob under prefix.
func (b *Backend) List(ctx context.Context, prefix objectstore.Path) ([]objectstore.ObjectMeta, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	objects := []objectstore.ObjectMeta{}
	pager := b.client.NewListBlobsFlatPager(&container.ListBlobsFlatOptions{
		Prefix: listPrefix(prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, translateError(err)
		}
		objects = appendBlobs(objects, page.Segment.BlobItems)
	}
	return objects, nil
}

// ListWithDelimiter lists one level below prefix.
func (b *Backend) ListWithDelimiter(ctx context.Context, prefix objectstore.Path) (objectstore.ListResult, error) {
	if err := b.begin(ctx); err != nil {
		return objectstore.ListResult{}, err
	}

	result := objectstore.ListResult{Objects: []objectstore.ObjectMeta{}}
	pager := b.client.NewListBlobsHierarchyPager(objectstore.Delimiter, &container.ListBlobsHierarchyOptions{
		Prefix: listPrefix(prefix),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return objectstore.ListResult{}, translateError(err)
		}
		result.Objects = appendBlobs(result.Objects, page.Segment.BlobItems)
		for _, bp := range page.Segment.BlobPrefixes {
			if bp.Name == nil {
				continue
			}
			p, err := objectstore.Parse(*bp.Name)
			if err != nil || p.IsRoot() {
				continue
			}
			result.CommonPrefixes = append(result.CommonPrefixes, p)
		}
	}
	return result, nil
}

func listPrefix(prefix objectstore.Path) *string {
	if prefix.IsRoot() {
		return nil
	}
	s := prefix.String() + objectstore.Delimiter
	return &s
}

// appendBlobs converts listed blobs to object metadata, skipping names that
// do not form a valid path and directory markers ending in "/".
func appendBlobs(objects []objectstore.ObjectMeta, items []*container.BlobItem) []objectstore.ObjectMeta {
	for _, item := range items {
		if item == nil || item.Name == nil || strings.HasSuffix(*item.Name, objectstore.Delimiter) {
			continue
		}
		p, err := objectstore.Parse(*item.Name)
		if err != nil {
			continue
		}
		meta := objectstore.ObjectMeta{Location: p}
		if props := item.Properties; props != nil {
			if props.ContentLength != nil {
				meta.Size = *props.ContentLength
			}
			if props.LastModified != nil {
				meta.LastModified = *props.LastModified
			}
		}
		objects = append(objects, meta)
	}
	return objects
}

// Delete deletes the blob. Deleting a missing blob succeeds.
func (b *Backend) Delete(ctx context.Context, p objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	_, err := b.blob(p).Delete(ctx, nil)
	if err = translateError(err); objectstore.IsNotFound(err) {
		return nil
	}
	return err
}

// Copy copies src to dst server side, overwriting dst.
func (b *Backend) Copy(ctx context.Context, src, dst objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	return b.copy(ctx, src, dst, nil)
}

// CopyIfNotExists copies src to dst with If-None-Match: *, which the
// service rejects if dst exists.
func (b *Backend) CopyIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}
	etagAny := azcore.ETagAny
	return b.copy(ctx, src, dst, &blob.AccessConditions{
		ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: &etagAny},
	})
}

func (b *Backend) copy(ctx context.Context, src, dst objectstore.Path, conditions *blob.AccessConditions) error {
	dstBlob := b.blob(dst)
	resp, err := dstBlob.StartCopyFromURL(ctx, b.blob(src).URL(), &blob.StartCopyFromURLOptions{
		AccessConditions: conditions,
	})
	if err != nil {
		return translateError(err)
	}
	if resp.CopyStatus == nil || *resp.CopyStatus != blob.CopyStatusTypePending {
		return copyResult(resp.CopyStatus, nil)
	}
	return b.waitForCopy(ctx, dstBlob)
}

// waitForCopy polls the destination until a pending copy finishes.
func (b *Backend) waitForCopy(ctx context.Context, dst *blob.Client) error {
	delay := copyPollMin
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return objectstore.Classify(objectstore.KindAzure, ctx.Err())
		case <-timer.C:
		}

		props, err := dst.GetProperties(ctx, nil)
		if err != nil {
			return translateError(err)
		}
		if props.CopyStatus == nil || *props.CopyStatus != blob.CopyStatusTypePending {
			return copyResult(props.CopyStatus, props.CopyStatusDescription)
		}

		delay = min(delay*2, copyPollMax)
		timer.Reset(delay)
	}
}

func copyResult(status *blob.CopyStatusType, description *string) error {
	if status == nil || *status == blob.CopyStatusTypeSuccess {
		return nil
	}
	msg := string(*status)
	if description != nil {
		msg += ": " + *description
	}
	return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrIO, fmt.Errorf("copy %s", msg))
}

// Rename copies src to dst and deletes src.
func (b *Backend) Rename(ctx context.Context, src, dst objectstore.Path) error {
	return objectstore.RenameByCopy(ctx, b, src, dst)
}

// RenameIfNotExists copies src to dst unless dst exists, then deletes src.
func (b *Backend) RenameIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	return objectstore.RenameIfNotExistsByCopy(ctx, b, src, dst)
}

// PutMultipart starts a block upload. Nothing is sent until the first part.
func (b *Backend) PutMultipart(ctx context.Context, p objectstore.Path) (objectstore.MultipartUpload, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	return &upload{backend: b, path: p, client: b.blockBlob(p)}, nil
}

// Close releases any resources held by the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

func (b *Backend) blob(p objectstore.Path) *blob.Client {
	return b.client.NewBlobClient(p.String())
}

func (b *Backend) blockBlob(p objectstore.Path) *blockblob.Client {
	return b.client.NewBlockBlobClient(p.String())
}

func (b *Backend) headers(p objectstore.Path) *blob.HTTPHeaders {
	ct := b.clientOptions.ContentType(p)
	if ct == "" {
		return nil
	}
	return &blob.HTTPHeaders{BlobContentType: &ct}
}

func (b *Backend) begin(ctx context.Context) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return objectstore.Classify(objectstore.KindAzure, err)
	}
	return nil
}

// checkClosed returns an error if the backend is closed.
func (b *Backend) checkClosed() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return objectstore.ErrBackendClosed
	}
	return nil
}

// translateError converts Azure errors to objectstore errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if t := objectstore.TranslateContextError(objectstore.KindAzure, err); t != nil {
		return t
	}

	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.CannotVerifyCopySource):
		return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrNotFound, err)
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrAlreadyExists, err)
	case bloberror.HasCode(err, bloberror.InvalidRange):
		return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrInvalidRange, err)
	case bloberror.HasCode(err, bloberror.AuthenticationFailed, bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch, bloberror.InsufficientAccountPermissions):
		return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrPermissionDenied, err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusNotFound:
			return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrPermissionDenied, err)
		case http.StatusPreconditionFailed:
			return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrAlreadyExists, err)
		case http.StatusRequestedRangeNotSatisfiable:
			return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrInvalidRange, err)
		}
	}

	var authErr *azidentity.AuthenticationFailedError
	if errors.As(err, &authErr) {
		return objectstore.NewBackendError(objectstore.KindAzure, objectstore.ErrPermissionDenied, err)
	}

	return objectstore.Classify(objectstore.KindAzure, err)
}

// upload stages one block per part and commits the block list.
// Uncommitted blocks are discarded by the service, so Abort sends nothing.
type upload struct {
	backend *Backend
	path    objectstore.Path
	client  *blockblob.Client
}

func (u *upload) UploadPart(ctx context.Context, number int, data []byte) (objectstore.Part, error) {
	id := base64.StdEncoding.EncodeToString([]byte(uuid.NewString()))
	_, err := u.client.StageBlock(ctx, id, streaming.NopCloser(bytes.NewReader(data)), nil)
	if err != nil {
		return objectstore.Part{}, translateError(err)
	}
	return objectstore.Part{Number: number, ID: id}, nil
}

func (u *upload) Complete(ctx context.Context, parts []objectstore.Part) error {
	ids := make([]string, len(parts))
	for i, part := range parts {
		ids[i] = part.ID
	}
	_, err := u.client.CommitBlockList(ctx, ids, &blockblob.CommitBlockListOptions{
		HTTPHeaders: u.backend.headers(u.path),
	})
	return translateError(err)
}

func (u *upload) Abort(context.Context) error {
	return nil
}

// Ensure Backend implements objectstore.Backend
var _ objectstore.Backend = (*Backend)(nil)
