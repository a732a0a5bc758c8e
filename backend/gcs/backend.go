// Package gcs provides a Google Cloud Storage backend for objectstore.
//
// Basic usage:
//
//	backend, err := gcs.New(ctx, gcs.Config{
//	    Bucket:             "my-bucket",
//	    ServiceAccountPath: "/etc/gcs/key.json",
//	}, nil)
//
// Against fake-gcs-server or another emulator:
//
//	backend, err := gcs.New(ctx, gcs.Config{
//	    Bucket:    "my-bucket",
//	    Endpoint:  "http://localhost:4443/storage/v1/",
//	    Anonymous: true,
//	    AllowHTTP: true,
//	}, nil)
//
// Multipart uploads stream through a single resumable upload, so parts must
// be uploaded in order.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strconv"
	"sync"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/grokify/objectstore"
)

func init() {
	objectstore.Register(objectstore.KindGCS, NewFromConfig)
}

// ErrBucketRequired is returned when no bucket is configured.
var ErrBucketRequired = fmt.Errorf("%w: gcs bucket is required", objectstore.ErrMissingCredential)

// Backend implements objectstore.Backend for Google Cloud Storage.
type Backend struct {
	client        *storage.Client
	bucket        *storage.BucketHandle
	config        Config
	clientOptions *objectstore.ClientOptions
	closed        bool
	mu            sync.RWMutex
}

// New creates a new GCS backend with the given configuration.
// A nil clientOptions uses objectstore.DefaultClientOptions.
func New(ctx context.Context, cfg Config, clientOptions *objectstore.ClientOptions) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
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
	if cfg.Endpoint != "" {
		if err := clientOptions.CheckEndpoint(cfg.Endpoint); err != nil {
			return nil, err
		}
	}
	httpClient, err := clientOptions.HTTPClient()
	if err != nil {
		return nil, err
	}

	if !cfg.Anonymous {
		httpClient, err = authorize(ctx, cfg, httpClient)
		if err != nil {
			return nil, err
		}
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	if clientOptions.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(clientOptions.UserAgent))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs: creating client: %w", err)
	}
	client.SetRetry(storage.WithPolicy(storage.RetryNever))

	return &Backend{
		client:        client,
		bucket:        client.Bucket(cfg.Bucket),
		config:        cfg,
		clientOptions: clientOptions,
	}, nil
}

// authorize wraps base with service account credentials. Token requests
// go through base as well.
func authorize(ctx context.Context, cfg Config, base *http.Client) (*http.Client, error) {
	key := []byte(cfg.ServiceAccountKey)
	if len(key) == 0 {
		data, err := os.ReadFile(cfg.ServiceAccountPath)
		if err != nil {
			return nil, fmt.Errorf("%w: gcs: reading service account: %v", objectstore.ErrMissingCredential, err)
		}
		key = data
	}

	// Tokens are refreshed long after New returns.
	tokenCtx := context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)
	creds, err := google.CredentialsFromJSON(tokenCtx, key, storage.ScopeReadWrite)
	if err != nil {
		return nil, fmt.Errorf("%w: gcs: parsing service account: %v", objectstore.ErrMissingCredential, err)
	}
	client := oauth2.NewClient(tokenCtx, creds.TokenSource)
	client.Timeout = base.Timeout
	return client, nil
}

// NewFromConfig creates a new GCS backend for the registry.
// See ConfigFromMap for the supported option keys.
func NewFromConfig(ctx context.Context, loc objectstore.StorageURL, options map[string]string, clientOptions *objectstore.ClientOptions) (objectstore.Backend, error) {
	cfg, err := ConfigFromMap(loc, options)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, clientOptions)
}

// Client returns the underlying storage client.
func (b *Backend) Client() *storage.Client {
	return b.client
}

// Kind returns objectstore.KindGCS.
func (b *Backend) Kind() objectstore.Kind {
	return objectstore.KindGCS
}

// Features returns the capabilities of the GCS backend.
func (b *Backend) Features() objectstore.Features {
	return objectstore.Features{
		ServerSideCopy:        true,
		AtomicCopyIfNotExists: true,
		RangeRead:             true,
	}
}

// Get reads the whole object.
func (b *Backend) Get(ctx context.Context, p objectstore.Path) ([]byte, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	r, err := b.object(p).NewReader(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, translateError(err)
	}
	return data, nil
}

// GetRange reads length bytes starting at start with a ranged read.
func (b *Backend) GetRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	if length == 0 || start < 0 || length < 0 {
		return b.emptyRange(ctx, p, start, length)
	}

	r, err := b.object(p).NewRangeReader(ctx, start, readLength(start, length))
	if err != nil {
		err = translateError(err)
		if errors.Is(err, objectstore.ErrInvalidRange) {
			return b.emptyRange(ctx, p, start, length)
		}
		return nil, err
	}
	defer func() { _ = r.Close() }()

	if start > r.Attrs.Size {
		return nil, objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrInvalidRange,
			fmt.Errorf("range %d+%d of %d bytes", start, length, r.Attrs.Size))
	}
	data, err := io.ReadAll(io.LimitReader(r, length))
	if err != nil {
		return nil, translateError(err)
	}
	return data, nil
}

// readLength maps a range length to NewRangeReader's convention, where -1
// reads to the end. The library computes start+length-1, so lengths
// reaching past math.MaxInt64 are read open-ended.
func readLength(start, length int64) int64 {
	if length > math.MaxInt64-start {
		return -1
	}
	return length
}

// emptyRange resolves a range that needs no data from the object size.
func (b *Backend) emptyRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	meta, err := b.Head(ctx, p)
	if err != nil {
		return nil, err
	}
	from, to, err := objectstore.ClampRange(meta.Size, start, length)
	if err != nil {
		return nil, objectstore.NewBackendError(objectstore.KindGCS, err,
			fmt.Errorf("range %d+%d of %d bytes", start, length, meta.Size))
	}
	if from != to {
		return nil, objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrIO,
			fmt.Errorf("range %d+%d of %d bytes was not satisfiable", start, length, meta.Size))
	}
	return []byte{}, nil
}

// Put uploads data with a single writer.
func (b *Backend) Put(ctx context.Context, p objectstore.Path, data []byte) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := b.writer(ctx, p)
	if _, err := w.Write(data); err != nil {
		cancel()
		_ = w.Close()
		return translateError(err)
	}
	return translateError(w.Close())
}

// writer returns a writer for p. Cancelling ctx before Close discards
// the upload.
func (b *Backend) writer(ctx context.Context, p objectstore.Path) *storage.Writer {
	w := b.object(p).NewWriter(ctx)
	w.ChunkSize = b.config.ChunkSize
	w.ContentType = b.clientOptions.ContentType(p)
	return w
}

// Head returns the object's metadata.
func (b *Backend) Head(ctx context.Context, p objectstore.Path) (objectstore.ObjectMeta, error) {
	if err := b.begin(ctx); err != nil {
		return objectstore.ObjectMeta{}, err
	}

	attrs, err := b.object(p).Attrs(ctx)
	if err != nil {
		return objectstore.ObjectMeta{}, translateError(err)
	}
	return objectstore.ObjectMeta{
		Location:     p,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
	}, nil
}

// List lists every object under prefix.
func (b *Backend) List(ctx context.Context, prefix objectstore.Path) ([]objectstore.ObjectMeta, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	objects := []objectstore.ObjectMeta{}
	err := b.listObjects(ctx, prefix, "", func(attrs *storage.ObjectAttrs) {
		if meta, ok := objectMeta(attrs); ok {
			objects = append(objects, meta)
		}
	})
	if err != nil {
		return nil, err
	}
	return objects, nil
}

// ListWithDelimiter lists one level below prefix using "/" as delimiter.
func (b *Backend) ListWithDelimiter(ctx context.Context, prefix objectstore.Path) (objectstore.ListResult, error) {
	if err := b.begin(ctx); err != nil {
		return objectstore.ListResult{}, err
	}

	result := objectstore.ListResult{Objects: []objectstore.ObjectMeta{}}
	err := b.listObjects(ctx, prefix, objectstore.Delimiter, func(attrs *storage.ObjectAttrs) {
		if attrs.Prefix != "" {
			p, err := objectstore.Parse(attrs.Prefix)
			if err == nil && !p.IsRoot() {
				result.CommonPrefixes = append(result.CommonPrefixes, p)
			}
			return
		}
		if meta, ok := objectMeta(attrs); ok {
			result.Objects = append(result.Objects, meta)
		}
	})
	if err != nil {
		return objectstore.ListResult{}, err
	}
	return result, nil
}

func (b *Backend) listObjects(ctx context.Context, prefix objectstore.Path, delimiter string, fn func(*storage.ObjectAttrs)) error {
	query := &storage.Query{Delimiter: delimiter}
	if !prefix.IsRoot() {
		query.Prefix = key(prefix) + objectstore.Delimiter
	}
	if err := query.SetAttrSelection([]string{"Name", "Size", "Updated"}); err != nil {
		return objectstore.Classify(objectstore.KindGCS, err)
	}

	it := b.bucket.Objects(ctx, query)
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return translateError(err)
		}
		fn(attrs)
	}
}

// objectMeta converts a listed object. Names that do not form a valid
// path, and directory placeholders ending in "/", are skipped.
func objectMeta(attrs *storage.ObjectAttrs) (objectstore.ObjectMeta, bool) {
	if attrs.Name == "" || attrs.Name[len(attrs.Name)-1] == '/' {
		return objectstore.ObjectMeta{}, false
	}
	p, err := objectstore.Parse(attrs.Name)
	if err != nil {
		return objectstore.ObjectMeta{}, false
	}
	return objectstore.ObjectMeta{
		Location:     p,
		Size:         attrs.Size,
		LastModified: attrs.Updated,
	}, true
}

// Delete removes the object. Deleting a missing object succeeds.
func (b *Backend) Delete(ctx context.Context, p objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	err := translateError(b.object(p).Delete(ctx))
	if objectstore.IsNotFound(err) {
		return nil
	}
	return err
}

// Copy copies an object with a server-side rewrite.
func (b *Backend) Copy(ctx context.Context, src, dst objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	_, err := b.object(dst).CopierFrom(b.object(src)).Run(ctx)
	return translateError(err)
}

// CopyIfNotExists copies an object with a DoesNotExist precondition on dst.
func (b *Backend) CopyIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	target := b.object(dst).If(storage.Conditions{DoesNotExist: true})
	_, err := target.CopierFrom(b.object(src)).Run(ctx)
	return translateError(err)
}

// Rename copies src to dst and deletes src.
func (b *Backend) Rename(ctx context.Context, src, dst objectstore.Path) error {
	return objectstore.RenameByCopy(ctx, b, src, dst)
}

// RenameIfNotExists copies src to dst unless dst exists, then deletes src.
func (b *Backend) RenameIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	return objectstore.RenameIfNotExistsByCopy(ctx, b, src, dst)
}

// PutMultipart starts a resumable upload. The upload outlives ctx; it ends
// with Complete or Abort.
func (b *Backend) PutMultipart(ctx context.Context, p objectstore.Path) (objectstore.MultipartUpload, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	uploadCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &upload{
		path:   p,
		writer: b.writer(uploadCtx, p),
		cancel: cancel,
		next:   1,
	}, nil
}

// Close releases the storage client.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}

func (b *Backend) object(p objectstore.Path) *storage.ObjectHandle {
	return b.bucket.Object(key(p))
}

func (b *Backend) begin(ctx context.Context) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return objectstore.Classify(objectstore.KindGCS, err)
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

// key returns the object name for a path.
func key(p objectstore.Path) string {
	return p.String()
}

// translateError converts GCS errors to objectstore errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if t := objectstore.TranslateContextError(objectstore.KindGCS, err); t != nil {
		return t
	}

	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrNotFound, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrPermissionDenied, err)
		case http.StatusPreconditionFailed:
			return objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrAlreadyExists, err)
		case http.StatusRequestedRangeNotSatisfiable:
			return objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrInvalidRange, err)
		}
	}

	var tokenErr *oauth2.RetrieveError
	if errors.As(err, &tokenErr) {
		return objectstore.NewBackendError(objectstore.KindGCS, objectstore.ErrPermissionDenied, err)
	}

	return objectstore.Classify(objectstore.KindGCS, err)
}

// upload streams parts into one resumable upload. The object appears when
// the writer is closed; cancelling its context discards it.
type upload struct {
	path   objectstore.Path
	writer *storage.Writer
	cancel context.CancelFunc

	mu   sync.Mutex
	next int
	done bool
}

func (u *upload) UploadPart(ctx context.Context, number int, data []byte) (objectstore.Part, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return objectstore.Part{}, fmt.Errorf("%w: upload of %q is finished", objectstore.ErrClosedHandle, u.path)
	}
	if number != u.next {
		return objectstore.Part{}, fmt.Errorf("%w: gcs part %d uploaded out of order, want %d",
			objectstore.ErrUnsupportedOperation, number, u.next)
	}
	if err := ctx.Err(); err != nil {
		return objectstore.Part{}, objectstore.Classify(objectstore.KindGCS, err)
	}

	stop := context.AfterFunc(ctx, u.cancel)
	_, err := u.writer.Write(data)
	stop()
	if err != nil {
		u.abortLocked()
		return objectstore.Part{}, translateError(err)
	}
	u.next++
	return objectstore.Part{Number: number, ID: strconv.Itoa(number)}, nil
}

func (u *upload) Complete(ctx context.Context, parts []objectstore.Part) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.done {
		return fmt.Errorf("%w: upload of %q is finished", objectstore.ErrClosedHandle, u.path)
	}
	if len(parts) != u.next-1 {
		return fmt.Errorf("gcs: complete lists %d parts, %d were uploaded", len(parts), u.next-1)
	}
	for i, part := range parts {
		if part.Number != i+1 {
			return fmt.Errorf("%w: gcs part %d listed at position %d",
				objectstore.ErrUnsupportedOperation, part.Number, i+1)
		}
	}

	stop := context.AfterFunc(ctx, u.cancel)
	defer stop()
	u.done = true
	defer u.cancel()
	return translateError(u.writer.Close())
}

func (u *upload) Abort(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.done {
		u.abortLocked()
	}
	return nil
}

func (u *upload) abortLocked() {
	u.done = true
	u.cancel()
	_ = u.writer.Close()
}

// Ensure Backend implements objectstore.Backend
var _ objectstore.Backend = (*Backend)(nil)
