// Package s3 provides an S3-compatible backend for objectstore.
//
// This backend works with:
//   - AWS S3
//   - Cloudflare R2
//   - MinIO
//   - Wasabi
//   - DigitalOcean Spaces
//   - Any S3-compatible object storage
//
// Basic usage:
//
//	backend, err := s3.New(ctx, s3.Config{
//	    Bucket: "my-bucket",
//	    Region: "us-east-1",
//	}, nil)
//
// For S3-compatible services:
//
//	backend, err := s3.New(ctx, s3.Config{
//	    Bucket:       "my-bucket",
//	    Endpoint:     "https://play.min.io",
//	    UsePathStyle: true,
//	}, nil)
//
// SDK retries are disabled: a timed-out PutObject or CompleteMultipartUpload
// is reported to the caller instead of being replayed.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/grokify/objectstore"
)

func init() {
	objectstore.Register(objectstore.KindS3, NewFromConfig)
}

// Errors specific to the S3 backend.
var (
	ErrBucketRequired = fmt.Errorf("%w: s3 bucket is required", objectstore.ErrMissingCredential)
	ErrRegionRequired = fmt.Errorf("%w: s3 region is required", objectstore.ErrMissingCredential)
)

// Backend implements objectstore.Backend for S3-compatible storage.
type Backend struct {
	client        *s3.Client
	config        Config
	clientOptions *objectstore.ClientOptions
	closed        bool
	mu            sync.RWMutex
}

// New creates a new S3 backend with the given configuration.
// A nil clientOptions uses objectstore.DefaultClientOptions.
func New(ctx context.Context, cfg Config, clientOptions *objectstore.ClientOptions) (*Backend, error) {
	if cfg.PartSize == 0 {
		cfg.PartSize = MinPartSize
	}
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
	if err := clientOptions.CheckEndpoint(cfg.Endpoint); err != nil {
		return nil, err
	}
	// The SDK installs AWS_CA_BUNDLE through WithTransportOptions, which
	// only a BuildableClient supports.
	var transportErr error
	httpClient := awshttp.NewBuildableClient().
		WithTimeout(clientOptions.Timeout).
		WithTransportOptions(func(t *http.Transport) {
			transportErr = clientOptions.ConfigureTransport(t)
		})
	if transportErr != nil {
		return nil, transportErr
	}

	// Build AWS config options
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithHTTPClient(httpClient),
		config.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if cfg.Profile != "" {
		optFns = append(optFns, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.MetadataEndpoint != "" {
		optFns = append(optFns, config.WithEC2IMDSEndpoint(cfg.MetadataEndpoint))
	}
	if cfg.AccessKeyID != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		optFns = append(optFns, config.WithCredentialsProvider(creds))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
		if clientOptions.UserAgent != "" {
			o.APIOptions = append(o.APIOptions, awsmiddleware.AddUserAgentKey(clientOptions.UserAgent))
		}
	})

	return &Backend{
		client:        client,
		config:        cfg,
		clientOptions: clientOptions,
	}, nil
}

// NewFromConfig creates a new S3 backend for the registry.
// See ConfigFromMap for the supported option keys.
func NewFromConfig(ctx context.Context, loc objectstore.StorageURL, options map[string]string, clientOptions *objectstore.ClientOptions) (objectstore.Backend, error) {
	cfg, err := ConfigFromMap(loc, options)
	if err != nil {
		return nil, err
	}
	return New(ctx, cfg, clientOptions)
}

// Client returns the underlying S3 client.
func (b *Backend) Client() *s3.Client {
	return b.client
}

// Kind returns objectstore.KindS3.
func (b *Backend) Kind() objectstore.Kind {
	return objectstore.KindS3
}

// Features returns the capabilities of the S3 backend.
func (b *Backend) Features() objectstore.Features {
	return objectstore.Features{
		ServerSideCopy:        true,
		AtomicCopyIfNotExists: true,
		RangeRead:             true,
		MultipartParallel:     true,
		MinPartSize:           b.config.PartSize,
	}
}

// Get reads the whole object.
func (b *Backend) Get(ctx context.Context, p objectstore.Path) ([]byte, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key(p)),
	})
	if err != nil {
		return nil, translateError(err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, translateError(err)
	}
	return data, nil
}

// GetRange reads length bytes starting at start with a ranged GetObject.
func (b *Backend) GetRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}
	if length == 0 || start < 0 || length < 0 {
		return b.emptyRange(ctx, p, start, length)
	}

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key(p)),
		Range:  aws.String(rangeHeader(start, length)),
	})
	if err != nil {
		err = translateError(err)
		if errors.Is(err, objectstore.ErrInvalidRange) {
			// S3 rejects ranges starting at the end; those are empty reads.
			return b.emptyRange(ctx, p, start, length)
		}
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, translateError(err)
	}
	if int64(len(data)) > length {
		// Some S3-compatible services ignore the range of an empty object.
		data = data[:length]
	}
	return data, nil
}

// rangeHeader formats an HTTP Range for length bytes at start. Lengths
// reaching past math.MaxInt64 become an open-ended range.
func rangeHeader(start, length int64) string {
	if length > math.MaxInt64-start {
		return fmt.Sprintf("bytes=%d-", start)
	}
	return fmt.Sprintf("bytes=%d-%d", start, start+length-1)
}

// emptyRange resolves a range that needs no data from the object size.
func (b *Backend) emptyRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	meta, err := b.Head(ctx, p)
	if err != nil {
		return nil, err
	}
	from, to, err := objectstore.ClampRange(meta.Size, start, length)
	if err != nil {
		return nil, objectstore.NewBackendError(objectstore.KindS3, err,
			fmt.Errorf("range %d+%d of %d bytes", start, length, meta.Size))
	}
	if from != to {
		return nil, objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrIO,
			fmt.Errorf("range %d+%d of %d bytes was not satisfiable", start, length, meta.Size))
	}
	return []byte{}, nil
}

// Put uploads data with a single PutObject.
func (b *Backend) Put(ctx context.Context, p objectstore.Path, data []byte) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	_, err := b.client.PutObject(ctx, b.putInput(p, data))
	return translateError(err)
}

func (b *Backend) putInput(p objectstore.Path, data []byte) *s3.PutObjectInput {
	input := &s3.PutObjectInput{
		Bucket:        aws.String(b.config.Bucket),
		Key:           aws.String(key(p)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if ct := b.clientOptions.ContentType(p); ct != "" {
		input.ContentType = aws.String(ct)
	}
	return input
}

// Head returns the object's metadata.
func (b *Backend) Head(ctx context.Context, p objectstore.Path) (objectstore.ObjectMeta, error) {
	if err := b.begin(ctx); err != nil {
		return objectstore.ObjectMeta{}, err
	}

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key(p)),
	})
	if err != nil {
		return objectstore.ObjectMeta{}, translateError(err)
	}
	return objectstore.ObjectMeta{
		Location:     p,
		Size:         aws.ToInt64(out.ContentLength),
		LastModified: aws.ToTime(out.LastModified),
	}, nil
}

// List lists every object under prefix with ListObjectsV2.
func (b *Backend) List(ctx context.Context, prefix objectstore.Path) ([]objectstore.ObjectMeta, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	objects := []objectstore.ObjectMeta{}
	err := b.listPages(ctx, prefix, "", func(page *s3.ListObjectsV2Output) {
		objects = appendObjects(objects, page.Contents)
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
	err := b.listPages(ctx, prefix, objectstore.Delimiter, func(page *s3.ListObjectsV2Output) {
		result.Objects = appendObjects(result.Objects, page.Contents)
		for _, cp := range page.CommonPrefixes {
			p, err := objectstore.Parse(aws.ToString(cp.Prefix))
			if err != nil || p.IsRoot() {
				continue
			}
			result.CommonPrefixes = append(result.CommonPrefixes, p)
		}
	})
	if err != nil {
		return objectstore.ListResult{}, err
	}
	return result, nil
}

func (b *Backend) listPages(ctx context.Context, prefix objectstore.Path, delimiter string, fn func(*s3.ListObjectsV2Output)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.config.Bucket),
	}
	if !prefix.IsRoot() {
		input.Prefix = aws.String(key(prefix) + objectstore.Delimiter)
	}
	if delimiter != "" {
		input.Delimiter = aws.String(delimiter)
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		if err := ctx.Err(); err != nil {
			return objectstore.Classify(objectstore.KindS3, err)
		}

		page, err := paginator.NextPage(ctx)
		if err != nil {
			return translateError(err)
		}
		fn(page)
	}
	return nil
}

// appendObjects converts listed keys to object metadata. Keys that do not
// form a valid path, and directory markers ending in "/", are skipped.
func appendObjects(objects []objectstore.ObjectMeta, contents []types.Object) []objectstore.ObjectMeta {
	for _, obj := range contents {
		k := aws.ToString(obj.Key)
		if k == "" || strings.HasSuffix(k, objectstore.Delimiter) {
			continue
		}
		p, err := objectstore.Parse(k)
		if err != nil {
			continue
		}
		objects = append(objects, objectstore.ObjectMeta{
			Location:     p,
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return objects
}

// Delete removes the object. S3 deletes are idempotent.
func (b *Backend) Delete(ctx context.Context, p objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key(p)),
	})
	if err = translateError(err); objectstore.IsNotFound(err) {
		return nil
	}
	return err
}

// Copy copies an object using S3 server-side copy.
func (b *Backend) Copy(ctx context.Context, src, dst objectstore.Path) error {
	if err := b.begin(ctx); err != nil {
		return err
	}

	_, err := b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.config.Bucket),
		CopySource: aws.String(b.copySource(src)),
		Key:        aws.String(key(dst)),
	})
	return translateError(err)
}

// CopyIfNotExists reads src and writes it to dst with a conditional
// PutObject (If-None-Match: *), which S3 rejects if dst exists.
func (b *Backend) CopyIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	data, err := b.Get(ctx, src)
	if err != nil {
		return err
	}

	input := b.putInput(dst, data)
	input.IfNoneMatch = aws.String("*")
	_, err = b.client.PutObject(ctx, input)
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

// PutMultipart starts a multipart upload.
func (b *Backend) PutMultipart(ctx context.Context, p objectstore.Path) (objectstore.MultipartUpload, error) {
	if err := b.begin(ctx); err != nil {
		return nil, err
	}

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.config.Bucket),
		Key:    aws.String(key(p)),
	}
	if ct := b.clientOptions.ContentType(p); ct != "" {
		input.ContentType = aws.String(ct)
	}
	out, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return nil, translateError(err)
	}
	return &upload{backend: b, key: key(p), uploadID: aws.ToString(out.UploadId)}, nil
}

// Close releases any resources held by the backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	return nil
}

func (b *Backend) begin(ctx context.Context) error {
	if err := b.checkClosed(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return objectstore.Classify(objectstore.KindS3, err)
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

// copySource returns the URL-encoded "bucket/key" form CopyObject expects.
func (b *Backend) copySource(p objectstore.Path) string {
	segments := strings.Split(key(p), objectstore.Delimiter)
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return b.config.Bucket + "/" + strings.Join(segments, "/")
}

// key returns the S3 key for a path.
func key(p objectstore.Path) string {
	return p.String()
}

// translateError converts S3 errors to objectstore errors.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if t := objectstore.TranslateContextError(objectstore.KindS3, err); t != nil {
		return t
	}

	var nsk *types.NoSuchKey
	var nf *types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrNotFound, err)
	}

	// Check error code
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrPermissionDenied, err)
		case "PreconditionFailed":
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrAlreadyExists, err)
		case "InvalidRange":
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrInvalidRange, err)
		}
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.HTTPStatusCode() {
		case http.StatusNotFound:
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrNotFound, err)
		case http.StatusForbidden, http.StatusUnauthorized:
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrPermissionDenied, err)
		case http.StatusPreconditionFailed:
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrAlreadyExists, err)
		case http.StatusRequestedRangeNotSatisfiable:
			return objectstore.NewBackendError(objectstore.KindS3, objectstore.ErrInvalidRange, err)
		}
	}

	return objectstore.Classify(objectstore.KindS3, err)
}

// upload is an S3 multipart upload.
type upload struct {
	backend  *Backend
	key      string
	uploadID string
}

func (u *upload) UploadPart(ctx context.Context, number int, data []byte) (objectstore.Part, error) {
	out, err := u.backend.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(u.backend.config.Bucket),
		Key:           aws.String(u.key),
		UploadId:      aws.String(u.uploadID),
		PartNumber:    aws.Int32(int32(number)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return objectstore.Part{}, translateError(err)
	}
	return objectstore.Part{Number: number, ID: aws.ToString(out.ETag)}, nil
}

func (u *upload) Complete(ctx context.Context, parts []objectstore.Part) error {
	completed := make([]types.CompletedPart, len(parts))
	for i, part := range parts {
		completed[i] = types.CompletedPart{
			ETag:       aws.String(part.ID),
			PartNumber: aws.Int32(int32(part.Number)),
		}
	}

	_, err := u.backend.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.backend.config.Bucket),
		Key:             aws.String(u.key),
		UploadId:        aws.String(u.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	return translateError(err)
}

func (u *upload) Abort(ctx context.Context) error {
	_, err := u.backend.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.backend.config.Bucket),
		Key:      aws.String(u.key),
		UploadId: aws.String(u.uploadID),
	})
	var nsu *types.NoSuchUpload
	if errors.As(err, &nsu) {
		return nil
	}
	return translateError(err)
}

// Ensure Backend implements objectstore.Backend
var _ objectstore.Backend = (*Backend)(nil)
