// Package objectstore provides a uniform client for object storage.
//
// One Engine serves a single root URL and dispatches every operation to the
// backend adapter for that URL's scheme: local filesystem, in-memory,
// S3-compatible services, Azure Blob Storage or Google Cloud Storage.
// Paths are normalized the same way for every backend and every failure is
// reported with one of the error kinds declared in errors.go.
//
// Basic usage:
//
//	import _ "github.com/grokify/objectstore/backend/all"
//
//	engine, _ := objectstore.New("s3://bucket/prefix", map[string]string{
//	    "aws_region": "us-east-1",
//	}, nil)
//	p := objectstore.MustParse("logs/app.json")
//	_ = engine.Put(ctx, p, []byte(`{"msg":"hello"}`))
//	data, _ := engine.Get(ctx, p)
package objectstore

import "context"

// Kind identifies one of the supported backend families.
type Kind int

const (
	KindLocal Kind = iota + 1
	KindMemory
	KindS3
	KindAzure
	KindGCS
)

// Kinds lists every backend kind.
var Kinds = []Kind{KindLocal, KindMemory, KindS3, KindAzure, KindGCS}

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindMemory:
		return "memory"
	case KindS3:
		return "s3"
	case KindAzure:
		return "azure"
	case KindGCS:
		return "gcs"
	}
	return "unknown"
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindLocal, KindMemory, KindS3, KindAzure, KindGCS:
		return true
	}
	return false
}

// Backend is the contract every storage adapter implements.
//
// Backends are safe for concurrent use by multiple goroutines. All paths
// are already normalized and relative to the backend root. Errors match
// one of the kinds in errors.go.
type Backend interface {
	// Kind returns the backend family.
	Kind() Kind

	// Get returns the full content of an object.
	// Returns ErrNotFound if the object does not exist.
	Get(ctx context.Context, p Path) ([]byte, error)

	// GetRange returns up to length bytes starting at start. Ranges
	// extending past the end are clamped; start equal to the size yields
	// an empty slice. Returns ErrInvalidRange if start is past the end.
	GetRange(ctx context.Context, p Path, start, length int64) ([]byte, error)

	// Put creates or replaces an object. Readers observe either the old or
	// the new content, never a mixture.
	Put(ctx context.Context, p Path, data []byte) error

	// Head returns the object's metadata without its content.
	Head(ctx context.Context, p Path) (ObjectMeta, error)

	// List returns every object whose path has prefix as a segment-wise
	// prefix. The root prefix lists everything.
	List(ctx context.Context, prefix Path) ([]ObjectMeta, error)

	// ListWithDelimiter returns the objects directly under prefix and the
	// distinct common prefixes one segment deeper.
	ListWithDelimiter(ctx context.Context, prefix Path) (ListResult, error)

	// Delete removes an object. Deleting a missing object succeeds.
	Delete(ctx context.Context, p Path) error

	// Copy copies src to dst, overwriting dst.
	Copy(ctx context.Context, src, dst Path) error

	// CopyIfNotExists copies src to dst, failing with ErrAlreadyExists
	// if dst exists at the time of the write.
	CopyIfNotExists(ctx context.Context, src, dst Path) error

	// Rename moves src to dst, overwriting dst.
	Rename(ctx context.Context, src, dst Path) error

	// RenameIfNotExists moves src to dst, failing with ErrAlreadyExists
	// if dst exists.
	RenameIfNotExists(ctx context.Context, src, dst Path) error

	// PutMultipart starts a multi-part upload to p. Nothing is visible at p
	// until the upload is completed.
	PutMultipart(ctx context.Context, p Path) (MultipartUpload, error)

	// Features describes the backend's capabilities.
	Features() Features

	// Close releases any resources held by the backend.
	// After Close, all other methods return ErrBackendClosed.
	Close() error
}

// Part identifies one uploaded part of a multi-part upload.
type Part struct {
	// Number is the 1-based position of the part.
	Number int

	// ID is the backend's identifier for the part (ETag, block ID, ...).
	ID string
}

// MultipartUpload is a backend-side multi-part upload.
//
// Parts are uploaded in order. Complete publishes the object built from
// the given parts; Abort discards everything uploaded so far.
type MultipartUpload interface {
	UploadPart(ctx context.Context, number int, data []byte) (Part, error)
	Complete(ctx context.Context, parts []Part) error
	Abort(ctx context.Context) error
}
