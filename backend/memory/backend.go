// Package memory provides an in-memory backend for objectstore.
//
// The memory backend is useful for:
//   - Unit testing without filesystem or network access
//   - Temporary storage and caching
//   - Development and prototyping
//
// Data is stored in RAM and lost when the backend is closed or the process
// exits. Every operation, including CopyIfNotExists and Rename, is atomic.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/grokify/objectstore"
)

func init() {
	objectstore.Register(objectstore.KindMemory, NewFromConfig)
}

// object represents a stored object in memory.
type object struct {
	location objectstore.Path
	data     []byte
	modTime  time.Time
}

func (o object) meta() objectstore.ObjectMeta {
	return objectstore.ObjectMeta{
		Location:     o.location,
		Size:         int64(len(o.data)),
		LastModified: o.modTime,
	}
}

// Backend implements objectstore.Backend for in-memory storage.
// Objects are kept in an ordered index keyed by their wire path.
type Backend struct {
	objects *btree.Map[string, object]
	closed  bool
	mu      sync.RWMutex
}

// New creates a new memory backend.
func New() *Backend {
	return &Backend{
		objects: btree.NewMap[string, object](0),
	}
}

// NewFromConfig creates a new memory backend for the registry.
// The memory backend ignores all configuration options.
func NewFromConfig(context.Context, objectstore.StorageURL, map[string]string, *objectstore.ClientOptions) (objectstore.Backend, error) {
	return New(), nil
}

// Kind returns objectstore.KindMemory.
func (b *Backend) Kind() objectstore.Kind {
	return objectstore.KindMemory
}

// Features describes the memory backend.
func (b *Backend) Features() objectstore.Features {
	return objectstore.Features{
		ServerSideCopy:        true,
		AtomicRename:          true,
		AtomicCopyIfNotExists: true,
		RangeRead:             true,
	}
}

// Get returns a copy of the object's content.
func (b *Backend) Get(ctx context.Context, p objectstore.Path) ([]byte, error) {
	obj, err := b.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	return clone(obj.data), nil
}

// GetRange returns a copy of a byte range of the object.
func (b *Backend) GetRange(ctx context.Context, p objectstore.Path, start, length int64) ([]byte, error) {
	obj, err := b.lookup(ctx, p)
	if err != nil {
		return nil, err
	}
	from, to, err := objectstore.ClampRange(int64(len(obj.data)), start, length)
	if err != nil {
		return nil, objectstore.NewBackendError(objectstore.KindMemory, err,
			fmt.Errorf("range %d+%d of %d bytes", start, length, len(obj.data)))
	}
	return clone(obj.data[from:to]), nil
}

// Put stores a copy of data at p.
func (b *Backend) Put(ctx context.Context, p objectstore.Path, data []byte) error {
	if err := ctx.Err(); err != nil {
		return objectstore.Classify(objectstore.KindMemory, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return objectstore.ErrBackendClosed
	}
	b.objects.Set(p.Key(), object{location: p, data: clone(data), modTime: time.Now()})
	return nil
}

// Head returns the object's metadata.
func (b *Backend) Head(ctx context.Context, p objectstore.Path) (objectstore.ObjectMeta, error) {
	obj, err := b.lookup(ctx, p)
	if err != nil {
		return objectstore.ObjectMeta{}, err
	}
	return obj.meta(), nil
}

// List returns every object under prefix.
func (b *Backend) List(ctx context.Context, prefix objectstore.Path) ([]objectstore.ObjectMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, objectstore.Classify(objectstore.KindMemory, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, objectstore.ErrBackendClosed
	}

	objects := []objectstore.ObjectMeta{}
	b.scan(prefix, func(obj object) {
		objects = append(objects, obj.meta())
	})
	objectstore.SortObjects(objects)
	return objects, nil
}

// ListWithDelimiter returns the objects and common prefixes directly under prefix.
func (b *Backend) ListWithDelimiter(ctx context.Context, prefix objectstore.Path) (objectstore.ListResult, error) {
	objects, err := b.List(ctx, prefix)
	if err != nil {
		return objectstore.ListResult{}, err
	}
	return objectstore.GroupByDelimiter(prefix, objects), nil
}

// Delete removes the object at p. Deleting a missing object succeeds.
func (b *Backend) Delete(ctx context.Context, p objectstore.Path) error {
	if err := ctx.Err(); err != nil {
		return objectstore.Classify(objectstore.KindMemory, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return objectstore.ErrBackendClosed
	}
	b.objects.Delete(p.Key())
	return nil
}

// Copy copies src to dst, overwriting dst.
func (b *Backend) Copy(ctx context.Context, src, dst objectstore.Path) error {
	return b.transfer(ctx, src, dst, true, false)
}

// CopyIfNotExists copies src to dst unless dst exists.
func (b *Backend) CopyIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	return b.transfer(ctx, src, dst, false, false)
}

// Rename moves src to dst, overwriting dst.
func (b *Backend) Rename(ctx context.Context, src, dst objectstore.Path) error {
	return b.transfer(ctx, src, dst, true, true)
}

// RenameIfNotExists moves src to dst unless dst exists.
func (b *Backend) RenameIfNotExists(ctx context.Context, src, dst objectstore.Path) error {
	return b.transfer(ctx, src, dst, false, true)
}

// transfer copies or moves src to dst under the write lock.
func (b *Backend) transfer(ctx context.Context, src, dst objectstore.Path, overwrite, move bool) error {
	if err := ctx.Err(); err != nil {
		return objectstore.Classify(objectstore.KindMemory, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return objectstore.ErrBackendClosed
	}

	obj, ok := b.objects.Get(src.Key())
	if !ok {
		return notFound(src)
	}
	if !overwrite {
		if _, exists := b.objects.Get(dst.Key()); exists {
			return objectstore.NewBackendError(objectstore.KindMemory, objectstore.ErrAlreadyExists,
				fmt.Errorf("%q", dst.String()))
		}
	}
	if src.Equal(dst) {
		return nil
	}

	// Object data is never mutated in place, so the copy can share it.
	copied := object{location: dst, data: obj.data, modTime: time.Now()}
	if move {
		copied.modTime = obj.modTime
		b.objects.Delete(src.Key())
	}
	b.objects.Set(dst.Key(), copied)
	return nil
}

// PutMultipart starts a multi-part upload. Parts are held in memory until
// Complete stores the assembled object in one step.
func (b *Backend) PutMultipart(ctx context.Context, p objectstore.Path) (objectstore.MultipartUpload, error) {
	if err := b.checkClosed(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, objectstore.Classify(objectstore.KindMemory, err)
	}
	return &upload{
		backend: b,
		path:    p,
		id:      uuid.NewString(),
		parts:   make(map[string][]byte),
	}, nil
}

// Close releases the stored objects.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.objects.Clear()
	return nil
}

// Size returns the total size of all objects in the backend.
// This is useful for monitoring memory usage.
func (b *Backend) Size() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var total int64
	b.objects.Scan(func(_ string, obj object) bool {
		total += int64(len(obj.data))
		return true
	})
	return total
}

// Count returns the number of objects in the backend.
func (b *Backend) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.objects.Len()
}

// Clear removes all objects from the backend.
func (b *Backend) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects.Clear()
}

func (b *Backend) lookup(ctx context.Context, p objectstore.Path) (object, error) {
	if err := ctx.Err(); err != nil {
		return object{}, objectstore.Classify(objectstore.KindMemory, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return object{}, objectstore.ErrBackendClosed
	}
	obj, ok := b.objects.Get(p.Key())
	if !ok {
		return object{}, notFound(p)
	}
	return obj, nil
}

// scan calls fn for every object under prefix. The caller holds the lock.
func (b *Backend) scan(prefix objectstore.Path, fn func(object)) {
	if prefix.IsRoot() {
		b.objects.Scan(func(_ string, obj object) bool {
			fn(obj)
			return true
		})
		return
	}
	// A segment-wise prefix is a byte prefix of the wire form followed by "/".
	pivot := prefix.Key() + objectstore.Delimiter
	b.objects.Ascend(pivot, func(key string, obj object) bool {
		if !strings.HasPrefix(key, pivot) {
			return false
		}
		fn(obj)
		return true
	})
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

func notFound(p objectstore.Path) error {
	return objectstore.NewBackendError(objectstore.KindMemory, objectstore.ErrNotFound,
		fmt.Errorf("%q", p.String()))
}

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// upload is an in-memory multi-part upload.
type upload struct {
	backend *Backend
	path    objectstore.Path
	id      string

	mu    sync.Mutex
	parts map[string][]byte // nil once completed or aborted
}

func (u *upload) UploadPart(ctx context.Context, number int, data []byte) (objectstore.Part, error) {
	if err := ctx.Err(); err != nil {
		return objectstore.Part{}, objectstore.Classify(objectstore.KindMemory, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.parts == nil {
		return objectstore.Part{}, objectstore.ErrClosedHandle
	}
	id := fmt.Sprintf("%s-%d", u.id, number)
	u.parts[id] = clone(data)
	return objectstore.Part{Number: number, ID: id}, nil
}

func (u *upload) Complete(ctx context.Context, parts []objectstore.Part) error {
	u.mu.Lock()
	if u.parts == nil {
		u.mu.Unlock()
		return objectstore.ErrClosedHandle
	}
	var size int
	for _, part := range parts {
		data, ok := u.parts[part.ID]
		if !ok {
			u.mu.Unlock()
			return fmt.Errorf("memory: unknown part %d of upload %s", part.Number, u.id)
		}
		size += len(data)
	}
	assembled := make([]byte, 0, size)
	for _, part := range parts {
		assembled = append(assembled, u.parts[part.ID]...)
	}
	u.parts = nil
	u.mu.Unlock()

	return u.backend.Put(ctx, u.path, assembled)
}

func (u *upload) Abort(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.parts = nil
	return nil
}

var _ objectstore.Backend = (*Backend)(nil)
