package objectstore

import (
	"context"
	"fmt"
)

// PrefixBackend scopes a backend to the keys under a prefix. Paths given
// to it are joined onto the prefix; paths it returns have the prefix removed.
type PrefixBackend struct {
	inner  Backend
	prefix Path
}

// NewPrefixBackend returns b scoped to prefix. A root prefix returns b itself.
func NewPrefixBackend(b Backend, prefix Path) Backend {
	if prefix.IsRoot() {
		return b
	}
	return &PrefixBackend{inner: b, prefix: prefix}
}

// Prefix returns the key prefix.
func (b *PrefixBackend) Prefix() Path {
	return b.prefix
}

// Unwrap returns the underlying backend.
func (b *PrefixBackend) Unwrap() Backend {
	return b.inner
}

func (b *PrefixBackend) full(p Path) Path {
	return b.prefix.Join(p)
}

func (b *PrefixBackend) strip(p Path) (Path, error) {
	rel, ok := p.TrimPrefix(b.prefix)
	if !ok {
		return Path{}, fmt.Errorf("%w: %q is outside prefix %q", ErrIO, p, b.prefix)
	}
	return rel, nil
}

func (b *PrefixBackend) Kind() Kind {
	return b.inner.Kind()
}

func (b *PrefixBackend) Features() Features {
	return b.inner.Features()
}

func (b *PrefixBackend) Get(ctx context.Context, p Path) ([]byte, error) {
	return b.inner.Get(ctx, b.full(p))
}

func (b *PrefixBackend) GetRange(ctx context.Context, p Path, start, length int64) ([]byte, error) {
	return b.inner.GetRange(ctx, b.full(p), start, length)
}

func (b *PrefixBackend) Put(ctx context.Context, p Path, data []byte) error {
	return b.inner.Put(ctx, b.full(p), data)
}

func (b *PrefixBackend) Head(ctx context.Context, p Path) (ObjectMeta, error) {
	meta, err := b.inner.Head(ctx, b.full(p))
	if err != nil {
		return ObjectMeta{}, err
	}
	meta.Location = p
	return meta, nil
}

func (b *PrefixBackend) List(ctx context.Context, prefix Path) ([]ObjectMeta, error) {
	objects, err := b.inner.List(ctx, b.full(prefix))
	if err != nil {
		return nil, err
	}
	for i := range objects {
		if objects[i].Location, err = b.strip(objects[i].Location); err != nil {
			return nil, err
		}
	}
	return objects, nil
}

func (b *PrefixBackend) ListWithDelimiter(ctx context.Context, prefix Path) (ListResult, error) {
	result, err := b.inner.ListWithDelimiter(ctx, b.full(prefix))
	if err != nil {
		return ListResult{}, err
	}
	for i := range result.Objects {
		if result.Objects[i].Location, err = b.strip(result.Objects[i].Location); err != nil {
			return ListResult{}, err
		}
	}
	for i := range result.CommonPrefixes {
		if result.CommonPrefixes[i], err = b.strip(result.CommonPrefixes[i]); err != nil {
			return ListResult{}, err
		}
	}
	return result, nil
}

func (b *PrefixBackend) Delete(ctx context.Context, p Path) error {
	return b.inner.Delete(ctx, b.full(p))
}

func (b *PrefixBackend) Copy(ctx context.Context, src, dst Path) error {
	return b.inner.Copy(ctx, b.full(src), b.full(dst))
}

func (b *PrefixBackend) CopyIfNotExists(ctx context.Context, src, dst Path) error {
	return b.inner.CopyIfNotExists(ctx, b.full(src), b.full(dst))
}

func (b *PrefixBackend) Rename(ctx context.Context, src, dst Path) error {
	return b.inner.Rename(ctx, b.full(src), b.full(dst))
}

func (b *PrefixBackend) RenameIfNotExists(ctx context.Context, src, dst Path) error {
	return b.inner.RenameIfNotExists(ctx, b.full(src), b.full(dst))
}

func (b *PrefixBackend) PutMultipart(ctx context.Context, p Path) (MultipartUpload, error) {
	return b.inner.PutMultipart(ctx, b.full(p))
}

func (b *PrefixBackend) Close() error {
	return b.inner.Close()
}

var _ Backend = (*PrefixBackend)(nil)
