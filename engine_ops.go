package objectstore

import (
	"context"

	"github.com/grokify/objectstore/bridge"
)

// Every operation has a blocking form, which runs on the engine's runtime
// and waits without observing cancellation of ctx, and an Async form, which
// returns a Future at once and can be cancelled through ctx or
// Future.Cancel.

// Get returns the full content of the object at p.
func (e *Engine) Get(ctx context.Context, p Path) ([]byte, error) {
	return bridge.Block(e.rt, ctx, func(ctx context.Context) ([]byte, error) {
		return e.get(ctx, p)
	})
}

// GetAsync is the asynchronous form of Get.
func (e *Engine) GetAsync(ctx context.Context, p Path) *bridge.Future[[]byte] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) ([]byte, error) {
		return e.get(ctx, p)
	})
}

// GetRange returns up to length bytes of p starting at start.
func (e *Engine) GetRange(ctx context.Context, p Path, start, length int64) ([]byte, error) {
	return bridge.Block(e.rt, ctx, func(ctx context.Context) ([]byte, error) {
		return e.getRange(ctx, p, start, length)
	})
}

// GetRangeAsync is the asynchronous form of GetRange.
func (e *Engine) GetRangeAsync(ctx context.Context, p Path, start, length int64) *bridge.Future[[]byte] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) ([]byte, error) {
		return e.getRange(ctx, p, start, length)
	})
}

// Put creates or replaces the object at p.
func (e *Engine) Put(ctx context.Context, p Path, data []byte) error {
	_, err := bridge.Block(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.put(ctx, p, data)
	})
	return err
}

// PutAsync is the asynchronous form of Put.
func (e *Engine) PutAsync(ctx context.Context, p Path, data []byte) *bridge.Future[struct{}] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.put(ctx, p, data)
	})
}

// Head returns the metadata of the object at p.
func (e *Engine) Head(ctx context.Context, p Path) (ObjectMeta, error) {
	return bridge.Block(e.rt, ctx, func(ctx context.Context) (ObjectMeta, error) {
		return e.head(ctx, p)
	})
}

// HeadAsync is the asynchronous form of Head.
func (e *Engine) HeadAsync(ctx context.Context, p Path) *bridge.Future[ObjectMeta] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (ObjectMeta, error) {
		return e.head(ctx, p)
	})
}

// List returns every object under prefix, sorted by location.
// The root path lists every object.
func (e *Engine) List(ctx context.Context, prefix Path) ([]ObjectMeta, error) {
	return bridge.Block(e.rt, ctx, func(ctx context.Context) ([]ObjectMeta, error) {
		return e.list(ctx, prefix)
	})
}

// ListAsync is the asynchronous form of List.
func (e *Engine) ListAsync(ctx context.Context, prefix Path) *bridge.Future[[]ObjectMeta] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) ([]ObjectMeta, error) {
		return e.list(ctx, prefix)
	})
}

// ListWithDelimiter returns the objects and common prefixes one level
// below prefix.
func (e *Engine) ListWithDelimiter(ctx context.Context, prefix Path) (ListResult, error) {
	return bridge.Block(e.rt, ctx, func(ctx context.Context) (ListResult, error) {
		return e.listWithDelimiter(ctx, prefix)
	})
}

// ListWithDelimiterAsync is the asynchronous form of ListWithDelimiter.
func (e *Engine) ListWithDelimiterAsync(ctx context.Context, prefix Path) *bridge.Future[ListResult] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (ListResult, error) {
		return e.listWithDelimiter(ctx, prefix)
	})
}

// Delete removes the object at p. Deleting a missing object succeeds.
func (e *Engine) Delete(ctx context.Context, p Path) error {
	_, err := bridge.Block(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.delete(ctx, p)
	})
	return err
}

// DeleteAsync is the asynchronous form of Delete.
func (e *Engine) DeleteAsync(ctx context.Context, p Path) *bridge.Future[struct{}] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.delete(ctx, p)
	})
}

// Copy copies src to dst, overwriting dst.
func (e *Engine) Copy(ctx context.Context, src, dst Path) error {
	_, err := bridge.Block(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.copy(ctx, src, dst)
	})
	return err
}

// CopyAsync is the asynchronous form of Copy.
func (e *Engine) CopyAsync(ctx context.Context, src, dst Path) *bridge.Future[struct{}] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.copy(ctx, src, dst)
	})
}

// CopyIfNotExists copies src to dst unless dst exists, in which case it
// fails with ErrAlreadyExists.
func (e *Engine) CopyIfNotExists(ctx context.Context, src, dst Path) error {
	_, err := bridge.Block(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.copyIfNotExists(ctx, src, dst)
	})
	return err
}

// CopyIfNotExistsAsync is the asynchronous form of CopyIfNotExists.
func (e *Engine) CopyIfNotExistsAsync(ctx context.Context, src, dst Path) *bridge.Future[struct{}] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.copyIfNotExists(ctx, src, dst)
	})
}

// Rename moves src to dst, overwriting dst. On backends without a native
// rename this copies then deletes, see Features.AtomicRename.
func (e *Engine) Rename(ctx context.Context, src, dst Path) error {
	_, err := bridge.Block(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.rename(ctx, src, dst)
	})
	return err
}

// RenameAsync is the asynchronous form of Rename.
func (e *Engine) RenameAsync(ctx context.Context, src, dst Path) *bridge.Future[struct{}] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.rename(ctx, src, dst)
	})
}

// RenameIfNotExists moves src to dst unless dst exists.
func (e *Engine) RenameIfNotExists(ctx context.Context, src, dst Path) error {
	_, err := bridge.Block(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.renameIfNotExists(ctx, src, dst)
	})
	return err
}

// RenameIfNotExistsAsync is the asynchronous form of RenameIfNotExists.
func (e *Engine) RenameIfNotExistsAsync(ctx context.Context, src, dst Path) *bridge.Future[struct{}] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (struct{}, error) {
		return e.renameIfNotExists(ctx, src, dst)
	})
}

// OpenInputFile opens the object at p for random-access reads.
// The object's size is fetched once, here.
func (e *Engine) OpenInputFile(ctx context.Context, p Path) (*ObjectInputFile, error) {
	return bridge.Block(e.rt, ctx, func(ctx context.Context) (*ObjectInputFile, error) {
		return e.openInputFile(ctx, p)
	})
}

// OpenInputFileAsync is the asynchronous form of OpenInputFile.
func (e *Engine) OpenInputFileAsync(ctx context.Context, p Path) *bridge.Future[*ObjectInputFile] {
	return bridge.Spawn(e.rt, ctx, func(ctx context.Context) (*ObjectInputFile, error) {
		return e.openInputFile(ctx, p)
	})
}

// OpenOutputStream starts a multi-part upload to p and returns a stream
// writing to it. Nothing is visible at p until the stream is closed.
//
// Starting the upload runs to completion even if ctx is cancelled; the
// cancellation then aborts it. A stream that is dropped without
// Close or Abort is aborted when it is garbage collected.
func (e *Engine) OpenOutputStream(ctx context.Context, p Path) (*ObjectOutputStream, error) {
	return bridge.Block(e.rt, ctx, func(opCtx context.Context) (*ObjectOutputStream, error) {
		return e.openOutputStream(opCtx, ctx, p)
	})
}

// OpenOutputStreamAsync is the asynchronous form of OpenOutputStream.
// Cancelling the Future before the upload starts fails the open.
func (e *Engine) OpenOutputStreamAsync(ctx context.Context, p Path) *bridge.Future[*ObjectOutputStream] {
	return bridge.Spawn(e.rt, ctx, func(opCtx context.Context) (*ObjectOutputStream, error) {
		return e.openOutputStream(opCtx, ctx, p)
	})
}

// WithOutputStream opens an output stream to p and passes it to fn. If fn
// returns nil the stream is closed, committing the object; if fn fails or
// panics the upload is aborted and nothing is written.
func (e *Engine) WithOutputStream(ctx context.Context, p Path, fn func(*ObjectOutputStream) error) (err error) {
	out, err := e.OpenOutputStream(ctx, p)
	if err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			_ = out.Abort()
			panic(rec)
		}
	}()
	if err := fn(out); err != nil {
		_ = out.Abort()
		return err
	}
	return out.Close()
}
