package objectstore

import (
	"context"
	"io"
)

// CopyBetween copies an object from one engine to another, potentially of
// different backends. The data streams through the caller: the source is
// read with range requests and written as a multi-part upload, so the
// destination appears only once the whole object was copied.
//
// When both engines are the same, the backend's server-side Copy is used.
func CopyBetween(ctx context.Context, src *Engine, srcPath Path, dst *Engine, dstPath Path) error {
	if src == dst {
		return src.Copy(ctx, srcPath, dstPath)
	}

	in, err := src.OpenInputFile(ctx, srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	return dst.WithOutputStream(ctx, dstPath, func(out *ObjectOutputStream) error {
		buf := make([]byte, dst.partSize)
		_, err := io.CopyBuffer(out, in, buf)
		return err
	})
}
