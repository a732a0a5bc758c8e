package objectstore

import "context"

// RenameByCopy moves src to dst by copying then deleting src.
// Backends without a native rename use it. The source is not checked for
// changes between the copy and the delete, so a write to src racing with
// the rename may be lost.
func RenameByCopy(ctx context.Context, b Backend, src, dst Path) error {
	if err := b.Copy(ctx, src, dst); err != nil {
		return err
	}
	return b.Delete(ctx, src)
}

// RenameIfNotExistsByCopy is RenameByCopy with CopyIfNotExists semantics:
// it fails with ErrAlreadyExists and leaves src in place if dst exists.
func RenameIfNotExistsByCopy(ctx context.Context, b Backend, src, dst Path) error {
	if err := b.CopyIfNotExists(ctx, src, dst); err != nil {
		return err
	}
	return b.Delete(ctx, src)
}

// MoveBetween moves an object from one engine to another by copying then
// deleting the source. When both engines share a backend, the backend's
// rename is used instead.
func MoveBetween(ctx context.Context, src *Engine, srcPath Path, dst *Engine, dstPath Path) error {
	if src == dst {
		return src.Rename(ctx, srcPath, dstPath)
	}
	if err := CopyBetween(ctx, src, srcPath, dst, dstPath); err != nil {
		return err
	}
	return src.Delete(ctx, srcPath)
}
