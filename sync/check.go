package sync

import (
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/grokify/objectstore"
)

// Check compares the trees under srcPrefix and dstPrefix without changing
// either. Objects are compared as Sync would: by size and modification
// time, or by content hash when opts.Checksum is set. The filter applies
// to both sides. All lists in the result are sorted.
func Check(ctx context.Context, src *objectstore.Engine, srcPrefix objectstore.Path, dst *objectstore.Engine, dstPrefix objectstore.Path, opts Options) (*CheckResult, error) {
	s := newSyncContext(src, srcPrefix, dst, dstPrefix, opts)

	srcObjects, err := listTree(ctx, src, srcPrefix)
	if err != nil {
		return nil, err
	}
	dstObjects, err := listTree(ctx, dst, dstPrefix)
	if err != nil {
		return nil, err
	}

	result := &CheckResult{}
	for _, key := range slices.Sorted(maps.Keys(srcObjects)) {
		srcMeta := srcObjects[key]
		if !opts.Filter.Match(srcMeta) {
			continue
		}
		dstMeta, exists := dstObjects[key]
		if !exists {
			result.SrcOnly = append(result.SrcOnly, key)
			continue
		}
		delete(dstObjects, key)

		differ, err := s.differs(ctx, srcMeta, dstMeta)
		switch {
		case err != nil:
			result.Errors = append(result.Errors, FileError{Path: key, Op: "compare", Err: err})
		case differ:
			result.Differ = append(result.Differ, key)
		default:
			result.Match = append(result.Match, key)
		}
	}

	for _, key := range slices.Sorted(maps.Keys(dstObjects)) {
		if opts.Filter.Match(dstObjects[key]) {
			result.DstOnly = append(result.DstOnly, key)
		}
	}

	s.logger.Info("check complete",
		slog.Int("match", len(result.Match)),
		slog.Int("differ", len(result.Differ)),
		slog.Int("src_only", len(result.SrcOnly)),
		slog.Int("dst_only", len(result.DstOnly)),
		slog.Int("errors", len(result.Errors)),
	)
	return result, ctx.Err()
}
