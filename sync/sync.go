package sync

import (
	"context"
	"io"
	"log/slog"
	"maps"
	"slices"
	gosync "sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/grokify/objectstore"
)

// Sync makes the tree under dstPrefix on dst match the tree under
// srcPrefix on src.
//
// New and changed objects are copied. Objects present only in the
// destination are deleted when Options.DeleteExtra is set, which makes the
// destination a mirror of the source. The returned error is the context's
// error if ctx was cancelled or a listing failure; per-object failures are
// collected in Result.Errors.
func Sync(ctx context.Context, src *objectstore.Engine, srcPrefix objectstore.Path, dst *objectstore.Engine, dstPrefix objectstore.Path, opts Options) (*Result, error) {
	s := newSyncContext(src, srcPrefix, dst, dstPrefix, opts)
	return s.run(ctx)
}

// CopyDir copies new and changed objects from source to destination.
// It never deletes.
func CopyDir(ctx context.Context, src *objectstore.Engine, srcPrefix objectstore.Path, dst *objectstore.Engine, dstPrefix objectstore.Path) (*Result, error) {
	return Sync(ctx, src, srcPrefix, dst, dstPrefix, DefaultOptions())
}

// Move copies the tree like CopyDir, then deletes each source object that
// was copied or was already identical in the destination. Objects that
// failed to copy stay in the source. Result.Deleted counts source deletes.
func Move(ctx context.Context, src *objectstore.Engine, srcPrefix objectstore.Path, dst *objectstore.Engine, dstPrefix objectstore.Path, opts Options) (*Result, error) {
	opts.DeleteExtra = false
	s := newSyncContext(src, srcPrefix, dst, dstPrefix, opts)
	s.move = true
	return s.run(ctx)
}

type copyAction struct {
	meta     objectstore.ObjectMeta
	isUpdate bool
}

// syncContext holds the state shared by the workers of one run.
type syncContext struct {
	opts      Options
	logger    *slog.Logger
	limiter   *rate.Limiter
	src       *objectstore.Engine
	dst       *objectstore.Engine
	srcPrefix objectstore.Path
	dstPrefix objectstore.Path
	move      bool

	mu      gosync.Mutex
	result  *Result
	done    []objectstore.Path
	stopped bool
	stop    context.CancelFunc
}

func newSyncContext(src *objectstore.Engine, srcPrefix objectstore.Path, dst *objectstore.Engine, dstPrefix objectstore.Path, opts Options) *syncContext {
	return &syncContext{
		opts:      opts,
		logger:    opts.logger(),
		limiter:   newLimiter(opts.BandwidthLimit),
		src:       src,
		dst:       dst,
		srcPrefix: srcPrefix,
		dstPrefix: dstPrefix,
		result:    &Result{DryRun: opts.DryRun},
	}
}

func (s *syncContext) run(ctx context.Context) (*Result, error) {
	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stop = cancel

	s.logger.Info("starting sync",
		slog.String("src", s.src.Root()),
		slog.String("src_prefix", s.srcPrefix.String()),
		slog.String("dst", s.dst.Root()),
		slog.String("dst_prefix", s.dstPrefix.String()),
		slog.Bool("delete_extra", s.opts.DeleteExtra),
		slog.Bool("move", s.move),
		slog.Bool("dry_run", s.opts.DryRun),
		slog.Int("concurrency", s.opts.concurrency()),
	)

	s.progress(Progress{Phase: PhaseScanning, CurrentFile: s.srcPrefix.String()})
	srcObjects, err := listTree(runCtx, s.src, s.srcPrefix)
	if err != nil {
		s.logger.Error("failed to list source", slog.String("prefix", s.srcPrefix.String()), slog.Any("error", err))
		return nil, err
	}
	dstObjects, err := listTree(runCtx, s.dst, s.dstPrefix)
	if err != nil {
		s.logger.Error("failed to list destination", slog.String("prefix", s.dstPrefix.String()), slog.Any("error", err))
		return nil, err
	}
	s.logger.Debug("scan complete", slog.Int("src_objects", len(srcObjects)), slog.Int("dst_objects", len(dstObjects)))

	toCopy, toDelete := s.plan(runCtx, srcObjects, dstObjects)

	var totalBytes int64
	for _, a := range toCopy {
		totalBytes += a.meta.Size
	}
	s.progress(Progress{Phase: PhaseTransferring, TotalFiles: len(toCopy), TotalBytes: totalBytes})

	var g errgroup.Group
	g.SetLimit(s.opts.concurrency())
	for _, a := range toCopy {
		if runCtx.Err() != nil {
			break
		}
		g.Go(func() error {
			s.transfer(runCtx, a, len(toCopy), totalBytes)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		s.result.Duration = time.Since(start)
		return s.result, err
	}

	if !s.isStopped() {
		if s.move {
			s.deleteAll(runCtx, s.src, s.srcPrefix, s.done)
		} else if len(toDelete) > 0 {
			s.deleteAll(runCtx, s.dst, s.dstPrefix, toDelete)
		}
	}
	if err := ctx.Err(); err != nil {
		s.result.Duration = time.Since(start)
		return s.result, err
	}

	r := s.result
	s.progress(Progress{
		Phase:            PhaseComplete,
		FilesTransferred: r.Copied + r.Updated,
		BytesTransferred: r.BytesTransferred,
		FilesDeleted:     r.Deleted,
		Errors:           len(r.Errors),
	})
	r.Duration = time.Since(start)

	s.logger.Info("sync complete",
		slog.Int("copied", r.Copied),
		slog.Int("updated", r.Updated),
		slog.Int("deleted", r.Deleted),
		slog.Int("skipped", r.Skipped),
		slog.Int("errors", len(r.Errors)),
		slog.Int64("bytes_transferred", r.BytesTransferred),
		slog.Duration("duration", r.Duration),
	)
	return r, nil
}

// plan decides which source objects to copy and which destination
// objects to delete. Keys are relative to the prefixes.
func (s *syncContext) plan(ctx context.Context, srcObjects, dstObjects map[string]objectstore.ObjectMeta) ([]copyAction, []objectstore.Path) {
	s.progress(Progress{Phase: PhaseComparing, TotalFiles: len(srcObjects)})

	var toCopy []copyAction
	included := make(map[string]bool, len(srcObjects))
	for _, key := range slices.Sorted(maps.Keys(srcObjects)) {
		srcMeta := srcObjects[key]
		if !s.opts.Filter.Match(srcMeta) {
			continue
		}
		included[key] = true

		dstMeta, exists := dstObjects[key]
		if !exists {
			toCopy = append(toCopy, copyAction{meta: srcMeta})
			continue
		}
		if s.opts.IgnoreExisting {
			s.skip(srcMeta.Location)
			continue
		}
		differ, err := s.differs(ctx, srcMeta, dstMeta)
		if err != nil {
			s.recordError(key, "compare", err)
			continue
		}
		if differ {
			toCopy = append(toCopy, copyAction{meta: srcMeta, isUpdate: true})
		} else {
			s.skip(srcMeta.Location)
		}
	}

	if !s.opts.DeleteExtra {
		return toCopy, nil
	}
	var toDelete []objectstore.Path
	for _, key := range slices.Sorted(maps.Keys(dstObjects)) {
		if included[key] {
			continue
		}
		dstMeta := dstObjects[key]
		if s.opts.Filter.Match(dstMeta) || s.opts.DeleteExcluded {
			toDelete = append(toDelete, dstMeta.Location)
		}
	}
	return toCopy, toDelete
}

// differs reports whether the destination copy must be replaced. Objects
// of equal size are hashed when Options.Checksum is set.
func (s *syncContext) differs(ctx context.Context, srcMeta, dstMeta objectstore.ObjectMeta) (bool, error) {
	if NeedsUpdate(srcMeta, dstMeta, s.opts) {
		return true, nil
	}
	if s.opts.Checksum == objectstore.HashNone {
		return false, nil
	}
	srcSum, err := s.src.Checksum(ctx, s.srcPrefix.Join(srcMeta.Location), s.opts.Checksum)
	if err != nil {
		return false, err
	}
	dstSum, err := s.dst.Checksum(ctx, s.dstPrefix.Join(dstMeta.Location), s.opts.Checksum)
	if err != nil {
		return false, err
	}
	return srcSum != dstSum, nil
}

func (s *syncContext) transfer(ctx context.Context, a copyAction, totalFiles int, totalBytes int64) {
	if ctx.Err() != nil {
		return
	}
	key := a.meta.Location.String()

	s.mu.Lock()
	p := Progress{
		Phase:            PhaseTransferring,
		CurrentFile:      key,
		FilesTransferred: s.result.Copied + s.result.Updated,
		TotalFiles:       totalFiles,
		BytesTransferred: s.result.BytesTransferred,
		TotalBytes:       totalBytes,
	}
	s.mu.Unlock()
	s.progress(p)

	if !s.opts.DryRun {
		srcPath := s.srcPrefix.Join(a.meta.Location)
		dstPath := s.dstPrefix.Join(a.meta.Location)
		if err := s.copyObject(ctx, srcPath, dstPath); err != nil {
			s.recordError(key, "copy", err)
			return
		}
	}
	s.logger.Debug("transferred", slog.String("key", key), slog.Int64("bytes", a.meta.Size), slog.Bool("update", a.isUpdate))

	s.mu.Lock()
	defer s.mu.Unlock()
	if a.isUpdate {
		s.result.Updated++
	} else {
		s.result.Copied++
	}
	s.result.BytesTransferred += a.meta.Size
	s.done = append(s.done, a.meta.Location)
}

// copyObject streams one object. Without a bandwidth limit it defers to
// objectstore.CopyBetween, which copies server-side within one engine.
func (s *syncContext) copyObject(ctx context.Context, srcPath, dstPath objectstore.Path) error {
	if s.limiter == nil {
		return objectstore.CopyBetween(ctx, s.src, srcPath, s.dst, dstPath)
	}

	in, err := s.src.OpenInputFile(ctx, srcPath)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	return s.dst.WithOutputStream(ctx, dstPath, func(out *objectstore.ObjectOutputStream) error {
		_, err := io.Copy(out, newRateLimitedReader(ctx, in, s.limiter))
		return err
	})
}

// deleteAll deletes the objects under prefix on e, one at a time.
func (s *syncContext) deleteAll(ctx context.Context, e *objectstore.Engine, prefix objectstore.Path, rels []objectstore.Path) {
	s.progress(Progress{Phase: PhaseDeleting, TotalFiles: len(rels)})
	for _, rel := range rels {
		if ctx.Err() != nil || s.isStopped() {
			return
		}
		key := rel.String()
		s.progress(Progress{Phase: PhaseDeleting, CurrentFile: key, FilesDeleted: s.result.Deleted, TotalFiles: len(rels)})

		if !s.opts.DryRun {
			if err := e.Delete(ctx, prefix.Join(rel)); err != nil {
				s.recordError(key, "delete", err)
				continue
			}
		}
		s.logger.Debug("deleted", slog.String("root", e.Root()), slog.String("key", key))
		s.mu.Lock()
		s.result.Deleted++
		s.mu.Unlock()
	}
}

func (s *syncContext) skip(rel objectstore.Path) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.Skipped++
	s.done = append(s.done, rel)
}

// recordError adds a file error and stops the run once MaxErrors is reached.
// Errors arriving after the stop are dropped.
func (s *syncContext) recordError(key, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.logger.Warn("sync operation failed", slog.String("op", op), slog.String("key", key), slog.Any("error", err))
	s.result.Errors = append(s.result.Errors, FileError{Path: key, Op: op, Err: err})
	if s.opts.MaxErrors > 0 && len(s.result.Errors) >= s.opts.MaxErrors {
		s.stopped = true
		s.stop()
	}
}

func (s *syncContext) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *syncContext) progress(p Progress) {
	if s.opts.Progress != nil {
		s.opts.Progress(p)
	}
}

// listTree lists every object under prefix, keyed by its location relative
// to prefix. The returned metadata carries the relative location.
func listTree(ctx context.Context, e *objectstore.Engine, prefix objectstore.Path) (map[string]objectstore.ObjectMeta, error) {
	objects, err := e.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	tree := make(map[string]objectstore.ObjectMeta, len(objects))
	for _, obj := range objects {
		rel, ok := obj.Location.TrimPrefix(prefix)
		if !ok || rel.IsRoot() {
			continue
		}
		obj.Location = rel
		tree[rel.String()] = obj
	}
	return tree, nil
}
