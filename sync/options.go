// Package sync transfers object trees between engines.
//
// Inspired by rclone, it provides:
//
//   - Sync: make a destination prefix match a source prefix
//   - CopyDir: copy new and changed objects, never delete
//   - Move: copy then delete the source objects
//   - Check: report which objects match between two prefixes
//
// Source and destination may be on different backends; objects are
// streamed with range reads and multi-part uploads, so memory use is
// bounded by the destination engine's part size per worker.
//
//	result, err := sync.Sync(ctx, src, objectstore.MustParse("data"),
//	    dst, objectstore.MustParse("backup"), sync.Options{
//	        DeleteExtra: true,
//	        Logger:      slog.Default(),
//	    })
//	fmt.Printf("Copied: %d, Deleted: %d\n", result.Copied, result.Deleted)
package sync

import (
	"log/slog"
	"time"

	"github.com/grokify/mogo/log/slogutil"
	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/sync/filter"
)

// DefaultConcurrency is the number of parallel transfers when
// Options.Concurrency is not set.
const DefaultConcurrency = 4

// Options configures sync behavior.
type Options struct {
	// DeleteExtra deletes destination objects that don't exist in source.
	DeleteExtra bool

	// DryRun reports what would be done without making changes.
	DryRun bool

	// Checksum compares objects of equal size by content hash instead of
	// modification time. HashNone keeps the size and time comparison.
	Checksum objectstore.HashType

	// IgnoreExisting skips objects that already exist in destination.
	IgnoreExisting bool

	// SizeOnly compares objects by size only.
	SizeOnly bool

	// Progress is called with progress updates. It may be called from
	// several goroutines at once.
	Progress func(Progress)

	// MaxErrors stops the run once this many file errors were recorded.
	// 0 means never stop early.
	MaxErrors int

	// Concurrency is the number of parallel transfers.
	Concurrency int

	// Filter selects which objects take part. Keys are matched relative to
	// the source and destination prefixes. Nil includes everything.
	Filter *filter.Filter

	// DeleteExcluded also deletes destination objects the filter excludes.
	// Only applies when DeleteExtra is true.
	DeleteExcluded bool

	// BandwidthLimit caps the bytes per second read from the source,
	// shared by all workers. 0 means unlimited.
	BandwidthLimit int64

	// Logger is used for structured logging. Nil disables logging.
	Logger *slog.Logger
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slogutil.Null()
}

func (o Options) concurrency() int {
	if o.Concurrency > 0 {
		return o.Concurrency
	}
	return DefaultConcurrency
}

// DefaultOptions returns Options with sensible defaults.
func DefaultOptions() Options {
	return Options{Concurrency: DefaultConcurrency}
}

// Progress represents the current state of a sync operation.
type Progress struct {
	Phase            Phase
	CurrentFile      string
	BytesTransferred int64
	TotalBytes       int64
	FilesTransferred int
	TotalFiles       int
	FilesDeleted     int
	Errors           int
}

// Phase represents a phase of the sync operation.
type Phase string

const (
	PhaseScanning     Phase = "scanning"
	PhaseComparing    Phase = "comparing"
	PhaseTransferring Phase = "transferring"
	PhaseDeleting     Phase = "deleting"
	PhaseComplete     Phase = "complete"
)

// Result contains the results of a sync operation.
type Result struct {
	// Copied counts objects new to the destination.
	Copied int

	// Updated counts destination objects overwritten.
	Updated int

	// Deleted counts objects removed, from the destination by Sync and
	// from the source by Move.
	Deleted int

	// Skipped counts objects already in sync.
	Skipped int

	Errors           []FileError
	BytesTransferred int64
	Duration         time.Duration
	DryRun           bool
}

// Success returns true if sync completed without errors.
func (r *Result) Success() bool {
	return len(r.Errors) == 0
}

// FileError is an error for one object, keyed relative to the prefixes.
type FileError struct {
	Path string
	Op   string // "copy", "delete", "compare"
	Err  error
}

func (e FileError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e FileError) Unwrap() error {
	return e.Err
}

// CheckResult contains the results of a check operation.
type CheckResult struct {
	Match   []string
	Differ  []string
	SrcOnly []string
	DstOnly []string
	Errors  []FileError
}

// InSync returns true if source and destination are in sync.
func (r *CheckResult) InSync() bool {
	return len(r.Differ) == 0 && len(r.SrcOnly) == 0 && len(r.DstOnly) == 0 && len(r.Errors) == 0
}

// NeedsUpdate reports whether dst must be overwritten with src, judged by
// metadata alone: sizes differ, or src was modified after dst. With
// SizeOnly only the sizes count.
func NeedsUpdate(src, dst objectstore.ObjectMeta, opts Options) bool {
	if src.Size != dst.Size {
		return true
	}
	if opts.SizeOnly || opts.Checksum != objectstore.HashNone {
		return false
	}
	return src.LastModified.After(dst.LastModified)
}
