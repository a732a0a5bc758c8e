package sync

import (
	"context"
	"errors"
	"slices"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/backend/memory"
	"github.com/grokify/objectstore/sync/filter"
)

func newEngine(t *testing.T) *objectstore.Engine {
	t.Helper()
	e := objectstore.NewWithBackend(memory.New())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeObject(t *testing.T, e *objectstore.Engine, key, content string) {
	t.Helper()
	if err := e.Put(context.Background(), objectstore.MustParse(key), []byte(content)); err != nil {
		t.Fatalf("Put(%q) failed: %v", key, err)
	}
}

func verifyObject(t *testing.T, e *objectstore.Engine, key, want string) {
	t.Helper()
	data, err := e.Get(context.Background(), objectstore.MustParse(key))
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", key, err)
	}
	if string(data) != want {
		t.Errorf("Get(%q) = %q, want %q", key, data, want)
	}
}

func exists(t *testing.T, e *objectstore.Engine, key string) bool {
	t.Helper()
	_, err := e.Head(context.Background(), objectstore.MustParse(key))
	if err != nil && !objectstore.IsNotFound(err) {
		t.Fatalf("Head(%q) failed: %v", key, err)
	}
	return err == nil
}

var (
	dataPrefix   = objectstore.MustParse("data")
	backupPrefix = objectstore.MustParse("backup")
)

func TestSyncBasic(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)

	writeObject(t, src, "data/file1.txt", "content1")
	writeObject(t, src, "data/file2.txt", "content2")
	writeObject(t, src, "data/subdir/file3.txt", "content3")
	writeObject(t, src, "elsewhere/file4.txt", "content4")

	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, DefaultOptions())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Copied != 3 || result.Deleted != 0 || !result.Success() {
		t.Errorf("result = %+v, want 3 copied", result)
	}
	if result.BytesTransferred != 24 {
		t.Errorf("BytesTransferred = %d, want 24", result.BytesTransferred)
	}

	verifyObject(t, dst, "backup/file1.txt", "content1")
	verifyObject(t, dst, "backup/file2.txt", "content2")
	verifyObject(t, dst, "backup/subdir/file3.txt", "content3")
	if exists(t, dst, "backup/file4.txt") || exists(t, dst, "elsewhere/file4.txt") {
		t.Error("object outside the source prefix was copied")
	}
}

func TestSyncUpdatesChanged(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/a", "one")
	writeObject(t, src, "data/b", "two")

	if _, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, DefaultOptions()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	writeObject(t, src, "data/a", "one, longer")
	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, DefaultOptions())
	if err != nil {
		t.Fatalf("second Sync failed: %v", err)
	}
	if result.Updated != 1 || result.Copied != 0 || result.Skipped != 1 {
		t.Errorf("result = %+v, want 1 updated and 1 skipped", result)
	}
	verifyObject(t, dst, "backup/a", "one, longer")
}

func TestSyncDeleteExtra(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/keep", "k")
	writeObject(t, dst, "backup/extra", "x")
	writeObject(t, dst, "outside", "o")

	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, Options{DeleteExtra: true})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Deleted != 1 {
		t.Errorf("Deleted = %d, want 1", result.Deleted)
	}
	if exists(t, dst, "backup/extra") {
		t.Error("extra object was not deleted")
	}
	if !exists(t, dst, "outside") {
		t.Error("object outside the destination prefix was deleted")
	}
}

func TestSyncDryRun(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/new", "n")
	writeObject(t, dst, "backup/extra", "x")

	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, Options{DeleteExtra: true, DryRun: true})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !result.DryRun || result.Copied != 1 || result.Deleted != 1 {
		t.Errorf("result = %+v, want a dry run with 1 copy and 1 delete", result)
	}
	if exists(t, dst, "backup/new") || !exists(t, dst, "backup/extra") {
		t.Error("dry run changed the destination")
	}
}

func TestSyncFilter(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/report.csv", "r")
	writeObject(t, src, "data/scratch.tmp", "s")
	writeObject(t, dst, "backup/old.tmp", "o")

	opts := Options{
		DeleteExtra: true,
		Filter:      filter.New(filter.Exclude("*.tmp")),
	}
	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, opts)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Copied != 1 || result.Deleted != 0 {
		t.Errorf("result = %+v, want 1 copied and nothing deleted", result)
	}
	if exists(t, dst, "backup/scratch.tmp") {
		t.Error("excluded object was copied")
	}
	if !exists(t, dst, "backup/old.tmp") {
		t.Error("excluded destination object was deleted without DeleteExcluded")
	}

	opts.DeleteExcluded = true
	if _, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, opts); err != nil {
		t.Fatalf("Sync with DeleteExcluded failed: %v", err)
	}
	if exists(t, dst, "backup/old.tmp") {
		t.Error("excluded destination object survived DeleteExcluded")
	}
}

func TestSyncIgnoreExisting(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, dst, "backup/a", "old destination content")
	writeObject(t, src, "data/a", "new")

	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, Options{IgnoreExisting: true})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Skipped != 1 || result.Updated != 0 {
		t.Errorf("result = %+v, want 1 skipped", result)
	}
	verifyObject(t, dst, "backup/a", "old destination content")
}

func TestSyncChecksum(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/a", "aaaa")
	// Same size and newer, so metadata alone says it is current.
	writeObject(t, dst, "backup/a", "bbbb")

	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, DefaultOptions())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if result.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", result.Skipped)
	}

	result, err = Sync(ctx, src, dataPrefix, dst, backupPrefix, Options{Checksum: objectstore.HashMD5})
	if err != nil {
		t.Fatalf("Sync with checksum failed: %v", err)
	}
	if result.Updated != 1 {
		t.Errorf("Updated = %d, want 1", result.Updated)
	}
	verifyObject(t, dst, "backup/a", "aaaa")
}

func TestSyncSameEngine(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t)
	writeObject(t, e, "data/a", "a")

	result, err := CopyDir(ctx, e, dataPrefix, e, backupPrefix)
	if err != nil {
		t.Fatalf("CopyDir failed: %v", err)
	}
	if result.Copied != 1 {
		t.Errorf("Copied = %d, want 1", result.Copied)
	}
	verifyObject(t, e, "backup/a", "a")
	verifyObject(t, e, "data/a", "a")
}

func TestMove(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/a", "a")
	writeObject(t, src, "data/sub/b", "b")

	result, err := Move(ctx, src, dataPrefix, dst, backupPrefix, DefaultOptions())
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if result.Copied != 2 || result.Deleted != 2 {
		t.Errorf("result = %+v, want 2 copied and 2 deleted", result)
	}
	verifyObject(t, dst, "backup/sub/b", "b")
	if exists(t, src, "data/a") || exists(t, src, "data/sub/b") {
		t.Error("source objects survived Move")
	}
}

// failingBackend refuses uploads to keys whose name starts with "bad".
type failingBackend struct {
	*memory.Backend
}

func (b failingBackend) PutMultipart(ctx context.Context, p objectstore.Path) (objectstore.MultipartUpload, error) {
	if strings.HasPrefix(p.Filename(), "bad") {
		return nil, objectstore.ErrPermissionDenied
	}
	return b.Backend.PutMultipart(ctx, p)
}

func TestMoveKeepsFailedSources(t *testing.T) {
	ctx := context.Background()
	src := newEngine(t)
	dst := objectstore.NewWithBackend(failingBackend{memory.New()})
	defer func() { _ = dst.Close() }()

	writeObject(t, src, "data/good", "g")
	writeObject(t, src, "data/bad", "b")

	result, err := Move(ctx, src, dataPrefix, dst, backupPrefix, DefaultOptions())
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if len(result.Errors) != 1 || result.Errors[0].Path != "bad" || result.Errors[0].Op != "copy" {
		t.Fatalf("Errors = %v, want one copy error for bad", result.Errors)
	}
	if !objectstore.IsPermissionDenied(result.Errors[0]) {
		t.Errorf("error = %v, want ErrPermissionDenied", result.Errors[0])
	}
	if !exists(t, src, "data/bad") || exists(t, src, "data/good") {
		t.Error("Move deleted the wrong source objects")
	}
}

func TestSyncMaxErrors(t *testing.T) {
	ctx := context.Background()
	src := newEngine(t)
	dst := objectstore.NewWithBackend(failingBackend{memory.New()})
	defer func() { _ = dst.Close() }()

	for _, key := range []string{"bad1", "bad2", "bad3", "bad4"} {
		writeObject(t, src, "data/"+key, key)
	}
	writeObject(t, dst, "backup/extra", "x")

	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, Options{DeleteExtra: true, MaxErrors: 2, Concurrency: 1})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(result.Errors) != 2 {
		t.Errorf("len(Errors) = %d, want 2", len(result.Errors))
	}
	if !exists(t, dst, "backup/extra") {
		t.Error("deletes ran after the run was stopped")
	}
}

func TestSyncCancelled(t *testing.T) {
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/a", "a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, DefaultOptions())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Sync error = %v, want context.Canceled", err)
	}
	if result == nil || result.Copied != 0 {
		t.Errorf("result = %+v, want nothing copied", result)
	}
}

func TestSyncProgress(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/a", "a")
	writeObject(t, dst, "backup/extra", "x")

	var mu gosync.Mutex
	var phases []Phase
	opts := Options{
		DeleteExtra: true,
		Progress: func(p Progress) {
			mu.Lock()
			defer mu.Unlock()
			if len(phases) == 0 || phases[len(phases)-1] != p.Phase {
				phases = append(phases, p.Phase)
			}
		},
	}
	if _, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, opts); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	want := []Phase{PhaseScanning, PhaseComparing, PhaseTransferring, PhaseDeleting, PhaseComplete}
	if !slices.Equal(phases, want) {
		t.Errorf("phases = %v, want %v", phases, want)
	}
}

func TestSyncBandwidthLimit(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	payload := strings.Repeat("x", 6*1024)
	writeObject(t, src, "data/big", payload)

	start := time.Now()
	result, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, Options{BandwidthLimit: 4 * 1024})
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond {
		t.Errorf("transfer took %v, want the limit to slow it down", elapsed)
	}
	if result.Copied != 1 {
		t.Errorf("Copied = %d, want 1", result.Copied)
	}
	verifyObject(t, dst, "backup/big", payload)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	src, dst := newEngine(t), newEngine(t)
	writeObject(t, src, "data/same", "same")
	writeObject(t, src, "data/size", "short")
	writeObject(t, src, "data/content", "aaaa")
	writeObject(t, src, "data/src-only", "s")

	writeObject(t, dst, "backup/same", "same")
	writeObject(t, dst, "backup/size", "much longer")
	writeObject(t, dst, "backup/content", "bbbb")
	writeObject(t, dst, "backup/dst-only", "d")

	result, err := Check(ctx, src, dataPrefix, dst, backupPrefix, Options{Checksum: objectstore.HashCRC32C})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !slices.Equal(result.Match, []string{"same"}) {
		t.Errorf("Match = %v", result.Match)
	}
	if !slices.Equal(result.Differ, []string{"content", "size"}) {
		t.Errorf("Differ = %v", result.Differ)
	}
	if !slices.Equal(result.SrcOnly, []string{"src-only"}) || !slices.Equal(result.DstOnly, []string{"dst-only"}) {
		t.Errorf("SrcOnly = %v, DstOnly = %v", result.SrcOnly, result.DstOnly)
	}
	if result.InSync() {
		t.Error("InSync = true for differing trees")
	}

	if _, err := Sync(ctx, src, dataPrefix, dst, backupPrefix, Options{DeleteExtra: true, Checksum: objectstore.HashCRC32C}); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	result, err = Check(ctx, src, dataPrefix, dst, backupPrefix, Options{Checksum: objectstore.HashCRC32C})
	if err != nil {
		t.Fatalf("Check after Sync failed: %v", err)
	}
	if !result.InSync() {
		t.Errorf("trees not in sync after Sync: %+v", result)
	}
}

func TestNeedsUpdate(t *testing.T) {
	now := time.Now()
	older := objectstore.ObjectMeta{Size: 10, LastModified: now.Add(-time.Hour)}
	newer := objectstore.ObjectMeta{Size: 10, LastModified: now}
	bigger := objectstore.ObjectMeta{Size: 20, LastModified: now.Add(-time.Hour)}

	tests := []struct {
		name     string
		src, dst objectstore.ObjectMeta
		opts     Options
		want     bool
	}{
		{"size differs", bigger, newer, Options{}, true},
		{"source newer", newer, older, Options{}, true},
		{"destination newer", older, newer, Options{}, false},
		{"size only", newer, older, Options{SizeOnly: true}, false},
		{"checksum decides", newer, older, Options{Checksum: objectstore.HashMD5}, false},
	}
	for _, tt := range tests {
		if got := NeedsUpdate(tt.src, tt.dst, tt.opts); got != tt.want {
			t.Errorf("%s: NeedsUpdate = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNewLimiter(t *testing.T) {
	if newLimiter(0) != nil {
		t.Error("newLimiter(0) is not nil")
	}
	if l := newLimiter(1024); l.Burst() != 1024 {
		t.Errorf("Burst = %d, want 1024", l.Burst())
	}
	if l := newLimiter(1 << 30); l.Burst() != maxBurst {
		t.Errorf("Burst = %d, want %d", l.Burst(), maxBurst)
	}
}
