// Package storetest runs the behavior every objectstore.Backend must share
// against a concrete backend.
package storetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/grokify/objectstore"
)

// NewBackend returns a fresh, empty backend for one test.
type NewBackend func(t *testing.T) objectstore.Backend

// Run runs the conformance suite.
func Run(t *testing.T, newBackend NewBackend) {
	tests := []struct {
		name string
		fn   func(t *testing.T, b objectstore.Backend)
	}{
		{"PutGet", testPutGet},
		{"PutEmpty", testPutEmpty},
		{"PutOverwrite", testPutOverwrite},
		{"GetNotFound", testGetNotFound},
		{"GetRange", testGetRange},
		{"Head", testHead},
		{"HeadNotFound", testHeadNotFound},
		{"List", testList},
		{"ListSegmentPrefix", testListSegmentPrefix},
		{"ListWithDelimiter", testListWithDelimiter},
		{"Delete", testDelete},
		{"DeleteMissing", testDeleteMissing},
		{"Copy", testCopy},
		{"CopyNotFound", testCopyNotFound},
		{"CopyIfNotExists", testCopyIfNotExists},
		{"Rename", testRename},
		{"RenameIfNotExists", testRenameIfNotExists},
		{"Multipart", testMultipart},
		{"MultipartAbort", testMultipartAbort},
		{"ConcurrentPut", testConcurrentPut},
		{"SpecialCharacters", testSpecialCharacters},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBackend(t)
			tt.fn(t, b)
		})
	}
}

func path(t *testing.T, raw string) objectstore.Path {
	t.Helper()
	p, err := objectstore.Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) failed: %v", raw, err)
	}
	return p
}

func put(t *testing.T, b objectstore.Backend, raw, data string) objectstore.Path {
	t.Helper()
	p := path(t, raw)
	if err := b.Put(context.Background(), p, []byte(data)); err != nil {
		t.Fatalf("Put(%q) failed: %v", raw, err)
	}
	return p
}

func mustGet(t *testing.T, b objectstore.Backend, p objectstore.Path) string {
	t.Helper()
	data, err := b.Get(context.Background(), p)
	if err != nil {
		t.Fatalf("Get(%q) failed: %v", p, err)
	}
	return string(data)
}

func locations(objects []objectstore.ObjectMeta) []string {
	out := make([]string, len(objects))
	for i, o := range objects {
		out[i] = o.Location.String()
	}
	return out
}

func testPutGet(t *testing.T, b objectstore.Backend) {
	p := put(t, b, "dir/file.txt", "hello world")
	if got := mustGet(t, b, p); got != "hello world" {
		t.Errorf("Get = %q, want %q", got, "hello world")
	}
}

func testPutEmpty(t *testing.T, b objectstore.Backend) {
	p := put(t, b, "empty", "")
	data, err := b.Get(context.Background(), p)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(data) != 0 {
		t.Errorf("Get returned %d bytes, want 0", len(data))
	}
	meta, err := b.Head(context.Background(), p)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if meta.Size != 0 {
		t.Errorf("Size = %d, want 0", meta.Size)
	}
}

func testPutOverwrite(t *testing.T, b objectstore.Backend) {
	put(t, b, "file", "first")
	p := put(t, b, "file", "second")
	if got := mustGet(t, b, p); got != "second" {
		t.Errorf("Get = %q, want %q", got, "second")
	}
}

func testGetNotFound(t *testing.T, b objectstore.Backend) {
	_, err := b.Get(context.Background(), path(t, "missing"))
	if !objectstore.IsNotFound(err) {
		t.Errorf("Get error = %v, want ErrNotFound", err)
	}
	_, err = b.GetRange(context.Background(), path(t, "missing"), 0, 1)
	if !objectstore.IsNotFound(err) {
		t.Errorf("GetRange error = %v, want ErrNotFound", err)
	}
}

func testGetRange(t *testing.T, b objectstore.Backend) {
	p := put(t, b, "ten", "0123456789")
	ctx := context.Background()

	tests := []struct {
		start, length int64
		want          string
	}{
		{0, 10, "0123456789"},
		{3, 4, "3456"},
		{8, 5, "89"},
		{10, 5, ""},
		{0, 0, ""},
		{8, math.MaxInt64, "89"},
		{0, math.MaxInt64 - 1, "0123456789"},
	}
	for _, tt := range tests {
		data, err := b.GetRange(ctx, p, tt.start, tt.length)
		if err != nil {
			t.Errorf("GetRange(%d, %d) failed: %v", tt.start, tt.length, err)
			continue
		}
		if string(data) != tt.want {
			t.Errorf("GetRange(%d, %d) = %q, want %q", tt.start, tt.length, data, tt.want)
		}
	}

	_, err := b.GetRange(ctx, p, 11, 1)
	if !errors.Is(err, objectstore.ErrInvalidRange) {
		t.Errorf("GetRange(11, 1) error = %v, want ErrInvalidRange", err)
	}
	_, err = b.GetRange(ctx, p, 200, 100)
	if !errors.Is(err, objectstore.ErrInvalidRange) {
		t.Errorf("GetRange(200, 100) error = %v, want ErrInvalidRange", err)
	}
}

func testHead(t *testing.T, b objectstore.Backend) {
	p := put(t, b, "a/b.bin", "12345")
	meta, err := b.Head(context.Background(), p)
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if !meta.Location.Equal(p) {
		t.Errorf("Location = %q, want %q", meta.Location, p)
	}
	if meta.Size != 5 {
		t.Errorf("Size = %d, want 5", meta.Size)
	}
	if meta.LastModified.IsZero() {
		t.Error("LastModified is zero")
	}
}

func testHeadNotFound(t *testing.T, b objectstore.Backend) {
	_, err := b.Head(context.Background(), path(t, "nope"))
	if !objectstore.IsNotFound(err) {
		t.Errorf("Head error = %v, want ErrNotFound", err)
	}
}

func testList(t *testing.T, b objectstore.Backend) {
	put(t, b, "x/a", "1")
	put(t, b, "x/b", "2")
	put(t, b, "x/y/c", "3")
	put(t, b, "z", "4")
	ctx := context.Background()

	all, err := b.List(ctx, objectstore.Path{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	objectstore.SortObjects(all)
	want := []string{"x/a", "x/b", "x/y/c", "z"}
	if got := locations(all); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("List(root) = %v, want %v", got, want)
	}

	under, err := b.List(ctx, path(t, "x"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	objectstore.SortObjects(under)
	want = []string{"x/a", "x/b", "x/y/c"}
	if got := locations(under); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("List(x) = %v, want %v", got, want)
	}

	none, err := b.List(ctx, path(t, "nothing"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("List(nothing) = %v, want empty", locations(none))
	}
}

func testListSegmentPrefix(t *testing.T, b objectstore.Backend) {
	put(t, b, "foo/bar", "1")
	put(t, b, "foobar/baz", "2")

	objects, err := b.List(context.Background(), path(t, "foo"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"foo/bar"}
	if got := locations(objects); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("List(foo) = %v, want %v", got, want)
	}
}

func testListWithDelimiter(t *testing.T, b objectstore.Backend) {
	put(t, b, "x/a", "1")
	put(t, b, "x/b", "2")
	put(t, b, "x/y/c", "3")
	put(t, b, "x/y/d", "4")

	result, err := b.ListWithDelimiter(context.Background(), path(t, "x"))
	if err != nil {
		t.Fatalf("ListWithDelimiter failed: %v", err)
	}
	objectstore.SortObjects(result.Objects)
	want := []string{"x/a", "x/b"}
	if got := locations(result.Objects); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Objects = %v, want %v", got, want)
	}
	if len(result.CommonPrefixes) != 1 || result.CommonPrefixes[0].String() != "x/y" {
		t.Errorf("CommonPrefixes = %v, want [x/y]", result.CommonPrefixes)
	}

	root, err := b.ListWithDelimiter(context.Background(), objectstore.Path{})
	if err != nil {
		t.Fatalf("ListWithDelimiter(root) failed: %v", err)
	}
	if len(root.Objects) != 0 || len(root.CommonPrefixes) != 1 || root.CommonPrefixes[0].String() != "x" {
		t.Errorf("ListWithDelimiter(root) = %v / %v, want [] / [x]", locations(root.Objects), root.CommonPrefixes)
	}
}

func testDelete(t *testing.T, b objectstore.Backend) {
	p := put(t, b, "dir/sub/file", "data")
	if err := b.Delete(context.Background(), p); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := b.Head(context.Background(), p); !objectstore.IsNotFound(err) {
		t.Errorf("Head after Delete error = %v, want ErrNotFound", err)
	}
}

func testDeleteMissing(t *testing.T, b objectstore.Backend) {
	if err := b.Delete(context.Background(), path(t, "never/existed")); err != nil {
		t.Errorf("Delete of missing object failed: %v", err)
	}
}

func testCopy(t *testing.T, b objectstore.Backend) {
	src := put(t, b, "src", "payload")
	dst := put(t, b, "dst", "old")
	if err := b.Copy(context.Background(), src, dst); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if got := mustGet(t, b, dst); got != "payload" {
		t.Errorf("dst = %q, want payload", got)
	}
	if got := mustGet(t, b, src); got != "payload" {
		t.Errorf("src = %q, want payload", got)
	}
}

func testCopyNotFound(t *testing.T, b objectstore.Backend) {
	err := b.Copy(context.Background(), path(t, "missing"), path(t, "dst"))
	if !objectstore.IsNotFound(err) {
		t.Errorf("Copy error = %v, want ErrNotFound", err)
	}
}

func testCopyIfNotExists(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	src := put(t, b, "src", "new")
	dst := put(t, b, "dst", "existing")

	err := b.CopyIfNotExists(ctx, src, dst)
	if !objectstore.IsAlreadyExists(err) {
		t.Fatalf("CopyIfNotExists error = %v, want ErrAlreadyExists", err)
	}
	if got := mustGet(t, b, dst); got != "existing" {
		t.Errorf("dst = %q, want existing", got)
	}

	fresh := path(t, "fresh")
	if err := b.CopyIfNotExists(ctx, src, fresh); err != nil {
		t.Fatalf("CopyIfNotExists to fresh failed: %v", err)
	}
	if got := mustGet(t, b, fresh); got != "new" {
		t.Errorf("fresh = %q, want new", got)
	}
}

func testRename(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	src := put(t, b, "a/src", "moved")
	dst := put(t, b, "b/dst", "old")
	if err := b.Rename(ctx, src, dst); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if got := mustGet(t, b, dst); got != "moved" {
		t.Errorf("dst = %q, want moved", got)
	}
	if _, err := b.Head(ctx, src); !objectstore.IsNotFound(err) {
		t.Errorf("Head(src) error = %v, want ErrNotFound", err)
	}
}

func testRenameIfNotExists(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	src := put(t, b, "src", "data")
	dst := put(t, b, "dst", "taken")

	if err := b.RenameIfNotExists(ctx, src, dst); !objectstore.IsAlreadyExists(err) {
		t.Fatalf("RenameIfNotExists error = %v, want ErrAlreadyExists", err)
	}
	if got := mustGet(t, b, src); got != "data" {
		t.Errorf("src = %q, want data", got)
	}

	fresh := path(t, "fresh")
	if err := b.RenameIfNotExists(ctx, src, fresh); err != nil {
		t.Fatalf("RenameIfNotExists failed: %v", err)
	}
	if got := mustGet(t, b, fresh); got != "data" {
		t.Errorf("fresh = %q, want data", got)
	}
	if _, err := b.Head(ctx, src); !objectstore.IsNotFound(err) {
		t.Errorf("Head(src) error = %v, want ErrNotFound", err)
	}
}

func testMultipart(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	p := path(t, "multi/object")
	up, err := b.PutMultipart(ctx, p)
	if err != nil {
		t.Fatalf("PutMultipart failed: %v", err)
	}

	var parts []objectstore.Part
	for i, chunk := range []string{"aaa", "bbb", "c"} {
		part, err := up.UploadPart(ctx, i+1, []byte(chunk))
		if err != nil {
			t.Fatalf("UploadPart(%d) failed: %v", i+1, err)
		}
		parts = append(parts, part)
	}

	if _, err := b.Head(ctx, p); !objectstore.IsNotFound(err) {
		t.Errorf("Head before Complete error = %v, want ErrNotFound", err)
	}
	if err := up.Complete(ctx, parts); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if got := mustGet(t, b, p); got != "aaabbbc" {
		t.Errorf("Get = %q, want aaabbbc", got)
	}
}

func testMultipartAbort(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	p := path(t, "aborted")
	up, err := b.PutMultipart(ctx, p)
	if err != nil {
		t.Fatalf("PutMultipart failed: %v", err)
	}
	if _, err := up.UploadPart(ctx, 1, []byte("partial")); err != nil {
		t.Fatalf("UploadPart failed: %v", err)
	}
	if err := up.Abort(ctx); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if _, err := b.Head(ctx, p); !objectstore.IsNotFound(err) {
		t.Errorf("Head after Abort error = %v, want ErrNotFound", err)
	}
	objects, err := b.List(ctx, objectstore.Path{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objects) != 0 {
		t.Errorf("List after Abort = %v, want empty", locations(objects))
	}
}

func testConcurrentPut(t *testing.T, b objectstore.Backend) {
	ctx := context.Background()
	p := path(t, "contended")
	payloads := make([][]byte, 8)
	for i := range payloads {
		payloads[i] = bytes.Repeat([]byte{byte('a' + i)}, 4096)
	}

	var wg sync.WaitGroup
	for _, data := range payloads {
		wg.Add(1)
		go func(data []byte) {
			defer wg.Done()
			if err := b.Put(ctx, p, data); err != nil {
				t.Errorf("Put failed: %v", err)
			}
		}(data)
	}
	wg.Wait()

	got, err := b.Get(ctx, p)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	for _, data := range payloads {
		if bytes.Equal(got, data) {
			return
		}
	}
	t.Errorf("Get returned a payload that was never written (%d bytes)", len(got))
}

func testSpecialCharacters(t *testing.T, b objectstore.Backend) {
	p, err := objectstore.ParseSegments("weird", "file name %2525.txt")
	if err != nil {
		t.Fatalf("ParseSegments failed: %v", err)
	}
	if err := b.Put(context.Background(), p, []byte("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	objects, err := b.List(context.Background(), path(t, "weird"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(objects) != 1 || !objects[0].Location.Equal(p) {
		t.Errorf("List = %v, want [%v]", locations(objects), p)
	}
}
