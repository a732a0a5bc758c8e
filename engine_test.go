package objectstore_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/backend/memory"
)

func newMemoryEngine(t *testing.T, opts ...objectstore.Option) *objectstore.Engine {
	t.Helper()
	e := objectstore.NewWithBackend(memory.New(), opts...)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestEngineOperations(t *testing.T) {
	e, err := objectstore.New("memory://", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = e.Close() }()
	ctx := context.Background()

	if e.Kind() != objectstore.KindMemory || e.Root() != "memory://" {
		t.Errorf("Kind/Root = %v %q", e.Kind(), e.Root())
	}

	a := objectstore.MustParse("dir/a.txt")
	b := objectstore.MustParse("dir/sub/b.txt")
	if err := e.Put(ctx, a, []byte("alpha")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := e.Put(ctx, b, []byte("bravo")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	data, err := e.Get(ctx, a)
	if err != nil || string(data) != "alpha" {
		t.Fatalf("Get = %q, %v", data, err)
	}
	part, err := e.GetRange(ctx, a, 1, 3)
	if err != nil || string(part) != "lph" {
		t.Errorf("GetRange = %q, %v", part, err)
	}
	meta, err := e.Head(ctx, a)
	if err != nil || meta.Size != 5 || !meta.Location.Equal(a) {
		t.Errorf("Head = %+v, %v", meta, err)
	}

	objects, err := e.List(ctx, objectstore.MustParse("dir"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := locations(objects); !slices.Equal(got, []string{"dir/a.txt", "dir/sub/b.txt"}) {
		t.Errorf("List = %v", got)
	}

	listed, err := e.ListWithDelimiter(ctx, objectstore.MustParse("dir"))
	if err != nil {
		t.Fatalf("ListWithDelimiter failed: %v", err)
	}
	if got := locations(listed.Objects); !slices.Equal(got, []string{"dir/a.txt"}) {
		t.Errorf("ListWithDelimiter objects = %v", got)
	}
	if len(listed.CommonPrefixes) != 1 || listed.CommonPrefixes[0].String() != "dir/sub" {
		t.Errorf("ListWithDelimiter prefixes = %v", listed.CommonPrefixes)
	}

	c := objectstore.MustParse("copy/a.txt")
	if err := e.Copy(ctx, a, c); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if err := e.CopyIfNotExists(ctx, b, c); !objectstore.IsAlreadyExists(err) {
		t.Errorf("CopyIfNotExists onto existing error = %v, want ErrAlreadyExists", err)
	}
	r := objectstore.MustParse("renamed/a.txt")
	if err := e.Rename(ctx, c, r); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := e.RenameIfNotExists(ctx, b, r); !objectstore.IsAlreadyExists(err) {
		t.Errorf("RenameIfNotExists onto existing error = %v, want ErrAlreadyExists", err)
	}
	if _, err := e.Head(ctx, c); !objectstore.IsNotFound(err) {
		t.Errorf("Head of rename source error = %v, want ErrNotFound", err)
	}

	if err := e.Delete(ctx, r); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := e.Delete(ctx, r); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
}

func TestEngineRejectsRootPath(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()
	root := objectstore.Path{}

	checks := map[string]error{
		"get":    func() error { _, err := e.Get(ctx, root); return err }(),
		"put":    e.Put(ctx, root, []byte("x")),
		"head":   func() error { _, err := e.Head(ctx, root); return err }(),
		"delete": e.Delete(ctx, root),
		"copy":   e.Copy(ctx, objectstore.MustParse("a"), root),
	}
	for op, err := range checks {
		if !errors.Is(err, objectstore.ErrInvalidPath) {
			t.Errorf("%s(root) error = %v, want ErrInvalidPath", op, err)
		}
	}

	if _, err := e.List(ctx, root); err != nil {
		t.Errorf("List(root) failed: %v", err)
	}
}

func TestEngineErrorContext(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()
	missing := objectstore.MustParse("no/such/object")

	_, err := e.Get(ctx, missing)
	var opErr *objectstore.Error
	if !errors.As(err, &opErr) {
		t.Fatalf("Get error %T is not *objectstore.Error", err)
	}
	if opErr.Op != "get" || len(opErr.Paths) != 1 || !opErr.Paths[0].Equal(missing) {
		t.Errorf("error = %+v", opErr)
	}
	if objectstore.KindOf(err) != objectstore.ErrNotFound {
		t.Errorf("KindOf = %v, want ErrNotFound", objectstore.KindOf(err))
	}
	var be *objectstore.BackendError
	if !errors.As(err, &be) || be.Backend != objectstore.KindMemory {
		t.Errorf("error does not carry the backend: %v", err)
	}

	if err := e.Copy(ctx, missing, objectstore.MustParse("dst")); !errors.As(err, &opErr) || len(opErr.Paths) != 2 {
		t.Errorf("Copy error = %v, want both paths", err)
	}
}

func TestEngineGetRange(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()
	p := objectstore.MustParse("range.bin")
	if err := e.Put(ctx, p, []byte("0123456789")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	tests := []struct {
		name          string
		start, length int64
		want          string
		wantErr       error
	}{
		{"middle", 2, 3, "234", nil},
		{"clamped", 8, 100, "89", nil},
		{"at end", 10, 5, "", nil},
		{"zero length", 3, 0, "", nil},
		{"past end", 11, 1, "", objectstore.ErrInvalidRange},
		{"negative start", -1, 1, "", objectstore.ErrInvalidRange},
		{"negative length", 0, -1, "", objectstore.ErrInvalidRange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.GetRange(ctx, p, tt.start, tt.length)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("GetRange error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetRange failed: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("GetRange = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEngineNew(t *testing.T) {
	if _, err := objectstore.New("ftp://host/x", nil, nil); !errors.Is(err, objectstore.ErrUnsupportedScheme) {
		t.Errorf("New(ftp) error = %v, want ErrUnsupportedScheme", err)
	}
	if _, err := objectstore.New("", nil, nil); !errors.Is(err, objectstore.ErrUnsupportedScheme) {
		t.Errorf("New(empty) error = %v, want ErrUnsupportedScheme", err)
	}
	conflicting := &objectstore.ClientOptions{HTTP1Only: true, HTTP2Only: true}
	if _, err := objectstore.New("memory://", nil, conflicting); err == nil {
		t.Error("New with conflicting client options succeeded")
	}
}

func TestEngineRootPrefix(t *testing.T) {
	e, err := objectstore.New("memory:///scoped/area", nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer func() { _ = e.Close() }()
	ctx := context.Background()

	if err := e.Put(ctx, objectstore.MustParse("x/y"), []byte("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	pb, ok := e.Backend().(*objectstore.PrefixBackend)
	if !ok {
		t.Fatalf("Backend is %T, want *objectstore.PrefixBackend", e.Backend())
	}
	inner, err := pb.Unwrap().List(ctx, objectstore.Path{})
	if err != nil {
		t.Fatalf("inner List failed: %v", err)
	}
	if got := locations(inner); !slices.Equal(got, []string{"scoped/area/x/y"}) {
		t.Errorf("inner keys = %v", got)
	}

	objects, err := e.List(ctx, objectstore.Path{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if got := locations(objects); !slices.Equal(got, []string{"x/y"}) {
		t.Errorf("List = %v, want [x/y]", got)
	}
}

func TestEngineAsync(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()
	p := objectstore.MustParse("async/object")

	if _, err := e.PutAsync(ctx, p, []byte("later")).Wait(); err != nil {
		t.Fatalf("PutAsync failed: %v", err)
	}

	get := e.GetAsync(ctx, p)
	select {
	case <-get.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("GetAsync did not complete")
	}
	data, err := get.Wait()
	if err != nil || string(data) != "later" {
		t.Errorf("GetAsync = %q, %v", data, err)
	}

	meta, err := e.HeadAsync(ctx, p).Await(ctx)
	if err != nil || meta.Size != 5 {
		t.Errorf("HeadAsync = %+v, %v", meta, err)
	}

	if _, err := e.GetAsync(ctx, objectstore.MustParse("missing")).Wait(); !objectstore.IsNotFound(err) {
		t.Errorf("GetAsync(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEngineAsyncCancelled(t *testing.T) {
	e := newMemoryEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := objectstore.MustParse("never")

	if _, err := e.PutAsync(ctx, p, []byte("x")).Wait(); err == nil {
		t.Fatal("PutAsync with a cancelled context succeeded")
	}
	if _, err := e.Head(context.Background(), p); !objectstore.IsNotFound(err) {
		t.Errorf("Head error = %v, want ErrNotFound", err)
	}
}

func TestEngineBlockingIgnoresCancellation(t *testing.T) {
	e := newMemoryEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := objectstore.MustParse("blocking")
	if err := e.Put(ctx, p, []byte("done")); err != nil {
		t.Fatalf("Put with a cancelled context failed: %v", err)
	}
	if data, err := e.Get(ctx, p); err != nil || string(data) != "done" {
		t.Errorf("Get = %q, %v", data, err)
	}
}

type recorder struct {
	mu  sync.Mutex
	ops []string
	n   map[string]int64
}

func (r *recorder) Observe(op string, bytes int64, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == nil {
		r.n = make(map[string]int64)
	}
	name := op
	if err != nil {
		name += ":error"
	}
	r.ops = append(r.ops, name)
	r.n[op] += bytes
}

func TestEngineMetrics(t *testing.T) {
	rec := &recorder{}
	e := newMemoryEngine(t, objectstore.WithMetrics(rec))
	ctx := context.Background()
	p := objectstore.MustParse("m")

	_ = e.Put(ctx, p, []byte("1234"))
	_, _ = e.Get(ctx, p)
	_, _ = e.Get(ctx, objectstore.MustParse("missing"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if want := []string{"put", "get", "get:error"}; !slices.Equal(rec.ops, want) {
		t.Errorf("observed ops = %v, want %v", rec.ops, want)
	}
	if rec.n["put"] != 4 || rec.n["get"] != 4 {
		t.Errorf("observed bytes = %v", rec.n)
	}
}

// flaky fails the first failures calls of Get and every Put.
type flaky struct {
	*memory.Backend
	mu       sync.Mutex
	failures int
	gets     int
	puts     int
}

func (b *flaky) Get(ctx context.Context, p objectstore.Path) ([]byte, error) {
	b.mu.Lock()
	b.gets++
	fail := b.gets <= b.failures
	b.mu.Unlock()
	if fail {
		return nil, errors.New("connection reset by peer")
	}
	return b.Backend.Get(ctx, p)
}

func (b *flaky) Put(ctx context.Context, p objectstore.Path, data []byte) error {
	b.mu.Lock()
	b.puts++
	b.mu.Unlock()
	return errors.New("connection reset by peer")
}

func TestEngineRetriesReads(t *testing.T) {
	inner := memory.New()
	p := objectstore.MustParse("retried")
	if err := inner.Put(context.Background(), p, []byte("ok")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	b := &flaky{Backend: inner, failures: 2}
	e := objectstore.NewWithBackend(b, objectstore.WithRetry(objectstore.RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	}))
	defer func() { _ = e.Close() }()

	data, err := e.Get(context.Background(), p)
	if err != nil || string(data) != "ok" {
		t.Fatalf("Get = %q, %v", data, err)
	}
	if b.gets != 3 {
		t.Errorf("Get attempts = %d, want 3", b.gets)
	}

	err = e.Put(context.Background(), p, []byte("x"))
	if objectstore.KindOf(err) != objectstore.ErrIO {
		t.Errorf("Put error kind = %v, want ErrIO", objectstore.KindOf(err))
	}
	if b.puts != 1 {
		t.Errorf("Put attempts = %d, want 1", b.puts)
	}
}

func locations(objects []objectstore.ObjectMeta) []string {
	out := make([]string, len(objects))
	for i, obj := range objects {
		out[i] = obj.Location.String()
	}
	return out
}
