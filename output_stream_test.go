package objectstore_test

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/grokify/objectstore"
	"github.com/grokify/objectstore/backend/memory"
)

// countingBackend records multi-part traffic and can fail a chosen part.
type countingBackend struct {
	*memory.Backend
	failPart int
	onOpen   func()

	mu      sync.Mutex
	openErr error
	parts   []int
	aborts  int
	commits int
}

func (b *countingBackend) PutMultipart(ctx context.Context, p objectstore.Path) (objectstore.MultipartUpload, error) {
	if b.onOpen != nil {
		b.onOpen()
		b.mu.Lock()
		b.openErr = ctx.Err()
		b.mu.Unlock()
	}
	u, err := b.Backend.PutMultipart(ctx, p)
	if err != nil {
		return nil, err
	}
	return &countingUpload{MultipartUpload: u, b: b}, nil
}

type countingUpload struct {
	objectstore.MultipartUpload
	b *countingBackend
}

func (u *countingUpload) UploadPart(ctx context.Context, number int, data []byte) (objectstore.Part, error) {
	u.b.mu.Lock()
	u.b.parts = append(u.b.parts, len(data))
	fail := number == u.b.failPart
	u.b.mu.Unlock()
	if fail {
		return objectstore.Part{}, fmt.Errorf("part %d: connection reset", number)
	}
	return u.MultipartUpload.UploadPart(ctx, number, data)
}

func (u *countingUpload) Complete(ctx context.Context, parts []objectstore.Part) error {
	u.b.mu.Lock()
	u.b.commits++
	u.b.mu.Unlock()
	return u.MultipartUpload.Complete(ctx, parts)
}

func (u *countingUpload) Abort(ctx context.Context) error {
	u.b.mu.Lock()
	u.b.aborts++
	u.b.mu.Unlock()
	return u.MultipartUpload.Abort(ctx)
}

func (b *countingBackend) stats() (parts []int, commits, aborts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.parts...), b.commits, b.aborts
}

func newCountingEngine(t *testing.T, failPart int) (*objectstore.Engine, *countingBackend) {
	t.Helper()
	b := &countingBackend{Backend: memory.New(), failPart: failPart}
	e := objectstore.NewWithBackend(b, objectstore.WithPartSize(4))
	t.Cleanup(func() { _ = e.Close() })
	return e, b
}

func TestOutputStreamParts(t *testing.T) {
	e, b := newCountingEngine(t, 0)
	ctx := context.Background()
	p := objectstore.MustParse("out/stream.txt")

	out, err := e.OpenOutputStream(ctx, p)
	if err != nil {
		t.Fatalf("OpenOutputStream failed: %v", err)
	}
	for _, chunk := range []string{"hel", "lo wo", "rld"} {
		if _, err := out.Write([]byte(chunk)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if n, _ := out.Tell(); n != 11 {
		t.Errorf("Tell = %d, want 11", n)
	}
	if _, err := e.Head(ctx, p); !objectstore.IsNotFound(err) {
		t.Errorf("object visible before Close: %v", err)
	}

	if err := out.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	data, err := e.Get(ctx, p)
	if err != nil || string(data) != "hello world" {
		t.Fatalf("Get = %q, %v", data, err)
	}

	parts, commits, aborts := b.stats()
	if fmt.Sprint(parts) != "[4 4 3]" || commits != 1 || aborts != 0 {
		t.Errorf("parts %v commits %d aborts %d", parts, commits, aborts)
	}

	if err := out.Close(); !errors.Is(err, objectstore.ErrClosedHandle) {
		t.Errorf("second Close error = %v, want ErrClosedHandle", err)
	}
	if err := out.Abort(); !errors.Is(err, objectstore.ErrClosedHandle) {
		t.Errorf("Abort after Close error = %v, want ErrClosedHandle", err)
	}
	if _, err := out.Write([]byte("x")); !errors.Is(err, objectstore.ErrClosedHandle) {
		t.Errorf("Write after Close error = %v, want ErrClosedHandle", err)
	}
}

func TestOutputStreamEmpty(t *testing.T) {
	e, b := newCountingEngine(t, 0)
	ctx := context.Background()
	p := objectstore.MustParse("empty")

	out, err := e.OpenOutputStream(ctx, p)
	if err != nil {
		t.Fatalf("OpenOutputStream failed: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	meta, err := e.Head(ctx, p)
	if err != nil || meta.Size != 0 {
		t.Errorf("Head = %+v, %v, want an empty object", meta, err)
	}
	if parts, _, _ := b.stats(); len(parts) != 1 || parts[0] != 0 {
		t.Errorf("parts = %v, want one empty part", parts)
	}
}

func TestOutputStreamAbort(t *testing.T) {
	e, b := newCountingEngine(t, 0)
	ctx := context.Background()
	p := objectstore.MustParse("aborted")

	out, err := e.OpenOutputStream(ctx, p)
	if err != nil {
		t.Fatalf("OpenOutputStream failed: %v", err)
	}
	if _, err := out.Write([]byte("123456")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := out.Abort(); err != nil {
		t.Fatalf("Abort failed: %v", err)
	}
	if err := out.Abort(); err != nil {
		t.Errorf("second Abort failed: %v", err)
	}
	if err := out.Close(); !errors.Is(err, objectstore.ErrClosedHandle) {
		t.Errorf("Close after Abort error = %v, want ErrClosedHandle", err)
	}
	if _, err := e.Head(ctx, p); !objectstore.IsNotFound(err) {
		t.Errorf("aborted object exists: %v", err)
	}
	if _, commits, aborts := b.stats(); commits != 0 || aborts != 1 {
		t.Errorf("commits %d aborts %d, want 0 and 1", commits, aborts)
	}
}

func TestOutputStreamPartFailure(t *testing.T) {
	e, b := newCountingEngine(t, 2)
	ctx := context.Background()
	p := objectstore.MustParse("failed")

	out, err := e.OpenOutputStream(ctx, p)
	if err != nil {
		t.Fatalf("OpenOutputStream failed: %v", err)
	}
	_, err = out.Write([]byte("12345678"))
	if objectstore.KindOf(err) != objectstore.ErrIO {
		t.Fatalf("Write error = %v, want an i/o error", err)
	}
	if _, err := out.Write([]byte("x")); !errors.Is(err, objectstore.ErrClosedHandle) {
		t.Errorf("Write after failure error = %v, want ErrClosedHandle", err)
	}
	if _, err := e.Head(ctx, p); !objectstore.IsNotFound(err) {
		t.Errorf("failed upload left an object: %v", err)
	}
	if _, commits, aborts := b.stats(); commits != 0 || aborts != 1 {
		t.Errorf("commits %d aborts %d, want 0 and 1", commits, aborts)
	}
}

func TestOutputStreamContextCancel(t *testing.T) {
	e, b := newCountingEngine(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	p := objectstore.MustParse("cancelled")

	out, err := e.OpenOutputStream(ctx, p)
	if err != nil {
		t.Fatalf("OpenOutputStream failed: %v", err)
	}
	if _, err := out.Write([]byte("12")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := out.Tell(); errors.Is(err, objectstore.ErrClosedHandle) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("stream still open after its context was cancelled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := out.Close(); !errors.Is(err, objectstore.ErrClosedHandle) {
		t.Errorf("Close after cancel error = %v, want ErrClosedHandle", err)
	}
	if _, err := e.Head(context.Background(), p); !objectstore.IsNotFound(err) {
		t.Errorf("cancelled upload left an object: %v", err)
	}
	if _, _, aborts := b.stats(); aborts != 1 {
		t.Errorf("aborts = %d, want 1", aborts)
	}
}

func TestOutputStreamCancelWhileOpening(t *testing.T) {
	e, b := newCountingEngine(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	b.onOpen = cancel
	p := objectstore.MustParse("cancelled-while-opening")

	out, err := e.OpenOutputStream(ctx, p)
	if err != nil {
		t.Fatalf("OpenOutputStream failed: %v", err)
	}
	b.mu.Lock()
	openErr := b.openErr
	b.mu.Unlock()
	if openErr != nil {
		t.Errorf("upload started under a cancelled context: %v", openErr)
	}

	waitForAborts(t, b, 1)
	if _, err := out.Write([]byte("x")); !errors.Is(err, objectstore.ErrClosedHandle) {
		t.Errorf("Write after cancel error = %v, want ErrClosedHandle", err)
	}
	if _, err := e.Head(context.Background(), p); !objectstore.IsNotFound(err) {
		t.Errorf("cancelled upload left an object: %v", err)
	}
}

func TestOutputStreamDroppedWithoutClose(t *testing.T) {
	e, b := newCountingEngine(t, 0)
	p := objectstore.MustParse("dropped")

	func() {
		out, err := e.OpenOutputStream(context.Background(), p)
		if err != nil {
			t.Fatalf("OpenOutputStream failed: %v", err)
		}
		if _, err := out.Write([]byte("hello world")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}()

	deadline := time.Now().Add(10 * time.Second)
	for {
		runtime.GC()
		if _, _, aborts := b.stats(); aborts > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dropped stream was not aborted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	waitForAborts(t, b, 1)
	if _, commits, _ := b.stats(); commits != 0 {
		t.Errorf("commits = %d, want 0", commits)
	}
	if _, err := e.Head(context.Background(), p); !objectstore.IsNotFound(err) {
		t.Errorf("dropped upload left an object: %v", err)
	}
}

// waitForAborts waits until b has seen want aborts and checks that no
// more follow.
func waitForAborts(t *testing.T, b *countingBackend, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, _, aborts := b.stats(); aborts >= want {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d aborts", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if _, _, aborts := b.stats(); aborts != want {
		t.Errorf("aborts = %d, want %d", aborts, want)
	}
}

func TestOutputStreamUnsupported(t *testing.T) {
	e := newMemoryEngine(t)
	out, err := e.OpenOutputStream(context.Background(), objectstore.MustParse("w"))
	if err != nil {
		t.Fatalf("OpenOutputStream failed: %v", err)
	}
	defer func() { _ = out.Abort() }()

	if _, err := out.Read(make([]byte, 1)); !objectstore.IsUnsupported(err) {
		t.Errorf("Read error = %v, want ErrUnsupportedOperation", err)
	}
	if _, err := out.Seek(0, 0); !objectstore.IsUnsupported(err) {
		t.Errorf("Seek error = %v, want ErrUnsupportedOperation", err)
	}
	if _, err := out.Size(); !objectstore.IsUnsupported(err) {
		t.Errorf("Size error = %v, want ErrUnsupportedOperation", err)
	}
	if got := out.Path().String(); got != "w" {
		t.Errorf("Path = %q, want w", got)
	}
}

func TestWithOutputStream(t *testing.T) {
	e, _ := newCountingEngine(t, 0)
	ctx := context.Background()

	ok := objectstore.MustParse("with/ok")
	err := e.WithOutputStream(ctx, ok, func(out *objectstore.ObjectOutputStream) error {
		_, err := out.Write([]byte("committed"))
		return err
	})
	if err != nil {
		t.Fatalf("WithOutputStream failed: %v", err)
	}
	if data, err := e.Get(ctx, ok); err != nil || string(data) != "committed" {
		t.Errorf("Get = %q, %v", data, err)
	}

	failed := objectstore.MustParse("with/failed")
	boom := errors.New("boom")
	err = e.WithOutputStream(ctx, failed, func(out *objectstore.ObjectOutputStream) error {
		_, _ = out.Write([]byte("partial"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("WithOutputStream error = %v, want boom", err)
	}
	if _, err := e.Head(ctx, failed); !objectstore.IsNotFound(err) {
		t.Errorf("failed WithOutputStream left an object: %v", err)
	}

	panicked := objectstore.MustParse("with/panicked")
	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was not propagated")
			}
		}()
		_ = e.WithOutputStream(ctx, panicked, func(out *objectstore.ObjectOutputStream) error {
			_, _ = out.Write([]byte("partial"))
			panic("writer failed")
		})
	}()
	if _, err := e.Head(ctx, panicked); !objectstore.IsNotFound(err) {
		t.Errorf("panicking WithOutputStream left an object: %v", err)
	}
}
