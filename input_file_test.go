package objectstore_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/grokify/objectstore"
)

func openInput(t *testing.T, content string) (*objectstore.Engine, *objectstore.ObjectInputFile) {
	t.Helper()
	e := newMemoryEngine(t)
	p := objectstore.MustParse("input/file.bin")
	if err := e.Put(context.Background(), p, []byte(content)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	f, err := e.OpenInputFile(context.Background(), p)
	if err != nil {
		t.Fatalf("OpenInputFile failed: %v", err)
	}
	return e, f
}

func TestInputFileRead(t *testing.T) {
	_, f := openInput(t, "0123456789")
	defer func() { _ = f.Close() }()

	if size, err := f.Size(); err != nil || size != 10 {
		t.Fatalf("Size = %d, %v", size, err)
	}

	buf := make([]byte, 4)
	n, err := f.Read(buf)
	if err != nil || string(buf[:n]) != "0123" {
		t.Fatalf("Read = %q, %v", buf[:n], err)
	}
	if pos, _ := f.Tell(); pos != 4 {
		t.Errorf("Tell = %d, want 4", pos)
	}

	data, err := f.ReadN(3)
	if err != nil || string(data) != "456" {
		t.Errorf("ReadN = %q, %v", data, err)
	}

	rest, err := io.ReadAll(f)
	if err != nil || string(rest) != "789" {
		t.Errorf("ReadAll = %q, %v", rest, err)
	}

	if n, err := f.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("Read at end = %d, %v, want 0, io.EOF", n, err)
	}
	if data, err := f.ReadN(5); err != nil || len(data) != 0 {
		t.Errorf("ReadN at end = %q, %v, want empty", data, err)
	}
}

func TestInputFileSeek(t *testing.T) {
	_, f := openInput(t, "0123456789")
	defer func() { _ = f.Close() }()

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		wantErr bool
	}{
		{"start", 3, io.SeekStart, 3, false},
		{"current", 2, io.SeekCurrent, 5, false},
		{"end", -2, io.SeekEnd, 8, false},
		{"past end", 5, io.SeekEnd, 15, false},
		{"negative", -1, io.SeekStart, 0, true},
		{"bad whence", 0, 7, 0, true},
	}
	for _, tt := range tests {
		got, err := f.Seek(tt.offset, tt.whence)
		if tt.wantErr {
			if !errors.Is(err, objectstore.ErrInvalidSeek) {
				t.Errorf("%s: Seek error = %v, want ErrInvalidSeek", tt.name, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s: Seek = %d, %v, want %d", tt.name, got, err, tt.want)
		}
	}

	// Failed seeks keep the previous position.
	if n, err := f.Read(make([]byte, 1)); n != 0 || err != io.EOF {
		t.Errorf("Read past end = %d, %v, want 0, io.EOF", n, err)
	}

	if _, err := f.Seek(-2, io.SeekEnd); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	data, err := f.ReadN(10)
	if err != nil || string(data) != "89" {
		t.Errorf("ReadN after seek = %q, %v", data, err)
	}
}

func TestInputFileReadAt(t *testing.T) {
	_, f := openInput(t, "0123456789")
	defer func() { _ = f.Close() }()

	buf := make([]byte, 3)
	if n, err := f.ReadAt(buf, 5); err != nil || string(buf[:n]) != "567" {
		t.Errorf("ReadAt = %q, %v", buf[:n], err)
	}
	if pos, _ := f.Tell(); pos != 0 {
		t.Errorf("ReadAt moved the position to %d", pos)
	}
	if n, err := f.ReadAt(buf, 8); n != 2 || err != io.EOF {
		t.Errorf("ReadAt near end = %d, %v, want 2, io.EOF", n, err)
	}
	if _, err := f.ReadAt(buf, -1); !errors.Is(err, objectstore.ErrInvalidSeek) {
		t.Errorf("ReadAt(-1) error = %v, want ErrInvalidSeek", err)
	}
}

func TestInputFileSizeIsFixedAtOpen(t *testing.T) {
	e, f := openInput(t, "short")
	defer func() { _ = f.Close() }()

	if err := e.Put(context.Background(), f.Path(), []byte("a much longer object")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if size, _ := f.Size(); size != 5 {
		t.Errorf("Size = %d, want 5", size)
	}
	data, err := io.ReadAll(f)
	if err != nil || len(data) != 5 {
		t.Errorf("ReadAll = %q, %v, want 5 bytes", data, err)
	}
}

func TestInputFileClosed(t *testing.T) {
	_, f := openInput(t, "data")
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	checks := map[string]error{
		"close":  f.Close(),
		"read":   func() error { _, err := f.Read(make([]byte, 1)); return err }(),
		"readn":  func() error { _, err := f.ReadN(1); return err }(),
		"readat": func() error { _, err := f.ReadAt(make([]byte, 1), 0); return err }(),
		"seek":   func() error { _, err := f.Seek(0, io.SeekStart); return err }(),
		"tell":   func() error { _, err := f.Tell(); return err }(),
		"size":   func() error { _, err := f.Size(); return err }(),
	}
	for op, err := range checks {
		if !errors.Is(err, objectstore.ErrClosedHandle) {
			t.Errorf("%s after Close error = %v, want ErrClosedHandle", op, err)
		}
	}
}

func TestOpenInputFileErrors(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()

	if _, err := e.OpenInputFile(ctx, objectstore.MustParse("missing")); !objectstore.IsNotFound(err) {
		t.Errorf("OpenInputFile(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := e.OpenInputFileAsync(ctx, objectstore.Path{}).Wait(); !errors.Is(err, objectstore.ErrInvalidPath) {
		t.Errorf("OpenInputFileAsync(root) error = %v, want ErrInvalidPath", err)
	}
}
