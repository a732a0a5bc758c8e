package objectstore

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/grokify/objectstore/bridge"
)

// ObjectInputFile is a read-only, seekable view of one object. Its size is
// fetched when it is opened and does not change afterwards; reads past
// that size return io.EOF even if the object grew.
//
// Every call after Close fails with ErrClosedHandle.
type ObjectInputFile struct {
	engine *Engine
	ctx    context.Context
	path   Path
	size   int64

	mu     sync.Mutex
	pos    int64
	closed bool
}

func (e *Engine) openInputFile(ctx context.Context, p Path) (*ObjectInputFile, error) {
	meta, err := e.head(ctx, p)
	if err != nil {
		return nil, err
	}
	return &ObjectInputFile{
		engine: e,
		ctx:    context.WithoutCancel(ctx),
		path:   p,
		size:   meta.Size,
	}, nil
}

// Path returns the object's path.
func (f *ObjectInputFile) Path() Path {
	return f.path
}

// Size returns the object's size as of open.
func (f *ObjectInputFile) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosedHandle
	}
	return f.size, nil
}

// Tell returns the current position.
func (f *ObjectInputFile) Tell() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosedHandle
	}
	return f.pos, nil
}

// Seek sets the position for the next Read. Positions past the end are
// allowed; a resulting negative position fails with ErrInvalidSeek.
func (f *ObjectInputFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosedHandle
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = f.size + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidSeek, whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidSeek, pos)
	}
	f.pos = pos
	return pos, nil
}

// Read reads up to len(b) bytes at the current position with one range
// request. At the end of the object it returns 0, io.EOF.
func (f *ObjectInputFile) Read(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrClosedHandle
	}
	if len(b) == 0 {
		return 0, nil
	}
	data, err := f.readAt(f.pos, int64(len(b)))
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.EOF
	}
	n := copy(b, data)
	f.pos += int64(n)
	return n, nil
}

// ReadN reads up to n bytes at the current position. At the end of the
// object it returns an empty slice and a nil error.
func (f *ObjectInputFile) ReadN(n int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrClosedHandle
	}
	if n < 0 {
		n = 0
	}
	data, err := f.readAt(f.pos, int64(n))
	if err != nil {
		return nil, err
	}
	f.pos += int64(len(data))
	return data, nil
}

// ReadAt reads len(b) bytes at offset off without moving the position.
func (f *ObjectInputFile) ReadAt(b []byte, off int64) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, ErrClosedHandle
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrInvalidSeek, off)
	}
	data, err := f.readAt(off, int64(len(b)))
	if err != nil {
		return 0, err
	}
	n := copy(b, data)
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// readAt fetches up to n bytes at off, clamped to the cached size.
// Zero-length reads return without a request.
func (f *ObjectInputFile) readAt(off, n int64) ([]byte, error) {
	if off >= f.size || n == 0 {
		return []byte{}, nil
	}
	n = min(n, f.size-off)
	return bridge.Block(f.engine.rt, f.ctx, func(ctx context.Context) ([]byte, error) {
		return f.engine.getRange(ctx, f.path, off, n)
	})
}

// Close releases the handle. Closing twice fails with ErrClosedHandle.
func (f *ObjectInputFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosedHandle
	}
	f.closed = true
	return nil
}

var (
	_ io.ReadSeekCloser = (*ObjectInputFile)(nil)
	_ io.ReaderAt       = (*ObjectInputFile)(nil)
)
