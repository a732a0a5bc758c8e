package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"

	"github.com/grokify/objectstore/bridge"
)

// ObjectOutputStream is a sequential, write-only stream into a multi-part
// upload. Writes are buffered and uploaded one part at a time; Close
// uploads the remainder and commits the object. If a part upload or the
// commit fails, the upload is aborted and nothing is written.
//
// The upload is also aborted when the context it was opened with is
// cancelled, and when the stream is garbage collected without Close or
// Abort having been called.
type ObjectOutputStream struct {
	*outputStream
}

type outputStream struct {
	engine   *Engine
	ctx      context.Context
	session  *UploadSession
	partSize int
	stop     func() bool

	mu      sync.Mutex
	buf     []byte
	written int64
	closed  bool
}

// openOutputStream starts the upload under ctx and aborts it once owner is
// cancelled.
func (e *Engine) openOutputStream(ctx, owner context.Context, p Path) (*ObjectOutputStream, error) {
	session, err := e.putMultipart(ctx, p)
	if err != nil {
		return nil, err
	}
	s := &outputStream{
		engine:   e,
		ctx:      context.WithoutCancel(owner),
		session:  session,
		partSize: e.partSize,
	}
	s.stop = context.AfterFunc(owner, func() {
		s.abandon("context cancelled")
	})
	out := &ObjectOutputStream{s}
	runtime.AddCleanup(out, func(s *outputStream) {
		go s.abandon("stream dropped without close")
	}, s)
	return out, nil
}

// Path returns the upload's target.
func (s *outputStream) Path() Path {
	return s.session.Path()
}

// Write buffers b, uploading a part each time the buffer reaches the part
// size. A failed part upload aborts the stream.
func (s *outputStream) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosedHandle
	}

	s.buf = append(s.buf, b...)
	for len(s.buf) >= s.partSize {
		part := s.buf[:s.partSize:s.partSize]
		if err := s.uploadPart(part); err != nil {
			s.fail()
			return 0, err
		}
		s.buf = append([]byte(nil), s.buf[s.partSize:]...)
	}
	s.written += int64(len(b))
	return len(b), nil
}

// Tell returns the number of bytes written so far.
func (s *outputStream) Tell() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosedHandle
	}
	return s.written, nil
}

// Close uploads any buffered data as the final part and commits the
// object. The final part may be shorter than the part size; an empty
// stream produces an empty object.
func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosedHandle
	}
	s.closed = true
	s.stop()

	if len(s.buf) > 0 || len(s.session.Parts()) == 0 {
		if err := s.uploadPart(s.buf); err != nil {
			return err
		}
		s.buf = nil
	}

	p := s.session.Path()
	_, err := bridge.Block(s.engine.rt, s.ctx, func(ctx context.Context) (struct{}, error) {
		return exec(s.engine, ctx, opDesc{name: "complete_multipart", paths: []Path{p}}, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.session.Commit(ctx)
		})
	})
	return err
}

// Abort discards everything written. Aborting an aborted stream is a no-op.
func (s *outputStream) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed && s.session.State() == SessionCommitted {
		return fmt.Errorf("%w: upload is committed", ErrClosedHandle)
	}
	s.closed = true
	s.stop()
	s.buf = nil
	return s.session.Abort(s.ctx)
}

// Read is not supported.
func (s *outputStream) Read([]byte) (int, error) {
	return 0, ErrUnsupportedOperation
}

// Seek is not supported.
func (s *outputStream) Seek(int64, int) (int64, error) {
	return 0, ErrUnsupportedOperation
}

// Size is not supported.
func (s *outputStream) Size() (int64, error) {
	return 0, ErrUnsupportedOperation
}

func (s *outputStream) uploadPart(data []byte) error {
	p := s.session.Path()
	_, err := bridge.Block(s.engine.rt, s.ctx, func(ctx context.Context) (struct{}, error) {
		return exec(s.engine, ctx, opDesc{name: "put_part", paths: []Path{p}, bytes: int64(len(data))}, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.session.UploadPart(ctx, data)
		})
	})
	return err
}

// fail marks the stream closed after the session aborted itself.
func (s *outputStream) fail() {
	s.closed = true
	s.stop()
	s.buf = nil
}

// abandon aborts an upload nobody will close.
func (s *outputStream) abandon(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.buf = nil
	s.engine.logger.Warn("aborting multipart upload",
		slog.String("path", s.session.Path().String()),
		slog.String("reason", reason))
	if err := s.session.Abort(s.ctx); err != nil {
		s.engine.logger.Warn("abort failed",
			slog.String("path", s.session.Path().String()),
			slog.Any("error", err))
	}
}

var _ io.WriteCloser = (*ObjectOutputStream)(nil)
