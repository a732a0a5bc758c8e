package objectstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// SessionState is the lifecycle state of an UploadSession.
type SessionState int

const (
	SessionOpen SessionState = iota
	SessionCommitted
	SessionAborted
)

func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionCommitted:
		return "committed"
	case SessionAborted:
		return "aborted"
	}
	return "unknown"
}

// UploadSession tracks one multi-part upload: the parts uploaded so far, in
// order, and whether the upload was committed or aborted. Exactly one of
// Commit and Abort takes effect; any failure while uploading a part or
// committing aborts the session.
type UploadSession struct {
	path   Path
	kind   Kind
	upload MultipartUpload

	mu    sync.Mutex
	parts []Part
	state SessionState
}

// NewUploadSession wraps a backend upload started for p.
func NewUploadSession(kind Kind, p Path, upload MultipartUpload) *UploadSession {
	return &UploadSession{path: p, kind: kind, upload: upload}
}

// Path returns the upload's target.
func (s *UploadSession) Path() Path {
	return s.path
}

// State returns the current lifecycle state.
func (s *UploadSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Parts returns the parts uploaded so far.
func (s *UploadSession) Parts() []Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.parts)
}

// UploadPart uploads data as the next part.
func (s *UploadSession) UploadPart(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionOpen {
		return fmt.Errorf("%w: upload is %s", ErrClosedHandle, s.state)
	}
	part, err := s.upload.UploadPart(ctx, len(s.parts)+1, data)
	if err != nil {
		return s.abortLocked(ctx, Classify(s.kind, err))
	}
	s.parts = append(s.parts, part)
	return nil
}

// Commit completes the upload, publishing the object.
func (s *UploadSession) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != SessionOpen {
		return fmt.Errorf("%w: upload is %s", ErrClosedHandle, s.state)
	}
	if err := s.upload.Complete(ctx, slices.Clone(s.parts)); err != nil {
		return s.abortLocked(ctx, Classify(s.kind, err))
	}
	s.state = SessionCommitted
	return nil
}

// Abort discards the upload. Aborting an aborted session is a no-op;
// aborting a committed session fails with ErrClosedHandle.
func (s *UploadSession) Abort(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SessionAborted:
		return nil
	case SessionCommitted:
		return fmt.Errorf("%w: upload is committed", ErrClosedHandle)
	}
	return s.abortLocked(ctx, nil)
}

// abortLocked aborts the upload and returns cause joined with any abort
// failure. The abort runs even if ctx is already cancelled.
func (s *UploadSession) abortLocked(ctx context.Context, cause error) error {
	s.state = SessionAborted
	if err := s.upload.Abort(context.WithoutCancel(ctx)); err != nil {
		err = fmt.Errorf("aborting upload: %w", Classify(s.kind, err))
		if cause == nil {
			return err
		}
		return errors.Join(cause, err)
	}
	return cause
}
