// Package compress wraps object streams with gzip or Zstandard codecs.
//
// Codecs can be chosen explicitly or detected from the object's extension:
//
//	codec := compress.Detect(objectstore.MustParse("logs/app.ndjson.zst"))
//	out, _ := engine.OpenOutputStream(ctx, p)
//	w, _ := compress.NewWriter(out, codec, compress.LevelDefault)
//	// Write data...
//	w.Close()
package compress

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/grokify/objectstore"
)

// Codec names a compression format.
type Codec string

const (
	// None passes data through unchanged.
	None Codec = ""

	// Gzip is RFC 1952 gzip.
	Gzip Codec = "gzip"

	// Zstd is Zstandard.
	Zstd Codec = "zstd"
)

// ErrUnknownCodec is returned for a codec name that is not recognized.
var ErrUnknownCodec = errors.New("compress: unknown codec")

// ParseCodec maps a codec name or file extension to a Codec.
// Names are case-insensitive; "" and "none" mean no compression.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "none", "uncompressed":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "zstd", "zst":
		return Zstd, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// Detect returns the codec implied by the extension of p, or None.
func Detect(p objectstore.Path) Codec {
	switch strings.ToLower(p.Extension()) {
	case "gz", "gzip":
		return Gzip
	case "zst", "zstd":
		return Zstd
	}
	return None
}

// Level is a codec-independent compression level.
type Level int

const (
	LevelDefault Level = iota
	LevelFastest
	LevelBest
)

func (l Level) gzip() int {
	switch l {
	case LevelFastest:
		return gzip.BestSpeed
	case LevelBest:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func (l Level) zstd() zstd.EncoderLevel {
	switch l {
	case LevelFastest:
		return zstd.SpeedFastest
	case LevelBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// NewReader returns a reader that decompresses r with codec. Closing it
// closes r. With None, r is returned unchanged.
func NewReader(r io.ReadCloser, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case None:
		return r, nil
	case Gzip:
		gr, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &reader{r: gr, closeCodec: gr.Close, closer: r}, nil
	case Zstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return &reader{r: zr, closeCodec: func() error { zr.Close(); return nil }, closer: r}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
}

// NewWriter returns a writer that compresses into w with codec. Closing it
// flushes the codec and closes w. If the codec fails to flush and w has an
// Abort method, such as an objectstore output stream, w is aborted instead.
func NewWriter(w io.WriteCloser, codec Codec, level Level) (io.WriteCloser, error) {
	switch codec {
	case None:
		return w, nil
	case Gzip:
		gw, err := gzip.NewWriterLevel(w, level.gzip())
		if err != nil {
			return nil, err
		}
		return &writer{w: gw, closer: w}, nil
	case Zstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(level.zstd()))
		if err != nil {
			return nil, err
		}
		return &writer{w: zw, closer: w}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codec)
}

type reader struct {
	mu         sync.Mutex
	r          io.Reader
	closeCodec func() error
	closer     io.Closer
	closed     bool
}

func (r *reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, objectstore.ErrClosedHandle
	}
	return r.r.Read(p)
}

func (r *reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return errors.Join(r.closeCodec(), r.closer.Close())
}

type writer struct {
	mu     sync.Mutex
	w      io.WriteCloser
	closer io.Closer
	closed bool
}

func (w *writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, objectstore.ErrClosedHandle
	}
	return w.w.Write(p)
}

func (w *writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.w.Close(); err != nil {
		if a, ok := w.closer.(interface{ Abort() error }); ok {
			return errors.Join(err, a.Abort())
		}
		return errors.Join(err, w.closer.Close())
	}
	return w.closer.Close()
}
