package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/grokify/mogo/log/slogutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/grokify/objectstore/bridge"
	"github.com/grokify/objectstore/metrics"
)

const tracerName = "github.com/grokify/objectstore"

// DefaultPartSize is the default size of a multi-part upload part.
const DefaultPartSize = 5 * 1024 * 1024

// Option configures an Engine.
type Option func(*engineConfig)

type engineConfig struct {
	logger   *slog.Logger
	runtime  *bridge.Runtime
	observer metrics.Observer
	tracer   trace.TracerProvider
	partSize int
	retry    *RetryConfig
}

// WithLogger sets the logger. The default discards all records.
func WithLogger(logger *slog.Logger) Option {
	return func(c *engineConfig) {
		c.logger = logger
	}
}

// WithRuntime sets the runtime operations run on. The default is bridge.Default().
func WithRuntime(rt *bridge.Runtime) Option {
	return func(c *engineConfig) {
		c.runtime = rt
	}
}

// WithMetrics records every operation with observer.
func WithMetrics(observer metrics.Observer) Option {
	return func(c *engineConfig) {
		c.observer = observer
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider.
// The default is the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *engineConfig) {
		c.tracer = tp
	}
}

// WithPartSize sets the buffer size at which an output stream uploads a part.
// It is raised to the backend's minimum part size if smaller.
func WithPartSize(size int) Option {
	return func(c *engineConfig) {
		c.partSize = size
	}
}

// WithRetry overrides the retry configuration taken from ClientOptions.
func WithRetry(retry RetryConfig) Option {
	return func(c *engineConfig) {
		c.retry = &retry
	}
}

// Engine dispatches operations to one backend. It is immutable after
// construction and safe for concurrent use; concurrent writes to the same
// path are not serialized and the last write wins.
type Engine struct {
	backend  Backend
	root     string
	rt       *bridge.Runtime
	logger   *slog.Logger
	observer metrics.Observer
	tracer   trace.Tracer
	partSize int
	retry    RetryConfig
}

// New parses root, resolves configuration for its backend from options
// (falling back to the environment) and returns an engine serving it.
//
// New returns ErrUnsupportedScheme if root names no known backend or the
// backend package is not linked, and ErrMissingCredential if required
// configuration is absent.
func New(root string, options map[string]string, clientOptions *ClientOptions, opts ...Option) (*Engine, error) {
	return NewContext(context.Background(), root, options, clientOptions, opts...)
}

// NewContext is New with a context for any network calls made while
// resolving credentials.
func NewContext(ctx context.Context, root string, options map[string]string, clientOptions *ClientOptions, opts ...Option) (*Engine, error) {
	loc, err := ParseURL(root)
	if err != nil {
		return nil, err
	}
	if err := clientOptions.Validate(); err != nil {
		return nil, err
	}
	backend, err := OpenBackend(ctx, loc, options, clientOptions)
	if err != nil {
		return nil, err
	}
	cfg := clientOptions.orDefault().Retry
	e := newEngine(NewPrefixBackend(backend, loc.Prefix), root, cfg, opts...)
	e.logger.Info("engine opened",
		slog.String("root", root),
		slog.String("backend", backend.Kind().String()),
		slog.String("prefix", loc.Prefix.String()))
	return e, nil
}

// NewWithBackend returns an engine serving an already constructed backend.
func NewWithBackend(b Backend, opts ...Option) *Engine {
	return newEngine(b, b.Kind().String()+"://", RetryConfig{}, opts...)
}

func newEngine(b Backend, root string, retry RetryConfig, opts ...Option) *Engine {
	cfg := engineConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slogutil.Null()
	}
	if cfg.runtime == nil {
		cfg.runtime = bridge.Default()
	}
	if cfg.observer == nil {
		cfg.observer = metrics.Nop{}
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.GetTracerProvider()
	}
	if cfg.partSize <= 0 {
		cfg.partSize = DefaultPartSize
	}
	if cfg.retry != nil {
		retry = *cfg.retry
	}
	return &Engine{
		backend:  b,
		root:     root,
		rt:       cfg.runtime,
		logger:   cfg.logger.With(slog.String("backend", b.Kind().String())),
		observer: cfg.observer,
		tracer:   cfg.tracer.Tracer(tracerName),
		partSize: b.Features().PartSize(cfg.partSize),
		retry:    retry,
	}
}

// Kind returns the backend family.
func (e *Engine) Kind() Kind {
	return e.backend.Kind()
}

// Root returns the root URL the engine was opened with.
func (e *Engine) Root() string {
	return e.root
}

// Backend returns the backend the engine dispatches to.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Runtime returns the runtime operations run on.
func (e *Engine) Runtime() *bridge.Runtime {
	return e.rt
}

// Close releases the backend.
func (e *Engine) Close() error {
	return e.backend.Close()
}

// opDesc describes one engine operation for instrumentation.
type opDesc struct {
	name       string
	paths      []Path
	idempotent bool
	bytes      int64
}

// exec runs fn with tracing, metrics, logging, retries for idempotent
// operations and error enrichment.
func exec[T any](e *Engine, ctx context.Context, op opDesc, fn func(context.Context) (T, error)) (T, error) {
	attrs := []attribute.KeyValue{
		attribute.String("objectstore.op", op.name),
		attribute.String("objectstore.backend", e.backend.Kind().String()),
	}
	for i, p := range op.paths {
		attrs = append(attrs, attribute.String(fmt.Sprintf("objectstore.path.%d", i), p.String()))
	}
	ctx, span := e.tracer.Start(ctx, "objectstore."+op.name, trace.WithAttributes(attrs...))
	defer span.End()
	if s, ok := e.observer.(interface{ Start() func() }); ok {
		defer s.Start()()
	}

	start := time.Now()
	var val T
	attempt := func(ctx context.Context) error {
		var err error
		val, err = fn(ctx)
		return err
	}
	var err error
	if op.idempotent {
		err = retryOperation(ctx, e.retry, attempt)
	} else {
		err = attempt(ctx)
	}
	dur := time.Since(start)
	n := op.bytes + byteCount(val)
	e.observer.Observe(op.name, n, err, dur)

	if err != nil {
		err = &Error{Op: op.name, Paths: op.paths, Err: Classify(e.backend.Kind(), err)}
		span.RecordError(err)
		span.SetStatus(codes.Error, KindOf(err).Error())
		e.logger.Debug("operation failed",
			slog.String("op", op.name),
			slog.Any("paths", op.paths),
			slog.Duration("duration", dur),
			slog.Any("error", err))
		return val, err
	}
	span.SetAttributes(attribute.Int64("objectstore.bytes", n))
	e.logger.Debug("operation complete",
		slog.String("op", op.name),
		slog.Any("paths", op.paths),
		slog.Int64("bytes", n),
		slog.Duration("duration", dur))
	return val, nil
}

func byteCount(v any) int64 {
	switch v := v.(type) {
	case []byte:
		return int64(len(v))
	case ObjectMeta:
		return v.Size
	}
	return 0
}

// requireObject rejects the root path where an object key is required.
func requireObject(op string, paths ...Path) error {
	for _, p := range paths {
		if p.IsRoot() {
			return &Error{Op: op, Paths: paths, Err: fmt.Errorf("%w: empty object key", ErrInvalidPath)}
		}
	}
	return nil
}

func (e *Engine) get(ctx context.Context, p Path) ([]byte, error) {
	if err := requireObject("get", p); err != nil {
		return nil, err
	}
	return exec(e, ctx, opDesc{name: "get", paths: []Path{p}, idempotent: true}, func(ctx context.Context) ([]byte, error) {
		return e.backend.Get(ctx, p)
	})
}

func (e *Engine) getRange(ctx context.Context, p Path, start, length int64) ([]byte, error) {
	if err := requireObject("get_range", p); err != nil {
		return nil, err
	}
	if start < 0 || length < 0 {
		return nil, &Error{Op: "get_range", Paths: []Path{p},
			Err: fmt.Errorf("%w: start %d length %d", ErrInvalidRange, start, length)}
	}
	return exec(e, ctx, opDesc{name: "get_range", paths: []Path{p}, idempotent: true}, func(ctx context.Context) ([]byte, error) {
		return e.backend.GetRange(ctx, p, start, length)
	})
}

func (e *Engine) put(ctx context.Context, p Path, data []byte) (struct{}, error) {
	if err := requireObject("put", p); err != nil {
		return struct{}{}, err
	}
	return exec(e, ctx, opDesc{name: "put", paths: []Path{p}, bytes: int64(len(data))}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.Put(ctx, p, data)
	})
}

func (e *Engine) head(ctx context.Context, p Path) (ObjectMeta, error) {
	if err := requireObject("head", p); err != nil {
		return ObjectMeta{}, err
	}
	return exec(e, ctx, opDesc{name: "head", paths: []Path{p}, idempotent: true}, func(ctx context.Context) (ObjectMeta, error) {
		return e.backend.Head(ctx, p)
	})
}

func (e *Engine) list(ctx context.Context, prefix Path) ([]ObjectMeta, error) {
	return exec(e, ctx, opDesc{name: "list", paths: []Path{prefix}, idempotent: true}, func(ctx context.Context) ([]ObjectMeta, error) {
		objects, err := e.backend.List(ctx, prefix)
		if err != nil {
			return nil, err
		}
		SortObjects(objects)
		return objects, nil
	})
}

func (e *Engine) listWithDelimiter(ctx context.Context, prefix Path) (ListResult, error) {
	return exec(e, ctx, opDesc{name: "list_with_delimiter", paths: []Path{prefix}, idempotent: true}, func(ctx context.Context) (ListResult, error) {
		result, err := e.backend.ListWithDelimiter(ctx, prefix)
		if err != nil {
			return ListResult{}, err
		}
		SortObjects(result.Objects)
		SortPaths(result.CommonPrefixes)
		return result, nil
	})
}

func (e *Engine) delete(ctx context.Context, p Path) (struct{}, error) {
	if err := requireObject("delete", p); err != nil {
		return struct{}{}, err
	}
	return exec(e, ctx, opDesc{name: "delete", paths: []Path{p}}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.Delete(ctx, p)
	})
}

func (e *Engine) copy(ctx context.Context, src, dst Path) (struct{}, error) {
	if err := requireObject("copy", src, dst); err != nil {
		return struct{}{}, err
	}
	return exec(e, ctx, opDesc{name: "copy", paths: []Path{src, dst}}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.Copy(ctx, src, dst)
	})
}

func (e *Engine) copyIfNotExists(ctx context.Context, src, dst Path) (struct{}, error) {
	if err := requireObject("copy_if_not_exists", src, dst); err != nil {
		return struct{}{}, err
	}
	return exec(e, ctx, opDesc{name: "copy_if_not_exists", paths: []Path{src, dst}}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.CopyIfNotExists(ctx, src, dst)
	})
}

func (e *Engine) rename(ctx context.Context, src, dst Path) (struct{}, error) {
	if err := requireObject("rename", src, dst); err != nil {
		return struct{}{}, err
	}
	if !e.backend.Features().AtomicRename {
		e.logger.Debug("rename is copy then delete", slog.Any("src", src), slog.Any("dst", dst))
	}
	return exec(e, ctx, opDesc{name: "rename", paths: []Path{src, dst}}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.Rename(ctx, src, dst)
	})
}

func (e *Engine) renameIfNotExists(ctx context.Context, src, dst Path) (struct{}, error) {
	if err := requireObject("rename_if_not_exists", src, dst); err != nil {
		return struct{}{}, err
	}
	return exec(e, ctx, opDesc{name: "rename_if_not_exists", paths: []Path{src, dst}}, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, e.backend.RenameIfNotExists(ctx, src, dst)
	})
}

func (e *Engine) putMultipart(ctx context.Context, p Path) (*UploadSession, error) {
	if err := requireObject("put_multipart", p); err != nil {
		return nil, err
	}
	return exec(e, ctx, opDesc{name: "put_multipart", paths: []Path{p}}, func(ctx context.Context) (*UploadSession, error) {
		upload, err := e.backend.PutMultipart(ctx, p)
		if err != nil {
			return nil, err
		}
		return NewUploadSession(e.backend.Kind(), p, upload), nil
	})
}
