// Package bridge lets blocking and asynchronous callers share one set of
// context-based operations.
//
// A Runtime is a bounded pool of workers. Block runs an operation on the pool
// and waits for it; Spawn runs it and returns a Future at once. The process
// wide runtime returned by Default is created on first use and lives until
// the process exits.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrRuntimeClosed is returned for operations submitted after Shutdown.
var ErrRuntimeClosed = errors.New("bridge: runtime closed")

// Runtime is a bounded worker pool.
type Runtime struct {
	sem     *semaphore.Weighted
	workers int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// DefaultWorkers returns the pool size used by Default.
func DefaultWorkers() int {
	return max(8, runtime.GOMAXPROCS(0)*4)
}

var defaultRuntime = sync.OnceValue(func() *Runtime {
	return NewRuntime(DefaultWorkers())
})

// Default returns the process-wide runtime, creating it on first use.
// Concurrent first calls observe the same runtime.
func Default() *Runtime {
	return defaultRuntime()
}

// NewRuntime returns a runtime running at most workers operations at once.
func NewRuntime(workers int) *Runtime {
	if workers < 1 {
		workers = 1
	}
	return &Runtime{
		sem:     semaphore.NewWeighted(int64(workers)),
		workers: workers,
	}
}

// Workers returns the pool size.
func (r *Runtime) Workers() int {
	return r.workers
}

// Shutdown stops accepting work and waits for running operations to finish
// or for ctx to be done. The default runtime should not be shut down.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit reserves a slot in the wait group, failing if the runtime is closed.
func (r *Runtime) submit() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRuntimeClosed
	}
	r.wg.Add(1)
	return nil
}

// run acquires a worker and executes op, converting a panic into an error.
func run[T any](r *Runtime, ctx context.Context, op func(context.Context) (T, error)) (val T, err error) {
	defer r.wg.Done()
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return val, err
	}
	defer r.sem.Release(1)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("bridge: operation panicked: %v", rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return val, err
	}
	return op(ctx)
}

// Block runs op on the runtime and waits for its result.
//
// The blocking form does not observe cancellation of ctx: op receives a
// context that keeps ctx's values but is never cancelled, and runs until it
// completes or fails on its own (for example through an HTTP client timeout).
func Block[T any](r *Runtime, ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	if err := r.submit(); err != nil {
		var zero T
		return zero, err
	}
	return run(r, context.WithoutCancel(ctx), op)
}

// Spawn runs op on the runtime and returns a Future for its result.
// Cancelling ctx, or calling Future.Cancel, cancels the context op sees.
func Spawn[T any](r *Runtime, ctx context.Context, op func(context.Context) (T, error)) *Future[T] {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future[T]{done: make(chan struct{}), cancel: cancel}
	if err := r.submit(); err != nil {
		cancel()
		f.err = err
		close(f.done)
		return f
	}
	go func() {
		defer cancel()
		f.val, f.err = run(r, ctx, op)
		close(f.done)
	}()
	return f
}

// Future is the pending result of a spawned operation.
type Future[T any] struct {
	done   chan struct{}
	cancel context.CancelFunc
	val    T
	err    error
}

// Done returns a channel closed when the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.val, f.err
}

// Await waits for the result or for ctx to be done. Giving up on the wait
// does not cancel the operation; use Cancel for that.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Cancel requests cancellation of the operation. Cancellation is
// cooperative: the operation observes it at its next I/O point.
func (f *Future[T]) Cancel() {
	f.cancel()
}

// Then returns a future whose result is fn applied to f's result.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	g := &Future[U]{done: make(chan struct{}), cancel: f.cancel}
	go func() {
		defer close(g.done)
		val, err := f.Wait()
		if err != nil {
			g.err = err
			return
		}
		g.val, g.err = fn(val)
	}()
	return g
}
