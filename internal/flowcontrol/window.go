package flowcontrol

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// DefaultWindowSize is the conventional number of unacknowledged
// CMPP_SUBMIT an SP keeps in flight on one connection.
const DefaultWindowSize = 16

// Window bounds the number of requests awaiting a response
type Window struct {
	size        int64
	sem         *semaphore.Weighted
	outstanding *atomic.Int64
}

// NewWindow creates a window of size slots. A non-positive size uses DefaultWindowSize.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Window{
		size:        int64(size),
		sem:         semaphore.NewWeighted(int64(size)),
		outstanding: atomic.NewInt64(0),
	}
}

// Acquire blocks until a slot is free or ctx is done
func (w *Window) Acquire(ctx context.Context) error {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	w.outstanding.Inc()
	return nil
}

// TryAcquire takes a slot without blocking
func (w *Window) TryAcquire() bool {
	if !w.sem.TryAcquire(1) {
		return false
	}
	w.outstanding.Inc()
	return true
}

// Release frees a slot taken by Acquire or TryAcquire
func (w *Window) Release() {
	w.outstanding.Dec()
	w.sem.Release(1)
}

// Outstanding returns the slots in use
func (w *Window) Outstanding() int64 {
	return w.outstanding.Load()
}

// Size returns the window size
func (w *Window) Size() int {
	return int(w.size)
}

// Do runs fn inside a slot
func (w *Window) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := w.Acquire(ctx); err != nil {
		return err
	}
	defer w.Release()
	return fn(ctx)
}
