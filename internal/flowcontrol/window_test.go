package flowcontrol

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestWindowLimitsOutstanding(t *testing.T) {
	w := NewWindow(2)
	assert.Equal(t, 2, w.Size())

	require.True(t, w.TryAcquire())
	require.NoError(t, w.Acquire(context.Background()))
	assert.Equal(t, int64(2), w.Outstanding())
	assert.False(t, w.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Acquire(ctx), context.DeadlineExceeded)

	w.Release()
	assert.True(t, w.TryAcquire())
}

func TestWindowDefaultSize(t *testing.T) {
	assert.Equal(t, DefaultWindowSize, NewWindow(0).Size())
}

func TestWindowDoBoundsConcurrency(t *testing.T) {
	w := NewWindow(3)
	current := atomic.NewInt32(0)
	peak := atomic.NewInt32(0)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Do(context.Background(), func(ctx context.Context) error {
				n := current.Inc()
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				current.Dec()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Zero(t, w.Outstanding())
}
