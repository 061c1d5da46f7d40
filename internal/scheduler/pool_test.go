package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPool_BoundsConcurrency(t *testing.T) {
	p := NewPool(2)
	p.Start()

	var running, peak, finished int32
	for range 6 {
		require.NoError(t, p.Submit(context.Background(), func() {
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			atomic.AddInt32(&finished, 1)
		}))
	}

	p.Close()
	require.Equal(t, int32(6), atomic.LoadInt32(&finished))
	require.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestPool_SubmitHonorsCancellation(t *testing.T) {
	p := NewPool(1)
	p.Start()
	defer p.Close()

	release := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { <-release }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Submit(ctx, func() {})
	close(release)

	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_ZeroWorkersStillRuns(t *testing.T) {
	p := NewPool(0)
	p.Start()

	var called int32
	require.NoError(t, p.Submit(context.Background(), func() { atomic.AddInt32(&called, 1) }))
	p.Close()
	require.Equal(t, int32(1), atomic.LoadInt32(&called))
}
