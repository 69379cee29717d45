package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	handler := func(ctx context.Context, job *WorkerJob) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		running.Add(-1)
		if job.Symbol == "FAIL" {
			return errors.New("boom")
		}
		return nil
	}

	pool := NewWorkerPool(3, handler, testLogger())
	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()), "second start is rejected")

	var wg sync.WaitGroup
	var failures atomic.Int32
	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H", "FAIL", "J"}
	for _, s := range symbols {
		wg.Add(1)
		pool.Submit(context.Background(), &WorkerJob{Symbol: s}, func(err error) {
			defer wg.Done()
			if err != nil {
				failures.Add(1)
			}
		})
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int32(1), failures.Load())

	stats := pool.GetStats()
	assert.Equal(t, int64(9), stats.CompletedJobs)
	assert.Equal(t, int64(1), stats.FailedJobs)
	assert.Equal(t, 3, stats.ActiveWorkers)
	assert.Positive(t, stats.AvgJobDuration)

	require.NoError(t, pool.Stop(context.Background()))
	assert.Zero(t, pool.GetStats().ActiveWorkers)
}

func TestWorkerPoolSubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(1, func(context.Context, *WorkerJob) error { return nil }, testLogger())
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))
	assert.Error(t, pool.Stop(context.Background()))

	var got error
	pool.Submit(context.Background(), &WorkerJob{Symbol: "A"}, func(err error) { got = err })
	assert.ErrorIs(t, got, ErrPoolStopped)
}

func TestWorkerPoolSubmitWithCancelledContext(t *testing.T) {
	block := make(chan struct{})
	pool := NewWorkerPool(1, func(context.Context, *WorkerJob) error {
		<-block
		return nil
	}, testLogger())
	require.NoError(t, pool.Start(context.Background()))
	defer func() {
		close(block)
		_ = pool.Stop(context.Background())
	}()

	// Occupy the worker and fill the queue so the next submit has to wait.
	for i := 0; i < 4; i++ {
		pool.Submit(context.Background(), &WorkerJob{Symbol: "busy"}, nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var got error
	pool.Submit(ctx, &WorkerJob{Symbol: "late"}, func(err error) { got = err })
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}
