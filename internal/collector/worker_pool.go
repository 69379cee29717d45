package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// ErrPoolStopped is passed to the callback of a job the pool could not run.
var ErrPoolStopped = errors.New("worker pool is stopped")

// WorkerJob is one symbol pipeline to run on the pool.
type WorkerJob struct {
	Symbol   string
	Interval models.Interval
	Start    int64
	End      int64
}

// JobHandler runs a job to completion on a worker goroutine.
type JobHandler func(ctx context.Context, job *WorkerJob) error

// WorkerPool runs jobs on a fixed number of workers. Each worker takes the next job only
// after the previous one has finished.
type WorkerPool struct {
	workerCount int
	handler     JobHandler
	logger      *slog.Logger

	// Channels for job distribution
	jobQueue    chan *jobWrapper
	workerQueue chan chan *jobWrapper

	quit chan struct{}
	wg   sync.WaitGroup

	stats     *workerPoolStats
	isStarted atomic.Bool
}

// jobWrapper wraps a job with its callback
type jobWrapper struct {
	job      *WorkerJob
	callback func(error)
	ctx      context.Context
}

// Worker represents a single worker in the pool
type Worker struct {
	ID          int
	WorkerQueue chan chan *jobWrapper
	JobChannel  chan *jobWrapper
	quit        <-chan struct{}
	handler     JobHandler
	logger      *slog.Logger
	stats       *workerPoolStats
}

// workerPoolStats tracks worker pool statistics
type workerPoolStats struct {
	activeWorkers atomic.Int32
	busyWorkers   atomic.Int32
	queuedJobs    atomic.Int32
	completedJobs atomic.Int64
	failedJobs    atomic.Int64
	totalJobTime  atomic.Int64 // nanoseconds
}

// WorkerPoolStats is a snapshot of pool activity.
type WorkerPoolStats struct {
	ActiveWorkers  int           `json:"active_workers"`
	BusyWorkers    int           `json:"busy_workers"`
	QueuedJobs     int           `json:"queued_jobs"`
	CompletedJobs  int64         `json:"completed_jobs"`
	FailedJobs     int64         `json:"failed_jobs"`
	AvgJobDuration time.Duration `json:"avg_job_duration"`
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(workerCount int, handler JobHandler, logger *slog.Logger) *WorkerPool {
	if workerCount < 1 {
		workerCount = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		workerCount: workerCount,
		handler:     handler,
		logger:      logger.With("component", "worker_pool"),
		jobQueue:    make(chan *jobWrapper, workerCount*2),
		workerQueue: make(chan chan *jobWrapper, workerCount),
		quit:        make(chan struct{}),
		stats:       &workerPoolStats{},
	}
}

// Start initializes and starts all workers
func (wp *WorkerPool) Start(ctx context.Context) error {
	if !wp.isStarted.CompareAndSwap(false, true) {
		return fmt.Errorf("worker pool is already started")
	}

	wp.logger.Debug("starting worker pool", "worker_count", wp.workerCount)

	for i := 0; i < wp.workerCount; i++ {
		worker := &Worker{
			ID:          i + 1,
			WorkerQueue: wp.workerQueue,
			JobChannel:  make(chan *jobWrapper),
			quit:        wp.quit,
			handler:     wp.handler,
			logger:      wp.logger,
			stats:       wp.stats,
		}

		wp.wg.Add(1)
		wp.stats.activeWorkers.Add(1)
		go worker.Start(func() {
			wp.stats.activeWorkers.Add(-1)
			wp.wg.Done()
		})
	}

	wp.wg.Add(1)
	go wp.dispatch()

	return nil
}

// Stop shuts the pool down. Jobs still queued are not run; their callbacks receive
// ErrPoolStopped. Stop waits for running jobs to return or for ctx to end.
func (wp *WorkerPool) Stop(ctx context.Context) error {
	if !wp.isStarted.CompareAndSwap(true, false) {
		return fmt.Errorf("worker pool is not started")
	}

	close(wp.quit)

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Debug("worker pool stopped")
		return nil
	case <-ctx.Done():
		wp.logger.Warn("worker pool stop timed out")
		return ctx.Err()
	}
}

// Submit queues a job. The callback is always called exactly once, with the handler's
// result, with ctx's error when the job could not be queued, or with ErrPoolStopped.
func (wp *WorkerPool) Submit(ctx context.Context, job *WorkerJob, callback func(error)) {
	if callback == nil {
		callback = func(error) {}
	}
	if !wp.isStarted.Load() {
		callback(ErrPoolStopped)
		return
	}

	wp.stats.queuedJobs.Add(1)
	wrapper := &jobWrapper{job: job, callback: callback, ctx: ctx}

	select {
	case wp.jobQueue <- wrapper:
	case <-ctx.Done():
		wp.stats.queuedJobs.Add(-1)
		callback(ctx.Err())
	case <-wp.quit:
		wp.stats.queuedJobs.Add(-1)
		callback(ErrPoolStopped)
	}
}

// GetStats returns current worker pool statistics
func (wp *WorkerPool) GetStats() *WorkerPoolStats {
	completed := wp.stats.completedJobs.Load()
	failed := wp.stats.failedJobs.Load()

	var avg time.Duration
	if n := completed + failed; n > 0 {
		avg = time.Duration(wp.stats.totalJobTime.Load() / n)
	}

	return &WorkerPoolStats{
		ActiveWorkers:  int(wp.stats.activeWorkers.Load()),
		BusyWorkers:    int(wp.stats.busyWorkers.Load()),
		QueuedJobs:     int(wp.stats.queuedJobs.Load()),
		CompletedJobs:  completed,
		FailedJobs:     failed,
		AvgJobDuration: avg,
	}
}

// dispatch distributes jobs to available workers
func (wp *WorkerPool) dispatch() {
	defer wp.wg.Done()

	for {
		select {
		case job := <-wp.jobQueue:
			wp.stats.queuedJobs.Add(-1)

			select {
			case jobChannel := <-wp.workerQueue:
				select {
				case jobChannel <- job:
				case <-wp.quit:
					job.callback(ErrPoolStopped)
					wp.drain()
					return
				}
			case <-wp.quit:
				job.callback(ErrPoolStopped)
				wp.drain()
				return
			}

		case <-wp.quit:
			wp.drain()
			return
		}
	}
}

// drain rejects every job left in the queue after shutdown.
func (wp *WorkerPool) drain() {
	for {
		select {
		case job := <-wp.jobQueue:
			wp.stats.queuedJobs.Add(-1)
			job.callback(ErrPoolStopped)
		default:
			return
		}
	}
}

// Start registers the worker as idle and processes jobs until the pool quits.
func (w *Worker) Start(done func()) {
	defer done()

	for {
		select {
		case w.WorkerQueue <- w.JobChannel:
		case <-w.quit:
			return
		}

		select {
		case job := <-w.JobChannel:
			w.processJob(job)
		case <-w.quit:
			return
		}
	}
}

// processJob runs a single job and reports the result to its callback
func (w *Worker) processJob(wrapper *jobWrapper) {
	start := time.Now()
	w.stats.busyWorkers.Add(1)
	defer w.stats.busyWorkers.Add(-1)

	w.logger.Debug("processing job",
		"worker_id", w.ID,
		"symbol", wrapper.job.Symbol,
		"interval", wrapper.job.Interval)

	err := w.handler(wrapper.ctx, wrapper.job)

	duration := time.Since(start)
	w.stats.totalJobTime.Add(duration.Nanoseconds())
	if err != nil {
		w.stats.failedJobs.Add(1)
	} else {
		w.stats.completedJobs.Add(1)
	}

	wrapper.callback(err)
}
