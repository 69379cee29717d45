package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// boundarySettle delays an aligned run past the bucket boundary so the bucket that just
// closed is served by the source.
const boundarySettle = 2 * time.Second

// Runner executes one ingestion run. *Collector implements it.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*RunReport, error)
}

// SymbolSource supplies the symbols for each scheduled run.
type SymbolSource func(ctx context.Context) ([]string, error)

// StaticSymbols returns a SymbolSource that always yields symbols.
func StaticSymbols(symbols []string) SymbolSource {
	return func(context.Context) ([]string, error) {
		return symbols, nil
	}
}

// SchedulerConfig configures the scheduler behavior
type SchedulerConfig struct {
	Intervals []models.Interval

	// Frequency is the time between runs of an interval; zero means one run per bucket.
	Frequency time.Duration

	// AlignToInterval fires runs on bucket boundaries instead of relative to Start.
	AlignToInterval bool

	// RunTimeout bounds a single run; zero means no bound.
	RunTimeout time.Duration
}

// SchedulerConfigFrom builds a scheduler configuration from the application configuration.
func SchedulerConfigFrom(cfg config.SchedulerConfig) (*SchedulerConfig, error) {
	out := &SchedulerConfig{
		Frequency:       config.MustDuration(cfg.Frequency, 0),
		AlignToInterval: cfg.AlignToInterval,
		RunTimeout:      config.MustDuration(cfg.RunTimeout, 0),
	}
	for _, s := range cfg.Intervals {
		iv, err := models.ParseInterval(s)
		if err != nil {
			return nil, err
		}
		out.Intervals = append(out.Intervals, iv)
	}
	if len(out.Intervals) == 0 {
		return nil, fmt.Errorf("scheduler needs at least one interval")
	}
	return out, nil
}

// SchedulerStats provides scheduler performance metrics
type SchedulerStats struct {
	TotalRuns     int64                         `json:"total_runs"`
	FailedRuns    int64                         `json:"failed_runs"`
	LastRunTime   time.Time                     `json:"last_run_time"`
	NextRunTimes  map[models.Interval]time.Time `json:"next_run_times"`
	UptimeSeconds int64                         `json:"uptime_seconds"`
}

// Scheduler repeats incremental runs for each configured interval. Runs of one interval
// never overlap; different intervals run independently.
type Scheduler struct {
	config  *SchedulerConfig
	runner  Runner
	symbols SymbolSource
	logger  *slog.Logger

	now func() time.Time

	isRunning atomic.Bool
	startTime time.Time

	totalRuns  atomic.Int64
	failedRuns atomic.Int64

	statsMu     sync.RWMutex
	lastRunTime time.Time
	nextRuns    map[models.Interval]time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg *SchedulerConfig, runner Runner, symbols SymbolSource, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config:   cfg,
		runner:   runner,
		symbols:  symbols,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
		nextRuns: make(map[models.Interval]time.Time),
	}
}

// Start launches one scheduling loop per interval.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler is already running")
	}

	s.startTime = s.now()
	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("starting scheduler",
		"intervals", s.config.Intervals,
		"frequency", s.config.Frequency,
		"align_to_interval", s.config.AlignToInterval)

	for _, interval := range s.config.Intervals {
		s.wg.Add(1)
		go s.loop(ctx, interval)
	}
	return nil
}

// Stop cancels the loops, which cancels any run in progress, and waits for them to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return fmt.Errorf("scheduler is not running")
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out", "error", ctx.Err())
		return ctx.Err()
	}
}

// IsRunning returns whether the scheduler is currently running
func (s *Scheduler) IsRunning() bool {
	return s.isRunning.Load()
}

// GetStats returns current scheduler statistics
func (s *Scheduler) GetStats() SchedulerStats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()

	next := make(map[models.Interval]time.Time, len(s.nextRuns))
	for k, v := range s.nextRuns {
		next[k] = v
	}

	var uptime int64
	if !s.startTime.IsZero() {
		uptime = int64(s.now().Sub(s.startTime).Seconds())
	}

	return SchedulerStats{
		TotalRuns:     s.totalRuns.Load(),
		FailedRuns:    s.failedRuns.Load(),
		LastRunTime:   s.lastRunTime,
		NextRunTimes:  next,
		UptimeSeconds: uptime,
	}
}

// RunOnce performs a single incremental run for interval.
func (s *Scheduler) RunOnce(ctx context.Context, interval models.Interval) (*RunReport, error) {
	if s.config.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RunTimeout)
		defer cancel()
	}

	symbols, err := s.symbols(ctx)
	if err != nil {
		s.failedRuns.Add(1)
		return nil, fmt.Errorf("resolve symbols: %w", err)
	}

	report, err := s.runner.Run(ctx, RunRequest{Symbols: symbols, Interval: interval})

	s.totalRuns.Add(1)
	s.statsMu.Lock()
	s.lastRunTime = s.now()
	s.statsMu.Unlock()

	if err != nil || !report.Succeeded() {
		s.failedRuns.Add(1)
	}
	return report, err
}

func (s *Scheduler) loop(ctx context.Context, interval models.Interval) {
	defer s.wg.Done()

	log := s.logger.With("interval", interval)

	for {
		next := s.nextRunTime(s.now(), interval)
		s.statsMu.Lock()
		s.nextRuns[interval] = next
		s.statsMu.Unlock()

		log.Debug("next run scheduled", "next_run", next)

		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info("scheduling loop stopped")
			return
		case <-timer.C:
		}

		report, err := s.RunOnce(ctx, interval)
		switch {
		case err != nil:
			log.Error("scheduled run failed", "error", err)
		case !report.Succeeded():
			log.Warn("scheduled run finished with failures",
				"run_id", report.RunID,
				"failed", report.Count(models.StateFailed),
				"cancelled", report.Count(models.StateCancelled))
		default:
			log.Info("scheduled run completed", "run_id", report.RunID, "duration_ms", report.DurationMs)
		}
	}
}

// nextRunTime returns when the next run for interval is due after now.
func (s *Scheduler) nextRunTime(now time.Time, interval models.Interval) time.Time {
	every := s.config.Frequency
	if every <= 0 {
		every = interval.Duration()
	}
	if !s.config.AlignToInterval {
		return now.Add(every)
	}
	return calculateNextBoundaryTime(now, every).Add(boundarySettle)
}

// calculateNextBoundaryTime returns the first multiple of every after current, measured in
// UTC. A daily period aligns to midnight UTC.
func calculateNextBoundaryTime(current time.Time, every time.Duration) time.Time {
	return current.UTC().Truncate(every).Add(every)
}
