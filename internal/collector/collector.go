// Package collector orchestrates ingestion runs: for every symbol it fetches the missing
// range, enriches it with indicators and persists it, on a bounded worker pool.
//
// Symbols are independent. A failing symbol is reported in the run report and never aborts
// the run; cancelling the run context stops fetches at the next page boundary and marks the
// unfinished symbols Cancelled.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/indicators"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	// DefaultLookback is the backfill window used when nothing is stored for a symbol.
	DefaultLookback = 365 * 24 * time.Hour

	// DefaultWarmupBars is the number of stored bars used to seed indicators ahead of an
	// incremental range.
	DefaultWarmupBars = 250
)

// ErrNoSymbols is returned by Run when the request names no symbols.
var ErrNoSymbols = errors.New("no symbols to ingest")

// Config configures the collector behavior
type Config struct {
	WorkerCount int
	Lookback    time.Duration
	WarmupBars  int
	Logger      *slog.Logger

	// Anomalies scans each fetched series before enrichment; nil disables the scan.
	Anomalies AnomalyScanner

	// Now returns the current time; tests replace it.
	Now func() time.Time
}

// DefaultConfig returns a configuration with one worker per CPU.
func DefaultConfig() *Config {
	return ConfigFrom(config.DefaultConfig().Collector, slog.Default())
}

// ConfigFrom builds a collector configuration from the application configuration.
func ConfigFrom(cfg config.CollectorConfig, log *slog.Logger) *Config {
	return &Config{
		WorkerCount: cfg.Workers(),
		Lookback:    config.MustDuration(cfg.Lookback, DefaultLookback),
		WarmupBars:  cfg.WarmupBars,
		Logger:      log,
		Now:         time.Now,
	}
}

// RunReport is the result of one run: one terminal outcome per requested symbol, in
// request order.
type RunReport struct {
	RunID      string                      `json:"run_id"`
	Interval   models.Interval             `json:"interval"`
	StartedAt  time.Time                   `json:"started_at"`
	FinishedAt time.Time                   `json:"finished_at"`
	DurationMs int64                       `json:"duration_ms"`
	Summary    map[models.OutcomeState]int `json:"summary"`
	Outcomes   []*models.SymbolOutcome     `json:"outcomes"`
}

// Succeeded reports whether every symbol ended Done or PartialGap.
func (r *RunReport) Succeeded() bool {
	for _, o := range r.Outcomes {
		if !o.State.Succeeded() {
			return false
		}
	}
	return true
}

// Count returns the number of symbols that ended in state.
func (r *RunReport) Count(state models.OutcomeState) int {
	return r.Summary[state]
}

// Outcome returns the outcome for symbol, or nil.
func (r *RunReport) Outcome(symbol string) *models.SymbolOutcome {
	for _, o := range r.Outcomes {
		if o.Symbol == symbol {
			return o
		}
	}
	return nil
}

// Collector runs the Fetch, Enrich and Write pipeline for a set of symbols.
type Collector struct {
	config    *Config
	fetcher   SeriesFetcher
	store     Store
	publisher OutcomePublisher
	recorder  RunRecorder

	metrics    *metricsCollector
	lastReport atomic.Pointer[RunReport]

	logger *slog.Logger
}

// New creates a collector. publisher and recorder may be nil.
func New(fetcher SeriesFetcher, store Store, publisher OutcomePublisher, recorder RunRecorder, cfg *Config) *Collector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}

	return &Collector{
		config:    cfg,
		fetcher:   fetcher,
		store:     store,
		publisher: publisher,
		recorder:  recorder,
		metrics:   newMetricsCollector(),
		logger:    cfg.Logger.With("component", "collector"),
	}
}

// Run ingests every requested symbol and returns the run report. Symbol failures are
// reported in the outcomes, not as an error; Run only errors on an empty request.
func (c *Collector) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	symbols := uniqueSymbols(req.Symbols)
	if len(symbols) == 0 {
		return nil, ErrNoSymbols
	}

	ctx, runID := logger.NewRunContext(ctx)
	ctx = logger.WithInterval(ctx, string(req.Interval))
	log := logger.FromContext(ctx, c.logger)

	report := &RunReport{
		RunID:     runID,
		Interval:  req.Interval,
		StartedAt: c.config.Now().UTC(),
		Outcomes:  make([]*models.SymbolOutcome, len(symbols)),
	}
	bySymbol := make(map[string]*models.SymbolOutcome, len(symbols))
	for i, symbol := range symbols {
		outcome := models.NewSymbolOutcome(runID, symbol, req.Interval)
		report.Outcomes[i] = outcome
		bySymbol[symbol] = outcome
	}

	workers := c.config.WorkerCount
	if workers > len(symbols) {
		workers = len(symbols)
	}

	log.Info("starting ingestion run",
		"symbols", len(symbols),
		"workers", workers,
		"start", req.Start,
		"end", req.End)

	pool := NewWorkerPool(workers, func(ctx context.Context, job *WorkerJob) error {
		return c.ingestSymbol(ctx, job, bySymbol[job.Symbol])
	}, c.logger)
	if err := pool.Start(ctx); err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		job := &WorkerJob{Symbol: symbol, Interval: req.Interval, Start: req.Start, End: req.End}
		pool.Submit(ctx, job, func(err error) {
			defer wg.Done()
			outcome := bySymbol[job.Symbol]
			if outcome.State.IsTerminal() {
				return
			}
			// The job never started.
			reason := "run cancelled before symbol started"
			if err != nil {
				reason = fmt.Sprintf("%s: %v", reason, err)
			}
			_ = outcome.Cancel(reason)
			c.complete(ctx, outcome)
		})
	}
	wg.Wait()

	if err := pool.Stop(context.Background()); err != nil {
		log.Warn("failed to stop worker pool", "error", err)
	}

	report.FinishedAt = c.config.Now().UTC()
	report.DurationMs = report.FinishedAt.Sub(report.StartedAt).Milliseconds()
	report.Summary = make(map[models.OutcomeState]int)
	for _, o := range report.Outcomes {
		report.Summary[o.State]++
	}

	c.metrics.recordRun(report.FinishedAt)
	c.lastReport.Store(report)

	if c.recorder != nil {
		if err := c.recorder.Record(report); err != nil {
			log.Warn("failed to record run report", "error", err)
		}
	}

	log.Info("ingestion run finished",
		"duration_ms", report.DurationMs,
		"done", report.Count(models.StateDone),
		"partial_gap", report.Count(models.StatePartialGap),
		"failed", report.Count(models.StateFailed),
		"cancelled", report.Count(models.StateCancelled))

	return report, nil
}

// ingestSymbol runs one symbol through Fetching, Enriching and Writing. The returned error
// is nil only when the symbol ended Done or PartialGap.
func (c *Collector) ingestSymbol(ctx context.Context, job *WorkerJob, outcome *models.SymbolOutcome) error {
	ctx = logger.WithSymbol(ctx, job.Symbol)
	log := logger.FromContext(ctx, c.logger)
	defer c.complete(ctx, outcome)

	if err := ctx.Err(); err != nil {
		_ = outcome.Cancel("run cancelled before symbol started")
		return err
	}

	if err := outcome.Transition(models.StateFetching); err != nil {
		return err
	}

	start, end, err := c.resolveRange(ctx, job)
	if err != nil {
		if isCancellation(ctx, err) {
			_ = outcome.Cancel(err.Error())
			return err
		}
		_ = outcome.Fail(fmt.Sprintf("resolve range: %v", err))
		return err
	}

	series, err := c.fetch(ctx, job, outcome, start, end)
	if err != nil {
		return err
	}
	stale := outcome.Reason

	if err := outcome.Transition(models.StateEnriching); err != nil {
		return err
	}
	c.scanAnomalies(ctx, series)
	enriched, err := c.enrich(ctx, series, start)
	if err != nil {
		_ = outcome.Fail(fmt.Sprintf("enrich: %v", err))
		return err
	}
	outcome.Gaps = enriched.Gaps

	if err := outcome.Transition(models.StateWriting); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = outcome.Cancel("run cancelled before write")
		return err
	}

	written, err := c.store.Persist(ctx, enriched)
	if err != nil {
		if isCancellation(ctx, err) {
			_ = outcome.Cancel(err.Error())
			return err
		}
		log.Error("persist failed", "error", err)
		_ = outcome.Fail(err.Error())
		return err
	}
	outcome.BarsWritten = written

	return outcome.Finish(stale)
}

// fetch pulls [start, end) for the job. A stale page still yields the bars collected so far;
// its reason is left in outcome.Reason for Finish. Any other error ends the outcome.
func (c *Collector) fetch(ctx context.Context, job *WorkerJob, outcome *models.SymbolOutcome, start, end int64) (*models.Series, error) {
	log := logger.FromContext(ctx, c.logger)

	if start >= end && job.Interval.Valid() {
		log.Debug("symbol is up to date", "start", start, "end", end)
		return models.NewSeries(job.Symbol, job.Interval, nil), nil
	}

	series, stats, err := c.fetcher.FetchSeriesWithStats(ctx, job.Symbol, start, end, job.Interval)
	if stats != nil {
		outcome.Attempts = stats.Attempts
		outcome.Skipped = stats.Skipped
	}
	if series != nil {
		outcome.BarsFetched = series.Len()
	}
	if err == nil {
		return series, nil
	}

	var stalePage *ierrors.StalePaginationError
	switch {
	case errors.As(err, &stalePage) && series != nil:
		log.Warn("keeping bars fetched before stale page", "bars", series.Len(), "error", err)
		outcome.Reason = err.Error()
		return series, nil
	case isCancellation(ctx, err):
		_ = outcome.Cancel(err.Error())
		return nil, err
	default:
		log.Error("fetch failed", "error", err)
		_ = outcome.Fail(err.Error())
		return nil, err
	}
}

// resolveRange returns the fetch range for a job. Explicit bounds are used as given;
// otherwise the range resumes after the latest stored bar and ends at the start of the
// bucket that is still open.
func (c *Collector) resolveRange(ctx context.Context, job *WorkerJob) (int64, int64, error) {
	end := job.End
	if end == 0 {
		end = job.Interval.Truncate(c.config.Now().UnixMilli())
	}
	if job.Start > 0 {
		return job.Start, end, nil
	}

	latest, ok, err := c.store.LatestTimestamp(ctx, job.Symbol, job.Interval)
	if err != nil {
		return 0, 0, err
	}
	if ok {
		return latest + job.Interval.Millis(), end, nil
	}
	return job.Interval.Truncate(end - c.config.Lookback.Milliseconds()), end, nil
}

// enrich computes indicators for series. Up to WarmupBars stored bars before start are
// prepended so indicators continue across runs; only the bars of series are returned.
func (c *Collector) enrich(ctx context.Context, series *models.Series, start int64) (*models.Series, error) {
	if err := series.Validate(); err != nil && series.Len() > 0 {
		return nil, err
	}
	if c.config.WarmupBars <= 0 || series.Len() == 0 {
		return indicators.Enrich(series), nil
	}

	log := logger.FromContext(ctx, c.logger)
	step := series.Interval.Millis()
	from := start - int64(c.config.WarmupBars)*step

	history, err := c.store.LoadBars(ctx, series.Symbol, series.Interval, from, series.FirstTimestamp())
	if err != nil {
		log.Warn("failed to load warm-up history, enriching without it", "error", err)
		return indicators.Enrich(series), nil
	}
	if len(history) == 0 {
		return indicators.Enrich(series), nil
	}

	combined := &models.Series{
		Symbol:   series.Symbol,
		Interval: series.Interval,
		Bars:     make([]models.EnrichedBar, 0, len(history)+series.Len()),
	}
	for _, h := range history {
		combined.Bars = append(combined.Bars, models.EnrichedBar{Bar: h.Bar})
	}
	combined.Bars = append(combined.Bars, series.Bars...)

	enriched := indicators.Enrich(combined)
	out := &models.Series{
		Symbol:   series.Symbol,
		Interval: series.Interval,
		Bars:     enriched.Bars[len(history):],
	}

	prev := history[len(history)-1].Timestamp
	if next := series.FirstTimestamp(); next > prev+step {
		if gap, err := models.NewGap(series.Symbol, series.Interval, prev, next); err == nil {
			out.Gaps = append(out.Gaps, *gap)
		}
	}
	out.Gaps = append(out.Gaps, series.Gaps...)

	log.Debug("enriched with stored history", "history_bars", len(history), "bars", out.Len())
	return out, nil
}

// scanAnomalies logs every anomaly found in series. Scan failures are logged and ignored.
func (c *Collector) scanAnomalies(ctx context.Context, series *models.Series) {
	if c.config.Anomalies == nil || series.Len() < 2 {
		return
	}
	log := logger.FromContext(ctx, c.logger)

	anomalies, err := c.config.Anomalies.Scan(ctx, series)
	if err != nil {
		log.Warn("anomaly scan failed", "error", err)
		return
	}
	for _, a := range anomalies {
		log.Warn("anomalous bar",
			"type", a.Type,
			"timestamp", a.Timestamp,
			"value", a.Value,
			"previous", a.Previous,
			"ratio", a.Ratio.StringFixed(2))
	}
	c.metrics.recordAnomalies(len(anomalies))
}

// complete records a terminal outcome and publishes it.
func (c *Collector) complete(ctx context.Context, outcome *models.SymbolOutcome) {
	if !outcome.State.IsTerminal() {
		return
	}
	c.metrics.recordOutcome(outcome)

	log := logger.FromContext(ctx, c.logger)
	log.Info("symbol finished",
		"state", outcome.State,
		"reason", outcome.Reason,
		"bars_fetched", outcome.BarsFetched,
		"bars_written", outcome.BarsWritten,
		"gaps", len(outcome.Gaps),
		"duration", outcome.Duration)

	if err := c.publisher.Publish(context.WithoutCancel(ctx), outcome); err != nil {
		log.Warn("failed to publish outcome", "error", err)
	}
}

// Metrics returns a snapshot of collection statistics.
func (c *Collector) Metrics() *CollectionMetrics {
	return c.metrics.getMetrics()
}

// LastReport returns the report of the most recent run, or nil before the first run.
func (c *Collector) LastReport() *RunReport {
	return c.lastReport.Load()
}

// Close closes the outcome publisher.
func (c *Collector) Close() error {
	return c.publisher.Close()
}

func isCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func uniqueSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
