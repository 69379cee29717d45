// Package fetcher drives a paginated klines source over a time range and assembles the
// rows into one ordered, de-duplicated series.
//
// The fetcher owns the cursor, the stale-page guard, request pacing through the shared
// throttle and the retry policy for transient failures. Cancellation of the run context is
// observed between pages; an in-flight request is bounded only by the per-page timeout.
package fetcher

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingest/internal/gaps"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ratelimit"
)

const (
	defaultPageSize    = 1000
	defaultPageTimeout = 5 * time.Second
)

// ErrInvalidRange is returned when the requested start is not before the end.
var ErrInvalidRange = errors.New("start must be before end")

// FetchStats describes the work done by one FetchSeries call.
type FetchStats struct {
	Pages    int  `json:"pages"`
	Attempts int  `json:"attempts"`
	Skipped  int  `json:"rows_skipped"`
	Stale    bool `json:"stale"`
}

// cursor is the pagination state of one fetch. It is never persisted.
type cursor struct {
	next            int64
	lastTimestamp   int64
	lastFingerprint [md5.Size]byte
	havePage        bool
}

// Fetcher pulls complete series from a KlineSource.
type Fetcher struct {
	source      exchange.KlineSource
	throttle    *ratelimit.Throttle
	retry       *ierrors.RetryPolicy
	detector    *gaps.Detector
	pageSize    int
	pageTimeout time.Duration
	logger      *slog.Logger
}

// New creates a fetcher. The throttle and retry policy are shared with every other
// fetcher in the process.
func New(source exchange.KlineSource, throttle *ratelimit.Throttle, retry *ierrors.RetryPolicy, cfg config.ExchangeConfig, log *slog.Logger) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Fetcher{
		source:      source,
		throttle:    throttle,
		retry:       retry,
		detector:    gaps.NewDetector(log),
		pageSize:    pageSize,
		pageTimeout: config.MustDuration(cfg.RequestTimeout, defaultPageTimeout),
		logger:      log.With("component", "fetcher"),
	}
}

// FetchSeries returns every bar of symbol in [start, end) at the given interval.
// See FetchSeriesWithStats.
func (f *Fetcher) FetchSeries(ctx context.Context, symbol string, start, end int64, interval models.Interval) (*models.Series, error) {
	series, _, err := f.FetchSeriesWithStats(ctx, symbol, start, end, interval)
	return series, err
}

// FetchSeriesWithStats returns every bar of symbol in [start, end) together with counters
// describing the fetch.
//
// The returned series is sorted, free of duplicate timestamps and carries the gaps found
// between consecutive bars. When a later error stops pagination (a stale page, retry
// exhaustion, cancellation) the bars collected so far are still returned alongside it.
func (f *Fetcher) FetchSeriesWithStats(ctx context.Context, symbol string, start, end int64, interval models.Interval) (*models.Series, *FetchStats, error) {
	stats := &FetchStats{}

	if !interval.Valid() {
		return nil, stats, &ierrors.InvalidIntervalError{Interval: string(interval)}
	}
	if symbol == "" {
		return nil, stats, &models.ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if start >= end {
		return nil, stats, fmt.Errorf("fetch %s [%d, %d): %w", symbol, start, end, ErrInvalidRange)
	}

	ctx = logger.WithInterval(logger.WithSymbol(ctx, symbol), string(interval))
	log := logger.FromContext(ctx, f.logger)
	step := interval.Millis()

	cur := cursor{next: start, lastTimestamp: -1}
	var collected []models.Bar

	finish := func(err error) (*models.Series, *FetchStats, error) {
		return f.assemble(symbol, interval, start, end, collected), stats, err
	}

	for cur.next < end {
		if err := ctx.Err(); err != nil {
			log.Info("fetch cancelled at page boundary", "cursor", cur.next, "bars", len(collected))
			return finish(fmt.Errorf("fetch %s cancelled at cursor %d: %w", symbol, cur.next, err))
		}

		req := exchange.PageRequest{
			Symbol:    symbol,
			Interval:  interval,
			StartTime: cur.next,
			EndTime:   end,
			Limit:     f.pageSize,
		}

		page, attempts, err := f.fetchPage(ctx, req)
		stats.Attempts += attempts
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				log.Info("fetch cancelled while waiting", "cursor", cur.next, "bars", len(collected))
				return finish(fmt.Errorf("fetch %s cancelled at cursor %d: %w", symbol, cur.next, err))
			}
			if ierrors.IsRetryable(err) {
				log.Error("page retries exhausted", "cursor", cur.next, "attempts", attempts, "error", err)
				return finish(&ierrors.FetchExhaustedError{Symbol: symbol, Attempts: attempts, Err: err})
			}
			log.Error("page request failed", "cursor", cur.next, "error", err)
			return finish(fmt.Errorf("fetch %s page at %d: %w", symbol, cur.next, err))
		}

		stats.Pages++
		stats.Skipped += page.Skipped

		if len(page.Bars) == 0 {
			if page.Skipped == 0 {
				log.Debug("empty page, range exhausted", "cursor", cur.next)
				break
			}
			// Every row was malformed; step over the rows the source sent.
			cur.next += int64(page.Skipped) * step
			continue
		}

		fingerprint := md5.Sum(page.Raw)
		last := page.LastTimestamp()
		repeated := cur.havePage && (last == cur.lastTimestamp || fingerprint == cur.lastFingerprint)
		if repeated || last+step <= cur.next {
			stats.Stale = true
			log.Warn("stale pagination, stopping", "cursor", cur.next, "last_timestamp", last, "bars", len(collected))
			return finish(&ierrors.StalePaginationError{Symbol: symbol, Cursor: cur.next, LastTimestamp: last})
		}

		collected = append(collected, page.Bars...)
		cur.lastTimestamp = last
		cur.lastFingerprint = fingerprint
		cur.havePage = true
		cur.next = last + step

		log.Debug("page fetched", "rows", len(page.Bars), "next_cursor", cur.next)
	}

	return finish(nil)
}

// fetchPage performs one page request under the shared throttle and retry policy.
// Each attempt runs under its own timeout that is detached from run cancellation.
func (f *Fetcher) fetchPage(ctx context.Context, req exchange.PageRequest) (*exchange.Page, int, error) {
	var page *exchange.Page

	attempts, err := f.retry.Do(ctx, "fetcher", "fetch_page", func() error {
		if err := f.throttle.Wait(ctx); err != nil {
			return err
		}

		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.pageTimeout)
		defer cancel()

		p, err := f.source.FetchPage(reqCtx, req)
		if p != nil {
			f.throttle.Record(p.UsedWeight)
		} else {
			f.throttle.Record(-1)
		}
		if err != nil {
			return err
		}
		page = p
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return page, attempts, nil
}

// assemble filters rows to [start, end), sorts and de-duplicates them, and attaches gaps.
func (f *Fetcher) assemble(symbol string, interval models.Interval, start, end int64, bars []models.Bar) *models.Series {
	inRange := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if b.Timestamp < start || b.Timestamp >= end {
			continue
		}
		inRange = append(inRange, b)
	}

	series := models.NewSeries(symbol, interval, inRange)
	series.Gaps = f.detector.DetectInSeries(series)
	return series
}
