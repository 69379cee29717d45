// Package checker re-fetches recently stored bars from the market-data source and compares
// them field by field with what the pipeline persisted.
//
// A comparison never modifies storage. Disagreements beyond the configured tolerance are
// reported as ConsistencyMismatchError values on the Report; only failures to fetch or to
// read storage are returned as errors.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/fetcher"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// Field names a compared bar column.
type Field string

const (
	FieldClose       Field = "close"
	FieldVolume      Field = "volume"
	FieldQuoteVolume Field = "quote_volume"
	FieldTradeCount  Field = "trade_count"
)

// Fields lists the compared columns in report order.
var Fields = []Field{FieldClose, FieldVolume, FieldQuoteVolume, FieldTradeCount}

// DefaultLookbackBars is the number of most recent stored bars re-checked per symbol.
const DefaultLookbackBars = 100

// DefaultTolerances returns the per-field percent tolerances.
func DefaultTolerances() map[Field]float64 {
	return map[Field]float64{
		FieldClose:       0.1,
		FieldVolume:      2.0,
		FieldQuoteVolume: 2.0,
		FieldTradeCount:  2.0,
	}
}

// SeriesFetcher is the subset of the fetcher used to re-read the source.
type SeriesFetcher interface {
	FetchSeriesWithStats(ctx context.Context, symbol string, start, end int64, interval models.Interval) (*models.Series, *fetcher.FetchStats, error)
}

// Config configures the checker.
type Config struct {
	// LookbackBars bounds the window to the most recent stored bars.
	LookbackBars int

	// Tolerances maps each field to the largest accepted percent error.
	Tolerances map[Field]float64
}

// ConfigFrom builds a checker configuration from the application configuration.
// Zero values fall back to the defaults.
func ConfigFrom(cfg config.ConsistencyConfig) *Config {
	out := &Config{LookbackBars: cfg.LookbackBars, Tolerances: DefaultTolerances()}
	if out.LookbackBars <= 0 {
		out.LookbackBars = DefaultLookbackBars
	}
	for field, v := range map[Field]float64{
		FieldClose:       cfg.CloseTolerancePct,
		FieldVolume:      cfg.VolumeTolerancePct,
		FieldQuoteVolume: cfg.QuoteVolumeTolerancePct,
		FieldTradeCount:  cfg.TradeCountTolerancePct,
	} {
		if v > 0 {
			out.Tolerances[field] = v
		}
	}
	return out
}

// Report is the result of checking one symbol.
type Report struct {
	Symbol   string          `json:"symbol"`
	Interval models.Interval `json:"interval"`
	Start    int64           `json:"start"`
	End      int64           `json:"end"`

	// Compared counts timestamps present on both sides.
	Compared     int `json:"compared"`
	MissingInDB  int `json:"missing_in_db"`
	MissingInAPI int `json:"missing_in_api"`

	// MaxErrorPct is the largest percent error seen per field.
	MaxErrorPct map[Field]float64 `json:"max_error_pct"`

	// MismatchCount counts out-of-tolerance values per field.
	MismatchCount map[Field]int `json:"mismatch_count"`

	Mismatches []*ierrors.ConsistencyMismatchError `json:"-"`

	// NotStored is set when storage holds nothing for the symbol; nothing was fetched.
	NotStored bool `json:"not_stored,omitempty"`
}

// OK reports whether every compared value is within tolerance and both sides agree on
// which timestamps exist.
func (r *Report) OK() bool {
	return len(r.Mismatches) == 0 && r.MissingInDB == 0 && r.MissingInAPI == 0
}

// Checker compares stored series with a fresh fetch.
type Checker struct {
	fetcher SeriesFetcher
	store   storage.Reader
	config  *Config
	logger  *slog.Logger
}

// New creates a checker. A nil cfg uses the defaults.
func New(f SeriesFetcher, store storage.Reader, cfg *Config, log *slog.Logger) *Checker {
	if cfg == nil {
		cfg = &Config{LookbackBars: DefaultLookbackBars, Tolerances: DefaultTolerances()}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		fetcher: f,
		store:   store,
		config:  cfg,
		logger:  log.With("component", "checker"),
	}
}

// Check compares the most recent LookbackBars stored bars of symbol with the source.
func (c *Checker) Check(ctx context.Context, symbol string, interval models.Interval) (*Report, error) {
	if !interval.Valid() {
		return nil, &ierrors.InvalidIntervalError{Interval: string(interval)}
	}

	ctx = logger.WithInterval(logger.WithSymbol(ctx, symbol), string(interval))
	log := logger.FromContext(ctx, c.logger)

	latest, ok, err := c.store.LatestTimestamp(ctx, symbol, interval)
	if err != nil {
		return nil, fmt.Errorf("latest stored bar for %s: %w", symbol, err)
	}
	if !ok {
		log.Warn("symbol not in storage")
		return &Report{Symbol: symbol, Interval: interval, NotStored: true}, nil
	}

	step := interval.Millis()
	end := latest + step
	start := end - int64(c.config.LookbackBars)*step
	if start < 0 {
		start = 0
	}

	stored, err := c.store.LoadBars(ctx, symbol, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("load stored bars for %s: %w", symbol, err)
	}

	started := time.Now()
	series, _, err := c.fetcher.FetchSeriesWithStats(ctx, symbol, start, end, interval)
	if err != nil {
		var stale *ierrors.StalePaginationError
		if !errors.As(err, &stale) || series == nil {
			return nil, fmt.Errorf("fetch %s: %w", symbol, err)
		}
		log.Warn("source stopped early; comparing partial window", "error", err)
	}

	report := Compare(symbol, interval, stored, series.Bars, c.config.Tolerances)
	report.Start, report.End = start, end

	for _, m := range report.Mismatches {
		log.Debug("value out of tolerance", "error", m)
	}
	for _, field := range Fields {
		if n := report.MismatchCount[field]; n > 0 {
			log.Warn("field out of tolerance",
				"field", field,
				"count", n,
				"max_error_pct", report.MaxErrorPct[field],
				"tolerance_pct", c.config.Tolerances[field])
		}
	}

	if report.OK() {
		log.Info("stored bars match source", "compared", report.Compared, "duration", time.Since(started))
	} else {
		log.Warn("stored bars differ from source",
			"compared", report.Compared,
			"missing_in_db", report.MissingInDB,
			"missing_in_api", report.MissingInAPI,
			"mismatches", len(report.Mismatches))
	}
	return report, nil
}

// CheckAll checks each symbol in turn. A symbol whose check fails is logged and left out of
// the result; the joined errors are returned alongside the reports that did complete.
func (c *Checker) CheckAll(ctx context.Context, symbols []string, interval models.Interval) ([]*Report, error) {
	var (
		reports []*Report
		errs    []error
	)
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		report, err := c.Check(ctx, symbol, interval)
		if err != nil {
			c.logger.Error("consistency check failed", "symbol", symbol, "error", err)
			errs = append(errs, err)
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

// Compare merges stored and fetched bars on timestamp and checks every compared field
// against its tolerance. Both slices must be sorted by timestamp.
func Compare(symbol string, interval models.Interval, stored []models.EnrichedBar, fetched []models.EnrichedBar, tolerances map[Field]float64) *Report {
	report := &Report{
		Symbol:        symbol,
		Interval:      interval,
		MaxErrorPct:   make(map[Field]float64, len(Fields)),
		MismatchCount: make(map[Field]int, len(Fields)),
	}

	i, j := 0, 0
	for i < len(stored) || j < len(fetched) {
		switch {
		case j >= len(fetched) || (i < len(stored) && stored[i].Timestamp < fetched[j].Timestamp):
			report.MissingInAPI++
			i++
		case i >= len(stored) || fetched[j].Timestamp < stored[i].Timestamp:
			report.MissingInDB++
			j++
		default:
			report.Compared++
			compareBar(report, &stored[i].Bar, &fetched[j].Bar, tolerances)
			i++
			j++
		}
	}
	return report
}

func compareBar(report *Report, db, api *models.Bar, tolerances map[Field]float64) {
	for _, field := range Fields {
		dbValue, apiValue := fieldValue(db, field), fieldValue(api, field)
		pct := ErrorPct(dbValue, apiValue)
		if pct > report.MaxErrorPct[field] {
			report.MaxErrorPct[field] = pct
		}
		tol := tolerances[field]
		if pct <= tol {
			continue
		}
		report.MismatchCount[field]++
		report.Mismatches = append(report.Mismatches, &ierrors.ConsistencyMismatchError{
			Symbol:       report.Symbol,
			Timestamp:    db.Timestamp,
			Field:        string(field),
			Stored:       dbValue.String(),
			Fetched:      apiValue.String(),
			ErrorPct:     pct,
			TolerancePct: tol,
		})
	}
}

func fieldValue(b *models.Bar, field Field) decimal.Decimal {
	switch field {
	case FieldClose:
		return b.Close
	case FieldVolume:
		return b.Volume
	case FieldQuoteVolume:
		return b.QuoteVolume
	case FieldTradeCount:
		return decimal.NewFromInt(b.TradeCount)
	}
	return decimal.Zero
}

var hundred = decimal.NewFromInt(100)

// ErrorPct returns |db - api| / api * 100, or 0 when api is zero.
func ErrorPct(db, api decimal.Decimal) float64 {
	if api.IsZero() {
		return 0
	}
	pct := db.Sub(api).Abs().Div(api.Abs()).Mul(hundred)
	f, _ := pct.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
