package collector

import (
	"context"

	"github.com/johnayoung/go-ohlcv-ingest/internal/fetcher"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
	"github.com/johnayoung/go-ohlcv-ingest/internal/validator"
)

// SeriesFetcher pulls a complete series for one symbol over [start, end).
// *fetcher.Fetcher is the production implementation.
type SeriesFetcher interface {
	FetchSeriesWithStats(ctx context.Context, symbol string, start, end int64, interval models.Interval) (*models.Series, *fetcher.FetchStats, error)
}

// Store is the storage surface the collector writes to and reads history from.
type Store interface {
	storage.Writer
	storage.Reader
}

// AnomalyScanner flags suspicious bars in a fetched series. Anomalies are logged and
// counted; they never stop a symbol. *validator.Detector is the production implementation.
type AnomalyScanner interface {
	Scan(ctx context.Context, series *models.Series) ([]validator.Anomaly, error)
}

// OutcomePublisher receives every terminal SymbolOutcome of a run.
// Publishing is best effort: errors are logged and never change the outcome.
type OutcomePublisher interface {
	Publish(ctx context.Context, outcome *models.SymbolOutcome) error
	Close() error
}

// RunRecorder persists the report of a finished run.
type RunRecorder interface {
	Record(report *RunReport) error
}

// RunRequest describes one ingestion run.
type RunRequest struct {
	Symbols  []string
	Interval models.Interval

	// Start and End bound the run in Unix milliseconds. A zero Start makes the run
	// incremental: each symbol resumes one interval after its latest stored bar, or at
	// End minus the configured lookback when nothing is stored. A zero End means now.
	Start int64
	End   int64
}

// nopPublisher discards outcomes.
type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *models.SymbolOutcome) error { return nil }
func (nopPublisher) Close() error                                         { return nil }
