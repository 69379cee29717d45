// Package storage persists enriched series. Every backend applies a series inside one
// transaction keyed by (symbol, interval, timestamp), overwriting every mutable field on
// conflict so that re-running ingestion over an overlapping range converges.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Writer applies enriched series to storage.
type Writer interface {
	// Persist writes every bar and detected gap of the series in one transaction and
	// returns the number of bars written. A failing row rolls the whole call back and is
	// reported as *errors.PersistError.
	Persist(ctx context.Context, series *models.Series) (int, error)
}

// Reader reads stored bars back.
type Reader interface {
	// LoadBars returns the stored bars of symbol/interval with start <= timestamp < end,
	// ordered by timestamp. An end of 0 means no upper bound.
	LoadBars(ctx context.Context, symbol string, interval models.Interval, start, end int64) ([]models.EnrichedBar, error)

	// LatestTimestamp returns the newest stored timestamp. ok is false when nothing is stored.
	LatestTimestamp(ctx context.Context, symbol string, interval models.Interval) (ts int64, ok bool, err error)

	// Count returns the number of stored bars for symbol/interval.
	Count(ctx context.Context, symbol string, interval models.Interval) (int64, error)

	// LoadGaps returns the gaps recorded for symbol/interval, ordered by start time.
	LoadGaps(ctx context.Context, symbol string, interval models.Interval) ([]models.Gap, error)
}

// StorageManager handles storage lifecycle and operational concerns.
type StorageManager interface {
	// Initialize prepares the schema. It is idempotent.
	Initialize(ctx context.Context) error

	// Close releases connections. The instance must not be used afterwards.
	Close() error

	// GetStats returns volume statistics about stored data.
	GetStats(ctx context.Context) (*StorageStats, error)

	HealthChecker
}

// HealthChecker provides health monitoring capabilities for storage backends.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// FullStorage combines all storage capabilities into a single interface.
type FullStorage interface {
	Writer
	Reader
	StorageManager
}

// StorageStats provides operational statistics about stored bars.
type StorageStats struct {
	TotalBars         int64 `json:"total_bars"`
	TotalSymbols      int   `json:"total_symbols"`
	TotalGaps         int64 `json:"total_gaps"`
	EarliestTimestamp int64 `json:"earliest_timestamp"`
	LatestTimestamp   int64 `json:"latest_timestamp"`
}

// StorageError represents errors that occur during storage operations.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "persist", "load")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table string, err error) *StorageError {
	return &StorageError{Operation: operation, Table: table, Err: err}
}

// NewQueryError creates a StorageError specifically for read operations.
func NewQueryError(table string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Err: err}
}

// Open creates and initializes the backend selected by cfg.Type.
func Open(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (FullStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store FullStorage
		err   error
	)
	switch cfg.Type {
	case "duckdb":
		store, err = NewDuckDBStorage(cfg.DatabaseURL, logger)
	case "postgres":
		store, err = NewPostgresStorage(ctx, cfg, logger)
	case "memory":
		store = NewMemoryStorage()
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func seriesKey(symbol string, interval models.Interval) string {
	return symbol + "/" + string(interval)
}
