package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// DuckDBStorage implements FullStorage on an embedded DuckDB database.
type DuckDBStorage struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
	mu     sync.RWMutex

	upsertSQL string
}

// NewDuckDBStorage creates a new DuckDB storage instance.
// The dbPath can be ":memory:" for in-memory database or a file path for persistent storage.
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer: transactions from concurrent workers are serialized on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		db:        db,
		dbPath:    dbPath,
		logger:    logger.With("component", "storage", "backend", "duckdb"),
		upsertSQL: upsertBarSQL(),
	}, nil
}

// Initialize applies pending schema migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return err
	}

	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	if _, err := db.ExecContext(ctx, "SET enable_progress_bar = false"); err != nil {
		d.logger.Warn("failed to set configuration", "error", err)
	}

	if err := NewMigrationManager(db, d.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "", err)
	}
	return nil
}

// Migrations returns the migration manager for this database.
func (d *DuckDBStorage) Migrations() *MigrationManager {
	return NewMigrationManager(d.db, d.logger)
}

func (d *DuckDBStorage) conn() (*sql.DB, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.db == nil {
		return nil, errors.New("database connection is closed")
	}
	return d.db, nil
}

// Persist writes the series in one transaction, upserting every bar and reconciling the
// recorded gaps that touch the series span.
func (d *DuckDBStorage) Persist(ctx context.Context, series *models.Series) (int, error) {
	if series == nil || len(series.Bars) == 0 {
		return 0, nil
	}
	start := time.Now()

	db, err := d.conn()
	if err != nil {
		return 0, NewStorageError("persist", barsTable, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, NewStorageError("persist", barsTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	var before int64
	if err := tx.QueryRowContext(ctx, countBarsSQL, series.Symbol, string(series.Interval)).Scan(&before); err != nil {
		return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.FirstTimestamp(), Err: fmt.Errorf("count bars: %w", err)}
	}

	stmt, err := tx.PrepareContext(ctx, d.upsertSQL)
	if err != nil {
		return 0, NewStorageError("persist", barsTable, fmt.Errorf("failed to prepare upsert: %w", err))
	}
	defer stmt.Close()

	for i := range series.Bars {
		bar := &series.Bars[i]
		if err := bar.Validate(); err != nil {
			return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: bar.Timestamp, Err: err}
		}
		if _, err := stmt.ExecContext(ctx, barArgs(duckDBDialect, bar)...); err != nil {
			return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: bar.Timestamp, Err: err}
		}
	}

	if err := d.replaceGaps(ctx, tx, series); err != nil {
		return 0, err
	}

	var after int64
	if err := tx.QueryRowContext(ctx, countBarsSQL, series.Symbol, string(series.Interval)).Scan(&after); err != nil {
		return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.LastTimestamp(), Err: fmt.Errorf("count bars: %w", err)}
	}

	if err := tx.Commit(); err != nil {
		return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.LastTimestamp(), Err: fmt.Errorf("commit: %w", err)}
	}

	d.logger.Info("persisted series",
		"symbol", series.Symbol,
		"interval", series.Interval,
		"rows_before", before,
		"rows_after", after,
		"written", len(series.Bars),
		"gaps", len(series.Gaps),
		"duration", time.Since(start))

	return len(series.Bars), nil
}

// replaceGaps re-evaluates the recorded gaps touching the series span: they are deleted
// and whatever part of them the series does not cover is recorded again with the series gaps.
func (d *DuckDBStorage) replaceGaps(ctx context.Context, tx *sql.Tx, series *models.Series) error {
	gapErr := func(op string, err error) error {
		return &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.FirstTimestamp(), Err: fmt.Errorf("%s: %w", op, err)}
	}
	from, to := gapWindow(series)

	rows, err := tx.QueryContext(ctx, touchingGapsSQL, series.Symbol, string(series.Interval), from, to)
	if err != nil {
		return gapErr("load gaps", err)
	}
	var recorded []models.Gap
	for rows.Next() {
		gap, err := scanGap(rows)
		if err != nil {
			rows.Close()
			return gapErr("load gaps", err)
		}
		recorded = append(recorded, gap)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return gapErr("load gaps", err)
	}

	if _, err := tx.ExecContext(ctx, clearGapsSQL, series.Symbol, string(series.Interval), from, to); err != nil {
		return gapErr("clear gaps", err)
	}
	for _, gap := range reconcileGaps(recorded, series) {
		if _, err := tx.ExecContext(ctx, insertGapSQL,
			gap.Symbol, string(gap.Interval), gap.StartTime, gap.EndTime, gap.MissingBars); err != nil {
			return &ierrors.PersistError{Symbol: series.Symbol, Timestamp: gap.StartTime, Err: fmt.Errorf("record gap: %w", err)}
		}
	}
	return nil
}

// LoadBars implements Reader.LoadBars.
func (d *DuckDBStorage) LoadBars(ctx context.Context, symbol string, interval models.Interval, start, end int64) ([]models.EnrichedBar, error) {
	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(barsTable, err)
	}

	args := []any{symbol, string(interval), start}
	if end > 0 {
		args = append(args, end)
	}

	rows, err := db.QueryContext(ctx, selectBarsSQL(end > 0), args...)
	if err != nil {
		return nil, NewQueryError(barsTable, err)
	}
	defer rows.Close()

	var bars []models.EnrichedBar
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, NewQueryError(barsTable, fmt.Errorf("failed to scan row: %w", err))
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError(barsTable, err)
	}
	return bars, nil
}

// LatestTimestamp implements Reader.LatestTimestamp.
func (d *DuckDBStorage) LatestTimestamp(ctx context.Context, symbol string, interval models.Interval) (int64, bool, error) {
	db, err := d.conn()
	if err != nil {
		return 0, false, NewQueryError(barsTable, err)
	}

	var latest sql.NullInt64
	if err := db.QueryRowContext(ctx, latestBarSQL, symbol, string(interval)).Scan(&latest); err != nil {
		return 0, false, NewQueryError(barsTable, err)
	}
	return latest.Int64, latest.Valid, nil
}

// Count implements Reader.Count.
func (d *DuckDBStorage) Count(ctx context.Context, symbol string, interval models.Interval) (int64, error) {
	db, err := d.conn()
	if err != nil {
		return 0, NewQueryError(barsTable, err)
	}

	var n int64
	if err := db.QueryRowContext(ctx, countBarsSQL, symbol, string(interval)).Scan(&n); err != nil {
		return 0, NewQueryError(barsTable, err)
	}
	return n, nil
}

// LoadGaps implements Reader.LoadGaps.
func (d *DuckDBStorage) LoadGaps(ctx context.Context, symbol string, interval models.Interval) ([]models.Gap, error) {
	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(gapsTable, err)
	}

	rows, err := db.QueryContext(ctx, selectGapsSQL, symbol, string(interval))
	if err != nil {
		return nil, NewQueryError(gapsTable, err)
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		gap, err := scanGap(rows)
		if err != nil {
			return nil, NewQueryError(gapsTable, err)
		}
		gaps = append(gaps, gap)
	}
	return gaps, rows.Err()
}

// GetStats implements StorageManager.GetStats.
func (d *DuckDBStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	db, err := d.conn()
	if err != nil {
		return nil, NewQueryError(barsTable, err)
	}

	stats := &StorageStats{}
	if err := db.QueryRowContext(ctx, statsSQL).Scan(
		&stats.TotalBars, &stats.TotalSymbols, &stats.EarliestTimestamp, &stats.LatestTimestamp); err != nil {
		return nil, NewQueryError(barsTable, err)
	}
	if err := db.QueryRowContext(ctx, countGapsSQL).Scan(&stats.TotalGaps); err != nil {
		return nil, NewQueryError(gapsTable, err)
	}
	return stats, nil
}

// HealthCheck performs a lightweight query to verify database connectivity.
func (d *DuckDBStorage) HealthCheck(ctx context.Context) error {
	db, err := d.conn()
	if err != nil {
		return NewStorageError("health_check", "", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("database health check failed: %w", err))
	}
	return nil
}

// Close closes the database. Further calls return an error.
func (d *DuckDBStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	if err != nil {
		return NewStorageError("close", "", err)
	}
	d.logger.Info("DuckDB storage closed")
	return nil
}

var _ FullStorage = (*DuckDBStorage)(nil)
