package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

// PostgresStorage implements FullStorage on PostgreSQL through a pgx connection pool.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	upsertSQL string
}

// ConnectPostgres creates a connection pool and verifies it with a ping.
func ConnectPostgres(ctx context.Context, cfg config.StorageConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStorage connects to the database named by cfg.DatabaseURL.
func NewPostgresStorage(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*PostgresStorage, error) {
	pool, err := ConnectPostgres(ctx, cfg)
	if err != nil {
		return nil, NewStorageError("open", "", err)
	}
	return NewPostgresStorageFromPool(pool, logger), nil
}

// NewPostgresStorageFromPool wraps an existing pool. Close closes the pool.
func NewPostgresStorageFromPool(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStorage {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStorage{
		pool:      pool,
		logger:    logger.With("component", "storage", "backend", "postgres"),
		upsertSQL: upsertBarSQL(),
	}
}

// MigratePostgres applies the embedded goose migrations and returns the resulting version.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return 0, fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return 0, fmt.Errorf("goose up: %w", err)
	}
	return goose.GetDBVersionContext(ctx, db)
}

// Initialize applies pending schema migrations.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	version, err := MigratePostgres(ctx, p.pool)
	if err != nil {
		return NewStorageError("initialize", "", err)
	}
	p.logger.Info("PostgreSQL storage initialized", "schema_version", version)
	return nil
}

// Persist writes the series in one transaction. Rows are sent as a single pgx batch.
func (p *PostgresStorage) Persist(ctx context.Context, series *models.Series) (int, error) {
	if series == nil || len(series.Bars) == 0 {
		return 0, nil
	}
	start := time.Now()

	for i := range series.Bars {
		if err := series.Bars[i].Validate(); err != nil {
			return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.Bars[i].Timestamp, Err: err}
		}
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, NewStorageError("persist", barsTable, fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	var before int64
	if err := tx.QueryRow(ctx, countBarsSQL, series.Symbol, string(series.Interval)).Scan(&before); err != nil {
		return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.FirstTimestamp(), Err: fmt.Errorf("count bars: %w", err)}
	}

	from, to := gapWindow(series)
	recorded, err := p.touchingGaps(ctx, tx, series, from, to)
	if err != nil {
		return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.FirstTimestamp(), Err: fmt.Errorf("load gaps: %w", err)}
	}

	batch := &pgx.Batch{}
	for i := range series.Bars {
		batch.Queue(p.upsertSQL, barArgs(postgresDialect, &series.Bars[i])...)
	}
	batch.Queue(clearGapsSQL, series.Symbol, string(series.Interval), from, to)
	for _, gap := range reconcileGaps(recorded, series) {
		batch.Queue(insertGapSQL, gap.Symbol, string(gap.Interval), gap.StartTime, gap.EndTime, gap.MissingBars)
	}

	if err := p.execBatch(ctx, tx, batch, series); err != nil {
		return 0, err
	}

	var after int64
	if err := tx.QueryRow(ctx, countBarsSQL, series.Symbol, string(series.Interval)).Scan(&after); err != nil {
		return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.LastTimestamp(), Err: fmt.Errorf("count bars: %w", err)}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.LastTimestamp(), Err: fmt.Errorf("commit: %w", err)}
	}

	p.logger.Info("persisted series",
		"symbol", series.Symbol,
		"interval", series.Interval,
		"rows_before", before,
		"rows_after", after,
		"written", len(series.Bars),
		"gaps", len(series.Gaps),
		"duration", time.Since(start))

	return len(series.Bars), nil
}

// touchingGaps loads the recorded gaps overlapping or bordering [from, to].
func (p *PostgresStorage) touchingGaps(ctx context.Context, tx pgx.Tx, series *models.Series, from, to int64) ([]models.Gap, error) {
	rows, err := tx.Query(ctx, touchingGapsSQL, series.Symbol, string(series.Interval), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gaps []models.Gap
	for rows.Next() {
		gap, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		gaps = append(gaps, gap)
	}
	return gaps, rows.Err()
}

// execBatch reads every batch result and maps the first failure to the row that caused it.
func (p *PostgresStorage) execBatch(ctx context.Context, tx pgx.Tx, batch *pgx.Batch, series *models.Series) error {
	results := tx.SendBatch(ctx, batch)

	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			ts := series.LastTimestamp()
			if i < len(series.Bars) {
				ts = series.Bars[i].Timestamp
			}
			return &ierrors.PersistError{Symbol: series.Symbol, Timestamp: ts, Err: err}
		}
	}
	return results.Close()
}

// LoadBars implements Reader.LoadBars.
func (p *PostgresStorage) LoadBars(ctx context.Context, symbol string, interval models.Interval, start, end int64) ([]models.EnrichedBar, error) {
	args := []any{symbol, string(interval), start}
	if end > 0 {
		args = append(args, end)
	}

	rows, err := p.pool.Query(ctx, selectBarsSQL(end > 0), args...)
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
func (p *PostgresStorage) LatestTimestamp(ctx context.Context, symbol string, interval models.Interval) (int64, bool, error) {
	var latest *int64
	if err := p.pool.QueryRow(ctx, latestBarSQL, symbol, string(interval)).Scan(&latest); err != nil {
		return 0, false, NewQueryError(barsTable, err)
	}
	if latest == nil {
		return 0, false, nil
	}
	return *latest, true, nil
}

// Count implements Reader.Count.
func (p *PostgresStorage) Count(ctx context.Context, symbol string, interval models.Interval) (int64, error) {
	var n int64
	if err := p.pool.QueryRow(ctx, countBarsSQL, symbol, string(interval)).Scan(&n); err != nil {
		return 0, NewQueryError(barsTable, err)
	}
	return n, nil
}

// LoadGaps implements Reader.LoadGaps.
func (p *PostgresStorage) LoadGaps(ctx context.Context, symbol string, interval models.Interval) ([]models.Gap, error) {
	rows, err := p.pool.Query(ctx, selectGapsSQL, symbol, string(interval))
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
func (p *PostgresStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	stats := &StorageStats{}
	if err := p.pool.QueryRow(ctx, statsSQL).Scan(
		&stats.TotalBars, &stats.TotalSymbols, &stats.EarliestTimestamp, &stats.LatestTimestamp); err != nil {
		return nil, NewQueryError(barsTable, err)
	}
	if err := p.pool.QueryRow(ctx, countGapsSQL).Scan(&stats.TotalGaps); err != nil {
		return nil, NewQueryError(gapsTable, err)
	}
	return stats, nil
}

// HealthCheck pings the pool.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	if p.pool == nil {
		return NewStorageError("health_check", "", errors.New("pool is closed"))
	}
	if err := p.pool.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", fmt.Errorf("ping database: %w", err))
	}
	return nil
}

// Close closes the pool.
func (p *PostgresStorage) Close() error {
	if p.pool != nil {
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

var _ FullStorage = (*PostgresStorage)(nil)
