package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDuckDBStorage creates a new initialized in-memory DuckDB storage for testing
func createTestDuckDBStorage(t *testing.T) *DuckDBStorage {
	t.Helper()

	storage, err := NewDuckDBStorage(":memory:", createTestLogger())
	require.NoError(t, err, "failed to create test DuckDB storage")
	require.NoError(t, storage.Initialize(context.Background()))
	t.Cleanup(func() { storage.Close() })

	return storage
}

func TestDuckDBStorage_Contract(t *testing.T) {
	runStorageContract(t, func(t *testing.T) FullStorage {
		return createTestDuckDBStorage(t)
	})
}

func TestDuckDBStorage_InitializeIsIdempotent(t *testing.T) {
	storage := createTestDuckDBStorage(t)
	ctx := context.Background()

	require.NoError(t, storage.Initialize(ctx))

	status, err := storage.Migrations().GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.CurrentVersion)
	assert.Equal(t, 3, status.LatestVersion)
	assert.Zero(t, status.PendingMigrations)
	assert.Len(t, status.AppliedMigrations, 3)
}

func TestDuckDBStorage_MigrationRollback(t *testing.T) {
	storage := createTestDuckDBStorage(t)
	ctx := context.Background()
	migrations := storage.Migrations()

	require.NoError(t, migrations.Rollback(ctx, 1))

	status, err := migrations.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.CurrentVersion)
	assert.Equal(t, 2, status.PendingMigrations)

	_, err = storage.LoadGaps(ctx, "AAA", models.Interval1d)
	assert.Error(t, err, "gaps table is dropped")

	require.NoError(t, migrations.MigrateToLatest(ctx))
	_, err = storage.LoadGaps(ctx, "AAA", models.Interval1d)
	assert.NoError(t, err)
}

func TestDuckDBStorage_FilePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ohlcv.db")

	store, err := Open(ctx, configFor("duckdb", path), createTestLogger())
	require.NoError(t, err)
	_, err = store.Persist(ctx, createTestSeries("AAA", 0, 6))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, configFor("duckdb", path), createTestLogger())
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.Count(ctx, "AAA", models.Interval1d)
	require.NoError(t, err)
	assert.Equal(t, int64(6), count)
}

func TestDuckDBStorage_ConcurrentPersist(t *testing.T) {
	storage := createTestDuckDBStorage(t)
	ctx := context.Background()

	symbols := []string{"AAA", "BBB", "CCC", "DDD"}
	var wg sync.WaitGroup
	errs := make(chan error, len(symbols))
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			_, err := storage.Persist(ctx, createTestSeries(symbol, 0, 20))
			errs <- err
		}(symbol)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	stats, err := storage.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(80), stats.TotalBars)
	assert.Equal(t, 4, stats.TotalSymbols)
}

func TestDuckDBStorage_HealthCheckAfterClose(t *testing.T) {
	storage, err := NewDuckDBStorage(":memory:", createTestLogger())
	require.NoError(t, err)
	require.NoError(t, storage.Initialize(context.Background()))

	assert.NoError(t, storage.HealthCheck(context.Background()))
	require.NoError(t, storage.Close())
	assert.Error(t, storage.HealthCheck(context.Background()))
	assert.NoError(t, storage.Close(), "closing twice is harmless")
}

func TestDuckDBStorage_PersistFailuresCarrySymbolAndTimestamp(t *testing.T) {
	ctx := context.Background()

	t.Run("bar count", func(t *testing.T) {
		storage := createTestDuckDBStorage(t)
		_, err := storage.db.ExecContext(ctx, "DROP TABLE "+barsTable)
		require.NoError(t, err)

		series := createTestSeries("AAA", 3, 5)
		_, err = storage.Persist(ctx, series)

		var persistErr *ierrors.PersistError
		require.ErrorAs(t, err, &persistErr)
		assert.Equal(t, "AAA", persistErr.Symbol)
		assert.Equal(t, series.FirstTimestamp(), persistErr.Timestamp)
	})

	t.Run("gap reconciliation", func(t *testing.T) {
		storage := createTestDuckDBStorage(t)
		_, err := storage.db.ExecContext(ctx, "DROP TABLE "+gapsTable)
		require.NoError(t, err)

		series := createTestSeries("AAA", 3, 5)
		_, err = storage.Persist(ctx, series)

		var persistErr *ierrors.PersistError
		require.ErrorAs(t, err, &persistErr)
		assert.Equal(t, "AAA", persistErr.Symbol)
		assert.Equal(t, series.FirstTimestamp(), persistErr.Timestamp)

		bars, err := storage.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, bars, "bars are rolled back with the gaps")
	})
}
