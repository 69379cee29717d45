package storage

import (
	"context"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStorage_Contract(t *testing.T) {
	runStorageContract(t, func(t *testing.T) FullStorage {
		return NewMemoryStorage()
	})
}

func TestMemoryStorage_LoadedBarsAreCopies(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()

	series := createTestSeries("AAA", 0, 5)
	_, err := storage.Persist(ctx, series)
	require.NoError(t, err)

	*series.Bars[4].Indicators.SMA5 = -1

	bars, err := storage.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
	require.NoError(t, err)
	require.NotNil(t, bars[4].Indicators.SMA5)
	assert.Equal(t, 4.5, *bars[4].Indicators.SMA5)

	*bars[4].Indicators.SMA5 = -2
	again, err := storage.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 4.5, *again[4].Indicators.SMA5)
}

func TestMemoryStorage_Closed(t *testing.T) {
	storage := NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, storage.Close())

	_, err := storage.Persist(ctx, createTestSeries("AAA", 0, 2))
	assert.ErrorIs(t, err, errClosed)

	_, err = storage.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
	assert.ErrorIs(t, err, errClosed)
	assert.Error(t, storage.HealthCheck(ctx))
}

func TestMemoryStorage_CancelledContext(t *testing.T) {
	storage := NewMemoryStorage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := storage.Persist(ctx, createTestSeries("AAA", 0, 2))
	assert.ErrorIs(t, err, context.Canceled)
}
