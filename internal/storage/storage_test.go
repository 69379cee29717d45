package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	baseTS = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	dayMs  = int64(86400000)
)

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr(v float64) *float64 { return &v }

func configFor(storageType, url string) config.StorageConfig {
	return config.StorageConfig{Type: storageType, DatabaseURL: url}
}

// createTestSeries builds n daily bars starting at day offset first. Bars from index 4
// carry an SMA5 value; earlier bars leave it absent.
func createTestSeries(symbol string, first, n int) *models.Series {
	bars := make([]models.Bar, n)
	for i := range bars {
		price := decimal.NewFromFloat(100.5 + float64(first+i))
		bars[i] = models.Bar{
			Symbol:      symbol,
			Interval:    models.Interval1d,
			Timestamp:   baseTS + int64(first+i)*dayMs,
			Open:        price,
			High:        price.Add(decimal.NewFromInt(2)),
			Low:         price.Sub(decimal.NewFromInt(1)),
			Close:       price.Add(decimal.NewFromFloat(0.25)),
			Volume:      decimal.NewFromFloat(12.5),
			QuoteVolume: decimal.NewFromFloat(1250.75),
			TradeCount:  int64(40 + i),
		}
	}

	series := models.NewSeries(symbol, models.Interval1d, bars)
	for i := range series.Bars {
		if i >= 4 {
			series.Bars[i].Indicators.SMA5 = ptr(float64(i) + 0.5)
		}
		series.Bars[i].Indicators.OBV = ptr(float64(i * 10))
	}
	return series
}

func assertBarsEqual(t *testing.T, expected, actual []models.EnrichedBar) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		e, a := expected[i], actual[i]
		assert.Equal(t, e.Symbol, a.Symbol)
		assert.Equal(t, e.Interval, a.Interval)
		assert.Equal(t, e.Timestamp, a.Timestamp)
		assert.True(t, e.Open.Equal(a.Open), "open %s != %s", e.Open, a.Open)
		assert.True(t, e.High.Equal(a.High), "high %s != %s", e.High, a.High)
		assert.True(t, e.Low.Equal(a.Low), "low %s != %s", e.Low, a.Low)
		assert.True(t, e.Close.Equal(a.Close), "close %s != %s", e.Close, a.Close)
		assert.True(t, e.Volume.Equal(a.Volume), "volume %s != %s", e.Volume, a.Volume)
		assert.True(t, e.QuoteVolume.Equal(a.QuoteVolume), "quote volume %s != %s", e.QuoteVolume, a.QuoteVolume)
		assert.Equal(t, e.TradeCount, a.TradeCount)
		assert.Equal(t, e.Indicators, a.Indicators)
	}
}

// runStorageContract exercises the behaviour every backend must share.
func runStorageContract(t *testing.T, newStore func(t *testing.T) FullStorage) {
	ctx := context.Background()

	t.Run("persist and load round trip", func(t *testing.T) {
		store := newStore(t)
		series := createTestSeries("AAA", 0, 10)

		written, err := store.Persist(ctx, series)
		require.NoError(t, err)
		assert.Equal(t, 10, written)

		bars, err := store.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
		require.NoError(t, err)
		assertBarsEqual(t, series.Bars, bars)
		assert.Nil(t, bars[0].Indicators.SMA5, "absent indicators stay absent")
	})

	t.Run("re-persisting identical input converges", func(t *testing.T) {
		store := newStore(t)
		series := createTestSeries("AAA", 0, 10)

		_, err := store.Persist(ctx, series)
		require.NoError(t, err)
		first, err := store.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
		require.NoError(t, err)

		_, err = store.Persist(ctx, series)
		require.NoError(t, err)

		count, err := store.Count(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		assert.Equal(t, int64(10), count)

		second, err := store.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
		require.NoError(t, err)
		assertBarsEqual(t, first, second)
	})

	t.Run("conflicts overwrite every mutable field", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Persist(ctx, createTestSeries("AAA", 0, 10))
		require.NoError(t, err)

		// overlapping range with a revised last bar
		revised := createTestSeries("AAA", 5, 8)
		revised.Bars[4].Close = revised.Bars[4].Open
		revised.Bars[4].TradeCount = 999
		revised.Bars[4].Indicators.SMA5 = nil
		revised.Bars[4].Indicators.RSI14 = ptr(55.5)

		_, err = store.Persist(ctx, revised)
		require.NoError(t, err)

		count, err := store.Count(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		assert.Equal(t, int64(13), count)

		bars, err := store.LoadBars(ctx, "AAA", models.Interval1d, revised.Bars[4].Timestamp, revised.Bars[4].Timestamp+dayMs)
		require.NoError(t, err)
		require.Len(t, bars, 1)
		assert.True(t, bars[0].Close.Equal(revised.Bars[4].Open))
		assert.Equal(t, int64(999), bars[0].TradeCount)
		assert.Nil(t, bars[0].Indicators.SMA5)
		require.NotNil(t, bars[0].Indicators.RSI14)
		assert.Equal(t, 55.5, *bars[0].Indicators.RSI14)
	})

	t.Run("failing row rolls back the whole series", func(t *testing.T) {
		store := newStore(t)
		series := createTestSeries("BBB", 0, 5)
		// high below close breaks the OHLC invariant
		series.Bars[2].High = series.Bars[2].Close.Sub(decimal.NewFromInt(1))

		_, err := store.Persist(ctx, series)

		var persistErr *ierrors.PersistError
		require.ErrorAs(t, err, &persistErr)
		assert.Equal(t, "BBB", persistErr.Symbol)
		assert.Equal(t, series.Bars[2].Timestamp, persistErr.Timestamp)

		count, err := store.Count(ctx, "BBB", models.Interval1d)
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("range bounds and latest timestamp", func(t *testing.T) {
		store := newStore(t)

		_, ok, err := store.LatestTimestamp(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.Persist(ctx, createTestSeries("AAA", 0, 10))
		require.NoError(t, err)
		_, err = store.Persist(ctx, createTestSeries("CCC", 0, 3))
		require.NoError(t, err)

		latest, ok, err := store.LatestTimestamp(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, baseTS+9*dayMs, latest)

		bars, err := store.LoadBars(ctx, "AAA", models.Interval1d, baseTS+2*dayMs, baseTS+5*dayMs)
		require.NoError(t, err)
		require.Len(t, bars, 3)
		assert.Equal(t, baseTS+2*dayMs, bars[0].Timestamp)
		assert.Equal(t, baseTS+4*dayMs, bars[2].Timestamp)

		other, err := store.LoadBars(ctx, "AAA", models.Interval1h, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, other)

		stats, err := store.GetStats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(13), stats.TotalBars)
		assert.Equal(t, 2, stats.TotalSymbols)
		assert.Equal(t, baseTS, stats.EarliestTimestamp)
		assert.Equal(t, baseTS+9*dayMs, stats.LatestTimestamp)
	})

	t.Run("gaps are recorded and cleared once filled", func(t *testing.T) {
		store := newStore(t)

		full := createTestSeries("AAA", 0, 15)
		holed := models.NewSeries("AAA", models.Interval1d, nil)
		for i := range full.Bars {
			if i < 10 || i == 14 {
				holed.Bars = append(holed.Bars, full.Bars[i])
			}
		}
		gap, err := models.NewGap("AAA", models.Interval1d, baseTS+9*dayMs, baseTS+14*dayMs)
		require.NoError(t, err)
		holed.Gaps = []models.Gap{*gap}

		_, err = store.Persist(ctx, holed)
		require.NoError(t, err)

		gaps, err := store.LoadGaps(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		require.Len(t, gaps, 1)
		assert.Equal(t, 4, gaps[0].MissingBars)
		assert.Equal(t, baseTS+10*dayMs, gaps[0].StartTime)

		_, err = store.Persist(ctx, full)
		require.NoError(t, err)

		gaps, err = store.LoadGaps(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		assert.Empty(t, gaps)
	})

	t.Run("exact fill clears gap", func(t *testing.T) {
		store := newStore(t)

		holed := createTestSeries("AAA", 0, 20)
		holed.Bars = append(holed.Bars[:10:10], holed.Bars[14:]...)
		gap, err := models.NewGap("AAA", models.Interval1d, baseTS+9*dayMs, baseTS+14*dayMs)
		require.NoError(t, err)
		holed.Gaps = []models.Gap{*gap}

		_, err = store.Persist(ctx, holed)
		require.NoError(t, err)

		_, err = store.Persist(ctx, createTestSeries("AAA", 10, 4))
		require.NoError(t, err)

		gaps, err := store.LoadGaps(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		assert.Empty(t, gaps)

		bars, err := store.LoadBars(ctx, "AAA", models.Interval1d, 0, 0)
		require.NoError(t, err)
		assert.Len(t, bars, 20)
	})

	t.Run("partial fill keeps the unfilled remainder", func(t *testing.T) {
		store := newStore(t)

		holed := createTestSeries("AAA", 0, 20)
		holed.Bars = append(holed.Bars[:10:10], holed.Bars[14:]...)
		gap, err := models.NewGap("AAA", models.Interval1d, baseTS+9*dayMs, baseTS+14*dayMs)
		require.NoError(t, err)
		holed.Gaps = []models.Gap{*gap}

		_, err = store.Persist(ctx, holed)
		require.NoError(t, err)

		_, err = store.Persist(ctx, createTestSeries("AAA", 10, 2))
		require.NoError(t, err)

		gaps, err := store.LoadGaps(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		require.Len(t, gaps, 1)
		assert.Equal(t, baseTS+12*dayMs, gaps[0].StartTime)
		assert.Equal(t, baseTS+14*dayMs, gaps[0].EndTime)
		assert.Equal(t, 2, gaps[0].MissingBars)
	})

	t.Run("re-run with warm-up hole leaves exactly one gap", func(t *testing.T) {
		store := newStore(t)

		_, err := store.Persist(ctx, createTestSeries("AAA", 0, 10))
		require.NoError(t, err)

		// Bars from day 15 onward, with the hole back to the stored history leading the series.
		series := createTestSeries("AAA", 15, 6)
		gap, err := models.NewGap("AAA", models.Interval1d, baseTS+9*dayMs, baseTS+15*dayMs)
		require.NoError(t, err)
		series.Gaps = []models.Gap{*gap}

		for run := 0; run < 3; run++ {
			_, err = store.Persist(ctx, series)
			require.NoError(t, err)
		}

		gaps, err := store.LoadGaps(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		require.Len(t, gaps, 1)
		assert.Equal(t, baseTS+10*dayMs, gaps[0].StartTime)
		assert.Equal(t, baseTS+15*dayMs, gaps[0].EndTime)
		assert.Equal(t, 5, gaps[0].MissingBars)
	})

	t.Run("gaps outside the series span are left alone", func(t *testing.T) {
		store := newStore(t)

		holed := createTestSeries("AAA", 0, 20)
		holed.Bars = append(holed.Bars[:3:3], holed.Bars[5:]...)
		gap, err := models.NewGap("AAA", models.Interval1d, baseTS+2*dayMs, baseTS+5*dayMs)
		require.NoError(t, err)
		holed.Gaps = []models.Gap{*gap}

		_, err = store.Persist(ctx, holed)
		require.NoError(t, err)

		_, err = store.Persist(ctx, createTestSeries("AAA", 12, 8))
		require.NoError(t, err)

		gaps, err := store.LoadGaps(ctx, "AAA", models.Interval1d)
		require.NoError(t, err)
		require.Len(t, gaps, 1)
		assert.Equal(t, baseTS+3*dayMs, gaps[0].StartTime)
		assert.Equal(t, 2, gaps[0].MissingBars)
	})

	t.Run("empty series is a no-op", func(t *testing.T) {
		store := newStore(t)
		written, err := store.Persist(ctx, models.NewSeries("AAA", models.Interval1d, nil))
		require.NoError(t, err)
		assert.Zero(t, written)
		assert.NoError(t, store.HealthCheck(ctx))
	})
}

func TestOpenRejectsUnknownType(t *testing.T) {
	_, err := Open(context.Background(), configFor("cassandra", ""), createTestLogger())
	assert.ErrorContains(t, err, "unsupported storage type")
}

func TestUpsertSQLOverwritesEveryMutableColumn(t *testing.T) {
	query := upsertBarSQL()

	assert.Contains(t, query, "ON CONFLICT (symbol, bar_interval, open_time) DO UPDATE SET")
	for _, c := range barColumns()[keyColumnCount:] {
		assert.Contains(t, query, c+" = excluded."+c)
	}
	assert.NotContains(t, query, "symbol = excluded.symbol")
	assert.Contains(t, query, "$39")
	assert.NotContains(t, query, "$40")
}

func TestBarArgsAlignWithColumns(t *testing.T) {
	series := createTestSeries("AAA", 0, 5)
	bar := &series.Bars[4]

	duck := barArgs(duckDBDialect, bar)
	pg := barArgs(postgresDialect, bar)
	require.Len(t, duck, len(barColumns()))
	require.Len(t, pg, len(barColumns()))

	idx := func(col string) int {
		for i, c := range barColumns() {
			if c == col {
				return i
			}
		}
		t.Fatalf("missing column %s", col)
		return -1
	}

	assert.Equal(t, bar.Close.InexactFloat64(), duck[idx("close")])
	assert.Equal(t, bar.Close.String(), pg[idx("close")])
	assert.Equal(t, 4.5, duck[idx("sma_5")])
	assert.Nil(t, duck[idx("rsi_14")])
	assert.Equal(t, "1d", duck[idx("bar_interval")])
}
