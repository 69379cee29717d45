package gaps

import (
	"io"
	"log/slog"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	baseTS = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	dayMs  = int64(86400000)
)

func testDetector() *Detector {
	return NewDetector(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seriesAt(days ...int64) *models.Series {
	bars := make([]models.Bar, len(days))
	for i, d := range days {
		bars[i] = models.Bar{
			Symbol:    "AAA",
			Interval:  models.Interval1d,
			Timestamp: baseTS + d*dayMs,
			Open:      decimal.NewFromInt(1),
			High:      decimal.NewFromInt(1),
			Low:       decimal.NewFromInt(1),
			Close:     decimal.NewFromInt(1),
		}
	}
	return models.NewSeries("AAA", models.Interval1d, bars)
}

func TestDetectInSeries(t *testing.T) {
	tests := []struct {
		name     string
		days     []int64
		expected []models.Gap
	}{
		{name: "empty", days: nil},
		{name: "single bar", days: []int64{0}},
		{name: "contiguous", days: []int64{0, 1, 2, 3}},
		{
			name: "days one to ten then fifteen",
			days: []int64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 14},
			expected: []models.Gap{{
				Symbol: "AAA", Interval: models.Interval1d,
				StartTime: baseTS + 10*dayMs, EndTime: baseTS + 14*dayMs, MissingBars: 4,
			}},
		},
		{
			name: "two gaps",
			days: []int64{0, 2, 3, 6},
			expected: []models.Gap{
				{Symbol: "AAA", Interval: models.Interval1d, StartTime: baseTS + dayMs, EndTime: baseTS + 2*dayMs, MissingBars: 1},
				{Symbol: "AAA", Interval: models.Interval1d, StartTime: baseTS + 4*dayMs, EndTime: baseTS + 6*dayMs, MissingBars: 2},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gaps := testDetector().DetectInSeries(seriesAt(tt.days...))
			assert.Equal(t, tt.expected, gaps)
		})
	}

	assert.Nil(t, testDetector().DetectInSeries(nil))
}

func TestDetectInSeriesSkipsOffGridStride(t *testing.T) {
	series := seriesAt(0, 1)
	// 1.5 days after the previous bar: no whole bucket is missing
	series.Bars[1].Timestamp = baseTS + dayMs + dayMs/2
	series.Bars = append(series.Bars, series.Bars[1])
	series.Bars[2].Timestamp = baseTS + 2*dayMs + dayMs/2

	assert.Empty(t, testDetector().DetectInSeries(series))
}

func TestDetectInRange(t *testing.T) {
	d := testDetector()
	present := []int64{baseTS + 2*dayMs, baseTS, baseTS + dayMs, baseTS + 5*dayMs}

	gaps := d.DetectInRange("AAA", models.Interval1d, baseTS, baseTS+7*dayMs, present)
	require.Len(t, gaps, 2)

	assert.Equal(t, baseTS+3*dayMs, gaps[0].StartTime)
	assert.Equal(t, baseTS+5*dayMs, gaps[0].EndTime)
	assert.Equal(t, 2, gaps[0].MissingBars)

	assert.Equal(t, baseTS+6*dayMs, gaps[1].StartTime)
	assert.Equal(t, baseTS+7*dayMs, gaps[1].EndTime)
	assert.Equal(t, 1, gaps[1].MissingBars)

	assert.Equal(t, 3, TotalMissing(gaps))
}

func TestDetectInRangeEdges(t *testing.T) {
	d := testDetector()

	all := d.DetectInRange("AAA", models.Interval1d, baseTS, baseTS+3*dayMs, nil)
	require.Len(t, all, 1)
	assert.Equal(t, 3, all[0].MissingBars)

	// A start inside a bucket begins at the next boundary.
	shifted := d.DetectInRange("AAA", models.Interval1d, baseTS+1, baseTS+3*dayMs, []int64{baseTS + dayMs})
	require.Len(t, shifted, 1)
	assert.Equal(t, baseTS+2*dayMs, shifted[0].StartTime)

	assert.Nil(t, d.DetectInRange("AAA", models.Interval1d, baseTS, baseTS, nil))
	assert.Nil(t, d.DetectInRange("AAA", "bogus", baseTS, baseTS+dayMs, nil))
}
