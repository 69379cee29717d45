package models

import (
	"encoding/json"
	"testing"
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

func TestParseInterval(t *testing.T) {
	for _, iv := range SupportedIntervals {
		parsed, err := ParseInterval(string(iv))
		require.NoError(t, err)
		assert.Equal(t, iv, parsed)
		assert.Positive(t, parsed.Millis())
	}

	assert.Equal(t, int64(60_000), Interval1m.Millis())
	assert.Equal(t, dayMs, Interval1d.Millis())

	for _, bad := range []string{"", "7m", "1w", "1M", "1D"} {
		_, err := ParseInterval(bad)
		var invalid *ierrors.InvalidIntervalError
		require.ErrorAs(t, err, &invalid, bad)
		assert.Equal(t, bad, invalid.Interval)
	}
}

func TestIntervalTruncate(t *testing.T) {
	assert.Equal(t, testTS, Interval1d.Truncate(testTS+5*60*60*1000))
	assert.Equal(t, testTS+15*60*1000, Interval15m.Truncate(testTS+16*60*1000))
	assert.Equal(t, int64(123), Interval("bogus").Truncate(123))
}

func TestNewSeriesSortsAndDeduplicates(t *testing.T) {
	bars := []Bar{
		newTestBar(testTS+2*dayMs, "1", "1", "1", "1", "1"),
		newTestBar(testTS, "1", "1", "1", "1", "1"),
		newTestBar(testTS+dayMs, "1", "1", "1", "1", "1"),
		newTestBar(testTS, "2", "2", "2", "2", "2"),
	}

	series := NewSeries(testSymbol, Interval1d, bars)

	require.Equal(t, 3, series.Len())
	assert.Equal(t, testTS, series.FirstTimestamp())
	assert.Equal(t, testTS+2*dayMs, series.LastTimestamp())
	assert.Equal(t, "2", series.Bars[0].Close.String(), "last occurrence of a timestamp wins")
	assert.Equal(t, []float64{2, 1, 1}, series.Closes())
	assert.NoError(t, series.Validate())
}

func TestSeriesValidateRejectsDisorder(t *testing.T) {
	series := &Series{Symbol: testSymbol, Interval: Interval1d, Bars: []EnrichedBar{
		{Bar: newTestBar(testTS+dayMs, "1", "1", "1", "1", "1")},
		{Bar: newTestBar(testTS, "1", "1", "1", "1", "1")},
	}}

	var validationErr *ValidationError
	require.ErrorAs(t, series.Validate(), &validationErr)
	assert.Equal(t, "timestamp", validationErr.Field)

	empty := &Series{Symbol: testSymbol, Interval: "2d"}
	require.ErrorAs(t, empty.Validate(), &validationErr)
	assert.Equal(t, "interval", validationErr.Field)
}

func TestIndicatorFieldsAlignWithColumns(t *testing.T) {
	var ind Indicators
	fields := ind.Fields()
	require.Len(t, fields, len(IndicatorColumns))

	for i, f := range fields {
		v := float64(i)
		*f = &v
	}
	assert.Equal(t, len(IndicatorColumns), ind.Present())

	// The JSON name of every field must match its column.
	encoded, err := json.Marshal(ind)
	require.NoError(t, err)
	var byName map[string]float64
	require.NoError(t, json.Unmarshal(encoded, &byName))
	for i, col := range IndicatorColumns {
		assert.Equal(t, float64(i), byName[col], col)
	}
}

func TestSeriesCloneIsDeep(t *testing.T) {
	v := 1.5
	series := NewSeries(testSymbol, Interval1d, []Bar{newTestBar(testTS, "1", "1", "1", "1", "1")})
	series.Bars[0].Indicators.SMA5 = &v
	series.Gaps = []Gap{{Symbol: testSymbol, Interval: Interval1d, StartTime: 1, EndTime: 2, MissingBars: 1}}

	clone := series.Clone()
	*clone.Bars[0].Indicators.SMA5 = 9
	clone.Gaps[0].MissingBars = 5

	assert.Equal(t, 1.5, *series.Bars[0].Indicators.SMA5)
	assert.Equal(t, 1, series.Gaps[0].MissingBars)
	assert.Nil(t, clone.Bars[0].Indicators.RSI14)
}

func TestNewGap(t *testing.T) {
	gap, err := NewGap(testSymbol, Interval1d, testTS+9*dayMs, testTS+14*dayMs)
	require.NoError(t, err)

	assert.Equal(t, testTS+10*dayMs, gap.StartTime)
	assert.Equal(t, testTS+14*dayMs, gap.EndTime)
	assert.Equal(t, 4, gap.MissingBars)
	assert.Equal(t, 4*24*time.Hour, gap.Duration())
	assert.Equal(t, SeverityMedium, gap.Severity())
	assert.Contains(t, gap.String(), "Missing: 4")

	_, err = NewGap(testSymbol, Interval1d, testTS, testTS+dayMs)
	assert.Error(t, err, "adjacent bars leave no gap")

	_, err = NewGap("", Interval1d, testTS, testTS+3*dayMs)
	assert.Error(t, err)

	_, err = NewGap(testSymbol, "bogus", testTS, testTS+3*dayMs)
	assert.Error(t, err)
}

func TestGapSeverity(t *testing.T) {
	tests := []struct {
		missing  int
		expected GapSeverity
	}{
		{1, SeverityLow},
		{10, SeverityMedium},
		{11, SeverityHigh},
		{100, SeverityHigh},
		{101, SeverityCritical},
	}
	for _, tt := range tests {
		gap := Gap{MissingBars: tt.missing}
		assert.Equal(t, tt.expected, gap.Severity(), tt.missing)
	}
	assert.Equal(t, "critical", SeverityCritical.String())
}
