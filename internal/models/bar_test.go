package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test data constants
const (
	testSymbol = "BTCUSDT"
)

var (
	testTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	testTS   = testTime.UnixMilli()
)

func newTestBar(ts int64, open, high, low, close, volume string) Bar {
	return Bar{
		Symbol:      testSymbol,
		Interval:    Interval1d,
		Timestamp:   ts,
		Open:        decimal.RequireFromString(open),
		High:        decimal.RequireFromString(high),
		Low:         decimal.RequireFromString(low),
		Close:       decimal.RequireFromString(close),
		Volume:      decimal.RequireFromString(volume),
		QuoteVolume: decimal.RequireFromString(volume).Mul(decimal.RequireFromString(close)),
		TradeCount:  42,
	}
}

func TestBar_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(b *Bar)
		wantField string
	}{
		{name: "valid_bullish_bar", mutate: func(b *Bar) {}},
		{
			name:   "valid_zero_volume",
			mutate: func(b *Bar) { b.Volume = decimal.Zero; b.QuoteVolume = decimal.Zero },
		},
		{
			name:      "empty_symbol",
			mutate:    func(b *Bar) { b.Symbol = "" },
			wantField: "symbol",
		},
		{
			name:      "negative_open",
			mutate:    func(b *Bar) { b.Open = decimal.NewFromInt(-1) },
			wantField: "open",
		},
		{
			name:      "high_below_close",
			mutate:    func(b *Bar) { b.High = decimal.RequireFromString("103.00") },
			wantField: "high",
		},
		{
			name:      "low_above_open",
			mutate:    func(b *Bar) { b.Low = decimal.RequireFromString("100.50") },
			wantField: "low",
		},
		{
			name:      "negative_volume",
			mutate:    func(b *Bar) { b.Volume = decimal.NewFromInt(-5) },
			wantField: "volume",
		},
		{
			name:      "negative_quote_volume",
			mutate:    func(b *Bar) { b.QuoteVolume = decimal.NewFromInt(-5) },
			wantField: "quote_volume",
		},
		{
			name:      "negative_trade_count",
			mutate:    func(b *Bar) { b.TradeCount = -1 },
			wantField: "trade_count",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := newTestBar(testTS, "100.00", "105.50", "99.25", "104.00", "1500.75")
			tt.mutate(&bar)

			err := bar.Validate()
			if tt.wantField == "" {
				assert.NoError(t, err)
				return
			}

			var validationErr *ValidationError
			require.ErrorAs(t, err, &validationErr)
			assert.Equal(t, tt.wantField, validationErr.Field)
		})
	}
}

func TestBar_DerivedValues(t *testing.T) {
	bar := newTestBar(testTS, "100", "110", "90", "105", "10")

	assert.True(t, bar.TypicalPrice().Equal(decimal.RequireFromString("101.6666666666666667")))
	assert.True(t, bar.Range().Equal(decimal.NewFromInt(20)))
	assert.True(t, bar.IsBullish())
	assert.Equal(t, testTime, bar.Time())
	assert.Contains(t, bar.String(), "BTCUSDT 1d 2024-01-01T00:00:00Z")
}

func TestValidationError_Error(t *testing.T) {
	err := &ValidationError{Field: "high", Message: "too low"}
	assert.Equal(t, "validation error for field high: too low", err.Error())
}
