// Package models provides the data structures shared by the ingestion pipeline.
// It contains raw OHLCV bars, the supported bucket intervals, enriched bars with
// their tri-state indicator columns, detected gaps and per-symbol run outcomes.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Bar represents one OHLCV bucket for a trading symbol as reported by the market-data source.
// Timestamp is the bucket start in Unix milliseconds.
type Bar struct {
	Symbol      string          `json:"symbol" db:"symbol"`
	Interval    Interval        `json:"interval" db:"interval"`
	Timestamp   int64           `json:"timestamp" db:"timestamp"`
	Open        decimal.Decimal `json:"open" db:"open"`
	High        decimal.Decimal `json:"high" db:"high"`
	Low         decimal.Decimal `json:"low" db:"low"`
	Close       decimal.Decimal `json:"close" db:"close"`
	Volume      decimal.Decimal `json:"volume" db:"volume"`
	QuoteVolume decimal.Decimal `json:"quote_volume" db:"quote_volume"`
	TradeCount  int64           `json:"trade_count" db:"trade_count"`
}

// ValidationError represents a bar validation error with specific field context.
type ValidationError struct {
	Field   string // Field is the name of the field that failed validation
	Message string // Message is a descriptive error message explaining the validation failure
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks the structural invariants of a bar: a non-empty symbol, prices that are
// not negative, low <= min(open, close), high >= max(open, close), and non-negative
// volumes and trade count. Returns a *ValidationError naming the first failing field.
func (b *Bar) Validate() error {
	if b.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if b.Timestamp < 0 {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be negative"}
	}

	for _, p := range []struct {
		field string
		value decimal.Decimal
	}{
		{"open", b.Open},
		{"high", b.High},
		{"low", b.Low},
		{"close", b.Close},
	} {
		if p.value.IsNegative() {
			return &ValidationError{Field: p.field, Message: fmt.Sprintf("%s price cannot be negative", p.field)}
		}
	}

	// High >= max(Open, Close)
	maxOpenClose := decimal.Max(b.Open, b.Close)
	if b.High.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", b.High, maxOpenClose),
		}
	}

	// Low <= min(Open, Close)
	minOpenClose := decimal.Min(b.Open, b.Close)
	if b.Low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", b.Low, minOpenClose),
		}
	}

	if b.Volume.IsNegative() {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}
	if b.QuoteVolume.IsNegative() {
		return &ValidationError{Field: "quote_volume", Message: "quote volume must be greater than or equal to 0"}
	}
	if b.TradeCount < 0 {
		return &ValidationError{Field: "trade_count", Message: "trade count must be greater than or equal to 0"}
	}

	return nil
}

// Time returns the bucket start as a UTC time.
func (b *Bar) Time() time.Time {
	return time.UnixMilli(b.Timestamp).UTC()
}

// TypicalPrice calculates (High + Low + Close) / 3.
func (b *Bar) TypicalPrice() decimal.Decimal {
	return b.High.Add(b.Low).Add(b.Close).Div(decimal.NewFromInt(3))
}

// Range calculates High - Low.
func (b *Bar) Range() decimal.Decimal {
	return b.High.Sub(b.Low)
}

// IsBullish returns true if the close price is greater than the open price.
func (b *Bar) IsBullish() bool {
	return b.Close.GreaterThan(b.Open)
}

// String returns a compact representation for logs.
func (b *Bar) String() string {
	return fmt.Sprintf("Bar{%s %s %s O:%s H:%s L:%s C:%s V:%s}",
		b.Symbol, b.Interval, b.Time().Format(time.RFC3339),
		b.Open, b.High, b.Low, b.Close, b.Volume)
}
