// Package exchange defines the market-data source interfaces used by the ingestion pipeline
// and the Binance-compatible adapter that implements them.
//
// Adapters perform exactly one HTTP round-trip per call. Pacing, retries and pagination
// belong to the fetcher, which drives a KlineSource page by page.
package exchange

import (
	"context"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/shopspring/decimal"
)

// KlineSource retrieves one page of OHLCV rows.
type KlineSource interface {
	// FetchPage requests up to req.Limit bars starting at req.StartTime.
	//
	// An empty page is not an error. Rows that cannot be parsed or that break the OHLC
	// invariants are skipped and counted in Page.Skipped; a body that is not a JSON array
	// of rows is reported as *errors.MalformedResponseError. Non-2xx responses are
	// reported as *errors.HTTPStatusError so the caller's retry policy can classify them.
	FetchPage(ctx context.Context, req PageRequest) (*Page, error)
}

// TickerProvider lists 24h rolling statistics for all symbols.
type TickerProvider interface {
	Tickers24h(ctx context.Context) ([]Ticker, error)
}

// HealthChecker provides a lightweight reachability check.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ExchangeAdapter combines all exchange capabilities into a single interface.
type ExchangeAdapter interface {
	KlineSource
	TickerProvider
	HealthChecker
}

// PageRequest specifies one klines page.
type PageRequest struct {
	// Symbol is the trading symbol (e.g., "BTCUSDT")
	Symbol string `json:"symbol"`

	// Interval is the bucket width
	Interval models.Interval `json:"interval"`

	// StartTime is the first bucket requested, in Unix milliseconds (inclusive)
	StartTime int64 `json:"start_time"`

	// EndTime optionally bounds the page, in Unix milliseconds. Zero means unbounded.
	EndTime int64 `json:"end_time,omitempty"`

	// Limit is the maximum number of rows; zero uses the adapter's page size
	Limit int `json:"limit,omitempty"`
}

// Validate checks if the PageRequest has valid parameters.
func (r *PageRequest) Validate() error {
	if r.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}

	if !r.Interval.Valid() {
		return &ValidationError{Field: "interval", Message: "unsupported interval " + string(r.Interval)}
	}

	if r.StartTime < 0 {
		return &ValidationError{Field: "start_time", Message: "start time cannot be negative"}
	}

	if r.EndTime != 0 && r.EndTime <= r.StartTime {
		return &ValidationError{Field: "end_time", Message: "end time must be after start time"}
	}

	if r.Limit < 0 {
		return &ValidationError{Field: "limit", Message: "limit cannot be negative"}
	}

	return nil
}

// Page is the decoded result of one klines request.
type Page struct {
	// Bars contains the valid rows in the order the source returned them
	Bars []models.Bar `json:"bars"`

	// Raw is the undecoded response body, used to fingerprint repeated pages
	Raw []byte `json:"-"`

	// UsedWeight is the provider-reported request weight for the current minute,
	// or -1 when the response carried no weight header
	UsedWeight int `json:"used_weight"`

	// Skipped counts rows dropped as malformed
	Skipped int `json:"skipped"`
}

// LastTimestamp returns the bucket start of the final row, or -1 for an empty page.
func (p *Page) LastTimestamp() int64 {
	if len(p.Bars) == 0 {
		return -1
	}
	return p.Bars[len(p.Bars)-1].Timestamp
}

// Ticker is the 24h rolling statistics of one symbol.
type Ticker struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"last_price"`
	PriceChangePercent decimal.Decimal `json:"price_change_percent"`
	Volume             decimal.Decimal `json:"volume"`
	QuoteVolume        decimal.Decimal `json:"quote_volume"`
	TradeCount         int64           `json:"trade_count"`
}

// ValidationError represents a validation error for exchange types.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return "validation error for field " + e.Field + ": " + e.Message
}
