package models

import (
	"errors"
	"fmt"
	"time"
)

// GapSeverity grades a gap by how many buckets it spans.
type GapSeverity int

const (
	SeverityLow      GapSeverity = iota // SeverityLow is a single missing bucket
	SeverityMedium                      // SeverityMedium is up to 10 missing buckets
	SeverityHigh                        // SeverityHigh is up to 100 missing buckets
	SeverityCritical                    // SeverityCritical is more than 100 missing buckets
)

// Gap represents missing buckets between two consecutive bars of a series. The range is
// half-open: StartTime is the first missing bucket (previous bar + interval) and EndTime is
// the timestamp of the next bar that is present. Gaps are reported, never interpolated.
type Gap struct {
	// Symbol is the trading symbol (e.g., "BTCUSDT")
	Symbol string `json:"symbol"`

	// Interval is the bucket width of the series the gap was found in
	Interval Interval `json:"interval"`

	// StartTime is the first missing bucket, in Unix milliseconds
	StartTime int64 `json:"start_time"`

	// EndTime is the bucket start of the bar following the gap, in Unix milliseconds
	EndTime int64 `json:"end_time"`

	// MissingBars is the number of absent buckets
	MissingBars int `json:"missing_bars"`
}

// NewGap builds the gap between two present bars at prev and next.
// Returns an error when the bars are adjacent or out of order.
func NewGap(symbol string, interval Interval, prev, next int64) (*Gap, error) {
	step := interval.Millis()
	if step <= 0 {
		return nil, fmt.Errorf("invalid gap: unsupported interval %q", interval)
	}

	gap := &Gap{
		Symbol:      symbol,
		Interval:    interval,
		StartTime:   prev + step,
		EndTime:     next,
		MissingBars: int((next-prev)/step) - 1,
	}

	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}
	return gap, nil
}

// Validate checks that the gap names a symbol and spans at least one bucket.
func (g *Gap) Validate() error {
	if g.Symbol == "" {
		return errors.New("gap symbol cannot be empty")
	}

	if !g.Interval.Valid() {
		return fmt.Errorf("gap interval %q is not supported", g.Interval)
	}

	if g.EndTime <= g.StartTime {
		return errors.New("gap end time must be after start time")
	}

	if g.MissingBars < 1 {
		return errors.New("gap must span at least one missing bar")
	}

	return nil
}

// Duration returns the time span covered by the missing buckets.
func (g *Gap) Duration() time.Duration {
	return time.Duration(g.EndTime-g.StartTime) * time.Millisecond
}

// Severity grades the gap by its number of missing buckets.
func (g *Gap) Severity() GapSeverity {
	switch {
	case g.MissingBars <= 1:
		return SeverityLow
	case g.MissingBars <= 10:
		return SeverityMedium
	case g.MissingBars <= 100:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// String returns a human-readable representation of the severity.
func (s GapSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// String returns a human-readable representation of the gap.
func (g *Gap) String() string {
	return fmt.Sprintf("Gap{Symbol: %s, Interval: %s, From: %s, To: %s, Missing: %d, Severity: %s}",
		g.Symbol, g.Interval,
		time.UnixMilli(g.StartTime).UTC().Format(time.RFC3339),
		time.UnixMilli(g.EndTime).UTC().Format(time.RFC3339),
		g.MissingBars, g.Severity())
}
