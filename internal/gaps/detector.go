// Package gaps detects missing buckets in OHLCV series. Gaps are reported alongside the
// data they were found in; they are never filled by interpolation.
package gaps

import (
	"log/slog"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// Detector identifies missing buckets in ordered bar sequences.
type Detector struct {
	logger *slog.Logger
}

// NewDetector creates a new gap detector.
func NewDetector(logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{logger: logger.With("component", "gap_detector")}
}

// DetectInSeries returns one gap for every pair of consecutive bars whose distance exceeds
// the series interval. The series must already be sorted by timestamp.
func (d *Detector) DetectInSeries(series *models.Series) []models.Gap {
	if series == nil || len(series.Bars) < 2 {
		return nil
	}

	step := series.Interval.Millis()
	if step <= 0 {
		return nil
	}

	var gaps []models.Gap
	for i := 0; i < len(series.Bars)-1; i++ {
		current := series.Bars[i].Timestamp
		next := series.Bars[i+1].Timestamp

		if next <= current+step {
			continue
		}

		gap, err := models.NewGap(series.Symbol, series.Interval, current, next)
		if err != nil {
			// Off-grid timestamps shorter than two strides do not leave a whole bucket.
			d.logger.Warn("Failed to create gap",
				"symbol", series.Symbol,
				"previous", current,
				"next", next,
				"error", err,
			)
			continue
		}
		gaps = append(gaps, *gap)
	}

	if len(gaps) > 0 {
		d.logger.Info("Gaps detected in series",
			"symbol", series.Symbol,
			"interval", series.Interval,
			"gaps", len(gaps),
			"missing_bars", TotalMissing(gaps),
		)
	}
	return gaps
}

// DetectInRange compares the expected buckets of [start, end) against the timestamps that
// are present and returns the uncovered stretches. Timestamps need not be sorted.
func (d *Detector) DetectInRange(symbol string, interval models.Interval, start, end int64, present []int64) []models.Gap {
	step := interval.Millis()
	if step <= 0 || start >= end {
		return nil
	}

	existing := make(map[int64]struct{}, len(present))
	for _, ts := range present {
		existing[ts] = struct{}{}
	}

	var gaps []models.Gap
	current := interval.Truncate(start)
	if current < start {
		current += step
	}
	for current < end {
		if _, ok := existing[current]; ok {
			current += step
			continue
		}

		// Found start of a gap, extend until an existing bucket or the range end
		gapStart := current
		gapEnd := current + step
		for gapEnd < end {
			if _, ok := existing[gapEnd]; ok {
				break
			}
			gapEnd += step
		}
		if gapEnd > end {
			gapEnd = end
		}

		gaps = append(gaps, models.Gap{
			Symbol:      symbol,
			Interval:    interval,
			StartTime:   gapStart,
			EndTime:     gapEnd,
			MissingBars: int((gapEnd - gapStart + step - 1) / step),
		})
		current = gapEnd
	}

	return gaps
}

// TotalMissing sums the missing bars of gaps.
func TotalMissing(gaps []models.Gap) int {
	total := 0
	for _, g := range gaps {
		total += g.MissingBars
	}
	return total
}
