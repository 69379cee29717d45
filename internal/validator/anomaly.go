// Package validator scans fetched series for bar-to-bar anomalies: price spikes and
// volume surges relative to the previous bar.
//
// Anomalies are advisory. Bars that pass models.Bar.Validate are always persisted; the
// scan only reports what looks suspicious so it can be logged and counted.
package validator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// AnomalyType names the kind of anomaly detected.
type AnomalyType string

const (
	AnomalyPriceSpike  AnomalyType = "price_spike"
	AnomalyVolumeSurge AnomalyType = "volume_surge"
)

// Anomaly describes one suspicious bar.
type Anomaly struct {
	Type      AnomalyType     `json:"type"`
	Symbol    string          `json:"symbol"`
	Interval  models.Interval `json:"interval"`
	Timestamp int64           `json:"timestamp"`
	Value     decimal.Decimal `json:"value"`
	Previous  decimal.Decimal `json:"previous"`
	Ratio     decimal.Decimal `json:"ratio"`
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s %s/%s at %d: %s -> %s (x%s)",
		a.Type, a.Symbol, a.Interval, a.Timestamp, a.Previous, a.Value, a.Ratio.StringFixed(2))
}

// Thresholds holds the ratio above which a bar is flagged. A zero threshold disables
// that check.
type Thresholds struct {
	PriceSpike  decimal.Decimal
	VolumeSurge decimal.Decimal
}

// DefaultThresholds flags a high more than 5x the previous high and a volume more than
// 10x the previous volume.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PriceSpike:  decimal.NewFromInt(5),
		VolumeSurge: decimal.NewFromInt(10),
	}
}

// ThresholdsFrom converts the configured ratios.
func ThresholdsFrom(cfg config.AnomalyConfig) Thresholds {
	return Thresholds{
		PriceSpike:  decimal.NewFromFloat(cfg.PriceSpikeThreshold),
		VolumeSurge: decimal.NewFromFloat(cfg.VolumeSurgeThreshold),
	}
}

// Detector scans series against fixed thresholds. It is safe for concurrent use.
type Detector struct {
	thresholds Thresholds
	logger     *slog.Logger
}

// NewDetector creates a detector.
func NewDetector(thresholds Thresholds, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		thresholds: thresholds,
		logger:     logger.With("component", "validator"),
	}
}

// Scan compares every bar of series with its predecessor and returns the anomalies in
// timestamp order. Bars are compared only when they are adjacent buckets, so a gap never
// produces a spike.
func (d *Detector) Scan(ctx context.Context, series *models.Series) ([]Anomaly, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if series == nil || series.Len() < 2 {
		return nil, nil
	}

	step := series.Interval.Millis()
	var anomalies []Anomaly
	for i := 1; i < len(series.Bars); i++ {
		prev, cur := &series.Bars[i-1].Bar, &series.Bars[i].Bar
		if step > 0 && cur.Timestamp-prev.Timestamp != step {
			continue
		}
		if a, ok := exceeds(AnomalyPriceSpike, cur.High, prev.High, d.thresholds.PriceSpike); ok {
			anomalies = append(anomalies, d.anomaly(a, series, cur.Timestamp))
		}
		if a, ok := exceeds(AnomalyVolumeSurge, cur.Volume, prev.Volume, d.thresholds.VolumeSurge); ok {
			anomalies = append(anomalies, d.anomaly(a, series, cur.Timestamp))
		}
	}

	if len(anomalies) > 0 {
		d.logger.Debug("anomalies detected",
			"symbol", series.Symbol,
			"interval", series.Interval,
			"count", len(anomalies))
	}
	return anomalies, nil
}

func (d *Detector) anomaly(a Anomaly, series *models.Series, ts int64) Anomaly {
	a.Symbol = series.Symbol
	a.Interval = series.Interval
	a.Timestamp = ts
	return a
}

// exceeds reports whether current/previous is strictly above threshold. A zero previous
// value or a non-positive threshold never flags.
func exceeds(kind AnomalyType, current, previous, threshold decimal.Decimal) (Anomaly, bool) {
	if !threshold.IsPositive() || previous.IsZero() {
		return Anomaly{}, false
	}
	ratio := current.Div(previous)
	if !ratio.GreaterThan(threshold) {
		return Anomaly{}, false
	}
	return Anomaly{Type: kind, Value: current, Previous: previous, Ratio: ratio}, true
}
