package models

import (
	"time"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
)

// Interval is a bucket width accepted by the klines endpoint.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval8h  Interval = "8h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval3m:  3 * time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval2h:  2 * time.Hour,
	Interval4h:  4 * time.Hour,
	Interval6h:  6 * time.Hour,
	Interval8h:  8 * time.Hour,
	Interval12h: 12 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// SupportedIntervals lists every interval in ascending width.
var SupportedIntervals = []Interval{
	Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
	Interval1h, Interval2h, Interval4h, Interval6h, Interval8h, Interval12h,
	Interval1d,
}

// ParseInterval validates s against the supported set.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", &ierrors.InvalidIntervalError{Interval: s}
	}
	return iv, nil
}

// Valid reports whether the interval is in the supported set.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the bucket width, or 0 for an unsupported interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// Millis returns the bucket width in milliseconds.
func (i Interval) Millis() int64 {
	return i.Duration().Milliseconds()
}

// Truncate returns the start of the bucket containing ts (ms).
func (i Interval) Truncate(ts int64) int64 {
	step := i.Millis()
	if step == 0 {
		return ts
	}
	return ts - ts%step
}

func (i Interval) String() string {
	return string(i)
}
