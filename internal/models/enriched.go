package models

import (
	"fmt"
	"sort"
)

// Indicators holds the derived columns computed for one bar. A nil field means the
// indicator is absent for that bar (not enough history yet); it is never zero-filled.
type Indicators struct {
	SMA5   *float64 `json:"sma_5,omitempty"`
	SMA10  *float64 `json:"sma_10,omitempty"`
	SMA20  *float64 `json:"sma_20,omitempty"`
	SMA50  *float64 `json:"sma_50,omitempty"`
	SMA100 *float64 `json:"sma_100,omitempty"`
	SMA200 *float64 `json:"sma_200,omitempty"`

	EMA5   *float64 `json:"ema_5,omitempty"`
	EMA10  *float64 `json:"ema_10,omitempty"`
	EMA20  *float64 `json:"ema_20,omitempty"`
	EMA50  *float64 `json:"ema_50,omitempty"`
	EMA100 *float64 `json:"ema_100,omitempty"`
	EMA200 *float64 `json:"ema_200,omitempty"`

	VolumeMA5  *float64 `json:"volume_ma_5,omitempty"`
	VolumeMA10 *float64 `json:"volume_ma_10,omitempty"`
	VolumeMA20 *float64 `json:"volume_ma_20,omitempty"`

	RSI14      *float64 `json:"rsi_14,omitempty"`
	VWAP       *float64 `json:"vwap,omitempty"`
	OBV        *float64 `json:"obv,omitempty"`
	MACD       *float64 `json:"macd,omitempty"`
	MACDSignal *float64 `json:"macd_signal,omitempty"`

	K *float64 `json:"k,omitempty"`
	D *float64 `json:"d,omitempty"`
	J *float64 `json:"j,omitempty"`

	ATR14     *float64 `json:"atr_14,omitempty"`
	BollMid   *float64 `json:"boll_mid,omitempty"`
	BollUpper *float64 `json:"boll_upper,omitempty"`
	BollLower *float64 `json:"boll_lower,omitempty"`

	MaxDrawdown *float64 `json:"max_drawdown,omitempty"`
	Sharpe      *float64 `json:"sharpe,omitempty"`
}

// IndicatorColumns is the storage column name of every indicator, in the order used by
// Indicators.Fields.
var IndicatorColumns = []string{
	"sma_5", "sma_10", "sma_20", "sma_50", "sma_100", "sma_200",
	"ema_5", "ema_10", "ema_20", "ema_50", "ema_100", "ema_200",
	"volume_ma_5", "volume_ma_10", "volume_ma_20",
	"rsi_14", "vwap", "obv", "macd", "macd_signal",
	"k", "d", "j",
	"atr_14", "boll_mid", "boll_upper", "boll_lower",
	"max_drawdown", "sharpe",
}

// Fields returns pointers to every indicator field, aligned with IndicatorColumns.
// Storage layers scan into and read from these.
func (ind *Indicators) Fields() []**float64 {
	return []**float64{
		&ind.SMA5, &ind.SMA10, &ind.SMA20, &ind.SMA50, &ind.SMA100, &ind.SMA200,
		&ind.EMA5, &ind.EMA10, &ind.EMA20, &ind.EMA50, &ind.EMA100, &ind.EMA200,
		&ind.VolumeMA5, &ind.VolumeMA10, &ind.VolumeMA20,
		&ind.RSI14, &ind.VWAP, &ind.OBV, &ind.MACD, &ind.MACDSignal,
		&ind.K, &ind.D, &ind.J,
		&ind.ATR14, &ind.BollMid, &ind.BollUpper, &ind.BollLower,
		&ind.MaxDrawdown, &ind.Sharpe,
	}
}

// Present returns the number of indicator fields that are set.
func (ind *Indicators) Present() int {
	n := 0
	for _, f := range ind.Fields() {
		if *f != nil {
			n++
		}
	}
	return n
}

// EnrichedBar is a bar together with its derived indicator columns.
type EnrichedBar struct {
	Bar
	Indicators Indicators `json:"indicators"`
}

// Series is the ordered set of bars for one (symbol, interval) produced by a single run.
// Bars are strictly increasing by Timestamp.
type Series struct {
	Symbol   string        `json:"symbol"`
	Interval Interval      `json:"interval"`
	Bars     []EnrichedBar `json:"bars"`
	Gaps     []Gap         `json:"gaps,omitempty"`
}

// NewSeries builds a series from raw bars, sorting them by timestamp and keeping the
// last occurrence of any repeated timestamp.
func NewSeries(symbol string, interval Interval, bars []Bar) *Series {
	byTS := make(map[int64]int, len(bars))
	out := make([]EnrichedBar, 0, len(bars))
	for _, b := range bars {
		if idx, ok := byTS[b.Timestamp]; ok {
			out[idx] = EnrichedBar{Bar: b}
			continue
		}
		byTS[b.Timestamp] = len(out)
		out = append(out, EnrichedBar{Bar: b})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	return &Series{Symbol: symbol, Interval: interval, Bars: out}
}

// Len returns the number of bars.
func (s *Series) Len() int {
	return len(s.Bars)
}

// FirstTimestamp returns the timestamp of the earliest bar, or 0 when empty.
func (s *Series) FirstTimestamp() int64 {
	if len(s.Bars) == 0 {
		return 0
	}
	return s.Bars[0].Timestamp
}

// LastTimestamp returns the timestamp of the latest bar, or 0 when empty.
func (s *Series) LastTimestamp() int64 {
	if len(s.Bars) == 0 {
		return 0
	}
	return s.Bars[len(s.Bars)-1].Timestamp
}

// Closes returns the close prices as float64 in series order.
func (s *Series) Closes() []float64 {
	out := make([]float64, len(s.Bars))
	for i := range s.Bars {
		out[i] = s.Bars[i].Close.InexactFloat64()
	}
	return out
}

// Validate checks ordering, uniqueness and per-bar invariants.
func (s *Series) Validate() error {
	if s.Symbol == "" {
		return &ValidationError{Field: "symbol", Message: "series symbol cannot be empty"}
	}
	if !s.Interval.Valid() {
		return &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q", s.Interval)}
	}
	for i := range s.Bars {
		b := &s.Bars[i]
		if b.Symbol != s.Symbol {
			return &ValidationError{Field: "symbol", Message: fmt.Sprintf("bar %d belongs to %s, series is %s", i, b.Symbol, s.Symbol)}
		}
		if i > 0 && b.Timestamp <= s.Bars[i-1].Timestamp {
			return &ValidationError{Field: "timestamp", Message: fmt.Sprintf("bar %d at %d is not after %d", i, b.Timestamp, s.Bars[i-1].Timestamp)}
		}
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy whose bars and gaps can be modified independently.
func (s *Series) Clone() *Series {
	c := &Series{Symbol: s.Symbol, Interval: s.Interval}
	c.Bars = make([]EnrichedBar, len(s.Bars))
	copy(c.Bars, s.Bars)
	for i := range c.Bars {
		for _, f := range c.Bars[i].Indicators.Fields() {
			if *f != nil {
				v := **f
				*f = &v
			}
		}
	}
	if len(s.Gaps) > 0 {
		c.Gaps = append([]Gap(nil), s.Gaps...)
	}
	return c
}
