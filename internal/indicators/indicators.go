// Package indicators derives the technical indicator columns of an enriched series.
//
// Enrich is a pure function over close, high, low and volume. Every indicator has a
// warm-up: until enough bars have been seen the field is left nil, never zero.
package indicators

import (
	"fmt"
	"math"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

const (
	rsiPeriod    = 14
	kdjPeriod    = 14
	kdjAlpha     = 1.0 / 3
	atrPeriod    = 14
	bollPeriod   = 20
	bollWidth    = 2.0
	sharpePeriod = 20
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9

	// epsilon keeps ratios finite when a denominator is zero.
	epsilon = 1e-10
)

// MovingAveragePeriods are the SMA and EMA window lengths over close.
var MovingAveragePeriods = []int{5, 10, 20, 50, 100, 200}

// VolumePeriods are the moving-average window lengths over volume.
var VolumePeriods = []int{5, 10, 20}

// columns holds the raw float inputs of a series.
type columns struct {
	close, high, low, volume []float64
}

func columnsOf(series *models.Series) columns {
	n := len(series.Bars)
	c := columns{
		close:  make([]float64, n),
		high:   make([]float64, n),
		low:    make([]float64, n),
		volume: make([]float64, n),
	}
	for i := range series.Bars {
		b := &series.Bars[i]
		c.close[i] = b.Close.InexactFloat64()
		c.high[i] = b.High.InexactFloat64()
		c.low[i] = b.Low.InexactFloat64()
		c.volume[i] = b.Volume.InexactFloat64()
	}
	return c
}

// Enrich returns a copy of series with every indicator computed. The input is not modified.
// Bars must already be in strictly increasing timestamp order.
func Enrich(series *models.Series) *models.Series {
	if series == nil {
		return nil
	}
	out := series.Clone()
	if len(out.Bars) == 0 {
		return out
	}

	cols := compute(columnsOf(out))
	for i := range out.Bars {
		fields := out.Bars[i].Indicators.Fields()
		for j, name := range models.IndicatorColumns {
			*fields[j] = toPtr(cols[name][i])
		}
	}
	return out
}

// compute returns every indicator column keyed by its storage column name. Absent values
// are NaN.
func compute(in columns) map[string][]float64 {
	cols := make(map[string][]float64, len(models.IndicatorColumns))

	for _, p := range MovingAveragePeriods {
		cols[fmt.Sprintf("sma_%d", p)] = rollingMean(in.close, p)
		cols[fmt.Sprintf("ema_%d", p)] = ewm(in.close, spanAlpha(p), p)
	}
	for _, p := range VolumePeriods {
		cols[fmt.Sprintf("volume_ma_%d", p)] = rollingMean(in.volume, p)
	}

	cols["rsi_14"] = RSI(in.close, rsiPeriod)
	cols["vwap"] = VWAP(in.high, in.low, in.close, in.volume)
	cols["obv"] = OBV(in.close, in.volume)
	cols["macd"], cols["macd_signal"] = MACD(in.close)
	cols["k"], cols["d"], cols["j"] = KDJ(in.high, in.low, in.close)
	cols["atr_14"] = ATR(in.high, in.low, in.close, atrPeriod)
	cols["boll_mid"], cols["boll_upper"], cols["boll_lower"] = Bollinger(in.close, bollPeriod, bollWidth)
	cols["max_drawdown"] = MaxDrawdown(in.close)
	cols["sharpe"] = Sharpe(in.close, sharpePeriod)

	return cols
}

// RSI is the relative strength index using simple rolling means of gains and losses.
// The first value is at index period, since the delta at index 0 is absent.
func RSI(close []float64, period int) []float64 {
	delta := diff(close)
	gains := newColumn(len(close))
	losses := newColumn(len(close))
	for i, d := range delta {
		if isAbsent(d) {
			continue
		}
		gains[i] = math.Max(d, 0)
		losses[i] = math.Max(-d, 0)
	}

	avgGain := rollingMean(gains, period)
	avgLoss := rollingMean(losses, period)

	out := newColumn(len(close))
	for i := range out {
		if isAbsent(avgGain[i]) || isAbsent(avgLoss[i]) {
			continue
		}
		rs := avgGain[i] / (avgLoss[i] + epsilon)
		out[i] = 100 - 100/(1+rs)
	}
	return out
}

// VWAP is the cumulative volume-weighted typical price, absent while no volume has traded.
func VWAP(high, low, close, volume []float64) []float64 {
	out := newColumn(len(close))
	var pv, vol float64
	for i := range close {
		typical := (high[i] + low[i] + close[i]) / 3
		pv += typical * volume[i]
		vol += volume[i]
		if vol > 0 {
			out[i] = pv / vol
		}
	}
	return out
}

// OBV is on-balance volume: zero at the first bar, then volume added on an up close and
// subtracted on a down close.
func OBV(close, volume []float64) []float64 {
	out := newColumn(len(close))
	var acc float64
	for i := range close {
		if i > 0 {
			switch {
			case close[i] > close[i-1]:
				acc += volume[i]
			case close[i] < close[i-1]:
				acc -= volume[i]
			}
		}
		out[i] = acc
	}
	return out
}

// MACD returns the EMA12-EMA26 line and its EMA9 signal, both present from the first bar.
func MACD(close []float64) (macd, signal []float64) {
	fast := ewm(close, spanAlpha(macdFast), 0)
	slow := ewm(close, spanAlpha(macdSlow), 0)
	macd = newColumn(len(close))
	for i := range close {
		macd[i] = fast[i] - slow[i]
	}
	return macd, ewm(macd, spanAlpha(macdSignal), 0)
}

// KDJ returns the stochastic K, D and J lines. K smooths the 14-bar RSV and needs 14 RSV
// observations; D smooths K the same way; J = 3K - 2D.
func KDJ(high, low, close []float64) (k, d, j []float64) {
	lowest := rollingMin(low, kdjPeriod)
	highest := rollingMax(high, kdjPeriod)

	rsv := newColumn(len(close))
	for i := range close {
		if isAbsent(lowest[i]) || isAbsent(highest[i]) {
			continue
		}
		rsv[i] = (close[i] - lowest[i]) / (highest[i] - lowest[i] + epsilon) * 100
	}

	k = ewm(rsv, kdjAlpha, kdjPeriod)
	d = ewm(k, kdjAlpha, kdjPeriod)
	j = newColumn(len(close))
	for i := range close {
		if isAbsent(k[i]) || isAbsent(d[i]) {
			continue
		}
		j[i] = 3*k[i] - 2*d[i]
	}
	return k, d, j
}

// ATR is the simple rolling mean of the true range. The first bar's true range is its
// high-low span.
func ATR(high, low, close []float64, period int) []float64 {
	tr := make([]float64, len(close))
	for i := range close {
		tr[i] = high[i] - low[i]
		if i > 0 {
			prev := close[i-1]
			tr[i] = math.Max(tr[i], math.Max(math.Abs(high[i]-prev), math.Abs(low[i]-prev)))
		}
	}
	return rollingMean(tr, period)
}

// Bollinger returns the middle, upper and lower bands: SMA(period) plus or minus width
// sample standard deviations.
func Bollinger(close []float64, period int, width float64) (mid, upper, lower []float64) {
	mid = rollingMean(close, period)
	std := rollingStd(close, period)
	upper = newColumn(len(close))
	lower = newColumn(len(close))
	for i := range close {
		if isAbsent(mid[i]) || isAbsent(std[i]) {
			continue
		}
		upper[i] = mid[i] + width*std[i]
		lower[i] = mid[i] - width*std[i]
	}
	return mid, upper, lower
}

// MaxDrawdown is the fractional distance of each close below the running maximum close.
func MaxDrawdown(close []float64) []float64 {
	out := newColumn(len(close))
	peak := math.Inf(-1)
	for i, c := range close {
		peak = math.Max(peak, c)
		if peak > 0 {
			out[i] = c/peak - 1
		}
	}
	return out
}

// Sharpe is the rolling mean of simple returns over their rolling sample deviation.
// A return after a zero close is absent.
func Sharpe(close []float64, period int) []float64 {
	returns := newColumn(len(close))
	for i := 1; i < len(close); i++ {
		if close[i-1] != 0 {
			returns[i] = close[i]/close[i-1] - 1
		}
	}

	avg := rollingMean(returns, period)
	std := rollingStd(returns, period)
	out := newColumn(len(close))
	for i := range close {
		if isAbsent(avg[i]) || isAbsent(std[i]) {
			continue
		}
		out[i] = avg[i] / (std[i] + epsilon)
	}
	return out
}
