package indicators

import "math"

// Columns are computed as []float64 with NaN marking an absent value. NaN never reaches a
// caller: toPtr turns it into nil.

var nan = math.NaN()

func isAbsent(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

func newColumn(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = nan
	}
	return out
}

// window returns values[i-w+1 : i+1] when all w values exist and are present.
func window(values []float64, i, w int) ([]float64, bool) {
	if w <= 0 || i-w+1 < 0 {
		return nil, false
	}
	win := values[i-w+1 : i+1]
	for _, v := range win {
		if isAbsent(v) {
			return nil, false
		}
	}
	return win, true
}

// rollingMean is the mean of the last w values, present once w present values are in the window.
func rollingMean(values []float64, w int) []float64 {
	out := newColumn(len(values))
	for i := range values {
		win, ok := window(values, i, w)
		if !ok {
			continue
		}
		out[i] = mean(win)
	}
	return out
}

// rollingStd is the sample standard deviation (n-1) of the last w values.
func rollingStd(values []float64, w int) []float64 {
	out := newColumn(len(values))
	if w < 2 {
		return out
	}
	for i := range values {
		win, ok := window(values, i, w)
		if !ok {
			continue
		}
		m := mean(win)
		var ss float64
		for _, v := range win {
			d := v - m
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(w-1))
	}
	return out
}

func rollingMin(values []float64, w int) []float64 {
	out := newColumn(len(values))
	for i := range values {
		win, ok := window(values, i, w)
		if !ok {
			continue
		}
		m := win[0]
		for _, v := range win[1:] {
			m = math.Min(m, v)
		}
		out[i] = m
	}
	return out
}

func rollingMax(values []float64, w int) []float64 {
	out := newColumn(len(values))
	for i := range values {
		win, ok := window(values, i, w)
		if !ok {
			continue
		}
		m := win[0]
		for _, v := range win[1:] {
			m = math.Max(m, v)
		}
		out[i] = m
	}
	return out
}

// ewm is a recursive exponential moving average: y = alpha*x + (1-alpha)*y_prev, seeded
// with the first present value. Leading absent values are skipped; an absent value after
// the seed carries the previous average forward. The result is reported once minPeriods
// present values have been seen.
func ewm(values []float64, alpha float64, minPeriods int) []float64 {
	out := newColumn(len(values))
	var (
		avg    float64
		seeded bool
		seen   int
	)
	for i, v := range values {
		if !isAbsent(v) {
			seen++
			if !seeded {
				avg = v
				seeded = true
			} else {
				avg = alpha*v + (1-alpha)*avg
			}
		}
		if seeded && seen >= minPeriods {
			out[i] = avg
		}
	}
	return out
}

// spanAlpha converts an EMA span to its smoothing factor, 2/(span+1).
func spanAlpha(span int) float64 {
	return 2 / (float64(span) + 1)
}

// diff returns values[i] - values[i-1], absent at index 0.
func diff(values []float64) []float64 {
	out := newColumn(len(values))
	for i := 1; i < len(values); i++ {
		out[i] = values[i] - values[i-1]
	}
	return out
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func toPtr(v float64) *float64 {
	if isAbsent(v) {
		return nil
	}
	return &v
}
