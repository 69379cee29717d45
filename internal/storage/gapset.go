package storage

import (
	"sort"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// gapWindow returns the bucket span [first, last+step] a persisted series touches. Every
// recorded gap that overlaps or borders it is re-evaluated by reconcileGaps.
func gapWindow(series *models.Series) (int64, int64) {
	return series.FirstTimestamp(), series.LastTimestamp() + series.Interval.Millis()
}

// touchesWindow reports whether g overlaps or borders [from, to].
func touchesWindow(g models.Gap, from, to int64) bool {
	return g.StartTime <= to && g.EndTime >= from
}

// reconcileGaps returns the gaps to record once the recorded gaps touching the series
// window have been deleted: the parts of those gaps that lie outside the window, plus the
// gaps of the series itself. Buckets inside the window are described by the series alone.
// The result is sorted and free of duplicates.
func reconcileGaps(recorded []models.Gap, series *models.Series) []models.Gap {
	from, to := gapWindow(series)
	step := series.Interval.Millis()

	var out []models.Gap
	for _, g := range recorded {
		if !touchesWindow(g, from, to) {
			continue
		}
		if g.StartTime < from {
			out = appendSpan(out, g, g.StartTime, min(g.EndTime, from), step)
		}
		if g.EndTime > to {
			out = appendSpan(out, g, max(g.StartTime, to), g.EndTime, step)
		}
	}
	out = append(out, series.Gaps...)

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime != out[j].StartTime {
			return out[i].StartTime < out[j].StartTime
		}
		return out[i].EndTime < out[j].EndTime
	})
	uniq := out[:0]
	for i, g := range out {
		if i > 0 && g.StartTime == uniq[len(uniq)-1].StartTime && g.EndTime == uniq[len(uniq)-1].EndTime {
			continue
		}
		uniq = append(uniq, g)
	}
	return uniq
}

func appendSpan(out []models.Gap, g models.Gap, start, end, step int64) []models.Gap {
	if step <= 0 || end-start < step {
		return out
	}
	g.StartTime, g.EndTime = start, end
	g.MissingBars = int((end - start) / step)
	return append(out, g)
}
