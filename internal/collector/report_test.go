package collector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testReport(finished time.Time, states ...models.OutcomeState) *RunReport {
	report := &RunReport{
		RunID:      "run-" + finished.Format("150405"),
		Interval:   models.Interval1d,
		StartedAt:  finished.Add(-time.Minute),
		FinishedAt: finished,
		DurationMs: time.Minute.Milliseconds(),
		Summary:    make(map[models.OutcomeState]int),
	}
	for i, s := range states {
		o := models.NewSymbolOutcome(report.RunID, string(rune('A'+i))+"USDT", models.Interval1d)
		o.State = s
		o.BarsWritten = 10
		report.Outcomes = append(report.Outcomes, o)
		report.Summary[s]++
	}
	return report
}

func TestFileRecorderSplitsBySuccess(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	recorder := NewFileRecorder(dir)

	ok := testReport(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), models.StateDone, models.StatePartialGap)
	require.NoError(t, recorder.Record(ok))
	assert.FileExists(t, filepath.Join(dir, successReportFile))
	assert.NoFileExists(t, filepath.Join(dir, failedReportFile))

	failed := testReport(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), models.StateDone, models.StateFailed)
	require.NoError(t, recorder.Record(failed))
	assert.FileExists(t, filepath.Join(dir, failedReportFile))

	latest, err := LoadLastRun(dir)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, failed.RunID, latest.RunID)
	assert.Equal(t, 1, latest.Count(models.StateFailed))
	require.Len(t, latest.Outcomes, 2)
	assert.Equal(t, models.StateFailed, latest.Outcomes[1].State)
	assert.Equal(t, 10, latest.Outcomes[1].BarsWritten)
}

func TestLoadLastRunEmptyDir(t *testing.T) {
	latest, err := LoadLastRun(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestLoadLastRunCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, successReportFile), []byte("{not json"), 0o644))

	_, err := LoadLastRun(dir)
	assert.Error(t, err)
}
