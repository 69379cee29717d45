package collector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

const (
	successReportFile = ".lastrun.success.json"
	failedReportFile  = ".lastrun.failed.json"
)

// FileRecorder writes each run report to a fixed file in dir: .lastrun.success.json when
// every symbol succeeded, .lastrun.failed.json otherwise.
type FileRecorder struct {
	dir string
}

// NewFileRecorder creates a recorder writing into dir, which is created on first use.
func NewFileRecorder(dir string) *FileRecorder {
	return &FileRecorder{dir: dir}
}

// Record implements RunRecorder.
func (r *FileRecorder) Record(report *RunReport) error {
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create report directory: %w", err)
	}

	data, err := sonic.ConfigStd.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode run report: %w", err)
	}

	name := failedReportFile
	if report.Succeeded() {
		name = successReportFile
	}
	path := filepath.Join(r.dir, name)

	// Write then rename so readers never see a partial report.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("write run report: %w", err)
	}
	return nil
}

// LoadLastRun returns the most recent report recorded in dir, or nil when there is none.
func LoadLastRun(dir string) (*RunReport, error) {
	var latest *RunReport
	for _, name := range []string{successReportFile, failedReportFile} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var report RunReport
		if err := sonic.ConfigStd.Unmarshal(data, &report); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if latest == nil || report.FinishedAt.After(latest.FinishedAt) {
			latest = &report
		}
	}
	return latest, nil
}
