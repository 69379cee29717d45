package collector

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// CollectionMetrics is a snapshot of the collector's activity since start.
type CollectionMetrics struct {
	Runs          int64                         `json:"runs"`
	BarsFetched   int64                         `json:"bars_fetched"`
	BarsWritten   int64                         `json:"bars_written"`
	RowsSkipped   int64                         `json:"rows_skipped"`
	GapsDetected  int64                         `json:"gaps_detected"`
	Anomalies     int64                         `json:"anomalies"`
	FetchAttempts int64                         `json:"fetch_attempts"`
	Outcomes      map[models.OutcomeState]int64 `json:"outcomes"`
	SuccessRate   float64                       `json:"success_rate"`
	AvgSymbolTime time.Duration                 `json:"avg_symbol_time"`
	LastRunAt     time.Time                     `json:"last_run_at,omitempty"`
	Uptime        time.Duration                 `json:"uptime"`
	Memory        MemoryStats                   `json:"memory"`
}

// MemoryStats provides process memory statistics
type MemoryStats struct {
	AllocMB     int64  `json:"alloc_mb"`
	SysMB       int64  `json:"sys_mb"`
	NumGC       uint32 `json:"num_gc"`
	HeapObjects uint64 `json:"heap_objects"`
	Goroutines  int    `json:"goroutines"`
}

// metricsCollector tracks collection statistics across runs
type metricsCollector struct {
	runs          atomic.Int64
	barsFetched   atomic.Int64
	barsWritten   atomic.Int64
	rowsSkipped   atomic.Int64
	gapsDetected  atomic.Int64
	anomalies     atomic.Int64
	fetchAttempts atomic.Int64

	totalSymbolTime atomic.Int64 // nanoseconds
	symbolCount     atomic.Int64

	mu        sync.RWMutex
	outcomes  map[models.OutcomeState]int64
	lastRunAt time.Time
	startTime time.Time
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		outcomes:  make(map[models.OutcomeState]int64),
		startTime: time.Now(),
	}
}

// recordOutcome records a terminal symbol outcome
func (m *metricsCollector) recordOutcome(o *models.SymbolOutcome) {
	m.barsFetched.Add(int64(o.BarsFetched))
	m.barsWritten.Add(int64(o.BarsWritten))
	m.rowsSkipped.Add(int64(o.Skipped))
	m.gapsDetected.Add(int64(len(o.Gaps)))
	m.fetchAttempts.Add(int64(o.Attempts))
	if o.Duration > 0 {
		m.totalSymbolTime.Add(o.Duration.Nanoseconds())
		m.symbolCount.Add(1)
	}

	m.mu.Lock()
	m.outcomes[o.State]++
	m.mu.Unlock()
}

// recordAnomalies adds n detected anomalies
func (m *metricsCollector) recordAnomalies(n int) {
	m.anomalies.Add(int64(n))
}

// recordRun records the end of a run
func (m *metricsCollector) recordRun(finishedAt time.Time) {
	m.runs.Add(1)
	m.mu.Lock()
	m.lastRunAt = finishedAt
	m.mu.Unlock()
}

// getMetrics returns current metrics snapshot
func (m *metricsCollector) getMetrics() *CollectionMetrics {
	m.mu.RLock()
	outcomes := make(map[models.OutcomeState]int64, len(m.outcomes))
	var total, succeeded int64
	for state, n := range m.outcomes {
		outcomes[state] = n
		total += n
		if state.Succeeded() {
			succeeded += n
		}
	}
	lastRunAt := m.lastRunAt
	m.mu.RUnlock()

	var successRate float64
	if total > 0 {
		successRate = float64(succeeded) / float64(total)
	}

	var avg time.Duration
	if n := m.symbolCount.Load(); n > 0 {
		avg = time.Duration(m.totalSymbolTime.Load() / n)
	}

	return &CollectionMetrics{
		Runs:          m.runs.Load(),
		BarsFetched:   m.barsFetched.Load(),
		BarsWritten:   m.barsWritten.Load(),
		RowsSkipped:   m.rowsSkipped.Load(),
		GapsDetected:  m.gapsDetected.Load(),
		Anomalies:     m.anomalies.Load(),
		FetchAttempts: m.fetchAttempts.Load(),
		Outcomes:      outcomes,
		SuccessRate:   successRate,
		AvgSymbolTime: avg,
		LastRunAt:     lastRunAt,
		Uptime:        time.Since(m.startTime),
		Memory:        readMemoryStats(),
	}
}

func readMemoryStats() MemoryStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MemoryStats{
		AllocMB:     int64(memStats.Alloc / 1024 / 1024),
		SysMB:       int64(memStats.Sys / 1024 / 1024),
		NumGC:       memStats.NumGC,
		HeapObjects: memStats.HeapObjects,
		Goroutines:  runtime.NumGoroutine(),
	}
}
