package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

// MemoryStorage is a thread-safe in-memory FullStorage. A Persist call is applied under one
// lock after every row has been validated, giving the same all-or-nothing outcome as the
// SQL backends.
type MemoryStorage struct {
	mu sync.RWMutex

	// bars: map[symbol/interval][timestamp] -> bar
	bars map[string]map[int64]models.EnrichedBar
	gaps map[string][]models.Gap

	closed bool
}

// NewMemoryStorage creates a new in-memory storage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bars: make(map[string]map[int64]models.EnrichedBar),
		gaps: make(map[string][]models.Gap),
	}
}

var errClosed = errors.New("storage is closed")

// Initialize implements StorageManager.Initialize.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	return ctx.Err()
}

// Persist implements Writer.Persist.
func (m *MemoryStorage) Persist(ctx context.Context, series *models.Series) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, NewStorageError("persist", barsTable, err)
	}
	if series == nil || len(series.Bars) == 0 {
		return 0, nil
	}

	for i := range series.Bars {
		if err := series.Bars[i].Validate(); err != nil {
			return 0, &ierrors.PersistError{Symbol: series.Symbol, Timestamp: series.Bars[i].Timestamp, Err: err}
		}
	}

	// Copy before taking the lock so stored indicator pointers are not shared with the caller.
	stored := series.Clone()
	key := seriesKey(series.Symbol, series.Interval)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, NewStorageError("persist", barsTable, errClosed)
	}

	byTS, ok := m.bars[key]
	if !ok {
		byTS = make(map[int64]models.EnrichedBar, len(stored.Bars))
		m.bars[key] = byTS
	}
	for _, bar := range stored.Bars {
		byTS[bar.Timestamp] = bar
	}

	from, to := gapWindow(stored)
	var kept []models.Gap
	for _, g := range m.gaps[key] {
		if !touchesWindow(g, from, to) {
			kept = append(kept, g)
		}
	}
	kept = append(kept, reconcileGaps(m.gaps[key], stored)...)
	sort.Slice(kept, func(i, j int) bool { return kept[i].StartTime < kept[j].StartTime })
	m.gaps[key] = kept

	return len(stored.Bars), nil
}

// LoadBars implements Reader.LoadBars.
func (m *MemoryStorage) LoadBars(ctx context.Context, symbol string, interval models.Interval, start, end int64) ([]models.EnrichedBar, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewQueryError(barsTable, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError(barsTable, errClosed)
	}

	var out []models.EnrichedBar
	for ts, bar := range m.bars[seriesKey(symbol, interval)] {
		if ts < start || (end > 0 && ts >= end) {
			continue
		}
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })

	// Hand out copies so callers cannot modify stored indicators.
	series := models.Series{Bars: out}
	return series.Clone().Bars, nil
}

// LatestTimestamp implements Reader.LatestTimestamp.
func (m *MemoryStorage) LatestTimestamp(ctx context.Context, symbol string, interval models.Interval) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		latest int64
		found  bool
	)
	for ts := range m.bars[seriesKey(symbol, interval)] {
		if !found || ts > latest {
			latest, found = ts, true
		}
	}
	return latest, found, nil
}

// Count implements Reader.Count.
func (m *MemoryStorage) Count(ctx context.Context, symbol string, interval models.Interval) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.bars[seriesKey(symbol, interval)])), nil
}

// LoadGaps implements Reader.LoadGaps.
func (m *MemoryStorage) LoadGaps(ctx context.Context, symbol string, interval models.Interval) ([]models.Gap, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gaps := m.gaps[seriesKey(symbol, interval)]
	if len(gaps) == 0 {
		return nil, nil
	}
	return append([]models.Gap(nil), gaps...), nil
}

// GetStats implements StorageManager.GetStats.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &StorageStats{}
	symbols := make(map[string]struct{})
	for _, byTS := range m.bars {
		for ts, bar := range byTS {
			if stats.TotalBars == 0 || ts < stats.EarliestTimestamp {
				stats.EarliestTimestamp = ts
			}
			if stats.TotalBars == 0 || ts > stats.LatestTimestamp {
				stats.LatestTimestamp = ts
			}
			stats.TotalBars++
			symbols[bar.Symbol] = struct{}{}
		}
	}
	stats.TotalSymbols = len(symbols)
	for _, gaps := range m.gaps {
		stats.TotalGaps += int64(len(gaps))
	}
	return stats, nil
}

// HealthCheck implements HealthChecker.HealthCheck.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return NewStorageError("health_check", "", errClosed)
	}
	return nil
}

// Close implements StorageManager.Close.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ FullStorage = (*MemoryStorage)(nil)
