package collector

import (
	"fmt"
	"log/slog"
	"time"
)

// CollectorBuilder provides a builder pattern for creating collectors
type CollectorBuilder struct {
	fetcher   SeriesFetcher
	store     Store
	publisher OutcomePublisher
	recorder  RunRecorder
	config    *Config
	logger    *slog.Logger
}

// NewBuilder creates a new collector builder
func NewBuilder() *CollectorBuilder {
	return &CollectorBuilder{
		config: DefaultConfig(),
	}
}

// WithFetcher sets the series fetcher
func (b *CollectorBuilder) WithFetcher(fetcher SeriesFetcher) *CollectorBuilder {
	b.fetcher = fetcher
	return b
}

// WithStore sets the storage backend
func (b *CollectorBuilder) WithStore(store Store) *CollectorBuilder {
	b.store = store
	return b
}

// WithPublisher sets the outcome publisher
func (b *CollectorBuilder) WithPublisher(publisher OutcomePublisher) *CollectorBuilder {
	b.publisher = publisher
	return b
}

// WithRecorder sets the run report recorder
func (b *CollectorBuilder) WithRecorder(recorder RunRecorder) *CollectorBuilder {
	b.recorder = recorder
	return b
}

// WithConfig sets the configuration
func (b *CollectorBuilder) WithConfig(config *Config) *CollectorBuilder {
	if config != nil {
		b.config = config
	}
	return b
}

// WithLogger sets the logger
func (b *CollectorBuilder) WithLogger(logger *slog.Logger) *CollectorBuilder {
	b.logger = logger
	return b
}

// WithWorkerCount sets the worker count
func (b *CollectorBuilder) WithWorkerCount(count int) *CollectorBuilder {
	b.config.WorkerCount = count
	return b
}

// WithAnomalyScanner sets the scanner run on every fetched series
func (b *CollectorBuilder) WithAnomalyScanner(scanner AnomalyScanner) *CollectorBuilder {
	b.config.Anomalies = scanner
	return b
}

// WithClock replaces the time source used to resolve incremental ranges
func (b *CollectorBuilder) WithClock(now func() time.Time) *CollectorBuilder {
	b.config.Now = now
	return b
}

// Build creates the collector with the configured options
func (b *CollectorBuilder) Build() (*Collector, error) {
	if b.fetcher == nil {
		return nil, fmt.Errorf("series fetcher is required")
	}
	if b.store == nil {
		return nil, fmt.Errorf("store is required")
	}

	if b.logger != nil {
		b.config.Logger = b.logger
	}
	if err := ValidateConfig(b.config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return New(b.fetcher, b.store, b.publisher, b.recorder, b.config), nil
}

// ValidateConfig validates the collector configuration
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if config.WorkerCount <= 0 {
		return fmt.Errorf("worker count must be positive, got %d", config.WorkerCount)
	}
	if config.Lookback <= 0 {
		return fmt.Errorf("lookback must be positive, got %s", config.Lookback)
	}
	if config.WarmupBars < 0 {
		return fmt.Errorf("warmup bars must not be negative, got %d", config.WarmupBars)
	}
	return nil
}
