// Package profiling starts continuous profiling against a Pyroscope server.
package profiling

import (
	"fmt"
	"log/slog"

	"github.com/grafana/pyroscope-go"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// DefaultApplicationName is used when the configuration leaves the name empty.
const DefaultApplicationName = "ohlcv-ingest"

// Stopper stops a running profiler.
type Stopper interface {
	Stop() error
}

type noopStopper struct{}

func (noopStopper) Stop() error { return nil }

// Start begins profiling when cfg.Enabled is set. The returned Stopper is never nil.
func Start(cfg config.ProfilingConfig, logger *slog.Logger) (Stopper, error) {
	if !cfg.Enabled {
		return noopStopper{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	pc := Config(cfg, logger)
	profiler, err := pyroscope.Start(pc)
	if err != nil {
		return noopStopper{}, fmt.Errorf("start profiler: %w", err)
	}

	logger.Info("profiling enabled", "server", pc.ServerAddress, "application", pc.ApplicationName)
	return profiler, nil
}

// Config translates the application configuration into a pyroscope configuration.
func Config(cfg config.ProfilingConfig, logger *slog.Logger) pyroscope.Config {
	name := cfg.ApplicationName
	if name == "" {
		name = DefaultApplicationName
	}
	return pyroscope.Config{
		ApplicationName: name,
		ServerAddress:   cfg.ServerAddress,
		Tags:            cfg.Tags,
		Logger:          slogAdapter{logger: logger.With("component", "profiling")},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
			pyroscope.ProfileGoroutines,
		},
	}
}

// slogAdapter routes profiler messages into the application logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Infof(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Debugf(format string, args ...interface{}) {
	a.logger.Debug(fmt.Sprintf(format, args...))
}

func (a slogAdapter) Errorf(format string, args ...interface{}) {
	a.logger.Error(fmt.Sprintf(format, args...))
}
