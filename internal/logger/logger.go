// Package logger provides structured logging with context propagation for the ingestion pipeline.
// It wraps log/slog with JSON or text output, optional size-based file rotation, component
// loggers, and context keys that carry the run id, symbol and interval through a pipeline.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
)

// ContextKey names a pipeline attribute carried in a context.Context.
type ContextKey string

const (
	RunIDKey     ContextKey = "run_id"
	OperationKey ContextKey = "operation"
	SymbolKey    ContextKey = "symbol"
	IntervalKey  ContextKey = "interval"
)

// contextKeys is the order attributes appear in a decorated record.
var contextKeys = []ContextKey{RunIDKey, OperationKey, SymbolKey, IntervalKey}

// LoggerManager owns the process log sink and hands out component loggers.
type LoggerManager struct {
	base *slog.Logger
	sink io.WriteCloser

	mu         sync.Mutex
	components map[string]*slog.Logger
}

// ComponentLogger is a logger bound to one pipeline component.
type ComponentLogger struct {
	*slog.Logger
}

// NewLoggerManager opens the configured sink: stdout, stderr, or a rotating file.
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	sink, err := openSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create log writer: %w", err)
	}
	return build(cfg, sink), nil
}

// NewLoggerManagerWithWriter builds a manager that writes to w; used by tests and tools.
func NewLoggerManagerWithWriter(cfg config.LoggingConfig, w io.Writer) *LoggerManager {
	return build(cfg, nopCloser{w})
}

func build(cfg config.LoggingConfig, sink io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:       levelOf(cfg.Level),
		AddSource:   strings.EqualFold(cfg.Level, "debug"),
		ReplaceAttr: formatAttr,
	}

	var h slog.Handler = slog.NewJSONHandler(sink, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(sink, opts)
	}
	if len(cfg.ContextFields) > 0 {
		static := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			static = append(static, slog.String(k, v))
		}
		h = h.WithAttrs(static)
	}

	return &LoggerManager{
		base:       slog.New(h),
		sink:       sink,
		components: make(map[string]*slog.Logger),
	}
}

// formatAttr renders times as RFC3339Nano and levels in upper case.
func formatAttr(_ []string, a slog.Attr) slog.Attr {
	switch v := a.Value.Any().(type) {
	case time.Time:
		if a.Key == slog.TimeKey {
			a.Value = slog.StringValue(v.Format(time.RFC3339Nano))
		}
	case slog.Level:
		if a.Key == slog.LevelKey {
			a.Value = slog.StringValue(strings.ToUpper(v.String()))
		}
	}
	return a
}

func openSink(cfg config.LoggingConfig) (io.WriteCloser, error) {
	switch cfg.Output {
	case "stderr":
		return nopCloser{os.Stderr}, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file path is required when output is 'file'")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		return &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}, nil
	default:
		return nopCloser{os.Stdout}, nil
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// levelOf maps a configured level name to a slog level. Unknown names mean info.
func levelOf(name string) slog.Level {
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// GetLogger returns the root logger.
func (lm *LoggerManager) GetLogger() *slog.Logger {
	return lm.base
}

// GetComponentLogger returns the logger for component, creating it on first use.
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	l, ok := lm.components[component]
	if !ok {
		l = lm.base.With(slog.String("component", component))
		lm.components[component] = l
	}
	return &ComponentLogger{Logger: l}
}

// WithContext returns the root logger decorated with the attributes carried by ctx.
func (lm *LoggerManager) WithContext(ctx context.Context) *slog.Logger {
	return FromContext(ctx, lm.base)
}

// Close flushes and closes the sink.
func (lm *LoggerManager) Close() error {
	if lm.sink == nil {
		return nil
	}
	return lm.sink.Close()
}

// FromContext decorates l with the run id, operation, symbol and interval carried by ctx.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	var attrs []any
	for _, key := range contextKeys {
		if v := value(ctx, key); v != "" {
			attrs = append(attrs, slog.String(string(key), v))
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return l.With(attrs...)
}

func value(ctx context.Context, key ContextKey) string {
	v, _ := ctx.Value(key).(string)
	return v
}

// NewRunContext attaches a fresh run id to ctx and returns it.
func NewRunContext(ctx context.Context) (context.Context, string) {
	runID := uuid.NewString()
	return WithRunID(ctx, runID), runID
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}

func WithSymbol(ctx context.Context, symbol string) context.Context {
	return context.WithValue(ctx, SymbolKey, symbol)
}

func WithInterval(ctx context.Context, interval string) context.Context {
	return context.WithValue(ctx, IntervalKey, interval)
}

// GetRunID returns the run id carried by ctx, or "".
func GetRunID(ctx context.Context) string { return value(ctx, RunIDKey) }

// GetSymbol returns the symbol carried by ctx, or "".
func GetSymbol(ctx context.Context) string { return value(ctx, SymbolKey) }

// TimedOperationWithContext runs fn under the given operation name and logs its duration:
// at debug on success, at error with the failure otherwise. fn's error is returned unchanged.
func TimedOperationWithContext(ctx context.Context, l *slog.Logger, operation string, fn func() error) error {
	started := time.Now()
	err := fn()
	elapsed := time.Since(started)

	l = FromContext(WithOperation(ctx, operation), l)
	if err != nil {
		l.ErrorContext(ctx, "operation failed", slog.Duration("duration", elapsed), slog.Any("error", err))
		return err
	}
	l.DebugContext(ctx, "operation completed", slog.Duration("duration", elapsed))
	return nil
}
