package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestComponentLoggerAddsComponentAndContextFields(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	lm := NewLoggerManagerWithWriter(cfg, &buf)

	lm.GetComponentLogger("fetcher").Info("page fetched", "rows", 3)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "fetcher", lines[0]["component"])
	assert.Equal(t, "ohlcv-ingest", lines[0]["service"])
	assert.Equal(t, "INFO", lines[0]["level"])
	assert.EqualValues(t, 3, lines[0]["rows"])
}

func TestWithContextCarriesRunSymbolInterval(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLoggerManagerWithWriter(config.DefaultConfig().Logging, &buf)

	ctx, runID := NewRunContext(context.Background())
	ctx = WithSymbol(ctx, "BTCUSDT")
	ctx = WithInterval(ctx, "1d")

	lm.WithContext(ctx).Warn("slow page")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, runID, lines[0]["run_id"])
	assert.Equal(t, "BTCUSDT", lines[0]["symbol"])
	assert.Equal(t, "1d", lines[0]["interval"])
	assert.Equal(t, runID, GetRunID(ctx))
	assert.Equal(t, "BTCUSDT", GetSymbol(ctx))
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	cfg := config.DefaultConfig().Logging
	cfg.Level = "warn"
	lm := NewLoggerManagerWithWriter(cfg, &buf)

	lm.GetLogger().Info("hidden")
	lm.GetLogger().Error("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])
}

func TestTimedOperationWithContext(t *testing.T) {
	var buf bytes.Buffer
	lm := NewLoggerManagerWithWriter(config.DefaultConfig().Logging, &buf)
	boom := errors.New("boom")

	err := TimedOperationWithContext(context.Background(), lm.GetLogger(), "persist", func() error { return boom })
	assert.ErrorIs(t, err, boom)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "persist", lines[0]["operation"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestFileOutputRequiresPath(t *testing.T) {
	cfg := config.DefaultConfig().Logging
	cfg.Output = "file"
	cfg.FilePath = ""
	_, err := NewLoggerManager(cfg)
	assert.Error(t, err)

	cfg.FilePath = filepath.Join(t.TempDir(), "logs", "ingest.log")
	lm, err := NewLoggerManager(cfg)
	require.NoError(t, err)
	lm.GetLogger().Info("rotating")
	assert.NoError(t, lm.Close())
	assert.FileExists(t, cfg.FilePath)
}
