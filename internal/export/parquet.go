// Package export writes stored enriched series to Parquet files.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
)

// Row is the Parquet schema of one enriched bar. Prices and volumes are stored as doubles;
// absent indicators are null.
type Row struct {
	Symbol      string  `parquet:"symbol,dict"`
	Interval    string  `parquet:"interval,dict"`
	OpenTime    int64   `parquet:"open_time,timestamp(millisecond)"`
	Open        float64 `parquet:"open"`
	High        float64 `parquet:"high"`
	Low         float64 `parquet:"low"`
	Close       float64 `parquet:"close"`
	Volume      float64 `parquet:"volume"`
	QuoteVolume float64 `parquet:"quote_volume"`
	TradeCount  int64   `parquet:"trade_count"`

	SMA5   *float64 `parquet:"sma_5,optional"`
	SMA10  *float64 `parquet:"sma_10,optional"`
	SMA20  *float64 `parquet:"sma_20,optional"`
	SMA50  *float64 `parquet:"sma_50,optional"`
	SMA100 *float64 `parquet:"sma_100,optional"`
	SMA200 *float64 `parquet:"sma_200,optional"`

	EMA5   *float64 `parquet:"ema_5,optional"`
	EMA10  *float64 `parquet:"ema_10,optional"`
	EMA20  *float64 `parquet:"ema_20,optional"`
	EMA50  *float64 `parquet:"ema_50,optional"`
	EMA100 *float64 `parquet:"ema_100,optional"`
	EMA200 *float64 `parquet:"ema_200,optional"`

	VolumeMA5  *float64 `parquet:"volume_ma_5,optional"`
	VolumeMA10 *float64 `parquet:"volume_ma_10,optional"`
	VolumeMA20 *float64 `parquet:"volume_ma_20,optional"`

	RSI14      *float64 `parquet:"rsi_14,optional"`
	VWAP       *float64 `parquet:"vwap,optional"`
	OBV        *float64 `parquet:"obv,optional"`
	MACD       *float64 `parquet:"macd,optional"`
	MACDSignal *float64 `parquet:"macd_signal,optional"`

	K *float64 `parquet:"k,optional"`
	D *float64 `parquet:"d,optional"`
	J *float64 `parquet:"j,optional"`

	ATR14     *float64 `parquet:"atr_14,optional"`
	BollMid   *float64 `parquet:"boll_mid,optional"`
	BollUpper *float64 `parquet:"boll_upper,optional"`
	BollLower *float64 `parquet:"boll_lower,optional"`

	MaxDrawdown *float64 `parquet:"max_drawdown,optional"`
	Sharpe      *float64 `parquet:"sharpe,optional"`
}

// NewRow converts an enriched bar to its Parquet row.
func NewRow(b *models.EnrichedBar) Row {
	ind := b.Indicators
	return Row{
		Symbol:      b.Symbol,
		Interval:    string(b.Interval),
		OpenTime:    b.Timestamp,
		Open:        b.Open.InexactFloat64(),
		High:        b.High.InexactFloat64(),
		Low:         b.Low.InexactFloat64(),
		Close:       b.Close.InexactFloat64(),
		Volume:      b.Volume.InexactFloat64(),
		QuoteVolume: b.QuoteVolume.InexactFloat64(),
		TradeCount:  b.TradeCount,

		SMA5: ind.SMA5, SMA10: ind.SMA10, SMA20: ind.SMA20,
		SMA50: ind.SMA50, SMA100: ind.SMA100, SMA200: ind.SMA200,
		EMA5: ind.EMA5, EMA10: ind.EMA10, EMA20: ind.EMA20,
		EMA50: ind.EMA50, EMA100: ind.EMA100, EMA200: ind.EMA200,
		VolumeMA5: ind.VolumeMA5, VolumeMA10: ind.VolumeMA10, VolumeMA20: ind.VolumeMA20,
		RSI14: ind.RSI14, VWAP: ind.VWAP, OBV: ind.OBV, MACD: ind.MACD, MACDSignal: ind.MACDSignal,
		K: ind.K, D: ind.D, J: ind.J,
		ATR14: ind.ATR14, BollMid: ind.BollMid, BollUpper: ind.BollUpper, BollLower: ind.BollLower,
		MaxDrawdown: ind.MaxDrawdown, Sharpe: ind.Sharpe,
	}
}

// Result describes one written file.
type Result struct {
	Symbol   string          `json:"symbol"`
	Interval models.Interval `json:"interval"`
	Path     string          `json:"path"`
	Rows     int             `json:"rows"`
}

// ParquetExporter writes one file per (symbol, interval) into a directory.
type ParquetExporter struct {
	store  storage.Reader
	dir    string
	logger *slog.Logger
}

// NewParquetExporter creates an exporter reading from store and writing into dir.
func NewParquetExporter(store storage.Reader, dir string, logger *slog.Logger) *ParquetExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParquetExporter{
		store:  store,
		dir:    dir,
		logger: logger.With("component", "export"),
	}
}

// FileName returns the file name used for symbol and interval.
func FileName(symbol string, interval models.Interval) string {
	return fmt.Sprintf("%s_%s.parquet", strings.ToUpper(symbol), interval)
}

// Export writes the stored bars of symbol in [start, end) to Parquet. An end of zero means
// no upper bound. Nothing is written when storage holds no bars in the range.
func (e *ParquetExporter) Export(ctx context.Context, symbol string, interval models.Interval, start, end int64) (*Result, error) {
	started := time.Now()

	bars, err := e.store.LoadBars(ctx, symbol, interval, start, end)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", symbol, interval, err)
	}
	result := &Result{Symbol: symbol, Interval: interval}
	if len(bars) == 0 {
		e.logger.Warn("no stored bars to export", "symbol", symbol, "interval", interval)
		return result, nil
	}

	rows := make([]Row, len(bars))
	for i := range bars {
		rows[i] = NewRow(&bars[i])
	}

	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	path := filepath.Join(e.dir, FileName(symbol, interval))
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("rename %s: %w", tmp, err)
	}

	result.Path, result.Rows = path, len(rows)
	e.logger.Info("exported series",
		"symbol", symbol,
		"interval", interval,
		"path", path,
		"rows", len(rows),
		"duration", time.Since(started))
	return result, nil
}

// ExportAll exports each symbol in turn and stops at the first error.
func (e *ParquetExporter) ExportAll(ctx context.Context, symbols []string, interval models.Interval) ([]*Result, error) {
	results := make([]*Result, 0, len(symbols))
	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		r, err := e.Export(ctx, symbol, interval, 0, 0)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// ReadFile reads every row of a file written by Export.
func ReadFile(path string) ([]Row, error) {
	return parquet.ReadFile[Row](path)
}
