package storage

import (
	"fmt"
	"strings"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/shopspring/decimal"
)

const (
	barsTable = "bars"
	gapsTable = "gaps"

	// keyColumnCount is the number of leading barColumns forming the conflict key.
	keyColumnCount = 3
)

var priceColumns = []string{"open", "high", "low", "close", "volume", "quote_volume"}

// barColumns is the column order shared by inserts, selects and scans.
func barColumns() []string {
	cols := []string{"symbol", "bar_interval", "open_time"}
	cols = append(cols, priceColumns...)
	cols = append(cols, "trade_count")
	return append(cols, models.IndicatorColumns...)
}

// dialect captures the differences between the SQL backends.
type dialect struct {
	name     string
	priceArg func(decimal.Decimal) any
}

var (
	// DuckDB stores prices as DOUBLE.
	duckDBDialect = dialect{
		name:     "duckdb",
		priceArg: func(d decimal.Decimal) any { return d.InexactFloat64() },
	}
	// PostgreSQL stores prices as NUMERIC; decimals travel as text to keep every digit.
	postgresDialect = dialect{
		name:     "postgres",
		priceArg: func(d decimal.Decimal) any { return d.String() },
	}
)

func placeholders(from, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(ph, ", ")
}

// upsertBarSQL inserts one bar, overwriting every non-key column on conflict.
func upsertBarSQL() string {
	cols := barColumns()
	updates := make([]string, 0, len(cols)-keyColumnCount+1)
	for _, c := range cols[keyColumnCount:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	updates = append(updates, "updated_at = CURRENT_TIMESTAMP")

	return fmt.Sprintf(
		"INSERT INTO %s (%s, updated_at) VALUES (%s, CURRENT_TIMESTAMP) "+
			"ON CONFLICT (symbol, bar_interval, open_time) DO UPDATE SET %s",
		barsTable, strings.Join(cols, ", "), placeholders(1, len(cols)), strings.Join(updates, ", "))
}

// selectBarsSQL reads bars in [$3, $4), or from $3 onwards when bounded is false.
func selectBarsSQL(bounded bool) string {
	cols := barColumns()
	selects := make([]string, len(cols))
	copy(selects, cols)
	for i, c := range cols {
		for _, p := range priceColumns {
			if c == p {
				selects[i] = fmt.Sprintf("CAST(%s AS VARCHAR)", c)
			}
		}
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE symbol = $1 AND bar_interval = $2 AND open_time >= $3",
		strings.Join(selects, ", "), barsTable)
	if bounded {
		query += " AND open_time < $4"
	}
	return query + " ORDER BY open_time"
}

const (
	countBarsSQL  = "SELECT COUNT(*) FROM bars WHERE symbol = $1 AND bar_interval = $2"
	latestBarSQL  = "SELECT MAX(open_time) FROM bars WHERE symbol = $1 AND bar_interval = $2"
	insertGapSQL  = "INSERT INTO gaps (symbol, bar_interval, start_time, end_time, missing_bars, detected_at) VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)"
	selectGapsSQL = "SELECT symbol, bar_interval, start_time, end_time, missing_bars FROM gaps WHERE symbol = $1 AND bar_interval = $2 ORDER BY start_time"

	// Gaps overlapping or bordering [$3, $4]; see gapWindow.
	touchingGapsSQL = "SELECT symbol, bar_interval, start_time, end_time, missing_bars FROM gaps WHERE symbol = $1 AND bar_interval = $2 AND start_time <= $4 AND end_time >= $3"
	clearGapsSQL    = "DELETE FROM gaps WHERE symbol = $1 AND bar_interval = $2 AND start_time <= $4 AND end_time >= $3"
	statsSQL        = "SELECT COUNT(*), COUNT(DISTINCT symbol), COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0) FROM bars"
	countGapsSQL    = "SELECT COUNT(*) FROM gaps"
)

// barArgs returns the values of b in barColumns order.
func barArgs(d dialect, b *models.EnrichedBar) []any {
	args := make([]any, 0, len(barColumns()))
	args = append(args, b.Symbol, string(b.Interval), b.Timestamp)
	for _, p := range []decimal.Decimal{b.Open, b.High, b.Low, b.Close, b.Volume, b.QuoteVolume} {
		args = append(args, d.priceArg(p))
	}
	args = append(args, b.TradeCount)
	for _, f := range b.Indicators.Fields() {
		if *f == nil {
			args = append(args, nil)
			continue
		}
		args = append(args, **f)
	}
	return args
}

// rowScanner is satisfied by *sql.Row, *sql.Rows and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanBar reads one row produced by selectBarsSQL.
func scanBar(row rowScanner) (models.EnrichedBar, error) {
	var (
		bar      models.EnrichedBar
		interval string
		prices   [6]string
	)

	dest := []any{&bar.Symbol, &interval, &bar.Timestamp}
	for i := range prices {
		dest = append(dest, &prices[i])
	}
	dest = append(dest, &bar.TradeCount)
	for _, f := range bar.Indicators.Fields() {
		dest = append(dest, f)
	}

	if err := row.Scan(dest...); err != nil {
		return bar, err
	}
	bar.Interval = models.Interval(interval)

	targets := []*decimal.Decimal{&bar.Open, &bar.High, &bar.Low, &bar.Close, &bar.Volume, &bar.QuoteVolume}
	for i, s := range prices {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return bar, fmt.Errorf("invalid %s value %q: %w", priceColumns[i], s, err)
		}
		*targets[i] = v
	}
	return bar, nil
}

func scanGap(row rowScanner) (models.Gap, error) {
	var (
		gap      models.Gap
		interval string
	)
	if err := row.Scan(&gap.Symbol, &interval, &gap.StartTime, &gap.EndTime, &gap.MissingBars); err != nil {
		return gap, err
	}
	gap.Interval = models.Interval(interval)
	return gap, nil
}
