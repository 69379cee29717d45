// OHLCV ingestion CLI.
// This application backfills and incrementally updates candlestick bars from the exchange,
// enriches them with technical indicators and writes them to the configured store.
//
// Usage:
//
//	ohlcv ingest --symbols BTCUSDT,ETHUSDT --interval 1d --days 365
//	ohlcv schedule --intervals 1h,1d
//	ohlcv check --symbols BTCUSDT --interval 1d
//	ohlcv export --interval 1d --dir ./snapshots
//	ohlcv symbols --top 20 --quote USDT
//	ohlcv migrate --status
//
// For detailed help on any command, use: ohlcv <command> --help
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/johnayoung/go-ohlcv-ingest/internal/checker"
	"github.com/johnayoung/go-ohlcv-ingest/internal/collector"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/exchange"
	"github.com/johnayoung/go-ohlcv-ingest/internal/export"
	"github.com/johnayoung/go-ohlcv-ingest/internal/fetcher"
	"github.com/johnayoung/go-ohlcv-ingest/internal/logger"
	"github.com/johnayoung/go-ohlcv-ingest/internal/metrics"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/johnayoung/go-ohlcv-ingest/internal/notify"
	"github.com/johnayoung/go-ohlcv-ingest/internal/profiling"
	"github.com/johnayoung/go-ohlcv-ingest/internal/ratelimit"
	"github.com/johnayoung/go-ohlcv-ingest/internal/storage"
	"github.com/johnayoung/go-ohlcv-ingest/internal/validator"
)

// CLI version information
const (
	Version = "1.0.0"
	AppName = "ohlcv"
)

// Exit codes following standard conventions
const (
	ExitSuccess       = 0
	ExitUsageError    = 1
	ExitConfigError   = 2
	ExitConnectionErr = 3
	ExitDataError     = 4
	ExitInterrupt     = 130
)

// Environment variables naming the configuration sources.
const (
	envConfigFile = "OHLCV_CONFIG_FILE"
	envDotEnvFile = "OHLCV_ENV_FILE"
)

var defaultConfigFiles = []string{"ohlcv.yaml", "ohlcv.yml", "ohlcv.json"}

// usageError marks errors caused by bad command-line input.
type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usagef(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// connectionError marks a failure to reach an external service.
type connectionError struct {
	target string
	err    error
}

func (e *connectionError) Error() string { return e.target + " unreachable: " + e.err.Error() }
func (e *connectionError) Unwrap() error { return e.err }

// CLI holds the components shared by every command. Components are created lazily so
// that commands only connect to what they use.
type CLI struct {
	config  *config.AppConfig
	logs    *logger.LoggerManager
	logger  *slog.Logger
	store   storage.FullStorage
	adapter *exchange.BinanceAdapter

	throttle *ratelimit.Throttle
	fetcher  *fetcher.Fetcher
}

// main is the entry point for the CLI application
func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) < 1 {
		printUsage()
		return ExitUsageError
	}

	command, args := argv[0], argv[1:]
	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return ExitSuccess
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return ExitSuccess
	}

	handlers := map[string]func(*CLI, context.Context, []string) error{
		"ingest":   (*CLI).handleIngest,
		"schedule": (*CLI).handleSchedule,
		"check":    (*CLI).handleCheck,
		"export":   (*CLI).handleExport,
		"symbols":  (*CLI).handleSymbols,
		"migrate":  (*CLI).handleMigrate,
	}
	handler, ok := handlers[command]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		return ExitUsageError
	}
	if hasHelpFlag(args) {
		printCommandHelp(command)
		return ExitSuccess
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to initialize CLI: %v\n", err)
		return ExitConfigError
	}
	defer cli.close()

	profiler, err := profiling.Start(cli.config.Profiling, cli.logs.GetComponentLogger("profiling").Logger)
	if err != nil {
		cli.logger.Warn("profiling disabled", "error", err)
	}
	defer profiler.Stop()

	err = handler(cli, ctx, args)
	return cli.exitCode(ctx, command, err)
}

func (cli *CLI) exitCode(ctx context.Context, command string, err error) int {
	var usage *usageError
	var storageErr *storage.StorageError
	var connErr *connectionError
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage):
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		printCommandHelp(command)
		return ExitUsageError
	case ctx.Err() != nil:
		cli.logger.Warn("interrupted", "command", command)
		return ExitInterrupt
	case errors.As(err, &connErr):
		cli.logger.Error("exchange unavailable", "command", command, "error", err)
		return ExitConnectionErr
	case errors.As(err, &storageErr):
		cli.logger.Error("storage unavailable", "command", command, "error", err)
		return ExitConnectionErr
	default:
		cli.logger.Error("command failed", "command", command, "error", err)
		return ExitDataError
	}
}

// initialize loads configuration and logging. Storage and the exchange client are opened
// by the commands that need them.
func (cli *CLI) initialize(ctx context.Context) error {
	bootstrap := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.NewConfigManager(configFile(), os.Getenv(envDotEnvFile), bootstrap).LoadConfig(ctx)
	if err != nil {
		return err
	}
	cli.config = cfg

	logs, err := logger.NewLoggerManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.GetLogger()
	return nil
}

func configFile() string {
	if path := os.Getenv(envConfigFile); path != "" {
		return path
	}
	for _, path := range defaultConfigFiles {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func (cli *CLI) close() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("failed to close storage", "error", err)
		}
	}
	if cli.logs != nil {
		cli.logs.Close()
	}
}

func (cli *CLI) openStorage(ctx context.Context) (storage.FullStorage, error) {
	if cli.store != nil {
		return cli.store, nil
	}
	store, err := storage.Open(ctx, cli.config.Storage, cli.logs.GetComponentLogger("storage").Logger)
	if err != nil {
		var storageErr *storage.StorageError
		if errors.As(err, &storageErr) {
			return nil, err
		}
		return nil, storage.NewStorageError("open", "", err)
	}
	cli.store = store
	return store, nil
}

func (cli *CLI) binance() *exchange.BinanceAdapter {
	if cli.adapter == nil {
		cli.adapter = exchange.NewBinanceAdapterFromConfig(cli.config.Exchange, cli.logs.GetComponentLogger("exchange").Logger)
	}
	return cli.adapter
}

// seriesFetcher builds the single fetcher shared by every worker, so all requests of the
// process draw from one rate budget.
func (cli *CLI) seriesFetcher() *fetcher.Fetcher {
	if cli.fetcher != nil {
		return cli.fetcher
	}
	log := cli.logs.GetComponentLogger("fetcher").Logger
	budget := ratelimit.NewRateBudget(config.MustDuration(cli.config.RateBudget.Window, time.Minute))
	cli.throttle = ratelimit.NewThrottle(budget, cli.config.RateBudget, cli.logs.GetComponentLogger("ratelimit").Logger)
	retry := ierrors.NewRetryPolicy(cli.config.Retry, ierrors.NewErrorClassifier(log), log)
	// The adapter caps the configured page size at the provider maximum.
	exchangeCfg := cli.config.Exchange
	exchangeCfg.PageSize = cli.binance().PageSize()
	cli.fetcher = fetcher.New(cli.binance(), cli.throttle, retry, exchangeCfg, log)
	return cli.fetcher
}

func (cli *CLI) publisher() (collector.OutcomePublisher, error) {
	log := cli.logs.GetComponentLogger("publisher").Logger
	if !cli.config.Publisher.Enabled {
		return notify.NewLogPublisher(log), nil
	}
	return notify.NewKafkaPublisher(cli.config.Publisher, log)
}

func (cli *CLI) buildCollector(ctx context.Context) (*collector.Collector, error) {
	store, err := cli.openStorage(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := cli.publisher()
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	builder := collector.NewBuilder().
		WithFetcher(cli.seriesFetcher()).
		WithStore(store).
		WithPublisher(publisher).
		WithConfig(collector.ConfigFrom(cli.config.Collector, cli.logs.GetComponentLogger("collector").Logger))
	if cli.config.Anomaly.Enabled {
		thresholds := validator.ThresholdsFrom(cli.config.Anomaly)
		builder = builder.WithAnomalyScanner(validator.NewDetector(thresholds, cli.logs.GetComponentLogger("validator").Logger))
	}
	if dir := cli.config.Collector.ReportDir; dir != "" {
		builder = builder.WithRecorder(collector.NewFileRecorder(dir))
	}
	return builder.Build()
}

// resolveSymbols returns the explicit symbols, then the configured ones, then the top
// symbols by 24h quote volume.
func (cli *CLI) resolveSymbols(ctx context.Context, explicit []string, topN int) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(cli.config.Collector.Symbols) > 0 {
		return cli.config.Collector.Symbols, nil
	}
	if topN <= 0 {
		topN = cli.config.Exchange.TopN
	}
	symbols, err := exchange.TopSymbolsByQuoteVolume(ctx, cli.binance(), cli.config.Exchange.QuoteAsset, topN)
	if err != nil {
		return nil, fmt.Errorf("rank symbols: %w", err)
	}
	cli.logger.Info("symbols ranked by quote volume", "count", len(symbols), "quote_asset", cli.config.Exchange.QuoteAsset)
	return symbols, nil
}

// handleIngest runs one ingestion pass over the selected symbols.
func (cli *CLI) handleIngest(ctx context.Context, args []string) error {
	flags, err := parseIngestFlags(args, cli.config.Collector.Interval)
	if err != nil {
		return err
	}

	interval, err := models.ParseInterval(flags.Interval)
	if err != nil {
		return usagef("%v", err)
	}
	start, end, err := flags.timeRange(time.Now().UTC())
	if err != nil {
		return err
	}

	symbols, err := cli.resolveSymbols(ctx, flags.Symbols, flags.Top)
	if err != nil {
		return err
	}

	c, err := cli.buildCollector(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	cli.logger.Info("starting ingestion",
		"symbols", len(symbols),
		"interval", interval,
		"start", start,
		"end", end)

	report, err := c.Run(ctx, collector.RunRequest{
		Symbols:  symbols,
		Interval: interval,
		Start:    start,
		End:      end,
	})
	if err != nil {
		return err
	}

	printReport(report)
	if !report.Succeeded() {
		return fmt.Errorf("%d of %d symbols failed", report.Count(models.StateFailed)+report.Count(models.StateCancelled), len(report.Outcomes))
	}
	return nil
}

// handleSchedule runs incremental ingestion on a timer until interrupted.
func (cli *CLI) handleSchedule(ctx context.Context, args []string) error {
	flags, err := parseScheduleFlags(args)
	if err != nil {
		return err
	}

	cfg := cli.config.Scheduler
	if len(flags.Intervals) > 0 {
		cfg.Intervals = flags.Intervals
	}
	if flags.Frequency != "" {
		cfg.Frequency = flags.Frequency
	}
	if flags.Align {
		cfg.AlignToInterval = true
	}
	schedCfg, err := collector.SchedulerConfigFrom(cfg)
	if err != nil {
		return usagef("%v", err)
	}
	if err := cli.binance().HealthCheck(ctx); err != nil {
		return &connectionError{target: "exchange", err: err}
	}

	c, err := cli.buildCollector(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	symbols := func(ctx context.Context) ([]string, error) {
		return cli.resolveSymbols(ctx, flags.Symbols, flags.Top)
	}
	scheduler := collector.NewScheduler(schedCfg, c, symbols, cli.logs.GetComponentLogger("scheduler").Logger)

	var server *metrics.Server
	if cli.config.Server.Enabled {
		server = metrics.NewServer(cli.config.Server, metrics.Dependencies{
			Health:    cli.store,
			Storage:   cli.store,
			Runs:      c,
			Scheduler: scheduler.GetStats,
			Throttle:  cli.throttle,
			ReportDir: cli.config.Collector.ReportDir,
		}, cli.logs.GetComponentLogger("metrics").Logger)
		if err := server.Start(); err != nil {
			return err
		}
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	fmt.Printf("Scheduler running for intervals %v. Press Ctrl+C to stop.\n", cfg.Intervals)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		cli.logger.Warn("scheduler did not stop cleanly", "error", err)
	}
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			cli.logger.Warn("metrics server did not stop cleanly", "error", err)
		}
	}

	stats := scheduler.GetStats()
	fmt.Printf("Scheduler stopped after %d runs (%d failed).\n", stats.TotalRuns, stats.FailedRuns)
	return nil
}

// handleCheck compares stored bars with a fresh fetch.
func (cli *CLI) handleCheck(ctx context.Context, args []string) error {
	flags, err := parseCheckFlags(args, cli.config.Collector.Interval)
	if err != nil {
		return err
	}
	interval, err := models.ParseInterval(flags.Interval)
	if err != nil {
		return usagef("%v", err)
	}

	store, err := cli.openStorage(ctx)
	if err != nil {
		return err
	}
	symbols, err := cli.resolveSymbols(ctx, flags.Symbols, 0)
	if err != nil {
		return err
	}

	cfg := checker.ConfigFrom(cli.config.Consistency)
	if flags.Lookback > 0 {
		cfg.LookbackBars = flags.Lookback
	}
	c := checker.New(cli.seriesFetcher(), store, cfg, cli.logs.GetComponentLogger("checker").Logger)

	reports, checkErr := c.CheckAll(ctx, symbols, interval)
	inconsistent := 0
	for _, r := range reports {
		status := "ok"
		switch {
		case r.NotStored:
			status = "not stored"
		case !r.OK():
			status = "MISMATCH"
			inconsistent++
		}
		fmt.Printf("%-14s %-10s compared=%-5d missing_db=%-4d missing_api=%-4d max_close=%.4f%% max_volume=%.4f%%\n",
			r.Symbol, status, r.Compared, r.MissingInDB, r.MissingInAPI,
			r.MaxErrorPct[checker.FieldClose], r.MaxErrorPct[checker.FieldVolume])
	}

	if checkErr != nil {
		return checkErr
	}
	if inconsistent > 0 {
		return fmt.Errorf("%d symbols differ from the source", inconsistent)
	}
	return nil
}

// handleExport writes stored series to Parquet.
func (cli *CLI) handleExport(ctx context.Context, args []string) error {
	flags, err := parseExportFlags(args, cli.config.Collector.Interval, cli.config.Export.Dir)
	if err != nil {
		return err
	}
	interval, err := models.ParseInterval(flags.Interval)
	if err != nil {
		return usagef("%v", err)
	}

	store, err := cli.openStorage(ctx)
	if err != nil {
		return err
	}
	symbols, err := cli.resolveSymbols(ctx, flags.Symbols, 0)
	if err != nil {
		return err
	}

	exporter := export.NewParquetExporter(store, flags.Dir, cli.logs.GetComponentLogger("export").Logger)
	results, err := exporter.ExportAll(ctx, symbols, interval)
	for _, r := range results {
		if r.Rows > 0 {
			fmt.Printf("%-14s %6d rows  %s\n", r.Symbol, r.Rows, r.Path)
		} else {
			fmt.Printf("%-14s %6s\n", r.Symbol, "empty")
		}
	}
	return err
}

// handleSymbols prints the top symbols by 24h quote volume.
func (cli *CLI) handleSymbols(ctx context.Context, args []string) error {
	flags, err := parseSymbolsFlags(args, cli.config.Exchange.TopN, cli.config.Exchange.QuoteAsset)
	if err != nil {
		return err
	}
	symbols, err := exchange.TopSymbolsByQuoteVolume(ctx, cli.binance(), flags.Quote, flags.Top)
	if err != nil {
		return err
	}
	for i, s := range symbols {
		fmt.Printf("%3d  %s\n", i+1, s)
	}
	return nil
}

// handleMigrate applies, rolls back or reports schema migrations.
func (cli *CLI) handleMigrate(ctx context.Context, args []string) error {
	flags, err := parseMigrateFlags(args)
	if err != nil {
		return err
	}
	log := cli.logs.GetComponentLogger("migrations").Logger

	switch cli.config.Storage.Type {
	case "postgres":
		if flags.Rollback >= 0 {
			return usagef("--rollback is only supported for duckdb; use goose for postgres")
		}
		pool, err := storage.ConnectPostgres(ctx, cli.config.Storage)
		if err != nil {
			return storage.NewStorageError("open", "", err)
		}
		defer pool.Close()
		var version int64
		err = logger.TimedOperationWithContext(ctx, log, "migrate_postgres", func() error {
			var err error
			version, err = storage.MigratePostgres(ctx, pool)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Printf("postgres schema at version %d\n", version)
		return nil

	case "duckdb":
		db, err := storage.NewDuckDBStorage(cli.config.Storage.DatabaseURL, log)
		if err != nil {
			return err
		}
		defer db.Close()
		migrations := db.Migrations()

		switch {
		case flags.Rollback >= 0:
			err = logger.TimedOperationWithContext(ctx, log, "rollback_duckdb", func() error {
				return migrations.Rollback(ctx, flags.Rollback)
			})
		case !flags.Status:
			err = logger.TimedOperationWithContext(ctx, log, "migrate_duckdb", func() error {
				return migrations.MigrateToLatest(ctx)
			})
		}
		if err != nil {
			return err
		}
		status, err := migrations.GetStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("duckdb schema at version %d of %d (%d pending)\n",
			status.CurrentVersion, status.LatestVersion, status.PendingMigrations)
		for _, m := range status.AppliedMigrations {
			fmt.Printf("  %3d  %-40s %s\n", m.Version, m.Description, m.AppliedAt.Format(time.RFC3339))
		}
		return nil

	default:
		fmt.Printf("storage type %q has no schema\n", cli.config.Storage.Type)
		return nil
	}
}

func printReport(report *collector.RunReport) {
	fmt.Printf("Run %s (%s) finished in %s\n", report.RunID, report.Interval, time.Duration(report.DurationMs)*time.Millisecond)
	for _, o := range report.Outcomes {
		line := fmt.Sprintf("  %-14s %-12s fetched=%-6d written=%-6d gaps=%-3d attempts=%d",
			o.Symbol, o.State, o.BarsFetched, o.BarsWritten, len(o.Gaps), o.Attempts)
		if o.Reason != "" {
			line += "  " + o.Reason
		}
		fmt.Println(line)
	}
	states := []models.OutcomeState{models.StateDone, models.StatePartialGap, models.StateFailed, models.StateCancelled}
	parts := make([]string, 0, len(states))
	for _, s := range states {
		parts = append(parts, fmt.Sprintf("%s=%d", s, report.Count(s)))
	}
	fmt.Printf("Summary: %s\n", strings.Join(parts, " "))
}

// Flag parsing

// IngestFlags holds the options of the ingest command.
type IngestFlags struct {
	Symbols  []string
	Interval string
	Start    string
	End      string
	Days     int
	Top      int
}

// timeRange converts the date flags to bucket-aligned milliseconds. Zero values select
// incremental mode and "now" respectively.
func (f *IngestFlags) timeRange(now time.Time) (int64, int64, error) {
	var start, end time.Time
	var err error

	if f.Start != "" {
		if start, err = time.Parse(time.DateOnly, f.Start); err != nil {
			return 0, 0, usagef("invalid start date format, use YYYY-MM-DD: %v", err)
		}
	}
	if f.End != "" {
		if end, err = time.Parse(time.DateOnly, f.End); err != nil {
			return 0, 0, usagef("invalid end date format, use YYYY-MM-DD: %v", err)
		}
	}
	if f.Days > 0 {
		if f.Start != "" {
			return 0, 0, usagef("use either --days or --start, not both")
		}
		start = now.AddDate(0, 0, -f.Days)
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		return 0, 0, usagef("start must be before end")
	}

	var startMs, endMs int64
	if !start.IsZero() {
		startMs = start.UnixMilli()
	}
	if !end.IsZero() {
		endMs = end.UnixMilli()
	}
	return startMs, endMs, nil
}

// ScheduleFlags holds the options of the schedule command.
type ScheduleFlags struct {
	Symbols   []string
	Intervals []string
	Frequency string
	Align     bool
	Top       int
}

// CheckFlags holds the options of the check command.
type CheckFlags struct {
	Symbols  []string
	Interval string
	Lookback int
}

// ExportFlags holds the options of the export command.
type ExportFlags struct {
	Symbols  []string
	Interval string
	Dir      string
}

// SymbolsFlags holds the options of the symbols command.
type SymbolsFlags struct {
	Top   int
	Quote string
}

// MigrateFlags holds the options of the migrate command. Rollback is -1 when unset.
type MigrateFlags struct {
	Status   bool
	Rollback int
}

func parseIngestFlags(args []string, defaultInterval string) (*IngestFlags, error) {
	flags := &IngestFlags{Interval: defaultInterval}
	err := parseArgs(args, func(name string, value func() (string, error)) error {
		var err error
		switch name {
		case "--symbols", "-s":
			flags.Symbols, err = listValue(value)
		case "--interval", "-i":
			flags.Interval, err = value()
		case "--start":
			flags.Start, err = value()
		case "--end":
			flags.End, err = value()
		case "--days", "-d":
			flags.Days, err = intValue(name, value)
		case "--top", "-n":
			flags.Top, err = intValue(name, value)
		default:
			return usagef("unknown flag: %s", name)
		}
		return err
	})
	return flags, err
}

func parseScheduleFlags(args []string) (*ScheduleFlags, error) {
	flags := &ScheduleFlags{}
	err := parseArgs(args, func(name string, value func() (string, error)) error {
		var err error
		switch name {
		case "--symbols", "-s":
			flags.Symbols, err = listValue(value)
		case "--intervals", "-i":
			flags.Intervals, err = listValue(value)
		case "--frequency", "-f":
			flags.Frequency, err = value()
		case "--align":
			flags.Align = true
		case "--top", "-n":
			flags.Top, err = intValue(name, value)
		default:
			return usagef("unknown flag: %s", name)
		}
		return err
	})
	return flags, err
}

func parseCheckFlags(args []string, defaultInterval string) (*CheckFlags, error) {
	flags := &CheckFlags{Interval: defaultInterval}
	err := parseArgs(args, func(name string, value func() (string, error)) error {
		var err error
		switch name {
		case "--symbols", "-s":
			flags.Symbols, err = listValue(value)
		case "--interval", "-i":
			flags.Interval, err = value()
		case "--lookback", "-l":
			flags.Lookback, err = intValue(name, value)
		default:
			return usagef("unknown flag: %s", name)
		}
		return err
	})
	return flags, err
}

func parseExportFlags(args []string, defaultInterval, defaultDir string) (*ExportFlags, error) {
	flags := &ExportFlags{Interval: defaultInterval, Dir: defaultDir}
	err := parseArgs(args, func(name string, value func() (string, error)) error {
		var err error
		switch name {
		case "--symbols", "-s":
			flags.Symbols, err = listValue(value)
		case "--interval", "-i":
			flags.Interval, err = value()
		case "--dir", "-o":
			flags.Dir, err = value()
		default:
			return usagef("unknown flag: %s", name)
		}
		return err
	})
	if err == nil && flags.Dir == "" {
		err = usagef("--dir is required when export.dir is not configured")
	}
	return flags, err
}

func parseSymbolsFlags(args []string, defaultTop int, defaultQuote string) (*SymbolsFlags, error) {
	flags := &SymbolsFlags{Top: defaultTop, Quote: defaultQuote}
	err := parseArgs(args, func(name string, value func() (string, error)) error {
		var err error
		switch name {
		case "--top", "-n":
			flags.Top, err = intValue(name, value)
		case "--quote", "-q":
			flags.Quote, err = value()
		default:
			return usagef("unknown flag: %s", name)
		}
		return err
	})
	return flags, err
}

func parseMigrateFlags(args []string) (*MigrateFlags, error) {
	flags := &MigrateFlags{Rollback: -1}
	err := parseArgs(args, func(name string, value func() (string, error)) error {
		var err error
		switch name {
		case "--status":
			flags.Status = true
		case "--rollback":
			flags.Rollback, err = intValue(name, value)
			if err == nil && flags.Rollback < 0 {
				err = usagef("--rollback needs a non-negative version")
			}
		default:
			return usagef("unknown flag: %s", name)
		}
		return err
	})
	return flags, err
}

// parseArgs walks args and calls handle for every flag. value consumes the next argument.
func parseArgs(args []string, handle func(name string, value func() (string, error)) error) error {
	for i := 0; i < len(args); i++ {
		name := args[i]
		value := func() (string, error) {
			if i+1 >= len(args) {
				return "", usagef("%s requires a value", name)
			}
			i++
			return args[i], nil
		}
		if err := handle(name, value); err != nil {
			return err
		}
	}
	return nil
}

func listValue(value func() (string, error)) ([]string, error) {
	raw, err := value()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func intValue(name string, value func() (string, error)) (int, error) {
	raw, err := value()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, usagef("invalid %s value: %v", name, err)
	}
	return n, nil
}

func hasHelpFlag(args []string) bool {
	for _, a := range args {
		if a == "--help" || a == "-h" {
			return true
		}
	}
	return false
}

// Help and usage functions

// printUsage prints the main usage information
func printUsage() {
	fmt.Printf(`%s - OHLCV ingestion pipeline v%s

USAGE:
    %s <command> [options]

COMMANDS:
    ingest      Backfill or incrementally update bars for a set of symbols
    schedule    Run incremental ingestion on a timer until interrupted
    check       Compare stored bars with a fresh fetch from the exchange
    export      Write stored series to Parquet files
    symbols     List the top symbols by 24h quote volume
    migrate     Apply or inspect storage schema migrations

GLOBAL OPTIONS:
    --help, -h     Show help information
    --version, -v  Show version information

CONFIGURATION:
    Configuration is read from, in increasing priority:
    - Built-in defaults
    - Config file: $%s, or the first of %s in the working directory (YAML or JSON)
    - Environment variables: OHLCV_* (e.g. OHLCV_STORAGE_TYPE, OHLCV_DATABASE_URL)
    A .env file named by $%s is loaded before the environment is read.

For detailed help on any command, use: %s <command> --help
`, AppName, Version, AppName, envConfigFile, strings.Join(defaultConfigFiles, ", "), envDotEnvFile, AppName)
}

// printCommandHelp prints detailed help for a specific command
func printCommandHelp(command string) {
	switch command {
	case "ingest":
		fmt.Printf(`%s ingest - Backfill or incrementally update bars

USAGE:
    %s ingest [options]

OPTIONS:
    --symbols, -s <list>      Comma-separated symbols, e.g. BTCUSDT,ETHUSDT
                              Defaults to collector.symbols, then the top-N ranking
    --interval, -i <interval> Bar interval (default: collector.interval)
    --start <date>            Start date (YYYY-MM-DD)
    --end <date>              End date, exclusive (YYYY-MM-DD, default: now)
    --days, -d <days>         Start this many days before now
    --top, -n <n>             Ranking size when no symbols are configured

NOTES:
    - Without --start or --days each symbol resumes after its latest stored bar,
      or starts collector.lookback ago when nothing is stored
    - Exit code 4 means at least one symbol failed or was cancelled
`, AppName, AppName)

	case "schedule":
		fmt.Printf(`%s schedule - Run incremental ingestion repeatedly

USAGE:
    %s schedule [options]

OPTIONS:
    --symbols, -s <list>      Comma-separated symbols (default: configured or ranked)
    --intervals, -i <list>    Intervals to keep current, e.g. 1h,1d
    --frequency, -f <dur>     Time between runs (default: one run per bar interval)
    --align                   Fire on interval boundaries
    --top, -n <n>             Ranking size when no symbols are configured

NOTES:
    - The ranking is refreshed before every run when no symbols are given
    - When server.enabled is set, /healthz, /metrics and /runs/last are served
`, AppName, AppName)

	case "check":
		fmt.Printf(`%s check - Compare stored bars with the exchange

USAGE:
    %s check [options]

OPTIONS:
    --symbols, -s <list>      Comma-separated symbols (default: configured or ranked)
    --interval, -i <interval> Bar interval (default: collector.interval)
    --lookback, -l <bars>     Most recent stored bars to compare
`, AppName, AppName)

	case "export":
		fmt.Printf(`%s export - Write stored series to Parquet

USAGE:
    %s export [options]

OPTIONS:
    --symbols, -s <list>      Comma-separated symbols (default: configured or ranked)
    --interval, -i <interval> Bar interval (default: collector.interval)
    --dir, -o <path>          Output directory (default: export.dir)
`, AppName, AppName)

	case "symbols":
		fmt.Printf(`%s symbols - List top symbols by 24h quote volume

USAGE:
    %s symbols [options]

OPTIONS:
    --top, -n <n>             Number of symbols (default: exchange.top_n)
    --quote, -q <asset>       Quote asset filter (default: exchange.quote_asset)
`, AppName, AppName)

	case "migrate":
		fmt.Printf(`%s migrate - Manage the storage schema

USAGE:
    %s migrate [options]

OPTIONS:
    --status                  Report the schema version without migrating
    --rollback <version>      Roll the DuckDB schema back to version
`, AppName, AppName)

	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
	}
}
