// Package config provides centralized configuration management for the ingestion pipeline.
// Configuration is layered: built-in defaults, an optional .env file, an optional JSON or
// YAML file, then OHLCV_* environment variables, followed by validation.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable read by LoadConfig.
const EnvPrefix = "OHLCV_"

// AppConfig represents the complete application configuration
type AppConfig struct {
	AppName    string `json:"app_name" yaml:"app_name"`
	Version    string `json:"version" yaml:"version"`
	ConfigPath string `json:"-" yaml:"-"`

	Exchange    ExchangeConfig    `json:"exchange" yaml:"exchange"`
	RateBudget  RateBudgetConfig  `json:"rate_budget" yaml:"rate_budget"`
	Retry       RetryConfig       `json:"retry" yaml:"retry"`
	Collector   CollectorConfig   `json:"collector" yaml:"collector"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Scheduler   SchedulerConfig   `json:"scheduler" yaml:"scheduler"`
	Consistency ConsistencyConfig `json:"consistency" yaml:"consistency"`
	Anomaly     AnomalyConfig     `json:"anomaly" yaml:"anomaly"`
	Export      ExportConfig      `json:"export" yaml:"export"`
	Publisher   PublisherConfig   `json:"publisher" yaml:"publisher"`
	Server      ServerConfig      `json:"server" yaml:"server"`
	Profiling   ProfilingConfig   `json:"profiling" yaml:"profiling"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// ExchangeConfig configures the market-data source
type ExchangeConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"`               // Klines API base URL
	PageSize       int    `json:"page_size" yaml:"page_size"`             // Maximum rows per page request
	RequestTimeout string `json:"request_timeout" yaml:"request_timeout"` // Fixed per-page timeout
	UserAgent      string `json:"user_agent" yaml:"user_agent"`
	QuoteAsset     string `json:"quote_asset" yaml:"quote_asset"` // Quote asset filter for symbol ranking
	TopN           int    `json:"top_n" yaml:"top_n"`             // Symbols taken from the ranking when none are given
}

// RateBudgetConfig configures request-weight throttling
type RateBudgetConfig struct {
	Window        string `json:"window" yaml:"window"`                 // Rolling window the weight is counted over
	HighWatermark int    `json:"high_watermark" yaml:"high_watermark"` // Consumed weight above which the long cooldown applies
	LowWatermark  int    `json:"low_watermark" yaml:"low_watermark"`   // Consumed weight above which the short cooldown applies
	LongCooldown  string `json:"long_cooldown" yaml:"long_cooldown"`
	ShortCooldown string `json:"short_cooldown" yaml:"short_cooldown"`
	MinDelay      string `json:"min_delay" yaml:"min_delay"`           // Minimal delay between any two requests
	DefaultWeight int    `json:"default_weight" yaml:"default_weight"` // Weight recorded when the response reports none
}

// RetryConfig configures the shared retry policy for transient failures
type RetryConfig struct {
	MaxAttempts  int     `json:"max_attempts" yaml:"max_attempts"`
	InitialDelay string  `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string  `json:"max_delay" yaml:"max_delay"`
	Multiplier   float64 `json:"multiplier" yaml:"multiplier"`
	Jitter       float64 `json:"jitter" yaml:"jitter"` // Randomization factor, 0 disables jitter
}

// CollectorConfig configures the ingestion orchestrator
type CollectorConfig struct {
	WorkerCount int      `json:"worker_count" yaml:"worker_count"` // 0 means runtime.NumCPU()
	MaxWorkers  int      `json:"max_workers" yaml:"max_workers"`   // Upper bound applied to WorkerCount
	Interval    string   `json:"interval" yaml:"interval"`         // Bucket interval, e.g. "1d" or "1m"
	Lookback    string   `json:"lookback" yaml:"lookback"`         // Backfill window when nothing is stored yet
	WarmupBars  int      `json:"warmup_bars" yaml:"warmup_bars"`   // Stored bars loaded ahead of an incremental range to seed indicators
	Symbols     []string `json:"symbols" yaml:"symbols"`
	ReportDir   string   `json:"report_dir" yaml:"report_dir"` // Directory for .lastrun.*.json reports, empty disables
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	Type        string `json:"type" yaml:"type"`                 // "duckdb", "postgres", "memory"
	DatabaseURL string `json:"database_url" yaml:"database_url"` // File path for DuckDB, DSN for Postgres
	MaxConns    int    `json:"max_conns" yaml:"max_conns"`
	MinConns    int    `json:"min_conns" yaml:"min_conns"`
}

// SchedulerConfig configures repeated incremental runs
type SchedulerConfig struct {
	Intervals       []string `json:"intervals" yaml:"intervals"`
	Frequency       string   `json:"frequency" yaml:"frequency"`                 // Empty means one run per bucket interval
	AlignToInterval bool     `json:"align_to_interval" yaml:"align_to_interval"` // Fire on bucket boundaries
	RunTimeout      string   `json:"run_timeout" yaml:"run_timeout"`
}

// ConsistencyConfig configures the stored-vs-fetched re-check
type ConsistencyConfig struct {
	LookbackBars            int     `json:"lookback_bars" yaml:"lookback_bars"`
	CloseTolerancePct       float64 `json:"close_tolerance_pct" yaml:"close_tolerance_pct"`
	VolumeTolerancePct      float64 `json:"volume_tolerance_pct" yaml:"volume_tolerance_pct"`
	QuoteVolumeTolerancePct float64 `json:"quote_volume_tolerance_pct" yaml:"quote_volume_tolerance_pct"`
	TradeCountTolerancePct  float64 `json:"trade_count_tolerance_pct" yaml:"trade_count_tolerance_pct"`
}

// AnomalyConfig configures the bar-to-bar anomaly scan run on fetched series.
// Thresholds are ratios of a bar's value to the previous bar's; 0 disables that check.
type AnomalyConfig struct {
	Enabled              bool    `json:"enabled" yaml:"enabled"`
	PriceSpikeThreshold  float64 `json:"price_spike_threshold" yaml:"price_spike_threshold"`
	VolumeSurgeThreshold float64 `json:"volume_surge_threshold" yaml:"volume_surge_threshold"`
}

// ExportConfig configures Parquet snapshots
type ExportConfig struct {
	Dir string `json:"dir" yaml:"dir"`
}

// PublisherConfig configures outcome events on Kafka
type PublisherConfig struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Brokers      []string `json:"brokers" yaml:"brokers"`
	Topic        string   `json:"topic" yaml:"topic"`
	WriteTimeout string   `json:"write_timeout" yaml:"write_timeout"`
}

// ServerConfig configures the operational HTTP endpoints
type ServerConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
	Mode    string `json:"mode" yaml:"mode"` // gin mode: debug, release, test
}

// ProfilingConfig configures continuous profiling
type ProfilingConfig struct {
	Enabled         bool              `json:"enabled" yaml:"enabled"`
	ServerAddress   string            `json:"server_address" yaml:"server_address"`
	ApplicationName string            `json:"application_name" yaml:"application_name"`
	Tags            map[string]string `json:"tags" yaml:"tags"`
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level"`   // debug, info, warn, error
	Format        string            `json:"format" yaml:"format"` // json, text
	Output        string            `json:"output" yaml:"output"` // stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path"`
	MaxSize       int               `json:"max_size" yaml:"max_size"` // MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups"`
	MaxAge        int               `json:"max_age" yaml:"max_age"` // days
	Compress      bool              `json:"compress" yaml:"compress"`
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. Either path may be empty.
func NewConfigManager(configPath, envFile string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    envFile,
		logger:     logger,
	}
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables (highest priority, .env entries never override real ones)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if err := cm.loadDotEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Info("configuration loaded successfully",
		"config_path", cm.configPath,
		"storage_type", config.Storage.Type,
		"interval", config.Collector.Interval,
		"log_level", config.Logging.Level)

	return config, nil
}

func (cm *ConfigManager) loadDotEnv() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); errors.Is(err, os.ErrNotExist) {
		cm.logger.Debug("env file does not exist, skipping", "path", cm.envFile)
		return nil
	}
	return godotenv.Load(cm.envFile)
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from OHLCV_* environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	envString("EXCHANGE_BASE_URL", &config.Exchange.BaseURL)
	collect(envInt("EXCHANGE_PAGE_SIZE", &config.Exchange.PageSize))
	envString("EXCHANGE_REQUEST_TIMEOUT", &config.Exchange.RequestTimeout)
	envString("EXCHANGE_QUOTE_ASSET", &config.Exchange.QuoteAsset)
	collect(envInt("EXCHANGE_TOP_N", &config.Exchange.TopN))

	collect(envInt("RATE_HIGH_WATERMARK", &config.RateBudget.HighWatermark))
	collect(envInt("RATE_LOW_WATERMARK", &config.RateBudget.LowWatermark))
	envString("RATE_MIN_DELAY", &config.RateBudget.MinDelay)

	collect(envInt("RETRY_MAX_ATTEMPTS", &config.Retry.MaxAttempts))
	envString("RETRY_INITIAL_DELAY", &config.Retry.InitialDelay)

	collect(envInt("WORKER_COUNT", &config.Collector.WorkerCount))
	envString("INTERVAL", &config.Collector.Interval)
	envString("LOOKBACK", &config.Collector.Lookback)
	collect(envInt("WARMUP_BARS", &config.Collector.WarmupBars))
	envList("SYMBOLS", &config.Collector.Symbols)
	envString("REPORT_DIR", &config.Collector.ReportDir)

	envString("STORAGE_TYPE", &config.Storage.Type)
	envString("DATABASE_URL", &config.Storage.DatabaseURL)
	collect(envInt("MAX_CONNS", &config.Storage.MaxConns))

	envList("SCHEDULER_INTERVALS", &config.Scheduler.Intervals)
	envString("SCHEDULER_FREQUENCY", &config.Scheduler.Frequency)

	collect(envBool("ANOMALY_ENABLED", &config.Anomaly.Enabled))

	envString("EXPORT_DIR", &config.Export.Dir)

	collect(envBool("PUBLISHER_ENABLED", &config.Publisher.Enabled))
	envList("KAFKA_BROKERS", &config.Publisher.Brokers)
	envString("KAFKA_TOPIC", &config.Publisher.Topic)

	collect(envBool("SERVER_ENABLED", &config.Server.Enabled))
	envString("SERVER_ADDR", &config.Server.Addr)

	collect(envBool("PROFILING_ENABLED", &config.Profiling.Enabled))
	envString("PYROSCOPE_ADDRESS", &config.Profiling.ServerAddress)

	envString("LOG_LEVEL", &config.Logging.Level)
	envString("LOG_FORMAT", &config.Logging.Format)
	envString("LOG_OUTPUT", &config.Logging.Output)
	envString("LOG_FILE_PATH", &config.Logging.FilePath)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment values:\n- %s", strings.Join(errs, "\n- "))
	}

	cm.logger.Debug("loaded configuration from environment variables")
	return nil
}

func envString(key string, dst *string) {
	if val, ok := os.LookupEnv(EnvPrefix + key); ok && val != "" {
		*dst = val
	}
}

func envInt(key string, dst *int) error {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, val)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || val == "" {
		return nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return fmt.Errorf("%s%s: %q is not a boolean", EnvPrefix, key, val)
	}
	*dst = b
	return nil
}

func envList(key string, dst *[]string) {
	val, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || val == "" {
		return
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errs []string

	checkDuration := func(name, value string, allowEmpty bool) {
		if value == "" {
			if !allowEmpty {
				errs = append(errs, fmt.Sprintf("%s is required", name))
			}
			return
		}
		if d, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Sprintf("%s is not a valid duration: %v", name, err))
		} else if d < 0 {
			errs = append(errs, fmt.Sprintf("%s must not be negative", name))
		}
	}

	if config.Exchange.BaseURL == "" {
		errs = append(errs, "exchange.base_url is required")
	}
	if config.Exchange.PageSize <= 0 || config.Exchange.PageSize > 1000 {
		errs = append(errs, "exchange.page_size must be between 1 and 1000")
	}
	checkDuration("exchange.request_timeout", config.Exchange.RequestTimeout, false)

	checkDuration("rate_budget.window", config.RateBudget.Window, false)
	checkDuration("rate_budget.long_cooldown", config.RateBudget.LongCooldown, false)
	checkDuration("rate_budget.short_cooldown", config.RateBudget.ShortCooldown, false)
	checkDuration("rate_budget.min_delay", config.RateBudget.MinDelay, false)
	if config.RateBudget.LowWatermark <= 0 || config.RateBudget.HighWatermark <= config.RateBudget.LowWatermark {
		errs = append(errs, "rate_budget watermarks must satisfy 0 < low_watermark < high_watermark")
	}
	if config.RateBudget.DefaultWeight <= 0 {
		errs = append(errs, "rate_budget.default_weight must be greater than 0")
	}

	if config.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry.max_attempts must be greater than 0")
	}
	checkDuration("retry.initial_delay", config.Retry.InitialDelay, false)
	checkDuration("retry.max_delay", config.Retry.MaxDelay, false)
	if config.Retry.Multiplier < 1 {
		errs = append(errs, "retry.multiplier must be at least 1")
	}
	if config.Retry.Jitter < 0 || config.Retry.Jitter > 1 {
		errs = append(errs, "retry.jitter must be between 0 and 1")
	}

	if config.Collector.WorkerCount < 0 {
		errs = append(errs, "collector.worker_count must not be negative")
	}
	if config.Collector.MaxWorkers <= 0 {
		errs = append(errs, "collector.max_workers must be greater than 0")
	}
	if config.Collector.Interval == "" {
		errs = append(errs, "collector.interval is required")
	}
	checkDuration("collector.lookback", config.Collector.Lookback, false)
	if config.Collector.WarmupBars < 0 {
		errs = append(errs, "collector.warmup_bars must not be negative")
	}

	switch config.Storage.Type {
	case "duckdb", "postgres":
		if config.Storage.DatabaseURL == "" {
			errs = append(errs, fmt.Sprintf("storage.database_url is required for %s storage", config.Storage.Type))
		}
	case "memory":
	case "":
		errs = append(errs, "storage.type is required")
	default:
		errs = append(errs, "storage.type must be one of: duckdb, postgres, memory")
	}

	checkDuration("scheduler.frequency", config.Scheduler.Frequency, true)
	checkDuration("scheduler.run_timeout", config.Scheduler.RunTimeout, true)

	if config.Consistency.LookbackBars <= 0 {
		errs = append(errs, "consistency.lookback_bars must be greater than 0")
	}

	if config.Anomaly.PriceSpikeThreshold < 0 || config.Anomaly.VolumeSurgeThreshold < 0 {
		errs = append(errs, "anomaly thresholds must not be negative")
	}

	if config.Publisher.Enabled {
		if len(config.Publisher.Brokers) == 0 {
			errs = append(errs, "publisher.brokers is required when the publisher is enabled")
		}
		if config.Publisher.Topic == "" {
			errs = append(errs, "publisher.topic is required when the publisher is enabled")
		}
		checkDuration("publisher.write_timeout", config.Publisher.WriteTimeout, false)
	}

	if config.Server.Enabled && config.Server.Addr == "" {
		errs = append(errs, "server.addr is required when the server is enabled")
	}

	if config.Profiling.Enabled && config.Profiling.ServerAddress == "" {
		errs = append(errs, "profiling.server_address is required when profiling is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "ohlcv-ingest",
		Version: "1.0.0",
		Exchange: ExchangeConfig{
			BaseURL:        "https://api.binance.com",
			PageSize:       1000,
			RequestTimeout: "5s",
			UserAgent:      "go-ohlcv-ingest/1.0",
			QuoteAsset:     "USDT",
			TopN:           50,
		},
		RateBudget: RateBudgetConfig{
			Window:        "1m",
			HighWatermark: 1100,
			LowWatermark:  900,
			LongCooldown:  "10s",
			ShortCooldown: "5s",
			MinDelay:      "200ms",
			DefaultWeight: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: "500ms",
			MaxDelay:     "30s",
			Multiplier:   2.0,
			Jitter:       0.5,
		},
		Collector: CollectorConfig{
			WorkerCount: 0,
			MaxWorkers:  16,
			Interval:    "1d",
			Lookback:    "8760h",
			WarmupBars:  250,
			ReportDir:   "./data",
		},
		Storage: StorageConfig{
			Type:        "duckdb",
			DatabaseURL: "./data/ohlcv.db",
			MaxConns:    4,
			MinConns:    1,
		},
		Scheduler: SchedulerConfig{
			Intervals:       []string{"1d"},
			AlignToInterval: true,
			RunTimeout:      "30m",
		},
		Consistency: ConsistencyConfig{
			LookbackBars:            100,
			CloseTolerancePct:       0.1,
			VolumeTolerancePct:      2.0,
			QuoteVolumeTolerancePct: 2.0,
			TradeCountTolerancePct:  2.0,
		},
		Anomaly: AnomalyConfig{
			Enabled:              true,
			PriceSpikeThreshold:  5.0,
			VolumeSurgeThreshold: 10.0,
		},
		Export: ExportConfig{
			Dir: "./exports",
		},
		Publisher: PublisherConfig{
			Enabled:      false,
			Topic:        "ohlcv.outcomes",
			WriteTimeout: "5s",
		},
		Server: ServerConfig{
			Enabled: false,
			Addr:    ":9090",
			Mode:    "release",
		},
		Profiling: ProfilingConfig{
			Enabled:         false,
			ApplicationName: "ohlcv-ingest",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
			ContextFields: map[string]string{
				"service": "ohlcv-ingest",
			},
		},
	}
}

// Workers resolves the effective worker count: NumCPU when unset, capped by MaxWorkers.
func (c CollectorConfig) Workers() int {
	n := c.WorkerCount
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if c.MaxWorkers > 0 && n > c.MaxWorkers {
		n = c.MaxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

// MustDuration parses a duration that validateConfig already accepted, falling back on error.
func MustDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// String returns a JSON representation of the configuration with the database DSN redacted
func (c *AppConfig) String() string {
	sanitized := *c
	if sanitized.Storage.Type == "postgres" && sanitized.Storage.DatabaseURL != "" {
		sanitized.Storage.DatabaseURL = "[REDACTED]"
	}

	data, _ := json.MarshalIndent(&sanitized, "", "  ")
	return string(data)
}
