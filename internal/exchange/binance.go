package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/shopspring/decimal"
)

const (
	// Binance spot REST API base URL
	binanceBaseURL = "https://api.binance.com"

	// API endpoints
	klinesEndpoint   = "/api/v3/klines"
	tickerEndpoint   = "/api/v3/ticker/24hr"
	pingEndpoint     = "/api/v3/ping"
	usedWeightHeader = "X-MBX-USED-WEIGHT-1M"

	// Request configuration
	maxKlinesPerRequest = 1000
	requestTimeout      = 5 * time.Second
	klineFields         = 12

	// Health check configuration
	healthCheckTimeout = 5 * time.Second

	// Error bodies larger than this are truncated before they are kept
	maxErrorBody = 4096
)

// numberDecoder keeps numeric JSON values as json.Number so millisecond timestamps and
// trade counts survive decoding without a float round-trip.
var numberDecoder = sonic.Config{UseNumber: true}.Froze()

// BinanceAdapter implements ExchangeAdapter against the Binance spot klines API, or any
// service exposing the same endpoints.
type BinanceAdapter struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
	userAgent  string
	logger     *slog.Logger
}

// NewBinanceAdapter creates an adapter with default configuration.
func NewBinanceAdapter(logger *slog.Logger) *BinanceAdapter {
	return NewBinanceAdapterFromConfig(config.ExchangeConfig{}, logger)
}

// NewBinanceAdapterFromConfig creates an adapter from the exchange configuration section.
// Zero values fall back to the public endpoint, 1000 rows per page and a 5s timeout.
func NewBinanceAdapterFromConfig(cfg config.ExchangeConfig, logger *slog.Logger) *BinanceAdapter {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = binanceBaseURL
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 || pageSize > maxKlinesPerRequest {
		pageSize = maxKlinesPerRequest
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "go-ohlcv-ingest/1.0"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &BinanceAdapter{
		httpClient: &http.Client{
			Timeout: config.MustDuration(cfg.RequestTimeout, requestTimeout),
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:   baseURL,
		pageSize:  pageSize,
		userAgent: userAgent,
		logger:    logger.With("component", "binance"),
	}
}

// PageSize returns the number of rows requested per page.
func (b *BinanceAdapter) PageSize() int {
	return b.pageSize
}

// FetchPage implements the KlineSource interface.
func (b *BinanceAdapter) FetchPage(ctx context.Context, req PageRequest) (*Page, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	limit := req.Limit
	if limit <= 0 || limit > b.pageSize {
		limit = b.pageSize
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("interval", string(req.Interval))
	params.Set("startTime", strconv.FormatInt(req.StartTime, 10))
	if req.EndTime > 0 {
		// endTime is inclusive on the provider side
		params.Set("endTime", strconv.FormatInt(req.EndTime-1, 10))
	}
	params.Set("limit", strconv.Itoa(limit))

	body, header, err := b.get(ctx, klinesEndpoint, params)
	if err != nil {
		return nil, err
	}

	page := &Page{
		Raw:        body,
		UsedWeight: parseUsedWeight(header.Get(usedWeightHeader)),
	}

	var rows [][]any
	if err := numberDecoder.Unmarshal(body, &rows); err != nil {
		return page, &ierrors.MalformedResponseError{Symbol: req.Symbol, Reason: "klines body is not an array of rows", Err: err}
	}

	page.Bars = make([]models.Bar, 0, len(rows))
	for i, row := range rows {
		bar, err := parseKlineRow(row, req.Symbol, req.Interval)
		if err != nil {
			page.Skipped++
			b.logger.Warn("skipping malformed kline row",
				"symbol", req.Symbol,
				"row", i,
				"error", err)
			continue
		}
		page.Bars = append(page.Bars, *bar)
	}

	b.logger.Debug("fetched klines page",
		"symbol", req.Symbol,
		"interval", req.Interval,
		"start_time", req.StartTime,
		"rows", len(page.Bars),
		"skipped", page.Skipped,
		"used_weight", page.UsedWeight)

	return page, nil
}

// Tickers24h implements the TickerProvider interface.
func (b *BinanceAdapter) Tickers24h(ctx context.Context) ([]Ticker, error) {
	body, _, err := b.get(ctx, tickerEndpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch 24h tickers: %w", err)
	}

	var raw []binanceTicker
	if err := sonic.Unmarshal(body, &raw); err != nil {
		return nil, &ierrors.MalformedResponseError{Symbol: "*", Reason: "ticker body is not an array", Err: err}
	}

	tickers := make([]Ticker, 0, len(raw))
	for _, t := range raw {
		ticker, err := t.toTicker()
		if err != nil {
			b.logger.Debug("skipping malformed ticker", "symbol", t.Symbol, "error", err)
			continue
		}
		tickers = append(tickers, ticker)
	}
	return tickers, nil
}

// HealthCheck implements the HealthChecker interface.
func (b *BinanceAdapter) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if _, _, err := b.get(healthCtx, pingEndpoint, nil); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	b.logger.Debug("health check passed")
	return nil
}

// get performs one GET and returns the body of a 2xx response. Non-2xx responses become
// *errors.HTTPStatusError; transport failures are returned as-is for classification.
func (b *BinanceAdapter) get(ctx context.Context, endpoint string, params url.Values) ([]byte, http.Header, error) {
	requestURL := b.baseURL + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", b.userAgent)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return nil, resp.Header, &ierrors.HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	return body, resp.Header, nil
}

// parseKlineRow converts one 12-element kline array into a validated bar.
func parseKlineRow(row []any, symbol string, interval models.Interval) (*models.Bar, error) {
	if len(row) != klineFields {
		return nil, fmt.Errorf("expected %d fields, got %d", klineFields, len(row))
	}

	openTime, err := toInt64(row[0])
	if err != nil {
		return nil, fmt.Errorf("open time: %w", err)
	}

	// open, high, low, close, volume
	var prices [5]decimal.Decimal
	for i := range prices {
		prices[i], err = toDecimal(row[i+1])
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
	}

	quoteVolume, err := toDecimal(row[7])
	if err != nil {
		return nil, fmt.Errorf("quote volume: %w", err)
	}

	trades, err := toInt64(row[8])
	if err != nil {
		return nil, fmt.Errorf("trade count: %w", err)
	}

	bar := &models.Bar{
		Symbol:      symbol,
		Interval:    interval,
		Timestamp:   openTime,
		Open:        prices[0],
		High:        prices[1],
		Low:         prices[2],
		Close:       prices[3],
		Volume:      prices[4],
		QuoteVolume: quoteVolume,
		TradeCount:  trades,
	}
	if err := bar.Validate(); err != nil {
		return nil, err
	}
	return bar, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case string:
		return decimal.NewFromString(n)
	case json.Number:
		return decimal.NewFromString(n.String())
	case float64:
		return decimal.NewFromFloat(n), nil
	default:
		return decimal.Zero, fmt.Errorf("unexpected type %T", v)
	}
}

func parseUsedWeight(header string) int {
	if header == "" {
		return -1
	}
	w, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || w < 0 {
		return -1
	}
	return w
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}

	// Try to parse as HTTP date
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}

	return 0
}

// API response structures

type binanceTicker struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	PriceChangePercent string `json:"priceChangePercent"`
	Volume             string `json:"volume"`
	QuoteVolume        string `json:"quoteVolume"`
	Count              int64  `json:"count"`
}

func (t binanceTicker) toTicker() (Ticker, error) {
	quoteVolume, err := decimal.NewFromString(t.QuoteVolume)
	if err != nil {
		return Ticker{}, fmt.Errorf("quote volume: %w", err)
	}
	ticker := Ticker{
		Symbol:      t.Symbol,
		QuoteVolume: quoteVolume,
		TradeCount:  t.Count,
	}
	// The remaining fields are informational; bad values are left at zero.
	ticker.LastPrice, _ = decimal.NewFromString(t.LastPrice)
	ticker.PriceChangePercent, _ = decimal.NewFromString(t.PriceChangePercent)
	ticker.Volume, _ = decimal.NewFromString(t.Volume)
	return ticker, nil
}

var _ ExchangeAdapter = (*BinanceAdapter)(nil)
