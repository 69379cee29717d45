package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/config"
	ierrors "github.com/johnayoung/go-ohlcv-ingest/internal/errors"
	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test fixtures and mock data
const (
	btcSymbol     = "BTCUSDT"
	testTimestamp = int64(1704067200000) // 2024-01-01 00:00:00 UTC
	hourMs        = int64(3600000)
)

func klineRow(ts int64, open, high, low, close string) string {
	return fmt.Sprintf(`[%d,"%s","%s","%s","%s","12.5",%d,"150000.25",321,"6.1","73000.1","0"]`,
		ts, open, high, low, close, ts+hourMs-1)
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createMockServer(responses map[string]func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, exists := responses[r.URL.Path]; exists {
			handler(w, r)
		} else {
			http.NotFound(w, r)
		}
	}))
}

func newTestAdapter(serverURL string) *BinanceAdapter {
	cfg := config.DefaultConfig().Exchange
	cfg.BaseURL = serverURL
	return NewBinanceAdapterFromConfig(cfg, createTestLogger())
}

func TestNewBinanceAdapter(t *testing.T) {
	adapter := NewBinanceAdapter(nil)

	assert.Equal(t, binanceBaseURL, adapter.baseURL)
	assert.Equal(t, maxKlinesPerRequest, adapter.PageSize())
	assert.Equal(t, requestTimeout, adapter.httpClient.Timeout)

	cfg := config.ExchangeConfig{BaseURL: "http://localhost:1/", PageSize: 5000, RequestTimeout: "2s"}
	custom := NewBinanceAdapterFromConfig(cfg, createTestLogger())
	assert.Equal(t, "http://localhost:1", custom.baseURL)
	assert.Equal(t, maxKlinesPerRequest, custom.PageSize(), "page size is capped by the provider maximum")
}

func TestBinanceAdapter_FetchPage(t *testing.T) {
	ctx := context.Background()

	t.Run("fetches and parses rows", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
				query := r.URL.Query()
				assert.Equal(t, btcSymbol, query.Get("symbol"))
				assert.Equal(t, "1h", query.Get("interval"))
				assert.Equal(t, fmt.Sprint(testTimestamp), query.Get("startTime"))
				assert.Equal(t, fmt.Sprint(testTimestamp+10*hourMs-1), query.Get("endTime"))
				assert.Equal(t, "500", query.Get("limit"))

				w.Header().Set(usedWeightHeader, "42")
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprintf(w, "[%s,%s]",
					klineRow(testTimestamp, "47000.00", "47500.00", "46500.00", "47200.00"),
					klineRow(testTimestamp+hourMs, "47200.00", "47800.00", "47000.00", "47600.00"))
			},
		})
		defer server.Close()

		page, err := newTestAdapter(server.URL).FetchPage(ctx, PageRequest{
			Symbol:    btcSymbol,
			Interval:  models.Interval1h,
			StartTime: testTimestamp,
			EndTime:   testTimestamp + 10*hourMs,
			Limit:     500,
		})

		require.NoError(t, err)
		require.Len(t, page.Bars, 2)
		assert.Equal(t, 42, page.UsedWeight)
		assert.Zero(t, page.Skipped)
		assert.NotEmpty(t, page.Raw)
		assert.Equal(t, testTimestamp+hourMs, page.LastTimestamp())

		bar := page.Bars[0]
		assert.Equal(t, btcSymbol, bar.Symbol)
		assert.Equal(t, models.Interval1h, bar.Interval)
		assert.Equal(t, testTimestamp, bar.Timestamp)
		assert.Equal(t, "47000", bar.Open.String())
		assert.Equal(t, "47500", bar.High.String())
		assert.Equal(t, "46500", bar.Low.String())
		assert.Equal(t, "47200", bar.Close.String())
		assert.Equal(t, "12.5", bar.Volume.String())
		assert.Equal(t, "150000.25", bar.QuoteVolume.String())
		assert.Equal(t, int64(321), bar.TradeCount)
	})

	t.Run("missing weight header and empty page", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
				assert.Empty(t, r.URL.Query().Get("endTime"))
				w.Write([]byte(`[]`))
			},
		})
		defer server.Close()

		page, err := newTestAdapter(server.URL).FetchPage(ctx, PageRequest{
			Symbol: btcSymbol, Interval: models.Interval1h, StartTime: testTimestamp,
		})

		require.NoError(t, err)
		assert.Empty(t, page.Bars)
		assert.Equal(t, -1, page.UsedWeight)
		assert.Equal(t, int64(-1), page.LastTimestamp())
	})

	t.Run("skips malformed rows", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintf(w, `[%s,[1,2,3],%s,%s]`,
					klineRow(testTimestamp, "10", "11", "9", "10.5"),
					klineRow(testTimestamp+hourMs, "abc", "11", "9", "10.5"),
					// high below close breaks the OHLC invariant
					klineRow(testTimestamp+2*hourMs, "10", "10.2", "9", "10.5"))
			},
		})
		defer server.Close()

		page, err := newTestAdapter(server.URL).FetchPage(ctx, PageRequest{
			Symbol: btcSymbol, Interval: models.Interval1h, StartTime: testTimestamp,
		})

		require.NoError(t, err)
		assert.Len(t, page.Bars, 1)
		assert.Equal(t, 3, page.Skipped)
	})

	t.Run("malformed envelope", func(t *testing.T) {
		server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
			klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(`{"code":0,"msg":"unexpected"}`))
			},
		})
		defer server.Close()

		_, err := newTestAdapter(server.URL).FetchPage(ctx, PageRequest{
			Symbol: btcSymbol, Interval: models.Interval1h, StartTime: testTimestamp,
		})

		var malformed *ierrors.MalformedResponseError
		require.ErrorAs(t, err, &malformed)
		assert.Equal(t, btcSymbol, malformed.Symbol)
		assert.False(t, ierrors.IsRetryable(err))
	})

	t.Run("status errors are classified", func(t *testing.T) {
		tests := []struct {
			status    int
			retryable bool
		}{
			{http.StatusTooManyRequests, true},
			{http.StatusBadGateway, true},
			{http.StatusBadRequest, false},
		}

		for _, tt := range tests {
			server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
				klinesEndpoint: func(w http.ResponseWriter, r *http.Request) {
					w.Header().Set("Retry-After", "3")
					w.WriteHeader(tt.status)
					w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
				},
			})

			_, err := newTestAdapter(server.URL).FetchPage(ctx, PageRequest{
				Symbol: btcSymbol, Interval: models.Interval1h, StartTime: testTimestamp,
			})
			server.Close()

			var statusErr *ierrors.HTTPStatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, tt.status, statusErr.StatusCode)
			assert.Contains(t, statusErr.Body, "Invalid symbol.")
			assert.Equal(t, tt.retryable, ierrors.IsRetryable(err), tt.status)
		}
	})

	t.Run("rejects invalid request before calling", func(t *testing.T) {
		adapter := NewBinanceAdapter(createTestLogger())

		_, err := adapter.FetchPage(ctx, PageRequest{Symbol: "", Interval: models.Interval1h})
		assert.ErrorContains(t, err, "invalid request")

		_, err = adapter.FetchPage(ctx, PageRequest{Symbol: btcSymbol, Interval: "7m"})
		assert.ErrorContains(t, err, "unsupported interval")

		_, err = adapter.FetchPage(ctx, PageRequest{Symbol: btcSymbol, Interval: models.Interval1h, StartTime: 10, EndTime: 5})
		assert.ErrorContains(t, err, "end time must be after start time")
	})
}

func TestBinanceAdapter_HealthCheck(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		pingEndpoint: func(w http.ResponseWriter, r *http.Request) { w.Write([]byte(`{}`)) },
	})
	defer server.Close()

	assert.NoError(t, newTestAdapter(server.URL).HealthCheck(context.Background()))

	server.Close()
	assert.Error(t, newTestAdapter(server.URL).HealthCheck(context.Background()))
}

func TestTopSymbolsByQuoteVolume(t *testing.T) {
	server := createMockServer(map[string]func(w http.ResponseWriter, r *http.Request){
		tickerEndpoint: func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[
				{"symbol":"ETHUSDT","lastPrice":"2300.1","priceChangePercent":"1.2","volume":"100","quoteVolume":"230010.5","count":10},
				{"symbol":"BTCUSDT","lastPrice":"42000","priceChangePercent":"-0.5","volume":"50","quoteVolume":"2100000","count":20},
				{"symbol":"ETHBTC","lastPrice":"0.05","priceChangePercent":"0","volume":"900","quoteVolume":"99999999","count":30},
				{"symbol":"SOLUSDT","lastPrice":"95","priceChangePercent":"3","volume":"10","quoteVolume":"230010.5","count":5},
				{"symbol":"BADUSDT","lastPrice":"1","priceChangePercent":"0","volume":"1","quoteVolume":"n/a","count":1},
				{"symbol":"DOGEUSDT","lastPrice":"0.08","priceChangePercent":"0","volume":"1","quoteVolume":"12","count":1}
			]`))
		},
	})
	defer server.Close()

	adapter := newTestAdapter(server.URL)

	symbols, err := TopSymbolsByQuoteVolume(context.Background(), adapter, "usdt", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, symbols)

	all, err := TopSymbolsByQuoteVolume(context.Background(), adapter, "", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHBTC", "BTCUSDT", "ETHUSDT", "SOLUSDT", "DOGEUSDT"}, all)

	_, err = TopSymbolsByQuoteVolume(context.Background(), adapter, "USDT", 0)
	assert.Error(t, err)
}
