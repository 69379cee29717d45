package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// TopSymbolsByQuoteVolume ranks symbols by 24h quote volume, descending, and returns the
// first n. When quoteAsset is set only symbols quoted in it are considered. Ties keep
// alphabetical order so the result is stable across calls.
func TopSymbolsByQuoteVolume(ctx context.Context, provider TickerProvider, quoteAsset string, n int) ([]string, error) {
	if n <= 0 {
		return nil, fmt.Errorf("top n must be positive, got %d", n)
	}

	tickers, err := provider.Tickers24h(ctx)
	if err != nil {
		return nil, err
	}

	quoteAsset = strings.ToUpper(quoteAsset)
	candidates := make([]Ticker, 0, len(tickers))
	for _, t := range tickers {
		if t.Symbol == "" {
			continue
		}
		if quoteAsset != "" && (!strings.HasSuffix(t.Symbol, quoteAsset) || t.Symbol == quoteAsset) {
			continue
		}
		candidates = append(candidates, t)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if c := candidates[i].QuoteVolume.Cmp(candidates[j].QuoteVolume); c != 0 {
			return c > 0
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}

	symbols := make([]string, len(candidates))
	for i, t := range candidates {
		symbols[i] = t.Symbol
	}
	return symbols, nil
}
