package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/johnayoung/go-ohlcv-ingest/internal/models"
)

func BenchmarkPersistThroughput(b *testing.B) {
	backends := map[string]func(b *testing.B) FullStorage{
		"memory": func(b *testing.B) FullStorage { return NewMemoryStorage() },
		"duckdb": func(b *testing.B) FullStorage {
			store, err := NewDuckDBStorage(":memory:", createTestLogger())
			if err != nil {
				b.Fatal(err)
			}
			if err := store.Initialize(context.Background()); err != nil {
				b.Fatal(err)
			}
			b.Cleanup(func() { store.Close() })
			return store
		},
	}

	series := createTestSeries("BTCUSDT", 0, 1000)
	for name, open := range backends {
		b.Run(name, func(b *testing.B) {
			store := open(b)
			ctx := context.Background()

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				if _, err := store.Persist(ctx, series); err != nil {
					b.Fatalf("Persist failed: %v", err)
				}
			}
			total := float64(b.N) * float64(len(series.Bars))
			b.ReportMetric(total/b.Elapsed().Seconds(), "bars/sec")
		})
	}
}

func BenchmarkLoadBars(b *testing.B) {
	ctx := context.Background()
	store := NewMemoryStorage()
	if _, err := store.Persist(ctx, createTestSeries("BTCUSDT", 0, 10000)); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bars, err := store.LoadBars(ctx, "BTCUSDT", models.Interval1d, baseTS+5000*dayMs, baseTS+6000*dayMs)
		if err != nil || len(bars) != 1000 {
			b.Fatalf("LoadBars returned %d bars, err %v", len(bars), err)
		}
	}
}

func BenchmarkConcurrentPersist(b *testing.B) {
	for _, workers := range []int{1, 4, 8} {
		b.Run(fmt.Sprintf("workers_%d", workers), func(b *testing.B) {
			ctx := context.Background()
			store := NewMemoryStorage()
			series := make([]*models.Series, workers)
			for w := range series {
				series[w] = createTestSeries(fmt.Sprintf("SYM%dUSDT", w), 0, 500)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				var wg sync.WaitGroup
				for w := 0; w < workers; w++ {
					wg.Add(1)
					go func(s *models.Series) {
						defer wg.Done()
						if _, err := store.Persist(ctx, s); err != nil {
							b.Errorf("Persist failed: %v", err)
						}
					}(series[w])
				}
				wg.Wait()
			}
		})
	}
}
