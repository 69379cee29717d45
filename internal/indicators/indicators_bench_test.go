package indicators

import (
	"fmt"
	"testing"
)

func BenchmarkEnrich(b *testing.B) {
	for _, n := range []int{250, 1000, 10000} {
		b.Run(fmt.Sprintf("bars_%d", n), func(b *testing.B) {
			series := seriesFromCloses(wavyCloses(n), nil)

			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				Enrich(series)
			}
			b.ReportMetric(float64(b.N)*float64(n)/b.Elapsed().Seconds(), "bars/sec")
		})
	}
}
