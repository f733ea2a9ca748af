package metrics

import (
	"testing"
	"time"
)

var benchLatencies = []time.Duration{
	1 * time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
}

func BenchmarkEngine_RecordLatency(b *testing.B) {
	engine := NewEngine()
	defer engine.Stop()

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		engine.RecordLatency(benchLatencies[i%len(benchLatencies)], "", true, 1024)
	}
}

// Many VUs record at once; this is the hot path during a run.
func BenchmarkEngine_RecordLatency_Parallel(b *testing.B) {
	engine := NewEngine()
	defer engine.Stop()

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			engine.RecordLatency(benchLatencies[i%len(benchLatencies)], "get_products", true, 1024)
			i++
		}
	})
}

func BenchmarkEngine_RecordCheck_Parallel(b *testing.B) {
	engine := NewEngine()
	defer engine.Stop()

	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			engine.RecordCheck("get products status is 200", i%10 != 0)
			engine.AddRate("errors", i%10 == 0)
			i++
		}
	})
}

func BenchmarkEngine_GetSnapshot(b *testing.B) {
	engine := NewEngine()
	defer engine.Stop()

	for i := 0; i < 10000; i++ {
		engine.RecordLatency(benchLatencies[i%len(benchLatencies)], "get_products", true, 1024)
		engine.RecordCheck("get products status is 200", true)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = engine.GetSnapshot()
	}
}

func BenchmarkEngine_LatencyTrend(b *testing.B) {
	engine := NewEngine()
	defer engine.Stop()

	for i := 0; i < 10000; i++ {
		engine.RecordLatency(benchLatencies[i%len(benchLatencies)], "get_products", true, 1024)
	}

	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		trend, _ := engine.LatencyTrend("get_products")
		_ = trend.Quantile(95)
	}
}
