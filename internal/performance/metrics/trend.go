package metrics

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Trend is a frozen copy of a latency histogram used for threshold
// evaluation. The zero value reports zero for every aggregation.
type Trend struct {
	hist *hdrhistogram.Histogram
}

func newTrend(h *hdrhistogram.Histogram) Trend {
	return Trend{hist: hdrhistogram.Import(h.Export())}
}

// Count returns the number of samples.
func (t Trend) Count() int64 {
	if t.hist == nil {
		return 0
	}
	return t.hist.TotalCount()
}

// Quantile returns the value at percentile p (0-100].
func (t Trend) Quantile(p float64) time.Duration {
	if t.hist == nil {
		return 0
	}
	return micros(t.hist.ValueAtQuantile(p))
}

// Mean returns the average sample.
func (t Trend) Mean() time.Duration {
	if t.hist == nil {
		return 0
	}
	return time.Duration(t.hist.Mean() * float64(time.Microsecond))
}

// Min returns the smallest sample.
func (t Trend) Min() time.Duration {
	if t.hist == nil {
		return 0
	}
	return micros(t.hist.Min())
}

// Max returns the largest sample.
func (t Trend) Max() time.Duration {
	if t.hist == nil {
		return 0
	}
	return micros(t.hist.Max())
}
