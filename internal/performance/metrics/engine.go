package metrics

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Engine collects and aggregates load test metrics.
//
// Latencies go into HDR histograms (overall, per request name and per
// iteration), request counters are atomic, and check and custom rate
// tallies live in small mutex-guarded maps. A background emitter closes a
// time bucket every BucketInterval.
//
// Engine is safe for concurrent use.
type Engine struct {
	latencyHist   *hdrhistogram.Histogram
	latencyHistMu sync.Mutex

	requestHists   map[string]*hdrhistogram.Histogram
	requestHistsMu sync.RWMutex

	iterationHist   *hdrhistogram.Histogram
	iterationHistMu sync.Mutex

	totalRequests     atomic.Int64
	successRequests   atomic.Int64
	failedRequests    atomic.Int64
	totalBytes        atomic.Int64
	iterations        atomic.Int64
	droppedIterations atomic.Int64

	checks     map[string]*tally
	checkOrder []string
	checksMu   sync.RWMutex

	rates   map[string]*tally
	ratesMu sync.RWMutex

	activeVUs atomic.Int32

	bucketStore *TimeBucketStore

	currentPhase Phase
	phaseMu      sync.RWMutex
	phaseHistory []PhaseChange

	startTime time.Time

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config EngineConfig
}

// tally counts binary outcomes: passes/fails for checks, non-zero/zero for rates.
type tally struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// NewEngine creates a new metrics engine with default configuration.
func NewEngine() *Engine {
	return NewEngineWithConfig(DefaultEngineConfig())
}

// NewEngineWithConfig creates a new metrics engine with custom configuration.
func NewEngineWithConfig(config EngineConfig) *Engine {
	def := DefaultEngineConfig()
	if config.BucketInterval <= 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		latencyHist:   config.newHistogram(),
		requestHists:  make(map[string]*hdrhistogram.Histogram),
		iterationHist: config.newHistogram(),
		checks:        make(map[string]*tally),
		rates:         make(map[string]*tally),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		currentPhase:  PhaseInit,
		phaseHistory:  make([]PhaseChange, 0),
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
		config:        config,
	}

	engine.emitterWg.Add(1)
	go engine.runEmitter()

	return engine
}

func (c EngineConfig) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(c.HistogramMin, c.HistogramMax, c.HistogramSigFigs)
}

func (e *Engine) clamp(d time.Duration) int64 {
	v := d.Microseconds()
	if v < e.config.HistogramMin {
		v = e.config.HistogramMin
	}
	if v > e.config.HistogramMax {
		v = e.config.HistogramMax
	}
	return v
}

// RecordLatency records one HTTP request.
//
// requestName feeds the per-request histogram (empty skips it); success is
// false for transport errors and status >= 400; bytes is the body size.
func (e *Engine) RecordLatency(duration time.Duration, requestName string, success bool, bytes int64) {
	latencyMicros := e.clamp(duration)

	e.latencyHistMu.Lock()
	_ = e.latencyHist.RecordValue(latencyMicros)
	e.latencyHistMu.Unlock()

	if requestName != "" {
		e.recordRequestHistogram(requestName, latencyMicros)
	}

	e.totalRequests.Add(1)
	e.totalBytes.Add(bytes)

	if success {
		e.successRequests.Add(1)
	} else {
		e.failedRequests.Add(1)
	}

	e.bucketStore.RecordRequest(success)
}

// HDR histogram RecordValue is not thread-safe; callers hold the map lock.
func (e *Engine) recordRequestHistogram(name string, latencyMicros int64) {
	e.requestHistsMu.Lock()
	defer e.requestHistsMu.Unlock()

	hist, exists := e.requestHists[name]
	if !exists {
		hist = e.config.newHistogram()
		e.requestHists[name] = hist
	}

	_ = hist.RecordValue(latencyMicros)
}

// RecordIteration records one completed iteration and its duration.
func (e *Engine) RecordIteration(duration time.Duration) {
	v := e.clamp(duration)

	e.iterationHistMu.Lock()
	_ = e.iterationHist.RecordValue(v)
	e.iterationHistMu.Unlock()

	e.iterations.Add(1)
	e.bucketStore.RecordIteration()
}

// RecordDroppedIteration counts an iteration that could not start.
func (e *Engine) RecordDroppedIteration() {
	e.droppedIterations.Add(1)
}

// RecordCheck records the outcome of a named check.
func (e *Engine) RecordCheck(name string, passed bool) {
	e.checksMu.RLock()
	t, ok := e.checks[name]
	e.checksMu.RUnlock()

	if !ok {
		e.checksMu.Lock()
		if t, ok = e.checks[name]; !ok {
			t = &tally{}
			e.checks[name] = t
			e.checkOrder = append(e.checkOrder, name)
		}
		e.checksMu.Unlock()
	}

	if passed {
		t.hits.Add(1)
	} else {
		t.misses.Add(1)
	}
}

// AddRate adds one sample to a custom rate metric.
func (e *Engine) AddRate(name string, nonZero bool) {
	e.ratesMu.RLock()
	t, ok := e.rates[name]
	e.ratesMu.RUnlock()

	if !ok {
		e.ratesMu.Lock()
		if t, ok = e.rates[name]; !ok {
			t = &tally{}
			e.rates[name] = t
		}
		e.ratesMu.Unlock()
	}

	if nonZero {
		t.hits.Add(1)
	} else {
		t.misses.Add(1)
	}
}

// SetPhase updates the current test phase.
func (e *Engine) SetPhase(phase Phase) {
	e.phaseMu.Lock()
	defer e.phaseMu.Unlock()

	if e.currentPhase == phase {
		return
	}

	e.currentPhase = phase
	e.phaseHistory = append(e.phaseHistory, PhaseChange{
		Phase:     phase,
		Timestamp: time.Now(),
		Requests:  e.totalRequests.Load(),
	})
}

// GetPhase returns the current test phase.
func (e *Engine) GetPhase() Phase {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()
	return e.currentPhase
}

// SetActiveVUs updates the active VU count.
func (e *Engine) SetActiveVUs(count int) {
	e.activeVUs.Store(int32(count))
}

// GetActiveVUs returns the current active VU count.
func (e *Engine) GetActiveVUs() int {
	return int(e.activeVUs.Load())
}

// StartTime returns when the engine started measuring.
func (e *Engine) StartTime() time.Time {
	return e.startTime
}

func (e *Engine) runEmitter() {
	defer e.emitterWg.Done()

	ticker := time.NewTicker(e.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.emitterCtx.Done():
			return
		case <-ticker.C:
			e.emitBucket()
		}
	}
}

func (e *Engine) emitBucket() {
	e.bucketStore.CreateBucket(
		e.totalRequests.Load(),
		e.successRequests.Load(),
		e.failedRequests.Load(),
		e.totalBytes.Load(),
		e.GetLatencyPercentiles(),
		e.GetActiveVUs(),
		e.GetPhase(),
	)
}

// GetLatencyPercentiles returns current latency percentiles.
func (e *Engine) GetLatencyPercentiles() LatencyPercentiles {
	e.latencyHistMu.Lock()
	defer e.latencyHistMu.Unlock()

	return LatencyPercentiles{
		Min: micros(e.latencyHist.Min()),
		Max: micros(e.latencyHist.Max()),
		P50: micros(e.latencyHist.ValueAtQuantile(50)),
		P90: micros(e.latencyHist.ValueAtQuantile(90)),
		P95: micros(e.latencyHist.ValueAtQuantile(95)),
		P99: micros(e.latencyHist.ValueAtQuantile(99)),
	}
}

// LatencyTrend returns a frozen copy of the http_req_duration histogram.
// With a request name it returns that request's histogram; ok is false
// when no sample was recorded under the name.
func (e *Engine) LatencyTrend(requestName string) (trend Trend, ok bool) {
	if requestName == "" {
		e.latencyHistMu.Lock()
		defer e.latencyHistMu.Unlock()
		return newTrend(e.latencyHist), true
	}

	e.requestHistsMu.RLock()
	defer e.requestHistsMu.RUnlock()

	hist, exists := e.requestHists[requestName]
	if !exists {
		return Trend{}, false
	}
	return newTrend(hist), true
}

// IterationTrend returns a frozen copy of the iteration_duration histogram.
func (e *Engine) IterationTrend() Trend {
	e.iterationHistMu.Lock()
	defer e.iterationHistMu.Unlock()
	return newTrend(e.iterationHist)
}

// GetSnapshot returns a point-in-time snapshot of all metrics.
func (e *Engine) GetSnapshot() *Snapshot {
	e.latencyHistMu.Lock()
	latencyStats := statsOf(e.latencyHist)
	e.latencyHistMu.Unlock()

	e.iterationHistMu.Lock()
	iterationStats := statsOf(e.iterationHist)
	e.iterationHistMu.Unlock()

	elapsed := time.Since(e.startTime)
	totalReqs := e.totalRequests.Load()
	failedReqs := e.failedRequests.Load()

	overallRPS := 0.0
	if elapsed.Seconds() > 0 {
		overallRPS = float64(totalReqs) / elapsed.Seconds()
	}

	steadyRPS, steadyBuckets := e.bucketStore.CalculateSteadyStateRPS()

	rps := overallRPS
	if steadyBuckets > 0 {
		rps = steadyRPS
	}

	errorRate := 0.0
	if totalReqs > 0 {
		errorRate = float64(failedReqs) / float64(totalReqs)
	}

	checks := e.GetCheckStats()
	var passed, failed int64
	for _, c := range checks {
		passed += c.Passes
		failed += c.Fails
	}

	return &Snapshot{
		TotalRequests:     totalReqs,
		SuccessRequests:   e.successRequests.Load(),
		FailedRequests:    failedReqs,
		TotalBytes:        e.totalBytes.Load(),
		Latency:           latencyStats,
		RPS:               rps,
		SteadyStateRPS:    steadyRPS,
		ErrorRate:         errorRate,
		Iterations:        e.iterations.Load(),
		DroppedIterations: e.droppedIterations.Load(),
		IterationDuration: iterationStats,
		ChecksPassed:      passed,
		ChecksFailed:      failed,
		Checks:            checks,
		Rates:             e.GetRateStats(),
		ActiveVUs:         e.GetActiveVUs(),
		CurrentPhase:      e.GetPhase(),
		Elapsed:           elapsed,
		StartTime:         e.startTime,
		Timestamp:         time.Now(),
	}
}

// GetCheckStats returns per-check tallies in first-seen order.
func (e *Engine) GetCheckStats() []CheckStats {
	e.checksMu.RLock()
	defer e.checksMu.RUnlock()

	result := make([]CheckStats, 0, len(e.checkOrder))
	for _, name := range e.checkOrder {
		t := e.checks[name]
		result = append(result, CheckStats{
			Name:   name,
			Passes: t.hits.Load(),
			Fails:  t.misses.Load(),
		})
	}
	return result
}

// GetRateStats returns all custom rate metrics.
func (e *Engine) GetRateStats() map[string]RateStats {
	e.ratesMu.RLock()
	defer e.ratesMu.RUnlock()

	result := make(map[string]RateStats, len(e.rates))
	for name, t := range e.rates {
		nonZero := t.hits.Load()
		total := nonZero + t.misses.Load()
		rs := RateStats{NonZero: nonZero, Total: total}
		if total > 0 {
			rs.Rate = float64(nonZero) / float64(total)
		}
		result[name] = rs
	}
	return result
}

// GetTimeSeries returns all time-series buckets.
func (e *Engine) GetTimeSeries() []*TimeBucket {
	return e.bucketStore.GetBuckets()
}

// GetPhaseHistory returns the history of phase changes.
func (e *Engine) GetPhaseHistory() []PhaseChange {
	e.phaseMu.RLock()
	defer e.phaseMu.RUnlock()

	result := make([]PhaseChange, len(e.phaseHistory))
	copy(result, e.phaseHistory)
	return result
}

// GetRequestStats returns per-request latency statistics.
func (e *Engine) GetRequestStats() map[string]LatencyStats {
	e.requestHistsMu.RLock()
	defer e.requestHistsMu.RUnlock()

	result := make(map[string]LatencyStats, len(e.requestHists))
	for name, hist := range e.requestHists {
		result[name] = statsOf(hist)
	}
	return result
}

// Stop stops the background emitter and emits a final bucket. It is idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.emitterCancel()
		e.emitterWg.Wait()
		e.emitBucket()
	})
}

// Reset resets all metrics to initial state.
func (e *Engine) Reset() {
	e.latencyHistMu.Lock()
	e.latencyHist.Reset()
	e.latencyHistMu.Unlock()

	e.iterationHistMu.Lock()
	e.iterationHist.Reset()
	e.iterationHistMu.Unlock()

	e.requestHistsMu.Lock()
	e.requestHists = make(map[string]*hdrhistogram.Histogram)
	e.requestHistsMu.Unlock()

	e.checksMu.Lock()
	e.checks = make(map[string]*tally)
	e.checkOrder = nil
	e.checksMu.Unlock()

	e.ratesMu.Lock()
	e.rates = make(map[string]*tally)
	e.ratesMu.Unlock()

	e.totalRequests.Store(0)
	e.successRequests.Store(0)
	e.failedRequests.Store(0)
	e.totalBytes.Store(0)
	e.iterations.Store(0)
	e.droppedIterations.Store(0)
	e.activeVUs.Store(0)

	e.phaseMu.Lock()
	e.currentPhase = PhaseInit
	e.phaseHistory = make([]PhaseChange, 0)
	e.phaseMu.Unlock()

	e.bucketStore.Reset()
	e.startTime = time.Now()
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

func statsOf(h *hdrhistogram.Histogram) LatencyStats {
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   time.Duration(h.Mean() * float64(time.Microsecond)),
		StdDev: time.Duration(h.StdDev() * float64(time.Microsecond)),
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}
