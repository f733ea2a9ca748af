package metrics

import "time"

// Phase represents a phase of the load test.
type Phase string

const (
	// PhaseInit is the initialization phase before the test starts
	PhaseInit Phase = "init"

	// PhaseSetup is the one-shot setup stage before any VU starts
	PhaseSetup Phase = "setup"

	// PhaseRampUp is the ramp-up phase when load is increasing
	PhaseRampUp Phase = "ramp-up"

	// PhaseSteady is the steady-state phase at target load
	PhaseSteady Phase = "steady"

	// PhaseRampDown is the ramp-down phase when load is decreasing
	PhaseRampDown Phase = "ramp-down"

	// PhaseTeardown is the one-shot teardown stage after all VUs stop
	PhaseTeardown Phase = "teardown"

	// PhaseDone indicates the test has completed
	PhaseDone Phase = "done"
)

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	// TotalRequests is the total number of requests made
	TotalRequests int64 `json:"totalRequests"`

	// SuccessRequests is the number of successful requests (status < 400)
	SuccessRequests int64 `json:"successRequests"`

	// FailedRequests is the number of failed requests
	FailedRequests int64 `json:"failedRequests"`

	// TotalBytes is the total bytes received
	TotalBytes int64 `json:"totalBytes"`

	// Latency contains http_req_duration statistics
	Latency LatencyStats `json:"latency"`

	// RPS is the steady-state requests per second when available, else overall
	RPS float64 `json:"rps"`

	// SteadyStateRPS is the RPS calculated only from steady-state buckets
	SteadyStateRPS float64 `json:"steadyStateRps"`

	// ErrorRate is http_req_failed: the fraction of failed requests
	ErrorRate float64 `json:"errorRate"`

	// Iterations is the number of completed iterations
	Iterations int64 `json:"iterations"`

	// DroppedIterations counts arrival-rate iterations with no free VU
	DroppedIterations int64 `json:"droppedIterations"`

	// IterationDuration contains iteration_duration statistics
	IterationDuration LatencyStats `json:"iterationDuration"`

	// ChecksPassed and ChecksFailed are totals across all checks
	ChecksPassed int64 `json:"checksPassed"`
	ChecksFailed int64 `json:"checksFailed"`

	// Checks lists per-check outcomes in first-seen order
	Checks []CheckStats `json:"checks,omitempty"`

	// Rates holds custom rate metrics by name
	Rates map[string]RateStats `json:"rates,omitempty"`

	// ActiveVUs is the current number of active virtual users
	ActiveVUs int `json:"activeVUs"`

	// CurrentPhase is the current test phase
	CurrentPhase Phase `json:"currentPhase"`

	// Elapsed is the time elapsed since test start
	Elapsed time.Duration `json:"elapsed"`

	// StartTime is when the test started
	StartTime time.Time `json:"startTime"`

	// Timestamp is when this snapshot was taken
	Timestamp time.Time `json:"timestamp"`
}

// CheckRate returns the fraction of passed checks, or 1 when none ran.
func (s *Snapshot) CheckRate() float64 {
	total := s.ChecksPassed + s.ChecksFailed
	if total == 0 {
		return 1
	}
	return float64(s.ChecksPassed) / float64(total)
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// LatencyPercentiles holds latency percentile values.
type LatencyPercentiles struct {
	Min time.Duration
	Max time.Duration
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// CheckStats is the outcome tally of one named check.
type CheckStats struct {
	Name   string `json:"name"`
	Passes int64  `json:"passes"`
	Fails  int64  `json:"fails"`
}

// Rate returns the pass fraction.
func (c CheckStats) Rate() float64 {
	total := c.Passes + c.Fails
	if total == 0 {
		return 0
	}
	return float64(c.Passes) / float64(total)
}

// RateStats is a custom rate metric: the fraction of non-zero samples.
type RateStats struct {
	NonZero int64   `json:"nonZero"`
	Total   int64   `json:"total"`
	Rate    float64 `json:"rate"`
}

// TimeBucket represents metrics for a 1-second interval.
//
// Each bucket captures cumulative totals since test start and
// interval-specific deltas.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	TotalRequests  int64 `json:"totalRequests"`
	TotalSuccesses int64 `json:"totalSuccesses"`
	TotalFailures  int64 `json:"totalFailures"`
	TotalBytes     int64 `json:"totalBytes"`

	IntervalRequests   int64   `json:"intervalRequests"`
	IntervalRPS        float64 `json:"intervalRPS"`
	IntervalIterations int64   `json:"intervalIterations"`

	LatencyMin time.Duration `json:"latencyMin"`
	LatencyMax time.Duration `json:"latencyMax"`
	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP90 time.Duration `json:"latencyP90"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveVUs int   `json:"activeVUs"`
	Phase     Phase `json:"phase"`

	IntervalErrorRate float64 `json:"intervalErrorRate"`
}

// PhaseChange records when a phase transition occurred.
type PhaseChange struct {
	Phase     Phase     `json:"phase"`
	Timestamp time.Time `json:"timestamp"`
	Requests  int64     `json:"requests"`
}

// EngineConfig contains configuration for the metrics engine.
type EngineConfig struct {
	// BucketInterval is the interval for time-series buckets (default: 1s)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int
}

// DefaultEngineConfig returns the default configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,
	}
}
