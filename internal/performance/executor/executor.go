// Package executor provides load generation strategies for performance testing.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// Type identifies the type of executor.
type Type string

const (
	// TypeConstantVUs runs a fixed number of VUs for a duration.
	TypeConstantVUs Type = "constant-vus"

	// TypeRampingVUs ramps VU count up and down according to stages.
	TypeRampingVUs Type = "ramping-vus"

	// TypeConstantArrivalRate maintains a fixed iteration rate.
	TypeConstantArrivalRate Type = "constant-arrival-rate"

	// TypePerVUIterations runs a fixed number of iterations per VU.
	TypePerVUIterations Type = "per-vu-iterations"
)

// DefaultGracefulStop is how long in-flight iterations may run after an
// executor's time is up.
const DefaultGracefulStop = 30 * time.Second

// Executor defines the interface for load generation strategies.
//
// Executors control HOW load is generated - whether by managing a pool
// of virtual users or by controlling iteration rates.
type Executor interface {
	// Type returns the executor type.
	Type() Type

	// Init initializes the executor with configuration.
	// Called once before Run().
	Init(ctx context.Context, config *Config) error

	// Run starts the executor and blocks until completion.
	// The executor should respect context cancellation for graceful shutdown.
	Run(ctx context.Context, scheduler *performance.VUScheduler, metrics *metrics.Engine) error

	// GetProgress returns current progress (0.0 to 1.0).
	GetProgress() float64

	// GetActiveVUs returns current active VU count.
	GetActiveVUs() int

	// GetStats returns executor-specific statistics.
	GetStats() *Stats

	// Stop ends the run early. In-flight iterations get the graceful
	// stop window to finish.
	Stop(ctx context.Context) error
}

// Config contains configuration for an executor.
type Config struct {
	Name string `json:"name"`
	Type Type   `json:"type"`

	// VU-based executors
	VUs        int           `json:"vus,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	Iterations int64         `json:"iterations,omitempty"`

	// Arrival-rate executors
	Rate            float64       `json:"rate,omitempty"`
	TimeUnit        time.Duration `json:"timeUnit,omitempty"`
	PreAllocatedVUs int           `json:"preAllocatedVUs,omitempty"`
	MaxVUs          int           `json:"maxVUs,omitempty"`

	// Stages (for ramping executors)
	Stages []config.ExecutorStage `json:"stages,omitempty"`

	GracefulStop time.Duration `json:"gracefulStop,omitempty"`

	// StartTime delays the executor relative to the start of the run
	StartTime time.Duration `json:"startTime,omitempty"`

	// Pacing between iterations
	Pacing *config.ExecutorPacing `json:"pacing,omitempty"`
}

// ConfigFrom converts a parsed scenario configuration.
func ConfigFrom(ec *config.ExecutorConfig) *Config {
	return &Config{
		Name:            ec.Name,
		Type:            Type(ec.Type),
		VUs:             ec.VUs,
		Duration:        ec.Duration,
		Iterations:      ec.Iterations,
		Rate:            ec.Rate,
		TimeUnit:        ec.TimeUnit,
		PreAllocatedVUs: ec.PreAllocatedVUs,
		MaxVUs:          ec.MaxVUs,
		Stages:          ec.Stages,
		GracefulStop:    ec.GracefulStop,
		StartTime:       ec.StartTime,
		Pacing:          ec.Pacing,
	}
}

// Stats contains real-time executor statistics.
type Stats struct {
	// Timing
	StartTime     time.Time     `json:"startTime"`
	CurrentTime   time.Time     `json:"currentTime"`
	Elapsed       time.Duration `json:"elapsed"`
	TotalDuration time.Duration `json:"totalDuration"`

	// VU stats
	ActiveVUs int `json:"activeVUs"`
	TargetVUs int `json:"targetVUs"`

	// Iteration stats
	Iterations        int64 `json:"iterations"`
	TotalIterations   int64 `json:"totalIterations"` // For per-vu-iterations
	DroppedIterations int64 `json:"droppedIterations"`

	// Stage info (for ramping executors)
	CurrentStage     int    `json:"currentStage"`
	CurrentStageName string `json:"currentStageName"`
	TotalStages      int    `json:"totalStages"`

	// Rate info (for arrival-rate executors)
	CurrentRate float64 `json:"currentRate"`
	TargetRate  float64 `json:"targetRate"`
}

// Validate validates the executor configuration.
func (c *Config) Validate() error {
	if c.Type == "" {
		return &ValidationError{Field: "type", Message: "executor type is required"}
	}

	switch c.Type {
	case TypeConstantVUs:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypeRampingVUs:
		if len(c.Stages) == 0 {
			return &ValidationError{Field: "stages", Message: "at least one stage is required"}
		}
		for _, stage := range c.Stages {
			if stage.Duration <= 0 {
				return &ValidationError{Field: "stages", Message: "stage duration must be > 0"}
			}
			if stage.Target < 0 {
				return &ValidationError{Field: "stages", Message: "stage target must be >= 0"}
			}
		}

	case TypeConstantArrivalRate:
		if c.Rate <= 0 {
			return &ValidationError{Field: "rate", Message: "rate must be > 0"}
		}
		if c.Duration <= 0 {
			return &ValidationError{Field: "duration", Message: "duration must be > 0"}
		}

	case TypePerVUIterations:
		if c.VUs <= 0 {
			return &ValidationError{Field: "vus", Message: "vus must be > 0"}
		}
		if c.Iterations <= 0 {
			return &ValidationError{Field: "iterations", Message: "iterations must be > 0"}
		}

	default:
		return &ValidationError{Field: "type", Message: "unknown executor type: " + string(c.Type)}
	}

	return nil
}

// TotalDuration calculates the total duration for this executor.
// Iteration-bound executors report their optional time cap.
func (c *Config) TotalDuration() time.Duration {
	switch c.Type {
	case TypeRampingVUs:
		var total time.Duration
		for _, stage := range c.Stages {
			total += stage.Duration
		}
		return total
	default:
		return c.Duration
	}
}

func (c *Config) gracefulStop() time.Duration {
	if c.GracefulStop > 0 {
		return c.GracefulStop
	}
	return DefaultGracefulStop
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return "validation error on field '" + e.Field + "': " + e.Message
}

// drain asks every VU to stop, lets in-flight iterations run for up to
// grace, then cancels whatever is left and waits for it to exit.
func drain(scheduler *performance.VUScheduler, grace time.Duration, cancel context.CancelFunc) {
	scheduler.StopAllVUs()

	done := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		cancel()
		<-done
	}
}

// clock tracks when an executor started. The zero value is "not started".
type clock struct {
	mu    sync.RWMutex
	start time.Time
}

func (c *clock) begin() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.start = time.Now()
	return c.start
}

func (c *clock) started() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.start
}

func (c *clock) elapsed() time.Duration {
	start := c.started()
	if start.IsZero() {
		return 0
	}
	return time.Since(start)
}

// timeProgress reports elapsed/total, clamped to [0, 1].
func timeProgress(c *clock, running bool, total time.Duration) float64 {
	if !running {
		if c.started().IsZero() {
			return 0.0
		}
		return 1.0
	}
	if total <= 0 {
		return 0.0
	}
	progress := float64(c.elapsed()) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}
