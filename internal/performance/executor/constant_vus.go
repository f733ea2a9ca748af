package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// ConstantVUs runs a fixed number of VUs for a specified duration.
//
// This is the simplest executor: spawn N VUs and let them run iterations
// until the duration expires. Each VU runs as fast as its think times
// allow (closed model), optionally with pacing between iterations.
type ConstantVUs struct {
	config    *Config
	scheduler atomic.Pointer[performance.VUScheduler]

	clock   clock
	running atomic.Bool

	cancelMu   sync.Mutex
	cancelFunc context.CancelFunc
}

// NewConstantVUs creates a new constant VUs executor.
func NewConstantVUs() *ConstantVUs {
	return &ConstantVUs{}
}

// Type returns the executor type.
func (e *ConstantVUs) Type() Type {
	return TypeConstantVUs
}

// Init initializes the executor with configuration.
func (e *ConstantVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeConstantVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantVUs, config.Type)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until completion.
func (e *ConstantVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	e.scheduler.Store(scheduler)
	e.running.Store(true)
	defer e.running.Store(false)
	e.clock.begin()

	vuCtx, vuCancel := context.WithCancel(ctx)
	defer vuCancel()

	runCtx, cancel := context.WithTimeout(ctx, e.config.Duration)
	e.cancelMu.Lock()
	e.cancelFunc = cancel
	e.cancelMu.Unlock()
	defer cancel()

	// Constant VUs has no ramp
	metricsEngine.SetPhase(metrics.PhaseSteady)

	for i := 0; i < e.config.VUs; i++ {
		scheduler.StartVU(vuCtx, scheduler.SpawnVU(), e.config.Pacing, 0)
	}

	<-runCtx.Done()
	drain(scheduler, e.config.gracefulStop(), vuCancel)

	return nil
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantVUs) GetProgress() float64 {
	return timeProgress(&e.clock, e.running.Load(), e.config.Duration)
}

// GetActiveVUs returns current active VU count.
func (e *ConstantVUs) GetActiveVUs() int {
	if s := e.scheduler.Load(); s != nil {
		return s.GetActiveVUCount()
	}
	return 0
}

// GetStats returns executor statistics.
func (e *ConstantVUs) GetStats() *Stats {
	stats := &Stats{
		StartTime:     e.clock.started(),
		CurrentTime:   time.Now(),
		Elapsed:       e.clock.elapsed(),
		TotalDuration: e.config.Duration,
		ActiveVUs:     e.GetActiveVUs(),
		TargetVUs:     e.config.VUs,
	}
	if s := e.scheduler.Load(); s != nil {
		stats.Iterations = s.TotalIterations()
	}
	return stats
}

// Stop gracefully stops the executor.
func (e *ConstantVUs) Stop(ctx context.Context) error {
	e.cancelMu.Lock()
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.cancelMu.Unlock()
	return nil
}

// Ensure ConstantVUs implements Executor
var _ Executor = (*ConstantVUs)(nil)
