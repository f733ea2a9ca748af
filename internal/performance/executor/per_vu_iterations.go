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

// DefaultMaxDuration caps a per-vu-iterations run that sets no duration.
const DefaultMaxDuration = 10 * time.Minute

// PerVUIterations runs a fixed number of iterations on each of N VUs.
//
// The executor finishes when every VU has completed its iterations or
// when Duration (the maximum run time) expires, whichever comes first.
type PerVUIterations struct {
	config    *Config
	scheduler atomic.Pointer[performance.VUScheduler]

	clock   clock
	running atomic.Bool

	cancelMu   sync.Mutex
	cancelFunc context.CancelFunc
}

// NewPerVUIterations creates a new per-VU iterations executor.
func NewPerVUIterations() *PerVUIterations {
	return &PerVUIterations{}
}

// Type returns the executor type.
func (e *PerVUIterations) Type() Type {
	return TypePerVUIterations
}

// Init initializes the executor with configuration.
func (e *PerVUIterations) Init(ctx context.Context, config *Config) error {
	if config.Type != TypePerVUIterations {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypePerVUIterations, config.Type)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	if config.Duration <= 0 {
		config.Duration = DefaultMaxDuration
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until completion.
func (e *PerVUIterations) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
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

	metricsEngine.SetPhase(metrics.PhaseSteady)

	for i := 0; i < e.config.VUs; i++ {
		scheduler.StartVU(vuCtx, scheduler.SpawnVU(), e.config.Pacing, e.config.Iterations)
	}

	finished := make(chan struct{})
	go func() {
		scheduler.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-runCtx.Done():
		drain(scheduler, e.config.gracefulStop(), vuCancel)
	}

	return nil
}

// GetProgress returns the fraction of iterations started.
func (e *PerVUIterations) GetProgress() float64 {
	if !e.running.Load() {
		if e.clock.started().IsZero() {
			return 0.0
		}
		return 1.0
	}

	s := e.scheduler.Load()
	total := e.totalIterations()
	if s == nil || total == 0 {
		return 0.0
	}
	progress := float64(s.TotalIterations()) / float64(total)
	if progress > 1.0 {
		progress = 1.0
	}
	return progress
}

func (e *PerVUIterations) totalIterations() int64 {
	return int64(e.config.VUs) * e.config.Iterations
}

// GetActiveVUs returns current active VU count.
func (e *PerVUIterations) GetActiveVUs() int {
	if s := e.scheduler.Load(); s != nil {
		return s.GetActiveVUCount()
	}
	return 0
}

// GetStats returns executor statistics.
func (e *PerVUIterations) GetStats() *Stats {
	stats := &Stats{
		StartTime:       e.clock.started(),
		CurrentTime:     time.Now(),
		Elapsed:         e.clock.elapsed(),
		TotalDuration:   e.config.Duration,
		ActiveVUs:       e.GetActiveVUs(),
		TargetVUs:       e.config.VUs,
		TotalIterations: e.totalIterations(),
	}
	if s := e.scheduler.Load(); s != nil {
		stats.Iterations = s.TotalIterations()
	}
	return stats
}

// Stop gracefully stops the executor.
func (e *PerVUIterations) Stop(ctx context.Context) error {
	e.cancelMu.Lock()
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.cancelMu.Unlock()
	return nil
}

// Ensure PerVUIterations implements Executor
var _ Executor = (*PerVUIterations)(nil)
