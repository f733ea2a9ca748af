package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// ConstantArrivalRate starts iterations at a fixed rate (open model).
//
// Unlike VU-based executors where throughput depends on response time,
// iterations are scheduled by a token-bucket limiter regardless of how
// long each one takes. Each iteration borrows an idle VU from a pool; the
// pool grows up to MaxVUs. When no VU is free and the pool is at MaxVUs,
// the iteration is dropped and counted.
//
// Example:
//
//	executor: constant-arrival-rate
//	rate: 100              # 100 iterations
//	timeUnit: 1s           # per second
//	duration: 5m
//	preAllocatedVUs: 10
//	maxVUs: 50
type ConstantArrivalRate struct {
	config    *Config
	scheduler *performance.VUScheduler
	metrics   *metrics.Engine

	limiter *rate.Limiter

	// VU pool management
	vuPool     chan *performance.VirtualUser
	allVUs     []*performance.VirtualUser
	currentVUs atomic.Int32
	vuPoolMu   sync.Mutex

	clock      clock
	iterations atomic.Int64
	dropped    atomic.Int64
	running    atomic.Bool

	cancelMu   sync.Mutex
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewConstantArrivalRate creates a new constant arrival rate executor.
func NewConstantArrivalRate() *ConstantArrivalRate {
	return &ConstantArrivalRate{}
}

// Type returns the executor type.
func (e *ConstantArrivalRate) Type() Type {
	return TypeConstantArrivalRate
}

// Init initializes the executor with configuration.
func (e *ConstantArrivalRate) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeConstantArrivalRate {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeConstantArrivalRate, config.Type)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	if config.TimeUnit <= 0 {
		config.TimeUnit = time.Second
	}
	if config.PreAllocatedVUs <= 0 {
		config.PreAllocatedVUs = 1
	}
	if config.MaxVUs < config.PreAllocatedVUs {
		config.MaxVUs = config.PreAllocatedVUs
	}

	e.config = config
	return nil
}

// IterationsPerSecond converts Rate per TimeUnit into a limiter rate.
func (c *Config) IterationsPerSecond() float64 {
	unit := c.TimeUnit
	if unit <= 0 {
		unit = time.Second
	}
	return c.Rate / unit.Seconds()
}

// Run starts the executor and blocks until completion.
func (e *ConstantArrivalRate) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	e.scheduler = scheduler
	e.metrics = metricsEngine
	e.running.Store(true)
	defer e.running.Store(false)
	e.clock.begin()

	e.limiter = rate.NewLimiter(rate.Limit(e.config.IterationsPerSecond()), 1)

	e.vuPoolMu.Lock()
	e.vuPool = make(chan *performance.VirtualUser, e.config.MaxVUs)
	e.allVUs = make([]*performance.VirtualUser, 0, e.config.MaxVUs)
	for i := 0; i < e.config.PreAllocatedVUs; i++ {
		vu := scheduler.SpawnVU()
		e.allVUs = append(e.allVUs, vu)
		e.vuPool <- vu
		e.currentVUs.Add(1)
	}
	e.vuPoolMu.Unlock()

	vuCtx, vuCancel := context.WithCancel(ctx)
	defer vuCancel()

	runCtx, cancel := context.WithTimeout(ctx, e.config.Duration)
	e.cancelMu.Lock()
	e.cancelFunc = cancel
	e.cancelMu.Unlock()
	defer cancel()

	metricsEngine.SetPhase(metrics.PhaseSteady)

	e.schedule(runCtx, vuCtx)
	e.shutdown(vuCancel)

	return nil
}

// schedule starts one iteration per limiter token until runCtx ends.
func (e *ConstantArrivalRate) schedule(runCtx, vuCtx context.Context) {
	for {
		if err := e.limiter.Wait(runCtx); err != nil {
			return
		}

		vu := e.getVU()
		if vu == nil {
			e.dropped.Add(1)
			e.metrics.RecordDroppedIteration()
			continue
		}

		e.wg.Add(1)
		go e.runIteration(vuCtx, vu)
	}
}

// getVU returns an idle VU, spawning one if the pool may still grow.
// It returns nil when every VU is busy and the pool is at MaxVUs.
func (e *ConstantArrivalRate) getVU() *performance.VirtualUser {
	select {
	case vu := <-e.vuPool:
		return vu
	default:
	}

	e.vuPoolMu.Lock()
	defer e.vuPoolMu.Unlock()

	if int(e.currentVUs.Load()) >= e.config.MaxVUs {
		return nil
	}
	vu := e.scheduler.SpawnVU()
	e.allVUs = append(e.allVUs, vu)
	e.currentVUs.Add(1)
	return vu
}

// returnVU returns a VU to the pool.
func (e *ConstantArrivalRate) returnVU(vu *performance.VirtualUser) {
	state := vu.GetState()
	if state == performance.VUStateStopping || state == performance.VUStateStopped {
		return
	}

	select {
	case e.vuPool <- vu:
	default:
	}
}

// runIteration runs a single iteration on a VU.
func (e *ConstantArrivalRate) runIteration(ctx context.Context, vu *performance.VirtualUser) {
	defer e.wg.Done()
	defer e.returnVU(vu)

	if err := vu.RunIteration(ctx); err == nil {
		e.iterations.Add(1)
	}
}

// shutdown waits for in-flight iterations up to the graceful stop window,
// then cancels the rest.
func (e *ConstantArrivalRate) shutdown(cancel context.CancelFunc) {
	e.vuPoolMu.Lock()
	vus := append([]*performance.VirtualUser(nil), e.allVUs...)
	e.vuPoolMu.Unlock()

	for _, vu := range vus {
		vu.RequestStop()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(e.config.gracefulStop())
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		cancel()
		<-done
	}

	for _, vu := range vus {
		vu.MarkStopped()
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *ConstantArrivalRate) GetProgress() float64 {
	return timeProgress(&e.clock, e.running.Load(), e.config.Duration)
}

// GetActiveVUs returns the number of allocated VUs.
func (e *ConstantArrivalRate) GetActiveVUs() int {
	if !e.running.Load() {
		return 0
	}
	return int(e.currentVUs.Load())
}

// GetStats returns executor statistics.
func (e *ConstantArrivalRate) GetStats() *Stats {
	return &Stats{
		StartTime:         e.clock.started(),
		CurrentTime:       time.Now(),
		Elapsed:           e.clock.elapsed(),
		TotalDuration:     e.config.Duration,
		ActiveVUs:         e.GetActiveVUs(),
		TargetVUs:         e.config.MaxVUs,
		Iterations:        e.iterations.Load(),
		DroppedIterations: e.dropped.Load(),
		CurrentRate:       e.config.IterationsPerSecond(),
		TargetRate:        e.config.IterationsPerSecond(),
	}
}

// Stop gracefully stops the executor.
func (e *ConstantArrivalRate) Stop(ctx context.Context) error {
	e.cancelMu.Lock()
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.cancelMu.Unlock()
	return nil
}

// Ensure ConstantArrivalRate implements Executor
var _ Executor = (*ConstantArrivalRate)(nil)
