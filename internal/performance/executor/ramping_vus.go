package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// rampTick is how often the VU count is re-evaluated.
const rampTick = 100 * time.Millisecond

// RampingVUs ramps VU count up and down according to stages.
//
// This executor linearly interpolates VU counts between stages, starting
// from zero, and re-evaluates the target every 100ms.
//
// Example stages:
//
//	stages:
//	  - duration: 30s
//	    target: 10     # Ramp from 0 to 10 VUs over 30s
//	  - duration: 2m
//	    target: 10     # Stay at 10 VUs for 2 minutes
//	  - duration: 30s
//	    target: 0      # Ramp down to 0 VUs over 30s
type RampingVUs struct {
	config    *Config
	scheduler atomic.Pointer[performance.VUScheduler]
	metrics   *metrics.Engine

	clock        clock
	targetVUs    atomic.Int32
	currentStage atomic.Int32
	running      atomic.Bool

	cancelMu   sync.Mutex
	cancelFunc context.CancelFunc
}

// NewRampingVUs creates a new ramping VUs executor.
func NewRampingVUs() *RampingVUs {
	return &RampingVUs{}
}

// Type returns the executor type.
func (e *RampingVUs) Type() Type {
	return TypeRampingVUs
}

// Init initializes the executor with configuration.
func (e *RampingVUs) Init(ctx context.Context, config *Config) error {
	if config.Type != TypeRampingVUs {
		return fmt.Errorf("invalid config type: expected %s, got %s", TypeRampingVUs, config.Type)
	}

	if err := config.Validate(); err != nil {
		return err
	}

	e.config = config
	return nil
}

// Run starts the executor and blocks until completion.
func (e *RampingVUs) Run(ctx context.Context, scheduler *performance.VUScheduler, metricsEngine *metrics.Engine) error {
	e.scheduler.Store(scheduler)
	e.metrics = metricsEngine
	e.running.Store(true)
	defer e.running.Store(false)
	start := e.clock.begin()

	vuCtx, vuCancel := context.WithCancel(ctx)
	defer vuCancel()

	runCtx, cancel := context.WithTimeout(ctx, e.config.TotalDuration())
	e.cancelMu.Lock()
	e.cancelFunc = cancel
	e.cancelMu.Unlock()
	defer cancel()

	spawn := func(vu *performance.VirtualUser) {
		scheduler.StartVU(vuCtx, vu, e.config.Pacing, 0)
	}

	ticker := time.NewTicker(rampTick)
	defer ticker.Stop()

	e.adjust(vuCtx, time.Since(start), spawn)
	for {
		select {
		case <-runCtx.Done():
			drain(scheduler, e.config.gracefulStop(), vuCancel)
			return nil
		case <-ticker.C:
			e.adjust(vuCtx, time.Since(start), spawn)
		}
	}
}

func (e *RampingVUs) adjust(ctx context.Context, elapsed time.Duration, spawn func(*performance.VirtualUser)) {
	stage, target := TargetVUsAt(e.config.Stages, elapsed)
	e.currentStage.Store(int32(stage))
	e.targetVUs.Store(int32(target))
	e.scheduler.Load().ScaleVUs(ctx, target, spawn)
	e.metrics.SetPhase(StagePhase(e.config.Stages, stage))
}

// TargetVUsAt returns the stage index and interpolated VU target at
// elapsed time into the run. Past the last stage it holds the final target.
func TargetVUsAt(stages []config.ExecutorStage, elapsed time.Duration) (int, int) {
	var stageStart time.Duration
	prevTarget := 0

	for i, stage := range stages {
		stageEnd := stageStart + stage.Duration

		if elapsed < stageEnd {
			progress := float64(elapsed-stageStart) / float64(stage.Duration)
			if progress < 0 {
				progress = 0
			}
			target := float64(prevTarget) + float64(stage.Target-prevTarget)*progress
			return i, int(target + 0.5)
		}

		prevTarget = stage.Target
		stageStart = stageEnd
	}

	if len(stages) == 0 {
		return 0, 0
	}
	return len(stages) - 1, stages[len(stages)-1].Target
}

// StagePhase classifies a stage as ramp-up, steady or ramp-down by
// comparing its target with the previous one.
func StagePhase(stages []config.ExecutorStage, idx int) metrics.Phase {
	if idx < 0 || idx >= len(stages) {
		return metrics.PhaseSteady
	}

	prevTarget := 0
	if idx > 0 {
		prevTarget = stages[idx-1].Target
	}

	switch target := stages[idx].Target; {
	case target > prevTarget:
		return metrics.PhaseRampUp
	case target < prevTarget:
		return metrics.PhaseRampDown
	default:
		return metrics.PhaseSteady
	}
}

// GetProgress returns current progress (0.0 to 1.0).
func (e *RampingVUs) GetProgress() float64 {
	return timeProgress(&e.clock, e.running.Load(), e.config.TotalDuration())
}

// GetActiveVUs returns current active VU count.
func (e *RampingVUs) GetActiveVUs() int {
	if s := e.scheduler.Load(); s != nil {
		return s.GetActiveVUCount()
	}
	return 0
}

// GetStats returns executor statistics.
func (e *RampingVUs) GetStats() *Stats {
	stageIdx := int(e.currentStage.Load())
	stageName := ""
	if stageIdx < len(e.config.Stages) {
		stageName = e.config.Stages[stageIdx].Name
	}

	stats := &Stats{
		StartTime:        e.clock.started(),
		CurrentTime:      time.Now(),
		Elapsed:          e.clock.elapsed(),
		TotalDuration:    e.config.TotalDuration(),
		ActiveVUs:        e.GetActiveVUs(),
		TargetVUs:        int(e.targetVUs.Load()),
		CurrentStage:     stageIdx,
		CurrentStageName: stageName,
		TotalStages:      len(e.config.Stages),
	}
	if s := e.scheduler.Load(); s != nil {
		stats.Iterations = s.TotalIterations()
	}
	return stats
}

// Stop gracefully stops the executor.
func (e *RampingVUs) Stop(ctx context.Context) error {
	e.cancelMu.Lock()
	if e.cancelFunc != nil {
		e.cancelFunc()
	}
	e.cancelMu.Unlock()
	return nil
}

// Ensure RampingVUs implements Executor
var _ Executor = (*RampingVUs)(nil)
