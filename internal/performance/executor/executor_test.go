package executor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/executor"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

type harness struct {
	server    *httptest.Server
	hits      *atomic.Int64
	scheduler *performance.VUScheduler
	metrics   *metrics.Engine
}

// newHarness builds a scheduler whose single request hits a local server
// that answers after delay.
func newHarness(t *testing.T, delay time.Duration) *harness {
	t.Helper()

	hits := &atomic.Int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		w.Write([]byte(`{"products": []}`))
	}))
	t.Cleanup(server.Close)

	scenario, err := performance.NewScenario("grocery", []config.RequestConfig{
		{Name: "get products", Method: "GET", URL: server.URL + "/products/"},
	}, nil, nil)
	if err != nil {
		t.Fatalf("NewScenario() error = %v", err)
	}

	m := metrics.NewEngine()
	t.Cleanup(m.Stop)

	return &harness{
		server:    server,
		hits:      hits,
		scheduler: performance.NewVUScheduler(scenario, m, performance.DefaultHTTPClientConfig()),
		metrics:   m,
	}
}

func initExecutor(t *testing.T, cfg *executor.Config) executor.Executor {
	t.Helper()
	e, err := executor.CreateAndInitExecutor(context.Background(), cfg)
	if err != nil {
		t.Fatalf("CreateAndInitExecutor() error = %v", err)
	}
	return e
}

func TestInit_RejectsMismatchedType(t *testing.T) {
	cfg := &executor.Config{Type: executor.TypeRampingVUs, Stages: []config.ExecutorStage{{Duration: time.Second, Target: 1}}}
	executors := []executor.Executor{
		executor.NewConstantVUs(),
		executor.NewPerVUIterations(),
		executor.NewConstantArrivalRate(),
	}
	for _, e := range executors {
		if err := e.Init(context.Background(), cfg); err == nil {
			t.Errorf("%s.Init() accepted a %s config", e.Type(), cfg.Type)
		}
	}
}

func TestConstantVUs_Run(t *testing.T) {
	h := newHarness(t, 0)
	e := initExecutor(t, &executor.Config{
		Type:     executor.TypeConstantVUs,
		VUs:      3,
		Duration: 300 * time.Millisecond,
		Pacing:   &config.ExecutorPacing{Type: "constant", Duration: 20 * time.Millisecond},
	})

	if e.GetProgress() != 0 {
		t.Errorf("progress before Run = %v, want 0", e.GetProgress())
	}

	start := time.Now()
	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 300*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("Run() took %v, want about 300ms", elapsed)
	}
	if h.hits.Load() < 3 {
		t.Errorf("server hits = %d, want at least one per VU", h.hits.Load())
	}
	if e.GetProgress() != 1 {
		t.Errorf("progress after Run = %v, want 1", e.GetProgress())
	}
	if e.GetActiveVUs() != 0 {
		t.Errorf("active VUs after Run = %d, want 0", e.GetActiveVUs())
	}

	stats := e.GetStats()
	if stats.TargetVUs != 3 || stats.Iterations == 0 {
		t.Errorf("stats = %+v", stats)
	}
	if h.metrics.GetPhase() != metrics.PhaseSteady {
		t.Errorf("phase = %v, want steady", h.metrics.GetPhase())
	}
}

func TestConstantVUs_GracefulStopLetsIterationsFinish(t *testing.T) {
	h := newHarness(t, 150*time.Millisecond)
	e := initExecutor(t, &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          2,
		Duration:     50 * time.Millisecond,
		GracefulStop: 2 * time.Second,
	})

	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	snap := h.metrics.GetSnapshot()
	if snap.FailedRequests != 0 {
		t.Errorf("FailedRequests = %d; in-flight requests should not be cancelled", snap.FailedRequests)
	}
	if snap.Iterations != 2 {
		t.Errorf("Iterations = %d, want 2", snap.Iterations)
	}
}

func TestConstantVUs_GracefulStopExpires(t *testing.T) {
	h := newHarness(t, 2*time.Second)
	e := initExecutor(t, &executor.Config{
		Type:         executor.TypeConstantVUs,
		VUs:          1,
		Duration:     50 * time.Millisecond,
		GracefulStop: 50 * time.Millisecond,
	})

	start := time.Now()
	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Run() took %v; the slow iteration should have been cancelled", elapsed)
	}
	if got := h.metrics.GetSnapshot().Iterations; got != 0 {
		t.Errorf("Iterations = %d, want 0", got)
	}
}

func TestConstantVUs_Stop(t *testing.T) {
	h := newHarness(t, 0)
	e := initExecutor(t, &executor.Config{Type: executor.TypeConstantVUs, VUs: 1, Duration: time.Minute})

	go func() {
		time.Sleep(100 * time.Millisecond)
		e.Stop(context.Background())
	}()

	start := time.Now()
	e.Run(context.Background(), h.scheduler, h.metrics)
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Stop() did not end the run, took %v", elapsed)
	}
}

func TestPerVUIterations_Run(t *testing.T) {
	h := newHarness(t, 0)
	e := initExecutor(t, &executor.Config{Type: executor.TypePerVUIterations, VUs: 3, Iterations: 4})

	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := h.hits.Load(); got != 12 {
		t.Errorf("server hits = %d, want 12", got)
	}
	if got := h.metrics.GetSnapshot().Iterations; got != 12 {
		t.Errorf("Iterations = %d, want 12", got)
	}

	stats := e.GetStats()
	if stats.TotalIterations != 12 || stats.Iterations != 12 {
		t.Errorf("stats iterations = %d/%d, want 12/12", stats.Iterations, stats.TotalIterations)
	}
	if stats.TotalDuration != executor.DefaultMaxDuration {
		t.Errorf("TotalDuration = %v, want the default cap", stats.TotalDuration)
	}
}

func TestPerVUIterations_MaxDuration(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	e := initExecutor(t, &executor.Config{
		Type:         executor.TypePerVUIterations,
		VUs:          1,
		Iterations:   1000,
		Duration:     200 * time.Millisecond,
		GracefulStop: time.Second,
	})

	start := time.Now()
	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run() took %v, want the 200ms cap to end it", elapsed)
	}
	if got := h.hits.Load(); got >= 1000 {
		t.Errorf("server hits = %d; the cap should stop the run early", got)
	}
}

func TestRampingVUs_Run(t *testing.T) {
	h := newHarness(t, 0)
	e := initExecutor(t, &executor.Config{
		Type: executor.TypeRampingVUs,
		Stages: []config.ExecutorStage{
			{Duration: 300 * time.Millisecond, Target: 4},
			{Duration: 200 * time.Millisecond, Target: 4, Name: "hold"},
		},
		Pacing: &config.ExecutorPacing{Type: "constant", Duration: 10 * time.Millisecond},
	})

	var peak atomic.Int64
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := int64(e.GetActiveVUs()); n > peak.Load() {
					peak.Store(n)
				}
			}
		}
	}()

	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	cancel()

	if peak.Load() < 3 || peak.Load() > 4 {
		t.Errorf("peak active VUs = %d, want close to 4", peak.Load())
	}
	if h.hits.Load() == 0 {
		t.Error("no requests were made")
	}

	stats := e.GetStats()
	if stats.TotalStages != 2 || stats.CurrentStage != 1 || stats.CurrentStageName != "hold" {
		t.Errorf("stage stats = %+v", stats)
	}

	var sawRampUp bool
	for _, pc := range h.metrics.GetPhaseHistory() {
		if pc.Phase == metrics.PhaseRampUp {
			sawRampUp = true
		}
	}
	if !sawRampUp {
		t.Error("phase history should include ramp-up")
	}
}

func TestTargetVUsAt(t *testing.T) {
	stages := []config.ExecutorStage{
		{Duration: 30 * time.Second, Target: 10},
		{Duration: 60 * time.Second, Target: 10},
		{Duration: 10 * time.Second, Target: 0},
	}

	tests := []struct {
		elapsed    time.Duration
		wantStage  int
		wantTarget int
	}{
		{0, 0, 0},
		{15 * time.Second, 0, 5},
		{29 * time.Second, 0, 10},
		{30 * time.Second, 1, 10},
		{95 * time.Second, 2, 5},
		{2 * time.Minute, 2, 0},
	}

	for _, tt := range tests {
		stage, target := executor.TargetVUsAt(stages, tt.elapsed)
		if stage != tt.wantStage || target != tt.wantTarget {
			t.Errorf("TargetVUsAt(%v) = %d, %d; want %d, %d", tt.elapsed, stage, target, tt.wantStage, tt.wantTarget)
		}
	}

	if stage, target := executor.TargetVUsAt(nil, time.Second); stage != 0 || target != 0 {
		t.Errorf("TargetVUsAt(nil) = %d, %d", stage, target)
	}
}

func TestStagePhase(t *testing.T) {
	stages := []config.ExecutorStage{
		{Duration: time.Second, Target: 10},
		{Duration: time.Second, Target: 10},
		{Duration: time.Second, Target: 0},
	}
	want := []metrics.Phase{metrics.PhaseRampUp, metrics.PhaseSteady, metrics.PhaseRampDown}
	for i, w := range want {
		if got := executor.StagePhase(stages, i); got != w {
			t.Errorf("StagePhase(%d) = %v, want %v", i, got, w)
		}
	}
	if got := executor.StagePhase(stages, 7); got != metrics.PhaseSteady {
		t.Errorf("StagePhase(out of range) = %v", got)
	}
}

func TestConstantArrivalRate_Run(t *testing.T) {
	h := newHarness(t, 0)
	e := initExecutor(t, &executor.Config{
		Type:            executor.TypeConstantArrivalRate,
		Rate:            50,
		TimeUnit:        time.Second,
		Duration:        time.Second,
		PreAllocatedVUs: 2,
		MaxVUs:          5,
	})

	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	got := h.metrics.GetSnapshot().Iterations
	if got < 35 || got > 55 {
		t.Errorf("Iterations = %d, want about 50", got)
	}
	if dropped := e.GetStats().DroppedIterations; dropped != 0 {
		t.Errorf("DroppedIterations = %d, want 0 for fast responses", dropped)
	}
	if e.GetActiveVUs() != 0 {
		t.Errorf("active VUs after Run = %d", e.GetActiveVUs())
	}
}

func TestConstantArrivalRate_DropsWhenSaturated(t *testing.T) {
	h := newHarness(t, 300*time.Millisecond)
	e := initExecutor(t, &executor.Config{
		Type:            executor.TypeConstantArrivalRate,
		Rate:            40,
		Duration:        500 * time.Millisecond,
		PreAllocatedVUs: 1,
		MaxVUs:          2,
		GracefulStop:    2 * time.Second,
	})

	if err := e.Run(context.Background(), h.scheduler, h.metrics); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stats := e.GetStats()
	if stats.DroppedIterations == 0 {
		t.Error("expected dropped iterations with two slow VUs at 40/s")
	}
	if snap := h.metrics.GetSnapshot(); snap.DroppedIterations != stats.DroppedIterations {
		t.Errorf("metrics dropped = %d, executor dropped = %d", snap.DroppedIterations, stats.DroppedIterations)
	}
	if h.hits.Load() > 6 {
		t.Errorf("server hits = %d; at most two VUs should be busy at a time", h.hits.Load())
	}
}
