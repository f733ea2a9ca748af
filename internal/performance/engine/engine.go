// Package engine orchestrates a load test run: setup, scenarios, teardown
// and threshold evaluation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/executor"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// DefaultLifecycleTimeout bounds setup and teardown when no timeout is configured.
const DefaultLifecycleTimeout = 60 * time.Second

// vuMonitorInterval is how often the active VU gauge is refreshed.
const vuMonitorInterval = 250 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Run while a run is in progress.
	ErrAlreadyRunning = errors.New("engine is already running")

	// ErrAlreadyRan is returned by Run on an engine that has completed a run.
	ErrAlreadyRan = errors.New("engine has already run")
)

// Engine is the main orchestrator of a load test.
//
// It coordinates:
//   - Configuration validation and variable resolution
//   - The setup stage, whose extracted data every VU can read
//   - Scenario execution with their respective executors
//   - The teardown stage
//   - Threshold evaluation
//
// Example usage:
//
//	cfg, _ := config.LoadConfig("grocery.yaml")
//	eng, _ := engine.NewEngine(cfg, engine.WithLogger(logger))
//	result, _ := eng.Run(ctx)
//	fmt.Printf("passed: %v\n", result.Passed)
type Engine struct {
	config *config.TestConfig
	logger *zap.Logger

	// Metrics engine shared by every scenario and the lifecycle stages
	metricsEngine *metrics.Engine
	ownsMetrics   bool

	httpConfig performance.HTTPClientConfig

	// variables are resolved once per run
	variables map[string]string

	scenarios map[string]*ScenarioRunner
	setup     *performance.Scenario
	teardown  *performance.Scenario
	mu        sync.RWMutex

	// State
	startTime time.Time
	running   bool
	ran       bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics makes the engine record into m instead of its own metrics
// engine, so a caller can observe the run live. The caller stops m.
func WithMetrics(m *metrics.Engine) Option {
	return func(e *Engine) {
		e.metricsEngine = m
	}
}

// ScenarioRunner manages the execution of a single scenario.
type ScenarioRunner struct {
	Name      string
	Config    *config.ScenarioConfig
	Executor  executor.Executor
	ExecCfg   *executor.Config
	Scheduler *performance.VUScheduler
	Scenario  *performance.Scenario
	Result    *ScenarioResult
}

// ScenarioResult contains the results of a single scenario.
type ScenarioResult struct {
	Name              string                  `json:"name"`
	Executor          string                  `json:"executor"`
	Duration          time.Duration           `json:"duration"`
	Iterations        int64                   `json:"iterations"`
	DroppedIterations int64                   `json:"droppedIterations,omitempty"`
	ActiveVUs         int                     `json:"activeVUs"`
	RequestStats      map[string]RequestStats `json:"requestStats,omitempty"`
	Error             error                   `json:"-"`
	ErrorMessage      string                  `json:"error,omitempty"`
}

// RequestStats contains statistics for a specific request.
type RequestStats struct {
	Name    string               `json:"name"`
	Count   int64                `json:"count"`
	Latency metrics.LatencyStats `json:"latency"`
}

// LifecycleSummary describes a completed setup or teardown stage.
type LifecycleSummary struct {
	Requests int      `json:"requests"`
	Errors   []string `json:"errors,omitempty"`
	// Keys lists the names of the extracted values; values are not reported.
	Keys []string `json:"keys,omitempty"`
}

// TestResult contains the complete results of a test run.
type TestResult struct {
	Name         string                     `json:"name"`
	Description  string                     `json:"description,omitempty"`
	StartTime    time.Time                  `json:"startTime"`
	EndTime      time.Time                  `json:"endTime"`
	Duration     time.Duration              `json:"duration"`
	Setup        *LifecycleSummary          `json:"setup,omitempty"`
	Teardown     *LifecycleSummary          `json:"teardown,omitempty"`
	Scenarios    map[string]*ScenarioResult `json:"scenarios"`
	Metrics      *metrics.Snapshot          `json:"metrics"`
	RequestStats map[string]RequestStats    `json:"requestStats,omitempty"`
	TimeSeries   []*metrics.TimeBucket      `json:"timeSeries,omitempty"`
	Phases       []metrics.PhaseChange      `json:"phases,omitempty"`
	Passed       bool                       `json:"passed"`
	Thresholds   []ThresholdResult          `json:"thresholds,omitempty"`
	Error        error                      `json:"-"`
	ErrorMessage string                     `json:"error,omitempty"`
}

// NewEngine creates a new test engine from configuration.
func NewEngine(cfg *config.TestConfig, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	config.ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{
		config:     cfg,
		logger:     zap.NewNop(),
		httpConfig: performance.HTTPClientConfigFromSettings(cfg.Settings, cfg.Options),
		scenarios:  make(map[string]*ScenarioRunner),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Run executes setup, all scenarios and teardown, then evaluates thresholds.
//
// By default, all scenarios run concurrently. If Options.Sequential is true,
// scenarios run one at a time in name order.
//
// Cancelling ctx stops the scenarios gracefully; teardown still runs.
func (e *Engine) Run(ctx context.Context) (*TestResult, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	if e.ran {
		e.mu.Unlock()
		return nil, ErrAlreadyRan
	}
	e.running = true
	e.startTime = time.Now()
	if e.metricsEngine == nil {
		e.metricsEngine = metrics.NewEngine()
		e.ownsMetrics = true
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.ran = true
		e.mu.Unlock()
	}()

	m := e.metricsEngine
	m.SetPhase(metrics.PhaseInit)

	if err := e.initialize(ctx); err != nil {
		if e.ownsMetrics {
			m.Stop()
		}
		return nil, fmt.Errorf("failed to initialize scenarios: %w", err)
	}

	e.logger.Info("starting load test",
		zap.String("name", e.config.Name),
		zap.String("base_url", e.config.Settings.BaseURL),
		zap.Int("scenarios", len(e.scenarios)))

	client := performance.NewHTTPClient(e.httpConfig)

	setupData, setupSummary := e.runSetup(ctx, client)
	for _, runner := range e.scenarios {
		runner.Scenario.SetShared(setupData)
	}

	stopMonitor := e.monitorActiveVUs()

	var scenarioResults map[string]*ScenarioResult
	var runErr error
	if e.config.Options != nil && e.config.Options.Sequential {
		scenarioResults, runErr = e.runScenariosSequentially(ctx)
	} else {
		scenarioResults, runErr = e.runScenariosConcurrently(ctx)
	}

	stopMonitor()

	teardownSummary := e.runTeardown(ctx, client, setupData)
	client.CloseIdleConnections()

	m.SetPhase(metrics.PhaseDone)
	if e.ownsMetrics {
		m.Stop()
	}

	finalMetrics := m.GetSnapshot()
	thresholdResults := EvaluateThresholds(e.config.Thresholds, m)
	passed := runErr == nil
	for _, tr := range thresholdResults {
		if !tr.Passed {
			passed = false
			break
		}
	}

	result := &TestResult{
		Name:         e.config.Name,
		Description:  e.config.Description,
		StartTime:    e.startTime,
		EndTime:      time.Now(),
		Duration:     time.Since(e.startTime),
		Setup:        setupSummary,
		Teardown:     teardownSummary,
		Scenarios:    scenarioResults,
		Metrics:      finalMetrics,
		RequestStats: requestStatsFor(m, nil),
		TimeSeries:   m.GetTimeSeries(),
		Phases:       m.GetPhaseHistory(),
		Passed:       passed,
		Thresholds:   thresholdResults,
		Error:        runErr,
	}
	if runErr != nil {
		result.ErrorMessage = runErr.Error()
	}

	e.logger.Info("load test finished",
		zap.Bool("passed", passed),
		zap.Int64("requests", finalMetrics.TotalRequests),
		zap.Int64("iterations", finalMetrics.Iterations),
		zap.Duration("duration", result.Duration))

	return result, runErr
}

// initialize resolves variables and builds every scenario, scheduler and executor.
func (e *Engine) initialize(ctx context.Context) error {
	base := map[string]string{}
	if e.config.Settings.BaseURL != "" {
		base["baseUrl"] = e.config.Settings.BaseURL
		base["baseURL"] = e.config.Settings.BaseURL
	}
	e.variables = performance.ResolveVariables(config.MergeVariables(base, e.config.Variables), nil)

	var err error
	if lc := e.config.Setup; lc != nil && len(lc.Requests) > 0 {
		if e.setup, err = performance.NewScenario("setup", lc.Requests, e.variables, e.config.Settings.Headers); err != nil {
			return err
		}
	}
	if lc := e.config.Teardown; lc != nil && len(lc.Requests) > 0 {
		if e.teardown, err = performance.NewScenario("teardown", lc.Requests, e.variables, e.config.Settings.Headers); err != nil {
			return err
		}
	}

	runners := make(map[string]*ScenarioRunner, len(e.config.Scenarios))
	for name, sc := range e.config.Scenarios {
		vars := e.variables
		if len(sc.Tags) > 0 {
			tags := performance.ResolveVariables(sc.Tags, func(n string) (string, bool) {
				v, ok := e.variables[n]
				return v, ok
			})
			vars = config.MergeVariables(e.variables, tags)
		}

		headers := config.MergeVariables(e.config.Settings.Headers, sc.Headers)
		scenario, err := performance.NewScenario(name, sc.Requests, vars, headers)
		if err != nil {
			return err
		}

		exec, execCfg, err := executor.CreateExecutorFromScenarioConfig(ctx, name, sc)
		if err != nil {
			return fmt.Errorf("failed to create executor for scenario %s: %w", name, err)
		}

		runners[name] = &ScenarioRunner{
			Name:      name,
			Config:    sc,
			Executor:  exec,
			ExecCfg:   execCfg,
			Scheduler: performance.NewVUScheduler(scenario, e.metricsEngine, e.httpConfig),
			Scenario:  scenario,
		}
	}

	e.mu.Lock()
	e.scenarios = runners
	e.mu.Unlock()
	return nil
}

// runSetup runs the setup stage. Failures are logged and the run continues.
func (e *Engine) runSetup(ctx context.Context, client *http.Client) (map[string]string, *LifecycleSummary) {
	if e.setup == nil {
		return nil, nil
	}
	e.metricsEngine.SetPhase(metrics.PhaseSetup)

	sctx, cancel := context.WithTimeout(ctx, lifecycleTimeout(e.config.Setup))
	defer cancel()

	res := performance.RunLifecycle(sctx, e.setup, client, e.metricsEngine, nil)
	summary := e.summarize("setup", res)
	if e.config.Setup.Message != "" {
		e.logger.Info(e.config.Setup.Message, dataFields(res.Data)...)
	}
	return res.Data, summary
}

// runTeardown runs the teardown stage with the setup data. It runs even
// when ctx has been cancelled.
func (e *Engine) runTeardown(ctx context.Context, client *http.Client, setupData map[string]string) *LifecycleSummary {
	lc := e.config.Teardown
	if lc == nil {
		return nil
	}
	e.metricsEngine.SetPhase(metrics.PhaseTeardown)

	var summary *LifecycleSummary
	if e.teardown != nil {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lifecycleTimeout(lc))
		defer cancel()
		res := performance.RunLifecycle(tctx, e.teardown, client, e.metricsEngine, setupData)
		summary = e.summarize("teardown", res)
	}

	if lc.Message != "" {
		e.logger.Info(lc.Message, dataFields(setupData)...)
	}
	return summary
}

func (e *Engine) summarize(stage string, res *performance.LifecycleResult) *LifecycleSummary {
	summary := &LifecycleSummary{Requests: len(res.Requests), Keys: sortedKeys(res.Data)}

	for _, r := range res.Requests {
		if r.Error != nil {
			msg := fmt.Sprintf("%s: %v", r.RequestName, r.Error)
			summary.Errors = append(summary.Errors, msg)
			e.logger.Warn(stage+" request failed",
				zap.String("request", r.RequestName),
				zap.Error(r.Error))
			continue
		}
		for _, c := range r.Checks {
			if !c.Passed {
				e.logger.Warn(stage+" check failed",
					zap.String("request", r.RequestName),
					zap.String("check", c.Name),
					zap.String("message", c.Message))
			}
		}
		e.logger.Debug(stage+" request completed",
			zap.String("request", r.RequestName),
			zap.Int("status", r.StatusCode),
			zap.Duration("duration", r.Duration))
	}
	return summary
}

// monitorActiveVUs keeps the metrics gauge equal to the sum of the
// executors' active VUs. The returned func stops it.
func (e *Engine) monitorActiveVUs() func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(vuMonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				e.metricsEngine.SetActiveVUs(0)
				return
			case <-ticker.C:
				e.metricsEngine.SetActiveVUs(e.ActiveVUs())
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

// runScenariosConcurrently runs all scenarios in parallel.
func (e *Engine) runScenariosConcurrently(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)
	var resultsMu sync.Mutex
	var g errgroup.Group
	start := time.Now()

	for name, runner := range e.scenarios {
		g.Go(func() error {
			result, err := e.runScenario(ctx, runner, start)

			resultsMu.Lock()
			results[name] = result
			resultsMu.Unlock()

			if err != nil {
				return fmt.Errorf("scenario %s failed: %w", name, err)
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// runScenariosSequentially runs all scenarios one at a time.
func (e *Engine) runScenariosSequentially(ctx context.Context) (map[string]*ScenarioResult, error) {
	results := make(map[string]*ScenarioResult)
	start := time.Now()

	names := make([]string, 0, len(e.scenarios))
	for name := range e.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result, err := e.runScenario(ctx, e.scenarios[name], start)
		results[name] = result

		if err != nil {
			return results, fmt.Errorf("scenario %s failed: %w", name, err)
		}
	}

	return results, nil
}

// runScenario waits for the scenario's start offset, then runs it.
func (e *Engine) runScenario(ctx context.Context, runner *ScenarioRunner, runStart time.Time) (*ScenarioResult, error) {
	result := &ScenarioResult{
		Name:     runner.Name,
		Executor: string(runner.Executor.Type()),
	}

	if wait := time.Until(runStart.Add(runner.ExecCfg.StartTime)); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			runner.Result = result
			return result, nil
		case <-timer.C:
		}
	}

	e.logger.Debug("scenario starting",
		zap.String("scenario", runner.Name),
		zap.String("executor", result.Executor))

	startTime := time.Now()
	err := runner.Executor.Run(ctx, runner.Scheduler, e.metricsEngine)
	runner.Scheduler.Shutdown(runner.ExecCfg.GracefulStop + time.Second)

	stats := runner.Executor.GetStats()
	result.Duration = time.Since(startTime)
	result.Iterations = stats.Iterations
	result.DroppedIterations = stats.DroppedIterations
	result.ActiveVUs = stats.ActiveVUs
	result.RequestStats = requestStatsFor(e.metricsEngine, runner.Scenario)
	if err != nil {
		result.Error = err
		result.ErrorMessage = err.Error()
	}

	e.logger.Debug("scenario finished",
		zap.String("scenario", runner.Name),
		zap.Int64("iterations", result.Iterations),
		zap.Duration("duration", result.Duration),
		zap.Error(err))

	runner.Result = result
	return result, err
}

// requestStatsFor returns per-request latency stats, limited to the
// scenario's requests when s is not nil.
func requestStatsFor(m *metrics.Engine, s *performance.Scenario) map[string]RequestStats {
	all := m.GetRequestStats()

	var names map[string]bool
	if s != nil {
		names = make(map[string]bool, len(s.Requests))
		for _, r := range s.Requests {
			names[r.Name] = true
		}
	}

	out := make(map[string]RequestStats, len(all))
	for name, stats := range all {
		if names != nil && !names[name] {
			continue
		}
		out[name] = RequestStats{Name: name, Count: stats.Count, Latency: stats}
	}
	return out
}

func lifecycleTimeout(lc *config.LifecycleConfig) time.Duration {
	if lc.Timeout != "" {
		if d, err := config.ParseDurationString(lc.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return DefaultLifecycleTimeout
}

// dataFields renders lifecycle data as log fields, masking credentials.
func dataFields(data map[string]string) []zap.Field {
	fields := make([]zap.Field, 0, len(data))
	for _, k := range sortedKeys(data) {
		v := data[k]
		lk := strings.ToLower(k)
		if strings.Contains(lk, "token") || strings.Contains(lk, "password") {
			v = "[redacted]"
		}
		fields = append(fields, zap.String(k, v))
	}
	return fields
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetConfig returns the test configuration.
func (e *Engine) GetConfig() *config.TestConfig {
	return e.config
}

// Metrics returns the metrics engine, or nil before Run has started.
func (e *Engine) Metrics() *metrics.Engine {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.metricsEngine
}

// GetMetrics returns the current metrics snapshot.
func (e *Engine) GetMetrics() *metrics.Snapshot {
	m := e.Metrics()
	if m == nil {
		return nil
	}
	return m.GetSnapshot()
}

// IsRunning returns true if the engine is currently running.
func (e *Engine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}

// Stop gracefully stops all running scenarios. Teardown still runs.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.RLock()
	if !e.running {
		e.mu.RUnlock()
		return nil
	}
	scenarios := e.scenarios
	e.mu.RUnlock()

	var lastErr error
	for _, runner := range scenarios {
		if err := runner.Executor.Stop(ctx); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// GetProgress returns the overall test progress (0.0 to 1.0).
func (e *Engine) GetProgress() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if len(e.scenarios) == 0 {
		return 0.0
	}

	var totalProgress float64
	for _, runner := range e.scenarios {
		totalProgress += runner.Executor.GetProgress()
	}

	return totalProgress / float64(len(e.scenarios))
}

// ActiveVUs returns the number of VUs currently active across all scenarios.
func (e *Engine) ActiveVUs() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	total := 0
	for _, runner := range e.scenarios {
		total += runner.Executor.GetActiveVUs()
	}
	return total
}

// GetScenarioStats returns current stats for all scenarios.
func (e *Engine) GetScenarioStats() map[string]*executor.Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := make(map[string]*executor.Stats)
	for name, runner := range e.scenarios {
		stats[name] = runner.Executor.GetStats()
	}
	return stats
}
