package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/grocery-inventory/grocery-load/internal/exporter"
	"github.com/grocery-inventory/grocery-load/internal/history"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
	"github.com/grocery-inventory/grocery-load/internal/performance/executor"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
	"github.com/grocery-inventory/grocery-load/internal/performance/output"
	"github.com/grocery-inventory/grocery-load/internal/performance/report"
	"github.com/grocery-inventory/grocery-load/internal/scenarios"
)

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a load test",
		Long: `Run one of the built-in scenarios or a configuration file.

Built-in scenario:
  grocery-load run --scenario baseline --base-url http://localhost:8000

Configuration file with a custom ramp:
  grocery-load run --config test.yaml --stages "30s:10,1m:10,30s:0"

Reports:
  grocery-load run --output results/run    # writes run.html and run.json
  grocery-load run --json                  # JSON result on stdout
  grocery-load run --junit results.xml     # JUnit XML for CI

BASE_URL or GROCERY_LOAD_BASE_URL replaces the configured base URL.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runLoadTest(cmd)
		},
	}

	f := cmd.Flags()
	f.StringP("scenario", "s", scenarios.Default, "Built-in scenario: "+strings.Join(scenarios.Names(), ", "))
	f.StringP("config", "c", "", "Configuration file (YAML or JSON); overrides --scenario")
	f.String("base-url", "", "API base URL")
	f.Int("vus", 0, "Number of virtual users")
	f.String("duration", "", "Test duration (e.g. 30s, 5m)")
	f.String("stages", "", "Ramp stages as 'duration:target,...'")
	f.Bool("json", false, "Write the result as JSON (to --output, or stdout)")
	f.Bool("html", false, "Generate an HTML report")
	f.String("junit", "", "Write thresholds and checks as JUnit XML to this file")
	f.StringP("output", "o", "", "Report path; without an extension writes both .html and .json")
	f.BoolP("quiet", "q", false, "Disable live progress, show only the final summary")
	f.Bool("no-color", false, "Disable colored output")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	f.Bool("history", false, "Record the run in the history database")
	return cmd
}

// loadTestConfig resolves the configuration and applies command-line
// overrides. It returns the config and a label for where it came from.
func (a *app) loadTestConfig() (*config.TestConfig, string, error) {
	var (
		cfg    *config.TestConfig
		source string
		err    error
	)

	if path := a.v.GetString("config"); path != "" {
		cfg, err = config.LoadConfig(path)
		if err != nil {
			return nil, "", err
		}
		source = path
	} else {
		source = a.v.GetString("scenario")
		if source == "" {
			source = scenarios.Default
		}
		cfg, err = scenarios.Load(source)
		if err != nil {
			return nil, "", err
		}
	}

	overrides := config.Overrides{
		BaseURL:  a.v.GetString("base-url"),
		VUs:      a.v.GetInt("vus"),
		Duration: a.v.GetString("duration"),
	}
	if s := a.v.GetString("stages"); s != "" {
		stages, err := config.ParseStages(s)
		if err != nil {
			return nil, "", fmt.Errorf("invalid stages: %w", err)
		}
		overrides.Stages = stages
	}
	config.ApplyOverrides(cfg, overrides)

	return cfg, source, nil
}

func (a *app) runLoadTest(cmd *cobra.Command) error {
	cfg, source, err := a.loadTestConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	quiet := a.v.GetBool("quiet")
	plan := planReports(a.v.GetString("output"), a.v.GetBool("json"), a.v.GetBool("html"), cfg.Name)
	if plan.jsonStdout {
		// keep stdout parseable
		quiet = true
		out = cmd.ErrOrStderr()
	}

	m := metrics.NewEngine()
	defer m.Stop()

	eng, err := engine.NewEngine(cfg, engine.WithLogger(a.logger), engine.WithMetrics(m))
	if err != nil {
		return err
	}

	if addr := a.v.GetString("metrics-addr"); addr != "" {
		srv := exporter.NewServer(addr, m, a.logger)
		if err := srv.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				a.logger.Warn("metrics server shutdown", zap.Error(err))
			}
		}()
	}

	totalDuration := calculateTotalDuration(cfg)
	console := output.NewConsoleOutput(output.ConsoleOutputConfig{
		TestName:      cfg.Name,
		ExecutorType:  executorLabel(cfg),
		TotalDuration: totalDuration,
		Writer:        out,
		Quiet:         quiet,
		NoColor:       a.v.GetBool("no-color"),
	})

	a.logger.Debug("resolved configuration",
		zap.String("source", source),
		zap.Int("scenarios", len(cfg.Scenarios)),
		zap.Duration("planned", totalDuration))

	console.PrintHeader()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	type runOutcome struct {
		result *engine.TestResult
		err    error
	}
	done := make(chan runOutcome, 1)
	go func() {
		result, err := eng.Run(ctx)
		done <- runOutcome{result, err}
	}()

	targetVUs := getTargetVUs(cfg)
	ticker := time.NewTicker(console.UpdateInterval())
	defer ticker.Stop()

	var outcome runOutcome
progressLoop:
	for {
		select {
		case outcome = <-done:
			break progressLoop
		case <-ticker.C:
			current, total := getStageInfo(eng.GetScenarioStats())
			stats := output.StatsFromMetrics(eng.GetMetrics(), eng.GetProgress(), totalDuration, targetVUs, current, total)
			if console.IsTTY() {
				console.Update(stats)
			} else {
				console.PrintNonInteractiveUpdate(stats)
			}
		}
	}

	result, runErr := outcome.result, outcome.err
	if result == nil {
		if runErr == nil {
			runErr = errors.New("run produced no result")
		}
		return runErr
	}

	console.PrintSummary(result)

	if err := a.writeReports(cmd, plan, result, out); err != nil {
		return err
	}

	if a.v.GetBool("history") {
		if err := a.recordHistory(cmd.Context(), result, source, cfg.Settings.BaseURL, out); err != nil {
			a.logger.Warn("failed to record run history", zap.Error(err))
		}
	}

	if runErr != nil {
		return runErr
	}
	if !result.Passed {
		return ErrRunFailed
	}
	return nil
}

// reportPlan is where each report goes. Empty paths are skipped.
type reportPlan struct {
	jsonPath   string
	jsonStdout bool
	htmlPath   string
}

// planReports maps --output, --json and --html to report paths. An output
// path ending in .json or .html selects that format; any other path gets
// the requested formats, or both when neither flag is set.
func planReports(outputPath string, asJSON, asHTML bool, testName string) reportPlan {
	lower := strings.ToLower(outputPath)
	var p reportPlan

	switch {
	case strings.HasSuffix(lower, ".json"):
		p.jsonPath = outputPath
		if asHTML {
			p.htmlPath = generateDefaultHTMLPath(testName)
		}
	case strings.HasSuffix(lower, ".html"):
		p.htmlPath = outputPath
		p.jsonStdout = asJSON
	case outputPath != "":
		both := asJSON == asHTML
		if asJSON || both {
			p.jsonPath = outputPath + ".json"
		}
		if asHTML || both {
			p.htmlPath = outputPath + ".html"
		}
	default:
		p.jsonStdout = asJSON
		if asHTML {
			p.htmlPath = generateDefaultHTMLPath(testName)
		}
	}
	return p
}

// writeReports writes the planned reports and the optional JUnit file.
func (a *app) writeReports(cmd *cobra.Command, plan reportPlan, result *engine.TestResult, status io.Writer) error {
	if plan.jsonStdout {
		if err := report.WriteJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
	}
	if plan.jsonPath != "" {
		if err := writeReportFile(plan.jsonPath, result, report.GenerateJSON); err != nil {
			return err
		}
		fmt.Fprintf(status, "Results: %s\n", plan.jsonPath)
	}
	if plan.htmlPath != "" {
		if err := writeReportFile(plan.htmlPath, result, report.GenerateHTML); err != nil {
			return err
		}
		fmt.Fprintf(status, "Report: %s\n", plan.htmlPath)
	}
	if path := a.v.GetString("junit"); path != "" {
		if err := writeReportFile(path, result, report.GenerateJUnit); err != nil {
			return err
		}
		fmt.Fprintf(status, "JUnit: %s\n", path)
	}
	return nil
}

func writeReportFile(path string, result *engine.TestResult, generate func(*engine.TestResult, string) error) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	return generate(result, path)
}

// generateDefaultHTMLPath names a report after the test and the time.
func generateDefaultHTMLPath(testName string) string {
	safeName := strings.ReplaceAll(testName, " ", "-")
	safeName = strings.ReplaceAll(safeName, "/", "-")
	safeName = strings.ToLower(safeName)

	timestamp := time.Now().Format("20060102-150405")
	return fmt.Sprintf("load-report-%s-%s.html", safeName, timestamp)
}

func (a *app) recordHistory(ctx context.Context, result *engine.TestResult, source, baseURL string, status io.Writer) error {
	store, err := a.openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	run, err := history.NewRun(result, source, baseURL)
	if err != nil {
		return err
	}
	if err := store.Save(context.WithoutCancel(ctx), run); err != nil {
		return err
	}
	fmt.Fprintf(status, "History: %s\n", run.ID)
	return nil
}

// calculateTotalDuration returns the longest scenario end, including start
// offsets.
func calculateTotalDuration(cfg *config.TestConfig) time.Duration {
	var longest time.Duration
	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		d, err := config.ParseScenarioDuration(sc)
		if err != nil {
			continue
		}
		if sc.StartTime != "" {
			if offset, err := config.ParseDurationString(sc.StartTime); err == nil {
				d += offset
			}
		}
		longest = max(longest, d)
	}
	return longest
}

// getTargetVUs returns the largest VU count any scenario asks for.
func getTargetVUs(cfg *config.TestConfig) int {
	maxVUs := 0
	for _, sc := range cfg.Scenarios {
		if sc == nil {
			continue
		}
		maxVUs = max(maxVUs, sc.VUs, sc.MaxVUs)
		for _, stage := range sc.Stages {
			maxVUs = max(maxVUs, stage.Target)
		}
	}
	if maxVUs == 0 {
		maxVUs = 1
	}
	return maxVUs
}

// getStageInfo reports the furthest stage across scenarios.
func getStageInfo(stats map[string]*executor.Stats) (current, total int) {
	for _, s := range stats {
		if s == nil {
			continue
		}
		current = max(current, s.CurrentStage)
		total = max(total, s.TotalStages)
	}
	return current, total
}

func executorLabel(cfg *config.TestConfig) string {
	seen := make(map[string]bool)
	var labels []string
	for _, name := range sortedScenarioNames(cfg) {
		ex := cfg.Scenarios[name].Executor
		if ex != "" && !seen[ex] {
			seen[ex] = true
			labels = append(labels, ex)
		}
	}
	return strings.Join(labels, ", ")
}
