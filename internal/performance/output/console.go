// Package output renders live progress and the end-of-run summary of a
// load test to the console.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"

	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA" // Move cursor up N lines
	clearLine = "\033[2K"  // Clear entire line

	// Box drawing characters
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	// Progress bar characters
	progressFilled = "█"
	progressEmpty  = "░"

	markPass = "✓"
	markFail = "✗"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	// Progress tracking
	Progress  float64       // 0.0 to 1.0
	Elapsed   time.Duration // Time elapsed since test start
	Remaining time.Duration // Estimated time remaining

	// VU stats
	ActiveVUs int // Current active virtual users
	TargetVUs int // Target virtual users

	// Request stats
	CurrentRPS    float64 // Current requests per second
	TotalRequests int64   // Total requests completed
	Errors        int64   // Total errors
	ErrorRate     float64 // Error rate (0.0 to 1.0)

	// Iterations and checks
	Iterations int64
	CheckRate  float64

	// Latency stats
	LatencyP95 time.Duration // P95 latency
	LatencyAvg time.Duration // Average latency

	// Phase info
	CurrentPhase string // Current test phase name
	CurrentStage int    // Current stage number (1-indexed)
	TotalStages  int    // Total number of stages
}

type palette struct {
	bold    *color.Color
	dim     *color.Color
	green   *color.Color
	yellow  *color.Color
	red     *color.Color
	blue    *color.Color
	magenta *color.Color
	cyan    *color.Color
}

func newPalette(enabled bool) palette {
	p := palette{
		bold:    color.New(color.Bold),
		dim:     color.New(color.Faint),
		green:   color.New(color.FgGreen),
		yellow:  color.New(color.FgYellow),
		red:     color.New(color.FgRed),
		blue:    color.New(color.FgBlue),
		magenta: color.New(color.FgMagenta),
		cyan:    color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{p.bold, p.dim, p.green, p.yellow, p.red, p.blue, p.magenta, p.cyan} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// ConsoleOutput manages live console output during test execution.
type ConsoleOutput struct {
	testName       string
	executorType   string
	totalDuration  time.Duration
	updateInterval time.Duration
	writer         io.Writer
	isTTY          bool
	useColors      bool
	quiet          bool
	colors         palette

	// State
	mu          sync.Mutex
	lastStats   *LiveStats
	linesOutput int // Number of lines in the live display
}

// ConsoleOutputConfig contains configuration for ConsoleOutput.
type ConsoleOutputConfig struct {
	TestName       string
	ExecutorType   string
	TotalDuration  time.Duration
	UpdateInterval time.Duration
	Writer         io.Writer
	Quiet          bool
	ForceColors    bool
	NoColor        bool
	ForceTTY       bool
}

// NewConsoleOutput creates a new console output handler.
func NewConsoleOutput(config ConsoleOutputConfig) *ConsoleOutput {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}
	if config.UpdateInterval == 0 {
		config.UpdateInterval = time.Second
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := !config.NoColor && (config.ForceColors || (isTTY && supportsColors()))

	return &ConsoleOutput{
		testName:       config.TestName,
		executorType:   config.ExecutorType,
		totalDuration:  config.TotalDuration,
		updateInterval: config.UpdateInterval,
		writer:         config.Writer,
		isTTY:          isTTY,
		useColors:      useColors,
		quiet:          config.Quiet,
		colors:         newPalette(useColors),
	}
}

// isTerminal checks if the writer is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// supportsColors checks if the terminal supports colors.
func supportsColors() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	term := os.Getenv("TERM")
	return term != "" && term != "dumb"
}

// UpdateInterval returns how often the live display should refresh.
func (c *ConsoleOutput) UpdateInterval() time.Duration {
	return c.updateInterval
}

// PrintHeader prints the test header.
func (c *ConsoleOutput) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	executorInfo := ""
	if c.executorType != "" {
		executorInfo = fmt.Sprintf(" [%s]", c.executorType)
	}

	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln(c.colors.bold.Sprintf("%s - Running%s", c.testName, executorInfo))
	if c.totalDuration > 0 {
		c.writeln(c.colors.dim.Sprintf("Planned duration: %s", formatDuration(c.totalDuration)))
	}
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln("")
}

// Update redraws the live display in place.
func (c *ConsoleOutput) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastStats = stats
	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

func (c *ConsoleOutput) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *ConsoleOutput) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	progressBar := c.renderProgressBar(stats.Progress, 40)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))
	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.green.Sprint(progressBar),
		c.colors.bold.Sprintf("%.0f%%", stats.Progress*100),
		c.colors.dim.Sprint(timeInfo)))

	phaseInfo := stats.CurrentPhase
	if stats.TotalStages > 0 {
		phaseInfo = fmt.Sprintf("%s (%d/%d)", stats.CurrentPhase, stats.CurrentStage, stats.TotalStages)
	}
	lines = append(lines, "Stage:    "+c.colors.magenta.Sprint(phaseInfo), "")

	boxWidth := 55
	lines = append(lines, c.colors.dim.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	vusStr := fmt.Sprintf("VUs:     %s / %d", c.colors.cyan.Sprint(stats.ActiveVUs), stats.TargetVUs)
	reqsStr := "Requests:    " + c.colors.cyan.Sprint(formatNumber(stats.TotalRequests))
	lines = append(lines, c.formatBoxRow(vusStr, reqsStr, boxWidth))

	rpsStr := "RPS:     " + c.colors.green.Sprintf("%.1f", stats.CurrentRPS)
	errColor := c.rateColor(stats.ErrorRate, 0.01, 0.05)
	errStr := fmt.Sprintf("Errors:      %s (%s)",
		errColor.Sprint(stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	lines = append(lines, c.formatBoxRow(rpsStr, errStr, boxWidth))

	itersStr := "Iters:   " + c.colors.cyan.Sprint(formatNumber(stats.Iterations))
	checkColor := c.rateColor(1-stats.CheckRate, 0.01, 0.1)
	checksStr := "Checks:      " + checkColor.Sprintf("%.1f%%", stats.CheckRate*100)
	lines = append(lines, c.formatBoxRow(itersStr, checksStr, boxWidth))

	p95Str := "P95:     " + c.colors.blue.Sprint(formatDurationShort(stats.LatencyP95))
	avgStr := "Avg:         " + c.colors.blue.Sprint(formatDurationShort(stats.LatencyAvg))
	lines = append(lines, c.formatBoxRow(p95Str, avgStr, boxWidth))

	lines = append(lines, c.colors.dim.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))

	return lines
}

// rateColor picks green, yellow or red for a failure fraction.
func (c *ConsoleOutput) rateColor(failure, warn, bad float64) *color.Color {
	switch {
	case failure > bad:
		return c.colors.red
	case failure > warn:
		return c.colors.yellow
	default:
		return c.colors.green
	}
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *ConsoleOutput) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2 // 4 = 2 borders + 2 padding

	leftPadding := max(colWidth-len([]rune(stripANSI(left))), 0)
	rightPadding := max(colWidth-len([]rune(stripANSI(right))), 0)

	border := c.colors.dim.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border, left, strings.Repeat(" ", leftPadding),
		border, right, strings.Repeat(" ", rightPadding),
		border)
}

// renderProgressBar renders a progress bar.
func (c *ConsoleOutput) renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)

	filled := int(progress * float64(width))
	empty := width - filled

	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, empty) + "]"
}

// PrintSummary prints the end-of-run summary.
func (c *ConsoleOutput) PrintSummary(result *engine.TestResult) {
	if c.quiet {
		if result.Passed {
			c.writeln(c.colors.green.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.red.Sprint("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.green.Sprint("Completed " + markPass)
	if !result.Passed {
		status = c.colors.red.Sprint("Failed " + markFail)
	}

	c.writeln("")
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln(c.colors.bold.Sprint(result.Name) + " - " + status)
	c.writeln(c.colors.cyan.Sprint(line))
	c.writeln("")

	c.writeln("Duration:      " + c.colors.cyan.Sprint(formatDuration(result.Duration)))
	if result.ErrorMessage != "" {
		c.writeln("Error:         " + c.colors.red.Sprint(result.ErrorMessage))
	}
	c.printLifecycle("Setup", result.Setup)
	c.printLifecycle("Teardown", result.Teardown)
	c.writeln("")

	if m := result.Metrics; m != nil {
		c.printChecks(m)
		c.printHTTP(m)
		c.printRates(m)

		c.writeln(c.colors.bold.Sprint("Latency Distribution:"))
		c.writeln("  Min:       " + formatDurationShort(m.Latency.Min))
		c.writeln("  P50:       " + formatDurationShort(m.Latency.P50))
		c.writeln("  P90:       " + formatDurationShort(m.Latency.P90))
		c.writeln("  P95:       " + formatDurationShort(m.Latency.P95))
		c.writeln("  P99:       " + formatDurationShort(m.Latency.P99))
		c.writeln("  Max:       " + formatDurationShort(m.Latency.Max))
		c.writeln("")
	}

	c.printRequestTable(result.RequestStats)
	c.printThresholds(result.Thresholds)
}

func (c *ConsoleOutput) printLifecycle(label string, s *engine.LifecycleSummary) {
	if s == nil {
		return
	}

	info := fmt.Sprintf("%d request(s)", s.Requests)
	if len(s.Keys) > 0 {
		info += ", data: " + strings.Join(s.Keys, ", ")
	}
	padded := fmt.Sprintf("%-15s", label+":")
	if len(s.Errors) > 0 {
		c.writeln(padded + c.colors.yellow.Sprintf("%s, %d error(s)", info, len(s.Errors)))
		for _, e := range s.Errors {
			c.writeln("  " + c.colors.red.Sprint(markFail) + " " + e)
		}
		return
	}
	c.writeln(padded + c.colors.cyan.Sprint(info))
}

func (c *ConsoleOutput) printChecks(m *metrics.Snapshot) {
	if len(m.Checks) == 0 {
		return
	}

	rate := m.CheckRate()
	c.writeln(c.colors.bold.Sprint("Checks: ") +
		c.rateColor(1-rate, 0.01, 0.1).Sprintf("%.2f%% %s %d %s %d", rate*100, markPass, m.ChecksPassed, markFail, m.ChecksFailed))
	for _, ch := range m.Checks {
		mark := c.colors.green.Sprint(markPass)
		detail := ""
		if ch.Fails > 0 {
			mark = c.colors.red.Sprint(markFail)
			detail = c.colors.dim.Sprintf("  %d%% %s %d / %s %d", int(ch.Rate()*100), markPass, ch.Passes, markFail, ch.Fails)
		}
		c.writeln("  " + mark + " " + ch.Name + detail)
	}
	c.writeln("")
}

func (c *ConsoleOutput) printHTTP(m *metrics.Snapshot) {
	c.writeln(c.colors.bold.Sprint("HTTP:"))
	c.writeln("  http_reqs:          " + c.colors.cyan.Sprintf("%s  %.2f/s", formatNumber(m.TotalRequests), m.RPS))
	c.writeln("  http_req_failed:    " + c.rateColor(m.ErrorRate, 0.01, 0.05).Sprintf("%.2f%%  %d of %d", m.ErrorRate*100, m.FailedRequests, m.TotalRequests))
	c.writeln(fmt.Sprintf("  http_req_duration:  avg=%s p(95)=%s max=%s",
		formatDurationShort(m.Latency.Mean), formatDurationShort(m.Latency.P95), formatDurationShort(m.Latency.Max)))
	c.writeln("  data_received:      " + formatBytes(m.TotalBytes))
	c.writeln("  iterations:         " + c.colors.cyan.Sprint(formatNumber(m.Iterations)))
	if m.DroppedIterations > 0 {
		c.writeln("  dropped_iterations: " + c.colors.yellow.Sprint(formatNumber(m.DroppedIterations)))
	}
	if m.IterationDuration.Count > 0 {
		c.writeln(fmt.Sprintf("  iteration_duration: avg=%s p(95)=%s",
			formatDurationShort(m.IterationDuration.Mean), formatDurationShort(m.IterationDuration.P95)))
	}
	c.writeln("")
}

func (c *ConsoleOutput) printRates(m *metrics.Snapshot) {
	if len(m.Rates) == 0 {
		return
	}

	names := make([]string, 0, len(m.Rates))
	for name := range m.Rates {
		names = append(names, name)
	}
	sort.Strings(names)

	c.writeln(c.colors.bold.Sprint("Rates:"))
	for _, name := range names {
		r := m.Rates[name]
		c.writeln(fmt.Sprintf("  %-19s %s", name+":", c.rateColor(r.Rate, 0.01, 0.1).Sprintf("%.2f%%  %d of %d", r.Rate*100, r.NonZero, r.Total)))
	}
	c.writeln("")
}

// printRequestTable renders per-request latency as a table.
func (c *ConsoleOutput) printRequestTable(stats map[string]engine.RequestStats) {
	if len(stats) == 0 {
		return
	}

	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)

	c.writeln(c.colors.bold.Sprint("Requests:"))

	table := tablewriter.NewWriter(c.writer)
	table.SetHeader([]string{"Name", "Count", "Avg", "P50", "P95", "P99", "Max"})
	table.SetAutoFormatHeaders(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator("")
	table.SetCenterSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, name := range names {
		s := stats[name]
		table.Append([]string{
			"  " + name,
			formatNumber(s.Count),
			formatDurationShort(s.Latency.Mean),
			formatDurationShort(s.Latency.P50),
			formatDurationShort(s.Latency.P95),
			formatDurationShort(s.Latency.P99),
			formatDurationShort(s.Latency.Max),
		})
	}
	table.Render()
	c.writeln("")
}

func (c *ConsoleOutput) printThresholds(results []engine.ThresholdResult) {
	if len(results) == 0 {
		return
	}

	c.writeln(c.colors.bold.Sprint("Thresholds:"))
	for _, t := range results {
		mark := c.colors.green.Sprint(markPass)
		if !t.Passed {
			mark = c.colors.red.Sprint(markFail)
		}
		actual := t.Value
		if actual == "" {
			actual = "n/a"
		}
		c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", mark, t.Metric, t.Expression, actual))
		if !t.Passed && t.Message != "" {
			c.writeln("      " + c.colors.dim.Sprint(t.Message))
		}
	}
	c.writeln("")
}

// PrintNonInteractiveUpdate prints a one-line status for logs and CI.
func (c *ConsoleOutput) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | VUs: %d | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%) | Checks: %.1f%% | P95: %s",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveVUs,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100,
		stats.CheckRate*100,
		formatDurationShort(stats.LatencyP95)))
}

// IsTTY returns whether the output is a terminal.
func (c *ConsoleOutput) IsTTY() bool {
	return c.isTTY
}

func (c *ConsoleOutput) write(s string) {
	fmt.Fprint(c.writer, s)
}

func (c *ConsoleOutput) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// formatBytes formats bytes in a human-readable way.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}

// StatsFromMetrics creates LiveStats from engine metrics.
func StatsFromMetrics(
	metricsSnapshot *metrics.Snapshot,
	progress float64,
	totalDuration time.Duration,
	targetVUs int,
	currentStage, totalStages int,
) *LiveStats {
	if metricsSnapshot == nil {
		return &LiveStats{
			Progress:     progress,
			TargetVUs:    targetVUs,
			CurrentStage: currentStage,
			TotalStages:  totalStages,
			CurrentPhase: "initializing",
			CheckRate:    1,
		}
	}

	elapsed := metricsSnapshot.Elapsed
	remaining := time.Duration(0)
	if progress > 0 && progress < 1 {
		remaining = time.Duration(float64(elapsed) * (1 - progress) / progress)
	} else if totalDuration > 0 {
		remaining = max(totalDuration-elapsed, 0)
	}

	return &LiveStats{
		Progress:      progress,
		Elapsed:       elapsed,
		Remaining:     remaining,
		ActiveVUs:     metricsSnapshot.ActiveVUs,
		TargetVUs:     targetVUs,
		CurrentRPS:    metricsSnapshot.RPS,
		TotalRequests: metricsSnapshot.TotalRequests,
		Errors:        metricsSnapshot.FailedRequests,
		ErrorRate:     metricsSnapshot.ErrorRate,
		Iterations:    metricsSnapshot.Iterations,
		CheckRate:     metricsSnapshot.CheckRate(),
		LatencyP95:    metricsSnapshot.Latency.P95,
		LatencyAvg:    metricsSnapshot.Latency.Mean,
		CurrentPhase:  string(metricsSnapshot.CurrentPhase),
		CurrentStage:  currentStage,
		TotalStages:   totalStages,
	}
}
