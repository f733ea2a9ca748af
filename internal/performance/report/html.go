// Package report renders load test results as HTML, JSON and JUnit XML.
package report

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"sort"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

//go:embed report.html.tmpl
var htmlTemplate string

var reportTemplate = template.Must(template.New("report").Funcs(templateFuncs()).Parse(htmlTemplate))

// ReportData contains all data needed to render the HTML report.
type ReportData struct {
	*engine.TestResult
	Requests       []engine.RequestStats
	Rates          []RateRow
	TimeSeriesJSON template.JS
	GeneratedAt    time.Time
}

// RateRow is one custom rate metric in display order.
type RateRow struct {
	Name string
	metrics.RateStats
}

// TimeSeriesPoint is one chart sample. Latencies are milliseconds.
type TimeSeriesPoint struct {
	Second            int     `json:"second"`
	IntervalRPS       float64 `json:"rps"`
	IntervalRequests  int64   `json:"requests"`
	LatencyP50        float64 `json:"p50"`
	LatencyP95        float64 `json:"p95"`
	LatencyP99        float64 `json:"p99"`
	ActiveVUs         int     `json:"vus"`
	Iterations        int64   `json:"iterations"`
	Phase             string  `json:"phase"`
	IntervalErrorRate float64 `json:"errorRate"`
}

// GenerateHTML generates an HTML report from test results and writes it to a file.
func GenerateHTML(result *engine.TestResult, outputPath string) error {
	html, err := GenerateHTMLString(result)
	if err != nil {
		return fmt.Errorf("failed to generate HTML: %w", err)
	}

	if err := os.WriteFile(outputPath, []byte(html), 0644); err != nil {
		return fmt.Errorf("failed to write HTML file: %w", err)
	}

	return nil
}

// GenerateHTMLString generates an HTML report from test results and returns it as a string.
func GenerateHTMLString(result *engine.TestResult) (string, error) {
	if result == nil {
		return "", fmt.Errorf("result cannot be nil")
	}

	timeSeriesJSON, err := convertTimeSeriesJSON(result.TimeSeries)
	if err != nil {
		return "", fmt.Errorf("failed to convert time series: %w", err)
	}

	data := ReportData{
		TestResult:     result,
		Requests:       sortedRequests(result.RequestStats),
		TimeSeriesJSON: template.JS(timeSeriesJSON),
		GeneratedAt:    result.EndTime,
	}
	if result.Metrics != nil {
		data.Rates = sortedRates(result.Metrics.Rates)
	}
	if data.GeneratedAt.IsZero() {
		data.GeneratedAt = time.Now()
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

func sortedRequests(stats map[string]engine.RequestStats) []engine.RequestStats {
	out := make([]engine.RequestStats, 0, len(stats))
	for name, s := range stats {
		if s.Name == "" {
			s.Name = name
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func sortedRates(rates map[string]metrics.RateStats) []RateRow {
	out := make([]RateRow, 0, len(rates))
	for name, r := range rates {
		out = append(out, RateRow{Name: name, RateStats: r})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// convertTimeSeriesJSON converts the time series buckets to JSON for chart rendering.
func convertTimeSeriesJSON(timeSeries []*metrics.TimeBucket) (string, error) {
	if len(timeSeries) == 0 {
		return "[]", nil
	}

	points := make([]TimeSeriesPoint, len(timeSeries))
	for i, bucket := range timeSeries {
		points[i] = TimeSeriesPoint{
			Second:            i + 1,
			IntervalRPS:       bucket.IntervalRPS,
			IntervalRequests:  bucket.IntervalRequests,
			LatencyP50:        millis(bucket.LatencyP50),
			LatencyP95:        millis(bucket.LatencyP95),
			LatencyP99:        millis(bucket.LatencyP99),
			ActiveVUs:         bucket.ActiveVUs,
			Iterations:        bucket.IntervalIterations,
			Phase:             string(bucket.Phase),
			IntervalErrorRate: bucket.IntervalErrorRate * 100,
		}
	}

	jsonBytes, err := json.Marshal(points)
	if err != nil {
		return "[]", err
	}

	return string(jsonBytes), nil
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"formatDuration": formatDuration,
		"formatNumber":   formatNumber,
		"formatLatency":  formatLatency,
		"formatBytes":    formatBytes,
		"percent":        percent,
		"successRate":    successRate,
		"rateClass":      rateClass,
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		mins := int(d.Minutes())
		secs := int(d.Seconds()) % 60
		if secs == 0 {
			return fmt.Sprintf("%dm", mins)
		}
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	if mins == 0 {
		return fmt.Sprintf("%dh", hours)
	}
	return fmt.Sprintf("%dh %dm", hours, mins)
}

// formatNumber formats a large number with commas.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var out []byte
	for i := range len(str) {
		if i > 0 && (len(str)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, str[i])
	}
	return string(out)
}

// formatLatency formats a latency with a precision that suits its scale.
func formatLatency(d time.Duration) string {
	switch {
	case d == 0:
		return "0"
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		us := float64(d.Nanoseconds()) / 1000
		if us < 100 {
			return fmt.Sprintf("%.1fµs", us)
		}
		return fmt.Sprintf("%dµs", int(us))
	case d < time.Second:
		ms := float64(d.Microseconds()) / 1000
		if ms < 10 {
			return fmt.Sprintf("%.2fms", ms)
		}
		if ms < 100 {
			return fmt.Sprintf("%.1fms", ms)
		}
		return fmt.Sprintf("%dms", int(ms))
	}
	s := d.Seconds()
	if s < 10 {
		return fmt.Sprintf("%.2fs", s)
	}
	return fmt.Sprintf("%.1fs", s)
}

// formatBytes formats bytes in a human-readable way.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// percent renders a 0..1 fraction as a percentage.
func percent(f float64) string {
	return fmt.Sprintf("%.2f%%", f*100)
}

// successRate is the share of requests that did not fail, in percent.
func successRate(m *metrics.Snapshot) float64 {
	if m == nil || m.TotalRequests == 0 {
		return 0
	}
	return float64(m.SuccessRequests) / float64(m.TotalRequests) * 100
}

// rateClass maps a pass fraction to a CSS class.
func rateClass(passRate float64) string {
	switch {
	case passRate >= 0.99:
		return "good"
	case passRate >= 0.9:
		return "warn"
	default:
		return "bad"
	}
}
