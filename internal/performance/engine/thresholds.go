package engine

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// ThresholdResult contains the result of a threshold evaluation.
type ThresholdResult struct {
	Metric     string `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// EvaluateThresholds evaluates every threshold against the recorded
// metrics. Results are ordered by metric key, then expression order.
func EvaluateThresholds(thresholds config.Thresholds, m *metrics.Engine) []ThresholdResult {
	if len(thresholds) == 0 {
		return nil
	}

	keys := make([]string, 0, len(thresholds))
	for k := range thresholds {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	snapshot := m.GetSnapshot()
	rates := m.GetRateStats()

	var results []ThresholdResult
	for _, key := range keys {
		for _, expr := range thresholds[key] {
			results = append(results, evaluateThreshold(key, expr, m, snapshot, rates))
		}
	}
	return results
}

func evaluateThreshold(key, expr string, m *metrics.Engine, snapshot *metrics.Snapshot, rates map[string]metrics.RateStats) ThresholdResult {
	result := ThresholdResult{Metric: key, Expression: expr}

	tk, err := config.ParseThresholdKey(key)
	if err != nil {
		result.Message = err.Error()
		return result
	}
	te, err := config.ParseThresholdExpression(expr)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	switch tk.Metric {
	case config.MetricHTTPReqDuration:
		trend, ok := m.LatencyTrend(tk.Tags["name"])
		if !ok {
			result.Message = fmt.Sprintf("no samples recorded for %s", key)
			return result
		}
		return evaluateTrend(result, te, trend)

	case config.MetricIterationDuration:
		return evaluateTrend(result, te, m.IterationTrend())

	case config.MetricHTTPReqFailed:
		return evaluateRate(result, te, snapshot.ErrorRate, snapshot.FailedRequests)

	case config.MetricChecks:
		return evaluateRate(result, te, snapshot.CheckRate(), snapshot.ChecksPassed)

	case config.MetricHTTPReqs:
		return evaluateCounter(result, te, snapshot.TotalRequests, snapshot.RPS)

	case config.MetricIterations:
		perSecond := 0.0
		if secs := snapshot.Elapsed.Seconds(); secs > 0 {
			perSecond = float64(snapshot.Iterations) / secs
		}
		return evaluateCounter(result, te, snapshot.Iterations, perSecond)
	}

	// Custom rate. A rate with no samples is 0.
	rs := rates[tk.Metric]
	return evaluateRate(result, te, rs.Rate, rs.NonZero)
}

// evaluateTrend compares a latency aggregation; bare values are milliseconds.
func evaluateTrend(result ThresholdResult, te *config.ThresholdExpression, trend metrics.Trend) ThresholdResult {
	var actual time.Duration
	label := te.Aggregation
	switch te.Aggregation {
	case "avg":
		actual = trend.Mean()
	case "min":
		actual = trend.Min()
	case "max":
		actual = trend.Max()
	case "med":
		actual = trend.Quantile(50)
	case "p":
		actual = trend.Quantile(te.Percentile)
		label = "p(" + strconv.FormatFloat(te.Percentile, 'f', -1, 64) + ")"
	default:
		result.Message = fmt.Sprintf("aggregation %q does not apply to a duration", te.Aggregation)
		return result
	}

	limit, err := config.ParseMillis(te.Value)
	if err != nil {
		result.Message = err.Error()
		return result
	}

	result.Value = formatMillis(actual)
	result.Passed = compareValues(float64(actual), te.Operator, float64(limit))
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", label, formatMillis(actual), te.Operator, formatMillis(limit))
	}
	return result
}

func evaluateRate(result ThresholdResult, te *config.ThresholdExpression, rate float64, count int64) ThresholdResult {
	switch te.Aggregation {
	case "rate":
		return compareNumber(result, te, rate, "%.4f")
	case "count":
		return compareNumber(result, te, float64(count), "%.0f")
	}
	result.Message = fmt.Sprintf("aggregation %q does not apply to a rate", te.Aggregation)
	return result
}

func evaluateCounter(result ThresholdResult, te *config.ThresholdExpression, count int64, perSecond float64) ThresholdResult {
	switch te.Aggregation {
	case "count":
		return compareNumber(result, te, float64(count), "%.0f")
	case "rate":
		return compareNumber(result, te, perSecond, "%.2f")
	}
	result.Message = fmt.Sprintf("aggregation %q does not apply to a counter", te.Aggregation)
	return result
}

func compareNumber(result ThresholdResult, te *config.ThresholdExpression, actual float64, format string) ThresholdResult {
	limit, err := strconv.ParseFloat(te.Value, 64)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	result.Value = fmt.Sprintf(format, actual)
	result.Passed = compareValues(actual, te.Operator, limit)
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", te.Aggregation, result.Value, te.Operator, te.Value)
	}
	return result
}

func formatMillis(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'f', 2, 64) + "ms"
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==":
		return actual == threshold
	case "!=":
		return actual != threshold
	default:
		return false
	}
}
