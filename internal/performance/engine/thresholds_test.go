package engine

import (
	"testing"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

func recordedEngine(t *testing.T) *metrics.Engine {
	t.Helper()

	m := metrics.NewEngine()
	t.Cleanup(m.Stop)

	// 100 requests: get_products at 1..90ms, create_product at 300ms.
	for i := 1; i <= 90; i++ {
		m.RecordLatency(time.Duration(i)*time.Millisecond, "get_products", true, 100)
	}
	for i := 0; i < 10; i++ {
		m.RecordLatency(300*time.Millisecond, "create_product", i != 0, 50)
	}
	for i := 0; i < 20; i++ {
		m.RecordIteration(time.Second)
		m.AddRate("errors", i < 1)
		m.RecordCheck("status is 200", i != 0)
	}
	return m
}

func TestEvaluateThresholds(t *testing.T) {
	m := recordedEngine(t)

	tests := []struct {
		key        string
		expr       string
		wantPassed bool
	}{
		{"http_req_duration", "p(95)<500", true},
		{"http_req_duration", "p(95)<100", false},
		{"http_req_duration", "p95<=310ms", true},
		{"http_req_duration", "max<300", false},
		{"http_req_duration", "min>=1", true},
		{"http_req_duration", "med<100", true},
		{"http_req_duration", "avg<100", true},
		{"http_req_duration{name:get_products}", "p(99)<100", true},
		{"http_req_duration{name:create_product}", "p(95)<200", false},
		{"http_req_duration{name:missing}", "p(95)<200", false},
		{"http_req_failed", "rate<=0.01", true},
		{"http_req_failed", "rate<0.01", false},
		{"http_req_failed", "count==1", true},
		{"http_reqs", "count==100", true},
		{"http_reqs", "count>100", false},
		{"iterations", "count==20", true},
		{"iteration_duration", "avg<1500", true},
		{"iteration_duration", "p(90)<500", false},
		{"checks", "rate>0.9", true},
		{"checks", "rate==1", false},
		{"errors", "rate<0.1", true},
		{"errors", "rate<0.01", false},
		{"errors", "count<2", true},
		{"unrecorded_rate", "rate<0.1", true},
	}

	for _, tt := range tests {
		t.Run(tt.key+" "+tt.expr, func(t *testing.T) {
			results := EvaluateThresholds(config.Thresholds{tt.key: {tt.expr}}, m)
			if len(results) != 1 {
				t.Fatalf("expected 1 result, got %d", len(results))
			}
			r := results[0]
			if r.Passed != tt.wantPassed {
				t.Errorf("%s %s: passed = %v, want %v (value %s, message %q)",
					tt.key, tt.expr, r.Passed, tt.wantPassed, r.Value, r.Message)
			}
			if !r.Passed && r.Message == "" {
				t.Error("failed threshold should carry a message")
			}
			if r.Metric != tt.key || r.Expression != tt.expr {
				t.Errorf("result identifies %s %s", r.Metric, r.Expression)
			}
		})
	}
}

func TestEvaluateThresholds_Ordering(t *testing.T) {
	m := recordedEngine(t)

	results := EvaluateThresholds(config.Thresholds{
		"http_req_failed":   {"rate<0.05"},
		"errors":            {"rate<0.1"},
		"http_req_duration": {"p(95)<500", "avg<200"},
	}, m)

	var got []string
	for _, r := range results {
		got = append(got, r.Metric+" "+r.Expression)
	}
	want := []string{
		"errors rate<0.1",
		"http_req_duration p(95)<500",
		"http_req_duration avg<200",
		"http_req_failed rate<0.05",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("result %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEvaluateThresholds_Empty(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	if results := EvaluateThresholds(nil, m); results != nil {
		t.Errorf("expected nil, got %v", results)
	}
}

func TestEvaluateThresholds_InvalidExpression(t *testing.T) {
	m := recordedEngine(t)

	results := EvaluateThresholds(config.Thresholds{"http_req_duration": {"p95 is fast"}}, m)
	if len(results) != 1 || results[0].Passed {
		t.Fatalf("invalid expression should fail: %+v", results)
	}
	if results[0].Message == "" {
		t.Error("expected a parse error message")
	}
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		actual    float64
		op        string
		threshold float64
		want      bool
	}{
		{1, "<", 2, true},
		{2, "<", 2, false},
		{2, "<=", 2, true},
		{3, ">", 2, true},
		{2, ">=", 2, true},
		{2, "==", 2, true},
		{2, "!=", 2, false},
		{2, "~", 2, false},
	}

	for _, tt := range tests {
		if got := compareValues(tt.actual, tt.op, tt.threshold); got != tt.want {
			t.Errorf("compareValues(%v %s %v) = %v, want %v", tt.actual, tt.op, tt.threshold, got, tt.want)
		}
	}
}

func TestFormatMillis(t *testing.T) {
	if got := formatMillis(1500 * time.Microsecond); got != "1.50ms" {
		t.Errorf("formatMillis = %q", got)
	}
}
