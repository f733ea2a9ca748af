package report

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
)

func TestBuildJUnit(t *testing.T) {
	result := createSampleTestResult()
	result.Thresholds[1].Passed = false
	result.Thresholds[1].Message = "rate is 0.0100, threshold: < 0.005"

	suites := BuildJUnit(result)

	if len(suites.TestSuites) != 2 {
		t.Fatalf("expected 2 suites, got %d", len(suites.TestSuites))
	}
	th := suites.TestSuites[0]
	if th.Name != "grocery-baseline.thresholds" || th.Tests != 2 || th.Failures != 1 {
		t.Errorf("threshold suite = %+v", th)
	}
	if th.TestCases[1].Failure == nil || th.TestCases[1].Failure.Type != "ThresholdFailed" {
		t.Errorf("expected a threshold failure, got %+v", th.TestCases[1])
	}

	ch := suites.TestSuites[1]
	if ch.Tests != 2 || ch.Failures != 1 {
		t.Errorf("check suite = %+v", ch)
	}
	if ch.TestCases[1].Failure.Message != "5 of 200 failed" {
		t.Errorf("check failure message = %q", ch.TestCases[1].Failure.Message)
	}

	if suites.Tests != 4 || suites.Failures != 2 {
		t.Errorf("totals = %d tests, %d failures", suites.Tests, suites.Failures)
	}
}

func TestWriteJUnit(t *testing.T) {
	result := createSampleTestResult()
	result.ErrorMessage = "scenario grocery failed"

	var buf bytes.Buffer
	if err := WriteJUnit(&buf, result); err != nil {
		t.Fatalf("WriteJUnit: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "<?xml") {
		t.Error("missing XML header")
	}

	var parsed JUnitTestSuites
	if err := xml.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid XML: %v", err)
	}
	if parsed.TestSuites[0].Errors != 1 || parsed.TestSuites[0].SystemErr != "scenario grocery failed" {
		t.Errorf("run error not reported: %+v", parsed.TestSuites[0])
	}

	if err := WriteJUnit(&buf, nil); err == nil {
		t.Error("expected error for nil result")
	}
}

func TestGenerateJSON(t *testing.T) {
	result := createSampleTestResult()
	path := filepath.Join(t.TempDir(), "result.json")

	if err := GenerateJSON(result, path); err != nil {
		t.Fatalf("GenerateJSON: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["name"] != "grocery-baseline" || decoded["passed"] != true {
		t.Errorf("unexpected JSON head: name=%v passed=%v", decoded["name"], decoded["passed"])
	}
	if _, ok := decoded["thresholds"].([]any); !ok {
		t.Error("thresholds missing from JSON")
	}
	if _, ok := decoded["error"]; ok {
		t.Error("empty error should be omitted")
	}
}

func TestWriteJSON_Nil(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteJSON(&buf, (*engine.TestResult)(nil)); err == nil {
		t.Error("expected error for nil result")
	}
}
