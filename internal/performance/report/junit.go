package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance/engine"
)

// JUnitTestSuites represents the root element containing all test suites
type JUnitTestSuites struct {
	XMLName    xml.Name         `xml:"testsuites"`
	Name       string           `xml:"name,attr"`
	Tests      int              `xml:"tests,attr"`
	Failures   int              `xml:"failures,attr"`
	Time       float64          `xml:"time,attr"`
	TestSuites []JUnitTestSuite `xml:"testsuite"`
}

// JUnitTestSuite represents a JUnit test suite
type JUnitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Errors    int             `xml:"errors,attr"`
	Time      float64         `xml:"time,attr"`
	Timestamp string          `xml:"timestamp,attr"`
	TestCases []JUnitTestCase `xml:"testcase"`
	SystemErr string          `xml:"system-err,omitempty"`
}

// JUnitTestCase represents a JUnit test case
type JUnitTestCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Failure   *JUnitFailure `xml:"failure,omitempty"`
}

// JUnitFailure represents a JUnit test failure
type JUnitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

// BuildJUnit maps thresholds and checks to JUnit suites so CI systems can
// show which gates failed. A run error becomes an errored suite entry.
func BuildJUnit(result *engine.TestResult) *JUnitTestSuites {
	seconds := result.Duration.Seconds()
	timestamp := result.StartTime.Format(time.RFC3339)

	thresholds := JUnitTestSuite{
		Name:      result.Name + ".thresholds",
		Time:      seconds,
		Timestamp: timestamp,
		TestCases: []JUnitTestCase{},
	}
	for _, t := range result.Thresholds {
		tc := JUnitTestCase{
			Name:      t.Metric + " " + t.Expression,
			Classname: "thresholds." + t.Metric,
		}
		if !t.Passed {
			tc.Failure = &JUnitFailure{
				Message: t.Message,
				Type:    "ThresholdFailed",
				Content: fmt.Sprintf("actual: %s", t.Value),
			}
			thresholds.Failures++
		}
		thresholds.TestCases = append(thresholds.TestCases, tc)
	}
	thresholds.Tests = len(thresholds.TestCases)
	if result.ErrorMessage != "" {
		thresholds.Errors = 1
		thresholds.SystemErr = result.ErrorMessage
	}

	checks := JUnitTestSuite{
		Name:      result.Name + ".checks",
		Time:      seconds,
		Timestamp: timestamp,
		TestCases: []JUnitTestCase{},
	}
	if result.Metrics != nil {
		for _, c := range result.Metrics.Checks {
			tc := JUnitTestCase{Name: c.Name, Classname: "checks"}
			if c.Fails > 0 {
				tc.Failure = &JUnitFailure{
					Message: fmt.Sprintf("%d of %d failed", c.Fails, c.Passes+c.Fails),
					Type:    "CheckFailed",
				}
				checks.Failures++
			}
			checks.TestCases = append(checks.TestCases, tc)
		}
	}
	checks.Tests = len(checks.TestCases)

	return &JUnitTestSuites{
		Name:       result.Name,
		Tests:      thresholds.Tests + checks.Tests,
		Failures:   thresholds.Failures + checks.Failures,
		Time:       seconds,
		TestSuites: []JUnitTestSuite{thresholds, checks},
	}
}

// WriteJUnit writes the JUnit XML document.
func WriteJUnit(w io.Writer, result *engine.TestResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}
	out, err := xml.MarshalIndent(BuildJUnit(result), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JUnit XML: %w", err)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if _, err := w.Write(append(out, '\n')); err != nil {
		return err
	}
	return nil
}

// GenerateJUnit writes the JUnit XML report to a file.
func GenerateJUnit(result *engine.TestResult, outputPath string) error {
	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create JUnit file: %w", err)
	}
	if err := WriteJUnit(f, result); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
