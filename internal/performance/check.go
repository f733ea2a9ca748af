package performance

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/pkg/jsonpath"
	"github.com/grocery-inventory/grocery-load/pkg/jsonschema"
)

// Check is a compiled response check.
type Check struct {
	Name      string
	Type      string
	Condition string
	Path      string
	// Expected may contain placeholders; it is resolved per evaluation.
	Expected string

	re     *regexp.Regexp
	schema *jsonschema.Schema
}

// CheckOutcome is the result of evaluating one check.
type CheckOutcome struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Actual  string `json:"actual,omitempty"`
	Message string `json:"message,omitempty"`
}

// NewCheck compiles a check configuration.
func NewCheck(cfg config.CheckConfig) (*Check, error) {
	c := &Check{
		Name:      cfg.Name,
		Type:      cfg.Type,
		Condition: cfg.Condition,
		Path:      cfg.Path,
		Expected:  cfg.Value,
	}

	switch {
	case cfg.Type == "schema":
		schema, err := jsonschema.Compile(cfg.Value)
		if err != nil {
			return nil, fmt.Errorf("check %q: %w", cfg.Name, err)
		}
		c.schema = schema
	case cfg.Condition == "matches" && !strings.Contains(cfg.Value, "{{"):
		re, err := regexp.Compile(cfg.Value)
		if err != nil {
			return nil, fmt.Errorf("check %q: invalid regex: %w", cfg.Name, err)
		}
		c.re = re
	}

	if cfg.Type == "duration" {
		if _, err := config.ParseMillis(cfg.Value); err != nil {
			return nil, fmt.Errorf("check %q: %w", cfg.Name, err)
		}
	}

	return c, nil
}

// Evaluate runs the check against a request result. resolve expands
// placeholders in the expected value; nil leaves it as written.
func (c *Check) Evaluate(res *RequestResult, resolve func(string) string) CheckOutcome {
	out := CheckOutcome{Name: c.Name}

	if c.Type == "schema" {
		if res.Error != nil {
			out.Message = res.Error.Error()
			return out
		}
		if errs := c.schema.Validate(res.ResponseBody); len(errs) > 0 {
			out.Message = errs.Error()
			return out
		}
		out.Passed = true
		return out
	}

	expected := c.Expected
	if resolve != nil {
		expected = resolve(expected)
	}

	if c.Type == "duration" {
		limit, err := config.ParseMillis(expected)
		if err != nil {
			out.Message = err.Error()
			return out
		}
		out.Actual = res.Duration.String()
		out.Passed = compareDurations(res.Duration, c.Condition, limit)
		if !out.Passed {
			out.Message = fmt.Sprintf("duration %s not %s %s", res.Duration, c.Condition, limit)
		}
		return out
	}

	actual, exists := c.actual(res)
	out.Actual = actual

	if c.Condition == "exists" {
		out.Passed = exists
		if !exists {
			out.Message = fmt.Sprintf("%s %q not found", c.Type, c.Path)
		}
		return out
	}

	if !exists {
		out.Message = fmt.Sprintf("%s %q not found", c.Type, c.Path)
		return out
	}

	passed, err := c.compare(actual, expected)
	if err != nil {
		out.Message = err.Error()
		return out
	}
	out.Passed = passed
	if !passed {
		out.Message = fmt.Sprintf("expected %s %s %q, got %q", c.Type, c.Condition, expected, truncate(actual, 120))
	}
	return out
}

// actual returns the inspected value and whether it is present.
func (c *Check) actual(res *RequestResult) (string, bool) {
	switch c.Type {
	case "status":
		if res.StatusCode == 0 {
			return "", false
		}
		return strconv.Itoa(res.StatusCode), true
	case "body":
		return string(res.ResponseBody), res.Error == nil
	case "json":
		return jsonpath.Lookup(res.ResponseBody, c.Path)
	case "header":
		values := res.Headers.Values(c.Path)
		if len(values) == 0 {
			return "", false
		}
		return values[0], true
	}
	return "", false
}

func (c *Check) compare(actual, expected string) (bool, error) {
	switch c.Condition {
	case "eq":
		return actual == expected, nil
	case "ne":
		return actual != expected, nil
	case "contains":
		return strings.Contains(actual, expected), nil
	case "matches":
		re := c.re
		if re == nil {
			var err error
			if re, err = regexp.Compile(expected); err != nil {
				return false, fmt.Errorf("invalid regex: %w", err)
			}
		}
		return re.MatchString(actual), nil
	case "gt", "gte", "lt", "lte":
		a, err := strconv.ParseFloat(strings.TrimSpace(actual), 64)
		if err != nil {
			return false, fmt.Errorf("actual value %q is not numeric", truncate(actual, 40))
		}
		e, err := strconv.ParseFloat(strings.TrimSpace(expected), 64)
		if err != nil {
			return false, fmt.Errorf("expected value %q is not numeric", expected)
		}
		return compareFloats(a, c.Condition, e), nil
	}
	return false, fmt.Errorf("unknown condition %q", c.Condition)
}

func compareFloats(a float64, cond string, b float64) bool {
	switch cond {
	case "eq":
		return a == b
	case "ne":
		return a != b
	case "gt":
		return a > b
	case "gte":
		return a >= b
	case "lt":
		return a < b
	case "lte":
		return a <= b
	}
	return false
}

func compareDurations(a time.Duration, cond string, b time.Duration) bool {
	return compareFloats(float64(a), cond, float64(b))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
