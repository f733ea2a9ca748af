// Package config provides configuration parsing and validation for load test runs.
package config

import (
	"time"
)

// TestConfig is the root configuration for a load test.
//
// Example YAML:
//
//	name: "Grocery Inventory API"
//	settings:
//	  baseUrl: "http://test_api:8000"
//	  timeout: 30s
//	setup:
//	  requests:
//	    - name: login
//	      method: POST
//	      url: "{{baseUrl}}/users/login"
//	      extract:
//	        - name: token
//	          source: body
//	          path: access_token
//	scenarios:
//	  inventory:
//	    executor: ramping-vus
//	    stages:
//	      - duration: 30s
//	        target: 10
//	    requests:
//	      - name: get_products
//	        method: GET
//	        url: "{{baseUrl}}/products/"
//	        checks:
//	          - name: get products status is 200
//	            type: status
//	            condition: eq
//	            value: "200"
//	thresholds:
//	  http_req_duration: ["p(95)<500"]
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Settings contains global settings for all scenarios
	Settings GlobalSettings `json:"settings,omitempty" yaml:"settings,omitempty"`

	// Variables are global variables available to all scenarios.
	// Values may contain template functions; they are resolved once per run.
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Setup runs once before any scenario starts. Values it extracts are
	// shared read-only with every virtual user.
	Setup *LifecycleConfig `json:"setup,omitempty" yaml:"setup,omitempty"`

	// Teardown runs once after all scenarios finish, with the setup data.
	Teardown *LifecycleConfig `json:"teardown,omitempty" yaml:"teardown,omitempty"`

	// Scenarios defines the load profiles to run
	// Each scenario runs independently with its own executor
	Scenarios map[string]*ScenarioConfig `json:"scenarios" yaml:"scenarios"`

	// Thresholds define pass/fail criteria keyed by metric name,
	// e.g. "http_req_duration": ["p(95)<500"], "errors": ["rate<0.1"].
	// A metric key may carry a request filter: "http_req_duration{name:get_products}".
	Thresholds Thresholds `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Options for test execution
	Options *ExecutionOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

// Thresholds maps a metric key to its threshold expressions.
type Thresholds map[string][]string

// GlobalSettings contains global HTTP and execution settings.
type GlobalSettings struct {
	// BaseURL is the default base URL for all requests
	BaseURL string `json:"baseUrl,omitempty" yaml:"baseUrl,omitempty"`

	// Timeout is the default HTTP request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxConnectionsPerHost limits connections per host
	MaxConnectionsPerHost int `json:"maxConnectionsPerHost,omitempty" yaml:"maxConnectionsPerHost,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// LifecycleConfig describes the one-shot setup or teardown stage.
type LifecycleConfig struct {
	// Requests run in order on a dedicated virtual user.
	Requests []RequestConfig `json:"requests,omitempty" yaml:"requests,omitempty"`

	// Message is logged when the stage completes.
	Message string `json:"message,omitempty" yaml:"message,omitempty"`

	// Timeout bounds the whole stage. Defaults to 60s.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ScenarioConfig defines a single load testing scenario.
type ScenarioConfig struct {
	// Executor specifies the load generation strategy
	// Options: "constant-vus", "ramping-vus", "per-vu-iterations", "constant-arrival-rate"
	Executor string `json:"executor" yaml:"executor"`

	// VUs is the number of virtual users (for VU-based executors)
	VUs int `json:"vus,omitempty" yaml:"vus,omitempty"`

	// Duration is how long to run (e.g., "30s", "2m", "1h")
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Iterations is the per-VU iteration count (for per-vu-iterations)
	Iterations int64 `json:"iterations,omitempty" yaml:"iterations,omitempty"`

	// Rate is iterations per TimeUnit (for constant-arrival-rate)
	Rate float64 `json:"rate,omitempty" yaml:"rate,omitempty"`

	// TimeUnit is the period Rate refers to. Defaults to 1s.
	TimeUnit string `json:"timeUnit,omitempty" yaml:"timeUnit,omitempty"`

	// PreAllocatedVUs is the number of VUs to pre-allocate (for arrival-rate executors)
	PreAllocatedVUs int `json:"preAllocatedVUs,omitempty" yaml:"preAllocatedVUs,omitempty"`

	// MaxVUs is the maximum number of VUs to scale up to (for arrival-rate executors)
	MaxVUs int `json:"maxVUs,omitempty" yaml:"maxVUs,omitempty"`

	// Stages defines ramping stages (for ramping executors)
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// Requests defines the HTTP requests one iteration executes
	Requests []RequestConfig `json:"requests" yaml:"requests"`

	// GracefulStop is how long to wait for iterations to finish
	GracefulStop string `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Pacing controls time between iterations
	Pacing *PacingConfig `json:"pacing,omitempty" yaml:"pacing,omitempty"`

	// StartTime specifies when this scenario should start (relative to test start)
	StartTime string `json:"startTime,omitempty" yaml:"startTime,omitempty"`

	// Tags are extra variables exposed to this scenario's requests
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Headers are sent with every request of the scenario, over settings.headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StageConfig defines a single stage in a ramping executor.
type StageConfig struct {
	// Duration of this stage (e.g., "30s", "2m")
	Duration string `json:"duration" yaml:"duration"`

	// Target VU count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// Name is an optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// RequestConfig defines a single HTTP request.
type RequestConfig struct {
	// Name for this request (used in metrics and per-request thresholds)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (GET, POST, PUT, DELETE, etc.)
	Method string `json:"method" yaml:"method"`

	// URL is the request URL (supports variable substitution)
	URL string `json:"url" yaml:"url"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is the request body (supports variable substitution)
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// Timeout is request-specific timeout (overrides global)
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// ThinkTime is the wait time after this request
	ThinkTime string `json:"thinkTime,omitempty" yaml:"thinkTime,omitempty"`

	// Extract defines variable extraction from response
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`

	// Checks validate the response; outcomes are counted, never fatal
	Checks []CheckConfig `json:"checks,omitempty" yaml:"checks,omitempty"`

	// ErrorRate names a custom rate metric fed by this request's outcome.
	// A request fails when it errors or any of its checks fail.
	ErrorRate string `json:"errorRate,omitempty" yaml:"errorRate,omitempty"`

	// ErrorRateMode selects which outcomes ErrorRate samples:
	// "failures" (default) adds a 1 per failure and nothing on success,
	// "all" adds a 0 or 1 per execution so the rate is a failure ratio.
	ErrorRateMode string `json:"errorRateMode,omitempty" yaml:"errorRateMode,omitempty"`
}

// Error rate modes.
const (
	ErrorRateFailures = "failures"
	ErrorRateAll      = "all"
)

// PacingConfig controls pacing between iterations.
type PacingConfig struct {
	// Type is the pacing strategy: "none", "constant", "random"
	Type string `json:"type" yaml:"type"`

	// Duration is the wait time for constant pacing
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`

	// Min is the minimum wait time for random pacing
	Min string `json:"min,omitempty" yaml:"min,omitempty"`

	// Max is the maximum wait time for random pacing
	Max string `json:"max,omitempty" yaml:"max,omitempty"`
}

// ExtractConfig defines how to extract variables from a response.
type ExtractConfig struct {
	// Name of the variable to store
	Name string `json:"name" yaml:"name"`

	// Source is where to extract from: "body", "header", "status", "jwt"
	Source string `json:"source" yaml:"source"`

	// Path is the header name, or a gjson path into the body.
	// For "jwt" it locates the token in the body.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Claim is the JWT claim to read (source "jwt" only)
	Claim string `json:"claim,omitempty" yaml:"claim,omitempty"`

	// Regex is an optional pattern; the first capture group wins
	Regex string `json:"regex,omitempty" yaml:"regex,omitempty"`
}

// CheckConfig defines a named response check.
type CheckConfig struct {
	// Name is how the check is reported, e.g. "get products status is 200"
	Name string `json:"name" yaml:"name"`

	// Type is what the check inspects: "status", "duration", "body", "json", "header", "schema"
	Type string `json:"type" yaml:"type"`

	// Condition is the comparison: "eq", "ne", "gt", "gte", "lt", "lte", "contains", "matches", "exists"
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// Value is the expected value (supports variable substitution).
	// For "schema" it holds the JSON Schema document.
	Value string `json:"value,omitempty" yaml:"value,omitempty"`

	// Path is a gjson path for "json" checks, a header name for "header" checks
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// ExecutionOptions controls test execution behavior.
type ExecutionOptions struct {
	// Sequential runs scenarios one-by-one instead of parallel
	Sequential bool `json:"sequential,omitempty" yaml:"sequential,omitempty"`

	// NoVUConnectionReuse gives every VU its own HTTP client
	NoVUConnectionReuse bool `json:"noVUConnectionReuse,omitempty" yaml:"noVUConnectionReuse,omitempty"`

	// DiscardResponseBodies skips buffering bodies when no check or extract needs them
	DiscardResponseBodies bool `json:"discardResponseBodies,omitempty" yaml:"discardResponseBodies,omitempty"`
}

// Duration is a time.Duration that can be unmarshaled from JSON/YAML strings.
type Duration time.Duration

// GetDuration returns the duration or a default if empty.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}

	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	if s == "" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
