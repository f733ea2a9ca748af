package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors struct {
	Errors []*ValidationError
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 0 {
		return "no validation errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (e *ValidationErrors) Add(field, message string) {
	e.Errors = append(e.Errors, &ValidationError{Field: field, Message: message})
}

// HasErrors returns true if there are any errors.
func (e *ValidationErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

// Built-in metric names that thresholds may reference.
const (
	MetricHTTPReqDuration   = "http_req_duration"
	MetricHTTPReqFailed     = "http_req_failed"
	MetricHTTPReqs          = "http_reqs"
	MetricIterations        = "iterations"
	MetricIterationDuration = "iteration_duration"
	MetricChecks            = "checks"
)

var (
	validExecutors = map[string]bool{
		"constant-vus":          true,
		"ramping-vus":           true,
		"per-vu-iterations":     true,
		"constant-arrival-rate": true,
	}

	validMethods = map[string]bool{
		"GET": true, "POST": true, "PUT": true, "DELETE": true,
		"PATCH": true, "HEAD": true, "OPTIONS": true,
	}

	validSources = map[string]bool{
		"body": true, "header": true, "status": true, "jwt": true,
	}

	validCheckTypes = map[string]bool{
		"status": true, "duration": true, "body": true,
		"json": true, "header": true, "schema": true,
	}

	validConditions = map[string]bool{
		"eq": true, "ne": true, "gt": true, "lt": true,
		"gte": true, "lte": true, "contains": true, "matches": true,
		"exists": true,
	}

	// aggregations each built-in metric supports; custom rates use rateAggs.
	trendAggs   = map[string]bool{"avg": true, "min": true, "max": true, "med": true, "p": true}
	rateAggs    = map[string]bool{"rate": true, "count": true}
	counterAggs = map[string]bool{"count": true, "rate": true}

	metricAggs = map[string]map[string]bool{
		MetricHTTPReqDuration:   trendAggs,
		MetricIterationDuration: trendAggs,
		MetricHTTPReqFailed:     rateAggs,
		MetricChecks:            rateAggs,
		MetricHTTPReqs:          counterAggs,
		MetricIterations:        counterAggs,
	}

	placeholderRe = regexp.MustCompile(`\{\{[^}]*\}\}`)
)

// Validate validates the entire test configuration.
//
// Returns nil if valid, or a *ValidationErrors containing all validation errors.
func (c *TestConfig) Validate() error {
	errs := &ValidationErrors{}

	if len(c.Scenarios) == 0 {
		errs.Add("scenarios", "at least one scenario is required")
	}

	for name, scenario := range c.Scenarios {
		if scenario == nil {
			errs.Add("scenarios."+name, "scenario is empty")
			continue
		}
		validateScenario(name, scenario, errs)
	}

	if c.Setup != nil {
		validateLifecycle("setup", c.Setup, errs)
	}
	if c.Teardown != nil {
		validateLifecycle("teardown", c.Teardown, errs)
	}

	validateThresholds(c.Thresholds, c.RateMetrics(), errs)
	validateSettings(&c.Settings, errs)

	if errs.HasErrors() {
		return errs
	}
	return nil
}

// RateMetrics returns the custom rate metric names declared by requests.
func (c *TestConfig) RateMetrics() map[string]bool {
	names := make(map[string]bool)
	collect := func(reqs []RequestConfig) {
		for _, r := range reqs {
			if r.ErrorRate != "" {
				names[r.ErrorRate] = true
			}
		}
	}
	for _, sc := range c.Scenarios {
		if sc != nil {
			collect(sc.Requests)
		}
	}
	if c.Setup != nil {
		collect(c.Setup.Requests)
	}
	if c.Teardown != nil {
		collect(c.Teardown.Requests)
	}
	return names
}

func validateLifecycle(prefix string, lc *LifecycleConfig, errs *ValidationErrors) {
	if lc.Timeout != "" {
		if _, err := ParseDurationString(lc.Timeout); err != nil {
			errs.Add(prefix+".timeout", fmt.Sprintf("invalid timeout: %v", err))
		}
	}
	for i := range lc.Requests {
		validateRequest(fmt.Sprintf("%s.requests[%d]", prefix, i), &lc.Requests[i], errs)
	}
}

// validateScenario validates a single scenario configuration.
func validateScenario(name string, sc *ScenarioConfig, errs *ValidationErrors) {
	prefix := fmt.Sprintf("scenarios.%s", name)

	if sc.Executor == "" {
		errs.Add(prefix+".executor", "executor type is required")
	} else if !validExecutors[sc.Executor] {
		errs.Add(prefix+".executor", fmt.Sprintf("unknown executor type: %s", sc.Executor))
	}

	switch sc.Executor {
	case "constant-vus":
		validateConstantVUs(prefix, sc, errs)
	case "ramping-vus":
		validateRampingVUs(prefix, sc, errs)
	case "per-vu-iterations":
		validatePerVUIterations(prefix, sc, errs)
	case "constant-arrival-rate":
		validateConstantArrivalRate(prefix, sc, errs)
	}

	if len(sc.Requests) == 0 {
		errs.Add(prefix+".requests", "at least one request is required")
	}

	for i := range sc.Requests {
		validateRequest(fmt.Sprintf("%s.requests[%d]", prefix, i), &sc.Requests[i], errs)
	}

	if sc.Pacing != nil {
		validatePacing(prefix+".pacing", sc.Pacing, errs)
	}

	for i := range sc.Stages {
		validateStage(fmt.Sprintf("%s.stages[%d]", prefix, i), &sc.Stages[i], errs)
	}

	for field, value := range map[string]string{
		"gracefulStop": sc.GracefulStop,
		"startTime":    sc.StartTime,
	} {
		if value == "" {
			continue
		}
		if _, err := ParseDurationString(value); err != nil {
			errs.Add(prefix+"."+field, fmt.Sprintf("invalid %s: %v", field, err))
		}
	}
}

func validateDurationField(prefix, executor string, value string, errs *ValidationErrors) {
	if value == "" {
		errs.Add(prefix+".duration", fmt.Sprintf("duration is required for %s executor", executor))
		return
	}
	if d, err := ParseDurationString(value); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	} else if d <= 0 {
		errs.Add(prefix+".duration", "duration must be greater than 0")
	}
}

func validateConstantVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs <= 0 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}
	validateDurationField(prefix, sc.Executor, sc.Duration, errs)
}

func validateRampingVUs(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if len(sc.Stages) == 0 {
		errs.Add(prefix+".stages", "at least one stage is required for ramping-vus executor")
	}
	if sc.VUs < 0 {
		errs.Add(prefix+".vus", "start vus cannot be negative")
	}
}

func validatePerVUIterations(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.VUs <= 0 {
		errs.Add(prefix+".vus", "vus must be greater than 0")
	}
	if sc.Iterations <= 0 {
		errs.Add(prefix+".iterations", "iterations must be greater than 0")
	}
	if sc.Duration != "" {
		if _, err := ParseDurationString(sc.Duration); err != nil {
			errs.Add(prefix+".duration", fmt.Sprintf("invalid maxDuration: %v", err))
		}
	}
}

func validateConstantArrivalRate(prefix string, sc *ScenarioConfig, errs *ValidationErrors) {
	if sc.Rate <= 0 {
		errs.Add(prefix+".rate", "rate must be greater than 0")
	}

	validateDurationField(prefix, sc.Executor, sc.Duration, errs)

	if sc.TimeUnit != "" {
		if d, err := ParseDurationString(sc.TimeUnit); err != nil || d <= 0 {
			errs.Add(prefix+".timeUnit", "timeUnit must be a positive duration")
		}
	}

	if sc.PreAllocatedVUs < 0 {
		errs.Add(prefix+".preAllocatedVUs", "preAllocatedVUs cannot be negative")
	}

	if sc.MaxVUs > 0 && sc.PreAllocatedVUs > sc.MaxVUs {
		errs.Add(prefix+".preAllocatedVUs", "preAllocatedVUs cannot be greater than maxVUs")
	}
}

// validateRequest validates a single request configuration.
func validateRequest(prefix string, req *RequestConfig, errs *ValidationErrors) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		errs.Add(prefix+".method", "method is required")
	} else if !validMethods[method] {
		errs.Add(prefix+".method", fmt.Sprintf("invalid HTTP method: %s", req.Method))
	}

	if req.URL == "" {
		errs.Add(prefix+".url", "url is required")
	} else {
		// Placeholders are resolved at run time; check the rest of the URL.
		urlToCheck := strings.Replace(req.URL, "{{baseUrl}}", "http://example.com", 1)
		urlToCheck = placeholderRe.ReplaceAllString(urlToCheck, "placeholder")
		if _, err := url.Parse(urlToCheck); err != nil {
			errs.Add(prefix+".url", fmt.Sprintf("invalid URL: %v", err))
		}
	}

	if req.Timeout != "" {
		if _, err := ParseDurationString(req.Timeout); err != nil {
			errs.Add(prefix+".timeout", fmt.Sprintf("invalid timeout: %v", err))
		}
	}

	if req.ThinkTime != "" {
		if _, err := ParseDurationString(req.ThinkTime); err != nil {
			errs.Add(prefix+".thinkTime", fmt.Sprintf("invalid thinkTime: %v", err))
		}
	}

	if req.ErrorRate != "" {
		if _, known := metricAggs[req.ErrorRate]; known {
			errs.Add(prefix+".errorRate", fmt.Sprintf("%s is a built-in metric", req.ErrorRate))
		}
	}
	switch req.ErrorRateMode {
	case "", ErrorRateFailures, ErrorRateAll:
	default:
		errs.Add(prefix+".errorRateMode", fmt.Sprintf("unknown errorRateMode %q (want failures or all)", req.ErrorRateMode))
	}

	for i := range req.Extract {
		validateExtract(fmt.Sprintf("%s.extract[%d]", prefix, i), &req.Extract[i], errs)
	}

	for i := range req.Checks {
		validateCheck(fmt.Sprintf("%s.checks[%d]", prefix, i), &req.Checks[i], errs)
	}
}

// validatePacing validates pacing configuration.
func validatePacing(prefix string, pacing *PacingConfig, errs *ValidationErrors) {
	validTypes := map[string]bool{
		"none": true, "constant": true, "random": true,
	}

	if !validTypes[pacing.Type] {
		errs.Add(prefix+".type", fmt.Sprintf("invalid pacing type: %s", pacing.Type))
	}

	switch pacing.Type {
	case "constant":
		if pacing.Duration == "" {
			errs.Add(prefix+".duration", "duration is required for constant pacing")
		} else if _, err := ParseDurationString(pacing.Duration); err != nil {
			errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
		}

	case "random":
		minDur, minErr := ParseDurationString(pacing.Min)
		maxDur, maxErr := ParseDurationString(pacing.Max)

		if pacing.Min == "" {
			errs.Add(prefix+".min", "min is required for random pacing")
		} else if minErr != nil {
			errs.Add(prefix+".min", fmt.Sprintf("invalid min: %v", minErr))
		}

		if pacing.Max == "" {
			errs.Add(prefix+".max", "max is required for random pacing")
		} else if maxErr != nil {
			errs.Add(prefix+".max", fmt.Sprintf("invalid max: %v", maxErr))
		}

		if minErr == nil && maxErr == nil && minDur > maxDur {
			errs.Add(prefix, "min must be less than or equal to max")
		}
	}
}

// validateStage validates a single stage configuration.
func validateStage(prefix string, stage *StageConfig, errs *ValidationErrors) {
	if stage.Duration == "" {
		errs.Add(prefix+".duration", "duration is required")
	} else if _, err := ParseDurationString(stage.Duration); err != nil {
		errs.Add(prefix+".duration", fmt.Sprintf("invalid duration: %v", err))
	}

	if stage.Target < 0 {
		errs.Add(prefix+".target", "target cannot be negative")
	}
}

// validateExtract validates an extract configuration.
func validateExtract(prefix string, extract *ExtractConfig, errs *ValidationErrors) {
	if extract.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	if extract.Source == "" {
		errs.Add(prefix+".source", "source is required")
	} else if !validSources[extract.Source] {
		errs.Add(prefix+".source", fmt.Sprintf("invalid source: %s", extract.Source))
	}

	switch extract.Source {
	case "header", "jwt":
		if extract.Path == "" {
			errs.Add(prefix+".path", fmt.Sprintf("path is required for %s extraction", extract.Source))
		}
	}
	if extract.Source == "jwt" && extract.Claim == "" {
		errs.Add(prefix+".claim", "claim is required for jwt extraction")
	}

	if extract.Regex != "" {
		if _, err := regexp.Compile(extract.Regex); err != nil {
			errs.Add(prefix+".regex", fmt.Sprintf("invalid regex: %v", err))
		}
	}
}

// validateCheck validates a check configuration.
func validateCheck(prefix string, check *CheckConfig, errs *ValidationErrors) {
	if check.Name == "" {
		errs.Add(prefix+".name", "name is required")
	}

	if check.Type == "" {
		errs.Add(prefix+".type", "type is required")
	} else if !validCheckTypes[check.Type] {
		errs.Add(prefix+".type", fmt.Sprintf("invalid check type: %s", check.Type))
	}

	if check.Type == "schema" {
		if !json.Valid([]byte(check.Value)) {
			errs.Add(prefix+".value", "schema must be a JSON document")
		}
		return
	}

	if check.Condition == "" {
		errs.Add(prefix+".condition", "condition is required")
	} else if !validConditions[check.Condition] {
		errs.Add(prefix+".condition", fmt.Sprintf("invalid condition: %s", check.Condition))
	}

	switch check.Type {
	case "json", "header":
		if check.Path == "" {
			errs.Add(prefix+".path", fmt.Sprintf("path is required for %s checks", check.Type))
		}
	case "duration":
		if _, err := ParseMillis(check.Value); err != nil {
			errs.Add(prefix+".value", err.Error())
		}
	}

	if check.Condition == "matches" {
		if _, err := regexp.Compile(check.Value); err != nil {
			errs.Add(prefix+".value", fmt.Sprintf("invalid regex: %v", err))
		}
	}
}

// validateThresholds validates threshold keys and expressions.
func validateThresholds(t Thresholds, rates map[string]bool, errs *ValidationErrors) {
	for key, exprs := range t {
		field := "thresholds." + key

		tk, err := ParseThresholdKey(key)
		if err != nil {
			errs.Add(field, err.Error())
			continue
		}

		aggs, builtin := metricAggs[tk.Metric]
		if !builtin {
			if !rates[tk.Metric] {
				errs.Add(field, fmt.Sprintf("unknown metric %q", tk.Metric))
				continue
			}
			aggs = rateAggs
		}

		for tag := range tk.Tags {
			if tag != "name" {
				errs.Add(field, fmt.Sprintf("unsupported tag filter %q", tag))
			}
		}
		if len(tk.Tags) > 0 && tk.Metric != MetricHTTPReqDuration {
			errs.Add(field, "tag filters are only supported on "+MetricHTTPReqDuration)
		}

		if len(exprs) == 0 {
			errs.Add(field, "at least one threshold expression is required")
		}

		for i, expr := range exprs {
			te, err := ParseThresholdExpression(expr)
			if err != nil {
				errs.Add(fmt.Sprintf("%s[%d]", field, i), err.Error())
				continue
			}
			if !aggs[te.Aggregation] {
				errs.Add(fmt.Sprintf("%s[%d]", field, i),
					fmt.Sprintf("aggregation %q is not supported for %s", te.Aggregation, tk.Metric))
			}
		}
	}
}

// validateSettings validates global settings.
func validateSettings(s *GlobalSettings, errs *ValidationErrors) {
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil {
			errs.Add("settings.baseUrl", fmt.Sprintf("invalid URL: %v", err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs.Add("settings.baseUrl", "scheme must be http or https")
		}
	}

	if s.MaxConnectionsPerHost < 0 {
		errs.Add("settings.maxConnectionsPerHost", "cannot be negative")
	}
	if s.MaxIdleConnsPerHost < 0 {
		errs.Add("settings.maxIdleConnsPerHost", "cannot be negative")
	}
}
