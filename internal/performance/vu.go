// Package performance runs virtual users against an HTTP API.
package performance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
	"github.com/grocery-inventory/grocery-load/pkg/jsonpath"
)

// VUState represents the lifecycle state of a Virtual User.
type VUState int32

const (
	// VUStateIdle indicates the VU is ready but not currently running.
	VUStateIdle VUState = iota
	// VUStateRunning indicates the VU is actively running iterations.
	VUStateRunning
	// VUStateStopping indicates the VU has been requested to stop.
	VUStateStopping
	// VUStateStopped indicates the VU has fully stopped.
	VUStateStopped
)

func (s VUState) String() string {
	switch s {
	case VUStateIdle:
		return "idle"
	case VUStateRunning:
		return "running"
	case VUStateStopping:
		return "stopping"
	case VUStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// VirtualUser represents a single simulated user executing test iterations.
//
// Each VU has its own variable scope and iteration counter. Values
// extracted from responses stay in that scope for the VU's lifetime, so
// a token pulled out of one request is visible to every later request.
type VirtualUser struct {
	// Unique identifier for this VU
	ID int

	// Scenario defines what requests to execute
	Scenario *Scenario

	// HTTP client for this VU (may be shared or per-VU)
	HTTPClient *http.Client

	// Metrics engine for recording results
	Metrics *metrics.Engine

	// DiscardBodies drops response bodies that no check or extraction reads.
	DiscardBodies bool

	// Lifecycle state (atomic for lock-free reads)
	state atomic.Int32

	stopCh chan struct{}
	doneCh chan struct{}

	iteration atomic.Int64

	// Per-VU variable scope
	data   map[string]string
	dataMu sync.RWMutex
}

// NewVirtualUser creates a new Virtual User.
func NewVirtualUser(id int, scenario *Scenario, httpClient *http.Client, metricsEngine *metrics.Engine) *VirtualUser {
	return &VirtualUser{
		ID:         id,
		Scenario:   scenario,
		HTTPClient: httpClient,
		Metrics:    metricsEngine,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		data:       make(map[string]string),
	}
}

// GetState returns the current VU state.
func (vu *VirtualUser) GetState() VUState {
	return VUState(vu.state.Load())
}

// GetIteration returns the current iteration number.
func (vu *VirtualUser) GetIteration() int64 {
	return vu.iteration.Load()
}

// RunIteration executes a single iteration of the scenario.
//
// Every request is followed by its think time, including the last one.
// The iteration is recorded only when all requests ran.
func (vu *VirtualUser) RunIteration(ctx context.Context) error {
	currentState := vu.GetState()
	if currentState == VUStateStopping || currentState == VUStateStopped {
		return fmt.Errorf("VU %d is stopping or stopped", vu.ID)
	}

	vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateRunning))
	start := time.Now()
	vu.iteration.Add(1)

	for _, req := range vu.Scenario.Requests {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-vu.stopCh:
			return nil
		default:
		}

		vu.Execute(ctx, req)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if req.ThinkTime > 0 {
			if !vu.applyThinkTime(ctx, req.ThinkTime) {
				return ctx.Err()
			}
		}
	}

	vu.Metrics.RecordIteration(time.Since(start))
	vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateIdle))
	return nil
}

// Execute sends one request, then runs its extractions and checks and
// records the outcome.
func (vu *VirtualUser) Execute(ctx context.Context, req *Request) *RequestResult {
	result := vu.executeRequest(ctx, req)

	success := result.Error == nil && result.StatusCode < 400
	vu.Metrics.RecordLatency(result.Duration, req.Name, success, result.BytesReceived)

	if result.Error == nil && len(req.Extract) > 0 {
		vu.extractVariables(req.Extract, result)
	}

	anyFailed := result.Error != nil
	for _, check := range req.Checks {
		outcome := check.Evaluate(result, vu.resolve)
		vu.Metrics.RecordCheck(outcome.Name, outcome.Passed)
		if !outcome.Passed {
			anyFailed = true
		}
		result.Checks = append(result.Checks, outcome)
	}
	if req.ErrorRate != "" && (anyFailed || req.SampleSuccess) {
		vu.Metrics.AddRate(req.ErrorRate, anyFailed)
	}

	return result
}

// executeRequest executes a single HTTP request and returns the result.
func (vu *VirtualUser) executeRequest(ctx context.Context, req *Request) *RequestResult {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	startTime := time.Now()
	result := &RequestResult{
		VUID:        vu.ID,
		Iteration:   vu.iteration.Load(),
		RequestName: req.Name,
		StartTime:   startTime,
	}

	trace := newRequestTrace(startTime)
	httpReq, err := vu.buildRequest(trace.withContext(ctx), req)
	if err != nil {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(startTime)
		result.Error = fmt.Errorf("failed to build request: %w", err)
		return result
	}
	result.URL = httpReq.URL.String()

	resp, err := vu.HTTPClient.Do(httpReq)
	if err != nil {
		result.EndTime = time.Now()
		result.Timings, result.Duration = trace.finish(result.EndTime)
		result.Error = err
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Headers = resp.Header

	if vu.DiscardBodies && !req.needsBody() {
		n, err := io.Copy(io.Discard, resp.Body)
		result.BytesReceived = n
		if err != nil {
			result.Error = fmt.Errorf("failed to read response body: %w", err)
		}
	} else {
		body, err := io.ReadAll(resp.Body)
		result.BytesReceived = int64(len(body))
		result.ResponseBody = body
		if err != nil {
			result.Error = fmt.Errorf("failed to read response body: %w", err)
		}
	}

	result.EndTime = time.Now()
	result.Timings, result.Duration = trace.finish(result.EndTime)
	return result
}

// buildRequest builds an HTTP request from the configuration.
func (vu *VirtualUser) buildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	url := vu.resolve(req.URL)

	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(vu.resolve(req.Body))
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, err
	}

	for key, value := range vu.Scenario.Headers {
		httpReq.Header.Set(key, vu.resolve(value))
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, vu.resolve(value))
	}

	return httpReq, nil
}

// lookup resolves a variable: VU data first, then data shared from the
// setup stage, then scenario variables.
func (vu *VirtualUser) lookup(name string) (string, bool) {
	vu.dataMu.RLock()
	v, ok := vu.data[name]
	vu.dataMu.RUnlock()
	if ok {
		return v, true
	}
	if vu.Scenario == nil {
		return "", false
	}
	if v, ok := vu.Scenario.Shared()[name]; ok {
		return v, true
	}
	v, ok = vu.Scenario.Variables[name]
	return v, ok
}

func (vu *VirtualUser) resolve(input string) string {
	return Resolve(input, vu.lookup)
}

// extractVariables pulls values out of the response into VU data.
// Extractions that find nothing leave the variable untouched.
func (vu *VirtualUser) extractVariables(extracts []*Extractor, result *RequestResult) {
	for _, ex := range extracts {
		if value, ok := ex.Extract(result); ok {
			vu.SetData(ex.Name, value)
		}
	}
}

// applyThinkTime waits for d. It returns false if the context ended.
func (vu *VirtualUser) applyThinkTime(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-vu.stopCh:
		return true
	case <-timer.C:
		return true
	}
}

// RequestStop signals the VU to stop after completing the current iteration.
func (vu *VirtualUser) RequestStop() {
	if vu.state.CompareAndSwap(int32(VUStateRunning), int32(VUStateStopping)) ||
		vu.state.CompareAndSwap(int32(VUStateIdle), int32(VUStateStopping)) {
		close(vu.stopCh)
	}
}

// WaitForStop waits for the VU to stop with a timeout.
//
// Returns true if the VU stopped within the timeout, false otherwise.
func (vu *VirtualUser) WaitForStop(timeout time.Duration) bool {
	select {
	case <-vu.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}

// MarkStopped marks the VU as fully stopped.
// Should be called by the scheduler when the VU goroutine exits.
func (vu *VirtualUser) MarkStopped() {
	prev := VUState(vu.state.Swap(int32(VUStateStopped)))
	if prev == VUStateStopped {
		return
	}
	if prev != VUStateStopping {
		close(vu.stopCh)
	}
	close(vu.doneCh)
}

// SetData stores a value in the VU's variable scope.
func (vu *VirtualUser) SetData(key, value string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	vu.data[key] = value
}

// GetData retrieves a value from the VU's variable scope.
func (vu *VirtualUser) GetData(key string) (string, bool) {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	val, ok := vu.data[key]
	return val, ok
}

// Data returns a copy of the VU's variable scope.
func (vu *VirtualUser) Data() map[string]string {
	vu.dataMu.RLock()
	defer vu.dataMu.RUnlock()
	out := make(map[string]string, len(vu.data))
	for k, v := range vu.data {
		out[k] = v
	}
	return out
}

// ClearData removes a value from the VU's variable scope.
func (vu *VirtualUser) ClearData(key string) {
	vu.dataMu.Lock()
	defer vu.dataMu.Unlock()
	delete(vu.data, key)
}

// RequestResult contains the result of a single HTTP request. Duration runs
// from connection ready to the end of the body; Timings holds the setup phases.
type RequestResult struct {
	VUID          int            `json:"vuId"`
	Iteration     int64          `json:"iteration"`
	RequestName   string         `json:"requestName"`
	URL           string         `json:"url,omitempty"`
	StartTime     time.Time      `json:"startTime"`
	EndTime       time.Time      `json:"endTime"`
	Duration      time.Duration  `json:"duration"`
	Timings       RequestTimings `json:"timings"`
	StatusCode    int            `json:"statusCode"`
	BytesReceived int64          `json:"bytesReceived"`
	Error         error          `json:"-"`
	Headers       http.Header    `json:"-"`
	ResponseBody  []byte         `json:"-"`
	Checks        []CheckOutcome `json:"checks,omitempty"`
}

// Scenario defines what a VU executes during each iteration.
type Scenario struct {
	Name string

	// Variables are resolved once per run and shared by every VU.
	Variables map[string]string

	// Headers are sent with every request; request headers win.
	Headers map[string]string

	Requests []*Request

	shared atomic.Pointer[map[string]string]
}

// NewScenario compiles request configurations into a runnable scenario.
func NewScenario(name string, reqs []config.RequestConfig, variables, headers map[string]string) (*Scenario, error) {
	s := &Scenario{
		Name:      name,
		Variables: variables,
		Headers:   headers,
	}
	if s.Variables == nil {
		s.Variables = map[string]string{}
	}

	for i := range reqs {
		req, err := NewRequest(reqs[i])
		if err != nil {
			return nil, fmt.Errorf("scenario %s: %w", name, err)
		}
		s.Requests = append(s.Requests, req)
	}
	return s, nil
}

// SetShared publishes data every VU can read, such as the setup stage's
// extracted token.
func (s *Scenario) SetShared(data map[string]string) {
	cp := make(map[string]string, len(data))
	for k, v := range data {
		cp[k] = v
	}
	s.shared.Store(&cp)
}

// Shared returns the data published with SetShared.
func (s *Scenario) Shared() map[string]string {
	if p := s.shared.Load(); p != nil {
		return *p
	}
	return nil
}

// Request is a compiled request definition.
type Request struct {
	Name      string
	Method    string
	URL       string
	Headers   map[string]string
	Body      string
	Timeout   time.Duration
	ThinkTime time.Duration
	Extract   []*Extractor
	Checks    []*Check
	ErrorRate string
	// SampleSuccess adds 0 samples to ErrorRate on success as well.
	SampleSuccess bool
}

// NewRequest compiles a request configuration.
func NewRequest(cfg config.RequestConfig) (*Request, error) {
	req := &Request{
		Name:      cfg.Name,
		Method:    strings.ToUpper(cfg.Method),
		URL:       cfg.URL,
		Headers:   cfg.Headers,
		Body:      cfg.Body,
		ErrorRate: cfg.ErrorRate,

		SampleSuccess: cfg.ErrorRateMode == config.ErrorRateAll,
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	if cfg.Timeout != "" {
		d, err := config.ParseDurationString(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("request %s: invalid timeout: %w", cfg.Name, err)
		}
		req.Timeout = d
	}
	if cfg.ThinkTime != "" {
		d, err := config.ParseDurationString(cfg.ThinkTime)
		if err != nil {
			return nil, fmt.Errorf("request %s: invalid thinkTime: %w", cfg.Name, err)
		}
		req.ThinkTime = d
	}

	for _, e := range cfg.Extract {
		ex, err := NewExtractor(e)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", cfg.Name, err)
		}
		req.Extract = append(req.Extract, ex)
	}
	for _, c := range cfg.Checks {
		check, err := NewCheck(c)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", cfg.Name, err)
		}
		req.Checks = append(req.Checks, check)
	}

	return req, nil
}

func (r *Request) needsBody() bool {
	for _, ex := range r.Extract {
		if ex.Source == "body" || ex.Source == "jwt" {
			return true
		}
	}
	for _, c := range r.Checks {
		if c.Type == "body" || c.Type == "json" || c.Type == "schema" {
			return true
		}
	}
	return false
}

// Extractor pulls one variable out of a response.
type Extractor struct {
	Name   string
	Source string
	Path   string
	Claim  string

	re *regexp.Regexp
}

// NewExtractor compiles an extract configuration.
func NewExtractor(cfg config.ExtractConfig) (*Extractor, error) {
	ex := &Extractor{
		Name:   cfg.Name,
		Source: cfg.Source,
		Path:   cfg.Path,
		Claim:  cfg.Claim,
	}
	if ex.Source == "" {
		ex.Source = "body"
	}
	if cfg.Regex != "" {
		re, err := regexp.Compile(cfg.Regex)
		if err != nil {
			return nil, fmt.Errorf("extract %s: invalid regex: %w", cfg.Name, err)
		}
		ex.re = re
	}
	return ex, nil
}

// Extract returns the value and whether it was found.
func (ex *Extractor) Extract(result *RequestResult) (string, bool) {
	var (
		value string
		ok    bool
	)

	switch ex.Source {
	case "header":
		value = result.Headers.Get(ex.Path)
		ok = value != ""
	case "status":
		value, ok = strconv.Itoa(result.StatusCode), result.StatusCode != 0
	case "body":
		if ex.Path == "" {
			value, ok = string(result.ResponseBody), len(result.ResponseBody) > 0
		} else {
			value, ok = jsonpath.Lookup(result.ResponseBody, ex.Path)
		}
	case "jwt":
		value, ok = ex.claim(result.ResponseBody)
	}
	if !ok {
		return "", false
	}

	if ex.re != nil {
		m := ex.re.FindStringSubmatch(value)
		switch {
		case m == nil:
			return "", false
		case len(m) > 1:
			return m[1], true
		default:
			return m[0], true
		}
	}
	return value, true
}

// claim reads a claim from a JWT found in the body. The signature is not
// verified; the token only needs to be decoded.
func (ex *Extractor) claim(body []byte) (string, bool) {
	token, ok := jsonpath.Lookup(body, ex.Path)
	if !ok || token == "" {
		return "", false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}

	v, ok := claims[ex.Claim]
	if !ok || v == nil {
		return "", false
	}
	switch c := v.(type) {
	case string:
		return c, true
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(c), true
	default:
		return fmt.Sprint(c), true
	}
}
