package performance_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

// newScenario compiles request configs or fails the test.
func newScenario(t *testing.T, vars map[string]string, reqs ...config.RequestConfig) *performance.Scenario {
	t.Helper()
	s, err := performance.NewScenario("test", reqs, vars, nil)
	if err != nil {
		t.Fatalf("NewScenario() error = %v", err)
	}
	return s
}

func newVU(s *performance.Scenario, m *metrics.Engine) *performance.VirtualUser {
	return performance.NewVirtualUser(1, s, &http.Client{Timeout: 5 * time.Second}, m)
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("SignedString() error = %v", err)
	}
	return token
}

func TestVUState_String(t *testing.T) {
	tests := []struct {
		state performance.VUState
		want  string
	}{
		{performance.VUStateIdle, "idle"},
		{performance.VUStateRunning, "running"},
		{performance.VUStateStopping, "stopping"},
		{performance.VUStateStopped, "stopped"},
		{performance.VUState(42), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("VUState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewVirtualUser(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	vu := newVU(newScenario(t, nil), m)

	if vu.ID != 1 {
		t.Errorf("ID = %d, want 1", vu.ID)
	}
	if vu.GetState() != performance.VUStateIdle {
		t.Errorf("initial state = %v, want idle", vu.GetState())
	}
	if vu.GetIteration() != 0 {
		t.Errorf("initial iteration = %d, want 0", vu.GetIteration())
	}
}

func TestVirtualUser_RunIteration(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"products": []}`))
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, map[string]string{"baseUrl": server.URL},
		config.RequestConfig{Name: "list", Method: "GET", URL: "{{baseUrl}}/products/"},
		config.RequestConfig{Name: "page", Method: "GET", URL: "{{baseUrl}}/products/?page=1&size=10"},
	)
	vu := newVU(s, m)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}

	if hits.Load() != 2 {
		t.Errorf("server hits = %d, want 2", hits.Load())
	}
	snap := m.GetSnapshot()
	if snap.TotalRequests != 2 {
		t.Errorf("TotalRequests = %d, want 2", snap.TotalRequests)
	}
	if snap.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", snap.Iterations)
	}
	if vu.GetIteration() != 1 {
		t.Errorf("GetIteration() = %d, want 1", vu.GetIteration())
	}
	if vu.GetState() != performance.VUStateIdle {
		t.Errorf("state after iteration = %v, want idle", vu.GetState())
	}
}

func TestVirtualUser_ThinkTimeAfterLastRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil, config.RequestConfig{Name: "me", URL: server.URL, ThinkTime: "50ms"})
	vu := newVU(s, m)

	start := time.Now()
	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("iteration took %v, want at least the 50ms think time", elapsed)
	}
	if min := m.IterationTrend().Min(); min < 50*time.Millisecond {
		t.Errorf("iteration_duration min = %v, want >= 50ms", min)
	}
}

func TestVirtualUser_ContextCancelledDuringThinkTime(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil, config.RequestConfig{Name: "me", URL: server.URL, ThinkTime: "5s"})
	vu := newVU(s, m)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := vu.RunIteration(ctx); err == nil {
		t.Error("RunIteration() should return the context error")
	}
	if got := m.GetSnapshot().Iterations; got != 0 {
		t.Errorf("Iterations = %d, want 0 for an interrupted iteration", got)
	}
}

func TestVirtualUser_ExtractTokenAndReuse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/token":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"access_token": "tok-123", "token_type": "bearer"}`))
		case "/users/me":
			if r.Header.Get("Authorization") != "Bearer tok-123" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"username": "manager_1"}`))
		}
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, map[string]string{"baseUrl": server.URL},
		config.RequestConfig{
			Name:    "login",
			Method:  "POST",
			URL:     "{{baseUrl}}/token",
			Extract: []config.ExtractConfig{{Name: "token", Source: "body", Path: "access_token"}},
		},
		config.RequestConfig{
			Name:    "me",
			URL:     "{{baseUrl}}/users/me",
			Headers: map[string]string{"Authorization": "Bearer {{token}}"},
			Checks: []config.CheckConfig{
				{Name: "user info status is 200", Type: "status", Condition: "eq", Value: "200"},
			},
		},
	)
	vu := newVU(s, m)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}

	if tok, ok := vu.GetData("token"); !ok || tok != "tok-123" {
		t.Errorf("GetData(token) = %q, %v", tok, ok)
	}
	checks := m.GetCheckStats()
	if len(checks) != 1 || checks[0].Passes != 1 {
		t.Errorf("check stats = %+v, want one pass", checks)
	}
}

func TestVirtualUser_ChecksFeedErrorRate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"products": []}`))
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	statusIs := func(name, code string) config.CheckConfig {
		return config.CheckConfig{Name: name, Type: "status", Condition: "eq", Value: code}
	}
	s := newScenario(t, nil,
		config.RequestConfig{
			Name:      "get products",
			URL:       server.URL,
			Checks:    []config.CheckConfig{statusIs("get products status is 200", "200")},
			ErrorRate: "errors",
		},
		config.RequestConfig{
			Name:   "create product",
			Method: "POST",
			URL:    server.URL,
			Checks: []config.CheckConfig{
				statusIs("create product status is 201", "201"),
				{Name: "create product body present", Type: "body", Condition: "exists"},
			},
			ErrorRate: "errors",
		},
	)
	vu := newVU(s, m)

	if err := vu.RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}

	// successes add no sample
	rate := m.GetRateStats()["errors"]
	if rate.Total != 1 || rate.NonZero != 1 || rate.Rate != 1 {
		t.Errorf("errors rate = %+v, want a single failure sample", rate)
	}

	snap := m.GetSnapshot()
	if snap.ChecksPassed != 2 || snap.ChecksFailed != 1 {
		t.Errorf("checks passed/failed = %d/%d, want 2/1", snap.ChecksPassed, snap.ChecksFailed)
	}
	if snap.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1", snap.FailedRequests)
	}
}

func TestVirtualUser_ExtractJWTClaim(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"sub": "manager_1", "user_id": 42, "is_admin": true})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": token})
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil, config.RequestConfig{
		Name: "login",
		URL:  server.URL,
		Extract: []config.ExtractConfig{
			{Name: "user_id", Source: "jwt", Path: "access_token", Claim: "user_id"},
			{Name: "subject", Source: "jwt", Path: "access_token", Claim: "sub"},
			{Name: "admin", Source: "jwt", Path: "access_token", Claim: "is_admin"},
			{Name: "missing", Source: "jwt", Path: "access_token", Claim: "nope"},
		},
	})
	vu := newVU(s, m)

	vu.Execute(context.Background(), s.Requests[0])

	want := map[string]string{"user_id": "42", "subject": "manager_1", "admin": "true"}
	for k, v := range want {
		if got, _ := vu.GetData(k); got != v {
			t.Errorf("GetData(%s) = %q, want %q", k, got, v)
		}
	}
	if _, ok := vu.GetData("missing"); ok {
		t.Error("missing claim should not be stored")
	}
}

func TestExtractor_Sources(t *testing.T) {
	res := &performance.RequestResult{
		StatusCode:   201,
		Headers:      http.Header{"Location": []string{"/products/17"}},
		ResponseBody: []byte(`{"id": 17, "name": "Test Product 5"}`),
	}

	tests := []struct {
		name   string
		cfg    config.ExtractConfig
		want   string
		wantOK bool
	}{
		{"body path", config.ExtractConfig{Name: "id", Source: "body", Path: "id"}, "17", true},
		{"default source", config.ExtractConfig{Name: "id", Path: "$.id"}, "17", true},
		{"whole body", config.ExtractConfig{Name: "raw", Source: "body"}, `{"id": 17, "name": "Test Product 5"}`, true},
		{"status", config.ExtractConfig{Name: "code", Source: "status"}, "201", true},
		{"header", config.ExtractConfig{Name: "loc", Source: "header", Path: "location"}, "/products/17", true},
		{"header regex", config.ExtractConfig{Name: "id", Source: "header", Path: "Location", Regex: `/products/(\d+)`}, "17", true},
		{"regex without group", config.ExtractConfig{Name: "n", Source: "body", Path: "name", Regex: `\d+`}, "5", true},
		{"regex no match", config.ExtractConfig{Name: "n", Source: "body", Path: "name", Regex: `^x`}, "", false},
		{"missing path", config.ExtractConfig{Name: "x", Source: "body", Path: "price"}, "", false},
		{"missing header", config.ExtractConfig{Name: "x", Source: "header", Path: "X-Request-Id"}, "", false},
		{"jwt not a token", config.ExtractConfig{Name: "x", Source: "jwt", Path: "name", Claim: "sub"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex, err := performance.NewExtractor(tt.cfg)
			if err != nil {
				t.Fatalf("NewExtractor() error = %v", err)
			}
			got, ok := ex.Extract(res)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Extract() = %q, %v; want %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}

	if _, err := performance.NewExtractor(config.ExtractConfig{Name: "bad", Regex: "("}); err == nil {
		t.Error("NewExtractor() should reject an invalid regex")
	}
}

func TestVirtualUser_VariableLookupOrder(t *testing.T) {
	var seen atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.URL.RawQuery)
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, map[string]string{"a": "var", "b": "var", "c": "var"},
		config.RequestConfig{Name: "q", URL: server.URL + "/?a={{a}}&b={{b}}&c={{c}}"},
	)
	s.SetShared(map[string]string{"a": "shared", "b": "shared"})

	vu := newVU(s, m)
	vu.SetData("a", "vu")

	vu.Execute(context.Background(), s.Requests[0])

	want := "a=vu&b=shared&c=var"
	if got, _ := seen.Load().(string); got != want {
		t.Errorf("query = %q, want %q", got, want)
	}
}

func TestVirtualUser_ScenarioHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s|%s", r.Header.Get("X-Env"), r.Header.Get("Content-Type"))
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s, err := performance.NewScenario("test", []config.RequestConfig{{
		Name:    "h",
		URL:     server.URL,
		Headers: map[string]string{"Content-Type": "application/json"},
	}}, nil, map[string]string{"X-Env": "staging", "Content-Type": "text/plain"})
	if err != nil {
		t.Fatalf("NewScenario() error = %v", err)
	}

	res := newVU(s, m).Execute(context.Background(), s.Requests[0])
	if got := string(res.ResponseBody); got != "staging|application/json" {
		t.Errorf("body = %q, want scenario header plus request override", got)
	}
}

func TestVirtualUser_RequestBody(t *testing.T) {
	var body atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, map[string]string{"username": "manager_7"}, config.RequestConfig{
		Name:   "login",
		Method: "post",
		URL:    server.URL,
		Body:   "username={{username}}&password=password123",
	})
	res := newVU(s, m).Execute(context.Background(), s.Requests[0])

	if res.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want 201", res.StatusCode)
	}
	if got, _ := body.Load().(string); got != "username=manager_7&password=password123" {
		t.Errorf("body = %q", got)
	}
}

func TestVirtualUser_TransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil, config.RequestConfig{
		Name:      "down",
		URL:       url,
		Checks:    []config.CheckConfig{{Name: "status is 200", Type: "status", Condition: "eq", Value: "200"}},
		ErrorRate: "errors",
	})
	res := newVU(s, m).Execute(context.Background(), s.Requests[0])

	if res.Error == nil {
		t.Fatal("expected a transport error")
	}
	if len(res.Checks) != 1 || res.Checks[0].Passed {
		t.Errorf("checks = %+v, want one failed check", res.Checks)
	}
	if snap := m.GetSnapshot(); snap.FailedRequests != 1 {
		t.Errorf("FailedRequests = %d, want 1", snap.FailedRequests)
	}
	if rate := m.GetRateStats()["errors"]; rate.NonZero != 1 {
		t.Errorf("errors rate = %+v, want a non-zero sample", rate)
	}
}

func TestVirtualUser_RequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil, config.RequestConfig{Name: "slow", URL: server.URL, Timeout: "50ms"})
	res := newVU(s, m).Execute(context.Background(), s.Requests[0])

	if res.Error == nil {
		t.Error("expected the request timeout to fire")
	}
	if res.Duration > time.Second {
		t.Errorf("Duration = %v, want close to the 50ms timeout", res.Duration)
	}
}

func TestVirtualUser_DiscardBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 512)))
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil,
		config.RequestConfig{Name: "plain", URL: server.URL},
		config.RequestConfig{Name: "checked", URL: server.URL, Checks: []config.CheckConfig{
			{Name: "has body", Type: "body", Condition: "contains", Value: "xxx"},
		}},
	)
	vu := newVU(s, m)
	vu.DiscardBodies = true

	plain := vu.Execute(context.Background(), s.Requests[0])
	if plain.ResponseBody != nil {
		t.Error("body should be discarded when nothing reads it")
	}
	if plain.BytesReceived != 512 {
		t.Errorf("BytesReceived = %d, want 512", plain.BytesReceived)
	}

	checked := vu.Execute(context.Background(), s.Requests[1])
	if len(checked.ResponseBody) != 512 {
		t.Errorf("checked body length = %d, want 512", len(checked.ResponseBody))
	}
}

func TestVirtualUser_StopLifecycle(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	vu := newVU(newScenario(t, nil), m)

	vu.RequestStop()
	if vu.GetState() != performance.VUStateStopping {
		t.Errorf("state after RequestStop = %v, want stopping", vu.GetState())
	}
	vu.RequestStop()

	if err := vu.RunIteration(context.Background()); err == nil {
		t.Error("RunIteration() on a stopping VU should fail")
	}

	if vu.WaitForStop(10 * time.Millisecond) {
		t.Error("WaitForStop should time out before MarkStopped")
	}
	vu.MarkStopped()
	vu.MarkStopped()
	if !vu.WaitForStop(time.Second) {
		t.Error("WaitForStop should return after MarkStopped")
	}
	if vu.GetState() != performance.VUStateStopped {
		t.Errorf("state = %v, want stopped", vu.GetState())
	}
}

func TestVirtualUser_Data(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	vu := newVU(newScenario(t, nil), m)
	vu.SetData("token", "abc")

	data := vu.Data()
	data["token"] = "changed"
	if v, _ := vu.GetData("token"); v != "abc" {
		t.Error("Data() should return a copy")
	}

	vu.ClearData("token")
	if _, ok := vu.GetData("token"); ok {
		t.Error("ClearData() should remove the key")
	}
}

func TestNewRequest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RequestConfig
	}{
		{"timeout", config.RequestConfig{URL: "http://x", Timeout: "soon"}},
		{"think time", config.RequestConfig{URL: "http://x", ThinkTime: "-"}},
		{"schema", config.RequestConfig{URL: "http://x", Checks: []config.CheckConfig{{Name: "s", Type: "schema", Value: "{"}}}},
		{"extract regex", config.RequestConfig{URL: "http://x", Extract: []config.ExtractConfig{{Name: "x", Regex: "["}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := performance.NewRequest(tt.cfg); err == nil {
				t.Error("NewRequest() should fail")
			}
		})
	}

	req, err := performance.NewRequest(config.RequestConfig{URL: "http://x", ThinkTime: "1"})
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if req.Method != http.MethodGet {
		t.Errorf("Method = %q, want GET", req.Method)
	}
	if req.ThinkTime != time.Second {
		t.Errorf("ThinkTime = %v, want 1s for a bare number", req.ThinkTime)
	}
}

func TestVirtualUser_DurationExcludesConnectionSetup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	const dialDelay = 300 * time.Millisecond
	var dialer net.Dialer
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				time.Sleep(dialDelay)
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil, config.RequestConfig{Name: "slow dial", URL: server.URL})
	vu := performance.NewVirtualUser(1, s, client, m)

	first := vu.Execute(context.Background(), s.Requests[0])
	if first.Error != nil {
		t.Fatalf("Execute() error = %v", first.Error)
	}
	if first.Timings.Blocked < dialDelay {
		t.Errorf("Blocked = %v, want at least %v", first.Timings.Blocked, dialDelay)
	}
	if first.Duration >= dialDelay {
		t.Errorf("Duration = %v, should not include the %v dial", first.Duration, dialDelay)
	}
	if total := first.EndTime.Sub(first.StartTime); total < dialDelay {
		t.Errorf("wall time = %v, want at least %v", total, dialDelay)
	}

	// kept-alive connection: nothing to set up
	second := vu.Execute(context.Background(), s.Requests[0])
	if second.Error != nil {
		t.Fatalf("Execute() error = %v", second.Error)
	}
	if second.Timings.Blocked >= dialDelay || second.Timings.Connecting != 0 {
		t.Errorf("reused connection timings = %+v", second.Timings)
	}
}

func TestVirtualUser_ErrorRateModeAll(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	req := func(name, path string) config.RequestConfig {
		return config.RequestConfig{
			Name:          name,
			URL:           server.URL + path,
			Checks:        []config.CheckConfig{{Name: name + " is 200", Type: "status", Condition: "eq", Value: "200"}},
			ErrorRate:     "errors",
			ErrorRateMode: config.ErrorRateAll,
		}
	}
	s := newScenario(t, nil, req("ok", "/ok"), req("ok again", "/ok"), req("broken", "/fail"), req("fine", "/ok"))

	if err := newVU(s, m).RunIteration(context.Background()); err != nil {
		t.Fatalf("RunIteration() error = %v", err)
	}

	rate := m.GetRateStats()["errors"]
	if rate.Total != 4 || rate.NonZero != 1 || rate.Rate != 0.25 {
		t.Errorf("errors rate = %+v, want 1 of 4", rate)
	}
}
