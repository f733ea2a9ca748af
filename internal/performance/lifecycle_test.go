package performance_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
	"github.com/grocery-inventory/grocery-load/internal/performance/metrics"
)

func TestRunLifecycle_Setup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/users/register":
			w.WriteHeader(http.StatusCreated)
		case "/token":
			if err := r.ParseForm(); err != nil || r.PostForm.Get("username") != "manager_1" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte(`{"access_token": "tok", "token_type": "bearer"}`))
		}
	}))
	defer server.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, map[string]string{"baseUrl": server.URL, "username": "manager_1"},
		config.RequestConfig{Name: "setup register", Method: "POST", URL: "{{baseUrl}}/users/register", Body: `{"username": "{{username}}"}`},
		config.RequestConfig{
			Name:    "setup login",
			Method:  "POST",
			URL:     "{{baseUrl}}/token",
			Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
			Body:    "username={{username}}&password={{password}}",
			Extract: []config.ExtractConfig{{Name: "token", Source: "body", Path: "access_token"}},
		},
	)

	res := performance.RunLifecycle(context.Background(), s, http.DefaultClient, m, map[string]string{"password": "password123"})

	if len(res.Requests) != 2 {
		t.Fatalf("ran %d requests, want 2", len(res.Requests))
	}
	if res.Data["token"] != "tok" {
		t.Errorf("token = %q, want tok", res.Data["token"])
	}
	if res.Data["password"] != "password123" {
		t.Error("seed data should be kept in the result")
	}
	if len(res.Errors()) != 0 {
		t.Errorf("unexpected errors: %v", res.Errors())
	}
	if got := m.GetSnapshot().TotalRequests; got != 2 {
		t.Errorf("TotalRequests = %d, want 2", got)
	}
	if got := m.GetSnapshot().Iterations; got != 0 {
		t.Errorf("Iterations = %d, setup must not count as an iteration", got)
	}
}

func TestRunLifecycle_ContinuesAfterTransportError(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	downURL := down.URL
	down.Close()

	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer up.Close()

	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil,
		config.RequestConfig{Name: "register", Method: "POST", URL: downURL},
		config.RequestConfig{Name: "ping", URL: up.URL},
	)
	res := performance.RunLifecycle(context.Background(), s, http.DefaultClient, m, nil)

	if len(res.Requests) != 2 {
		t.Fatalf("ran %d requests, want 2", len(res.Requests))
	}
	errs := res.Errors()
	if len(errs) != 1 || errs[0].RequestName != "register" {
		t.Errorf("Errors() = %v, want the register failure", errs)
	}
}

func TestRunLifecycle_CancelledContext(t *testing.T) {
	m := metrics.NewEngine()
	defer m.Stop()

	s := newScenario(t, nil, config.RequestConfig{Name: "never", URL: "http://127.0.0.1:1"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := performance.RunLifecycle(ctx, s, http.DefaultClient, m, nil)
	if len(res.Requests) != 0 {
		t.Errorf("ran %d requests on a cancelled context", len(res.Requests))
	}
}
