package performance_test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/grocery-inventory/grocery-load/internal/performance"
	"github.com/grocery-inventory/grocery-load/internal/performance/config"
)

const usersSchema = `{
	"type": "object",
	"required": ["users"],
	"properties": {"users": {"type": "array"}}
}`

func TestCheck_Evaluate(t *testing.T) {
	res := &performance.RequestResult{
		StatusCode:   200,
		Duration:     120 * time.Millisecond,
		Headers:      http.Header{"Content-Type": []string{"application/json"}},
		ResponseBody: []byte(`{"products": [{"id": 3, "name": "Test Product 9", "price": 42.99}], "page": 1}`),
	}

	tests := []struct {
		name   string
		check  config.CheckConfig
		passed bool
	}{
		{"status eq", config.CheckConfig{Type: "status", Condition: "eq", Value: "200"}, true},
		{"status ne", config.CheckConfig{Type: "status", Condition: "ne", Value: "200"}, false},
		{"status lt", config.CheckConfig{Type: "status", Condition: "lt", Value: "300"}, true},
		{"duration lt bare millis", config.CheckConfig{Type: "duration", Condition: "lt", Value: "500"}, true},
		{"duration lt unit", config.CheckConfig{Type: "duration", Condition: "lt", Value: "100ms"}, false},
		{"body contains", config.CheckConfig{Type: "body", Condition: "contains", Value: "Test Product"}, true},
		{"body matches", config.CheckConfig{Type: "body", Condition: "matches", Value: `"price":\s*\d+\.99`}, true},
		{"json eq", config.CheckConfig{Type: "json", Path: "page", Condition: "eq", Value: "1"}, true},
		{"json gte", config.CheckConfig{Type: "json", Path: "$.products[0].price", Condition: "gte", Value: "42.99"}, true},
		{"json count", config.CheckConfig{Type: "json", Path: "products.#", Condition: "gt", Value: "0"}, true},
		{"json exists", config.CheckConfig{Type: "json", Path: "products", Condition: "exists"}, true},
		{"json missing", config.CheckConfig{Type: "json", Path: "total", Condition: "exists"}, false},
		{"json missing compared", config.CheckConfig{Type: "json", Path: "total", Condition: "eq", Value: "1"}, false},
		{"json not numeric", config.CheckConfig{Type: "json", Path: "products.0.name", Condition: "gt", Value: "1"}, false},
		{"header contains", config.CheckConfig{Type: "header", Path: "content-type", Condition: "contains", Value: "json"}, true},
		{"header missing", config.CheckConfig{Type: "header", Path: "X-Trace", Condition: "exists"}, false},
		{"schema", config.CheckConfig{Type: "schema", Value: `{"type": "object", "required": ["products"]}`}, true},
		{"schema mismatch", config.CheckConfig{Type: "schema", Value: usersSchema}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check.Name = tt.name
			c, err := performance.NewCheck(tt.check)
			if err != nil {
				t.Fatalf("NewCheck() error = %v", err)
			}
			out := c.Evaluate(res, nil)
			if out.Passed != tt.passed {
				t.Errorf("Evaluate() passed = %v, want %v (actual %q, message %q)", out.Passed, tt.passed, out.Actual, out.Message)
			}
			if out.Name != tt.name {
				t.Errorf("Name = %q, want %q", out.Name, tt.name)
			}
			if !out.Passed && out.Message == "" {
				t.Error("failed check should carry a message")
			}
		})
	}
}

func TestCheck_ResolvesExpectedValue(t *testing.T) {
	c, err := performance.NewCheck(config.CheckConfig{
		Name: "username matches", Type: "json", Path: "username", Condition: "eq", Value: "{{username}}",
	})
	if err != nil {
		t.Fatalf("NewCheck() error = %v", err)
	}

	res := &performance.RequestResult{StatusCode: 200, ResponseBody: []byte(`{"username": "manager_9"}`)}
	resolve := func(s string) string {
		return strings.ReplaceAll(s, "{{username}}", "manager_9")
	}

	if out := c.Evaluate(res, resolve); !out.Passed {
		t.Errorf("Evaluate() failed: %s", out.Message)
	}
	if out := c.Evaluate(res, nil); out.Passed {
		t.Error("unresolved placeholder should not match")
	}
}

func TestCheck_SchemaOnTransportError(t *testing.T) {
	c, err := performance.NewCheck(config.CheckConfig{Name: "users is array", Type: "schema", Value: usersSchema})
	if err != nil {
		t.Fatalf("NewCheck() error = %v", err)
	}

	res := &performance.RequestResult{Error: http.ErrHandlerTimeout}
	if out := c.Evaluate(res, nil); out.Passed {
		t.Error("schema check should fail when the request failed")
	}

	ok := &performance.RequestResult{StatusCode: 200, ResponseBody: []byte(`{"users": [{"username": "a"}]}`)}
	if out := c.Evaluate(ok, nil); !out.Passed {
		t.Errorf("schema check failed: %s", out.Message)
	}
}

func TestNewCheck_Invalid(t *testing.T) {
	tests := []config.CheckConfig{
		{Name: "bad schema", Type: "schema", Value: "{"},
		{Name: "bad regex", Type: "body", Condition: "matches", Value: "("},
		{Name: "bad duration", Type: "duration", Condition: "lt", Value: "fast"},
	}

	for _, cfg := range tests {
		t.Run(cfg.Name, func(t *testing.T) {
			if _, err := performance.NewCheck(cfg); err == nil {
				t.Error("NewCheck() should fail")
			}
		})
	}
}
