package performance

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"
)

func mapLookup(m map[string]string) LookupFunc {
	return func(name string) (string, bool) {
		v, ok := m[name]
		return v, ok
	}
}

func TestResolve(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"baseUrl": "http://localhost:8000",
		"token":   "abc",
	})

	tests := []struct {
		input string
		want  string
	}{
		{"{{baseUrl}}/products/", "http://localhost:8000/products/"},
		{"Bearer {{ token }}", "Bearer abc"},
		{"no placeholders", "no placeholders"},
		{"{{unknown}}", "{{unknown}}"},
		{"{{}}", "{{}}"},
		{"{{randInt 5}}", "{{randInt 5}}"},
		{"{{randInt 9 1}}", "{{randInt 9 1}}"},
		{"{{token}}-{{token}}", "abc-abc"},
	}

	for _, tt := range tests {
		if got := Resolve(tt.input, lookup); got != tt.want {
			t.Errorf("Resolve(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}

	if got := Resolve("{{token}}", nil); got != "{{token}}" {
		t.Errorf("Resolve with nil lookup = %q", got)
	}
}

func TestResolve_Functions(t *testing.T) {
	for i := 0; i < 200; i++ {
		n, err := strconv.Atoi(Resolve("{{randInt 1 100}}", nil))
		if err != nil {
			t.Fatalf("randInt produced a non-integer: %v", err)
		}
		if n < 1 || n > 100 {
			t.Fatalf("randInt = %d, want 1..100", n)
		}
	}

	price := Resolve("{{randFloat 1 10}}", nil)
	if !regexp.MustCompile(`^\d+\.\d{2}$`).MatchString(price) {
		t.Errorf("randFloat = %q, want two decimals", price)
	}

	ts, err := strconv.ParseInt(Resolve("{{timestamp}}", nil), 10, 64)
	if err != nil {
		t.Fatalf("timestamp: %v", err)
	}
	if diff := time.Now().UnixMilli() - ts; diff < 0 || diff > 5000 {
		t.Errorf("timestamp %d is not close to now", ts)
	}

	if id := Resolve("{{uuid}}", nil); len(id) != 36 {
		t.Errorf("uuid = %q", id)
	}

	today := time.Now().Format(DateLayout)
	if got := Resolve("{{date}}", nil); got != today && got != time.Now().Add(-time.Minute).Format(DateLayout) {
		t.Errorf("date = %q, want %q", got, today)
	}
	week := Resolve("{{dateOffset 7}}", nil)
	start, _ := time.Parse(DateLayout, Resolve("{{date}}", nil))
	end, err := time.Parse(DateLayout, week)
	if err != nil {
		t.Fatalf("dateOffset = %q: %v", week, err)
	}
	if days := end.Sub(start).Hours() / 24; days != 7 {
		t.Errorf("dateOffset 7 is %v days after date", days)
	}
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("GROCERY_TEST_PASSWORD", "s3cret")
	os.Unsetenv("GROCERY_TEST_MISSING")

	if got := Resolve("{{env GROCERY_TEST_PASSWORD}}", nil); got != "s3cret" {
		t.Errorf("env = %q", got)
	}
	if got := Resolve("{{env GROCERY_TEST_MISSING}}", nil); got != "{{env GROCERY_TEST_MISSING}}" {
		t.Errorf("unset env = %q, want placeholder kept", got)
	}
}

func TestResolveVariables(t *testing.T) {
	vars := map[string]string{
		"username": "manager_{{ts}}",
		"ts":       "{{timestamp}}",
		"baseUrl":  "{{base}}",
		"loginUrl": "{{baseUrl}}/token",
		"ghost":    "{{nowhere}}",
	}
	out := ResolveVariables(vars, mapLookup(map[string]string{"base": "http://api"}))

	if out["username"] != "manager_"+out["ts"] {
		t.Errorf("username = %q, ts = %q", out["username"], out["ts"])
	}
	if _, err := strconv.ParseInt(out["ts"], 10, 64); err != nil {
		t.Errorf("ts = %q, want a timestamp", out["ts"])
	}
	if out["loginUrl"] != "http://api/token" {
		t.Errorf("loginUrl = %q", out["loginUrl"])
	}
	if out["ghost"] != "{{nowhere}}" {
		t.Errorf("ghost = %q", out["ghost"])
	}

	again := ResolveVariables(vars, nil)
	if again["baseUrl"] != "{{base}}" {
		t.Errorf("baseUrl without lookup = %q", again["baseUrl"])
	}
}

func TestResolveVariables_ChainDeclaredTopDown(t *testing.T) {
	vars := map[string]string{
		"email":    "{{username}}@test.com",
		"username": "manager_{{ts}}",
		"ts":       "{{timestamp}}",
	}

	for i := 0; i < 200; i++ {
		out := ResolveVariables(vars, nil)
		if strings.Contains(out["email"], "{{") {
			t.Fatalf("run %d: email = %q, want fully resolved", i, out["email"])
		}
		if out["email"] != "manager_"+out["ts"]+"@test.com" {
			t.Fatalf("run %d: email = %q, ts = %q", i, out["email"], out["ts"])
		}
		if out["username"] != "manager_"+out["ts"] {
			t.Fatalf("run %d: username = %q, ts = %q", i, out["username"], out["ts"])
		}
	}
}

func TestResolveVariables_Cycle(t *testing.T) {
	out := ResolveVariables(map[string]string{
		"a": "{{b}}",
		"b": "{{a}}",
	}, nil)

	for _, name := range []string{"a", "b"} {
		if !strings.Contains(out[name], "{{") {
			t.Errorf("%s = %q, want the cyclic reference kept", name, out[name])
		}
	}
}
