package cli

import (
	"strings"
	"testing"
)

func TestValidateCommand_BuiltIn(t *testing.T) {
	for _, name := range []string{"baseline", "full"} {
		t.Run(name, func(t *testing.T) {
			out, _, err := execute(t, "validate", "--scenario", name)
			if err != nil {
				t.Fatalf("validate %s: %v\n%s", name, err, out)
			}
			if !strings.Contains(out, "✓ "+name+" is valid") {
				t.Errorf("output:\n%s", out)
			}
			if !strings.Contains(out, "threshold:  http_req_duration p(95)<500") {
				t.Errorf("thresholds not listed:\n%s", out)
			}
		})
	}
}

func TestValidateCommand_File(t *testing.T) {
	out, _, err := execute(t, "validate", "--config", writeConfig(t, smokeConfig))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "scenario:   smoke (per-vu-iterations, 1 request(s))") {
		t.Errorf("output:\n%s", out)
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	bad := `name: broken
scenarios:
  smoke:
    executor: sometimes
    requests:
      - name: ping
        method: GET
        url: http://localhost/ping
thresholds:
  latency_of_everything: ["p(95)<500"]
`
	out, _, err := execute(t, "validate", "--config", writeConfig(t, bad))
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(out, "problem(s)") {
		t.Errorf("problems not listed:\n%s", out)
	}
	if !strings.Contains(out, "scenarios.smoke") {
		t.Errorf("executor problem not reported:\n%s", out)
	}
}

func TestScenariosCommand(t *testing.T) {
	out, _, err := execute(t, "scenarios")
	if err != nil {
		t.Fatalf("scenarios: %v", err)
	}
	for _, name := range []string{"baseline", "full", "grocery-baseline"} {
		if !strings.Contains(out, name) {
			t.Errorf("scenario list missing %q:\n%s", name, out)
		}
	}
}

func TestScenariosShowCommand(t *testing.T) {
	out, _, err := execute(t, "scenarios", "show", "baseline")
	if err != nil {
		t.Fatalf("scenarios show: %v", err)
	}
	if !strings.HasPrefix(out, "name: grocery-baseline") || !strings.Contains(out, "thresholds:") {
		t.Errorf("unexpected YAML:\n%s", out)
	}

	if _, _, err := execute(t, "scenarios", "show", "nope"); err == nil {
		t.Error("expected an error for an unknown scenario")
	}
}

func TestValidateCommand_BaseURLFromEnv(t *testing.T) {
	t.Setenv("BASE_URL", "http://grocery.internal:8000/")
	out, _, err := execute(t, "validate", "--scenario", "baseline")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "base URL:   http://grocery.internal:8000\n") {
		t.Errorf("env base URL not applied:\n%s", out)
	}
}

func TestValidateCommand_BaseURLPrecedence(t *testing.T) {
	t.Setenv("BASE_URL", "http://plain:8000")
	t.Setenv("GROCERY_LOAD_BASE_URL", "http://prefixed:8000")

	out, _, err := execute(t, "validate", "--scenario", "baseline")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "base URL:   http://prefixed:8000\n") {
		t.Errorf("GROCERY_LOAD_BASE_URL should win over BASE_URL:\n%s", out)
	}

	out, _, err = execute(t, "validate", "--scenario", "baseline", "--base-url", "http://flag:8000")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !strings.Contains(out, "base URL:   http://flag:8000\n") {
		t.Errorf("--base-url should win over the environment:\n%s", out)
	}
}
