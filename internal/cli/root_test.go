package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

// execute runs the command tree with args and captures both streams.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	return executeContext(t, context.Background(), args...)
}

func executeContext(t *testing.T, ctx context.Context, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	cmd := NewRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append(args, "--log-level", "error"))
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	out, _, err := execute(t)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, sub := range []string{"run", "validate", "scenarios", "history", "mock"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing %q command", sub)
		}
	}
}

func TestRootCommand_Version(t *testing.T) {
	out, _, err := execute(t, "--version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, version) {
		t.Errorf("version output %q missing %s", out, version)
	}
}

func TestRootCommand_BadLogLevel(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"scenarios", "--log-level", "loud"})
	if err := cmd.Execute(); err == nil {
		t.Error("expected an error for an unknown log level")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := newLogger(false, "info", &buf)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	logger.Debug("hidden")
	logger.Info("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("debug entry written at info level")
	}
	if !strings.Contains(buf.String(), `"msg":"shown"`) {
		t.Errorf("expected a JSON entry, got %q", buf.String())
	}

	buf.Reset()
	logger, err = newLogger(true, "error", &buf)
	if err != nil {
		t.Fatalf("newLogger verbose: %v", err)
	}
	logger.Debug("details")
	if !strings.Contains(buf.String(), "details") {
		t.Error("verbose logger should write debug entries")
	}
}

func TestMockCommand_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := executeContext(t, ctx, "mock", "--addr", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("mock returned error: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("mock took %v to stop", elapsed)
	}
}
