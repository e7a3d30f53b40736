package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestJSRunner_CapturesConsoleOutput(t *testing.T) {
	runner := NewJSRunner()

	capture, err := runner.Run(context.Background(), RunSpec{
		Script:  []byte(`console.log(JSON.stringify({ok: true}));`),
		Kind:    KindJavaScript,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if capture.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", capture.ExitCode)
	}
	if capture.TimedOut {
		t.Error("Expected no timeout")
	}
	if strings.TrimSpace(capture.Stdout) != `{"ok":true}` {
		t.Errorf("Expected JSON on stdout, got '%s'", capture.Stdout)
	}
}

func TestJSRunner_EnvVisibleToScript(t *testing.T) {
	runner := NewJSRunner()

	capture, err := runner.Run(context.Background(), RunSpec{
		Script:  []byte(`console.log(env["DATABASE_NAME"]);`),
		Kind:    KindJavaScript,
		Env:     map[string]string{"DATABASE_NAME": "omop"},
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if strings.TrimSpace(capture.Stdout) != "omop" {
		t.Errorf("Expected env value on stdout, got '%s'", capture.Stdout)
	}
}

func TestJSRunner_ThrownErrorIsScriptFailure(t *testing.T) {
	runner := NewJSRunner()

	capture, err := runner.Run(context.Background(), RunSpec{
		Script:  []byte(`console.error("boom"); throw new Error("bad input");`),
		Kind:    KindJavaScript,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Expected script failure as an outcome, got error: %v", err)
	}
	if capture.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", capture.ExitCode)
	}
	if !strings.Contains(capture.Stderr, "boom") {
		t.Errorf("Expected stderr to contain 'boom', got '%s'", capture.Stderr)
	}
	if !strings.Contains(capture.Stderr, "bad input") {
		t.Errorf("Expected stderr to contain the thrown message, got '%s'", capture.Stderr)
	}
}

func TestJSRunner_TimeoutInterruptsScript(t *testing.T) {
	runner := NewJSRunner()

	start := time.Now()
	capture, err := runner.Run(context.Background(), RunSpec{
		Script:  []byte(`while (true) {}`),
		Kind:    KindJavaScript,
		Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !capture.TimedOut {
		t.Error("Expected TimedOut capture")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Expected prompt interruption, took %s", elapsed)
	}
}

func TestJSRunner_CancellationIsNotTimeout(t *testing.T) {
	runner := NewJSRunner()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	capture, err := runner.Run(ctx, RunSpec{
		Script:  []byte(`while (true) {}`),
		Kind:    KindJavaScript,
		Timeout: time.Minute,
	})
	if err == nil {
		t.Fatalf("Expected an error for a cancelled run, got capture %+v", capture)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestJSRunner_RejectsOtherKinds(t *testing.T) {
	runner := NewJSRunner()

	if _, err := runner.Run(context.Background(), RunSpec{
		Script:  []byte("print('hi')"),
		Kind:    KindPython,
		Timeout: time.Second,
	}); err == nil {
		t.Error("Expected error for non-javascript kind")
	}
}
