package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

// JSRunner evaluates JavaScript studies in-process on a sandboxed goja
// VM. No host globals are exposed; the script sees only `env` and a
// `console` whose output becomes the capture.
type JSRunner struct{}

// NewJSRunner creates a JavaScript runner.
func NewJSRunner() *JSRunner {
	return &JSRunner{}
}

// Run evaluates the script. A thrown exception is a script-level
// failure (exit code 1), not an error return.
func (r *JSRunner) Run(ctx context.Context, spec RunSpec) (*Capture, error) {
	if spec.Kind != KindJavaScript {
		return nil, fmt.Errorf("%w: javascript runner got %q", ErrUnsupportedKind, spec.Kind)
	}

	vm := goja.New()

	var stdout, stderr bytes.Buffer
	vm.Set("console", map[string]interface{}{
		"log":   consolePrinter(&stdout),
		"error": consolePrinter(&stderr),
	})

	env := make(map[string]string, len(spec.Env))
	for k, v := range spec.Env {
		env[k] = v
	}
	vm.Set("env", env)

	type result struct {
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- result{err: fmt.Errorf("script panic: %v", rec)}
			}
		}()

		_, err := vm.RunString(string(spec.Script))
		resultCh <- result{err: err}
	}()

	timer := time.NewTimer(spec.Timeout)
	defer timer.Stop()

	var runErr error
	select {
	case res := <-resultCh:
		runErr = res.err
	case <-ctx.Done():
		vm.Interrupt("cancelled")
		<-resultCh
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &Capture{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, TimedOut: true}, nil
		}
		// Plain cancellation (shutdown) is not a script timeout.
		return nil, ctx.Err()
	case <-timer.C:
		vm.Interrupt("timeout")
		<-resultCh
		return &Capture{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: -1, TimedOut: true}, nil
	}

	capture := &Capture{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if runErr != nil {
		capture.ExitCode = 1
		if capture.Stderr != "" && !strings.HasSuffix(capture.Stderr, "\n") {
			capture.Stderr += "\n"
		}
		capture.Stderr += runErr.Error()
	}
	return capture, nil
}

// consolePrinter renders console arguments the way node does: space
// separated, newline terminated.
func consolePrinter(buf *bytes.Buffer) func(args ...goja.Value) {
	return func(args ...goja.Value) {
		parts := make([]string, len(args))
		for i, arg := range args {
			parts[i] = arg.String()
		}
		fmt.Fprintln(buf, strings.Join(parts, " "))
	}
}
