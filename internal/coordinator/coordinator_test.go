package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/indicate-spe/spe-core/internal/registry"
	"github.com/indicate-spe/spe-core/internal/sandbox"
	"github.com/indicate-spe/spe-core/internal/state"
)

// stubRunner returns a canned capture, optionally blocking until
// released so tests can observe in-flight executions.
type stubRunner struct {
	release chan struct{}
	capture *sandbox.Capture
	err     error
}

func (s *stubRunner) Run(ctx context.Context, spec sandbox.RunSpec) (*sandbox.Capture, error) {
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.capture, nil
}

func jsRunners() sandbox.Runners {
	return sandbox.Runners{sandbox.KindJavaScript: sandbox.NewJSRunner()}
}

func registerJS(t *testing.T, store state.Store, script string) *state.Study {
	t.Helper()
	study, err := registry.New(store).Register(context.Background(),
		[]byte(script), "study.js", "", registry.Metadata{Name: "test"})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return study
}

func waitTerminal(t *testing.T, coord *Coordinator, executionID string) *state.Execution {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := coord.Status(context.Background(), executionID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal status in time")
	return nil
}

func TestCoordinator_SuccessfulExecution(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()
	coord := New(store, jsRunners(), nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `console.log(JSON.stringify({ok: true}));`)

	exec, err := coord.Submit(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if exec.Status != state.ExecutionPending {
		t.Errorf("Expected PENDING at submit, got %s", exec.Status)
	}

	final := waitTerminal(t, coord, exec.ID)
	if final.Status != state.ExecutionSucceeded {
		t.Fatalf("Expected SUCCEEDED, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.StartedAt == nil || final.CompletedAt == nil {
		t.Error("Expected started and completed timestamps")
	}
	if final.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", final.ExitCode)
	}

	payload, err := coord.Result(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Result failed: %v", err)
	}
	if strings.TrimSpace(string(payload)) != `{"ok":true}` {
		t.Errorf("Expected stored result payload, got '%s'", payload)
	}
}

func TestCoordinator_FailedExecutionCarriesLog(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()
	coord := New(store, jsRunners(), nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `console.error("boom"); throw new Error("bad");`)

	exec, err := coord.Submit(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, coord, exec.ID)
	if final.Status != state.ExecutionFailed {
		t.Fatalf("Expected FAILED, got %s", final.Status)
	}
	if final.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", final.ExitCode)
	}

	logText, err := coord.Logs(ctx, exec.ID)
	if err != nil {
		t.Fatalf("Logs failed: %v", err)
	}
	if !strings.Contains(logText, "boom") {
		t.Errorf("Expected log to contain 'boom', got '%s'", logText)
	}

	_, err = coord.Result(ctx, exec.ID)
	var failed *ExecutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Expected ExecutionFailedError, got %v", err)
	}
	if failed.Status != state.ExecutionFailed {
		t.Errorf("Expected FAILED in error, got %s", failed.Status)
	}
	if !strings.Contains(failed.Log, "boom") {
		t.Errorf("Expected error to carry the log, got '%s'", failed.Log)
	}
}

func TestCoordinator_NonJSONOutputFails(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()
	coord := New(store, jsRunners(), nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `console.log("plain text, not json");`)

	exec, err := coord.Submit(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, coord, exec.ID)
	if final.Status != state.ExecutionFailed {
		t.Fatalf("Expected FAILED for unparseable output, got %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "not valid JSON") {
		t.Errorf("Expected JSON validation message, got '%s'", final.ErrorMessage)
	}
}

func TestCoordinator_DoubleSubmitConflicts(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()

	release := make(chan struct{})
	runners := sandbox.Runners{
		sandbox.KindJavaScript: &stubRunner{
			release: release,
			capture: &sandbox.Capture{Stdout: "{}"},
		},
	}
	coord := New(store, runners, nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `console.log("{}");`)

	exec, err := coord.Submit(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// Second submit while the first is in flight must conflict.
	if _, err := coord.Submit(ctx, study.ID, 0); !errors.Is(err, state.ErrActiveExecution) {
		t.Errorf("Expected ErrActiveExecution, got %v", err)
	}

	// Result before completion is not ready.
	if _, err := coord.Result(ctx, exec.ID); !errors.Is(err, ErrNotReady) {
		t.Errorf("Expected ErrNotReady, got %v", err)
	}

	close(release)
	waitTerminal(t, coord, exec.ID)

	// After completion a new submit succeeds.
	if _, err := coord.Submit(ctx, study.ID, 0); err != nil {
		t.Errorf("Expected submit after completion to succeed, got %v", err)
	}
}

func TestCoordinator_SubmitReturnsSnapshot(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()
	coord := New(store, jsRunners(), nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `console.log("{}");`)

	exec, err := coord.Submit(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	// The handler JSON-encodes the returned record while the dispatch
	// goroutine drives the state machine; the record must be the
	// caller's own snapshot, not shared with dispatch.
	for i := 0; i < 100; i++ {
		if _, err := json.Marshal(exec); err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
	}

	waitTerminal(t, coord, exec.ID)
	if exec.Status != state.ExecutionPending {
		t.Errorf("Expected returned record to stay PENDING, got %s", exec.Status)
	}
}

func TestCoordinator_TimeoutMapsToTimedOut(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()

	runners := sandbox.Runners{
		sandbox.KindJavaScript: &stubRunner{
			capture: &sandbox.Capture{TimedOut: true, ExitCode: -1, Stdout: "partial"},
		},
	}
	coord := New(store, runners, nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `while (true) {}`)

	exec, err := coord.Submit(ctx, study.ID, 2*time.Second)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, coord, exec.ID)
	if final.Status != state.ExecutionTimedOut {
		t.Fatalf("Expected TIMED_OUT, got %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "timeout") {
		t.Errorf("Expected timeout message, got '%s'", final.ErrorMessage)
	}

	_, err = coord.Result(ctx, exec.ID)
	var failed *ExecutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Expected ExecutionFailedError, got %v", err)
	}
	if failed.Status != state.ExecutionTimedOut {
		t.Errorf("Expected TIMED_OUT in error, got %s", failed.Status)
	}
}

func TestCoordinator_SandboxErrorFailsExecution(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()

	runners := sandbox.Runners{
		sandbox.KindJavaScript: &stubRunner{err: errors.New("cannot spawn")},
	}
	coord := New(store, runners, nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `console.log("{}");`)

	exec, err := coord.Submit(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	final := waitTerminal(t, coord, exec.ID)
	if final.Status != state.ExecutionFailed {
		t.Fatalf("Expected FAILED on sandbox error, got %s", final.Status)
	}
	if !strings.Contains(final.ErrorMessage, "sandbox error") {
		t.Errorf("Expected sandbox error message, got '%s'", final.ErrorMessage)
	}
}

func TestCoordinator_SubmitUnknownStudy(t *testing.T) {
	coord := New(state.NewMemStore(), jsRunners(), nil, Options{})
	defer coord.Close()

	if _, err := coord.Submit(context.Background(), "missing", 0); !errors.Is(err, state.ErrStudyNotFound) {
		t.Errorf("Expected ErrStudyNotFound, got %v", err)
	}
}

func TestCoordinator_RecoverOrphans(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()

	study := registerJS(t, store, `console.log("{}");`)

	// Simulate records stranded by a crashed process: one RUNNING, one
	// PENDING, neither with a live sandbox here.
	orphanRunning := &state.Execution{
		ID: "orphan-1", StudyID: study.ID, Status: state.ExecutionRunning,
		Active: true, ExitCode: -1, CreatedAt: time.Now().UTC(),
	}
	if err := store.CreateExecution(ctx, orphanRunning); err != nil {
		t.Fatalf("CreateExecution failed: %v", err)
	}

	coord := New(store, jsRunners(), nil, Options{})
	defer coord.Close()

	recovered, err := coord.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if recovered != 1 {
		t.Errorf("Expected 1 recovered execution, got %d", recovered)
	}

	exec, err := coord.Status(ctx, "orphan-1")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if exec.Status != state.ExecutionFailed {
		t.Errorf("Expected orphan to be FAILED, got %s", exec.Status)
	}
	if !strings.Contains(exec.ErrorMessage, "orphaned") {
		t.Errorf("Expected orphan message, got '%s'", exec.ErrorMessage)
	}

	// The study accepts a fresh submit after the sweep.
	if _, err := coord.Submit(ctx, study.ID, 0); err != nil {
		t.Errorf("Expected submit after recovery to succeed, got %v", err)
	}
}

func TestCoordinator_RecoverSkipsLiveExecutions(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemStore()

	release := make(chan struct{})
	runners := sandbox.Runners{
		sandbox.KindJavaScript: &stubRunner{
			release: release,
			capture: &sandbox.Capture{Stdout: "{}"},
		},
	}
	coord := New(store, runners, nil, Options{})
	defer coord.Close()

	study := registerJS(t, store, `console.log("{}");`)

	exec, err := coord.Submit(ctx, study.ID, 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	recovered, err := coord.RecoverOrphans(ctx)
	if err != nil {
		t.Fatalf("RecoverOrphans failed: %v", err)
	}
	if recovered != 0 {
		t.Errorf("Expected live execution to be skipped, recovered %d", recovered)
	}

	close(release)
	final := waitTerminal(t, coord, exec.ID)
	if final.Status != state.ExecutionSucceeded {
		t.Errorf("Expected live execution to finish SUCCEEDED, got %s", final.Status)
	}
}
