// Package coordinator drives the execution state machine for study
// runs: PENDING -> RUNNING -> SUCCEEDED | FAILED | TIMED_OUT.
//
// Durable execution records in the state store are the source of
// truth. The in-memory live map only tracks which executions this
// process is running, so the recovery sweep can tell an orphaned
// RUNNING record from one that is genuinely in flight.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/indicate-spe/spe-core/internal/events"
	"github.com/indicate-spe/spe-core/internal/sandbox"
	"github.com/indicate-spe/spe-core/internal/state"
)

// ErrNotReady is returned when a result is requested before the
// execution has reached SUCCEEDED.
var ErrNotReady = errors.New("execution has not completed")

// ExecutionFailedError is returned when a result is requested for an
// execution that reached FAILED or TIMED_OUT. It carries the captured
// log so the caller can see what went wrong.
type ExecutionFailedError struct {
	ExecutionID string
	Status      state.ExecutionStatus
	ExitCode    int
	Log         string
}

func (e *ExecutionFailedError) Error() string {
	return fmt.Sprintf("execution %s finished %s (exit code %d)", e.ExecutionID, e.Status, e.ExitCode)
}

// Options configures a Coordinator.
type Options struct {
	// ScriptEnv is injected into every sandbox run, typically the
	// data store connection parameters.
	ScriptEnv map[string]string
	// DefaultTimeout applies when a submit carries no timeout.
	DefaultTimeout time.Duration
	// MaxTimeout caps any requested timeout.
	MaxTimeout time.Duration
	// MaxConcurrent bounds simultaneously running sandboxes.
	MaxConcurrent int
}

// Coordinator owns execution dispatch and the status state machine.
type Coordinator struct {
	store     state.Store
	runners   sandbox.Runners
	publisher *events.Publisher
	opts      Options

	sem chan struct{}

	mu   sync.Mutex
	live map[string]struct{}

	wg sync.WaitGroup
}

// New creates a Coordinator. publisher may be nil.
func New(store state.Store, runners sandbox.Runners, publisher *events.Publisher, opts Options) *Coordinator {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 300 * time.Second
	}
	if opts.MaxTimeout <= 0 {
		opts.MaxTimeout = time.Hour
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	return &Coordinator{
		store:     store,
		runners:   runners,
		publisher: publisher,
		opts:      opts,
		sem:       make(chan struct{}, opts.MaxConcurrent),
		live:      make(map[string]struct{}),
	}
}

// Submit creates a PENDING execution for the study and dispatches it
// in the background. It returns as soon as the record is created.
//
// A study with an execution still in PENDING or RUNNING gets
// state.ErrActiveExecution; the caller retries after it completes.
func (c *Coordinator) Submit(ctx context.Context, studyID string, timeout time.Duration) (*state.Execution, error) {
	study, err := c.store.GetStudy(ctx, studyID)
	if err != nil {
		return nil, err
	}

	kind, err := sandbox.ParseKind(study.ScriptKind)
	if err != nil {
		return nil, err
	}
	if _, err := c.runners.For(kind); err != nil {
		return nil, err
	}

	if timeout <= 0 {
		timeout = c.opts.DefaultTimeout
	}
	if timeout > c.opts.MaxTimeout {
		timeout = c.opts.MaxTimeout
	}

	exec := &state.Execution{
		ID:        uuid.New().String(),
		StudyID:   study.ID,
		Status:    state.ExecutionPending,
		Active:    true,
		ExitCode:  -1,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	c.track(exec.ID)
	c.publish(exec, "execution queued")

	// The dispatch goroutine mutates its record as the state machine
	// advances; the caller gets its own snapshot of the PENDING record.
	dispatched := *exec
	c.wg.Add(1)
	go c.dispatch(study, &dispatched, kind, timeout)

	return exec, nil
}

// Status retrieves the current execution record.
func (c *Coordinator) Status(ctx context.Context, executionID string) (*state.Execution, error) {
	return c.store.GetExecution(ctx, executionID)
}

// Executions lists all executions for a study, most recent first.
func (c *Coordinator) Executions(ctx context.Context, studyID string) ([]state.Execution, error) {
	return c.store.ListExecutions(ctx, studyID)
}

// Logs retrieves the captured log text of an execution.
func (c *Coordinator) Logs(ctx context.Context, executionID string) (string, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	return exec.Log, nil
}

// Result retrieves a completed execution's result payload. It returns
// ErrNotReady while the execution is still in flight and an
// *ExecutionFailedError when it finished unsuccessfully.
func (c *Coordinator) Result(ctx context.Context, executionID string) ([]byte, error) {
	exec, err := c.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Terminal() {
		return nil, ErrNotReady
	}
	if exec.Status != state.ExecutionSucceeded {
		return nil, &ExecutionFailedError{
			ExecutionID: exec.ID,
			Status:      exec.Status,
			ExitCode:    exec.ExitCode,
			Log:         exec.Log,
		}
	}
	return c.store.GetResult(ctx, executionID)
}

// RecoverOrphans fails every PENDING or RUNNING execution that has no
// live sandbox in this process. Called at startup, before the API
// accepts requests, it clears records stranded by a crash.
func (c *Coordinator) RecoverOrphans(ctx context.Context) (int, error) {
	active, err := c.store.ListActiveExecutions(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for i := range active {
		exec := &active[i]
		if c.isLive(exec.ID) {
			continue
		}
		update := state.ExecutionUpdate{
			Status:       state.ExecutionFailed,
			Log:          exec.Log,
			ErrorMessage: "orphaned by coordinator restart",
			ExitCode:     -1,
		}
		if err := c.store.CompleteExecution(ctx, exec.ID, update); err != nil {
			if errors.Is(err, state.ErrExecutionTerminal) {
				continue
			}
			return recovered, err
		}
		exec.Status = state.ExecutionFailed
		c.publish(exec, "orphaned by coordinator restart")
		recovered++
	}
	return recovered, nil
}

// Close waits for all in-flight executions to finish.
func (c *Coordinator) Close() {
	c.wg.Wait()
}

// dispatch runs one execution to a terminal state. It never returns
// an error: every outcome, including infrastructure failure, lands in
// the durable record.
func (c *Coordinator) dispatch(study *state.Study, exec *state.Execution, kind sandbox.Kind, timeout time.Duration) {
	defer c.wg.Done()
	defer c.untrack(exec.ID)

	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	ctx := context.Background()

	if err := c.store.MarkExecutionRunning(ctx, exec.ID); err != nil {
		log.Printf("execution %s: mark running: %v", exec.ID, err)
		return
	}
	exec.Status = state.ExecutionRunning
	c.publish(exec, "sandbox started")

	// Placeholder log so the logs endpoint has something to show
	// while the script runs; the capture replaces it on completion.
	header := fmt.Sprintf("[%s] running %s script\n", time.Now().UTC().Format(time.RFC3339), kind)
	if err := c.store.SetExecutionLog(ctx, exec.ID, header); err != nil {
		log.Printf("execution %s: set log: %v", exec.ID, err)
	}

	runner, err := c.runners.For(kind)
	if err != nil {
		c.fail(ctx, exec, "", fmt.Sprintf("no runner for kind %s", kind), -1)
		return
	}

	capture, err := runner.Run(ctx, sandbox.RunSpec{
		Script:  study.Script,
		Kind:    kind,
		Env:     c.opts.ScriptEnv,
		Timeout: timeout,
	})
	if err != nil {
		log.Printf("execution %s: sandbox error: %v", exec.ID, err)
		c.fail(ctx, exec, "", fmt.Sprintf("sandbox error: %v", err), -1)
		return
	}

	logText := combineLog(capture)

	switch {
	case capture.TimedOut:
		c.complete(ctx, exec, state.ExecutionUpdate{
			Status:       state.ExecutionTimedOut,
			Log:          logText,
			ErrorMessage: fmt.Sprintf("execution exceeded timeout of %s", timeout),
			ExitCode:     capture.ExitCode,
		}, "timed out")

	case capture.ExitCode != 0:
		c.complete(ctx, exec, state.ExecutionUpdate{
			Status:       state.ExecutionFailed,
			Log:          logText,
			ErrorMessage: fmt.Sprintf("script exited with code %d", capture.ExitCode),
			ExitCode:     capture.ExitCode,
		}, "script failed")

	default:
		payload := []byte(strings.TrimSpace(capture.Stdout))
		if !json.Valid(payload) {
			c.fail(ctx, exec, logText, "script output is not valid JSON", 0)
			return
		}
		if err := c.store.PutResult(ctx, exec.ID, payload); err != nil {
			log.Printf("execution %s: store result: %v", exec.ID, err)
			c.fail(ctx, exec, logText, fmt.Sprintf("store result: %v", err), 0)
			return
		}
		c.complete(ctx, exec, state.ExecutionUpdate{
			Status:   state.ExecutionSucceeded,
			Log:      logText,
			ExitCode: 0,
		}, "completed")
	}
}

func (c *Coordinator) fail(ctx context.Context, exec *state.Execution, logText, message string, exitCode int) {
	c.complete(ctx, exec, state.ExecutionUpdate{
		Status:       state.ExecutionFailed,
		Log:          logText,
		ErrorMessage: message,
		ExitCode:     exitCode,
	}, message)
}

func (c *Coordinator) complete(ctx context.Context, exec *state.Execution, update state.ExecutionUpdate, message string) {
	if err := c.store.CompleteExecution(ctx, exec.ID, update); err != nil {
		log.Printf("execution %s: complete as %s: %v", exec.ID, update.Status, err)
		return
	}
	exec.Status = update.Status
	c.publish(exec, message)
}

func (c *Coordinator) publish(exec *state.Execution, message string) {
	if err := c.publisher.PublishTransition(context.Background(), exec, message); err != nil {
		log.Printf("execution %s: publish event: %v", exec.ID, err)
	}
}

func (c *Coordinator) track(id string) {
	c.mu.Lock()
	c.live[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.mu.Lock()
	delete(c.live, id)
	c.mu.Unlock()
}

func (c *Coordinator) isLive(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.live[id]
	return ok
}

// combineLog merges stdout and stderr into one captured log.
func combineLog(capture *sandbox.Capture) string {
	var b strings.Builder
	b.WriteString(capture.Stdout)
	if capture.Stderr != "" {
		if b.Len() > 0 && !strings.HasSuffix(capture.Stdout, "\n") {
			b.WriteString("\n")
		}
		b.WriteString(capture.Stderr)
	}
	return b.String()
}
