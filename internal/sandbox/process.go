package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// ProcessRunner executes scripts through an external interpreter in a
// throwaway working directory. The script runs in its own process
// group so a timeout kills the whole tree, not just the interpreter.
type ProcessRunner struct {
	kind        Kind
	interpreter string
	scriptExt   string
	workDir     string
}

// NewProcessRunner creates a runner for one script kind.
// workDir is where scratch directories are created; empty means the
// OS temp directory.
func NewProcessRunner(kind Kind, interpreter, scriptExt, workDir string) *ProcessRunner {
	return &ProcessRunner{
		kind:        kind,
		interpreter: interpreter,
		scriptExt:   scriptExt,
		workDir:     workDir,
	}
}

// Run executes the script and returns its capture. The scratch
// directory is removed on every exit path.
func (r *ProcessRunner) Run(ctx context.Context, spec RunSpec) (*Capture, error) {
	if spec.Kind != r.kind {
		return nil, fmt.Errorf("%w: %s runner got %q", ErrUnsupportedKind, r.kind, spec.Kind)
	}

	dir, err := os.MkdirTemp(r.workDir, "spe-exec-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	scriptPath := filepath.Join(dir, "study"+r.scriptExt)
	if err := os.WriteFile(scriptPath, spec.Script, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write script: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, r.interpreter, scriptPath)
	cmd.Dir = dir

	// The script sees only what we inject plus the bare minimum to
	// locate its interpreter's runtime. Notably not the coordinator's
	// own environment.
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
	}
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = 5 * time.Second

	err = cmd.Run()

	capture := &Capture{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		capture.TimedOut = true
		capture.ExitCode = -1
		return capture, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			capture.ExitCode = exitErr.ExitCode()
			return capture, nil
		}
		// Could not spawn at all: infrastructure failure.
		return nil, fmt.Errorf("failed to run %s interpreter: %w", r.kind, err)
	}

	return capture, nil
}
