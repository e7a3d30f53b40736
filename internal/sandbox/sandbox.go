// Package sandbox executes untrusted study scripts with bounded
// resources, capturing their output and exit status.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// Kind identifies a supported script language.
type Kind string

const (
	KindR          Kind = "R"
	KindPython     Kind = "python"
	KindJavaScript Kind = "javascript"
)

// ErrUnsupportedKind is returned before anything is spawned when a
// script kind has no runner.
var ErrUnsupportedKind = errors.New("unsupported script kind")

// SupportedKind reports whether k is a known script kind.
func SupportedKind(k Kind) bool {
	switch k {
	case KindR, KindPython, KindJavaScript:
		return true
	}
	return false
}

// ParseKind normalizes a user-supplied kind string.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindR:
		return KindR, nil
	case KindPython, Kind("Python"):
		return KindPython, nil
	case KindJavaScript, Kind("js"):
		return KindJavaScript, nil
	}
	return "", ErrUnsupportedKind
}

// RunSpec describes one script run.
type RunSpec struct {
	// Script is the script content to execute.
	Script []byte
	// Kind selects the interpreter.
	Kind Kind
	// Env is injected into the script's environment. For clinical
	// studies this carries the data store connection parameters.
	Env map[string]string
	// Timeout bounds wall-clock execution; on expiry the process tree
	// is killed and the capture is marked TimedOut.
	Timeout time.Duration
}

// Capture is everything a script run leaves behind. The execution
// environment itself is torn down unconditionally.
//
// Script-level failure (non-zero exit, script exception) is an
// outcome recorded here, never an error return; Run only returns an
// error for infrastructure failures such as a missing interpreter.
type Capture struct {
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
}

// Runner executes scripts of one kind.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (*Capture, error)
}

// Runners maps script kinds to their runner.
type Runners map[Kind]Runner

// For selects the runner for a kind, ErrUnsupportedKind if absent.
func (rs Runners) For(kind Kind) (Runner, error) {
	r, ok := rs[kind]
	if !ok {
		return nil, ErrUnsupportedKind
	}
	return r, nil
}

// NewRunners builds the default runner set: R and Python via external
// interpreters, JavaScript in-process.
func NewRunners(rscriptPath, pythonPath, workDir string) Runners {
	return Runners{
		KindR:          NewProcessRunner(KindR, rscriptPath, ".R", workDir),
		KindPython:     NewProcessRunner(KindPython, pythonPath, ".py", workDir),
		KindJavaScript: NewJSRunner(),
	}
}
