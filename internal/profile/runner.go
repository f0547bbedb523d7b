package profile

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// Runner executes short detection probes. Implementations must bound
// each probe; the Detector treats any error as "unknown".
type Runner interface {
	// Run executes a command and returns trimmed stdout and the exit
	// code. A non-nil error means the command could not be run at all
	// (not found, timed out); a non-zero exit is not an error.
	Run(ctx context.Context, name string, args ...string) (stdout string, exitCode int, err error)

	// LookPath reports whether name resolves on PATH.
	LookPath(name string) (string, error)
}

// ExecRunner runs probes via os/exec with a per-probe timeout.
type ExecRunner struct {
	Timeout time.Duration
}

// NewExecRunner returns a Runner with the given per-probe timeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := string(bytes.TrimSpace(stdout.Bytes()))

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out, exitErr.ExitCode(), nil
		}
		return out, -1, err
	}
	return out, 0, nil
}

func (r *ExecRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}
