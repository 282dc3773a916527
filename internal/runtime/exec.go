package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// ExecRuntime implements CommandRunner using raw OS processes.
type ExecRuntime struct {
	// Env is appended to the parent environment of every command.
	Env map[string]string
}

var _ CommandRunner = (*ExecRuntime)(nil)

// NewExecRuntime creates a new process-based runner.
func NewExecRuntime(env map[string]string) *ExecRuntime {
	return &ExecRuntime{Env: env}
}

// Run implements CommandRunner.Run. It waits for the process and captures
// both output streams. A non-zero exit is reported through Result.ExitCode
// and an *ExitError.
func (e *ExecRuntime) Run(ctx context.Context, name string, args ...string) (Result, error) {
	if name == "" {
		return Result{}, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if len(e.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range e.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}

	if ctx.Err() != nil {
		res.ExitCode = -1
		return res, ctx.Err()
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{
			Command:  name,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(res.Stderr),
		}
	}
	return res, fmt.Errorf("failed to start %s: %w", name, err)
}
