// Package runner starts external programs and captures what they print.
package runner

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"

	"github.com/worldland/worldland-probe/internal/domain"
)

// ExecRunner runs programs on the host with os/exec
type ExecRunner struct {
	// Dir is the working directory for children; empty means inherit.
	Dir string

	logger *slog.Logger
}

// NewExecRunner creates a runner that logs through logger (nil uses slog.Default)
func NewExecRunner(logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{logger: logger}
}

// Run invokes name with args and waits for it to finish.
// Only a failure to start the program is returned as an error (*SpawnError);
// a non-zero exit status is reported through CommandOutput.ExitCode.
func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (domain.CommandOutput, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = r.Dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := domain.CommandOutput{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	// ProcessState is only set once the child actually ran
	if cmd.ProcessState == nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		if err == nil {
			err = exec.ErrNotFound
		}
		r.logger.Debug("command did not start", "program", name, "error", err)
		return out, &SpawnError{Program: name, Err: err}
	}

	if code := cmd.ProcessState.ExitCode(); code >= 0 {
		out.ExitCode = &code
	}

	r.logger.Debug("command finished",
		"program", name,
		"args", args,
		"exit_code", cmd.ProcessState.ExitCode(),
		"stdout_bytes", stdout.Len())

	return out, nil
}

// Compile-time interface check
var _ domain.CommandRunner = (*ExecRunner)(nil)
