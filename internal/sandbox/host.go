package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/runner"
)

// waitDelay bounds how long Wait keeps draining output after the
// interpreter exits while a background child still holds the pipes
const waitDelay = 100 * time.Millisecond

// HostExecutor runs snippets as a direct child of this process
type HostExecutor struct {
	cfg Config
	log *slog.Logger
}

// NewHostExecutor creates a HostExecutor. Returns an error for unknown limits.
func NewHostExecutor(cfg Config) (*HostExecutor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &HostExecutor{cfg: cfg, log: cfg.Logger}, nil
}

// Execute writes code to a fresh scratch directory and runs the interpreter
// on it. The scratch directory is removed before Execute returns.
//
// When the timeout elapses the whole process group is killed and the outcome
// has TimedOut set and no exit code. Cancelling ctx kills the group as well
// but returns ctx.Err(). A zero timeout uses Config.DefaultTimeout.
func (e *HostExecutor) Execute(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	timeout = e.cfg.timeout(timeout)

	sc, err := newScratch(e.cfg.ScratchRoot, e.cfg.ScriptName, code)
	if err != nil {
		return domain.ExecutionOutcome{}, err
	}
	defer sc.remove(e.log)

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// not CommandContext: on timeout the whole group is killed, not just the interpreter
	cmd := exec.Command(e.cfg.Interpreter, sc.script)
	cmd.Dir = sc.dir
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.ExecutionOutcome{}, &runner.SpawnError{Program: e.cfg.Interpreter, Err: err}
	}
	if err := applyLimits(cmd.Process.Pid, e.cfg.Limits); err != nil {
		e.log.Warn("failed to apply resource limits", "pid", cmd.Process.Pid, "error", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timedOut := false
	select {
	case err := <-done:
		if errors.Is(err, exec.ErrWaitDelay) {
			e.log.Debug("snippet left processes behind", "pid", cmd.Process.Pid)
		}
		// anything the interpreter forked must not outlive the scratch directory
		if err := killProcessGroup(cmd); err != nil && !errors.Is(err, errNoProcess) {
			e.log.Warn("failed to kill leftover processes", "pid", cmd.Process.Pid, "error", err)
		}
	case <-runCtx.Done():
		if err := killProcessGroup(cmd); err != nil {
			e.log.Warn("failed to kill snippet", "pid", cmd.Process.Pid, "error", err)
		}
		<-done
		if err := ctx.Err(); err != nil {
			return domain.ExecutionOutcome{}, fmt.Errorf("snippet execution cancelled: %w", err)
		}
		timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded)
	}

	outcome := domain.ExecutionOutcome{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: time.Since(start).Milliseconds(),
		TimedOut:   timedOut,
	}
	if !timedOut {
		if code := cmd.ProcessState.ExitCode(); code >= 0 {
			outcome.ExitCode = &code
		}
	}
	outcome.Success = outcome.ExitCode != nil && *outcome.ExitCode == 0

	e.log.Debug("snippet finished",
		"interpreter", e.cfg.Interpreter,
		"success", outcome.Success,
		"timed_out", timedOut,
		"duration_ms", outcome.DurationMs)
	return outcome, nil
}
