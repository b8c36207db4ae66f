// Package sandbox runs untrusted snippets in a throwaway scratch directory
// and reports what they printed, how they exited and how long they took.
//
// Two backends share the same contract: HostExecutor spawns the interpreter
// directly, DockerExecutor runs it inside a network-less container with the
// scratch directory mounted read-only.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultInterpreter = "python3"
	DefaultScriptName  = "code.py"
	DefaultTimeout     = 5 * time.Second

	scratchPrefix = "code_exec_"
)

// ErrScratch is returned when the scratch directory cannot be prepared
var ErrScratch = errors.New("failed to prepare scratch directory")

// Config holds settings shared by both backends.
type Config struct {
	// Interpreter is the program that runs the script. Default python3.
	Interpreter string

	// ScriptName is the file the snippet is written to. Default code.py.
	ScriptName string

	// ScratchRoot is where scratch directories are created. Empty uses os.TempDir.
	ScratchRoot string

	// DefaultTimeout applies when Execute is called with a zero timeout.
	DefaultTimeout time.Duration

	// Limits are resource limits applied to the child (Linux only).
	Limits []Rlimit

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Interpreter == "" {
		c.Interpreter = DefaultInterpreter
	}
	if c.ScriptName == "" {
		c.ScriptName = DefaultScriptName
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate rejects unknown limit resources before anything is spawned.
func (c *Config) Validate() error {
	for _, rl := range c.Limits {
		if err := rl.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) timeout(requested time.Duration) time.Duration {
	if requested <= 0 {
		return c.DefaultTimeout
	}
	return requested
}

// scratch is one snippet's working directory
type scratch struct {
	dir    string
	script string
}

func newScratch(root, scriptName, code string) (*scratch, error) {
	dir, err := os.MkdirTemp(root, scratchPrefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScratch, err)
	}
	script := filepath.Join(dir, scriptName)
	if err := os.WriteFile(script, []byte(code), 0o644); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: failed to write script: %v", ErrScratch, err)
	}
	return &scratch{dir: dir, script: script}, nil
}

func (s *scratch) remove(log *slog.Logger) {
	if err := os.RemoveAll(s.dir); err != nil {
		log.Warn("failed to remove scratch directory", "dir", s.dir, "error", err)
	}
}
