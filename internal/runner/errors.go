package runner

import (
	"errors"
	"fmt"
)

// ErrSpawn classifies failures to create a child process
// (missing binary, permission denied, bad working directory).
var ErrSpawn = errors.New("spawn failed")

// SpawnError reports that a program could not be started at all.
type SpawnError struct {
	// Program is the executable that was requested.
	Program string

	// Err is the underlying OS error.
	Err error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to start %s: %v", e.Program, e.Err)
}

// Unwrap returns the underlying error for use with errors.Is and errors.As.
func (e *SpawnError) Unwrap() error {
	return e.Err
}

// Is lets callers test against ErrSpawn without a type assertion.
func (e *SpawnError) Is(target error) bool {
	return target == ErrSpawn
}

// IsSpawnError reports whether err (or anything it wraps) is a SpawnError
func IsSpawnError(err error) bool {
	var se *SpawnError
	return errors.As(err, &se)
}
