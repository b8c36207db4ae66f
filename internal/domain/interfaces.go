package domain

import "context"

// GPUProvider abstracts GPU metrics collection for testing
type GPUProvider interface {
	// Init initializes the GPU provider (NVML or mock)
	Init() error
	// Shutdown cleanly shuts down the provider
	Shutdown() error
	// GetDeviceCount returns number of GPUs
	GetDeviceCount() (int, error)
	// GetMetrics returns current metrics for all GPUs
	GetMetrics() ([]GPUMetrics, error)
	// GetSpecs returns static specifications for all GPUs
	GetSpecs() ([]GPUSpec, error)
}

// CommandOutput is what an external program left behind
type CommandOutput struct {
	Stdout   string
	Stderr   string
	ExitCode *int // nil when terminated by a signal
}

// CommandRunner invokes an external program and captures its output.
// A non-zero exit is reported in CommandOutput, not returned as an error;
// only failing to start the program is an error.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandOutput, error)
}
