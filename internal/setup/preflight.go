// Package setup reports which of the external programs the probes depend on
// are present on this host.
package setup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/probe"
	"github.com/worldland/worldland-probe/internal/runner"
)

const maxVersionLen = 60

// ComponentStatus represents the installation status of a probe dependency
type ComponentStatus struct {
	Name      string `json:"name"`
	Installed bool   `json:"installed"`
	Version   string `json:"version,omitempty"`
}

// PreflightResult contains the results of the preflight check
type PreflightResult struct {
	Components []ComponentStatus `json:"components"`
	OSId       string            `json:"os_id"`      // "ubuntu", "debian", etc.
	OSVersion  string            `json:"os_version"` // "22.04", "12", etc.
	GPUFound   bool              `json:"gpu_found"`
	GPUName    string            `json:"gpu_name,omitempty"`
}

// Tool is one external program and the arguments that make it print a version
type Tool struct {
	Name        string
	Binary      string
	VersionArgs []string
}

// ProbeTools lists the programs used by the probe facade and the sandbox
func ProbeTools(c probe.Commands, interpreter string) []Tool {
	return []Tool{
		{Name: "top", Binary: c.Top, VersionArgs: []string{"-v"}},
		{Name: "free", Binary: c.Free, VersionArgs: []string{"-V"}},
		{Name: "nvidia-smi", Binary: c.NvidiaSMI, VersionArgs: []string{"--query-gpu=driver_version", "--format=csv,noheader"}},
		{Name: "ollama", Binary: c.Ollama, VersionArgs: []string{"--version"}},
		{Name: "interpreter", Binary: interpreter, VersionArgs: []string{"--version"}},
	}
}

// Checker runs the preflight checks through a CommandRunner
type Checker struct {
	runner    domain.CommandRunner
	tools     []Tool
	gpuBinary string
	osRelease string
	log       *slog.Logger
}

// NewChecker creates a Checker. gpuBinary is queried for the GPU name;
// empty skips GPU detection.
func NewChecker(r domain.CommandRunner, tools []Tool, gpuBinary string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		runner:    r,
		tools:     tools,
		gpuBinary: gpuBinary,
		osRelease: "/etc/os-release",
		log:       logger,
	}
}

// Run checks every tool and collects OS and GPU information.
// A missing tool is reported, not returned as an error.
func (c *Checker) Run(ctx context.Context) (*PreflightResult, error) {
	result := &PreflightResult{}

	result.OSId, result.OSVersion = detectOS(c.osRelease)
	result.GPUFound, result.GPUName = c.detectGPU(ctx)

	for _, tool := range c.tools {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Components = append(result.Components, c.checkComponent(ctx, tool))
	}
	return result, nil
}

// MissingComponents returns the names of components that are not installed
func (r *PreflightResult) MissingComponents() []string {
	var missing []string
	for _, c := range r.Components {
		if !c.Installed {
			missing = append(missing, c.Name)
		}
	}
	return missing
}

// PrintStatus prints the preflight check results
func (r *PreflightResult) PrintStatus(w io.Writer) {
	for _, c := range r.Components {
		if c.Installed {
			fmt.Fprintf(w, "  ✓ %s: %s\n", c.Name, c.Version)
		} else {
			fmt.Fprintf(w, "  ✗ %s: NOT INSTALLED\n", c.Name)
		}
	}
	fmt.Fprintf(w, "  OS: %s %s\n", r.OSId, r.OSVersion)
	if r.GPUFound {
		fmt.Fprintf(w, "  GPU: %s\n", r.GPUName)
	}
}

func (c *Checker) checkComponent(ctx context.Context, tool Tool) ComponentStatus {
	cs := ComponentStatus{Name: tool.Name}

	out, err := c.runner.Run(ctx, tool.Binary, tool.VersionArgs...)
	if err != nil {
		if !runner.IsSpawnError(err) {
			c.log.Warn("preflight check failed", "tool", tool.Name, "error", err)
		}
		return cs
	}

	// Binary exists; a failing version command still counts as installed
	cs.Installed = true
	cs.Version = firstLine(out.Stdout)
	if cs.Version == "" {
		// some interpreters print their version on stderr
		cs.Version = firstLine(out.Stderr)
	}
	if cs.Version == "" || out.ExitCode == nil || *out.ExitCode != 0 {
		cs.Version = "(version unknown)"
	}
	if len(cs.Version) > maxVersionLen {
		cs.Version = cs.Version[:maxVersionLen]
	}
	return cs
}

func (c *Checker) detectGPU(ctx context.Context) (found bool, name string) {
	if c.gpuBinary == "" {
		return false, ""
	}
	out, err := c.runner.Run(ctx, c.gpuBinary, "--query-gpu=name", "--format=csv,noheader")
	if err != nil || out.ExitCode == nil || *out.ExitCode != 0 {
		return false, ""
	}
	// Take first line if multiple GPUs
	gpuName := firstLine(out.Stdout)
	return gpuName != "", gpuName
}

func detectOS(path string) (id, version string) {
	f, err := os.Open(path)
	if err != nil {
		return "unknown", ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "ID=") {
			id = strings.Trim(strings.TrimPrefix(line, "ID="), "\"")
		}
		if strings.HasPrefix(line, "VERSION_ID=") {
			version = strings.Trim(strings.TrimPrefix(line, "VERSION_ID="), "\"")
		}
	}
	return id, version
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
