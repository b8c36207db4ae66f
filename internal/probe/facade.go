// Package probe is the system introspection facade: it shells out to OS tools
// and CLIs, parses their text output and assembles structured results.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/worldland/worldland-probe/internal/analyzer"
	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/runner"
	"github.com/worldland/worldland-probe/internal/workspace"
)

// ErrConfiguration indicates an invalid or incomplete facade configuration.
var ErrConfiguration = errors.New("configuration error")

// Executor runs a snippet in isolation (see package sandbox)
type Executor interface {
	Execute(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error)
}

// Indexer walks a workspace (see package workspace)
type Indexer interface {
	Index(ctx context.Context, root, persistDir string) (domain.IndexStats, error)
}

// Commands names the external programs the probes call
type Commands struct {
	Top       string
	Free      string
	NvidiaSMI string
	Ollama    string
}

// DefaultCommands returns the program names looked up on PATH
func DefaultCommands() Commands {
	return Commands{
		Top:       "top",
		Free:      "free",
		NvidiaSMI: "nvidia-smi",
		Ollama:    "ollama",
	}
}

// Config holds the collaborators of a Facade.
type Config struct {
	// Runner starts external programs. Required.
	Runner domain.CommandRunner

	// Sandbox executes snippets. Required.
	Sandbox Executor

	// Indexer walks workspaces. Defaults to workspace.NewIndexer.
	Indexer Indexer

	// GPU is consulted when the GPU query tool is unavailable. Optional.
	GPU domain.GPUProvider

	// Region brackets blocking calls. Defaults to NopRegion.
	Region Region

	// Commands overrides program names. Empty fields use DefaultCommands.
	Commands Commands

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	var missingFields []string
	if c.Runner == nil {
		missingFields = append(missingFields, "Runner")
	}
	if c.Sandbox == nil {
		missingFields = append(missingFields, "Sandbox")
	}
	if len(missingFields) > 0 {
		return fmt.Errorf("%w: missing required fields: %s",
			ErrConfiguration, strings.Join(missingFields, ", "))
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Region == nil {
		c.Region = NopRegion{}
	}
	if c.Indexer == nil {
		c.Indexer = workspace.NewIndexer(c.Logger)
	}
	def := DefaultCommands()
	if c.Commands.Top == "" {
		c.Commands.Top = def.Top
	}
	if c.Commands.Free == "" {
		c.Commands.Free = def.Free
	}
	if c.Commands.NvidiaSMI == "" {
		c.Commands.NvidiaSMI = def.NvidiaSMI
	}
	if c.Commands.Ollama == "" {
		c.Commands.Ollama = def.Ollama
	}
}

// Facade exposes the six introspection operations.
// It holds no state between calls and is safe for concurrent use as long as
// its collaborators are.
type Facade struct {
	cfg Config
	log *slog.Logger
}

// New creates a Facade. Returns ErrConfiguration if a required field is missing.
func New(cfg Config) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Facade{cfg: cfg, log: cfg.Logger}, nil
}

// SystemMetrics collects cpu, memory and gpu usage. It never fails: anything
// that could not be measured is left out and explained in Diagnostics.
func (f *Facade) SystemMetrics(ctx context.Context) domain.SystemMetrics {
	var m domain.SystemMetrics

	if out, err := f.run(ctx, f.cfg.Commands.Top, "-bn1"); err != nil {
		m.Diagnostics = append(m.Diagnostics, domain.Diagnostic{Category: "cpu", Reason: err.Error()})
	} else {
		r := ParseCPU(out.Stdout)
		m.CPU.Usage = r.Usage.Ptr()
		m.Diagnostics = appendMissing(m.Diagnostics, "cpu", "usage", r.Usage)
	}

	if out, err := f.run(ctx, f.cfg.Commands.Free, "-m"); err != nil {
		m.Diagnostics = append(m.Diagnostics, domain.Diagnostic{Category: "memory", Reason: err.Error()})
	} else {
		r := ParseMemory(out.Stdout)
		m.Memory = domain.MemoryStats{
			Total:        r.Total.Ptr(),
			Used:         r.Used.Ptr(),
			UsagePercent: r.UsagePercent.Ptr(),
		}
		m.Diagnostics = appendMissing(m.Diagnostics, "memory", "total", r.Total)
		m.Diagnostics = appendMissing(m.Diagnostics, "memory", "used", r.Used)
		m.Diagnostics = appendMissing(m.Diagnostics, "memory", "usage_percent", r.UsagePercent)
	}

	m.GPU, m.Diagnostics = f.gpuStats(ctx, m.Diagnostics)

	if len(m.Diagnostics) > 0 {
		f.log.Debug("metrics collected with gaps", "missing", len(m.Diagnostics))
	}
	return m
}

func (f *Facade) gpuStats(ctx context.Context, diags []domain.Diagnostic) (domain.GPUStats, []domain.Diagnostic) {
	out, err := f.run(ctx, f.cfg.Commands.NvidiaSMI,
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits")
	if err != nil {
		if runner.IsSpawnError(err) && f.cfg.GPU != nil {
			stats, nvmlErr := f.nvmlStats()
			if nvmlErr == nil {
				return stats, diags
			}
			f.log.Debug("nvml fallback failed", "error", nvmlErr)
		}
		return domain.GPUStats{}, append(diags, domain.Diagnostic{Category: "gpu", Reason: err.Error()})
	}

	r := ParseGPU(out.Stdout)
	diags = appendMissing(diags, "gpu", "utilization", r.Utilization)
	diags = appendMissing(diags, "gpu", "memory_used", r.MemoryUsed)
	diags = appendMissing(diags, "gpu", "memory_total", r.MemoryTotal)
	diags = appendMissing(diags, "gpu", "memory_usage_percent", r.MemoryUsagePercent)
	return domain.GPUStats{
		Utilization:        r.Utilization.Ptr(),
		MemoryUsed:         r.MemoryUsed.Ptr(),
		MemoryTotal:        r.MemoryTotal.Ptr(),
		MemoryUsagePercent: r.MemoryUsagePercent.Ptr(),
	}, diags
}

// nvmlStats reads device 0 through the GPU provider. The provider is
// initialised and shut down within the call.
func (f *Facade) nvmlStats() (domain.GPUStats, error) {
	if err := f.cfg.GPU.Init(); err != nil {
		return domain.GPUStats{}, err
	}
	defer f.cfg.GPU.Shutdown()

	metrics, err := f.cfg.GPU.GetMetrics()
	if err != nil {
		return domain.GPUStats{}, err
	}
	if len(metrics) == 0 {
		return domain.GPUStats{}, errors.New("no gpu devices")
	}

	d := metrics[0]
	util := float64(d.GPUUtil)
	used := int64(d.MemoryUsed)
	total := int64(d.MemoryTotal)
	stats := domain.GPUStats{
		Utilization: &util,
		MemoryUsed:  &used,
		MemoryTotal: &total,
	}
	if total > 0 {
		pct := float64(used) / float64(total) * 100
		stats.MemoryUsagePercent = &pct
	}
	return stats, nil
}

// Models lists the models known to the local model manager. Unlike
// SystemMetrics, a missing model manager binary is an error (*runner.SpawnError).
func (f *Facade) Models(ctx context.Context) (domain.ModelList, error) {
	out, err := f.run(ctx, f.cfg.Commands.Ollama, "list")
	if err != nil {
		return domain.ModelList{}, fmt.Errorf("failed to list models: %w", err)
	}

	models, skipped := ParseModels(out.Stdout)
	if len(skipped) > 0 {
		f.log.Debug("skipped malformed model rows", "count", len(skipped))
	}
	return domain.ModelList{Models: models}, nil
}

// ExecuteCode runs code in the sandbox. A zero timeout uses the sandbox default.
func (f *Facade) ExecuteCode(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	release, err := f.cfg.Region.Enter(ctx)
	if err != nil {
		return domain.ExecutionOutcome{}, err
	}
	defer release()

	outcome, err := f.cfg.Sandbox.Execute(ctx, code, timeout)
	if err != nil {
		return outcome, err
	}

	f.log.Info("snippet executed",
		"success", outcome.Success,
		"timed_out", outcome.TimedOut,
		"duration_ms", outcome.DurationMs)
	return outcome, nil
}

// AnalyzeCode computes line-oriented code metrics
func (f *Facade) AnalyzeCode(code string) domain.CodeMetrics {
	return analyzer.Analyze(code)
}

// IndexAndEmbed walks the workspace. Embedding is not implemented; file
// contents are read and discarded.
func (f *Facade) IndexAndEmbed(ctx context.Context, root, persistDir string) (domain.IndexStats, error) {
	release, err := f.cfg.Region.Enter(ctx)
	if err != nil {
		return domain.IndexStats{}, err
	}
	defer release()

	return f.cfg.Indexer.Index(ctx, root, persistDir)
}

// RetrieveChunks returns an empty result annotated with the request
func (f *Facade) RetrieveChunks(query string, n int) domain.RetrievalResult {
	return workspace.Retrieve(query, n)
}

func (f *Facade) run(ctx context.Context, name string, args ...string) (domain.CommandOutput, error) {
	release, err := f.cfg.Region.Enter(ctx)
	if err != nil {
		return domain.CommandOutput{}, err
	}
	defer release()

	out, err := f.cfg.Runner.Run(ctx, name, args...)
	if err != nil {
		f.log.Debug("probe command unavailable", "program", name, "error", err)
		return out, err
	}
	return out, nil
}

func appendMissing[T any](diags []domain.Diagnostic, category, field string, v Field[T]) []domain.Diagnostic {
	if v.OK {
		return diags
	}
	return append(diags, domain.Diagnostic{Category: category, Field: field, Reason: v.Reason})
}
