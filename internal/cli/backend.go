package cli

import (
	"context"
	"errors"
	"time"

	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/probe"
	"github.com/worldland/worldland-probe/internal/setup"
)

// Backend is what the CLI commands talk to: the local facade or a remote server
type Backend interface {
	Metrics(ctx context.Context) (domain.SystemMetrics, error)
	Models(ctx context.Context) (domain.ModelList, error)
	Execute(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error)
	Analyze(ctx context.Context, code string) (domain.CodeMetrics, error)
	Index(ctx context.Context, root, persistDir string) (domain.IndexStats, error)
	Retrieve(ctx context.Context, query string, n int) (domain.RetrievalResult, error)
	Preflight(ctx context.Context) (*setup.PreflightResult, error)
}

// Compile-time interface checks
var (
	_ Backend = (*ProbeClient)(nil)
	_ Backend = (*LocalBackend)(nil)
)

// LocalBackend runs every command in-process
type LocalBackend struct {
	Facade  *probe.Facade
	Checker *setup.Checker
}

func (b *LocalBackend) Metrics(ctx context.Context) (domain.SystemMetrics, error) {
	return b.Facade.SystemMetrics(ctx), nil
}

func (b *LocalBackend) Models(ctx context.Context) (domain.ModelList, error) {
	return b.Facade.Models(ctx)
}

func (b *LocalBackend) Execute(ctx context.Context, code string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	return b.Facade.ExecuteCode(ctx, code, timeout)
}

func (b *LocalBackend) Analyze(_ context.Context, code string) (domain.CodeMetrics, error) {
	return b.Facade.AnalyzeCode(code), nil
}

func (b *LocalBackend) Index(ctx context.Context, root, persistDir string) (domain.IndexStats, error) {
	return b.Facade.IndexAndEmbed(ctx, root, persistDir)
}

func (b *LocalBackend) Retrieve(_ context.Context, query string, n int) (domain.RetrievalResult, error) {
	return b.Facade.RetrieveChunks(query, n), nil
}

func (b *LocalBackend) Preflight(ctx context.Context) (*setup.PreflightResult, error) {
	if b.Checker == nil {
		return nil, errors.New("preflight checker not configured")
	}
	return b.Checker.Run(ctx)
}
