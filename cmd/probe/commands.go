package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/worldland/worldland-probe/internal/cli"
)

var errSnippetFailed = errors.New("snippet did not exit cleanly")

// SnippetSource is shared by exec and analyze: inline code, a file, or stdin
type SnippetSource struct {
	Code string `short:"c" help:"Snippet passed inline."`
	File string `arg:"" optional:"" help:"Script file; omit or use - to read stdin."`
}

func (s SnippetSource) read(stdin io.Reader) (string, error) {
	if s.Code != "" {
		return s.Code, nil
	}
	if s.File == "" || s.File == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(s.File)
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	return string(data), nil
}

type MetricsCmd struct{}

func (c *MetricsCmd) Run(app *App) error {
	b, done, err := app.backend()
	if err != nil {
		return err
	}
	defer done()

	m, err := b.Metrics(context.Background())
	if err != nil {
		return err
	}
	return app.emit(m, func(w io.Writer) { cli.PrintMetrics(w, m) })
}

type ModelsCmd struct{}

func (c *ModelsCmd) Run(app *App) error {
	b, done, err := app.backend()
	if err != nil {
		return err
	}
	defer done()

	list, err := b.Models(context.Background())
	if err != nil {
		return err
	}
	return app.emit(list, func(w io.Writer) { cli.PrintModelsTable(w, list.Models) })
}

type ExecCmd struct {
	SnippetSource
	TimeoutMs int64 `name:"timeout-ms" help:"Execution timeout in milliseconds (0 uses the configured default)."`
}

func (c *ExecCmd) Run(app *App) error {
	if c.TimeoutMs < 0 {
		return errors.New("--timeout-ms must not be negative")
	}
	code, err := c.read(os.Stdin)
	if err != nil {
		return err
	}

	b, done, err := app.backend()
	if err != nil {
		return err
	}
	defer done()

	outcome, err := b.Execute(context.Background(), code, time.Duration(c.TimeoutMs)*time.Millisecond)
	if err != nil {
		return err
	}
	if err := app.emit(outcome, func(w io.Writer) { cli.PrintExecution(w, outcome) }); err != nil {
		return err
	}
	if !outcome.Success {
		return errSnippetFailed
	}
	return nil
}

type AnalyzeCmd struct {
	SnippetSource
}

func (c *AnalyzeCmd) Run(app *App) error {
	code, err := c.read(os.Stdin)
	if err != nil {
		return err
	}

	b, done, err := app.backend()
	if err != nil {
		return err
	}
	defer done()

	m, err := b.Analyze(context.Background(), code)
	if err != nil {
		return err
	}
	return app.emit(m, func(w io.Writer) { cli.PrintCodeMetrics(w, m) })
}

type IndexCmd struct {
	Path       string `arg:"" help:"Workspace root." type:"path"`
	PersistDir string `name:"persist-dir" help:"Vector store directory." default:".chroma"`
}

func (c *IndexCmd) Run(app *App) error {
	b, done, err := app.backend()
	if err != nil {
		return err
	}
	defer done()

	stats, err := b.Index(context.Background(), c.Path, c.PersistDir)
	if err != nil {
		return err
	}
	return app.emit(stats, func(w io.Writer) { cli.PrintIndexStats(w, c.Path, stats) })
}

type RetrieveCmd struct {
	Query    string `arg:"" help:"Search query."`
	NResults int    `short:"n" name:"n-results" help:"Number of chunks to return." default:"5"`
}

func (c *RetrieveCmd) Run(app *App) error {
	b, done, err := app.backend()
	if err != nil {
		return err
	}
	defer done()

	res, err := b.Retrieve(context.Background(), c.Query, c.NResults)
	if err != nil {
		return err
	}
	return app.emit(res, func(w io.Writer) { cli.PrintRetrieval(w, res) })
}

type PreflightCmd struct{}

func (c *PreflightCmd) Run(app *App) error {
	b, done, err := app.backend()
	if err != nil {
		return err
	}
	defer done()

	res, err := b.Preflight(context.Background())
	if err != nil {
		return err
	}
	return app.emit(res, func(w io.Writer) { cli.PrintPreflight(w, res) })
}
