package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alecthomas/kong"

	"github.com/worldland/worldland-probe/internal/adapters/mtls"
	"github.com/worldland/worldland-probe/internal/adapters/nvml"
	"github.com/worldland/worldland-probe/internal/cli"
	"github.com/worldland/worldland-probe/internal/config"
	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/probe"
	"github.com/worldland/worldland-probe/internal/runner"
	"github.com/worldland/worldland-probe/internal/sandbox"
	"github.com/worldland/worldland-probe/internal/setup"
)

// Globals are flags shared by every subcommand. Non-empty flags win over
// the configuration file and the environment.
type Globals struct {
	Config    string        `help:"YAML configuration file." type:"path" env:"PROBE_CONFIG"`
	EnvFile   string        `help:"dotenv file loaded before PROBE_* variables." type:"path" name:"env-file"`
	Remote    string        `help:"Base URL of a probe server. Commands other than serve go through it." env:"PROBE_REMOTE"`
	Token     string        `help:"Bearer token for --remote."`
	TLSCert   string        `help:"Client certificate for an mTLS --remote." type:"path" name:"tls-cert"`
	TLSKey    string        `help:"Client key for an mTLS --remote." type:"path" name:"tls-key"`
	TLSCA     string        `help:"CA bundle that signed the --remote server." type:"path" name:"tls-ca"`
	Timeout   time.Duration `help:"HTTP timeout for --remote." default:"60s"`
	JSON      bool          `help:"Print JSON instead of tables."`
	LogLevel  string        `help:"Log level (debug, info, warn, error)." name:"log-level"`
	LogFormat string        `help:"Log format (text, json)." name:"log-format"`
}

type CLI struct {
	Globals

	Serve     ServeCmd     `cmd:"" help:"Serve the probe operations over HTTP."`
	Metrics   MetricsCmd   `cmd:"" help:"Print a CPU, memory and GPU snapshot."`
	Models    ModelsCmd    `cmd:"" help:"List locally installed models."`
	Exec      ExecCmd      `cmd:"" help:"Run a snippet in the sandbox."`
	Analyze   AnalyzeCmd   `cmd:"" help:"Print heuristic code metrics for a snippet."`
	Index     IndexCmd     `cmd:"" help:"Walk and index a workspace."`
	Retrieve  RetrieveCmd  `cmd:"" help:"Query indexed chunks."`
	Preflight PreflightCmd `cmd:"" help:"Report which probe tools are installed."`
}

// App carries what every command needs after flags and config are resolved
type App struct {
	Globals
	cfg *config.Config
	log *slog.Logger
	out io.Writer
}

func main() {
	var c CLI
	kctx := kong.Parse(&c,
		kong.Name("probe"),
		kong.Description("System probe: host metrics, local models and sandboxed snippets."),
		kong.UsageOnError(),
	)

	app, err := newApp(c.Globals, os.Stdout, os.Stderr)
	kctx.FatalIfErrorf(err)
	kctx.FatalIfErrorf(kctx.Run(app))
}

func newApp(g Globals, out, logOut io.Writer) (*App, error) {
	cfg, err := config.Load(g.Config, g.EnvFile)
	if err != nil {
		return nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	if g.Token == "" {
		g.Token = cfg.Server.Token
	}
	if g.TLSCert == "" && cfg.Server.TLS.Enabled() {
		g.TLSCert, g.TLSKey, g.TLSCA = cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile, cfg.Server.TLS.CAFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Log, logOut)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	return &App{Globals: g, cfg: cfg, log: logger, out: out}, nil
}

func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if lc.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// localStack is the in-process facade and everything it owns
type localStack struct {
	facade  *probe.Facade
	checker *setup.Checker
	gpu     domain.GPUProvider
	close   func()
}

func (a *App) newLocalStack(region probe.Region) (*localStack, error) {
	r := runner.NewExecRunner(a.log)

	var (
		executor probe.Executor
		closeFn  = func() {}
	)
	switch a.cfg.Sandbox.Backend {
	case config.BackendDocker:
		d, err := sandbox.NewDockerExecutor(a.cfg.DockerConfig(a.log))
		if err != nil {
			return nil, err
		}
		executor = d
		closeFn = func() { d.Close() }
	default:
		h, err := sandbox.NewHostExecutor(a.cfg.SandboxConfig(a.log))
		if err != nil {
			return nil, err
		}
		executor = h
	}

	var gpu domain.GPUProvider
	if a.cfg.Probe.NVML {
		gpu = nvml.NewNVMLProvider()
	}

	facade, err := probe.New(probe.Config{
		Runner:   r,
		Sandbox:  executor,
		GPU:      gpu,
		Region:   region,
		Commands: a.cfg.Commands(),
		Logger:   a.log,
	})
	if err != nil {
		closeFn()
		return nil, err
	}

	cmds := a.cfg.Commands()
	checker := setup.NewChecker(probe.NewRegionRunner(r, region), setup.ProbeTools(cmds, a.cfg.Sandbox.Interpreter), cmds.NvidiaSMI, a.log)

	return &localStack{facade: facade, checker: checker, gpu: gpu, close: closeFn}, nil
}

// backend picks the remote client or an in-process facade
func (a *App) backend() (cli.Backend, func(), error) {
	if a.Remote != "" {
		client := cli.NewProbeClient(a.Remote, a.Token, a.Timeout)
		if a.TLSCert != "" {
			cert, pool, err := mtls.LoadCredentials(a.TLSCert, a.TLSKey, a.TLSCA)
			if err != nil {
				return nil, nil, err
			}
			client.SetTLSConfig(mtls.ClientConfig(cert, pool))
		}
		return client, func() {}, nil
	}
	stack, err := a.newLocalStack(probe.NopRegion{})
	if err != nil {
		return nil, nil, err
	}
	return &cli.LocalBackend{Facade: stack.facade, Checker: stack.checker}, stack.close, nil
}

// emit prints v as JSON when --json is set, otherwise calls render
func (a *App) emit(v any, render func(io.Writer)) error {
	if !a.JSON {
		render(a.out)
		return nil
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return nil
}
