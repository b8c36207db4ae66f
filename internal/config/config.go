// Package config loads probe settings. Values are layered: built-in
// defaults, then an optional YAML file, then PROBE_* environment variables
// (optionally seeded from a .env file). Command-line flags are applied by
// the caller last.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/elastic/go-ucfg"
	"github.com/elastic/go-ucfg/yaml"
	"github.com/joho/godotenv"

	"github.com/worldland/worldland-probe/internal/probe"
	"github.com/worldland/worldland-probe/internal/sandbox"
)

// ErrConfiguration wraps every validation failure
var ErrConfiguration = errors.New("invalid configuration")

const (
	BackendHost   = "host"
	BackendDocker = "docker"

	defaultAddr          = "127.0.0.1:8700"
	defaultMaxConcurrent = 4
	defaultHubInterval   = 30 * time.Second
	defaultMaxTimeout    = 10 * time.Minute
)

type Config struct {
	Server  ServerConfig  `config:"server"`
	Probe   ProbeConfig   `config:"probe"`
	Sandbox SandboxConfig `config:"sandbox"`
	Hub     HubConfig     `config:"hub"`
	Log     LogConfig     `config:"log"`
}

type ServerConfig struct {
	Addr          string        `config:"addr"`
	Token         string        `config:"token"`
	MaxConcurrent int           `config:"max_concurrent"` // concurrent child processes
	MaxTimeout    time.Duration `config:"max_timeout"`    // upper bound on timeout_ms
	TLS           TLSConfig     `config:"tls"`
}

// TLSConfig names PEM files. When CertFile is empty TLS is off.
type TLSConfig struct {
	CertFile string `config:"cert_file"`
	KeyFile  string `config:"key_file"`
	CAFile   string `config:"ca_file"`
}

func (t TLSConfig) Enabled() bool {
	return t.CertFile != ""
}

type ProbeConfig struct {
	Top       string `config:"top"`
	Free      string `config:"free"`
	NvidiaSMI string `config:"nvidia_smi"`
	Ollama    string `config:"ollama"`
	NVML      bool   `config:"nvml"` // GPU fallback through the NVML library
}

type SandboxConfig struct {
	Backend     string           `config:"backend"`
	Interpreter string           `config:"interpreter"`
	ScriptName  string           `config:"script_name"`
	ScratchRoot string           `config:"scratch_root"`
	Timeout     time.Duration    `config:"timeout"`
	Limits      []sandbox.Rlimit `config:"rlimits"`
	Docker      DockerSettings   `config:"docker"`
}

type DockerSettings struct {
	Image     string  `config:"image"`
	MemoryMB  int64   `config:"memory_mb"`
	CPUs      float64 `config:"cpus"`
	PidsLimit int64   `config:"pids_limit"`
}

// HubConfig enables the snapshot reporter when Addr is set.
// An empty NodeID falls back to the client certificate's CN.
type HubConfig struct {
	Addr           string        `config:"addr"`
	NodeID         string        `config:"node_id"`
	Interval       time.Duration `config:"interval"`
	SigningKeyFile string        `config:"signing_key_file"`
	TLS            TLSConfig     `config:"tls"`
}

func (h HubConfig) Enabled() bool {
	return h.Addr != ""
}

type LogConfig struct {
	Level  string `config:"level"`  // debug, info, warn, error
	Format string `config:"format"` // text or json
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	cmds := probe.DefaultCommands()
	return &Config{
		Server: ServerConfig{
			Addr:          defaultAddr,
			MaxConcurrent: defaultMaxConcurrent,
			MaxTimeout:    defaultMaxTimeout,
		},
		Probe: ProbeConfig{
			Top:       cmds.Top,
			Free:      cmds.Free,
			NvidiaSMI: cmds.NvidiaSMI,
			Ollama:    cmds.Ollama,
			NVML:      true,
		},
		Sandbox: SandboxConfig{
			Backend:     BackendHost,
			Interpreter: sandbox.DefaultInterpreter,
			ScriptName:  sandbox.DefaultScriptName,
			Timeout:     sandbox.DefaultTimeout,
			Docker:      DockerSettings{Image: sandbox.DefaultImage},
		},
		Hub: HubConfig{
			Interval: defaultHubInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from path (optional YAML) and the
// environment. envFile is loaded into the environment first; when empty a
// .env in the working directory is used if present.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := yaml.NewConfigWithFile(path, ucfg.PathSep("."))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := raw.Unpack(cfg, ucfg.PathSep(".")); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from PROBE_* variables
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrConfiguration, key, err)
		}
		*dst = d
		return nil
	}

	str("PROBE_SERVER_ADDR", &c.Server.Addr)
	str("PROBE_API_TOKEN", &c.Server.Token)
	str("PROBE_TLS_CERT_FILE", &c.Server.TLS.CertFile)
	str("PROBE_TLS_KEY_FILE", &c.Server.TLS.KeyFile)
	str("PROBE_TLS_CA_FILE", &c.Server.TLS.CAFile)
	str("PROBE_SANDBOX_BACKEND", &c.Sandbox.Backend)
	str("PROBE_SANDBOX_INTERPRETER", &c.Sandbox.Interpreter)
	str("PROBE_SANDBOX_IMAGE", &c.Sandbox.Docker.Image)
	str("PROBE_HUB_ADDR", &c.Hub.Addr)
	str("PROBE_NODE_ID", &c.Hub.NodeID)
	str("PROBE_SIGNING_KEY_FILE", &c.Hub.SigningKeyFile)
	str("PROBE_LOG_LEVEL", &c.Log.Level)
	str("PROBE_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("PROBE_MAX_CONCURRENT"); ok && v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: PROBE_MAX_CONCURRENT: %v", ErrConfiguration, err)
		}
		c.Server.MaxConcurrent = n
	}
	if err := dur("PROBE_SANDBOX_TIMEOUT", &c.Sandbox.Timeout); err != nil {
		return err
	}
	if err := dur("PROBE_MAX_TIMEOUT", &c.Server.MaxTimeout); err != nil {
		return err
	}
	return dur("PROBE_HUB_INTERVAL", &c.Hub.Interval)
}

// Validate reports every problem at once
func (c *Config) Validate() error {
	var problems []string

	if c.Server.MaxConcurrent < 1 {
		problems = append(problems, "server.max_concurrent must be at least 1")
	}
	if c.Server.MaxTimeout <= 0 {
		problems = append(problems, "server.max_timeout must be positive")
	}
	if c.Server.TLS.Enabled() && (c.Server.TLS.KeyFile == "" || c.Server.TLS.CAFile == "") {
		problems = append(problems, "server.tls requires cert_file, key_file and ca_file")
	}

	switch c.Sandbox.Backend {
	case BackendHost:
	case BackendDocker:
		if len(c.Sandbox.Limits) > 0 {
			problems = append(problems, "sandbox.rlimits are not supported by the docker backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("sandbox.backend must be %q or %q, got %q", BackendHost, BackendDocker, c.Sandbox.Backend))
	}
	if c.Sandbox.Timeout < 0 {
		problems = append(problems, "sandbox.timeout must not be negative")
	}
	for _, rl := range c.Sandbox.Limits {
		if err := rl.Validate(); err != nil {
			problems = append(problems, "sandbox.rlimits: "+err.Error())
		}
	}

	if c.Hub.Enabled() {
		if c.Hub.TLS.CertFile == "" || c.Hub.TLS.KeyFile == "" || c.Hub.TLS.CAFile == "" {
			problems = append(problems, "hub.tls requires cert_file, key_file and ca_file")
		}
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, err.Error())
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}

// Commands maps the probe section onto probe.Commands
func (c *Config) Commands() probe.Commands {
	return probe.Commands{
		Top:       c.Probe.Top,
		Free:      c.Probe.Free,
		NvidiaSMI: c.Probe.NvidiaSMI,
		Ollama:    c.Probe.Ollama,
	}
}

// SandboxConfig builds the settings shared by both sandbox backends
func (c *Config) SandboxConfig(logger *slog.Logger) sandbox.Config {
	return sandbox.Config{
		Interpreter:    c.Sandbox.Interpreter,
		ScriptName:     c.Sandbox.ScriptName,
		ScratchRoot:    c.Sandbox.ScratchRoot,
		DefaultTimeout: c.Sandbox.Timeout,
		Limits:         c.Sandbox.Limits,
		Logger:         logger,
	}
}

// DockerConfig builds the container backend settings
func (c *Config) DockerConfig(logger *slog.Logger) sandbox.DockerConfig {
	return sandbox.DockerConfig{
		Config:      c.SandboxConfig(logger),
		Image:       c.Sandbox.Docker.Image,
		MemoryBytes: c.Sandbox.Docker.MemoryMB * 1024 * 1024,
		CPUCount:    c.Sandbox.Docker.CPUs,
		PidsLimit:   c.Sandbox.Docker.PidsLimit,
	}
}

// ParseLevel maps a level name onto slog.Level
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", name)
	}
	return level, nil
}
