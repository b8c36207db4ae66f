// Package services runs the long-lived background work of a probe node.
// The Reporter pushes periodic system snapshots to a hub and answers the
// hub's on-demand commands.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/worldland/worldland-probe/internal/adapters/mtls"
	"github.com/worldland/worldland-probe/internal/domain"
)

const (
	DefaultInterval = 30 * time.Second

	// bound for a single on-demand snapshot triggered by the hub
	commandTimeout = 15 * time.Second
)

// Message types sent to the hub
const (
	TypeHello    = "hello"
	TypeSnapshot = "snapshot"
)

// MetricsSource produces one system snapshot (probe.Facade)
type MetricsSource interface {
	SystemMetrics(ctx context.Context) domain.SystemMetrics
}

// Transport delivers framed messages to the hub (mtls.Client)
type Transport interface {
	Connect(ctx context.Context) error
	Send(msg []byte) error
	Close() error
}

// commandListener is implemented by transports that receive hub commands
type commandListener interface {
	Listen() error
}

// PayloadSigner signs message payloads (auth.Signer)
type PayloadSigner interface {
	Address() string
	Sign(payload []byte) (string, error)
}

// Envelope is one line on the wire. Signature covers the raw Payload bytes.
type Envelope struct {
	Type      string          `json:"type"`
	NodeID    string          `json:"node_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Address   string          `json:"address,omitempty"`
	Signature string          `json:"signature,omitempty"`
}

// HelloPayload announces the node and its static GPU inventory
type HelloPayload struct {
	GPUs []domain.GPUSpec `json:"gpus,omitempty"`
}

// ReporterConfig wires a Reporter. Source and Transport are required.
type ReporterConfig struct {
	NodeID    string
	Interval  time.Duration
	Source    MetricsSource
	Transport Transport

	// Optional
	Signer PayloadSigner
	GPU    domain.GPUProvider
	Logger *slog.Logger

	// NewBackOff builds the reconnect policy; nil retries with exponential
	// backoff until the context ends
	NewBackOff func() backoff.BackOff
}

// Reporter manages the hub connection and the snapshot loop.
type Reporter struct {
	cfg ReporterConfig
	log *slog.Logger
}

// NewReporter validates cfg and fills in defaults
func NewReporter(cfg ReporterConfig) (*Reporter, error) {
	if cfg.Source == nil {
		return nil, errors.New("reporter requires a metrics source")
	}
	if cfg.Transport == nil {
		return nil, errors.New("reporter requires a transport")
	}
	if cfg.NodeID == "" {
		return nil, errors.New("reporter requires a node ID")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Reporter{cfg: cfg, log: cfg.Logger.With("component", "reporter")}, nil
}

// Run connects to the hub and reports every Interval until ctx is done.
// A failed send drops the connection and reconnects before the next tick.
func (r *Reporter) Run(ctx context.Context) error {
	defer r.cfg.Transport.Close()

	if r.cfg.GPU != nil {
		if err := r.cfg.GPU.Init(); err != nil {
			r.log.Warn("GPU provider init failed, continuing without GPU inventory", "error", err)
			r.cfg.GPU = nil
		} else {
			defer r.cfg.GPU.Shutdown()
		}
	}

	if err := r.connect(ctx); err != nil {
		return ignoreCancel(ctx, err)
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reporter stopped")
			return nil
		case <-ticker.C:
			err := r.report(ctx)
			if err == nil {
				continue
			}
			r.log.Warn("failed to send snapshot, reconnecting", "error", err)
			if err := r.connect(ctx); err != nil {
				return ignoreCancel(ctx, err)
			}
		}
	}
}

// HandleCommand answers hub commands; it is installed as mtls.Client.OnCommand
func (r *Reporter) HandleCommand(cmd mtls.Command) mtls.CommandAck {
	r.log.Debug("received command", "id", cmd.ID, "type", cmd.Type)

	switch cmd.Type {
	case "ping":
		return mtls.CommandAck{CommandID: cmd.ID, Status: "ok"}
	case TypeSnapshot:
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		payload, err := toMap(r.cfg.Source.SystemMetrics(ctx))
		if err != nil {
			return mtls.CommandAck{CommandID: cmd.ID, Status: "error", Error: err.Error()}
		}
		return mtls.CommandAck{CommandID: cmd.ID, Status: "ok", Payload: payload}
	default:
		return mtls.CommandAck{CommandID: cmd.ID, Status: "error", Error: fmt.Sprintf("unknown command type %q", cmd.Type)}
	}
}

// connect dials with backoff, starts the command listener and says hello
func (r *Reporter) connect(ctx context.Context) error {
	op := func() error {
		if err := r.cfg.Transport.Connect(ctx); err != nil {
			return err
		}
		return r.hello()
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("hub connection failed", "error", err, "retry_in", wait)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(r.cfg.NewBackOff(), ctx), notify); err != nil {
		return fmt.Errorf("failed to connect to hub: %w", err)
	}

	if l, ok := r.cfg.Transport.(commandListener); ok {
		go func() {
			if err := l.Listen(); err != nil {
				r.log.Debug("command listener stopped", "error", err)
			}
		}()
	}
	r.log.Info("connected to hub", "node_id", r.cfg.NodeID)
	return nil
}

func (r *Reporter) hello() error {
	var hello HelloPayload
	if r.cfg.GPU != nil {
		specs, err := r.cfg.GPU.GetSpecs()
		if err != nil {
			r.log.Warn("failed to read GPU specs", "error", err)
		}
		hello.GPUs = specs
	}
	return r.send(TypeHello, hello)
}

func (r *Reporter) report(ctx context.Context) error {
	metrics := r.cfg.Source.SystemMetrics(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return r.send(TypeSnapshot, metrics)
}

func (r *Reporter) send(msgType string, payload any) error {
	msg, err := r.envelope(msgType, payload)
	if err != nil {
		return err
	}
	return r.cfg.Transport.Send(msg)
}

func (r *Reporter) envelope(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}

	env := Envelope{
		Type:      msgType,
		NodeID:    r.cfg.NodeID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	if r.cfg.Signer != nil {
		sig, err := r.cfg.Signer.Sign(raw)
		if err != nil {
			return nil, err
		}
		env.Address = r.cfg.Signer.Address()
		env.Signature = sig
	}
	return json.Marshal(env)
}

func toMap(v any) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	err = json.Unmarshal(data, &m)
	return m, err
}

func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
