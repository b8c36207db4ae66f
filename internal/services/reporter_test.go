package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/worldland-probe/internal/adapters/mtls"
	"github.com/worldland/worldland-probe/internal/adapters/nvml"
	"github.com/worldland/worldland-probe/internal/auth"
	"github.com/worldland/worldland-probe/internal/domain"
)

// MockTransport records sent messages and fails on demand
type MockTransport struct {
	mu          sync.Mutex
	ConnectErrs []error // consumed one per Connect call
	SendErrs    []error // consumed one per Send call
	Sent        chan []byte

	ConnectCalls int
	CloseCalls   int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{Sent: make(chan []byte, 64)}
}

func (m *MockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ConnectCalls++
	if len(m.ConnectErrs) > 0 {
		err := m.ConnectErrs[0]
		m.ConnectErrs = m.ConnectErrs[1:]
		return err
	}
	return nil
}

func (m *MockTransport) Send(msg []byte) error {
	m.mu.Lock()
	if len(m.SendErrs) > 0 {
		err := m.SendErrs[0]
		m.SendErrs = m.SendErrs[1:]
		m.mu.Unlock()
		if err != nil {
			return err
		}
	} else {
		m.mu.Unlock()
	}
	select {
	case m.Sent <- msg:
	default: // test stopped reading
	}
	return nil
}

func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCalls++
	return nil
}

func (m *MockTransport) connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ConnectCalls
}

// MockMetricsSource returns a fixed snapshot
type MockMetricsSource struct {
	Metrics domain.SystemMetrics
}

func (m *MockMetricsSource) SystemMetrics(ctx context.Context) domain.SystemMetrics {
	return m.Metrics
}

func sampleMetrics() domain.SystemMetrics {
	usage := 1.7
	return domain.SystemMetrics{CPU: domain.CPUStats{Usage: &usage}}
}

func zeroBackOff() backoff.BackOff {
	return &backoff.ZeroBackOff{}
}

func newTestReporter(t *testing.T, transport *MockTransport, mutate func(*ReporterConfig)) *Reporter {
	t.Helper()
	cfg := ReporterConfig{
		NodeID:     "node-1",
		Interval:   5 * time.Millisecond,
		Source:     &MockMetricsSource{Metrics: sampleMetrics()},
		Transport:  transport,
		NewBackOff: zeroBackOff,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	r, err := NewReporter(cfg)
	require.NoError(t, err)
	return r
}

// startReporter runs r until the returned stop func is called
func startReporter(t *testing.T, r *Reporter) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(2 * time.Second):
			t.Fatal("reporter did not stop")
			return nil
		}
	}
}

func nextEnvelope(t *testing.T, transport *MockTransport) Envelope {
	t.Helper()
	select {
	case msg := <-transport.Sent:
		var env Envelope
		require.NoError(t, json.Unmarshal(msg, &env))
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return Envelope{}
	}
}

func TestNewReporter_Validation(t *testing.T) {
	_, err := NewReporter(ReporterConfig{NodeID: "n", Transport: NewMockTransport()})
	assert.Error(t, err)

	_, err = NewReporter(ReporterConfig{NodeID: "n", Source: &MockMetricsSource{}})
	assert.Error(t, err)

	_, err = NewReporter(ReporterConfig{Source: &MockMetricsSource{}, Transport: NewMockTransport()})
	assert.Error(t, err)

	r, err := NewReporter(ReporterConfig{NodeID: "n", Source: &MockMetricsSource{}, Transport: NewMockTransport()})
	require.NoError(t, err)
	assert.Equal(t, DefaultInterval, r.cfg.Interval)
}

func TestRun_SendsHelloThenSnapshots(t *testing.T) {
	transport := NewMockTransport()
	stop := startReporter(t, newTestReporter(t, transport, nil))

	hello := nextEnvelope(t, transport)
	assert.Equal(t, TypeHello, hello.Type)
	assert.Equal(t, "node-1", hello.NodeID)

	snap := nextEnvelope(t, transport)
	assert.Equal(t, TypeSnapshot, snap.Type)
	var metrics domain.SystemMetrics
	require.NoError(t, json.Unmarshal(snap.Payload, &metrics))
	require.NotNil(t, metrics.CPU.Usage)
	assert.InDelta(t, 1.7, *metrics.CPU.Usage, 0.001)
	assert.Empty(t, snap.Signature)

	require.NoError(t, stop())
	assert.Equal(t, 1, transport.CloseCalls)
}

func TestRun_SignsPayloads(t *testing.T) {
	signer, err := auth.NewSigner("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	require.NoError(t, err)

	transport := NewMockTransport()
	stop := startReporter(t, newTestReporter(t, transport, func(c *ReporterConfig) { c.Signer = signer }))
	defer stop()

	nextEnvelope(t, transport)
	snap := nextEnvelope(t, transport)

	assert.Equal(t, signer.Address(), snap.Address)
	assert.NoError(t, auth.Verify(snap.Payload, snap.Signature, snap.Address))
}

func TestRun_HelloCarriesGPUSpecs(t *testing.T) {
	gpu := nvml.NewMockGPUProvider(nil, []domain.GPUSpec{{UUID: "GPU-0", Name: "RTX 4090", MemoryTotal: 24564}})
	transport := NewMockTransport()
	stop := startReporter(t, newTestReporter(t, transport, func(c *ReporterConfig) { c.GPU = gpu }))

	hello := nextEnvelope(t, transport)
	var payload HelloPayload
	require.NoError(t, json.Unmarshal(hello.Payload, &payload))
	require.Len(t, payload.GPUs, 1)
	assert.Equal(t, "RTX 4090", payload.GPUs[0].Name)

	require.NoError(t, stop())
	assert.Equal(t, 1, gpu.InitCalls)
	assert.Equal(t, 1, gpu.ShutdownCalls)
}

func TestRun_GPUInitFailureIsNotFatal(t *testing.T) {
	gpu := nvml.NewMockGPUProvider(nil, nil)
	gpu.InitErr = errors.New("libnvidia-ml.so not found")
	transport := NewMockTransport()
	stop := startReporter(t, newTestReporter(t, transport, func(c *ReporterConfig) { c.GPU = gpu }))

	hello := nextEnvelope(t, transport)
	assert.JSONEq(t, `{}`, string(hello.Payload))

	require.NoError(t, stop())
	assert.Equal(t, 0, gpu.ShutdownCalls)
}

func TestRun_RetriesConnect(t *testing.T) {
	transport := NewMockTransport()
	transport.ConnectErrs = []error{errors.New("refused"), errors.New("refused")}
	stop := startReporter(t, newTestReporter(t, transport, nil))
	defer stop()

	assert.Equal(t, TypeHello, nextEnvelope(t, transport).Type)
	assert.Equal(t, 3, transport.connects())
}

func TestRun_ReconnectsAfterSendFailure(t *testing.T) {
	transport := NewMockTransport()
	// hello succeeds, first snapshot fails
	transport.SendErrs = []error{nil, errors.New("broken pipe")}
	stop := startReporter(t, newTestReporter(t, transport, nil))
	defer stop()

	assert.Equal(t, TypeHello, nextEnvelope(t, transport).Type)
	// a fresh hello follows the reconnect
	assert.Equal(t, TypeHello, nextEnvelope(t, transport).Type)
	assert.Equal(t, 2, transport.connects())
}

func TestRun_GivesUpWhenBackOffStops(t *testing.T) {
	transport := NewMockTransport()
	transport.ConnectErrs = []error{errors.New("refused"), errors.New("refused")}
	r := newTestReporter(t, transport, func(c *ReporterConfig) {
		c.NewBackOff = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 1) }
	})

	err := r.Run(context.Background())

	assert.Error(t, err)
	assert.Equal(t, 2, transport.connects())
}

func TestHandleCommand(t *testing.T) {
	r := newTestReporter(t, NewMockTransport(), nil)

	ack := r.HandleCommand(mtls.Command{ID: "1", Type: "ping"})
	assert.Equal(t, mtls.CommandAck{CommandID: "1", Status: "ok"}, ack)

	ack = r.HandleCommand(mtls.Command{ID: "2", Type: "snapshot"})
	assert.Equal(t, "ok", ack.Status)
	cpu, ok := ack.Payload["cpu"].(map[string]interface{})
	require.True(t, ok)
	assert.InDelta(t, 1.7, cpu["usage"], 0.001)

	ack = r.HandleCommand(mtls.Command{ID: "3", Type: "reboot"})
	assert.Equal(t, "error", ack.Status)
	assert.Contains(t, ack.Error, "reboot")
}
