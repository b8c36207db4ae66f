package nvml

import "github.com/worldland/worldland-probe/internal/domain"

// MockGPUProvider provides fake GPU data for testing and for hosts without
// NVIDIA hardware.
type MockGPUProvider struct {
	Metrics    []domain.GPUMetrics
	Specs      []domain.GPUSpec
	InitErr    error
	MetricsErr error

	// Call tracking
	InitCalls     int
	ShutdownCalls int
}

func NewMockGPUProvider(metrics []domain.GPUMetrics, specs []domain.GPUSpec) *MockGPUProvider {
	return &MockGPUProvider{Metrics: metrics, Specs: specs}
}

func (p *MockGPUProvider) Init() error {
	p.InitCalls++
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	p.ShutdownCalls++
	return nil
}

func (p *MockGPUProvider) GetDeviceCount() (int, error) {
	return len(p.Metrics), nil
}

func (p *MockGPUProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	if p.MetricsErr != nil {
		return nil, p.MetricsErr
	}
	return p.Metrics, nil
}

func (p *MockGPUProvider) GetSpecs() ([]domain.GPUSpec, error) {
	return p.Specs, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*MockGPUProvider)(nil)
