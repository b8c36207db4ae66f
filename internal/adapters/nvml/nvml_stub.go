//go:build nonvml
// +build nonvml

// Package nvml reads GPU state through NVIDIA's management library.
// Built with the nonvml tag, every call reports that NVML is unavailable and
// the probe facade relies on nvidia-smi alone.
package nvml

import (
	"errors"

	"github.com/worldland/worldland-probe/internal/domain"
)

var errUnavailable = errors.New("NVML not available (built with nonvml tag)")

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	return errUnavailable
}

func (p *NVMLProvider) Shutdown() error {
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	return 0, errUnavailable
}

func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	return nil, errUnavailable
}

func (p *NVMLProvider) GetSpecs() ([]domain.GPUSpec, error) {
	return nil, errUnavailable
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)
