//go:build !nonvml
// +build !nonvml

// Package nvml reads GPU state through NVIDIA's management library. It is the
// fallback GPU source when the nvidia-smi binary is not on PATH.
package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/worldland/worldland-probe/internal/domain"
)

const mib = 1024 * 1024

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	// fails when libnvidia-ml.so is not installed
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// GetMetrics returns utilization and memory for every device whose memory
// info can be read. Devices that fail are skipped.
func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	metrics := make([]domain.GPUMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		memInfo, ret := device.GetMemoryInfo()
		if ret != nvml.SUCCESS {
			continue
		}

		m := domain.GPUMetrics{
			MemoryTotal: memInfo.Total / mib,
			MemoryUsed:  memInfo.Used / mib,
		}
		m.UUID, _ = device.GetUUID()
		m.Name, _ = device.GetName()
		if util, ret := device.GetUtilizationRates(); ret == nvml.SUCCESS {
			m.GPUUtil = util.Gpu
			m.MemoryUtil = util.Memory
		}
		m.Temperature, _ = device.GetTemperature(nvml.TEMPERATURE_GPU)

		metrics = append(metrics, m)
	}
	return metrics, nil
}

func (p *NVMLProvider) GetSpecs() ([]domain.GPUSpec, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	driver, _ := nvml.SystemGetDriverVersion()

	specs := make([]domain.GPUSpec, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}

		spec := domain.GPUSpec{DriverVer: driver}
		spec.UUID, _ = device.GetUUID()
		spec.Name, _ = device.GetName()
		if memInfo, ret := device.GetMemoryInfo(); ret == nvml.SUCCESS {
			spec.MemoryTotal = memInfo.Total / mib
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)
