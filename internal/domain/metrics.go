package domain

// GPUMetrics represents collected GPU metrics from NVML
type GPUMetrics struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	MemoryTotal uint64 `json:"memory_total_mb"`
	MemoryUsed  uint64 `json:"memory_used_mb"`
	GPUUtil     uint32 `json:"gpu_util_percent"`
	MemoryUtil  uint32 `json:"memory_util_percent"`
	Temperature uint32 `json:"temperature_c"`
}

// GPUSpec represents static GPU specifications
type GPUSpec struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	MemoryTotal uint64 `json:"memory_total_mb"`
	DriverVer   string `json:"driver_version"`
}

// CPUStats is the cpu category of a system snapshot.
// Every field is optional; nil means the probe could not produce it.
type CPUStats struct {
	Usage *float64 `json:"usage,omitempty"`
}

// MemoryStats is the memory category of a system snapshot (values in MB)
type MemoryStats struct {
	Total        *int64   `json:"total,omitempty"`
	Used         *int64   `json:"used,omitempty"`
	UsagePercent *float64 `json:"usage_percent,omitempty"`
}

// GPUStats is the gpu category of a system snapshot (memory in MB)
type GPUStats struct {
	Utilization        *float64 `json:"utilization,omitempty"`
	MemoryUsed         *int64   `json:"memory_used,omitempty"`
	MemoryTotal        *int64   `json:"memory_total,omitempty"`
	MemoryUsagePercent *float64 `json:"memory_usage_percent,omitempty"`
}

// Diagnostic explains why a field is missing from a snapshot
type Diagnostic struct {
	Category string `json:"category"`
	Field    string `json:"field,omitempty"`
	Reason   string `json:"reason"`
}

// SystemMetrics is the result of one metrics collection pass.
// Collection never fails as a whole; it degrades field by field.
type SystemMetrics struct {
	CPU         CPUStats     `json:"cpu"`
	Memory      MemoryStats  `json:"memory"`
	GPU         GPUStats     `json:"gpu"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
}

// Model is one entry of the local model manager's listing
type Model struct {
	Name string `json:"name"`
	Size string `json:"size"`
}

// ModelList wraps the model listing the way the API returns it
type ModelList struct {
	Models []Model `json:"models"`
}
