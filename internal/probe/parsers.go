package probe

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/worldland/worldland-probe/internal/domain"
)

// Fixed layout of the tools we scrape. Output drift across tool versions shows
// up as missing fields with a reason, never as an error.
const (
	cpuLine      = 2 // "%Cpu(s):  1.2 us,  0.3 sy,  0.0 ni, 98.3 id, ..."
	cpuIdleToken = 7
	memLine      = 1 // "Mem:  15890  4120  ..."
	gpuSeparator = ", "
)

// CPUReading is what ParseCPU could extract from `top -bn1`
type CPUReading struct {
	Usage Field[float64]
}

// MemoryReading is what ParseMemory could extract from `free -m`
type MemoryReading struct {
	Total        Field[int64]
	Used         Field[int64]
	UsagePercent Field[float64]
}

// GPUReading is what ParseGPU could extract from the nvidia-smi CSV query
type GPUReading struct {
	Utilization        Field[float64]
	MemoryUsed         Field[int64]
	MemoryTotal        Field[int64]
	MemoryUsagePercent Field[float64]
}

// ParseCPU reads the summary line of `top -bn1` and reports usage as
// 100 minus the idle percentage.
func ParseCPU(out string) CPUReading {
	line, ok := lineAt(out, cpuLine)
	if !ok {
		return CPUReading{Usage: missing[float64](fmt.Sprintf("expected at least %d lines of output", cpuLine+1))}
	}

	fields := strings.Fields(line)
	if len(fields) <= cpuIdleToken+1 {
		return CPUReading{Usage: missing[float64](fmt.Sprintf("cpu line has %d columns, need %d", len(fields), cpuIdleToken+2))}
	}
	if !strings.HasPrefix(fields[cpuIdleToken+1], "id") {
		return CPUReading{Usage: missing[float64](fmt.Sprintf("expected idle column, found %q", fields[cpuIdleToken+1]))}
	}

	idle, err := strconv.ParseFloat(fields[cpuIdleToken], 64)
	if err != nil {
		return CPUReading{Usage: missing[float64](fmt.Sprintf("idle value %q is not a number", fields[cpuIdleToken]))}
	}

	return CPUReading{Usage: found(100 - idle)}
}

// ParseMemory reads the "Mem:" row of `free -m`: column 2 is total MB,
// column 3 is used MB.
func ParseMemory(out string) MemoryReading {
	line, ok := lineAt(out, memLine)
	if !ok {
		reason := "memory row not found"
		return MemoryReading{
			Total:        missing[int64](reason),
			Used:         missing[int64](reason),
			UsagePercent: missing[float64](reason),
		}
	}

	parts := strings.Fields(line)
	if len(parts) < 4 {
		reason := fmt.Sprintf("memory row has %d columns, need 4", len(parts))
		return MemoryReading{
			Total:        missing[int64](reason),
			Used:         missing[int64](reason),
			UsagePercent: missing[float64](reason),
		}
	}

	r := MemoryReading{
		Total: parseInt(parts[1], "total"),
		Used:  parseInt(parts[2], "used"),
	}
	r.UsagePercent = percent(r.Used, r.Total)
	return r
}

// ParseGPU reads the first line of
// `nvidia-smi --query-gpu=utilization.gpu,memory.used,memory.total --format=csv,noheader,nounits`.
func ParseGPU(out string) GPUReading {
	line, ok := lineAt(out, 0)
	if !ok || strings.TrimSpace(line) == "" {
		reason := "no gpu rows in output"
		return GPUReading{
			Utilization:        missing[float64](reason),
			MemoryUsed:         missing[int64](reason),
			MemoryTotal:        missing[int64](reason),
			MemoryUsagePercent: missing[float64](reason),
		}
	}

	parts := strings.Split(line, gpuSeparator)
	if len(parts) < 3 {
		reason := fmt.Sprintf("gpu row has %d values, need 3", len(parts))
		return GPUReading{
			Utilization:        missing[float64](reason),
			MemoryUsed:         missing[int64](reason),
			MemoryTotal:        missing[int64](reason),
			MemoryUsagePercent: missing[float64](reason),
		}
	}

	r := GPUReading{
		MemoryUsed:  parseInt(strings.TrimSpace(parts[1]), "memory_used"),
		MemoryTotal: parseInt(strings.TrimSpace(parts[2]), "memory_total"),
	}
	if util, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64); err == nil {
		r.Utilization = found(util)
	} else {
		r.Utilization = missing[float64](fmt.Sprintf("utilization %q is not a number", parts[0]))
	}
	r.MemoryUsagePercent = percent(r.MemoryUsed, r.MemoryTotal)
	return r
}

// ParseModels reads `ollama list`: the header is skipped and the first two
// whitespace-separated tokens of every other line are name and size.
// Lines with fewer than two tokens are returned as skipped, not treated as errors.
func ParseModels(out string) (models []domain.Model, skipped []string) {
	models = make([]domain.Model, 0)
	for i, line := range splitLines(out) {
		if i == 0 {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			if strings.TrimSpace(line) != "" {
				skipped = append(skipped, line)
			}
			continue
		}
		models = append(models, domain.Model{Name: parts[0], Size: parts[1]})
	}
	return models, skipped
}

func parseInt(s, name string) Field[int64] {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return missing[int64](fmt.Sprintf("%s %q is not an integer", name, s))
	}
	return found(v)
}

func percent(used, total Field[int64]) Field[float64] {
	switch {
	case !used.OK:
		return missing[float64]("used value unavailable")
	case !total.OK:
		return missing[float64]("total value unavailable")
	case total.Value == 0:
		return missing[float64]("total is zero")
	}
	return found(float64(used.Value) / float64(total.Value) * 100)
}

// splitLines splits on newlines, dropping a trailing empty line and any '\r'.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

func lineAt(s string, n int) (string, bool) {
	lines := splitLines(s)
	if n >= len(lines) {
		return "", false
	}
	return lines[n], true
}
