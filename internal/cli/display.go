package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/worldland/worldland-probe/internal/domain"
	"github.com/worldland/worldland-probe/internal/setup"
)

const notAvailable = "n/a"

// PrintHeader prints a section header
func PrintHeader(w io.Writer, title string) {
	fmt.Fprintf(w, "\n=== %s ===\n", title)
}

// PrintField prints a labeled field
func PrintField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %-14s %s\n", label+":", value)
}

// PrintMetrics displays a system metrics snapshot. Missing fields print as n/a
// and the reasons are listed underneath.
func PrintMetrics(w io.Writer, m domain.SystemMetrics) {
	PrintHeader(w, "CPU")
	PrintField(w, "Usage", percent(m.CPU.Usage))

	PrintHeader(w, "Memory")
	PrintField(w, "Total", megabytes(m.Memory.Total))
	PrintField(w, "Used", megabytes(m.Memory.Used))
	PrintField(w, "Usage", percent(m.Memory.UsagePercent))

	PrintHeader(w, "GPU")
	PrintField(w, "Utilization", percent(m.GPU.Utilization))
	PrintField(w, "Memory total", megabytes(m.GPU.MemoryTotal))
	PrintField(w, "Memory used", megabytes(m.GPU.MemoryUsed))
	PrintField(w, "Memory usage", percent(m.GPU.MemoryUsagePercent))

	if len(m.Diagnostics) > 0 {
		PrintHeader(w, "Diagnostics")
		for _, d := range m.Diagnostics {
			name := d.Category
			if d.Field != "" {
				name += "." + d.Field
			}
			fmt.Fprintf(w, "  %-28s %s\n", name, d.Reason)
		}
	}
}

// PrintModelsTable displays models in a table format
func PrintModelsTable(w io.Writer, models []domain.Model) {
	PrintHeader(w, fmt.Sprintf("Models (%d)", len(models)))

	if len(models) == 0 {
		fmt.Fprintln(w, "  (no models installed)")
		return
	}

	// Table header
	fmt.Fprintf(w, "  %-40s %-15s\n", "Name", "Size")
	fmt.Fprintf(w, "  %-40s %-15s\n", strings.Repeat("-", 40), strings.Repeat("-", 15))

	for _, m := range models {
		name := m.Name
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		fmt.Fprintf(w, "  %-40s %-15s\n", name, m.Size)
	}
}

// PrintExecution displays a snippet's outcome followed by its output
func PrintExecution(w io.Writer, o domain.ExecutionOutcome) {
	PrintHeader(w, "Execution")
	status := "failed"
	switch {
	case o.TimedOut:
		status = "timed out"
	case o.Success:
		status = "ok"
	}
	PrintField(w, "Status", status)
	exitCode := notAvailable
	if o.ExitCode != nil {
		exitCode = strconv.Itoa(*o.ExitCode)
	}
	PrintField(w, "Exit code", exitCode)
	PrintField(w, "Duration", fmt.Sprintf("%d ms", o.DurationMs))

	if o.Stdout != "" {
		PrintHeader(w, "stdout")
		fmt.Fprint(w, ensureNewline(o.Stdout))
	}
	if o.Stderr != "" {
		PrintHeader(w, "stderr")
		fmt.Fprint(w, ensureNewline(o.Stderr))
	}
}

// PrintCodeMetrics displays heuristic code metrics
func PrintCodeMetrics(w io.Writer, m domain.CodeMetrics) {
	PrintHeader(w, "Analysis")
	PrintField(w, "Lines", strconv.Itoa(m.Lines))
	PrintField(w, "Functions", strconv.Itoa(m.Functions))
	PrintField(w, "Classes", strconv.Itoa(m.Classes))
	PrintField(w, "Complexity", strconv.Itoa(m.Complexity))
}

// PrintIndexStats displays the result of an indexing walk
func PrintIndexStats(w io.Writer, root string, s domain.IndexStats) {
	PrintHeader(w, "Index")
	PrintField(w, "Workspace", root)
	PrintField(w, "Files", strconv.Itoa(s.Files))
	PrintField(w, "Failed", strconv.Itoa(s.Failed))
	PrintField(w, "Duration", fmt.Sprintf("%d ms", s.DurationMs))
}

// PrintRetrieval displays retrieved chunks
func PrintRetrieval(w io.Writer, r domain.RetrievalResult) {
	PrintHeader(w, fmt.Sprintf("Results for %q (%d/%d)", r.Metadata.Query, len(r.Results), r.Metadata.NResults))
	if len(r.Results) == 0 {
		fmt.Fprintln(w, "  (no results)")
		return
	}
	for i, chunk := range r.Results {
		fmt.Fprintf(w, "  [%d] %s\n", i+1, chunk)
	}
}

// PrintPreflight displays tool availability
func PrintPreflight(w io.Writer, r *setup.PreflightResult) {
	PrintHeader(w, "Preflight")
	r.PrintStatus(w)
	if missing := r.MissingComponents(); len(missing) > 0 {
		fmt.Fprintf(w, "\n  Missing: %s (related metrics will be omitted)\n", strings.Join(missing, ", "))
	}
}

// PrintError prints an error message
func PrintError(w io.Writer, message string) {
	fmt.Fprintf(w, "\nError: %s\n", message)
}

func percent(v *float64) string {
	if v == nil {
		return notAvailable
	}
	return fmt.Sprintf("%.1f%%", *v)
}

func megabytes(v *int64) string {
	if v == nil {
		return notAvailable
	}
	return fmt.Sprintf("%d MB", *v)
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
