// Package analyzer computes a rough, line-oriented summary of script source.
//
// This is deliberately not a parser. A string literal containing "if " counts
// towards complexity and multi-line constructs are counted once per line.
package analyzer

import (
	"strings"

	"github.com/worldland/worldland-probe/internal/domain"
)

var (
	functionPrefix = "def "
	classPrefix    = "class "

	// Any line containing one of these counts as one branch point
	branchMarkers = []string{"if ", "for ", "while ", "except "}
)

// Analyze counts lines, function and class definitions and branching lines.
func Analyze(code string) domain.CodeMetrics {
	var m domain.CodeMetrics

	for _, line := range lines(code) {
		m.Lines++

		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, functionPrefix) {
			m.Functions++
		} else if strings.HasPrefix(trimmed, classPrefix) {
			m.Classes++
		}

		for _, marker := range branchMarkers {
			if strings.Contains(trimmed, marker) {
				m.Complexity++
				break
			}
		}
	}

	return m
}

// lines splits on '\n'; a trailing newline does not start a new line and
// a trailing '\r' is dropped from each line.
func lines(s string) []string {
	if s == "" {
		return nil
	}
	out := strings.Split(s, "\n")
	if out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	for i, l := range out {
		out[i] = strings.TrimSuffix(l, "\r")
	}
	return out
}
