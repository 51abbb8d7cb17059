// Package tools implements the tool registry, the shared truncation
// policy, the file tools (read/write/edit/grep/find/ls), and the shell
// tool's process-tree supervision.
//
// Grounded in agentloop/tools.go (registry shape), agentloop/truncation.go
// (truncation pipeline), agentloop/core_tools.go and agentloop/execution.go
// (file tool and shell implementations).
package tools

import (
	"fmt"
	"strings"
)

// Truncation thresholds from §4.3. These differ from the teacher's
// per-tool-configurable defaults (DefaultToolCharLimits/DefaultToolLineLimits
// in agentloop/truncation.go); this engine applies one fixed policy to every
// tool that returns text, as the spec requires.
const (
	MaxLines    = 2000
	KeepHead    = 1000
	KeepTail    = 1000
	MaxBytes    = 50_000
	MaxGrepLine = 500
)

// TruncationResult reports what TruncateOutput did.
type TruncationResult struct {
	Output        string
	Truncated     bool
	OriginalLines int
	OriginalBytes int
}

// TruncateOutput applies the two-stage pipeline in §4.3: first cap lines
// (keep first 1000 / last 1000 with a marker), then cap bytes (truncate from
// the middle with a similar marker) if still over budget.
func TruncateOutput(output string) TruncationResult {
	lines := strings.Split(output, "\n")
	originalLines := len(lines)
	originalBytes := len(output)

	truncated := false
	text := output

	if originalLines > MaxLines {
		head := lines[:KeepHead]
		tail := lines[len(lines)-KeepTail:]
		marker := fmt.Sprintf("[... %d lines truncated ...]", originalLines-KeepHead-KeepTail)
		text = strings.Join(head, "\n") + "\n" + marker + "\n" + strings.Join(tail, "\n")
		truncated = true
	}

	if len(text) > MaxBytes {
		text = truncateMiddle(text, MaxBytes)
		truncated = true
	}

	return TruncationResult{
		Output:        text,
		Truncated:     truncated,
		OriginalLines: originalLines,
		OriginalBytes: originalBytes,
	}
}

// truncateMiddle keeps roughly the first and last halves of the byte budget
// and splices a marker noting how many bytes were dropped.
func truncateMiddle(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	// Size the marker for the largest count it could show, so the result
	// stays within maxBytes whatever the real count turns out to be.
	budget := maxBytes - len(fmt.Sprintf("\n[... %d bytes truncated ...]\n", len(s)))
	if budget < 0 {
		budget = 0
	}
	head := budget / 2
	tail := budget - head
	marker := fmt.Sprintf("\n[... %d bytes truncated ...]\n", len(s)-budget)
	return s[:head] + marker + s[len(s)-tail:]
}

// TruncateGrepLine enforces the per-line cap grep additionally applies.
func TruncateGrepLine(line string) string {
	if len(line) <= MaxGrepLine {
		return line
	}
	return line[:MaxGrepLine] + fmt.Sprintf("... [%d more chars]", len(line)-MaxGrepLine)
}
