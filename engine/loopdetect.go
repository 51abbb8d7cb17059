package engine

import (
	"crypto/sha256"
	"fmt"

	"coreengine/session"
)

// toolCallSignature computes a deterministic signature for a tool call:
// name plus a truncated hash of its input, grounded directly in
// agentloop/loop_detection.go's toolCallSignature.
func toolCallSignature(name string, input []byte) string {
	h := sha256.Sum256(input)
	return fmt.Sprintf("%s:%x", name, h[:8])
}

// LoopGuard detects a repeating pattern of length 1-3 in the most recent
// tool-call signatures, surfaced to the observer as a non-fatal warning the
// loop can act on rather than spinning silently forever. Grounded in
// agentloop/loop_detection.go's DetectLoop/extractToolCallSignatures, carried
// over near-verbatim in algorithm shape and adapted to this engine's
// session.ContentBlock tool-use representation.
type LoopGuard struct {
	window int
	sigs   []string
}

// NewLoopGuard constructs a guard that inspects the last window tool calls.
func NewLoopGuard(window int) *LoopGuard {
	if window <= 0 {
		window = 10
	}
	return &LoopGuard{window: window}
}

// Record appends the signatures of every tool_use block in msg, in order,
// to the guard's rolling history.
func (g *LoopGuard) Record(msg session.Message) {
	for _, b := range msg.ToolUses() {
		g.sigs = append(g.sigs, toolCallSignature(b.Name, b.Input))
	}
	if len(g.sigs) > g.window*4 {
		g.sigs = g.sigs[len(g.sigs)-g.window*4:]
	}
}

// Detect reports whether the last window signatures follow a repeating
// pattern of length 1, 2, or 3.
func (g *LoopGuard) Detect() bool {
	if len(g.sigs) < g.window {
		return false
	}
	recent := g.sigs[len(g.sigs)-g.window:]

	for patternLen := 1; patternLen <= 3; patternLen++ {
		if g.window%patternLen != 0 {
			continue
		}
		pattern := recent[:patternLen]
		allMatch := true
		for i := patternLen; i < g.window; i += patternLen {
			for j := 0; j < patternLen; j++ {
				if recent[i+j] != pattern[j] {
					allMatch = false
					break
				}
			}
			if !allMatch {
				break
			}
		}
		if allMatch {
			return true
		}
	}
	return false
}
