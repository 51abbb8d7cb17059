package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lengthEstimator(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.TextContent())
	}
	return total
}

func TestCompactBelowThresholdIsNoop(t *testing.T) {
	cfg := CompactionConfig{TokenThreshold: 1000, KeepRecent: 2}
	messages := []Message{
		{Role: RoleUser, Content: []ContentBlock{TextBlock("short")}},
	}
	out, compacted := Compact(cfg, messages, lengthEstimator, func(older []Message) string { return "summary" })
	assert.False(t, compacted)
	assert.Equal(t, messages, out)
}

func TestCompactAboveThresholdReplacesOlder(t *testing.T) {
	cfg := CompactionConfig{TokenThreshold: 5, KeepRecent: 1}
	messages := []Message{
		{Role: RoleUser, Content: []ContentBlock{TextBlock("aaaaaaaaaa")}},
		{Role: RoleAssistant, Content: []ContentBlock{TextBlock("bbbbbbbbbb")}},
		{Role: RoleUser, Content: []ContentBlock{TextBlock("most recent")}},
	}
	out, compacted := Compact(cfg, messages, lengthEstimator, func(older []Message) string {
		return "summarized 2 messages"
	})
	require.True(t, compacted)
	require.Len(t, out, 2)
	assert.Equal(t, RoleSystemNote, out[0].Role)
	assert.Equal(t, "summarized 2 messages", out[0].TextContent())
	assert.Equal(t, "most recent", out[1].TextContent())
}
