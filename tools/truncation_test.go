package tools

import (
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateOutputUnderLimitsIsNoop(t *testing.T) {
	result := TruncateOutput("short output\nsecond line")
	assert.False(t, result.Truncated)
	assert.Equal(t, "short output\nsecond line", result.Output)
}

func TestTruncateOutputOverLineLimit(t *testing.T) {
	lines := make([]string, MaxLines+10)
	for i := range lines {
		lines[i] = "line " + strconv.Itoa(i)
	}
	result := TruncateOutput(strings.Join(lines, "\n"))
	require.True(t, result.Truncated)
	assert.Equal(t, MaxLines+10, result.OriginalLines)
	assert.Contains(t, result.Output, "line 0")
	assert.Contains(t, result.Output, "[... 10 lines truncated ...]")
	assert.Contains(t, result.Output, "line "+strconv.Itoa(MaxLines+9))
}

func TestTruncateOutputOverByteLimit(t *testing.T) {
	big := strings.Repeat("x", MaxBytes*2)
	result := TruncateOutput(big)
	require.True(t, result.Truncated)
	assert.LessOrEqual(t, len(result.Output), MaxBytes+200)
	assert.Contains(t, result.Output, "bytes truncated")
}

func TestTruncateGrepLine(t *testing.T) {
	short := "a short match"
	assert.Equal(t, short, TruncateGrepLine(short))

	long := strings.Repeat("y", MaxGrepLine+50)
	truncated := TruncateGrepLine(long)
	assert.Contains(t, truncated, "more chars")
	assert.True(t, strings.HasPrefix(truncated, strings.Repeat("y", MaxGrepLine)))
}
