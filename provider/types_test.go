package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreengine/session"
)

func TestToolCallFragmentAccumulatesAndFinalizes(t *testing.T) {
	f := &ToolCallFragment{CallID: "call_1", Name: "shell"}
	f.Append(`{"command":`)
	f.Append(`"ls -la"}`)

	block, err := f.Finalize()
	require.NoError(t, err)
	assert.Equal(t, session.BlockToolUse, block.Kind)
	assert.Equal(t, "call_1", block.CallID)
	assert.Equal(t, "shell", block.Name)
	assert.JSONEq(t, `{"command":"ls -la"}`, string(block.Input))
}

func TestToolCallFragmentEmptyDefaultsToEmptyObject(t *testing.T) {
	f := &ToolCallFragment{CallID: "call_2", Name: "noop"}
	block, err := f.Finalize()
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(block.Input))
}

func TestToolCallFragmentMalformedJSONErrors(t *testing.T) {
	f := &ToolCallFragment{CallID: "call_3", Name: "broken"}
	f.Append(`{"command":`)
	_, err := f.Finalize()
	assert.Error(t, err)
}
