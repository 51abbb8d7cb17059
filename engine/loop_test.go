package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreengine/provider"
	"coreengine/session"
	"coreengine/tools"
)

// scriptedAdapter replays a fixed sequence of stream-event batches, one
// batch per call to Stream, so a single test can script an entire
// multi-round conversation without a real network call.
type scriptedAdapter struct {
	batches [][]provider.StreamEvent
	calls   int
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Complete(ctx context.Context, req provider.Context) (provider.CompleteResult, error) {
	return provider.CompleteResult{}, nil
}

func (a *scriptedAdapter) Stream(ctx context.Context, opts provider.StreamOptions) (<-chan provider.StreamEvent, error) {
	batch := a.batches[a.calls]
	a.calls++
	ch := make(chan provider.StreamEvent, len(batch))
	for _, ev := range batch {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func textBlock(s string) *session.ContentBlock {
	b := session.TextBlock(s)
	return &b
}

func TestLoopStreamingTextNoToolCalls(t *testing.T) {
	adapter := &scriptedAdapter{
		batches: [][]provider.StreamEvent{
			{
				{Type: provider.EventMessageStart},
				{Type: provider.EventContentBlockStart, Index: 0, Block: textBlock("")},
				{Type: provider.EventContentBlockDelta, Index: 0, DeltaText: "Hello, "},
				{Type: provider.EventContentBlockDelta, Index: 0, DeltaText: "world."},
				{Type: provider.EventContentBlockStop, Index: 0},
				{Type: provider.EventMessageDelta, FinishReason: "end_turn", Usage: &session.Usage{Input: 5, Output: 2}},
				{Type: provider.EventMessageStop},
			},
		},
	}

	store := session.NewMemStore()
	registry := tools.NewToolRegistry()

	var appended []session.Message
	loop := NewLoop(store, adapter, registry, DefaultConfig())
	loop.Observer = FuncObserver{MessageAppend: func(msg session.Message) { appended = append(appended, msg) }}
	loop.Model = "claude-sonnet-4-5"

	err := loop.Run(context.Background(), "hi there")
	require.NoError(t, err)

	require.Len(t, appended, 2) // user + assistant, no tool round
	assert.Equal(t, session.RoleUser, appended[0].Role)
	assert.Equal(t, session.RoleAssistant, appended[1].Role)
	assert.Equal(t, "Hello, world.", appended[1].TextContent())
	assert.Empty(t, appended[1].ToolUses())

	path := store.ActivePath()
	require.Len(t, path, 2)
}

func TestLoopSingleToolCall(t *testing.T) {
	toolInput, _ := json.Marshal(map[string]string{"command": "echo hi"})

	adapter := &scriptedAdapter{
		batches: [][]provider.StreamEvent{
			{
				{Type: provider.EventMessageStart},
				{Type: provider.EventContentBlockStart, Index: 0, Block: &session.ContentBlock{
					Kind: session.BlockToolUse, CallID: "call_1", Name: "echo", Input: json.RawMessage("{}"),
				}},
				{Type: provider.EventContentBlockStop, Index: 0, Block: &session.ContentBlock{
					Kind: session.BlockToolUse, CallID: "call_1", Name: "echo", Input: toolInput,
				}},
				{Type: provider.EventMessageDelta, FinishReason: "tool_use"},
				{Type: provider.EventMessageStop},
			},
			{
				{Type: provider.EventMessageStart},
				{Type: provider.EventContentBlockStart, Index: 0, Block: textBlock("")},
				{Type: provider.EventContentBlockDelta, Index: 0, DeltaText: "done"},
				{Type: provider.EventContentBlockStop, Index: 0},
				{Type: provider.EventMessageDelta, FinishReason: "end_turn"},
				{Type: provider.EventMessageStop},
			},
		},
	}

	store := session.NewMemStore()
	registry := tools.NewToolRegistry()

	var toolStarted, toolEnded []string
	registry.Register(tools.RegisteredTool{
		Definition: tools.ToolDefinition{Name: "echo", Description: "echoes its command field"},
		Executor: func(raw json.RawMessage, ec tools.ExecutionContext) (tools.ToolResult, error) {
			var in struct {
				Command string `json:"command"`
			}
			_ = json.Unmarshal(raw, &in)
			return tools.ToolResult{Output: "ran: " + in.Command}, nil
		},
	})

	loop := NewLoop(store, adapter, registry, DefaultConfig())
	loop.Observer = FuncObserver{
		ToolStart: func(callID, name string) { toolStarted = append(toolStarted, callID) },
		ToolEnd:   func(callID string, result tools.ToolResult) { toolEnded = append(toolEnded, callID) },
	}

	err := loop.Run(context.Background(), "run echo")
	require.NoError(t, err)

	assert.Equal(t, []string{"call_1"}, toolStarted)
	assert.Equal(t, []string{"call_1"}, toolEnded)

	path := store.ActivePath()
	require.Len(t, path, 4) // user, assistant(tool_use), tool_result, assistant(final text)

	toolResultMsg := path[2]
	require.Len(t, toolResultMsg.Content, 1)
	assert.Equal(t, session.BlockToolResult, toolResultMsg.Content[0].Kind)
	assert.Equal(t, "call_1", toolResultMsg.Content[0].CallID)
	assert.Equal(t, "ran: echo hi", toolResultMsg.Content[0].Output)
	assert.False(t, toolResultMsg.Content[0].IsError)

	assert.Equal(t, "done", path[3].TextContent())
}

func TestLoopMultipleToolCallsPreserveOrder(t *testing.T) {
	adapter := &scriptedAdapter{
		batches: [][]provider.StreamEvent{
			{
				{Type: provider.EventMessageStart},
				{Type: provider.EventContentBlockStart, Index: 0, Block: &session.ContentBlock{Kind: session.BlockToolUse, CallID: "call_a", Name: "slow", Input: json.RawMessage("{}")}},
				{Type: provider.EventContentBlockStop, Index: 0, Block: &session.ContentBlock{Kind: session.BlockToolUse, CallID: "call_a", Name: "slow", Input: json.RawMessage(`{"n":1}`)}},
				{Type: provider.EventContentBlockStart, Index: 1, Block: &session.ContentBlock{Kind: session.BlockToolUse, CallID: "call_b", Name: "fast", Input: json.RawMessage("{}")}},
				{Type: provider.EventContentBlockStop, Index: 1, Block: &session.ContentBlock{Kind: session.BlockToolUse, CallID: "call_b", Name: "fast", Input: json.RawMessage(`{"n":2}`)}},
				{Type: provider.EventMessageStop},
			},
			{
				{Type: provider.EventMessageStart},
				{Type: provider.EventContentBlockStart, Index: 0, Block: textBlock("")},
				{Type: provider.EventContentBlockDelta, Index: 0, DeltaText: "ok"},
				{Type: provider.EventContentBlockStop, Index: 0},
				{Type: provider.EventMessageStop},
			},
		},
	}

	store := session.NewMemStore()
	registry := tools.NewToolRegistry()
	registry.Register(tools.RegisteredTool{
		Definition: tools.ToolDefinition{Name: "slow"},
		Executor: func(raw json.RawMessage, ec tools.ExecutionContext) (tools.ToolResult, error) {
			return tools.ToolResult{Output: "slow-done"}, nil
		},
	})
	registry.Register(tools.RegisteredTool{
		Definition: tools.ToolDefinition{Name: "fast"},
		Executor: func(raw json.RawMessage, ec tools.ExecutionContext) (tools.ToolResult, error) {
			return tools.ToolResult{Output: "fast-done"}, nil
		},
	})

	loop := NewLoop(store, adapter, registry, DefaultConfig())

	err := loop.Run(context.Background(), "run both")
	require.NoError(t, err)

	path := store.ActivePath()
	toolResultMsg := path[2]
	require.Len(t, toolResultMsg.Content, 2)
	assert.Equal(t, "call_a", toolResultMsg.Content[0].CallID)
	assert.Equal(t, "call_b", toolResultMsg.Content[1].CallID)
}

func TestLoopGuardDetectsRepeatingPattern(t *testing.T) {
	guard := NewLoopGuard(4)
	msg := session.Message{Content: []session.ContentBlock{
		session.ToolUseBlock("c1", "ls", json.RawMessage(`{}`)),
	}}
	for i := 0; i < 4; i++ {
		guard.Record(msg)
	}
	assert.True(t, guard.Detect())
}

func TestLoopGuardNoFalsePositiveOnVariedCalls(t *testing.T) {
	guard := NewLoopGuard(4)
	inputs := []string{`{"a":1}`, `{"a":2}`, `{"a":3}`, `{"a":4}`}
	for _, in := range inputs {
		guard.Record(session.Message{Content: []session.ContentBlock{
			session.ToolUseBlock("c", "ls", json.RawMessage(in)),
		}})
	}
	assert.False(t, guard.Detect())
}
