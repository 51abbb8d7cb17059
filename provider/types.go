// Package provider implements the canonical provider adapter: a
// Context/StreamOptions request shape, a byte-stream transport, and the sse
// decoder wired into a canonical StreamEvent vocabulary.
//
// Grounded in unifiedllm/types.go (request/response/message shapes) and
// unifiedllm/retry.go (generic backoff), adapted to the one canonical
// wire dialect this engine targets rather than unifiedllm's
// multi-provider abstraction.
package provider

import (
	"encoding/json"
	"time"

	"coreengine/session"
)

// ThinkingLevel controls how much extended-reasoning budget a request
// requests from the model, reusing session.ThinkingLevel's vocabulary.
type ThinkingLevel = session.ThinkingLevel

// ToolDefinition is the serializable, execute-handler-free part of a tool
// exposed to the model, grounded in unifiedllm.ToolDefinition.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"input_schema"`
}

// Context is the canonical request shape built from the active session
// path before each turn.
type Context struct {
	Model         string
	SystemPrompt  string
	Messages      []session.Message
	Tools         []ToolDefinition
	MaxTokens     int
	Thinking      ThinkingLevel
	StopSequences []string
}

// StreamOptions configures a single streaming call. Per §5's concurrency
// and resource model, the transport enforces two independent timeouts:
// ConnectTimeout bounds how long establishing the connection and receiving
// response headers may take, and IdleTimeout bounds the gap between
// successive bytes once the stream is flowing. Both trigger cancellation.
type StreamOptions struct {
	Context        Context
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
}

// StreamEventType is the canonical, provider-agnostic event vocabulary this
// engine emits, named after the spec's wire format rather than
// unifiedllm.StreamEventType's "text_start/text_delta/..." naming.
type StreamEventType string

const (
	EventMessageStart      StreamEventType = "message_start"
	EventContentBlockStart StreamEventType = "content_block_start"
	EventContentBlockDelta StreamEventType = "content_block_delta"
	EventContentBlockStop  StreamEventType = "content_block_stop"
	EventMessageDelta      StreamEventType = "message_delta"
	EventMessageStop       StreamEventType = "message_stop"
	EventPing              StreamEventType = "ping"
	EventError             StreamEventType = "error"
)

// StreamEvent is one decoded, canonicalized event from a provider stream.
type StreamEvent struct {
	Type         StreamEventType
	Index        int // content block index, for block-scoped events
	Block        *session.ContentBlock
	DeltaText    string
	DeltaJSON    string // partial tool-call input JSON fragment
	FinishReason string
	Usage        *session.Usage
	Err          error
}

// ToolCallFragment accumulates a tool_use block's streamed JSON-fragment
// input across ContentBlockDelta events, since providers stream tool
// arguments as partial JSON rather than one shot. Parsed only once, at
// ContentBlockStop, per the Design Notes' guidance that partial-JSON
// parsing mid-stream is unreliable.
type ToolCallFragment struct {
	CallID string
	Name   string
	buf    []byte
}

// Append appends a raw JSON-fragment delta.
func (f *ToolCallFragment) Append(fragment string) {
	f.buf = append(f.buf, fragment...)
}

// Finalize parses the accumulated fragment into a tool_use content block.
func (f *ToolCallFragment) Finalize() (session.ContentBlock, error) {
	if len(f.buf) == 0 {
		f.buf = []byte("{}")
	}
	var probe json.RawMessage
	if err := json.Unmarshal(f.buf, &probe); err != nil {
		return session.ContentBlock{}, err
	}
	return session.ToolUseBlock(f.CallID, f.Name, f.buf), nil
}
