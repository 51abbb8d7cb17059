// Package session implements the conversation tree's data model and its
// on-disk representation: an append-only, line-delimited JSON log that can
// be branched and replayed.
//
// Types here are grounded in agentloop/turns.go (the Turn/TurnKind tagged
// union pattern) and unifiedllm/types.go (the Message/ContentPart shape),
// but follow the content-block-within-message model specified for this
// engine rather than either teacher shape directly: one Message carries an
// ordered slice of ContentBlocks, exactly as a provider streams them.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies who authored a Message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolResult Role = "tool_result"
	RoleSystemNote Role = "system_note"
)

// BlockKind is the discriminator tag for ContentBlock.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockThinking   BlockKind = "thinking"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
	BlockImage      BlockKind = "image"
)

// ContentBlock is a tagged union of the five block kinds in §3. Exactly one
// of the kind-specific fields is populated, matching Kind.
type ContentBlock struct {
	Kind BlockKind

	// BlockText
	Text string

	// BlockThinking
	Thinking          string
	ThinkingSignature string

	// BlockToolUse
	CallID string
	Name   string
	Input  json.RawMessage

	// BlockToolResult (CallID is reused above)
	Output   string
	IsError  bool
	Metadata map[string]any

	// BlockImage
	MediaType string
	Bytes     []byte
}

// TextBlock constructs a text content block.
func TextBlock(body string) ContentBlock { return ContentBlock{Kind: BlockText, Text: body} }

// ThinkingBlock constructs a thinking content block.
func ThinkingBlock(body, signature string) ContentBlock {
	return ContentBlock{Kind: BlockThinking, Thinking: body, ThinkingSignature: signature}
}

// ToolUseBlock constructs a tool_use content block.
func ToolUseBlock(callID, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Kind: BlockToolUse, CallID: callID, Name: name, Input: input}
}

// ToolResultBlock constructs a tool_result content block.
func ToolResultBlock(callID, output string, isError bool, metadata map[string]any) ContentBlock {
	return ContentBlock{Kind: BlockToolResult, CallID: callID, Output: output, IsError: isError, Metadata: metadata}
}

// ImageBlock constructs an image content block.
func ImageBlock(mediaType string, bytes []byte) ContentBlock {
	return ContentBlock{Kind: BlockImage, MediaType: mediaType, Bytes: bytes}
}

// wireBlock is the JSON wire shape of a ContentBlock: a flat object with a
// "type" discriminator, matching §6's "Content blocks are JSON objects with
// a type field" rule.
type wireBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Thinking          string `json:"thinking,omitempty"`
	ThinkingSignature string `json:"thinkingSignature,omitempty"`

	CallID string          `json:"callId,omitempty"`
	Name   string          `json:"name,omitempty"`
	Input  json.RawMessage `json:"input,omitempty"`

	Output   string         `json:"output,omitempty"`
	IsError  bool           `json:"isError,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`

	MediaType string `json:"mediaType,omitempty"`
	Bytes     []byte `json:"bytes,omitempty"` // base64 via encoding/json's []byte handling
}

// MarshalJSON implements the tagged-union wire encoding.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	w := wireBlock{
		Type:              string(b.Kind),
		Text:              b.Text,
		Thinking:          b.Thinking,
		ThinkingSignature: b.ThinkingSignature,
		CallID:            b.CallID,
		Name:              b.Name,
		Input:             b.Input,
		Output:            b.Output,
		IsError:           b.IsError,
		Metadata:          b.Metadata,
		MediaType:         b.MediaType,
		Bytes:             b.Bytes,
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements the tagged-union wire decoding.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var w wireBlock
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	kind := BlockKind(w.Type)
	switch kind {
	case BlockText, BlockThinking, BlockToolUse, BlockToolResult, BlockImage:
	default:
		return fmt.Errorf("session: unknown content block type %q", w.Type)
	}
	*b = ContentBlock{
		Kind:              kind,
		Text:              w.Text,
		Thinking:          w.Thinking,
		ThinkingSignature: w.ThinkingSignature,
		CallID:            w.CallID,
		Name:              w.Name,
		Input:             w.Input,
		Output:            w.Output,
		IsError:           w.IsError,
		Metadata:          w.Metadata,
		MediaType:         w.MediaType,
		Bytes:             w.Bytes,
	}
	return nil
}

// Message is a node in the conversation tree.
type Message struct {
	ID        string
	ParentID  string // "" / "root" for the root marker
	Role      Role
	Content   []ContentBlock
	Timestamp string // RFC3339
	Usage     *Usage `json:"usage,omitempty"`
}

// TextContent concatenates every text block in the message.
func (m Message) TextContent() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Kind == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns every tool_use block in the message, in order.
func (m Message) ToolUses() []ContentBlock {
	var out []ContentBlock
	for _, b := range m.Content {
		if b.Kind == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// Cost is a dollar-cost breakdown for a message's token usage.
type Cost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
	Total      float64 `json:"total"`
}

// Usage tracks token consumption and cost for one assistant message or one
// turn's accumulated total.
type Usage struct {
	Input       uint64 `json:"input"`
	Output      uint64 `json:"output"`
	CacheRead   uint64 `json:"cacheRead"`
	CacheWrite  uint64 `json:"cacheWrite"`
	TotalTokens uint64 `json:"totalTokens"`
	Cost        Cost   `json:"cost"`
}

// Add returns the element-wise sum of u and other.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		Input:       u.Input + other.Input,
		Output:      u.Output + other.Output,
		CacheRead:   u.CacheRead + other.CacheRead,
		CacheWrite:  u.CacheWrite + other.CacheWrite,
		TotalTokens: u.TotalTokens + other.TotalTokens,
		Cost: Cost{
			Input:      u.Cost.Input + other.Cost.Input,
			Output:     u.Cost.Output + other.Cost.Output,
			CacheRead:  u.Cost.CacheRead + other.Cost.CacheRead,
			CacheWrite: u.Cost.CacheWrite + other.Cost.CacheWrite,
			Total:      u.Cost.Total + other.Cost.Total,
		},
	}
}

// ThinkingLevel is the extended-thinking budget level, grounded in
// original_source/src/model.rs's ThinkingLevel enum.
type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

// ParseThinkingLevel parses a case-insensitive thinking level name.
func ParseThinkingLevel(s string) (ThinkingLevel, error) {
	switch strings.ToLower(s) {
	case "off":
		return ThinkingOff, nil
	case "minimal":
		return ThinkingMinimal, nil
	case "low":
		return ThinkingLow, nil
	case "medium":
		return ThinkingMedium, nil
	case "high":
		return ThinkingHigh, nil
	case "xhigh":
		return ThinkingXHigh, nil
	default:
		return "", fmt.Errorf("session: invalid thinking level %q", s)
	}
}

// DefaultBudget returns the default reasoning token budget for the level.
// XHigh returns ^uint32(0), meaning "use the model's own maximum".
func (l ThinkingLevel) DefaultBudget() uint32 {
	switch l {
	case ThinkingMinimal:
		return 1024
	case ThinkingLow:
		return 2048
	case ThinkingMedium:
		return 8192
	case ThinkingHigh:
		return 16384
	case ThinkingXHigh:
		return ^uint32(0)
	default: // ThinkingOff, or unset
		return 0
	}
}
