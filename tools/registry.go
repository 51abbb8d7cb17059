package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"

	"coreengine/errs"
)

// validate is the shared struct-tag validator used to enforce each tool's
// input constraints before invoke() runs, per §4.3's "registry validates
// input against the schema before invocation" requirement. Grounded in the
// teacher's indirect dependency on go-playground/validator/v10 (pulled in
// transitively via gollm's own request validation), promoted here to a
// direct, exercised dependency.
var validate = validator.New(validator.WithRequiredStructEnabled())

var reflector = &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}

// Schema reflects a Go struct into a JSON Schema map suitable for a
// ToolDefinition, grounded in the teacher's indirect dependency on
// invopop/jsonschema (also pulled in via gollm).
func Schema(input any) map[string]any {
	s := reflector.Reflect(input)
	b, err := json.Marshal(s)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	_ = json.Unmarshal(b, &m)
	return m
}

// ToolDefinition is the schema-bearing description of a tool, exposed to
// the provider adapter when building a request.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ToolResult is returned by every tool invocation, already truncated per
// policy, per §4.3.
type ToolResult struct {
	Output   string
	IsError  bool
	Metadata map[string]any
}

// ExecutionContext carries the working directory, deadline, and output
// sinks for one tool invocation, per §4.3's "cx is an execution context".
type ExecutionContext struct {
	Ctx        context.Context
	WorkingDir string
	Deadline   time.Time
	OnProgress func(chunk string) // optional streaming-output hook (on_tool_progress)
}

// Executor is the uniform dispatch signature every tool handler implements,
// per the Design Notes' "name→handler map... uniform (json_value, context)
// → result signature" guidance.
type Executor func(raw json.RawMessage, ec ExecutionContext) (ToolResult, error)

// RegisteredTool bundles a tool's definition, its typed-input decoder (for
// struct-tag validation), and its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	// Decode parses raw arguments into a validated input value, or returns
	// an error that becomes an is_error ToolResult rather than a Go error.
	Decode   func(raw json.RawMessage) (any, error)
	Executor Executor
}

// ToolRegistry is the name→handler map described in the Design Notes.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]RegisteredTool
	order []string
}

// NewToolRegistry constructs an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]RegisteredTool)}
}

// Register adds or replaces a tool.
func (r *ToolRegistry) Register(t RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Definition.Name]; !exists {
		r.order = append(r.order, t.Definition.Name)
	}
	r.tools[t.Definition.Name] = t
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every registered tool's definition, in registration
// order, for building the provider-facing tool list.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns every registered tool name, in registration order.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Invoke decodes and validates raw arguments, then runs the tool's
// executor, applying the shared truncation policy to its output. A decode
// or validation failure, or an executor error, yields a ToolResult with
// IsError set rather than a bubbled Go error — per §4.3, "validation
// failure yields a ToolResult with is_error = true", and §7's
// ToolExecutionError kind is "reported as is_error inside a normal
// tool-result block", never bubbled to the loop.
func (r *ToolRegistry) Invoke(name string, raw json.RawMessage, ec ExecutionContext) ToolResult {
	t, ok := r.Get(name)
	if !ok {
		return ToolResult{IsError: true, Output: fmt.Sprintf("unknown tool %q", name), Metadata: map[string]any{"error": "unknown_tool"}}
	}

	var input any
	if t.Decode != nil {
		decoded, err := t.Decode(raw)
		if err != nil {
			return ToolResult{IsError: true, Output: err.Error(), Metadata: map[string]any{"error": "validation_failed"}}
		}
		input = decoded
		if err := validate.Struct(input); err != nil {
			return ToolResult{IsError: true, Output: err.Error(), Metadata: map[string]any{"error": "validation_failed"}}
		}
		encoded, _ := json.Marshal(input)
		raw = encoded
	}

	result, err := t.Executor(raw, ec)
	if err != nil {
		return ToolResult{
			IsError:  true,
			Output:   errs.Wrap(errs.ToolExecutionError, fmt.Sprintf("tool %q failed", name), err).Error(),
			Metadata: map[string]any{"error": "execution_failed"},
		}
	}

	trunc := TruncateOutput(result.Output)
	if trunc.Truncated {
		result.Output = trunc.Output
		if result.Metadata == nil {
			result.Metadata = map[string]any{}
		}
		result.Metadata["truncated"] = true
		result.Metadata["originalLines"] = trunc.OriginalLines
		result.Metadata["originalBytes"] = trunc.OriginalBytes
	}
	return result
}
