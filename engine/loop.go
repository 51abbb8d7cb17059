package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"coreengine/errs"
	"coreengine/provider"
	"coreengine/session"
	"coreengine/tools"
)

// errLoopDetected is reported to the observer via on_error when the
// LoopGuard flags a repeating tool-call pattern. It is deliberately not an
// *errs.EngineError: none of the seven error kinds in §7 fit "non-fatal
// advisory the loop itself raised," and the observer contract only
// requires an error value, not a specific taxonomy member.
var errLoopDetected = errors.New("repeating tool-call pattern detected in the last window of tool calls")

// Loop is the agent loop orchestrator: it drives the turn cycle described in
// §4.5, dispatching tool calls concurrently within a turn and reporting
// every step to an Observer. Grounded in agentloop/session.go's Session,
// trimmed of the subagent/steering/follow-up machinery that belongs to the
// teacher's broader product surface rather than this engine's scope.
type Loop struct {
	Store    session.Store
	Adapter  provider.Adapter
	Tools    *tools.ToolRegistry
	Observer Observer
	Config   Config

	// SystemPrompt is sent as the provider Context's system prompt on every
	// turn. Building it from project docs, profile, and user instructions
	// is an external-collaborator concern per §1's Non-goals; the loop only
	// needs the final string.
	SystemPrompt string

	// Model and MaxTokens parameterize every Context built by the loop.
	Model     string
	MaxTokens int
	Thinking  session.ThinkingLevel

	// WorkingDir is passed to every tool invocation's ExecutionContext.
	WorkingDir string

	// CompactionConfig overrides session.DefaultCompactionConfig() when set.
	CompactionConfig session.CompactionConfig

	guard *LoopGuard
}

// compactionConfig returns l.CompactionConfig if it has been set to a
// non-zero threshold, else the session package's default.
func (l *Loop) compactionConfig() session.CompactionConfig {
	if l.CompactionConfig.TokenThreshold == 0 {
		return session.DefaultCompactionConfig()
	}
	return l.CompactionConfig
}

// summarizeOlderMessages is the default session.Summarizer: a deterministic,
// no-extra-provider-call digest of the messages compaction is replacing,
// truncated by the same policy the tool layer applies to oversized output.
func summarizeOlderMessages(older []session.Message) string {
	var sb strings.Builder
	for _, m := range older {
		text := m.TextContent()
		if text == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", m.Role, text)
	}
	return tools.TruncateOutput(sb.String()).Output
}

// NewLoop constructs a Loop with the given collaborators and defaults the
// observer to NopObserver if none is supplied.
func NewLoop(store session.Store, adapter provider.Adapter, registry *tools.ToolRegistry, cfg Config) *Loop {
	return &Loop{
		Store:    store,
		Adapter:  adapter,
		Tools:    registry,
		Observer: NopObserver{},
		Config:   cfg,
	}
}

// Run drives the turn cycle for one user input until the assistant produces
// a message with no tool_use blocks, a fatal error occurs, or ctx is
// cancelled.
func (l *Loop) Run(ctx context.Context, userInput string) error {
	if l.Observer == nil {
		l.Observer = NopObserver{}
	}
	if l.guard == nil {
		l.guard = NewLoopGuard(l.Config.LoopDetectionWindow)
	}

	// Step 1: append the user message.
	userMsg, err := l.Store.AppendMessage(session.RoleUser, []session.ContentBlock{session.TextBlock(userInput)}, nil)
	if err != nil {
		return errs.Wrap(errs.SessionIOError, "failed to append user message", err)
	}
	l.Observer.OnMessageAppended(userMsg)

	rounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(errs.Cancelled, "loop cancelled", err)
		}

		assistantMsg, err := l.runTurn(ctx)
		if err != nil {
			l.Observer.OnError(err)
			return err
		}

		toolUses := assistantMsg.ToolUses()
		if len(toolUses) == 0 {
			return nil
		}

		rounds++
		if rounds > l.Config.MaxToolRounds {
			l.Observer.OnError(errs.New(errs.InternalInvariantViolation, "max tool rounds exceeded"))
			return nil
		}

		resultBlocks, err := l.dispatchTools(ctx, toolUses)
		if err != nil {
			return err
		}

		toolMsg, err := l.Store.AppendMessage(session.RoleToolResult, resultBlocks, nil)
		if err != nil {
			return errs.Wrap(errs.SessionIOError, "failed to append tool-result message", err)
		}
		l.Observer.OnMessageAppended(toolMsg)

		if l.Config.EnableLoopDetection {
			l.guard.Record(assistantMsg)
			if l.guard.Detect() {
				l.Observer.OnError(errLoopDetected)
			}
		}
	}
}

// runTurn performs steps 2-5: build Context, open a stream, accumulate the
// assistant message block-by-block, and append it once MessageStop arrives.
// Per §5's cancellation semantics, an assistant message that was not fully
// received (the stream ended on an error or a cancellation before
// MessageStop) is never persisted.
func (l *Loop) runTurn(ctx context.Context) (session.Message, error) {
	messages := l.Store.ActivePath()

	compacted, didCompact := session.Compact(l.compactionConfig(), messages, provider.EstimateTokens, summarizeOlderMessages)
	if didCompact {
		if err := l.Store.AppendCompaction(compacted[0].TextContent()); err != nil {
			return session.Message{}, errs.Wrap(errs.SessionIOError, "failed to append compaction marker", err)
		}
		messages = compacted
	}

	toolDefs := l.Tools.Definitions()
	pDefs := make([]provider.ToolDefinition, len(toolDefs))
	for i, td := range toolDefs {
		pDefs[i] = provider.ToolDefinition{Name: td.Name, Description: td.Description, Schema: td.Schema}
	}

	reqCtx := provider.Context{
		Model:        l.Model,
		SystemPrompt: l.SystemPrompt,
		Messages:     messages,
		Tools:        pDefs,
		MaxTokens:    l.MaxTokens,
		Thinking:     l.Thinking,
	}

	ch, err := l.Adapter.Stream(ctx, provider.StreamOptions{
		Context:        reqCtx,
		ConnectTimeout: l.Config.ConnectTimeout,
		IdleTimeout:    l.Config.IdleDataTimeout,
	})
	if err != nil {
		return session.Message{}, errs.Wrap(errs.ProviderTransportError, "failed to open stream", err)
	}

	acc := newBlockAccumulator()
	var usage *session.Usage
	var streamErr error
	sawStop := false

	for ev := range ch {
		l.Observer.OnStreamEvent(ev)
		switch ev.Type {
		case provider.EventContentBlockStart:
			acc.start(ev.Index, ev.Block)
		case provider.EventContentBlockDelta:
			acc.delta(ev.Index, ev.DeltaText)
		case provider.EventContentBlockStop:
			acc.stop(ev.Index, ev.Block)
		case provider.EventMessageDelta:
			if ev.Usage != nil {
				usage = ev.Usage
			}
		case provider.EventMessageStop:
			sawStop = true
		case provider.EventError:
			streamErr = ev.Err
		}
	}

	if streamErr != nil {
		return session.Message{}, errs.Wrap(errs.ProviderProtocolError, "provider stream error", streamErr)
	}
	if err := ctx.Err(); err != nil {
		return session.Message{}, errs.Wrap(errs.Cancelled, "stream cancelled before completion", err)
	}
	if !sawStop {
		return session.Message{}, errs.New(errs.ProviderProtocolError, "stream ended before message_stop")
	}

	blocks := acc.ordered()
	msg, appendErr := l.Store.AppendMessage(session.RoleAssistant, blocks, usage)
	if appendErr != nil {
		return session.Message{}, errs.Wrap(errs.SessionIOError, "failed to append assistant message", appendErr)
	}
	l.Observer.OnMessageAppended(msg)
	return msg, nil
}

// dispatchTools executes every tool_use block concurrently (step 6a),
// assembling tool_result blocks in original call order regardless of
// completion order, and cancels all in-flight tools if any context
// cancellation propagates (step 6b). Grounded in agentloop/session.go's
// executeToolCallsParallel, reworked to use errgroup so the first tool
// error still lets siblings finish rather than a bare WaitGroup that
// ignores errors entirely.
func (l *Loop) dispatchTools(ctx context.Context, toolUses []session.ContentBlock) ([]session.ContentBlock, error) {
	results := make([]session.ContentBlock, len(toolUses))

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for i, call := range toolUses {
		idx := i
		use := call
		g.Go(func() error {
			l.Observer.OnToolStart(use.CallID, use.Name)

			ec := tools.ExecutionContext{
				Ctx:        gctx,
				WorkingDir: l.WorkingDir,
				OnProgress: func(chunk string) { l.Observer.OnToolProgress(use.CallID, chunk) },
			}

			result := l.Tools.Invoke(use.Name, use.Input, ec)

			mu.Lock()
			results[idx] = session.ToolResultBlock(use.CallID, result.Output, result.IsError, result.Metadata)
			mu.Unlock()

			l.Observer.OnToolEnd(use.CallID, result)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, errs.Wrap(errs.Cancelled, "tool dispatch cancelled", err)
	}
	return results, nil
}

// blockAccumulator assembles content blocks across their Start/Delta/Stop
// events, since text and thinking deltas arrive as incremental fragments
// while tool_use blocks arrive pre-finalized at Stop (per
// provider.ToolCallFragment's buffer-then-parse-at-Stop design).
type blockAccumulator struct {
	blocks map[int]*session.ContentBlock
	order  []int
	seen   map[int]bool
}

func newBlockAccumulator() *blockAccumulator {
	return &blockAccumulator{blocks: map[int]*session.ContentBlock{}, seen: map[int]bool{}}
}

func (a *blockAccumulator) start(index int, block *session.ContentBlock) {
	if block == nil {
		return
	}
	cp := *block
	a.blocks[index] = &cp
	if !a.seen[index] {
		a.seen[index] = true
		a.order = append(a.order, index)
	}
}

func (a *blockAccumulator) delta(index int, text string) {
	b, ok := a.blocks[index]
	if !ok || text == "" {
		return
	}
	switch b.Kind {
	case session.BlockThinking:
		b.Thinking += text
	default:
		b.Text += text
	}
}

func (a *blockAccumulator) stop(index int, finalized *session.ContentBlock) {
	if finalized != nil {
		cp := *finalized
		a.blocks[index] = &cp
		if !a.seen[index] {
			a.seen[index] = true
			a.order = append(a.order, index)
		}
	}
}

func (a *blockAccumulator) ordered() []session.ContentBlock {
	sort.Ints(a.order)
	out := make([]session.ContentBlock, 0, len(a.order))
	for _, idx := range a.order {
		if b, ok := a.blocks[idx]; ok {
			out = append(out, *b)
		}
	}
	return out
}
