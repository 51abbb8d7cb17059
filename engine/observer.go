// Package engine implements the agent loop: the orchestrator that drives the
// turn cycle across the provider adapter, the tool layer, and the session
// store, reporting progress to a synchronous observer.
//
// Grounded in agentloop/session.go's Session.processInput, but the
// observer contract is reworked from the teacher's buffered, drop-on-full
// event channel into direct synchronous callbacks: the spec requires a slow
// observer to backpressure the loop, which a best-effort channel send
// cannot provide.
package engine

import (
	"coreengine/provider"
	"coreengine/session"
	"coreengine/tools"
)

// Observer receives every notable event the loop produces. Calls are
// synchronous and sequential w.r.t. the loop goroutine: a slow observer
// implementation backpressures the turn it is observing.
type Observer interface {
	OnStreamEvent(ev provider.StreamEvent)
	OnMessageAppended(msg session.Message)
	OnToolStart(callID, name string)
	OnToolProgress(callID, chunk string)
	OnToolEnd(callID string, result tools.ToolResult)
	OnError(err error)
}

// NopObserver implements Observer with no-op methods, for callers that only
// need some of the hooks.
type NopObserver struct{}

func (NopObserver) OnStreamEvent(ev provider.StreamEvent)            {}
func (NopObserver) OnMessageAppended(msg session.Message)            {}
func (NopObserver) OnToolStart(callID, name string)                  {}
func (NopObserver) OnToolProgress(callID, chunk string)              {}
func (NopObserver) OnToolEnd(callID string, result tools.ToolResult) {}
func (NopObserver) OnError(err error)                                {}

// FuncObserver adapts a set of function values into an Observer, for tests
// and callers that only care about a subset of hooks.
type FuncObserver struct {
	StreamEvent    func(ev provider.StreamEvent)
	MessageAppend  func(msg session.Message)
	ToolStart      func(callID, name string)
	ToolProgress   func(callID, chunk string)
	ToolEnd        func(callID string, result tools.ToolResult)
	Error          func(err error)
}

func (f FuncObserver) OnStreamEvent(ev provider.StreamEvent) {
	if f.StreamEvent != nil {
		f.StreamEvent(ev)
	}
}

func (f FuncObserver) OnMessageAppended(msg session.Message) {
	if f.MessageAppend != nil {
		f.MessageAppend(msg)
	}
}

func (f FuncObserver) OnToolStart(callID, name string) {
	if f.ToolStart != nil {
		f.ToolStart(callID, name)
	}
}

func (f FuncObserver) OnToolProgress(callID, chunk string) {
	if f.ToolProgress != nil {
		f.ToolProgress(callID, chunk)
	}
}

func (f FuncObserver) OnToolEnd(callID string, result tools.ToolResult) {
	if f.ToolEnd != nil {
		f.ToolEnd(callID, result)
	}
}

func (f FuncObserver) OnError(err error) {
	if f.Error != nil {
		f.Error(err)
	}
}
