package provider

import (
	"context"

	"coreengine/session"
)

// Adapter is the contract every provider backend implements, grounded in
// unifiedllm/provider.go's ProviderAdapter but narrowed to the single
// canonical wire dialect this engine targets.
type Adapter interface {
	// Name returns the provider identifier.
	Name() string

	// Complete sends a blocking, non-streaming request and returns the
	// assembled assistant message blocks plus usage.
	Complete(ctx context.Context, req Context) (CompleteResult, error)

	// Stream sends a request and returns a channel of canonical
	// StreamEvent values. The channel is closed when the stream ends or
	// an EventError event has been sent.
	Stream(ctx context.Context, opts StreamOptions) (<-chan StreamEvent, error)
}

// CompleteResult is Complete's return value.
type CompleteResult struct {
	Blocks       []session.ContentBlock
	FinishReason string
	Usage        session.Usage
}
