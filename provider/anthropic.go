package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/teilomillet/gollm"

	"coreengine/errs"
	"coreengine/session"
	"coreengine/sse"
)

// AnthropicAdapter is the canonical provider adapter. Its Stream path goes
// directly over net/http into an sse.Decoder so the engine genuinely
// exercises its own SSE decoder rather than hiding behind gollm's
// Stream/Next abstraction (which never exposes raw bytes, per
// unifiedllm/gollm_adapter.go's Stream method). Complete keeps gollm wired
// in as a non-streaming convenience path, grounded in
// unifiedllm/gollm_adapter.go's Complete method.
type AnthropicAdapter struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	llm        gollm.LLM
	retry      RetryPolicy
	logger     *slog.Logger
}

// AnthropicOption configures an AnthropicAdapter.
type AnthropicOption func(*AnthropicAdapter)

// WithBaseURL overrides the API base URL, primarily for tests.
func WithBaseURL(url string) AnthropicOption {
	return func(a *AnthropicAdapter) { a.baseURL = url }
}

// WithHTTPClient overrides the transport's http.Client.
func WithHTTPClient(c *http.Client) AnthropicOption {
	return func(a *AnthropicAdapter) { a.httpClient = c }
}

// WithRetryPolicy overrides the adapter's retry policy.
func WithRetryPolicy(p RetryPolicy) AnthropicOption {
	return func(a *AnthropicAdapter) { a.retry = p }
}

// WithAdapterLogger overrides the adapter's logger.
func WithAdapterLogger(l *slog.Logger) AnthropicOption {
	return func(a *AnthropicAdapter) { a.logger = l }
}

// NewAnthropicAdapter constructs the canonical adapter. model is used only
// for the gollm-backed Complete path; Stream takes its model from the
// Context passed to it.
func NewAnthropicAdapter(apiKey, model string, opts ...AnthropicOption) (*AnthropicAdapter, error) {
	a := &AnthropicAdapter{
		apiKey:     apiKey,
		baseURL:    "https://api.anthropic.com",
		httpClient: &http.Client{Timeout: 0},
		retry:      DefaultRetryPolicy(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	llm, err := gollm.NewLLM(
		gollm.SetProvider("anthropic"),
		gollm.SetModel(model),
		gollm.SetAPIKey(apiKey),
		gollm.SetMaxRetries(0), // retries are handled by provider.Retry
	)
	if err != nil {
		return nil, errs.Wrap(errs.InternalInvariantViolation, "failed to construct gollm backend", err)
	}
	a.llm = llm
	return a, nil
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Complete sends a blocking request through gollm and assembles a single
// text content block from the result.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Context) (CompleteResult, error) {
	prompt := buildPrompt(req)
	text, err := Retry(ctx, a.retry, func(ctx context.Context) (string, error) {
		return a.llm.Generate(ctx, prompt)
	})
	if err != nil {
		return CompleteResult{}, translateTransportError(err)
	}
	return CompleteResult{
		Blocks:       []session.ContentBlock{session.TextBlock(text)},
		FinishReason: "end_turn",
	}, nil
}

func buildPrompt(req Context) *gollm.Prompt {
	var sb strings.Builder
	if req.SystemPrompt != "" {
		sb.WriteString(req.SystemPrompt)
		sb.WriteString("\n\n")
	}
	for _, m := range req.Messages {
		sb.WriteString(string(m.Role))
		sb.WriteString(": ")
		sb.WriteString(m.TextContent())
		sb.WriteString("\n")
	}
	return gollm.NewPrompt(sb.String())
}

// ---- Streaming wire dialect ----

type wireRequest struct {
	Model     string          `json:"model"`
	MaxTokens int             `json:"max_tokens"`
	System    string          `json:"system,omitempty"`
	Messages  []wireMessage   `json:"messages"`
	Tools     []wireToolDef   `json:"tools,omitempty"`
	Stream    bool            `json:"stream"`
	Thinking  *wireThinking   `json:"thinking,omitempty"`
	Stop      []string        `json:"stop_sequences,omitempty"`
}

type wireThinking struct {
	Type         string `json:"type"`
	BudgetTokens uint32 `json:"budget_tokens,omitempty"`
}

type wireToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireMessage struct {
	Role    string             `json:"role"`
	Content []wireContentBlock `json:"content"`
}

type wireContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Source    *wireImageSource `json:"source,omitempty"`
}

type wireImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func buildWireRequest(opts StreamOptions) wireRequest {
	req := opts.Context
	wr := wireRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		System:    req.SystemPrompt,
		Stream:    true,
		Stop:      req.StopSequences,
	}
	if req.MaxTokens == 0 {
		wr.MaxTokens = 4096
	}
	if req.Thinking != "" && req.Thinking != session.ThinkingOff {
		wr.Thinking = &wireThinking{Type: "enabled", BudgetTokens: req.Thinking.DefaultBudget()}
	}
	for _, t := range req.Tools {
		wr.Tools = append(wr.Tools, wireToolDef{Name: t.Name, Description: t.Description, InputSchema: t.Schema})
	}
	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, translateMessageOut(m))
	}
	return wr
}

func translateMessageOut(m session.Message) wireMessage {
	role := "user"
	if m.Role == session.RoleAssistant {
		role = "assistant"
	}
	wm := wireMessage{Role: role}
	for _, b := range m.Content {
		switch b.Kind {
		case session.BlockText:
			wm.Content = append(wm.Content, wireContentBlock{Type: "text", Text: b.Text})
		case session.BlockThinking:
			wm.Content = append(wm.Content, wireContentBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.ThinkingSignature})
		case session.BlockToolUse:
			wm.Content = append(wm.Content, wireContentBlock{Type: "tool_use", ID: b.CallID, Name: b.Name, Input: b.Input})
		case session.BlockToolResult:
			wm.Content = append(wm.Content, wireContentBlock{Type: "tool_result", ToolUseID: b.CallID, Content: b.Output, IsError: b.IsError})
		case session.BlockImage:
			wm.Content = append(wm.Content, wireContentBlock{
				Type:   "image",
				Source: &wireImageSource{Type: "base64", MediaType: b.MediaType, Data: base64.StdEncoding.EncodeToString(b.Bytes)},
			})
		}
	}
	return wm
}

// Stream issues the request over net/http directly, feeding the response
// body through sse.Decoder chunk by chunk, and translates each decoded
// raw event into the canonical StreamEvent vocabulary. Per §5, a connect
// timeout bounds establishing the connection and receiving headers, and an
// idle-data timeout bounds the gap between successive bytes once the
// stream is flowing; both cancel the request.
func (a *AnthropicAdapter) Stream(ctx context.Context, opts StreamOptions) (<-chan StreamEvent, error) {
	body, err := json.Marshal(buildWireRequest(opts))
	if err != nil {
		return nil, errs.Wrap(errs.InputError, "failed to encode stream request", err)
	}

	resp, err := a.doWithRetry(ctx, body, opts.ConnectTimeout, opts.IdleTimeout)
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent, 64)
	go a.pump(resp.Body, ch)
	return ch, nil
}

// doWithRetry issues one attempt per Retry iteration. Connect timeout is
// enforced by racing the request against a timer rather than baking it
// into the request's own context, since that context also governs the
// body read that follows and must not be cut off once headers arrive.
// Once headers are received, the response body is wrapped so the idle
// timeout resets on every read and cancels the request's context, rather
// than the connect timeout, if the stream goes silent.
func (a *AnthropicAdapter) doWithRetry(ctx context.Context, body []byte, connectTimeout, idleTimeout time.Duration) (*http.Response, error) {
	return Retry(ctx, a.retry, func(ctx context.Context) (*http.Response, error) {
		reqCtx, cancel := context.WithCancel(ctx)

		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			cancel()
			return nil, errs.Wrap(errs.InputError, "failed to build request", err)
		}
		httpReq.Header.Set("content-type", "application/json")
		httpReq.Header.Set("x-api-key", a.apiKey)
		httpReq.Header.Set("anthropic-version", "2023-06-01")

		type doResult struct {
			resp *http.Response
			err  error
		}
		resultCh := make(chan doResult, 1)
		go func() {
			resp, err := a.httpClient.Do(httpReq)
			resultCh <- doResult{resp, err}
		}()

		var connectTimer <-chan time.Time
		if connectTimeout > 0 {
			t := time.NewTimer(connectTimeout)
			defer t.Stop()
			connectTimer = t.C
		}

		select {
		case r := <-resultCh:
			if r.err != nil {
				cancel()
				return nil, errs.Wrap(errs.ProviderTransportError, "request failed", r.err)
			}
			if r.resp.StatusCode >= 400 {
				msg, _ := io.ReadAll(io.LimitReader(r.resp.Body, 4096))
				r.resp.Body.Close()
				cancel()
				return nil, errs.FromStatusCode(r.resp.StatusCode, "anthropic", string(msg))
			}
			r.resp.Body = newIdleTimeoutReadCloser(r.resp.Body, idleTimeout, cancel)
			return r.resp, nil

		case <-connectTimer:
			cancel()
			return nil, errs.Wrap(errs.ProviderTransportError, "connect timeout exceeded", context.DeadlineExceeded).WithRetryable(true)

		case <-ctx.Done():
			cancel()
			return nil, errs.Wrap(errs.Cancelled, "request cancelled", ctx.Err())
		}
	})
}

// idleTimeoutReadCloser cancels cancel if no Read completes within timeout
// of the previous one, closing the underlying request and unblocking the
// pump loop on a stream that has gone silent.
type idleTimeoutReadCloser struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
}

func newIdleTimeoutReadCloser(rc io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutReadCloser {
	r := &idleTimeoutReadCloser{rc: rc, timeout: timeout}
	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, cancel)
	}
	return r
}

func (r *idleTimeoutReadCloser) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if r.timer != nil {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReadCloser) Close() error {
	if r.timer != nil {
		r.timer.Stop()
	}
	return r.rc.Close()
}

// pump decodes the SSE byte stream and emits canonical StreamEvents. It
// reads in modest chunks rather than line-by-line so sse.Decoder's own
// chunk-boundary handling is genuinely exercised in production, not just
// in tests.
func (a *AnthropicAdapter) pump(body io.ReadCloser, ch chan<- StreamEvent) {
	defer close(ch)
	defer body.Close()

	dec := sse.NewDecoder(sse.WithLogger(a.logger))
	fragments := map[int]*ToolCallFragment{}
	buf := make([]byte, 4096)

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			events, decErr := dec.Feed(buf[:n])
			if decErr != nil {
				ch <- StreamEvent{Type: EventError, Err: errs.Wrap(errs.ProviderProtocolError, "sse decode failed", decErr)}
				return
			}
			for _, raw := range events {
				if a.emit(raw, ch, fragments) {
					return
				}
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				ch <- StreamEvent{Type: EventError, Err: errs.Wrap(errs.ProviderTransportError, "stream read failed", readErr)}
				return
			}
			if final, err := dec.End(); err == nil && final != nil {
				a.emit(*final, ch, fragments)
			}
			return
		}
	}
}

type wireEventPayload struct {
	Type         string          `json:"type"`
	Message      json.RawMessage `json:"message,omitempty"`
	Index        int             `json:"index"`
	ContentBlock *wireContentBlock `json:"content_block,omitempty"`
	Delta        *wireDelta      `json:"delta,omitempty"`
	Usage        *wireUsage      `json:"usage,omitempty"`
	Error        *wireError      `json:"error,omitempty"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type wireUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type wireError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// emit translates one SSE event and reports whether it was a provider
// error event, after which the stream is over.
func (a *AnthropicAdapter) emit(raw sse.RawEvent, ch chan<- StreamEvent, fragments map[int]*ToolCallFragment) bool {
	if raw.Data == "" {
		return false
	}
	var payload wireEventPayload
	if err := json.Unmarshal([]byte(raw.Data), &payload); err != nil {
		a.logger.Warn("provider: malformed event payload", "error", err)
		return false
	}

	switch payload.Type {
	case "ping":
		ch <- StreamEvent{Type: EventPing}

	case "message_start":
		ch <- StreamEvent{Type: EventMessageStart}

	case "content_block_start":
		if payload.ContentBlock == nil {
			return false
		}
		if payload.ContentBlock.Type == "tool_use" {
			fragments[payload.Index] = &ToolCallFragment{CallID: payload.ContentBlock.ID, Name: payload.ContentBlock.Name}
		}
		ch <- StreamEvent{Type: EventContentBlockStart, Index: payload.Index, Block: wireBlockToSession(*payload.ContentBlock)}

	case "content_block_delta":
		if payload.Delta == nil {
			return false
		}
		switch payload.Delta.Type {
		case "text_delta":
			ch <- StreamEvent{Type: EventContentBlockDelta, Index: payload.Index, DeltaText: payload.Delta.Text}
		case "thinking_delta":
			ch <- StreamEvent{Type: EventContentBlockDelta, Index: payload.Index, DeltaText: payload.Delta.Thinking}
		case "signature_delta":
			ch <- StreamEvent{Type: EventContentBlockDelta, Index: payload.Index, DeltaText: payload.Delta.Signature}
		case "input_json_delta":
			if f, ok := fragments[payload.Index]; ok {
				f.Append(payload.Delta.PartialJSON)
			}
			ch <- StreamEvent{Type: EventContentBlockDelta, Index: payload.Index, DeltaJSON: payload.Delta.PartialJSON}
		}

	case "content_block_stop":
		var block *session.ContentBlock
		if f, ok := fragments[payload.Index]; ok {
			finalized, err := f.Finalize()
			if err == nil {
				block = &finalized
			}
			delete(fragments, payload.Index)
		}
		ch <- StreamEvent{Type: EventContentBlockStop, Index: payload.Index, Block: block}

	case "message_delta":
		ev := StreamEvent{Type: EventMessageDelta}
		if payload.Delta != nil {
			ev.FinishReason = payload.Delta.StopReason
		}
		if payload.Usage != nil {
			u := session.Usage{
				Input:      uint64(payload.Usage.InputTokens),
				Output:     uint64(payload.Usage.OutputTokens),
				CacheRead:  uint64(payload.Usage.CacheReadInputTokens),
				CacheWrite: uint64(payload.Usage.CacheCreationInputTokens),
			}
			u.TotalTokens = u.Input + u.Output
			ev.Usage = &u
		}
		ch <- ev

	case "message_stop":
		ch <- StreamEvent{Type: EventMessageStop}

	case "error":
		msg := "unknown provider error"
		if payload.Error != nil {
			msg = payload.Error.Message
		}
		ch <- StreamEvent{Type: EventError, Err: errs.Wrap(errs.ProviderProtocolError, msg, nil)}
		return true

	default:
		a.logger.Debug("provider: unhandled event type", "type", payload.Type)
	}
	return false
}

func wireBlockToSession(b wireContentBlock) *session.ContentBlock {
	var block session.ContentBlock
	switch b.Type {
	case "text":
		block = session.TextBlock(b.Text)
	case "thinking":
		block = session.ThinkingBlock(b.Thinking, b.Signature)
	case "tool_use":
		block = session.ToolUseBlock(b.ID, b.Name, b.Input)
	default:
		return nil
	}
	return &block
}

func translateTransportError(err error) error {
	if errs.Is(err, errs.ProviderTransportError) || errs.Is(err, errs.ProviderProtocolError) {
		return err
	}
	return errs.Wrap(errs.ProviderTransportError, "provider request failed", err)
}

