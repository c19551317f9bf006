package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/mcp"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/retry"
)

// Usage carries upstream token accounting, forwarded to the caller
// verbatim on the final envelope of a turn.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Envelope is one unit of upstream reply handed to the engine by an
// UpstreamClient: the whole body for a buffered call, or one decoded SSE
// event for a streamed one.
type Envelope struct {
	Text              string
	Reasoning         string
	ToolCalls         []ToolCall         // buffered dialects deliver whole calls
	ToolCallFragments []ToolCallFragment // streaming dialects deliver fragments
	Signatures        []ReasoningSignature
	Usage             *Usage
	Model             string
	ResponseID        string
	Done              bool // streaming only: marks the end of this call's stream
	Err               *Error
}

// UpstreamRequest is what the engine asks an UpstreamClient to send.
type UpstreamRequest struct {
	Model             string
	SystemInstruction string
	Messages          []Message
	Tools             []ToolDef
	MaxTokens         int
}

// UpstreamClient is implemented once per upstream dialect (OpenAI-shaped,
// Gemini-shaped). The Engine never depends on a dialect package directly;
// dialect clients depend on engine types and satisfy this interface, the
// same inversion agent.LLMProvider uses for its providers.
type UpstreamClient interface {
	Buffered(ctx context.Context, req *UpstreamRequest) (*Envelope, error)
	Stream(ctx context.Context, req *UpstreamRequest) (<-chan *Envelope, error)
}

// Config controls the iteration loop's bounds and policies.
type Config struct {
	MaxIterations   int
	RetryCount      int
	RetryDelay      time.Duration
	SystemPrompt    string // proxy-configured system prompt
	CollisionPolicy CollisionPolicy
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 100
	}
	if c.RetryCount <= 0 {
		c.RetryCount = 2
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	if c.CollisionPolicy == "" {
		c.CollisionPolicy = ClientWins
	}
	return c
}

// Request is one inbound turn: the client's conversation so far, plus any
// client-declared tools and the inbound system prompt.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	ClientTools  []ToolDef
	MaxTokens    int
}

// Result is the outcome of a buffered turn.
type Result struct {
	Content      string
	Model        string
	ResponseID   string
	Usage        *Usage
	ToolCalls    []ToolCall // set only when returning for client-owned calls
	Conversation []Message
}

// ClientEnvelope is one unit forwarded to the inbound client during a
// streamed turn.
type ClientEnvelope struct {
	Text       string
	Done       bool
	Err        *Error
	Model      string
	ResponseID string
	Usage      *Usage
}

// Engine runs the bounded request/upstream-call/tool-call loop.
type Engine struct {
	upstream UpstreamClient
	manager  *mcp.Manager
	config   Config
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// New creates an Engine. manager may be nil (no tool serving).
func New(upstream UpstreamClient, manager *mcp.Manager, config Config, logger *slog.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		upstream: upstream,
		manager:  manager,
		config:   config.withDefaults(),
		logger:   logger.With("component", "engine"),
		metrics:  metrics,
	}
}

// Buffered runs the iteration loop to completion and returns the single
// final reply.
func (e *Engine) Buffered(ctx context.Context, req *Request) (*Result, error) {
	conv := append([]Message(nil), req.Messages...)
	n0 := len(conv)
	trace := NewTrace()
	systemInstruction := ComposeSystemPrompt(e.config.SystemPrompt, req.SystemPrompt)

	for iteration := 0; iteration < e.config.MaxIterations; iteration++ {
		tools, err := e.effectiveTools(req.ClientTools)
		if err != nil {
			return nil, err
		}

		upReq := &UpstreamRequest{
			Model:             req.Model,
			SystemInstruction: systemInstruction,
			Messages:          RewriteHistory(conv, n0),
			Tools:             tools,
			MaxTokens:         req.MaxTokens,
		}

		env, err := e.callBuffered(ctx, upReq, iteration)
		if err != nil {
			return nil, err
		}

		trace.AddReasoning(env.Reasoning)

		if len(env.ToolCalls) == 0 {
			content := env.Text
			if !trace.Empty() {
				content = trace.Render() + "\n\n" + content
			}
			e.recordTurn(iteration+1, false)
			return &Result{
				Content:      content,
				Model:        env.Model,
				ResponseID:   env.ResponseID,
				Usage:        env.Usage,
				Conversation: conv,
			}, nil
		}

		assistantMsg := Message{
			Role:       RoleAssistant,
			Content:    env.Text,
			Reasoning:  env.Reasoning,
			ToolCalls:  env.ToolCalls,
			Signatures: CloneSignatures(env.Signatures),
		}
		conv = append(conv, assistantMsg)

		managerCalls, clientCalls := e.splitToolCalls(env.ToolCalls)
		for _, tc := range managerCalls {
			trace.AddToolCall(tc.Name, tc.Arguments)
			result := e.dispatchToolCall(ctx, tc)
			conv = append(conv, Message{Role: RoleTool, ToolResults: []ToolResult{result}})
		}
		for _, tc := range clientCalls {
			trace.AddToolCall(tc.Name, tc.Arguments)
		}

		if len(clientCalls) > 0 {
			return &Result{
				Content:      trace.Render(),
				Model:        env.Model,
				ResponseID:   env.ResponseID,
				Usage:        env.Usage,
				ToolCalls:    clientCalls,
				Conversation: conv,
			}, nil
		}
	}

	e.recordTurn(e.config.MaxIterations, true)
	content := "max iterations exceeded"
	if !trace.Empty() {
		content = trace.Render() + "\n\n" + content
	}
	return &Result{Content: content, Conversation: conv}, nil
}

// Stream runs the iteration loop, forwarding a ClientEnvelope to emit for
// each unit of client-visible output, in arrival/decision order. It
// returns once the turn is complete (after the terminal Done envelope) or
// once emit or the upstream call returns an unrecoverable error.
func (e *Engine) Stream(ctx context.Context, req *Request, emit func(*ClientEnvelope) error) error {
	conv := append([]Message(nil), req.Messages...)
	n0 := len(conv)
	trace := NewTrace()
	systemInstruction := ComposeSystemPrompt(e.config.SystemPrompt, req.SystemPrompt)

	for iteration := 0; iteration < e.config.MaxIterations; iteration++ {
		tools, err := e.effectiveTools(req.ClientTools)
		if err != nil {
			return err
		}

		upReq := &UpstreamRequest{
			Model:             req.Model,
			SystemInstruction: systemInstruction,
			Messages:          RewriteHistory(conv, n0),
			Tools:             tools,
			MaxTokens:         req.MaxTokens,
		}

		attempt, err := e.runStreamIteration(ctx, upReq, iteration, trace, emit)
		if err != nil {
			eerr := e.classifyUpstreamErr(err)
			_ = emit(&ClientEnvelope{Err: eerr})
			_ = emit(&ClientEnvelope{Done: true})
			return eerr
		}

		for _, r := range attempt.reasoning {
			trace.AddReasoning(r)
		}

		if len(attempt.toolCalls) == 0 {
			if err := e.flushTrace(trace, emit); err != nil {
				return err
			}
			e.recordTurn(iteration+1, false)
			return emit(&ClientEnvelope{
				Done:       true,
				Model:      attempt.model,
				ResponseID: attempt.responseID,
				Usage:      attempt.usage,
			})
		}

		assistantMsg := Message{
			Role:       RoleAssistant,
			ToolCalls:  attempt.toolCalls,
			Signatures: CloneSignatures(attempt.signatures),
		}
		conv = append(conv, assistantMsg)

		managerCalls, clientCalls := e.splitToolCalls(attempt.toolCalls)
		for _, tc := range managerCalls {
			trace.AddToolCall(tc.Name, tc.Arguments)
			result := e.dispatchToolCall(ctx, tc)
			conv = append(conv, Message{Role: RoleTool, ToolResults: []ToolResult{result}})
		}
		for _, tc := range clientCalls {
			trace.AddToolCall(tc.Name, tc.Arguments)
		}

		if err := e.flushTrace(trace, emit); err != nil {
			return err
		}

		if len(clientCalls) > 0 {
			return emit(&ClientEnvelope{Done: true, Model: attempt.model, ResponseID: attempt.responseID})
		}
	}

	e.recordTurn(e.config.MaxIterations, true)
	if err := e.flushTrace(trace, emit); err != nil {
		return err
	}
	if err := emit(&ClientEnvelope{Text: "max iterations exceeded"}); err != nil {
		return Wrap(KindInternal, err)
	}
	return emit(&ClientEnvelope{Done: true})
}

// flushTrace emits any trace entries accumulated since the last flush, as
// one envelope bracketed by blank lines, ahead of the content it precedes.
func (e *Engine) flushTrace(trace *Trace, emit func(*ClientEnvelope) error) error {
	block := trace.FlushNew()
	if block == "" {
		return nil
	}
	if err := emit(&ClientEnvelope{Text: "\n\n" + block + "\n\n"}); err != nil {
		return Wrap(KindInternal, err)
	}
	return nil
}

// callBuffered issues one buffered upstream call, applying the retry
// policy when iteration > 0: configurable attempt count, fixed delay
// between attempts, never applied to the first call of a conversation.
// The attempt loop itself is internal/retry's fixed-delay (Linear)
// backoff; only the metrics hook and error classification are specific
// to this engine.
func (e *Engine) callBuffered(ctx context.Context, req *UpstreamRequest, iteration int) (*Envelope, error) {
	if iteration == 0 {
		env, err := e.upstream.Buffered(ctx, req)
		if err != nil {
			return nil, e.classifyUpstreamErr(err)
		}
		return env, nil
	}

	attempt := 0
	var lastErr error
	env, result := retry.DoWithValue(ctx, retry.Linear(e.config.RetryCount+1, e.config.RetryDelay), func() (*Envelope, error) {
		attempt++
		if attempt > 1 && e.metrics != nil {
			e.metrics.RecordUpstreamRetry("", req.Model)
		}
		out, err := e.upstream.Buffered(ctx, req)
		if err != nil {
			lastErr = err
			return nil, err
		}
		return out, nil
	})
	if result.Err == nil {
		return env, nil
	}
	if ctx.Err() != nil {
		return nil, Wrap(KindUpstreamNetwork, ctx.Err())
	}
	return nil, e.classifyUpstreamErr(lastErr)
}

type iterationAttempt struct {
	toolCalls  []ToolCall
	signatures []ReasoningSignature
	reasoning  []string // not yet committed to the trace; committed by the caller on success
	model      string
	responseID string
	usage      *Usage
	forwarded  bool // whether any client-visible envelope was already emitted this attempt
}

// attemptStream runs one streamed upstream call to completion, forwarding
// each envelope's visible text to the client as it arrives rather than
// waiting for the iteration to finish. Reasoning fragments are held back
// in the returned attempt (not yet added to trace) until the first text
// byte of this attempt is about to go out, at which point they and any
// trace entries from prior iterations are flushed ahead of it — this is
// what keeps the trace block in front of this iteration's own content
// without delaying that content's delivery. Envelopes carrying tool-call
// fragments are never forwarded as-is; they are assembled into the full
// tool calls the caller dispatches once the stream completes. Once any
// byte has been forwarded (out.forwarded), a failure from this attempt is
// no longer eligible for retry.
func (e *Engine) attemptStream(ctx context.Context, req *UpstreamRequest, trace *Trace, emit func(*ClientEnvelope) error) (*iterationAttempt, error) {
	ch, err := e.upstream.Stream(ctx, req)
	if err != nil {
		return nil, e.classifyUpstreamErr(err)
	}

	out := &iterationAttempt{}
	assembler := NewToolCallAssembler()
	committed := false

	for env := range ch {
		if env.Err != nil {
			return out, env.Err
		}
		if env.Reasoning != "" {
			if committed {
				trace.AddReasoning(env.Reasoning)
			} else {
				out.reasoning = append(out.reasoning, env.Reasoning)
			}
		}
		for _, f := range env.ToolCallFragments {
			assembler.Add(f)
		}
		if env.Text != "" {
			if !committed {
				for _, r := range out.reasoning {
					trace.AddReasoning(r)
				}
				out.reasoning = nil
				committed = true
			}
			if err := e.flushTrace(trace, emit); err != nil {
				return out, err
			}
			if err := emit(&ClientEnvelope{Text: env.Text}); err != nil {
				return out, Wrap(KindInternal, err)
			}
			out.forwarded = true
		}
		if env.Signatures != nil {
			out.signatures = append(out.signatures, env.Signatures...)
		}
		if env.Model != "" {
			out.model = env.Model
		}
		if env.ResponseID != "" {
			out.responseID = env.ResponseID
		}
		if env.Usage != nil {
			out.usage = env.Usage
		}
		if env.Done {
			break
		}
	}

	out.toolCalls = assembler.Finalize()
	return out, nil
}

// runStreamIteration applies the same retry policy as callBuffered, but to
// a streamed attempt. Once attemptStream has forwarded any byte, the
// attempt is no longer retried — only a failure that arrives before the
// first client-visible envelope of this upstream call is eligible.
func (e *Engine) runStreamIteration(ctx context.Context, req *UpstreamRequest, iteration int, trace *Trace, emit func(*ClientEnvelope) error) (*iterationAttempt, error) {
	first, err := e.attemptStream(ctx, req, trace, emit)
	if err == nil {
		return first, nil
	}
	if iteration == 0 || (first != nil && first.forwarded) {
		return first, err
	}

	attemptN := 0
	var lastErr error
	out, result := retry.DoWithValue(ctx, retry.Linear(e.config.RetryCount, e.config.RetryDelay), func() (*iterationAttempt, error) {
		attemptN++
		if e.metrics != nil {
			e.metrics.RecordUpstreamRetry("", req.Model)
		}
		attempt, aerr := e.attemptStream(ctx, req, trace, emit)
		if aerr != nil {
			lastErr = aerr
			if attempt != nil && attempt.forwarded {
				return attempt, retry.Permanent(aerr)
			}
			return attempt, aerr
		}
		return attempt, nil
	})
	if result.Err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, Wrap(KindUpstreamNetwork, ctx.Err())
	}
	return out, lastErr
}

func (e *Engine) classifyUpstreamErr(err error) error {
	if err == nil {
		return nil
	}
	if eerr, ok := As(err); ok {
		return eerr
	}
	return Wrap(KindUpstreamNetwork, err)
}

func (e *Engine) effectiveTools(clientTools []ToolDef) ([]ToolDef, error) {
	var managerTools []ToolDef
	if e.manager != nil {
		for _, s := range e.manager.ToolSchemas() {
			managerTools = append(managerTools, ToolDef{
				Name:        s.QualifiedName,
				Description: s.Description,
				InputSchema: s.InputSchema,
			})
		}
	}
	return MergeTools(clientTools, managerTools, e.config.CollisionPolicy, e.logger, e.metrics)
}

func (e *Engine) splitToolCalls(calls []ToolCall) (managerCalls, clientCalls []ToolCall) {
	for _, tc := range calls {
		if e.manager != nil {
			if _, _, ok := e.manager.SplitQualifiedName(tc.Name); ok {
				managerCalls = append(managerCalls, tc)
				continue
			}
		}
		clientCalls = append(clientCalls, tc)
	}
	return managerCalls, clientCalls
}

// dispatchToolCall never returns a Go error: an unknown qualified name or
// an unreachable tool server both fold into tool-result text so the loop
// always continues.
func (e *Engine) dispatchToolCall(ctx context.Context, tc ToolCall) ToolResult {
	var args map[string]any
	if len(tc.Arguments) > 0 {
		if err := json.Unmarshal(tc.Arguments, &args); err != nil {
			e.recordToolError("tool_execution_failed")
			return ToolResult{ToolCallID: tc.ID, Content: "tool execution failed", IsError: true}
		}
	}

	text, err := e.manager.DispatchText(ctx, tc.Name, args)
	if err != nil {
		var notFound *mcp.ToolNotFoundError
		if errors.As(err, &notFound) {
			e.recordToolError("tool_not_found")
			return ToolResult{ToolCallID: tc.ID, Content: "tool does not exist", IsError: true}
		}
		e.recordToolError("tool_execution_failed")
		return ToolResult{ToolCallID: tc.ID, Content: "tool execution failed", IsError: true}
	}
	return ToolResult{ToolCallID: tc.ID, Content: text}
}

func (e *Engine) recordToolError(errorType string) {
	e.logger.Warn("tool dispatch failed", "error_type", errorType)
	if e.metrics != nil {
		e.metrics.RecordError("engine", errorType)
	}
}

func (e *Engine) recordTurn(iterations int, capped bool) {
	if e.metrics != nil {
		e.metrics.RecordTurn(iterations, capped)
	}
}
