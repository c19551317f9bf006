// Package upstream implements engine.UpstreamClient against the two
// upstream dialects the engine needs to speak: OpenAI-shaped chat
// completions and Gemini-shaped generateContent. Each dialect client
// depends on the engine package for its shared types; engine never
// imports upstream, so the core loop stays agnostic to which dialect
// it's driving.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/haasonsaas/nexus/internal/engine"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures an OpenAI-dialect client.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // empty uses the SDK's default (api.openai.com)
}

// OpenAIClient implements engine.UpstreamClient against any OpenAI chat
// completions compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a client bound to one endpoint and key.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientConfig)}
}

// Buffered sends one non-streamed chat completion request.
func (c *OpenAIClient) Buffered(ctx context.Context, req *engine.UpstreamRequest) (*engine.Envelope, error) {
	chatReq := toChatCompletionRequest(req, false)

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return nil, engine.NewError(engine.KindUpstreamStream, "openai: response carried no choices")
	}

	choice := resp.Choices[0]
	env := &engine.Envelope{
		Text:       choice.Message.Content,
		Model:      resp.Model,
		ResponseID: resp.ID,
		Usage: &engine.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		env.ToolCalls = append(env.ToolCalls, engine.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return env, nil
}

// Stream sends one streamed chat completion request and decodes each SSE
// delta into an Envelope, assembling tool-call fragments by index exactly
// as the non-streamed form would deliver whole calls.
func (c *OpenAIClient) Stream(ctx context.Context, req *engine.UpstreamRequest) (<-chan *engine.Envelope, error) {
	chatReq := toChatCompletionRequest(req, true)

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}

	ch := make(chan *engine.Envelope)
	go func() {
		defer close(ch)
		defer stream.Close()

		for {
			select {
			case <-ctx.Done():
				ch <- &engine.Envelope{Err: engine.Wrap(engine.KindUpstreamNetwork, ctx.Err()), Done: true}
				return
			default:
			}

			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					ch <- &engine.Envelope{Done: true}
					return
				}
				ch <- &engine.Envelope{Err: classifyOpenAIErr(err), Done: true}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta
			env := &engine.Envelope{Text: delta.Content, Model: resp.Model, ResponseID: resp.ID}
			for _, tc := range delta.ToolCalls {
				index := 0
				if tc.Index != nil {
					index = *tc.Index
				}
				env.ToolCallFragments = append(env.ToolCallFragments, engine.ToolCallFragment{
					Index:         index,
					ID:            tc.ID,
					Name:          tc.Function.Name,
					ArgumentsPart: tc.Function.Arguments,
				})
			}
			ch <- env
		}
	}()
	return ch, nil
}

func toChatCompletionRequest(req *engine.UpstreamRequest, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemInstruction != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	messages = append(messages, convertMessages(req.Messages)...)

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq
}

func convertMessages(messages []engine.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case engine.RoleTool:
			for _, tr := range msg.ToolResults {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case engine.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, oaiMsg)
		default:
			out = append(out, openai.ChatCompletionMessage{
				Role:    string(msg.Role),
				Content: msg.Content,
			})
		}
	}
	return out
}

func convertTools(tools []engine.ToolDef) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			schemaMap = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaMap,
			},
		})
	}
	return out
}

// classifyOpenAIErr maps go-openai's error shapes onto the engine's error
// kinds: a well-formed API error carries its HTTP status, anything else is
// a network-level failure.
func classifyOpenAIErr(err error) *engine.Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		var body []byte
		if apiErr.Message != "" {
			body = []byte(apiErr.Message)
		}
		return engine.UpstreamStatus(apiErr.HTTPStatusCode, body)
	}

	msg := err.Error()
	if strings.Contains(msg, "context deadline exceeded") || strings.Contains(msg, "timeout") {
		return engine.Wrap(engine.KindUpstreamTimeout, err)
	}
	return engine.Wrap(engine.KindUpstreamNetwork, err)
}
