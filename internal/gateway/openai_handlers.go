package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/nexus/internal/engine"
	openai "github.com/sashabaranov/go-openai"
)

// handleChatCompletions implements the OpenAI chat-completions dialect,
// dispatching to Buffered or Stream by the inbound request's "stream"
// field.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var chatReq openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&chatReq); err != nil {
		s.writeEngineError(w, engine.Wrap(engine.KindBadRequest, err))
		return
	}

	req := &engine.Request{
		Model:     chatReq.Model,
		Messages:  fromOpenAIMessages(chatReq.Messages),
		MaxTokens: chatReq.MaxTokens,
	}
	if len(chatReq.Tools) > 0 {
		req.ClientTools = fromOpenAITools(chatReq.Tools)
	}

	if !chatReq.Stream {
		s.handleChatCompletionsBuffered(w, r, req)
		return
	}
	s.handleChatCompletionsStream(w, r, req)
}

func (s *Server) handleChatCompletionsBuffered(w http.ResponseWriter, r *http.Request, req *engine.Request) {
	result, err := s.engine.Buffered(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	choice := openai.ChatCompletionChoice{
		Index:        0,
		FinishReason: openai.FinishReasonStop,
		Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: result.Content},
	}
	if len(result.ToolCalls) > 0 {
		choice.FinishReason = openai.FinishReasonToolCalls
		choice.Message.ToolCalls = toOpenAIToolCalls(result.ToolCalls)
	}

	resp := openai.ChatCompletionResponse{
		Model:   result.Model,
		Choices: []openai.ChatCompletionChoice{choice},
	}
	if result.ResponseID != "" {
		resp.ID = result.ResponseID
	}
	if result.Usage != nil {
		resp.Usage = openai.Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode chat completion response", "error", err)
	}
}

func (s *Server) handleChatCompletionsStream(w http.ResponseWriter, r *http.Request, req *engine.Request) {
	sw, err := newSSEWriter(w)
	if err != nil {
		s.writeEngineError(w, engine.Wrap(engine.KindInternal, err))
		return
	}

	emit := func(env *engine.ClientEnvelope) error {
		if env.Err != nil {
			return sw.send(openaiErrorChunk(env.Err))
		}
		chunk := openai.ChatCompletionStreamResponse{
			Model:   env.Model,
			Choices: []openai.ChatCompletionStreamChoice{{Index: 0}},
		}
		if env.ResponseID != "" {
			chunk.ID = env.ResponseID
		}
		if env.Text != "" {
			chunk.Choices[0].Delta.Content = env.Text
		}
		if env.Done {
			reason := openai.FinishReasonStop
			chunk.Choices[0].FinishReason = reason
		}
		if err := sw.send(chunk); err != nil {
			return err
		}
		if env.Done {
			return sw.sendDone()
		}
		return nil
	}

	if err := s.engine.Stream(r.Context(), req, emit); err != nil {
		s.logger.Warn("stream turn ended with error", "error", err)
	}
}

func openaiErrorChunk(err *engine.Error) map[string]any {
	return map[string]any{"error": map[string]any{"message": err.Error(), "type": err.Kind}}
}

func (s *Server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": []any{}})
}

func fromOpenAIMessages(messages []openai.ChatCompletionMessage) []engine.Message {
	out := make([]engine.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case openai.ChatMessageRoleTool:
			out = append(out, engine.Message{
				Role:        engine.RoleTool,
				ToolResults: []engine.ToolResult{{ToolCallID: m.ToolCallID, Content: m.Content}},
			})
		case openai.ChatMessageRoleAssistant:
			msg := engine.Message{Role: engine.RoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, engine.ToolCall{
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: json.RawMessage(tc.Function.Arguments),
				})
			}
			out = append(out, msg)
		case openai.ChatMessageRoleSystem:
			out = append(out, engine.Message{Role: engine.RoleSystem, Content: m.Content})
		default:
			out = append(out, engine.Message{Role: engine.RoleUser, Content: m.Content})
		}
	}
	return out
}

func fromOpenAITools(tools []openai.Tool) []engine.ToolDef {
	out := make([]engine.ToolDef, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		schema, err := json.Marshal(t.Function.Parameters)
		if err != nil {
			schema = []byte(`{"type":"object","properties":{}}`)
		}
		out = append(out, engine.ToolDef{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	return out
}

func toOpenAIToolCalls(calls []engine.ToolCall) []openai.ToolCall {
	out := make([]openai.ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(tc.Arguments),
			},
		})
	}
	return out
}
