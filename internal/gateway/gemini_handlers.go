package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/nexus/internal/engine"
)

// The Gemini generateContent wire shape is represented with small local
// structs rather than google.golang.org/genai's client-side types: genai's
// types are shaped for building an outbound request to Google, not for
// parsing one received from a client, and the two are not guaranteed to
// share field-for-field JSON tags.
type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int `json:"maxOutputTokens,omitempty"`
}

type geminiGenerateContentRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiGenerateContentResponse struct {
	Candidates    []geminiCandidate    `json:"candidates"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
}

func (s *Server) parseGeminiRequest(r *http.Request) (*engine.Request, error) {
	var body geminiGenerateContentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return nil, engine.Wrap(engine.KindBadRequest, err)
	}

	model := chi.URLParam(r, "model")
	req := &engine.Request{
		Model:    model,
		Messages: fromGeminiContents(body.Contents),
	}
	if body.SystemInstruction != nil {
		req.SystemPrompt = geminiContentText(*body.SystemInstruction)
	}
	if body.GenerationConfig != nil {
		req.MaxTokens = body.GenerationConfig.MaxOutputTokens
	}
	for _, tool := range body.Tools {
		for _, decl := range tool.FunctionDeclarations {
			req.ClientTools = append(req.ClientTools, engine.ToolDef{
				Name:        decl.Name,
				Description: decl.Description,
				InputSchema: decl.Parameters,
			})
		}
	}
	return req, nil
}

// handleGenerateContent implements the Gemini generateContent dialect
// in buffered mode.
func (s *Server) handleGenerateContent(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseGeminiRequest(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	result, err := s.engine.Buffered(r.Context(), req)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	resp := geminiGenerateContentResponse{
		Candidates: []geminiCandidate{toGeminiCandidate(result)},
	}
	if result.Usage != nil {
		resp.UsageMetadata = &geminiUsageMetadata{
			PromptTokenCount:     result.Usage.InputTokens,
			CandidatesTokenCount: result.Usage.OutputTokens,
			TotalTokenCount:      result.Usage.InputTokens + result.Usage.OutputTokens,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode generateContent response", "error", err)
	}
}

// handleStreamGenerateContent implements the streamed form, framed over
// SSE identically to the OpenAI dialect.
func (s *Server) handleStreamGenerateContent(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseGeminiRequest(r)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		s.writeEngineError(w, engine.Wrap(engine.KindInternal, err))
		return
	}

	emit := func(env *engine.ClientEnvelope) error {
		if env.Err != nil {
			return sw.send(map[string]any{"error": map[string]any{"message": env.Err.Error(), "code": env.Err.HTTPStatus()}})
		}
		candidate := geminiCandidate{}
		if env.Text != "" {
			candidate.Content = geminiContent{Role: "model", Parts: []geminiPart{{Text: env.Text}}}
		}
		if env.Done {
			candidate.FinishReason = "STOP"
		}
		chunk := geminiGenerateContentResponse{Candidates: []geminiCandidate{candidate}}
		if env.Usage != nil {
			chunk.UsageMetadata = &geminiUsageMetadata{
				PromptTokenCount:     env.Usage.InputTokens,
				CandidatesTokenCount: env.Usage.OutputTokens,
				TotalTokenCount:      env.Usage.InputTokens + env.Usage.OutputTokens,
			}
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

func (s *Server) handleGeminiModels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
}

func toGeminiCandidate(result *engine.Result) geminiCandidate {
	parts := []geminiPart{}
	if result.Content != "" {
		parts = append(parts, geminiPart{Text: result.Content})
	}
	finishReason := "STOP"
	for _, tc := range result.ToolCalls {
		var args map[string]any
		if len(tc.Arguments) > 0 {
			_ = json.Unmarshal(tc.Arguments, &args)
		}
		parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Name, Args: args}})
		finishReason = "STOP"
	}
	return geminiCandidate{
		Content:      geminiContent{Role: "model", Parts: parts},
		FinishReason: finishReason,
		Index:        0,
	}
}

func geminiContentText(c geminiContent) string {
	var text string
	for _, p := range c.Parts {
		text += p.Text
	}
	return text
}

func fromGeminiContents(contents []geminiContent) []engine.Message {
	out := make([]engine.Message, 0, len(contents))
	for _, c := range contents {
		msg := engine.Message{Role: geminiRole(c.Role)}
		for _, p := range c.Parts {
			switch {
			case p.FunctionCall != nil:
				argsJSON, err := json.Marshal(p.FunctionCall.Args)
				if err != nil {
					argsJSON = []byte("{}")
				}
				// Gemini's wire shape identifies a call by function name only
				// (no call id), so the name doubles as ToolCall.ID here to
				// keep the later FunctionResponse lookup consistent.
				msg.ToolCalls = append(msg.ToolCalls, engine.ToolCall{
					ID:        p.FunctionCall.Name,
					Name:      p.FunctionCall.Name,
					Arguments: argsJSON,
				})
			case p.FunctionResponse != nil:
				content, err := json.Marshal(p.FunctionResponse.Response)
				if err != nil {
					content = []byte("{}")
				}
				msg.ToolResults = append(msg.ToolResults, engine.ToolResult{
					ToolCallID: p.FunctionResponse.Name,
					Content:    string(content),
				})
			default:
				msg.Content += p.Text
			}
		}
		out = append(out, msg)
	}
	return out
}

func geminiRole(role string) engine.Role {
	switch role {
	case "model":
		return engine.RoleAssistant
	case "user", "":
		return engine.RoleUser
	default:
		return engine.RoleUser
	}
}
