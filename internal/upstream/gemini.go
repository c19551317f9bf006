package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/haasonsaas/nexus/internal/engine"
	"google.golang.org/genai"
)

// GeminiConfig configures a Gemini-dialect client.
type GeminiConfig struct {
	APIKey string
}

// GeminiClient implements engine.UpstreamClient against the Gemini
// generateContent API.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a client bound to one API key.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, engine.Wrap(engine.KindConfigError, fmt.Errorf("gemini: failed to create client: %w", err))
	}
	return &GeminiClient{client: client}, nil
}

// Buffered sends one non-streamed generateContent call by draining the
// streaming iterator to completion and folding every part into one
// envelope; Gemini's Go SDK exposes no distinct non-streamed call shape
// for function-calling requests, so buffered mode reuses the same
// iterator the streamed path consumes incrementally.
func (c *GeminiClient) Buffered(ctx context.Context, req *engine.UpstreamRequest) (*engine.Envelope, error) {
	contents, err := c.convertMessages(req.Messages)
	if err != nil {
		return nil, engine.Wrap(engine.KindBadRequest, err)
	}
	config := c.buildConfig(req)
	model := modelOrDefault(req.Model)

	env := &engine.Envelope{Model: model}
	var textBuilder strings.Builder
	assembler := engine.NewToolCallAssembler()

	index := 0
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, classifyGeminiErr(err)
		}
		if resp == nil {
			continue
		}
		if resp.ResponseID != "" {
			env.ResponseID = resp.ResponseID
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Thought {
					env.Reasoning += part.Text
					continue
				}
				if part.Text != "" {
					textBuilder.WriteString(part.Text)
				}
				if len(part.ThoughtSignature) > 0 {
					env.Signatures = append(env.Signatures, engine.ReasoningSignature{
						PartIndex: index,
						Data:      append([]byte(nil), part.ThoughtSignature...),
					})
				}
				if part.FunctionCall != nil {
					argsJSON, err := json.Marshal(part.FunctionCall.Args)
					if err != nil {
						argsJSON = []byte("{}")
					}
					assembler.Add(engine.ToolCallFragment{
						Index:         index,
						ID:            c.generateCallID(part.FunctionCall.Name),
						Name:          part.FunctionCall.Name,
						ArgumentsPart: string(argsJSON),
					})
				}
				index++
			}
		}
		if resp.UsageMetadata != nil {
			env.Usage = &engine.Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
	}

	env.Text = textBuilder.String()
	env.ToolCalls = assembler.Finalize()
	return env, nil
}

// Stream sends one streamed generateContent call and forwards each part as
// it arrives, exactly mirroring Buffered's conversion but without waiting
// for the iterator to finish.
func (c *GeminiClient) Stream(ctx context.Context, req *engine.UpstreamRequest) (<-chan *engine.Envelope, error) {
	contents, err := c.convertMessages(req.Messages)
	if err != nil {
		return nil, engine.Wrap(engine.KindBadRequest, err)
	}
	config := c.buildConfig(req)
	model := modelOrDefault(req.Model)

	ch := make(chan *engine.Envelope)
	go func() {
		defer close(ch)

		index := 0
		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
			select {
			case <-ctx.Done():
				ch <- &engine.Envelope{Err: engine.Wrap(engine.KindUpstreamNetwork, ctx.Err()), Done: true}
				return
			default:
			}
			if err != nil {
				ch <- &engine.Envelope{Err: classifyGeminiErr(err), Done: true}
				return
			}
			if resp == nil {
				continue
			}

			env := &engine.Envelope{Model: model, ResponseID: resp.ResponseID}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Thought {
						env.Reasoning += part.Text
						continue
					}
					if part.Text != "" {
						env.Text += part.Text
					}
					if len(part.ThoughtSignature) > 0 {
						env.Signatures = append(env.Signatures, engine.ReasoningSignature{
							PartIndex: index,
							Data:      append([]byte(nil), part.ThoughtSignature...),
						})
					}
					if part.FunctionCall != nil {
						argsJSON, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							argsJSON = []byte("{}")
						}
						env.ToolCallFragments = append(env.ToolCallFragments, engine.ToolCallFragment{
							Index:         index,
							ID:            c.generateCallID(part.FunctionCall.Name),
							Name:          part.FunctionCall.Name,
							ArgumentsPart: string(argsJSON),
						})
					}
					index++
				}
			}
			if resp.UsageMetadata != nil {
				env.Usage = &engine.Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				}
			}
			ch <- env
		}
		ch <- &engine.Envelope{Done: true}
	}()
	return ch, nil
}

// generateCallID synthesizes a tool-call id for a Gemini function call,
// which carries a name but no id of its own on the wire.
func (c *GeminiClient) generateCallID(name string) string {
	return name + "-" + uuid.NewString()
}

func (c *GeminiClient) buildConfig(req *engine.UpstreamRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemInstruction}},
		}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}
	return config
}

// convertMessages converts the working conversation to Gemini Content,
// re-attaching each assistant part's thought signature verbatim (never
// reinterpreted) and resolving tool-result function names by walking back
// to the ToolCall that produced each ToolCallID.
func (c *GeminiClient) convertMessages(messages []engine.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for i, msg := range messages {
		if msg.Role == engine.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case engine.RoleUser:
			content.Role = genai.RoleUser
		case engine.RoleAssistant:
			content.Role = genai.RoleModel
		case engine.RoleTool:
			content.Role = genai.RoleUser
		default:
			content.Role = genai.RoleUser
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}

		for partIdx, tc := range msg.ToolCalls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					args = map[string]any{}
				}
			}
			part := &genai.Part{FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args}}
			if sig := signatureForPart(msg.Signatures, partIdx); sig != nil {
				part.ThoughtSignature = append([]byte(nil), sig...)
			}
			content.Parts = append(content.Parts, part)
		}

		for _, tr := range msg.ToolResults {
			var response map[string]any
			if err := json.Unmarshal([]byte(tr.Content), &response); err != nil {
				response = map[string]any{"result": tr.Content, "error": tr.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     toolNameForCallID(tr.ToolCallID, messages, i),
					Response: response,
				},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

func signatureForPart(sigs []engine.ReasoningSignature, partIndex int) []byte {
	for _, s := range sigs {
		if s.PartIndex == partIndex {
			return s.Data
		}
	}
	return nil
}

func toolNameForCallID(toolCallID string, messages []engine.Message, before int) string {
	for i := before - 1; i >= 0; i-- {
		for _, tc := range messages[i].ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	return ""
}

func modelOrDefault(model string) string {
	if model == "" {
		return "gemini-2.0-flash"
	}
	return model
}

// classifyGeminiErr maps the Gemini SDK's error shapes onto engine error
// kinds. The SDK surfaces HTTP failures as plain errors without a typed
// status accessor, so classification falls back to string inspection the
// same way isRetryableError does elsewhere in this codebase.
func classifyGeminiErr(err error) *engine.Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.Wrap(engine.KindUpstreamTimeout, err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "PERMISSION_DENIED") || strings.Contains(msg, "UNAUTHENTICATED"):
		return engine.Wrap(engine.KindAuth, err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "INVALID_ARGUMENT"):
		return engine.Wrap(engine.KindBadRequest, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return engine.Wrap(engine.KindUpstreamTimeout, err)
	default:
		return engine.Wrap(engine.KindUpstreamNetwork, err)
	}
}
