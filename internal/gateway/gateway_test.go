package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/internal/mcp"
	openai "github.com/sashabaranov/go-openai"
)

type fakeUpstream struct {
	text string
}

func (f *fakeUpstream) Buffered(ctx context.Context, req *engine.UpstreamRequest) (*engine.Envelope, error) {
	return &engine.Envelope{Text: f.text, Model: req.Model}, nil
}

func (f *fakeUpstream) Stream(ctx context.Context, req *engine.UpstreamRequest) (<-chan *engine.Envelope, error) {
	ch := make(chan *engine.Envelope, 2)
	ch <- &engine.Envelope{Text: f.text, Model: req.Model}
	ch <- &engine.Envelope{Done: true}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	eng := engine.New(&fakeUpstream{text: "hello there"}, mcp.NewManager(nil, nil, nil), engine.Config{}, nil, nil)
	return New(cfg, eng, nil, nil)
}

func TestHandleChatCompletionsBuffered(t *testing.T) {
	s := newTestServer(t, Config{})
	body := strings.NewReader(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello there" {
		t.Errorf("got %+v", resp.Choices)
	}
}

func TestHandleChatCompletionsStream(t *testing.T) {
	s := newTestServer(t, Config{})
	body := strings.NewReader(`{"model":"gpt-test","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	out := rec.Body.String()
	if !strings.Contains(out, "hello there") {
		t.Errorf("missing content chunk in %q", out)
	}
	if !strings.HasSuffix(strings.TrimSpace(out), "data: [DONE]") {
		t.Errorf("missing [DONE] terminator in %q", out)
	}
}

func TestHandleGenerateContentBuffered(t *testing.T) {
	s := newTestServer(t, Config{})
	body := strings.NewReader(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1beta/models/gemini-test:generateContent", body)
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp geminiGenerateContentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if len(resp.Candidates) != 1 || len(resp.Candidates[0].Content.Parts) != 1 {
		t.Fatalf("got %+v", resp.Candidates)
	}
	if resp.Candidates[0].Content.Parts[0].Text != "hello there" {
		t.Errorf("Text = %q", resp.Candidates[0].Content.Parts[0].Text)
	}
}

func TestAccessKeyMiddlewareRejectsUnknownKey(t *testing.T) {
	s := newTestServer(t, Config{AccessKeys: []string{"good-key"}, UpstreamKey: "upstream-secret"})
	body := strings.NewReader(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAccessKeyMiddlewareAllowsConfiguredKey(t *testing.T) {
	s := newTestServer(t, Config{AccessKeys: []string{"good-key"}, UpstreamKey: "upstream-secret"})
	body := strings.NewReader(`{"model":"gpt-test","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	req.Header.Set("Authorization", "Bearer good-key")
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleHealthz(t *testing.T) {
	s := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v, want ok", body["status"])
	}
}

func TestExtractInboundKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc123")
	if got := extractInboundKey(req); got != "abc123" {
		t.Errorf("got %q, want abc123", got)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("x-goog-api-key", "xyz789")
	if got := extractInboundKey(req2); got != "xyz789" {
		t.Errorf("got %q, want xyz789", got)
	}
}
