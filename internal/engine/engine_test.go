package engine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/nexus/internal/mcp"
)

// fakeUpstream is a scripted UpstreamClient: each call to Buffered/Stream
// pops the next scripted response off its queue.
type fakeUpstream struct {
	buffered []func() (*Envelope, error)
	streamed []func() []*Envelope
	calls    int
}

func (f *fakeUpstream) Buffered(ctx context.Context, req *UpstreamRequest) (*Envelope, error) {
	i := f.calls
	f.calls++
	if i >= len(f.buffered) {
		return nil, errors.New("fakeUpstream: no more scripted responses")
	}
	return f.buffered[i]()
}

func (f *fakeUpstream) Stream(ctx context.Context, req *UpstreamRequest) (<-chan *Envelope, error) {
	i := f.calls
	f.calls++
	if i >= len(f.streamed) {
		return nil, errors.New("fakeUpstream: no more scripted streams")
	}
	envs := f.streamed[i]()
	ch := make(chan *Envelope, len(envs))
	for _, e := range envs {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func noManager() *mcp.Manager {
	return mcp.NewManager(nil, nil, nil)
}

func TestBufferedNoToolCallsReturnsContent(t *testing.T) {
	up := &fakeUpstream{
		buffered: []func() (*Envelope, error){
			func() (*Envelope, error) {
				return &Envelope{Text: "hello there", Model: "gpt-test"}, nil
			},
		},
	}
	e := New(up, noManager(), Config{}, nil, nil)

	res, err := e.Buffered(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Buffered() error = %v", err)
	}
	if res.Content != "hello there" {
		t.Errorf("Content = %q, want %q", res.Content, "hello there")
	}
	if res.Model != "gpt-test" {
		t.Errorf("Model = %q, want gpt-test", res.Model)
	}
}

func TestBufferedClientToolCallStopsLoop(t *testing.T) {
	args := json.RawMessage(`{"x":1}`)
	up := &fakeUpstream{
		buffered: []func() (*Envelope, error){
			func() (*Envelope, error) {
				return &Envelope{
					Reasoning: "thinking",
					ToolCalls: []ToolCall{{ID: "1", Name: "client_fn", Arguments: args}},
				}, nil
			},
		},
	}
	e := New(up, noManager(), Config{}, nil, nil)

	res, err := e.Buffered(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("Buffered() error = %v", err)
	}
	if len(res.ToolCalls) != 1 || res.ToolCalls[0].Name != "client_fn" {
		t.Fatalf("ToolCalls = %+v, want one client_fn call", res.ToolCalls)
	}
	if up.calls != 1 {
		t.Errorf("expected exactly one upstream call, got %d", up.calls)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxIterations != 100 {
		t.Errorf("default MaxIterations = %d, want 100", cfg.MaxIterations)
	}
	if cfg.RetryCount != 2 {
		t.Errorf("default RetryCount = %d, want 2", cfg.RetryCount)
	}
	if cfg.CollisionPolicy != ClientWins {
		t.Errorf("default CollisionPolicy = %q, want %q", cfg.CollisionPolicy, ClientWins)
	}
}

func TestStreamTerminalEmitsTraceThenContent(t *testing.T) {
	up := &fakeUpstream{
		streamed: []func() []*Envelope{
			func() []*Envelope {
				return []*Envelope{
					{Reasoning: "step one"},
					{Text: "final answer", Done: true, Model: "gpt-test"},
				}
			},
		},
	}
	e := New(up, noManager(), Config{}, nil, nil)

	var got []*ClientEnvelope
	err := e.Stream(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}, func(ce *ClientEnvelope) error {
		got = append(got, ce)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d envelopes, want 3 (trace, content, done); got %+v", len(got), got)
	}
	if got[len(got)-1].Done != true {
		t.Errorf("last envelope should be Done")
	}
}

func TestStreamErrorEmitsErrThenDone(t *testing.T) {
	up := &fakeUpstream{}
	e := New(up, noManager(), Config{}, nil, nil)

	var got []*ClientEnvelope
	err := e.Stream(context.Background(), &Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}, func(ce *ClientEnvelope) error {
		got = append(got, ce)
		return nil
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(got) != 2 || got[0].Err == nil || !got[1].Done {
		t.Fatalf("expected [err, done], got %+v", got)
	}
}

func TestRewriteHistoryReplacesAllButLastToolResult(t *testing.T) {
	conv := []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "a"}}},
		{Role: RoleTool, ToolResults: []ToolResult{{ToolCallID: "1", Content: "first result"}}},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "2", Name: "b"}}},
		{Role: RoleTool, ToolResults: []ToolResult{{ToolCallID: "2", Content: "second result"}}},
	}
	out := RewriteHistory(conv, 0)

	if out[2].ToolResults[0].Content != placeholderContent {
		t.Errorf("first tool result = %q, want placeholder", out[2].ToolResults[0].Content)
	}
	if out[4].ToolResults[0].Content != "second result" {
		t.Errorf("last tool result was rewritten, want it preserved: %q", out[4].ToolResults[0].Content)
	}
	if conv[2].ToolResults[0].Content != "first result" {
		t.Errorf("RewriteHistory mutated the input slice")
	}
}

func TestRewriteHistoryPreservesPrefixByteForByte(t *testing.T) {
	conv := []Message{
		{Role: RoleUser, Content: "untouched prefix"},
		{Role: RoleTool, ToolResults: []ToolResult{{ToolCallID: "1", Content: "should stay"}}},
	}
	out := RewriteHistory(conv, 2)
	if out[1].ToolResults[0].Content != "should stay" {
		t.Errorf("message before n0 was rewritten: %q", out[1].ToolResults[0].Content)
	}
}

func TestTraceRenderPreservesIssueOrder(t *testing.T) {
	tr := NewTrace()
	tr.AddReasoning("r1")
	tr.AddToolCall("srv_tool", json.RawMessage(`{"a":1}`))
	tr.AddReasoning("r2")

	rendered := tr.Render()
	want := "r1\n「tool: srv_tool|args: {\"a\":1}」\nr2"
	if rendered != want {
		t.Errorf("Render() = %q, want %q", rendered, want)
	}
}

func TestTraceFlushNewOnlyReturnsUnflushedEntries(t *testing.T) {
	tr := NewTrace()
	tr.AddReasoning("r1")
	first := tr.FlushNew()
	if first != "r1" {
		t.Fatalf("first FlushNew() = %q, want r1", first)
	}
	if second := tr.FlushNew(); second != "" {
		t.Fatalf("second FlushNew() = %q, want empty", second)
	}
	tr.AddReasoning("r2")
	if third := tr.FlushNew(); third != "r2" {
		t.Fatalf("third FlushNew() = %q, want r2", third)
	}
}

func TestToolCallAssemblerOrdersByIndex(t *testing.T) {
	a := NewToolCallAssembler()
	a.Add(ToolCallFragment{Index: 1, ID: "b", Name: "second"})
	a.Add(ToolCallFragment{Index: 0, ID: "a", Name: "first", ArgumentsPart: `{"x":`})
	a.Add(ToolCallFragment{Index: 0, ArgumentsPart: `1}`})

	calls := a.Finalize()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].Name != "first" || string(calls[0].Arguments) != `{"x":1}` {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].Name != "second" {
		t.Errorf("calls[1] = %+v", calls[1])
	}
	if !a.Empty() {
		t.Errorf("assembler should be empty after Finalize")
	}
}

func TestMergeToolsClientWinsDefault(t *testing.T) {
	client := []ToolDef{{Name: "shared", Description: "client version"}}
	mgr := []ToolDef{{Name: "shared", Description: "manager version"}, {Name: "only_mgr"}}

	merged, err := MergeTools(client, mgr, "", nil, nil)
	if err != nil {
		t.Fatalf("MergeTools() error = %v", err)
	}
	if len(merged) != 2 {
		t.Fatalf("got %d tools, want 2", len(merged))
	}
	if merged[0].Description != "client version" {
		t.Errorf("ClientWins should keep the client's definition, got %q", merged[0].Description)
	}
}

func TestMergeToolsReject(t *testing.T) {
	client := []ToolDef{{Name: "shared"}}
	mgr := []ToolDef{{Name: "shared"}}

	_, err := MergeTools(client, mgr, Reject, nil, nil)
	var collErr *CollisionError
	if !errors.As(err, &collErr) {
		t.Fatalf("expected *CollisionError, got %v", err)
	}
}

func TestComposeSystemPrompt(t *testing.T) {
	cases := []struct{ configured, inbound, want string }{
		{"", "", ""},
		{"cfg", "", "cfg"},
		{"", "in", "in"},
		{"cfg", "in", "cfg\n\nin"},
	}
	for _, c := range cases {
		if got := ComposeSystemPrompt(c.configured, c.inbound); got != c.want {
			t.Errorf("ComposeSystemPrompt(%q, %q) = %q, want %q", c.configured, c.inbound, got, c.want)
		}
	}
}

func TestErrorHTTPStatusAndFolding(t *testing.T) {
	if (&Error{Kind: KindAuth}).HTTPStatus() != 401 {
		t.Errorf("KindAuth should map to 401")
	}
	if !(&Error{Kind: KindToolNotFound}).FoldsIntoLoop() {
		t.Errorf("KindToolNotFound should fold into the loop")
	}
	if (&Error{Kind: KindUpstreamTimeout}).FoldsIntoLoop() {
		t.Errorf("KindUpstreamTimeout should abort, not fold")
	}
}
