package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// HTTPTransport implements the MCP streamable-HTTP transport: every
// JSON-RPC call is a single POST to the server's URL, and the response can
// come back three ways: a plain application/json body, a
// text/event-stream body carrying the response as one of its SSE events,
// or a 202 Accepted with no body (request was accepted, the result will
// arrive on the event stream).
type HTTPTransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	connected atomic.Bool

	mu        sync.Mutex
	sessionID string
}

// NewHTTPTransport creates a new HTTP transport.
func NewHTTPTransport(cfg *ServerConfig) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPTransport{
		config: cfg,
		logger: slog.Default().With("tool_server_id", cfg.ID, "transport", "http"),
		client: &http.Client{
			Timeout: timeout,
		},
		events: make(chan *JSONRPCNotification, 100),
	}
}

// Connect marks the transport ready. The streamable-HTTP transport has no
// persistent connection to establish; the initialize call itself is the
// first request sent over it.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for HTTP transport")
	}
	t.connected.Store(true)
	t.logger.Info("HTTP transport ready", "url", t.config.URL)
	return nil
}

// Close closes the HTTP transport.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call sends a JSON-RPC request and returns its result, branching on the
// server's response shape.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.NewString()
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return t.readResult(resp, id)
	case http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("server accepted request %s asynchronously; no synchronous result available", id)
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
}

// readResult dispatches on Content-Type: a plain JSON response decodes
// directly, an SSE response is scanned for the event carrying this
// request's id.
func (t *HTTPTransport) readResult(resp *http.Response, id string) (json.RawMessage, error) {
	contentType := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = contentType
	}

	switch mediaType {
	case "text/event-stream":
		return readSSEResult(bufio.NewReader(resp.Body), t.events, t.logger)
	default:
		var rpcResp JSONRPCResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	}
}

// Notify sends a notification (no id, no response expected beyond a bare
// 202/200 acknowledgement).
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{
		JSONRPC: "2.0",
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	resp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return nil
}

// post issues the POST shared by Call and Notify, attaching and then
// capturing the Mcp-Session-Id header.
func (t *HTTPTransport) post(ctx context.Context, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	if sid := t.currentSessionID(); sid != "" {
		httpReq.Header.Set("Mcp-Session-Id", sid)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	if sid := resp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.setSessionID(sid)
	}

	return resp, nil
}

func (t *HTTPTransport) currentSessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

func (t *HTTPTransport) setSessionID(sid string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessionID = sid
}

// Events returns the notification channel, fed by any server-initiated
// events encountered on an SSE response stream.
func (t *HTTPTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected returns whether the transport is connected.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// readSSEResult scans an SSE body event-by-event, forwarding bare
// notifications to the events channel and returning the result/error
// carried by the first event that looks like a JSON-RPC response.
func readSSEResult(r *bufio.Reader, events chan<- *JSONRPCNotification, logger *slog.Logger) (json.RawMessage, error) {
	for {
		event, err := parseSSEEvent(r)
		if err != nil {
			if err == io.EOF {
				return nil, fmt.Errorf("event stream closed before a result was received")
			}
			return nil, fmt.Errorf("read SSE event: %w", err)
		}
		if event == nil || event.data == "" {
			continue
		}

		var envelope JSONRPCResponse
		if err := json.Unmarshal([]byte(event.data), &envelope); err != nil {
			logger.Warn("failed to parse SSE event payload", "error", err)
			continue
		}

		if envelope.ID == nil && envelope.Result == nil && envelope.Error == nil {
			var notif JSONRPCNotification
			if err := json.Unmarshal([]byte(event.data), &notif); err == nil && notif.Method != "" {
				select {
				case events <- &notif:
				default:
					logger.Warn("notification channel full, dropping")
				}
			}
			continue
		}

		if envelope.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return envelope.Result, nil
	}
}
