package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/internal/observability"
)

// Manager owns the name -> adapter map described in the tool server
// design: one Client per configured tool server, connected on demand or at
// Start, dispatched to by qualified tool name.
type Manager struct {
	config  *Config
	logger  *slog.Logger
	metrics *observability.Metrics
	clients map[string]*Client
	mu      sync.RWMutex
}

// Config holds the tool server manager configuration: whether tool serving
// is enabled at all, and the set of servers discovered by the registry.
type Config struct {
	Enabled bool
	Servers []*ServerConfig
}

// NewManager creates a new tool server manager.
func NewManager(cfg *Config, logger *slog.Logger, metrics *observability.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		logger:  logger.With("component", "mcp_manager"),
		metrics: metrics,
		clients: make(map[string]*Client),
	}
}

// Start connects to all configured tool servers with AutoStart enabled.
// Connection failures are logged and do not prevent other servers from
// starting.
func (m *Manager) Start(ctx context.Context) error {
	if m.config == nil || !m.config.Enabled {
		m.logger.Debug("tool serving disabled")
		return nil
	}

	for _, serverCfg := range m.config.Servers {
		if !serverCfg.AutoStart {
			continue
		}
		if err := m.Connect(ctx, serverCfg.ID); err != nil {
			m.logger.Error("failed to connect to tool server",
				"tool_server_id", serverCfg.ID,
				"error", err)
		}
	}

	m.reportGauges()
	return nil
}

// Stop disconnects from all tool servers.
func (m *Manager) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, client := range m.clients {
		if err := client.Close(); err != nil {
			m.logger.Error("failed to close tool server client",
				"tool_server_id", id,
				"error", err)
		}
		delete(m.clients, id)
	}

	return nil
}

// Reload rebuilds the manager's server set from a fresh configuration,
// connecting newly enabled servers and disconnecting removed ones. The swap
// into the shared map happens once, under the manager lock, so a concurrent
// Dispatch never observes a half-torn-down state.
func (m *Manager) Reload(ctx context.Context, cfg *Config) error {
	next := make(map[string]*Client)

	if cfg != nil && cfg.Enabled {
		for _, serverCfg := range cfg.Servers {
			if existing, ok := m.Client(serverCfg.ID); ok && existing.Config() == serverCfg {
				next[serverCfg.ID] = existing
				continue
			}
			if !serverCfg.AutoStart {
				continue
			}
			client := NewClient(serverCfg, m.logger)
			if err := client.Connect(ctx); err != nil {
				m.logger.Error("failed to connect to tool server during reload",
					"tool_server_id", serverCfg.ID,
					"error", err)
				continue
			}
			next[serverCfg.ID] = client
		}
	}

	m.mu.Lock()
	old := m.clients
	m.clients = next
	m.config = cfg
	m.mu.Unlock()

	for id, client := range old {
		if _, kept := next[id]; kept {
			continue
		}
		if err := client.Close(); err != nil {
			m.logger.Warn("failed to close superseded tool server client", "tool_server_id", id, "error", err)
		}
	}

	m.reportGauges()
	return nil
}

// Connect connects to a specific tool server by ID.
func (m *Manager) Connect(ctx context.Context, serverID string) error {
	var serverCfg *ServerConfig
	for _, cfg := range m.config.Servers {
		if cfg.ID == serverID {
			serverCfg = cfg
			break
		}
	}
	if serverCfg == nil {
		return fmt.Errorf("server %q not found in config", serverID)
	}

	m.mu.RLock()
	if _, exists := m.clients[serverID]; exists {
		m.mu.RUnlock()
		return nil
	}
	m.mu.RUnlock()

	client := NewClient(serverCfg, m.logger)
	if err := client.Connect(ctx); err != nil {
		if m.metrics != nil {
			m.metrics.RecordToolServerRestart(serverID)
		}
		return err
	}

	m.mu.Lock()
	m.clients[serverID] = client
	m.mu.Unlock()

	m.logger.Info("connected to tool server", "tool_server_id", serverID, "name", client.ServerInfo().Name)
	m.reportGauges()
	return nil
}

// Disconnect disconnects from a specific tool server.
func (m *Manager) Disconnect(serverID string) error {
	m.mu.Lock()
	client, exists := m.clients[serverID]
	if exists {
		delete(m.clients, serverID)
	}
	m.mu.Unlock()

	if !exists {
		return nil
	}
	if err := client.Close(); err != nil {
		return err
	}
	m.logger.Info("disconnected from tool server", "tool_server_id", serverID)
	m.reportGauges()
	return nil
}

// Client returns the client for a specific server.
func (m *Manager) Client(serverID string) (*Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, exists := m.clients[serverID]
	return client, exists
}

// Clients returns a snapshot of all connected clients.
func (m *Manager) Clients() map[string]*Client {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]*Client, len(m.clients))
	for id, client := range m.clients {
		result[id] = client
	}
	return result
}

// AllTools returns all tools from all connected servers, keyed by server ID.
func (m *Manager) AllTools() map[string][]*MCPTool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*MCPTool)
	for id, client := range m.clients {
		if tools := client.Tools(); len(tools) > 0 {
			result[id] = tools
		}
	}
	return result
}

// CallTool calls a tool on a specific server by its local (unqualified)
// name.
func (m *Manager) CallTool(ctx context.Context, serverID, toolName string, arguments map[string]any) (*ToolCallResult, error) {
	client, exists := m.Client(serverID)
	if !exists {
		return nil, fmt.Errorf("server %q not connected", serverID)
	}
	return client.CallTool(ctx, toolName, arguments)
}

// QualifiedName joins a server ID and local tool name into the single
// qualified name the engine exposes to the model: "<server>_<local-name>".
func QualifiedName(serverID, toolName string) string {
	return serverID + "_" + toolName
}

// SplitQualifiedName reverses QualifiedName, matching against the known
// server IDs since both the server ID and the local tool name may contain
// underscores. Returns ok=false if no connected server's prefix matches.
func (m *Manager) SplitQualifiedName(qualified string) (serverID, toolName string, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var bestID string
	for id := range m.clients {
		prefix := id + "_"
		if strings.HasPrefix(qualified, prefix) && len(id) > len(bestID) {
			bestID = id
		}
	}
	if bestID == "" {
		return "", "", false
	}
	return bestID, strings.TrimPrefix(qualified, bestID+"_"), true
}

// Dispatch calls a tool addressed by its qualified name, resolving the
// owning server first. Returns ToolNotFoundError if no connected server
// owns a tool by that qualified name.
func (m *Manager) Dispatch(ctx context.Context, qualifiedName string, arguments map[string]any) (*ToolCallResult, error) {
	serverID, toolName, ok := m.SplitQualifiedName(qualifiedName)
	if !ok {
		return nil, &ToolNotFoundError{QualifiedName: qualifiedName}
	}
	return m.CallTool(ctx, serverID, toolName, arguments)
}

// DispatchText calls a tool by qualified name and returns its result as
// plain text: the concatenation of all text content fragments on success,
// or a formatted error string on JSON-RPC failure or tool-reported error.
// It never returns a Go error for a tool-level failure, only for transport
// or lookup failures a caller must treat as the call never having happened.
func (m *Manager) DispatchText(ctx context.Context, qualifiedName string, arguments map[string]any) (string, error) {
	result, err := m.Dispatch(ctx, qualifiedName, arguments)
	if err != nil {
		return "", err
	}
	if result.IsError {
		return fmt.Sprintf("tool error: %s", FormatToolResult(result)), nil
	}
	return FormatToolResult(result), nil
}

// ToolNotFoundError indicates no connected tool server owns the requested
// qualified tool name.
type ToolNotFoundError struct {
	QualifiedName string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool %q not found on any connected server", e.QualifiedName)
}

// FindTool finds a tool by its local name across all servers. Returns the
// server ID and tool definition, or a nil tool if not found.
func (m *Manager) FindTool(name string) (serverID string, tool *MCPTool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for id, client := range m.clients {
		for _, t := range client.Tools() {
			if t.Name == name {
				return id, t
			}
		}
	}
	return "", nil
}

// ToolSchema represents the JSON schema for a qualified tool, suitable for
// inclusion in an upstream request's tool list.
type ToolSchema struct {
	ServerID      string          `json:"server_id"`
	QualifiedName string          `json:"name"`
	Description   string          `json:"description,omitempty"`
	InputSchema   json.RawMessage `json:"input_schema"`
}

// ToolSchemas returns qualified tool schemas for every tool on every
// connected server. Schemas are individually valid by construction (invalid
// ones are dropped in RefreshTools), so the only thing left to check across
// the merged list is qualified-name collisions between servers; any found
// are logged and the later server's tool is dropped in favor of the first.
func (m *Manager) ToolSchemas() []ToolSchema {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var schemas []ToolSchema
	for id, client := range m.clients {
		for _, tool := range client.Tools() {
			schemas = append(schemas, ToolSchema{
				ServerID:      id,
				QualifiedName: QualifiedName(id, tool.Name),
				Description:   tool.Description,
				InputSchema:   tool.InputSchema,
			})
		}
	}

	if issues := ValidateToolSchemas(schemas); len(issues) > 0 {
		for _, issue := range issues {
			m.logger.Warn("tool schema issue", "tool", issue.QualifiedName, "reason", issue.Reason)
		}
		seen := make(map[string]bool, len(schemas))
		filtered := schemas[:0:0]
		for _, s := range schemas {
			if seen[s.QualifiedName] {
				continue
			}
			seen[s.QualifiedName] = true
			filtered = append(filtered, s)
		}
		schemas = filtered
	}
	return schemas
}

// ServerStatus represents the status of one configured tool server.
type ServerStatus struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Transport string     `json:"transport"`
	Connected bool       `json:"connected"`
	Server    ServerInfo `json:"server"`
	Tools     int        `json:"tools"`
}

// Status returns the status of all configured servers, connected or not.
func (m *Manager) Status() []ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []ServerStatus
	for _, cfg := range m.config.Servers {
		status := ServerStatus{
			ID:        cfg.ID,
			Name:      cfg.Name,
			Transport: string(cfg.Transport),
		}
		if client, exists := m.clients[cfg.ID]; exists {
			status.Connected = client.Connected()
			status.Server = client.ServerInfo()
			status.Tools = len(client.Tools())
		}
		statuses = append(statuses, status)
	}
	return statuses
}

// reportGauges pushes current per-transport connected-server counts to the
// metrics registry, if one was configured.
func (m *Manager) reportGauges() {
	if m.metrics == nil {
		return
	}
	m.mu.RLock()
	counts := map[string]int{}
	for _, client := range m.clients {
		counts[string(client.Config().Transport)]++
	}
	m.mu.RUnlock()

	for _, transport := range []TransportType{TransportStdio, TransportHTTP, TransportSSE} {
		m.metrics.SetActiveToolServers(string(transport), counts[string(transport)])
	}
}
