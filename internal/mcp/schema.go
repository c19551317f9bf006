package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateInputSchema compiles a tool's cached inputSchema, rejecting
// malformed JSON Schema before it is ever handed to an upstream model. A
// tool server is free to advertise whatever it wants over tools/list; this
// is the boundary where a broken schema becomes a logged warning instead of
// a request the upstream rejects later.
func ValidateInputSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return fmt.Errorf("empty input schema")
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7

	const resourceName = "inputSchema.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	if _, err := compiler.Compile(resourceName); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return nil
}

// ValidateToolSchemas checks a merged qualified tool list for the
// conditions that would otherwise surface as confusing upstream errors:
// duplicate qualified names (two servers colliding after qualification) and
// tools whose cached inputSchema doesn't compile. It never mutates the
// list; callers decide whether to drop or merely log a flagged tool.
func ValidateToolSchemas(schemas []ToolSchema) []SchemaIssue {
	var issues []SchemaIssue
	seen := make(map[string]string, len(schemas))

	for _, s := range schemas {
		if owner, dup := seen[s.QualifiedName]; dup {
			issues = append(issues, SchemaIssue{
				QualifiedName: s.QualifiedName,
				Reason:        fmt.Sprintf("duplicate qualified name also served by %q", owner),
			})
			continue
		}
		seen[s.QualifiedName] = s.ServerID

		if err := ValidateInputSchema(s.InputSchema); err != nil {
			issues = append(issues, SchemaIssue{
				QualifiedName: s.QualifiedName,
				Reason:        err.Error(),
			})
		}
	}
	return issues
}

// SchemaIssue describes one tool flagged by ValidateToolSchemas.
type SchemaIssue struct {
	QualifiedName string
	Reason        string
}

// ValidateConnectedTools runs ValidateInputSchema over every tool currently
// cached for a server and reports the local tool names whose schema doesn't
// compile; it never touches the network.
func (m *Manager) ValidateConnectedTools(_ context.Context) map[string][]SchemaIssue {
	m.mu.RLock()
	clients := make(map[string]*Client, len(m.clients))
	for id, c := range m.clients {
		clients[id] = c
	}
	m.mu.RUnlock()

	result := make(map[string][]SchemaIssue)
	for id, client := range clients {
		var issues []SchemaIssue
		for _, tool := range client.Tools() {
			if err := ValidateInputSchema(tool.InputSchema); err != nil {
				issues = append(issues, SchemaIssue{
					QualifiedName: QualifiedName(id, tool.Name),
					Reason:        err.Error(),
				})
			}
		}
		if len(issues) > 0 {
			result[id] = issues
		}
	}
	return result
}
