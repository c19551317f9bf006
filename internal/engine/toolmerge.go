package engine

import (
	"fmt"
	"log/slog"

	"github.com/haasonsaas/nexus/internal/observability"
)

// CollisionPolicy decides what happens when a client-declared tool name
// collides with a manager-owned qualified tool name. It is a config flag
// rather than a fixed rule.
type CollisionPolicy string

const (
	// ClientWins is the default: the client's declaration shadows the
	// manager's tool of the same name.
	ClientWins CollisionPolicy = "client_wins"
	// ManagerWins lets the manager's tool shadow the client's instead.
	ManagerWins CollisionPolicy = "manager_wins"
	// Reject refuses the request outright when a collision is found.
	Reject CollisionPolicy = "reject"
)

// CollisionError is returned by MergeTools under Reject when a name
// collides.
type CollisionError struct {
	Name string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("tool name %q declared by both client and tool servers", e.Name)
}

// MergeTools computes the effective tool list for one upstream call: the
// client-supplied list union the currently-live manager tools, by name,
// with no duplicates. The owning policy decides who wins a collision.
func MergeTools(clientTools, managerTools []ToolDef, policy CollisionPolicy, logger *slog.Logger, metrics *observability.Metrics) ([]ToolDef, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = ClientWins
	}

	byName := make(map[string]ToolDef, len(clientTools)+len(managerTools))
	order := make([]string, 0, len(clientTools)+len(managerTools))

	for _, t := range clientTools {
		byName[t.Name] = t
		order = append(order, t.Name)
	}

	for _, t := range managerTools {
		existing, collides := byName[t.Name]
		if !collides {
			byName[t.Name] = t
			order = append(order, t.Name)
			continue
		}

		switch policy {
		case Reject:
			return nil, &CollisionError{Name: t.Name}
		case ManagerWins:
			byName[t.Name] = t
		default: // ClientWins
			_ = existing
		}

		logger.Warn("tool name collision between client and tool server",
			"tool_name", t.Name, "policy", string(policy))
		if metrics != nil {
			metrics.RecordError("engine", "tool_collision")
		}
	}

	out := make([]ToolDef, 0, len(order))
	for _, name := range order {
		out = append(out, byName[name])
	}
	return out, nil
}
