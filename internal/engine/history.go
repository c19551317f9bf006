package engine

// placeholderContent replaces the payload of every tool-result message
// except the single most recent one, before each upstream call. The model
// only needs the freshest tool result; older ones would waste context
// while still anchoring the assistant/tool interleaving structure.
const placeholderContent = "call complete"

// RewriteHistory returns a copy of conv with history rewriting applied to
// the slice [n0, len(conv)-1]: every tool-result message in that range
// except the last one has its result content replaced with a fixed
// placeholder. Indices below n0 (the client-provided history on entry)
// are never touched, and are shared, not copied, with the input slice.
func RewriteHistory(conv []Message, n0 int) []Message {
	lastToolIdx := -1
	for i := n0; i < len(conv); i++ {
		if conv[i].Role == RoleTool {
			lastToolIdx = i
		}
	}

	out := make([]Message, len(conv))
	copy(out, conv)

	for i := n0; i < len(out); i++ {
		if out[i].Role != RoleTool || i == lastToolIdx {
			continue
		}
		rewritten := make([]ToolResult, len(out[i].ToolResults))
		for j, tr := range out[i].ToolResults {
			rewritten[j] = ToolResult{
				ToolCallID: tr.ToolCallID,
				Content:    placeholderContent,
				IsError:    false,
			}
		}
		out[i].ToolResults = rewritten
	}

	return out
}
