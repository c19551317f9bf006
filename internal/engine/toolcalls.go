package engine

import "sort"

// ToolCallFragment is one incremental delta of a streamed tool call, keyed
// by a per-call index stable across the upstream stream. Name and
// Arguments arrive as ordered fragments that must be concatenated in
// arrival order; ID may show up on any single fragment.
type ToolCallFragment struct {
	Index         int
	ID            string
	Name          string
	ArgumentsPart string
}

type pendingToolCall struct {
	index   int
	id      string
	nameBuf string
	argsBuf string
}

// ToolCallAssembler accumulates ToolCallFragments into complete ToolCalls,
// grouped by index and materialized in index order once the stream ends.
type ToolCallAssembler struct {
	byIndex map[int]*pendingToolCall
}

// NewToolCallAssembler creates an empty assembler.
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{byIndex: make(map[int]*pendingToolCall)}
}

// Add folds one fragment into the assembler's running state.
func (a *ToolCallAssembler) Add(f ToolCallFragment) {
	p, ok := a.byIndex[f.Index]
	if !ok {
		p = &pendingToolCall{index: f.Index}
		a.byIndex[f.Index] = p
	}
	if f.ID != "" {
		p.id = f.ID
	}
	p.nameBuf += f.Name
	p.argsBuf += f.ArgumentsPart
}

// Empty reports whether any fragments have been added.
func (a *ToolCallAssembler) Empty() bool {
	return len(a.byIndex) == 0
}

// Finalize materializes the accumulated fragments into ToolCalls, ordered
// by index, and resets the assembler.
func (a *ToolCallAssembler) Finalize() []ToolCall {
	if len(a.byIndex) == 0 {
		return nil
	}

	indices := make([]int, 0, len(a.byIndex))
	for idx := range a.byIndex {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	calls := make([]ToolCall, 0, len(indices))
	for _, idx := range indices {
		p := a.byIndex[idx]
		calls = append(calls, ToolCall{
			ID:        p.id,
			Name:      p.nameBuf,
			Arguments: []byte(p.argsBuf),
		})
	}

	a.byIndex = make(map[int]*pendingToolCall)
	return calls
}
