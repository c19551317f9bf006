package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FormatToolCallPlaceholder renders the human-readable surrogate string
// emitted to the client in lieu of raw tool-call structure, in the single
// structured form used for both upstream dialects.
func FormatToolCallPlaceholder(name string, args json.RawMessage) string {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return fmt.Sprintf("「tool: %s|args: %s」", name, string(args))
}

type traceEntryKind int

const (
	traceReasoning traceEntryKind = iota
	traceToolCall
)

type traceEntry struct {
	kind traceEntryKind
	text string
}

// Trace accumulates the R (reasoning-text fragments) and T (tool-call
// placeholders) lists across every iteration of one inbound request, and
// renders them as a single reasoning-tagged block preserving issue order.
type Trace struct {
	entries []traceEntry
	flushed int
}

// NewTrace creates an empty trace accumulator.
func NewTrace() *Trace {
	return &Trace{}
}

// AddReasoning appends one reasoning-text fragment. Empty fragments are
// ignored.
func (t *Trace) AddReasoning(text string) {
	if text == "" {
		return
	}
	t.entries = append(t.entries, traceEntry{kind: traceReasoning, text: text})
}

// AddToolCall records a tool-call placeholder for the given call and
// returns the placeholder string, so callers can also emit it immediately
// (e.g. to a stream) without re-deriving the format.
func (t *Trace) AddToolCall(name string, args json.RawMessage) string {
	placeholder := FormatToolCallPlaceholder(name, args)
	t.entries = append(t.entries, traceEntry{kind: traceToolCall, text: placeholder})
	return placeholder
}

// Empty reports whether anything has been accumulated.
func (t *Trace) Empty() bool {
	return len(t.entries) == 0
}

// Render joins every accumulated fragment and placeholder, in the order
// they were added, into one reasoning-tagged text block.
func (t *Trace) Render() string {
	parts := make([]string, len(t.entries))
	for i, e := range t.entries {
		parts[i] = e.text
	}
	return strings.Join(parts, "\n")
}

// ReasoningFragments returns only the R list, in issue order.
func (t *Trace) ReasoningFragments() []string {
	var out []string
	for _, e := range t.entries {
		if e.kind == traceReasoning {
			out = append(out, e.text)
		}
	}
	return out
}

// ToolCallPlaceholders returns only the T list, in issue order.
func (t *Trace) ToolCallPlaceholders() []string {
	var out []string
	for _, e := range t.entries {
		if e.kind == traceToolCall {
			out = append(out, e.text)
		}
	}
	return out
}

// FlushNew renders and returns every entry added since the last FlushNew
// call, advancing the flush cursor. Used by the streaming engine to emit
// the trace incrementally, at whatever points in the stream are an
// appropriate moment, rather than only once at the very end.
func (t *Trace) FlushNew() string {
	if t.flushed >= len(t.entries) {
		return ""
	}
	pending := t.entries[t.flushed:]
	parts := make([]string, len(pending))
	for i, e := range pending {
		parts[i] = e.text
	}
	t.flushed = len(t.entries)
	return strings.Join(parts, "\n")
}
