package llm

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/quillware/quill/internal/agent/conversation"
	"github.com/quillware/quill/internal/events"
)

// toolCallAccumulator reconstructs complete tool calls from streamed
// fragments. Each delta addresses an index; string fields concatenate in
// arrival order. An entry is announced on the bus exactly once, as soon as
// both its id and function name are known.
type toolCallAccumulator struct {
	entries []accumEntry
	bus     *events.Bus
	logger  zerolog.Logger
}

type accumEntry struct {
	id         string
	typ        string
	typeSet    bool
	name       string
	arguments  string
	dispatched bool
}

func newToolCallAccumulator(bus *events.Bus, logger zerolog.Logger) *toolCallAccumulator {
	return &toolCallAccumulator{bus: bus, logger: logger}
}

// addDelta merges one fragment into the entry at its index, extending the
// sparse list with empty skeletons as needed.
func (a *toolCallAccumulator) addDelta(delta toolCallDelta) {
	if delta.Index < 0 {
		a.logger.Warn().Int("index", delta.Index).Msg("tool call delta with negative index")
		return
	}

	for len(a.entries) <= delta.Index {
		a.entries = append(a.entries, accumEntry{typ: "function"})
	}

	entry := &a.entries[delta.Index]
	if delta.ID != "" {
		entry.id += delta.ID
	}
	if delta.Type != "" {
		if entry.typeSet && entry.typ != delta.Type {
			a.logger.Warn().Int("index", delta.Index).
				Str("old", entry.typ).Str("new", delta.Type).
				Msg("conflicting tool call type, last wins")
		}
		entry.typ = delta.Type
		entry.typeSet = true
	}
	if delta.Function.Name != "" {
		entry.name += delta.Function.Name
	}
	if delta.Function.Arguments != "" {
		entry.arguments += delta.Function.Arguments
	}

	a.maybeDispatch(entry)
}

// maybeDispatch announces an entry the moment it becomes dispatchable.
func (a *toolCallAccumulator) maybeDispatch(entry *accumEntry) {
	if entry.dispatched || entry.id == "" || entry.name == "" {
		return
	}
	entry.dispatched = true

	if a.bus == nil {
		a.logger.Warn().Str("tool", entry.name).Msg("tool call completed but no bus to announce it on")
		return
	}

	var args map[string]interface{}
	if entry.arguments != "" {
		if err := json.Unmarshal([]byte(entry.arguments), &args); err != nil {
			args = map[string]interface{}{"args_str": entry.arguments}
		}
	}
	a.logger.Debug().Str("id", entry.id).Str("tool", entry.name).Msg("dispatching completed tool call")
	a.bus.Dispatch(events.Action(events.StatusInProgress, "Tool Call: "+entry.name, entry.name, args))
}

// finalCalls returns the dispatch-eligible entries in increasing index
// order, skipping skeletons that never completed.
func (a *toolCallAccumulator) finalCalls() []conversation.ToolCall {
	var calls []conversation.ToolCall
	for i, entry := range a.entries {
		if entry.id == "" || entry.name == "" {
			a.logger.Warn().Int("index", i).Msg("skipping incomplete accumulated tool call")
			continue
		}
		calls = append(calls, conversation.ToolCall{
			ID:   entry.id,
			Type: entry.typ,
			Function: conversation.FunctionCall{
				Name:      entry.name,
				Arguments: entry.arguments,
			},
		})
	}
	return calls
}
