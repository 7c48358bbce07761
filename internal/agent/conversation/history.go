package conversation

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/quillware/quill/internal/errdefs"
)

// DefaultCapacity bounds the history length before eviction kicks in.
const DefaultCapacity = 100

// ParseErrorToolName marks a synthesized tool call standing in for a
// snippet the model emitted that could not be parsed.
const ParseErrorToolName = "__llm_tool_parse_error__"

// History is the ordered, capacity-bounded conversation. It is owned by the
// orchestrator task; no internal locking is needed because a single task
// writes to it.
type History struct {
	messages []Message
	capacity int
	logger   zerolog.Logger
}

// NewHistory creates an empty history. capacity <= 0 selects the default.
func NewHistory(capacity int, logger zerolog.Logger) *History {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &History{
		capacity: capacity,
		logger:   logger.With().Str("component", "conversation").Logger(),
	}
}

// Add validates and appends a message, evicting the oldest non-system
// message when the history is full. System messages are never evicted.
func (h *History) Add(role, content string, toolCalls []ToolCall, toolCallID string) error {
	msg, err := NewMessage(role, content, toolCalls, toolCallID)
	if err != nil {
		h.logger.Error().Err(err).Str("role", role).Msg("rejected invalid message")
		return errdefs.WrapLogOnly(err, "internal error recording %s message", role)
	}

	if len(h.messages) >= h.capacity {
		h.evictOldest()
	}
	h.messages = append(h.messages, msg)
	return nil
}

func (h *History) evictOldest() {
	for i, msg := range h.messages {
		if msg.Role != RoleSystem {
			h.logger.Warn().Int("index", i).Str("role", msg.Role).Msg("history full, evicting oldest message")
			h.messages = append(h.messages[:i], h.messages[i+1:]...)
			return
		}
	}
}

// SetSystemMessage removes any existing system messages and prepends a
// fresh one, so at most one system message sits at index 0.
func (h *History) SetSystemMessage(content string) {
	kept := h.messages[:0]
	for _, msg := range h.messages {
		if msg.Role != RoleSystem {
			kept = append(kept, msg)
		}
	}
	sys, _ := NewMessage(RoleSystem, content, nil, "")
	h.messages = append([]Message{sys}, kept...)
}

// AddToolCall attaches a call to the trailing assistant message when that
// message has empty content and no tool result yet; otherwise it opens a
// new assistant message whose tool_calls list starts with the call.
func (h *History) AddToolCall(call ToolCall) error {
	if n := len(h.messages); n > 0 {
		tail := &h.messages[n-1]
		if tail.Role == RoleAssistant && tail.Content == "" {
			tail.ToolCalls = append(tail.ToolCalls, call)
			return nil
		}
	}
	return h.Add(RoleAssistant, "", []ToolCall{call}, "")
}

// AddToolResult appends a tool-role message carrying the result for call.
func (h *History) AddToolResult(call ToolCall, result string) error {
	id := call.ID
	if id == "" {
		id = call.Function.Name
	}
	return h.Add(RoleTool, result, nil, id)
}

// AddFailedToolGen records a snippet the model produced that failed tool
// parsing: the assistant message replays the original snippet and a tool
// message carries the parse error, priming the model to recover on the
// next iteration.
func (h *History) AddFailedToolGen(originalSnippet string, call ToolCall, errorText string) error {
	if err := h.Add(RoleAssistant, "<tool_call>"+originalSnippet+"</tool_call>", nil, ""); err != nil {
		return err
	}
	id := call.ID
	if id == "" {
		id = "unknown_gen_failure_id"
	}
	h.logger.Warn().Str("tool_call_id", id).Str("error", errorText).Msg("recorded tool generation failure")
	return h.Add(RoleTool, errorText, nil, id)
}

// Len returns the number of messages.
func (h *History) Len() int { return len(h.messages) }

// Messages returns a copy of the history.
func (h *History) Messages() []Message {
	out := make([]Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Reset drops all messages.
func (h *History) Reset() { h.messages = nil }

// WireMessage is one entry of the array the LLM backend expects.
type WireMessage map[string]interface{}

// FormatForWire projects the history into the chat-completions schema:
// system/user/assistant carry {role, content}; an assistant with tool calls
// additionally carries the serialized list; tool messages carry
// {role, tool_call_id, content}.
func (h *History) FormatForWire() []WireMessage {
	out := make([]WireMessage, 0, len(h.messages))
	for _, msg := range h.messages {
		switch msg.Role {
		case RoleTool:
			out = append(out, WireMessage{
				"role":         RoleTool,
				"tool_call_id": msg.ToolCallID,
				"content":      msg.Content,
			})
		case RoleAssistant:
			entry := WireMessage{"role": RoleAssistant, "content": msg.Content}
			if len(msg.ToolCalls) > 0 {
				entry["tool_calls"] = wireToolCalls(msg.ToolCalls)
			}
			out = append(out, entry)
		default:
			out = append(out, WireMessage{"role": msg.Role, "content": msg.Content})
		}
	}
	return out
}

func wireToolCalls(calls []ToolCall) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(calls))
	for _, call := range calls {
		args := call.Function.Arguments
		if args == "" {
			args = "{}"
		}
		out = append(out, map[string]interface{}{
			"id":   call.ID,
			"type": call.Type,
			"function": map[string]interface{}{
				"name":      call.Function.Name,
				"arguments": args,
			},
		})
	}
	return out
}

// MarshalJSON serializes the wire form, mostly for the debug sink.
func (h *History) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.FormatForWire())
}
