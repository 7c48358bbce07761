package conversation

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testHistory(capacity int) *History {
	return NewHistory(capacity, zerolog.Nop())
}

func TestNewMessage_Invariants(t *testing.T) {
	_, err := NewMessage("narrator", "hi", nil, "")
	assert.Error(t, err)

	_, err = NewMessage(RoleUser, "hi", []ToolCall{{ID: "c1"}}, "")
	assert.Error(t, err, "tool_calls forbidden outside assistant")

	_, err = NewMessage(RoleTool, "result", nil, "")
	assert.Error(t, err, "tool messages require tool_call_id")

	_, err = NewMessage(RoleUser, "hi", nil, "c1")
	assert.Error(t, err, "tool_call_id forbidden outside tool role")

	msg, err := NewMessage(RoleAssistant, "", []ToolCall{{ID: "c1", Type: "function"}}, "")
	require.NoError(t, err)
	assert.Empty(t, msg.Content)
}

func TestHistory_EvictionKeepsSystem(t *testing.T) {
	h := testHistory(4)
	h.SetSystemMessage("sys")

	for i := 0; i < 10; i++ {
		require.NoError(t, h.Add(RoleUser, fmt.Sprintf("msg %d", i), nil, ""))
	}

	assert.LessOrEqual(t, h.Len(), 4)
	msgs := h.Messages()
	assert.Equal(t, RoleSystem, msgs[0].Role)
	systemCount := 0
	for _, m := range msgs {
		if m.Role == RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
	assert.Equal(t, "msg 9", msgs[len(msgs)-1].Content)
}

func TestHistory_SetSystemMessageReplaces(t *testing.T) {
	h := testHistory(0)
	h.SetSystemMessage("first")
	require.NoError(t, h.Add(RoleUser, "hello", nil, ""))
	h.SetSystemMessage("second")

	wire := h.FormatForWire()
	require.NotEmpty(t, wire)
	assert.Equal(t, "system", wire[0]["role"])
	assert.Equal(t, "second", wire[0]["content"])

	count := 0
	for _, m := range wire {
		if m["role"] == "system" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestHistory_AddToolCallAttachesToTail(t *testing.T) {
	h := testHistory(0)
	require.NoError(t, h.Add(RoleAssistant, "", nil, ""))

	call := ToolCall{ID: "c1", Type: "function", Function: FunctionCall{Name: "get_wifi_networks", Arguments: "{}"}}
	require.NoError(t, h.AddToolCall(call))

	msgs := h.Messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "c1", msgs[0].ToolCalls[0].ID)

	// After a tool result, a further call opens a new assistant message.
	require.NoError(t, h.AddToolResult(call, "SSID1\nSSID2"))
	call2 := ToolCall{ID: "c2", Type: "function", Function: FunctionCall{Name: "speak_text", Arguments: `{"text":"hi"}`}}
	require.NoError(t, h.AddToolCall(call2))

	msgs = h.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, RoleTool, msgs[1].Role)
	assert.Equal(t, "c1", msgs[1].ToolCallID)
	assert.Equal(t, RoleAssistant, msgs[2].Role)
	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "c2", msgs[2].ToolCalls[0].ID)
}

func TestHistory_ToolResultIDsMatchCalls(t *testing.T) {
	h := testHistory(0)
	calls := []ToolCall{
		{ID: "c1", Type: "function", Function: FunctionCall{Name: "a", Arguments: "{}"}},
		{ID: "c2", Type: "function", Function: FunctionCall{Name: "b", Arguments: "{}"}},
	}
	require.NoError(t, h.Add(RoleAssistant, "", calls, ""))
	for _, call := range calls {
		require.NoError(t, h.AddToolResult(call, "ok"))
	}

	msgs := h.Messages()
	require.Len(t, msgs, 3)
	ids := map[string]bool{}
	for _, call := range msgs[0].ToolCalls {
		ids[call.ID] = true
	}
	for _, msg := range msgs[1:] {
		assert.Equal(t, RoleTool, msg.Role)
		assert.True(t, ids[msg.ToolCallID], "result id %s not among call ids", msg.ToolCallID)
	}
}

func TestHistory_AddFailedToolGen(t *testing.T) {
	h := testHistory(0)
	call := ToolCall{ID: "llm_parse_err_0", Type: "function", Function: FunctionCall{Name: ParseErrorToolName}}
	require.NoError(t, h.AddFailedToolGen(`{"name": broken`, call, "snippet is not a JSON object"))

	msgs := h.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, RoleAssistant, msgs[0].Role)
	assert.Equal(t, `<tool_call>{"name": broken</tool_call>`, msgs[0].Content)
	assert.Equal(t, RoleTool, msgs[1].Role)
	assert.Equal(t, "llm_parse_err_0", msgs[1].ToolCallID)
	assert.Equal(t, "snippet is not a JSON object", msgs[1].Content)
}

func TestHistory_FormatForWire(t *testing.T) {
	h := testHistory(0)
	h.SetSystemMessage("sys")
	require.NoError(t, h.Add(RoleUser, "hello", nil, ""))
	call := ToolCall{ID: "c1", Type: "function", Function: FunctionCall{Name: "n", Arguments: ""}}
	require.NoError(t, h.Add(RoleAssistant, "", []ToolCall{call}, ""))
	require.NoError(t, h.AddToolResult(call, "out"))

	wire := h.FormatForWire()
	require.Len(t, wire, 4)

	assistant := wire[2]
	callList, ok := assistant["tool_calls"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, callList, 1)
	fn := callList[0]["function"].(map[string]interface{})
	assert.Equal(t, "n", fn["name"])
	assert.Equal(t, "{}", fn["arguments"], "empty arguments serialize as an empty object")

	toolMsg := wire[3]
	assert.Equal(t, "tool", toolMsg["role"])
	assert.Equal(t, "c1", toolMsg["tool_call_id"])
	assert.Equal(t, "out", toolMsg["content"])
}

func TestToolCall_ParsedArguments(t *testing.T) {
	call := ToolCall{Function: FunctionCall{Name: "n", Arguments: `{"text":"hi"}`}}
	args, err := call.ParsedArguments()
	require.NoError(t, err)
	assert.Equal(t, "hi", args["text"])

	call.Function.Arguments = ""
	args, err = call.ParsedArguments()
	require.NoError(t, err)
	assert.Empty(t, args)

	call.Function.Arguments = "not json"
	_, err = call.ParsedArguments()
	assert.Error(t, err)
}
