package agent

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/quillware/quill/internal/agent/conversation"
	"github.com/quillware/quill/mcp"
)

func TestToolSet_FormatForLLM(t *testing.T) {
	ts := NewToolSet(new(MockSession), zerolog.Nop())
	ts.Load([]mcp.Tool{
		{Name: "beep", Description: "play a beep", InputSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"volume": map[string]interface{}{"type": "number"},
			},
		}},
		{Name: "bare", Description: "no schema"},
	})

	specs := ts.FormatForLLM()
	require.Len(t, specs, 2)
	assert.Equal(t, "function", specs[0].Type)
	assert.Equal(t, "beep", specs[0].Function.Name)
	assert.Equal(t, "play a beep", specs[0].Function.Description)
	assert.NotNil(t, specs[1].Function.Parameters, "missing schema becomes an empty object")
}

func TestToolSet_Refresh(t *testing.T) {
	session := new(MockSession)
	ts := NewToolSet(session, zerolog.Nop())

	session.On("ListTools", mock.Anything).
		Return([]mcp.Tool{{Name: "beep"}}, nil).Once()
	require.NoError(t, ts.Refresh(context.Background()))
	assert.Equal(t, 1, ts.Len())

	session.On("ListTools", mock.Anything).
		Return(nil, assert.AnError).Once()
	require.Error(t, ts.Refresh(context.Background()))
	assert.Zero(t, ts.Len(), "failed refresh empties the catalog")
}

func TestToolSet_ExecuteSuccess(t *testing.T) {
	session := new(MockSession)
	ts := NewToolSet(session, zerolog.Nop())

	session.On("CallTool", mock.Anything, "speak_text", map[string]interface{}{"text": "hi"}).
		Return("spoke", nil).Once()

	result := ts.Execute(context.Background(), conversation.ToolCall{
		ID:   "c1",
		Type: "function",
		Function: conversation.FunctionCall{Name: "speak_text", Arguments: `{"text":"hi"}`},
	})
	assert.Equal(t, "spoke", result)
	session.AssertExpectations(t)
}

func TestToolSet_ExecuteBadArguments(t *testing.T) {
	session := new(MockSession)
	ts := NewToolSet(session, zerolog.Nop())

	result := ts.Execute(context.Background(), conversation.ToolCall{
		ID:   "c1",
		Type: "function",
		Function: conversation.FunctionCall{Name: "speak_text", Arguments: "not json"},
	})
	assert.Contains(t, result, "invalid tool arguments")
	session.AssertNotCalled(t, "CallTool", mock.Anything, mock.Anything, mock.Anything)
}

func TestToolSet_ExecuteErrorStringified(t *testing.T) {
	session := new(MockSession)
	ts := NewToolSet(session, zerolog.Nop())

	session.On("CallTool", mock.Anything, "beep", mock.Anything).
		Return("", assert.AnError).Once()

	result := ts.Execute(context.Background(), conversation.ToolCall{
		ID:   "c1",
		Type: "function",
		Function: conversation.FunctionCall{Name: "beep", Arguments: "{}"},
	})
	assert.Contains(t, result, "tool execution failed")
}
