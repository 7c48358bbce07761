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

func TestPromptBook_SystemPrompt(t *testing.T) {
	book := NewPromptBook("", zerolog.Nop())
	assert.Equal(t, DefaultSystemPrompt, book.SystemPrompt(""))
	assert.Equal(t, DefaultSystemPrompt+"\n\nextra", book.SystemPrompt("extra"))

	custom := NewPromptBook("You are a printer.", zerolog.Nop())
	assert.Equal(t, "You are a printer.", custom.SystemPrompt(""))
}

func TestPromptBook_InjectFewShot(t *testing.T) {
	session := new(MockSession)
	book := NewPromptBook("", zerolog.Nop())
	history := conversation.NewHistory(0, zerolog.Nop())

	session.On("ListPrompts", mock.Anything).Return([]mcp.Prompt{{Name: "greeting"}}).Once()
	session.On("GetPrompt", mock.Anything, "greeting", mock.Anything).Return(&mcp.GetPromptResult{
		Messages: []mcp.PromptMessage{
			{Role: "user", Content: mcp.ContentChunk{Type: "text", Text: "turn on wifi"}},
			{Role: "assistant", Content: mcp.ContentChunk{Type: "text", Text: "Connecting now."}},
			{Role: "system", Content: mcp.ContentChunk{Type: "text", Text: "skipped"}},
		},
	}, nil).Once()

	book.InjectFewShot(context.Background(), session, history)

	msgs := history.Messages()
	require.Len(t, msgs, 2, "system-role few-shot messages are skipped")
	assert.Equal(t, "turn on wifi", msgs[0].Content)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
}
