package agent

import (
	"context"

	"github.com/quillware/quill/internal/agent/conversation"
	"github.com/quillware/quill/internal/llm"
	"github.com/quillware/quill/mcp"
)

// CompletionClient is the slice of the LLM client the runtime needs.
// *llm.Client satisfies it.
type CompletionClient interface {
	ChatCompletion(ctx context.Context, messages []conversation.WireMessage, tools []llm.ToolSpec) (*llm.Completion, error)
	ChatCompletionStream(ctx context.Context, messages []conversation.WireMessage, tools []llm.ToolSpec) (*llm.Completion, error)
	RestoreCache(ctx context.Context, messages []conversation.WireMessage, tools []llm.ToolSpec)
}

// ToolSession is the slice of the MCP session the runtime needs.
// *mcp.Session satisfies it.
type ToolSession interface {
	Connect(ctx context.Context) error
	Close() error
	ServerName() string
	Tools() []mcp.Tool
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	ListResources(ctx context.Context) []mcp.Resource
	ListPrompts(ctx context.Context) []mcp.Prompt
	GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error)
}
