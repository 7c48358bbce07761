package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/quillware/quill/internal/agent/conversation"
	"github.com/quillware/quill/internal/llm"
	"github.com/quillware/quill/mcp"
)

// ToolSet caches the connected server's tool descriptors and translates
// dispatchable tool calls into MCP invocations.
type ToolSet struct {
	session ToolSession
	tools   []mcp.Tool
	byName  map[string]mcp.Tool
	logger  zerolog.Logger
}

// NewToolSet creates a tool set bound to a session.
func NewToolSet(session ToolSession, logger zerolog.Logger) *ToolSet {
	return &ToolSet{
		session: session,
		byName:  make(map[string]mcp.Tool),
		logger:  logger.With().Str("component", "toolset").Logger(),
	}
}

// Refresh re-reads the tool listing from the server. A listing failure
// empties the catalog.
func (t *ToolSet) Refresh(ctx context.Context) error {
	tools, err := t.session.ListTools(ctx)
	if err != nil {
		t.logger.Error().Err(err).Msg("failed to refresh tools")
		t.tools = nil
		t.byName = make(map[string]mcp.Tool)
		return err
	}

	t.tools = tools
	t.byName = make(map[string]mcp.Tool, len(tools))
	for _, tool := range tools {
		t.byName[tool.Name] = tool
		t.logger.Debug().Str("tool", tool.Name).Msg("registered tool")
	}
	return nil
}

// Load seeds the catalog from descriptors already fetched (the session's
// first listing) without another round trip.
func (t *ToolSet) Load(tools []mcp.Tool) {
	t.tools = tools
	t.byName = make(map[string]mcp.Tool, len(tools))
	for _, tool := range tools {
		t.byName[tool.Name] = tool
	}
}

// Len returns the number of cached descriptors.
func (t *ToolSet) Len() int { return len(t.tools) }

// Tools returns the cached descriptors.
func (t *ToolSet) Tools() []mcp.Tool { return t.tools }

// FormatForLLM projects the catalog into the function-calling shape the
// chat-completions API expects.
func (t *ToolSet) FormatForLLM() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(t.tools))
	for _, tool := range t.tools {
		params := tool.InputSchema
		if params == nil {
			params = map[string]interface{}{}
		}
		specs = append(specs, llm.ToolSpec{
			Type: "function",
			Function: llm.ToolFunctionSpec{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return specs
}

// Execute parses the call's argument string and invokes the tool on the
// MCP session. Errors never propagate: they come back as a string result
// the orchestrator folds into history, giving the model a chance to
// recover.
func (t *ToolSet) Execute(ctx context.Context, call conversation.ToolCall) string {
	name := call.Function.Name

	args, err := call.ParsedArguments()
	if err != nil {
		t.logger.Error().Err(err).Str("tool", name).Msg("tool arguments unparseable")
		return errorResult(fmt.Sprintf("invalid tool arguments: %v", err))
	}

	t.logger.Debug().Str("tool", name).Interface("args", args).Msg("executing tool")
	result, err := t.session.CallTool(ctx, name, args)
	if err != nil {
		t.logger.Error().Err(err).Str("tool", name).Msg("tool execution failed")
		return errorResult(fmt.Sprintf("tool execution failed: %v", err))
	}
	return result
}

func errorResult(message string) string {
	encoded, _ := json.Marshal(map[string]string{"error": message})
	return string(encoded)
}
