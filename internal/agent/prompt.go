package agent

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/quillware/quill/internal/agent/conversation"
)

// DefaultSystemPrompt is used when the configuration does not override it.
const DefaultSystemPrompt = "You are a helpful assistant with access to tools. " +
	"Use the provided tools when they can answer the user's request; otherwise answer directly."

// PromptBook assembles the system prompt and injects the server's few-shot
// prompts into a fresh conversation.
type PromptBook struct {
	basePrompt string
	logger     zerolog.Logger
}

// NewPromptBook creates a prompt book. An empty base selects the default.
func NewPromptBook(basePrompt string, logger zerolog.Logger) *PromptBook {
	if basePrompt == "" {
		basePrompt = DefaultSystemPrompt
	}
	return &PromptBook{
		basePrompt: basePrompt,
		logger:     logger.With().Str("component", "prompts").Logger(),
	}
}

// SystemPrompt combines the base prompt with an optional suffix.
func (p *PromptBook) SystemPrompt(additional string) string {
	if additional == "" {
		return p.basePrompt
	}
	return p.basePrompt + "\n\n" + additional
}

// InjectFewShot fetches the server's prompts and appends their user and
// assistant messages to the history as worked examples. Other roles are
// skipped with a warning; any fetch failure is non-fatal.
func (p *PromptBook) InjectFewShot(ctx context.Context, session ToolSession, history *conversation.History) {
	for _, prompt := range session.ListPrompts(ctx) {
		rendered, err := session.GetPrompt(ctx, prompt.Name, nil)
		if err != nil {
			p.logger.Warn().Err(err).Str("prompt", prompt.Name).Msg("failed to fetch prompt")
			continue
		}
		for _, msg := range rendered.Messages {
			switch msg.Role {
			case conversation.RoleUser, conversation.RoleAssistant:
				if err := history.Add(msg.Role, msg.Content.Text, nil, ""); err != nil {
					p.logger.Warn().Err(err).Str("prompt", prompt.Name).Msg("failed to record few-shot message")
				}
			default:
				p.logger.Warn().Str("role", msg.Role).Str("prompt", prompt.Name).
					Msg("few-shot message role not supported")
			}
		}
	}
}
