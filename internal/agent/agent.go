// Package agent drives the reason/act loop: submit the conversation to the
// LLM, dispatch tool calls to the MCP session, fold results back into
// history, and repeat until the model answers or a bound fires.
package agent

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quillware/quill/internal/agent/conversation"
	"github.com/quillware/quill/internal/errdefs"
	"github.com/quillware/quill/internal/events"
	"github.com/quillware/quill/internal/llm"
)

// DefaultMaxIterations bounds LLM calls per user turn.
const DefaultMaxIterations = 5

// GenericFailureMessage is what the user sees for log-only failures.
const GenericFailureMessage = "I encountered an error while processing your request. Please try again or check your connection."

// Options configures a Runtime.
type Options struct {
	MaxIterations   int
	HistoryCapacity int
	SystemPrompt    string
	Streaming       bool
}

// Runtime owns one user session: the conversation history, the tool
// catalog, and the loop that alternates LLM inference with tool execution.
// It is the sole writer to the history.
type Runtime struct {
	session   ToolSession
	llmClient CompletionClient
	history   *conversation.History
	toolset   *ToolSet
	prompts   *PromptBook
	bus       *events.Bus

	maxIterations int
	streaming     bool
	connected     bool
	logger        zerolog.Logger
}

// NewRuntime assembles a runtime around an existing session and LLM client.
func NewRuntime(session ToolSession, llmClient CompletionClient, bus *events.Bus, opts Options, logger zerolog.Logger) *Runtime {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	log := logger.With().Str("component", "agent").Logger()
	return &Runtime{
		session:       session,
		llmClient:     llmClient,
		history:       conversation.NewHistory(opts.HistoryCapacity, logger),
		toolset:       NewToolSet(session, logger),
		prompts:       NewPromptBook(opts.SystemPrompt, logger),
		bus:           bus,
		maxIterations: opts.MaxIterations,
		streaming:     opts.Streaming,
		logger:        log,
	}
}

// History exposes the conversation for frontends and tests.
func (r *Runtime) History() *conversation.History { return r.history }

// ToolSet exposes the tool catalog.
func (r *Runtime) ToolSet() *ToolSet { return r.toolset }

// Connect brings up the MCP session, loads the tool catalog, sets the
// system prompt, injects few-shot prompts, and primes the local backend's
// cache.
func (r *Runtime) Connect(ctx context.Context) error {
	if err := r.session.Connect(ctx); err != nil {
		return err
	}
	r.toolset.Load(r.session.Tools())
	resources := r.session.ListResources(ctx)
	if len(resources) > 0 {
		r.logger.Debug().Int("resources", len(resources)).Msg("server reports resources")
	}

	r.history.SetSystemMessage(r.prompts.SystemPrompt(""))
	r.prompts.InjectFewShot(ctx, r.session, r.history)

	r.llmClient.RestoreCache(ctx, r.history.FormatForWire(), r.toolset.FormatForLLM())

	r.connected = true
	r.logger.Info().Str("server", r.session.ServerName()).Int("tools", r.toolset.Len()).Msg("runtime connected")
	return nil
}

// RefreshCapabilities re-reads the server's tool catalog.
func (r *Runtime) RefreshCapabilities(ctx context.Context) error {
	if !r.connected {
		return errdefs.UserVisiblef("not connected to an MCP server, cannot refresh capabilities")
	}
	return r.toolset.Refresh(ctx)
}

// ProcessQuery runs one user turn. UserVisible errors are returned
// unchanged for the frontend to display; everything else is handled
// internally and never escapes the turn.
func (r *Runtime) ProcessQuery(ctx context.Context, query string) error {
	r.bus.Dispatch(events.StatusEvent("query", events.StatusInProgress, "Thinking..."))

	if err := r.history.Add(conversation.RoleUser, query, nil, ""); err != nil {
		return err
	}

	for iteration := 1; iteration <= r.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return r.finishCancelled(err)
		}

		completion, err := r.complete(ctx, iteration)
		if err != nil {
			if ctx.Err() != nil {
				return r.finishCancelled(ctx.Err())
			}
			return r.finishFailed(err)
		}

		if completion.Content != "" || len(completion.ToolCalls) > 0 {
			if err := r.history.Add(conversation.RoleAssistant, completion.Content, nil, ""); err != nil {
				return r.finishFailed(err)
			}
		} else {
			r.logger.Warn().Msg("empty completion, skipping history append")
		}

		if len(completion.ToolCalls) == 0 {
			r.bus.Dispatch(events.StatusEvent("query", events.StatusSuccess, ""))
			r.logger.Info().Int("iterations", iteration).Msg("query processing complete")
			return nil
		}

		r.bus.Dispatch(events.StatusEvent("tools", events.StatusInProgress, "executing tools"))
		if err := r.executeToolCalls(ctx, completion.ToolCalls); err != nil {
			return r.finishCancelled(err)
		}
		r.bus.Dispatch(events.StatusEvent("tools", events.StatusSuccess, "executed tools"))
	}

	r.logger.Warn().Int("max", r.maxIterations).Msg("max tool iterations reached")
	r.bus.Dispatch(events.Warning("max tool iterations reached"))
	return nil
}

// complete asks the LLM for the next step. The first iteration prefers
// streaming so the UI sees tokens as they arrive; later iterations run
// non-streaming to cut overhead.
func (r *Runtime) complete(ctx context.Context, iteration int) (*llm.Completion, error) {
	messages := r.history.FormatForWire()
	tools := r.toolset.FormatForLLM()

	if r.streaming && iteration == 1 {
		return r.llmClient.ChatCompletionStream(ctx, messages, tools)
	}

	completion, err := r.llmClient.ChatCompletion(ctx, messages, tools)
	if err != nil {
		return nil, err
	}
	if completion.Content != "" {
		r.bus.Dispatch(events.Message(uuid.NewString(), events.StatusSuccess, completion.Content))
	}
	return completion, nil
}

// executeToolCalls runs the model's tool calls strictly in order. A parse
// failure sentinel becomes a tool-role error priming the model to retry;
// real calls dispatch through the tool set. The returned error is non-nil
// only on cancellation.
func (r *Runtime) executeToolCalls(ctx context.Context, calls []conversation.ToolCall) error {
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			if aerr := r.history.AddToolResult(call, errorResult("cancelled before execution")); aerr != nil {
				r.logger.Error().Err(aerr).Msg("failed to record cancellation result")
			}
			return err
		}

		if call.Function.Name == conversation.ParseErrorToolName {
			r.recordParseFailure(call)
			continue
		}

		args, argErr := call.ParsedArguments()
		if argErr != nil {
			args = map[string]interface{}{"args_str": call.Function.Arguments}
		}
		r.bus.Dispatch(events.Action(events.StatusInProgress, "Executing tool: "+call.Function.Name, call.Function.Name, args))

		if err := r.history.AddToolCall(call); err != nil {
			r.logger.Error().Err(err).Str("tool", call.Function.Name).Msg("failed to record tool call")
		}

		result := r.toolset.Execute(ctx, call)
		if err := ctx.Err(); err != nil {
			if aerr := r.history.AddToolResult(call, errorResult("cancelled during execution")); aerr != nil {
				r.logger.Error().Err(aerr).Msg("failed to record cancellation result")
			}
			return err
		}

		if isErrorResult(result) {
			r.bus.Dispatch(events.Error("Tool " + call.Function.Name + " failed: " + result))
		} else {
			r.bus.Dispatch(events.Action(events.StatusSuccess, "Tool result: "+result, call.Function.Name, args))
			r.bus.Dispatch(events.Observation(call.Function.Name, result))
		}

		if err := r.history.AddToolResult(call, result); err != nil {
			r.logger.Error().Err(err).Str("tool", call.Function.Name).Msg("failed to record tool result")
		}
	}
	return nil
}

// recordParseFailure folds a sentinel tool call back into history as an
// error the model can read and correct on the next iteration.
func (r *Runtime) recordParseFailure(call conversation.ToolCall) {
	var details struct {
		ErrorType       string `json:"error_type"`
		ErrorMessage    string `json:"error_message"`
		OriginalSnippet string `json:"original_snippet"`
	}
	_ = json.Unmarshal([]byte(call.Function.Arguments), &details)

	errorText := details.ErrorMessage
	if errorText == "" {
		errorText = "tool call could not be parsed"
	}
	r.bus.Dispatch(events.Warning("tool call parse failure: " + errorText))

	if err := r.history.AddFailedToolGen(details.OriginalSnippet, call, errorText); err != nil {
		r.logger.Error().Err(err).Msg("failed to record tool generation failure")
	}
}

func (r *Runtime) finishFailed(err error) error {
	if errdefs.IsUserVisible(err) {
		r.bus.Dispatch(events.Error(err.Error()))
		r.bus.Dispatch(events.StatusEvent("query", events.StatusFailed, ""))
		return err
	}

	r.logger.Error().Err(err).Msg("turn failed")
	r.bus.Dispatch(events.Error("Failed to get response: operation failed, see logs"))
	if aerr := r.history.Add(conversation.RoleAssistant, GenericFailureMessage, nil, ""); aerr != nil {
		r.logger.Error().Err(aerr).Msg("failed to record failure message")
	}
	r.bus.Dispatch(events.StatusEvent("query", events.StatusFailed, ""))
	return nil
}

func (r *Runtime) finishCancelled(cause error) error {
	r.logger.Warn().Err(cause).Msg("turn cancelled")
	r.bus.Dispatch(events.StatusEvent("query", events.StatusFailed, "cancelled"))
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return nil
	}
	return cause
}

// Cleanup tears the session down and drops the conversation.
func (r *Runtime) Cleanup() error {
	r.logger.Info().Msg("starting runtime cleanup")
	r.connected = false
	err := r.session.Close()
	r.history.Reset()
	r.logger.Info().Msg("runtime cleanup completed")
	return err
}

func isErrorResult(result string) bool {
	var probe struct {
		Error string `json:"error"`
	}
	return json.Unmarshal([]byte(result), &probe) == nil && probe.Error != ""
}
