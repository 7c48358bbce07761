package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quillware/quill/internal/agent/conversation"
	"github.com/quillware/quill/internal/errdefs"
	"github.com/quillware/quill/internal/events"
)

// Endpoint paths of the backend.
const (
	chatCompletionsPath = "/chat/completions"
	modelsPath          = "/models"
	healthPath          = "/health"
	setModelPath        = "/setModel"
	restoreCachePath    = "/restore_cache"
)

// Completion is the aggregated outcome of one chat-completion call.
type Completion struct {
	Content   string
	ToolCalls []conversation.ToolCall
}

// Client issues chat-completion requests against a local or cloud backend.
type Client struct {
	http    *resty.Client
	opts    Options
	limiter *rate.Limiter
	bus     *events.Bus
	logger  zerolog.Logger
}

// New constructs a client and probes the backend. A failed probe is a
// warning for the local provider (the server may still come up) and a
// user-visible error for cloud, where credentials are the usual cause.
func New(opts Options, bus *events.Bus, logger zerolog.Logger) (*Client, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:   opts,
		bus:    bus,
		logger: logger.With().Str("component", "llm").Str("provider", string(opts.Provider)).Logger(),
	}
	c.http = newHTTPClient(opts)
	if opts.Provider == ProviderLocal && opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	switch opts.Provider {
	case ProviderLocal:
		if !c.CheckConnection() {
			c.logger.Warn().Str("url", opts.ServerURL).
				Msg("initial health check failed, requests may fail until the server is up")
		}
	case ProviderCloud:
		if !c.CheckConnection() {
			return nil, errdefs.UserVisiblef(
				"could not connect to API at %s, check URL and API key", opts.ServerURL)
		}
	}
	return c, nil
}

func newHTTPClient(opts Options) *resty.Client {
	client := resty.New().
		SetHostURL(strings.TrimRight(opts.ServerURL, "/")).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return client
}

// Model returns the configured model identifier.
func (c *Client) Model() string { return c.opts.Model }

// Streaming reports the default streaming flag.
func (c *Client) Streaming() bool { return c.opts.Streaming }

// CheckConnection probes the backend: GET /health for local, GET /models
// (authorized) for cloud. Success is HTTP 200.
func (c *Client) CheckConnection() bool {
	path := healthPath
	if c.opts.Provider == ProviderCloud {
		path = modelsPath
	}
	resp, err := c.http.R().Get(path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("connection check failed")
		return false
	}
	if resp.StatusCode() != 200 {
		c.logger.Warn().Int("status", resp.StatusCode()).Str("path", path).Msg("connection check failed")
		return false
	}
	return true
}

// SwitchProvider re-points the client at a different backend after
// verifying the new one is reachable. On a failed check the client keeps
// its current configuration.
func (c *Client) SwitchProvider(opts Options) error {
	if err := opts.normalize(); err != nil {
		return err
	}
	if opts.Provider == c.opts.Provider && opts.Model == c.opts.Model && opts.ServerURL == c.opts.ServerURL {
		return nil
	}

	candidate := &Client{opts: opts, http: newHTTPClient(opts), logger: c.logger}
	if !candidate.CheckConnection() {
		return errdefs.UserVisiblef("cannot switch provider: %s backend at %s is unreachable",
			opts.Provider, opts.ServerURL)
	}

	c.logger.Info().
		Str("from", fmt.Sprintf("%s@%s", c.opts.Provider, c.opts.ServerURL)).
		Str("to", fmt.Sprintf("%s@%s", opts.Provider, opts.ServerURL)).
		Msg("switching LLM provider")
	c.opts = opts
	c.http = candidate.http
	if opts.Provider == ProviderLocal && opts.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	} else {
		c.limiter = nil
	}
	return nil
}

func (c *Client) preparePayload(messages []conversation.WireMessage, tools []ToolSpec, stream bool) map[string]interface{} {
	payload := map[string]interface{}{
		"model":             c.opts.Model,
		"messages":          messages,
		"stream":            stream,
		"inference_configs": c.opts.Inference,
	}
	if c.opts.Provider == ProviderLocal {
		loadCfg := map[string]interface{}{}
		if c.opts.ContextLength > 0 {
			loadCfg["n_ctx"] = c.opts.ContextLength
		}
		payload["load_model_configs"] = loadCfg
	}
	if len(tools) > 0 {
		payload["tools"] = tools
	}
	c.logger.Debug().
		Int("num_messages", len(messages)).
		Int("num_tools", len(tools)).
		Bool("stream", stream).
		Msg("prepared chat completion payload")
	return payload
}

func (c *Client) pace(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

// translateHTTPError classifies a non-200 chat-completion response. The
// context-overflow case is the one error whose text must reach the user
// verbatim.
func (c *Client) translateHTTPError(status int, body string) error {
	detail := body
	var envelope map[string]interface{}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil {
		if d, ok := envelope["detail"].(string); ok {
			detail = d
		} else if d, ok := envelope["error"].(string); ok {
			detail = d
		}
	}

	if c.opts.Provider == ProviderLocal {
		if requested, window, ok := CheckContextOverflow(detail); ok {
			c.logger.Error().Int("requested", requested).Int("window", window).Msg("context window exceeded")
			return errdefs.UserVisiblef(
				"requested tokens %d exceed context window %d, reduce history or prompt", requested, window)
		}
	}

	c.logger.Error().Int("status", status).Str("detail", truncateForLog(detail, 300)).Msg("chat completion request failed")
	return errdefs.LogOnlyf("HTTP %d from LLM server: %s", status, truncateForLog(detail, 300))
}

// ChatCompletion issues a non-streaming completion. When the response
// carries no structured tool calls but the content embeds <tool_call>
// markers, the calls are extracted and the region stripped from the
// returned content.
func (c *Client) ChatCompletion(ctx context.Context, messages []conversation.WireMessage, tools []ToolSpec) (*Completion, error) {
	if err := c.pace(ctx); err != nil {
		return nil, errdefs.WrapLogOnly(err, "request pacing interrupted")
	}

	payload := c.preparePayload(messages, tools, false)
	resp, err := c.http.R().SetContext(ctx).SetBody(payload).Post(chatCompletionsPath)
	if err != nil {
		return nil, errdefs.WrapLogOnly(err, "chat completion request failed")
	}
	if resp.StatusCode() != 200 {
		return nil, c.translateHTTPError(resp.StatusCode(), string(resp.Body()))
	}

	var envelope struct {
		Choices []struct {
			Message struct {
				Content   string `json:"content"`
				ToolCalls []struct {
					ID       string `json:"id"`
					Type     string `json:"type"`
					Function struct {
						Name      string `json:"name"`
						Arguments string `json:"arguments"`
					} `json:"function"`
				} `json:"tool_calls"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return nil, errdefs.WrapLogOnly(err, "decode chat completion response")
	}
	if len(envelope.Choices) == 0 {
		return nil, errdefs.LogOnlyf("invalid response structure: choices[0].message missing")
	}

	message := envelope.Choices[0].Message
	result := &Completion{Content: message.Content}
	for _, tc := range message.ToolCalls {
		typ := tc.Type
		if typ == "" {
			typ = "function"
		}
		result.ToolCalls = append(result.ToolCalls, conversation.ToolCall{
			ID:   tc.ID,
			Type: typ,
			Function: conversation.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	if len(result.ToolCalls) == 0 && strings.Contains(result.Content, "<tool_call>") {
		c.logger.Debug().Msg("found <tool_call> tags in response content, parsing")
		result.ToolCalls = ExtractToolCalls(result.Content, c.logger)
		if len(result.ToolCalls) > 0 {
			result.Content = StripToolCallRegion(result.Content)
		}
	}

	c.logger.Info().
		Int("content_len", len(result.Content)).
		Int("tool_calls", len(result.ToolCalls)).
		Msg("chat completion processed")
	return result, nil
}

// ChatCompletionStream issues a streaming completion, routing text deltas
// and tool-call fragments onto the bus while aggregating the final result.
//
// Event-id discipline: all text deltas of one segment share an id; when a
// <tool_call> marker shows up mid-stream the current segment is finalized
// as MESSAGE(success) and a fresh ACTION id is opened for the remainder.
func (c *Client) ChatCompletionStream(ctx context.Context, messages []conversation.WireMessage, tools []ToolSpec) (*Completion, error) {
	if err := c.pace(ctx); err != nil {
		return nil, errdefs.WrapLogOnly(err, "request pacing interrupted")
	}

	requestID := uuid.NewString()
	c.logger.Info().Str("request_id", requestID).Str("model", c.opts.Model).Msg("starting streaming chat completion")

	payload := c.preparePayload(messages, tools, true)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(payload).
		SetDoNotParseResponse(true).
		Post(chatCompletionsPath)
	if err != nil {
		c.dispatchError(fmt.Sprintf("HTTP client error during streaming: %v", err))
		return nil, errdefs.WrapLogOnly(err, "streaming chat completion request failed")
	}
	body := resp.RawBody()
	defer func() { _ = body.Close() }()

	if resp.StatusCode() != 200 {
		raw, _ := io.ReadAll(io.LimitReader(body, 1<<16))
		translated := c.translateHTTPError(resp.StatusCode(), string(raw))
		if !errdefs.IsUserVisible(translated) {
			c.dispatchError(translated.Error())
		}
		return nil, translated
	}

	return c.consumeStream(body)
}

func (c *Client) consumeStream(body io.Reader) (*Completion, error) {
	var content strings.Builder
	accumulator := newToolCallAccumulator(c.bus, c.logger)

	segmentID := uuid.NewString()
	segmentType := events.TypeMessage

	for evt := range parseSSE(body, c.logger) {
		switch evt.kind {
		case streamData:
			if len(evt.payload.Choices) == 0 {
				continue
			}
			delta := evt.payload.Choices[0].Delta

			if delta.Content != nil {
				text := *delta.Content
				// Reasoning models interleave think tags; scrub them from
				// the visible stream.
				if strings.Contains(text, "<think>") || strings.Contains(text, "</think>") {
					text = strings.TrimSpace(strings.NewReplacer("<think>", "", "</think>", "").Replace(text))
				}
				if text == "" || text == "\n\n" {
					continue
				}

				content.WriteString(text)

				if strings.Contains(text, "<tool_call>") && segmentType != events.TypeAction {
					c.finalizeSegment(segmentID, segmentType, content.String())
					c.logger.Info().Msg("detected <tool_call> tag in content stream, switching to action segment")
					segmentID = uuid.NewString()
					segmentType = events.TypeAction
				}

				if c.bus != nil {
					e := events.NewWithID(segmentID, segmentType, events.StatusInProgress, text)
					if segmentType == events.TypeMessage {
						e.Role = "assistant"
					}
					c.bus.Dispatch(e)
				}
			}

			for _, tc := range delta.ToolCalls {
				accumulator.addDelta(tc)
			}

		case streamError:
			c.logger.Error().Err(evt.err).Str("line", evt.line).Msg("stream parsing error")
			c.dispatchError(fmt.Sprintf("error parsing response stream: %v", evt.err))

		case streamDone:
			// parseSSE closes the channel right after.
		}
	}

	if segmentType == events.TypeMessage {
		c.finalizeSegment(segmentID, segmentType, content.String())
	}

	finalContent := content.String()
	finalCalls := accumulator.finalCalls()

	// Fallback: the model may have written the calls as text instead of
	// structured deltas.
	if len(finalCalls) == 0 && strings.Contains(finalContent, "<tool_call>") {
		c.logger.Warn().Msg("no structured tool calls but <tool_call> tags present in text, parsing")
		finalCalls = ExtractToolCalls(finalContent, c.logger)
		if len(finalCalls) > 0 {
			finalContent = StripToolCallRegion(finalContent)
			if c.bus != nil {
				for _, call := range finalCalls {
					args, argErr := call.ParsedArguments()
					if argErr != nil {
						args = map[string]interface{}{"args_str": call.Function.Arguments}
					}
					c.bus.Dispatch(events.Action(events.StatusInProgress, "Tool Call: "+call.Function.Name, call.Function.Name, args))
				}
				if finalContent == "" {
					c.finalizeSegment(uuid.NewString(), events.TypeMessage, "please retry")
				}
			}
		} else {
			c.finalizeSegment(uuid.NewString(), events.TypeMessage, "tool call parsing failed, please retry")
		}
	}

	c.logger.Info().
		Int("content_len", len(finalContent)).
		Int("tool_calls", len(finalCalls)).
		Msg("streaming completed")

	return &Completion{Content: finalContent, ToolCalls: finalCalls}, nil
}

func (c *Client) finalizeSegment(id string, typ events.Type, content string) {
	if c.bus == nil {
		return
	}
	e := events.NewWithID(id, typ, events.StatusSuccess, content)
	if typ == events.TypeMessage {
		e.Role = "assistant"
	}
	c.bus.Dispatch(e)
}

func (c *Client) dispatchError(content string) {
	if c.bus == nil {
		return
	}
	c.bus.Dispatch(events.Error(content))
}

// Models lists the model identifiers the backend reports.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	var envelope struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	resp, err := c.http.R().SetContext(ctx).SetResult(&envelope).Get(modelsPath)
	if err != nil {
		return nil, errdefs.WrapLogOnly(err, "list models")
	}
	if resp.StatusCode() != 200 {
		return nil, errdefs.LogOnlyf("list models: HTTP %d", resp.StatusCode())
	}
	names := make([]string, 0, len(envelope.Data))
	for _, m := range envelope.Data {
		names = append(names, m.ID)
	}
	return names, nil
}

// LoadModel asks the local backend to load the configured model. Cloud
// providers skip with a warning.
func (c *Client) LoadModel(ctx context.Context) error {
	if c.opts.Provider != ProviderLocal {
		c.logger.Warn().Msg("model loading is only supported for the local provider, skipping")
		return nil
	}
	payload := map[string]interface{}{
		"model_name":        c.opts.Model,
		"inference_configs": map[string]interface{}{"n_ctx": c.opts.ContextLength},
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(payload).Post(setModelPath)
	if err != nil {
		return errdefs.WrapLogOnly(err, "request model load")
	}
	if resp.StatusCode() != 200 {
		return errdefs.LogOnlyf("model load failed: HTTP %d: %s", resp.StatusCode(), truncateForLog(string(resp.Body()), 200))
	}
	return nil
}

// RestoreCache primes the local backend's KV cache with the current
// conversation. Best-effort: failures are logged, never fatal.
func (c *Client) RestoreCache(ctx context.Context, messages []conversation.WireMessage, tools []ToolSpec) {
	if c.opts.Provider != ProviderLocal {
		c.logger.Warn().Msg("cache restore is only supported for the local provider, skipping")
		return
	}
	payload := map[string]interface{}{
		"messages":          messages,
		"tools":             tools,
		"inference_configs": c.opts.Inference,
	}
	resp, err := c.http.R().SetContext(ctx).SetBody(payload).Post(restoreCachePath)
	if err != nil {
		c.logger.Error().Err(err).Msg("cache restore failed")
		return
	}
	if resp.StatusCode() != 200 {
		c.logger.Error().Int("status", resp.StatusCode()).Msg("cache restore rejected")
	}
}
