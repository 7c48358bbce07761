package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/quillware/quill/internal/errdefs"
)

// State tracks the session lifecycle.
type State int32

const (
	StateNew State = iota
	StateConnecting
	StateReady
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Timeouts of the session lifecycle.
const (
	ConnectTimeout = 30 * time.Second
	// exitGraceSoft is how long the child gets after stdin closes before the
	// terminate signal; exitGraceHard is how long it gets after terminate
	// before kill.
	exitGraceSoft = 3 * time.Second
	exitGraceHard = 1 * time.Second
)

// ErrSessionClosed completes pending request slots when the session ends
// before a reply arrives.
var ErrSessionClosed = fmt.Errorf("mcp session closed")

// NotificationHandler receives server-initiated notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Session manages one MCP tool server child process.
type Session struct {
	scriptPath  string
	interpreter string
	clientInfo  Implementation

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	idGen   atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan *rpcMessage

	state      atomic.Int32
	serverName string
	serverCaps ServerCapabilities
	tools      []Tool

	notify     NotificationHandler
	readerDone chan struct{}
	logger     zerolog.Logger
}

// NewSession prepares (but does not start) a session for the given tool
// server script, launched with the host interpreter.
func NewSession(interpreter, scriptPath string, logger zerolog.Logger) *Session {
	return &Session{
		scriptPath:  scriptPath,
		interpreter: interpreter,
		clientInfo:  Implementation{Name: "quill", Version: "1.0.0"},
		pending:     make(map[int64]chan *rpcMessage),
		readerDone:  make(chan struct{}),
		logger:      logger.With().Str("component", "mcp").Str("script", filepath.Base(scriptPath)).Logger(),
	}
}

// SetNotificationHandler registers a handler for server notifications.
// Must be called before Connect.
func (s *Session) SetNotificationHandler(h NotificationHandler) { s.notify = h }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// ServerName returns the connected server's display name.
func (s *Session) ServerName() string { return s.serverName }

// Tools returns the descriptors from the first listing.
func (s *Session) Tools() []Tool { return s.tools }

// Connect spawns the child, performs the initialize handshake and the
// first tool listing, and moves the session to READY. Any failure moves it
// to FAILED.
func (s *Session) Connect(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateNew), int32(StateConnecting)) {
		return fmt.Errorf("connect from state %s", s.State())
	}

	if !strings.HasSuffix(s.scriptPath, ".py") {
		s.state.Store(int32(StateFailed))
		return errdefs.UserVisiblef("tool server script must be a .py file: %s", s.scriptPath)
	}
	if _, err := os.Stat(s.scriptPath); err != nil {
		s.state.Store(int32(StateFailed))
		return errdefs.UserVisiblef("tool server script not found: %s", s.scriptPath)
	}

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	if err := s.spawn(); err != nil {
		s.state.Store(int32(StateFailed))
		return errdefs.WrapLogOnly(err, "spawn tool server")
	}
	go s.readLoop()

	var init initializeResult
	err := s.call(ctx, "initialize", initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      s.clientInfo,
	}, &init)
	if err != nil {
		s.failAndReap()
		return errdefs.WrapLogOnly(err, "initialize handshake failed")
	}
	s.serverCaps = init.Capabilities
	s.serverName = s.deriveServerName(init.ServerInfo.Name)

	if err := s.notifyServer("notifications/initialized", nil); err != nil {
		s.failAndReap()
		return errdefs.WrapLogOnly(err, "send initialized notification")
	}

	tools, err := s.listTools(ctx)
	if err != nil {
		// A server without a working tool listing is useless to us.
		s.failAndReap()
		return errdefs.WrapLogOnly(err, "initial tool listing failed")
	}
	s.tools = tools

	s.state.Store(int32(StateReady))
	s.logger.Info().Str("server", s.serverName).Int("tools", len(tools)).Msg("mcp session ready")
	return nil
}

func (s *Session) spawn() error {
	s.cmd = exec.Command(s.interpreter, s.scriptPath)
	s.cmd.Env = selectEnv()

	var err error
	if s.stdin, err = s.cmd.StdinPipe(); err != nil {
		return err
	}
	if s.stdout, err = s.cmd.StdoutPipe(); err != nil {
		return err
	}
	s.cmd.Stderr = &stderrLogger{logger: s.logger}

	s.logger.Debug().Str("interpreter", s.interpreter).Msg("starting tool server")
	return s.cmd.Start()
}

// selectEnv inherits only the variables a tool server plausibly needs.
func selectEnv() []string {
	keep := []string{"PATH", "HOME", "LANG", "LC_ALL", "PYTHONPATH", "VIRTUAL_ENV", "TMPDIR", "USER"}
	var env []string
	for _, key := range keep {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// deriveServerName improves on a generic placeholder name: scan the script
// for a SERVER_NAME assignment, else titleize the filename stem.
func (s *Session) deriveServerName(reported string) string {
	if reported != "" && reported != "cli" {
		return reported
	}

	if data, err := os.ReadFile(s.scriptPath); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(line, "SERVER_NAME =") || strings.HasPrefix(line, "SERVER_NAME=") {
				_, value, _ := strings.Cut(line, "=")
				value = strings.Trim(strings.TrimSpace(value), `"'`)
				if value != "" {
					return value
				}
			}
		}
	}

	stem := strings.TrimSuffix(filepath.Base(s.scriptPath), filepath.Ext(s.scriptPath))
	stem = strings.TrimSuffix(stem, "_server")
	words := strings.Split(strings.ReplaceAll(stem, "-", "_"), "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	if name := strings.Join(words, " "); name != "" {
		return name
	}
	return reported
}

// call sends a request and blocks until the reply slot completes or ctx
// expires.
func (s *Session) call(ctx context.Context, method string, params, result interface{}) error {
	id := s.idGen.Add(1)

	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		rawParams = encoded
	}

	slot := make(chan *rpcMessage, 1)
	s.mu.Lock()
	s.pending[id] = slot
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.send(rpcRequest{JSONRPC: "2.0", Method: method, Params: rawParams, ID: &id}); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case reply := <-slot:
		if reply.Error != nil {
			return fmt.Errorf("mcp error (%d): %w", reply.Error.Code, reply.Error)
		}
		if result != nil {
			return json.Unmarshal(reply.Result, result)
		}
		return nil
	}
}

func (s *Session) notifyServer(method string, params interface{}) error {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return err
		}
		rawParams = encoded
	}
	return s.send(rpcRequest{JSONRPC: "2.0", Method: method, Params: rawParams})
}

func (s *Session) send(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.logger.Trace().RawJSON("frame", data).Msg("mcp send")
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to tool server: %w", err)
	}
	return nil
}

// readLoop drains the child's stdout, delivering replies to their pending
// slots and notifications to the handler. On EOF every pending slot is
// completed with a cancellation error.
func (s *Session) readLoop() {
	defer close(s.readerDone)

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s.logger.Trace().RawJSON("frame", line).Msg("mcp recv")

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			s.logger.Warn().Err(err).Msg("undecodable frame from tool server")
			continue
		}

		switch {
		case msg.ID != nil && (msg.Result != nil || msg.Error != nil):
			s.mu.Lock()
			slot, ok := s.pending[*msg.ID]
			s.mu.Unlock()
			if !ok {
				s.logger.Warn().Int64("id", *msg.ID).Msg("reply with no pending request")
				continue
			}
			slot <- &msg
		case msg.Method != "":
			if s.notify != nil {
				s.notify(msg.Method, msg.Params)
			} else {
				s.logger.Debug().Str("method", msg.Method).Msg("ignoring server notification")
			}
		default:
			s.logger.Warn().Msg("frame with neither reply nor method from tool server")
		}
	}

	if err := scanner.Err(); err != nil {
		s.logger.Error().Err(err).Msg("tool server stdout read failed")
		if s.State() == StateReady {
			s.state.Store(int32(StateFailed))
		}
	}

	s.failPending(ErrSessionClosed)
}

func (s *Session) failPending(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, slot := range s.pending {
		slot <- &rpcMessage{ID: &id, Error: &RPCError{Code: -32000, Message: cause.Error()}}
		delete(s.pending, id)
	}
}

func (s *Session) listTools(ctx context.Context) ([]Tool, error) {
	var result listToolsResult
	if err := s.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// ListTools refreshes and returns the tool descriptors. READY only.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	if s.State() != StateReady {
		return nil, fmt.Errorf("list tools in state %s", s.State())
	}
	tools, err := s.listTools(ctx)
	if err != nil {
		return nil, err
	}
	s.tools = tools
	return tools, nil
}

// ListResources returns the server's resources. Failures are non-fatal: an
// empty list is substituted and a warning logged.
func (s *Session) ListResources(ctx context.Context) []Resource {
	var result listResourcesResult
	if err := s.call(ctx, "resources/list", struct{}{}, &result); err != nil {
		s.logger.Warn().Err(err).Msg("failed to list resources")
		return nil
	}
	return result.Resources
}

// ListPrompts returns the server's prompts. Failures are non-fatal.
func (s *Session) ListPrompts(ctx context.Context) []Prompt {
	var result listPromptsResult
	if err := s.call(ctx, "prompts/list", struct{}{}, &result); err != nil {
		s.logger.Warn().Err(err).Msg("failed to list prompts")
		return nil
	}
	return result.Prompts
}

// GetPrompt renders a named prompt with the given arguments.
func (s *Session) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*GetPromptResult, error) {
	var result GetPromptResult
	params := map[string]interface{}{"name": name}
	if len(args) > 0 {
		params["arguments"] = args
	}
	if err := s.call(ctx, "prompts/get", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CallTool invokes a named tool and returns the textual extraction of its
// result: text chunks joined with newlines, or a JSON rendering of the
// whole result when nothing textual is present. Only READY sessions accept
// calls.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	if s.State() != StateReady {
		return "", fmt.Errorf("call tool %q in state %s", name, s.State())
	}

	var result CallToolResult
	if err := s.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return "", fmt.Errorf("tools/call %q: %w", name, err)
	}

	text := flattenContent(result.Content)
	textual := false
	for _, chunk := range result.Content {
		if chunk.Type == "text" || chunk.Text != "" {
			textual = true
			break
		}
	}
	if !textual {
		if raw, err := json.Marshal(result); err == nil {
			text = string(raw)
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool %q reported an error: %s", name, text)
	}
	return text, nil
}

func flattenContent(chunks []ContentChunk) string {
	var parts []string
	for _, chunk := range chunks {
		if chunk.Type == "text" || chunk.Text != "" {
			parts = append(parts, chunk.Text)
			continue
		}
		if raw, err := json.Marshal(chunk); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}

// failAndReap marks the session failed and tears the child down.
func (s *Session) failAndReap() {
	s.state.Store(int32(StateFailed))
	s.teardown()
}

// Close ends the session: CLOSING, then an orderly child shutdown, then
// CLOSED. Pending requests complete with a cancellation error.
func (s *Session) Close() error {
	current := s.State()
	if current == StateClosed || current == StateClosing {
		return nil
	}
	s.state.Store(int32(StateClosing))
	err := s.teardown()
	s.state.Store(int32(StateClosed))
	return err
}

// teardown closes stdin to signal EOF, waits for a voluntary exit, then
// escalates to SIGTERM and SIGKILL, and finally sweeps orphaned children.
func (s *Session) teardown() error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.logger.Info().Msg("shutting down tool server")

	if s.stdin != nil {
		_ = s.stdin.Close()
	}

	exited := make(chan error, 1)
	go func() { exited <- s.cmd.Wait() }()

	select {
	case <-exited:
	case <-time.After(exitGraceSoft):
		s.logger.Warn().Msg("tool server did not exit after stdin close, terminating")
		_ = terminateProcess(s.cmd.Process)
		select {
		case <-exited:
		case <-time.After(exitGraceHard):
			s.logger.Warn().Msg("tool server ignored terminate, killing")
			_ = s.cmd.Process.Kill()
			<-exited
		}
	}

	<-s.readerDone
	s.failPending(ErrSessionClosed)
	sweepOrphans(s.logger)
	return nil
}

// stderrLogger forwards the child's stderr lines into the host log.
type stderrLogger struct {
	logger zerolog.Logger
	buf    bytes.Buffer
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: keep it buffered for the next write.
			w.buf.WriteString(line)
			break
		}
		if line = strings.TrimRight(line, "\n"); line != "" {
			w.logger.Debug().Str("stream", "stderr").Msg(line)
		}
	}
	return len(p), nil
}
