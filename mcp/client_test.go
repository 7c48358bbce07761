package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillware/quill/internal/errdefs"
)

// fakeServer answers JSON-RPC requests over in-process pipes, standing in
// for a spawned tool-server child.
type fakeServer struct {
	in      *io.PipeReader // what the client wrote
	out     *io.PipeWriter // what the client will read
	handler func(req rpcRequest) (interface{}, *RPCError)
}

func newFakeSession(t *testing.T, handler func(req rpcRequest) (interface{}, *RPCError)) (*Session, *fakeServer) {
	t.Helper()

	clientIn, serverOut := io.Pipe()  // server -> client
	serverIn, clientOut := io.Pipe()  // client -> server

	s := NewSession("python3", "fake_server.py", zerolog.Nop())
	s.stdin = clientOut
	s.stdout = clientIn

	srv := &fakeServer{in: serverIn, out: serverOut, handler: handler}
	go srv.serve()
	go s.readLoop()
	t.Cleanup(func() {
		_ = clientOut.Close()
		_ = serverOut.Close()
	})
	return s, srv
}

func (f *fakeServer) serve() {
	scanner := bufio.NewScanner(f.in)
	for scanner.Scan() {
		var req rpcRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		if req.ID == nil {
			continue // notification
		}
		result, rpcErr := f.handler(req)
		reply := map[string]interface{}{"jsonrpc": "2.0", "id": *req.ID}
		if rpcErr != nil {
			reply["error"] = rpcErr
		} else {
			reply["result"] = result
		}
		data, _ := json.Marshal(reply)
		_, _ = f.out.Write(append(data, '\n'))
	}
}

func TestSession_CallRoundTrip(t *testing.T) {
	s, _ := newFakeSession(t, func(req rpcRequest) (interface{}, *RPCError) {
		assert.Equal(t, "tools/list", req.Method)
		return listToolsResult{Tools: []Tool{{Name: "beep", Description: "beeps"}}}, nil
	})

	var result listToolsResult
	err := s.call(context.Background(), "tools/list", struct{}{}, &result)
	require.NoError(t, err)
	require.Len(t, result.Tools, 1)
	assert.Equal(t, "beep", result.Tools[0].Name)
}

func TestSession_CallServerError(t *testing.T) {
	s, _ := newFakeSession(t, func(req rpcRequest) (interface{}, *RPCError) {
		return nil, &RPCError{Code: -32601, Message: "method not found"}
	})

	err := s.call(context.Background(), "nope", struct{}{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "method not found")
}

func TestSession_CallToolRequiresReady(t *testing.T) {
	s := NewSession("python3", "x.py", zerolog.Nop())
	_, err := s.CallTool(context.Background(), "beep", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state new")
}

func TestSession_CallToolExtractsText(t *testing.T) {
	s, _ := newFakeSession(t, func(req rpcRequest) (interface{}, *RPCError) {
		var params callToolParams
		_ = json.Unmarshal(req.Params, &params)
		assert.Equal(t, "get_wifi_networks", params.Name)
		return CallToolResult{Content: []ContentChunk{
			{Type: "text", Text: "SSID1"},
			{Type: "text", Text: "SSID2"},
		}}, nil
	})
	s.state.Store(int32(StateReady))

	out, err := s.CallTool(context.Background(), "get_wifi_networks", map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, "SSID1\nSSID2", out)
}

func TestSession_CallToolErrorResult(t *testing.T) {
	s, _ := newFakeSession(t, func(req rpcRequest) (interface{}, *RPCError) {
		return CallToolResult{
			IsError: true,
			Content: []ContentChunk{{Type: "text", Text: "device busy"}},
		}, nil
	})
	s.state.Store(int32(StateReady))

	_, err := s.CallTool(context.Background(), "beep", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
}

func TestSession_EOFFailsPendingCalls(t *testing.T) {
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	s := NewSession("python3", "fake_server.py", zerolog.Nop())
	s.stdin = clientOut
	s.stdout = clientIn
	s.state.Store(int32(StateReady))
	go s.readLoop()

	// Swallow the outgoing request, never answer, then close the server
	// side: the pending slot must complete with a session-closed error
	// instead of hanging.
	go func() { _, _ = io.Copy(io.Discard, serverIn) }()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = serverOut.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.CallTool(ctx, "beep", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session closed")
	_ = clientOut.Close()
}

func TestSession_NotificationsRouted(t *testing.T) {
	gotMethod := make(chan string, 1)

	clientIn, serverOut := io.Pipe()
	s := NewSession("python3", "x.py", zerolog.Nop())
	s.stdout = clientIn
	s.SetNotificationHandler(func(method string, params json.RawMessage) {
		gotMethod <- method
	})
	go s.readLoop()

	_, err := serverOut.Write([]byte(`{"jsonrpc":"2.0","method":"notifications/progress","params":{}}` + "\n"))
	require.NoError(t, err)

	select {
	case method := <-gotMethod:
		assert.Equal(t, "notifications/progress", method)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
	_ = serverOut.Close()
}

func TestSession_ConnectMissingScript(t *testing.T) {
	s := NewSession("python3", "/nonexistent/wifi_server.py", zerolog.Nop())
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsUserVisible(err))
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_ConnectRejectsNonPython(t *testing.T) {
	s := NewSession("python3", "/tmp/server.sh", zerolog.Nop())
	err := s.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errdefs.IsUserVisible(err))
	assert.Contains(t, err.Error(), ".py")
}

func TestDeriveServerName(t *testing.T) {
	dir := t.TempDir()

	script := filepath.Join(dir, "wifi_server.py")
	require.NoError(t, os.WriteFile(script, []byte("print('hi')\n"), 0o644))
	s := NewSession("python3", script, zerolog.Nop())
	assert.Equal(t, "Wifi", s.deriveServerName("cli"), "titleized filename stem")

	named := filepath.Join(dir, "led_server.py")
	require.NoError(t, os.WriteFile(named, []byte("SERVER_NAME = \"LED Controller\"\n"), 0o644))
	s = NewSession("python3", named, zerolog.Nop())
	assert.Equal(t, "LED Controller", s.deriveServerName("cli"), "explicit SERVER_NAME wins")

	assert.Equal(t, "Speech Output", s.deriveServerName("Speech Output"), "non-generic name kept")
}

func TestFlattenContent(t *testing.T) {
	out := flattenContent([]ContentChunk{
		{Type: "text", Text: "a"},
		{Type: "text", Text: "b"},
	})
	assert.Equal(t, "a\nb", out)

	out = flattenContent([]ContentChunk{{Type: "image", Data: "xxx", MimeType: "image/png"}})
	assert.Contains(t, out, "image/png", "non-text chunks fall back to JSON")
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "failed", StateFailed.String())
}
