//go:build !windows

package conn

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acphost/internal/acp/adapter"
	"github.com/kandev/acphost/internal/acp/mockagent"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/events/eventstest"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// The test binary doubles as the agent: with ACPHOST_MOCK_AGENT=1 it serves
// ACP on stdio instead of running tests.
func TestMain(m *testing.M) {
	if os.Getenv(mockagent.EnvEnable) == "1" {
		os.Exit(mockagent.Main())
	}
	os.Exit(m.Run())
}

var mockProfile = &adapter.Profile{ID: "mock", Framing: jsonrpc.FramingLine, SupportsModels: true}

func mockOptions(t *testing.T, env map[string]string) Options {
	t.Helper()
	merged := map[string]string{mockagent.EnvEnable: "1"}
	for k, v := range env {
		merged[k] = v
	}
	return Options{
		AgentID:    "mock",
		Command:    os.Args[0],
		Env:        merged,
		Cwd:        t.TempDir(),
		Profile:    mockProfile,
		SpawnGrace: 50 * time.Millisecond,
	}
}

func connect(t *testing.T, opts Options) (*Connection, *eventstest.Recorder) {
	t.Helper()
	rec := eventstest.NewRecorder()
	c := New(opts, rec, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Dispose(ctx)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := c.Connect(ctx)
	require.NoError(t, err)
	return c, rec
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func prompt(t *testing.T, c *Connection, sessionID, text string) *PromptResult {
	t.Helper()
	res, err := c.Prompt(testCtx(t), sessionID, []acp.ContentBlock{acp.TextBlock(text)})
	require.NoError(t, err)
	return res
}

// lastText returns the text of the most recent agent_message_chunk.
func lastText(t *testing.T, rec *eventstest.Recorder) string {
	t.Helper()
	chunks := rec.OfKind(events.SessionUpdate)
	for i := len(chunks) - 1; i >= 0; i-- {
		ev := chunks[i].Payload.(SessionUpdateEvent)
		if ev.Kind != "agent_message_chunk" {
			continue
		}
		var u struct {
			Content struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		require.NoError(t, json.Unmarshal(ev.Update, &u))
		return u.Content.Text
	}
	t.Fatal("no agent message recorded")
	return ""
}

func TestConnect_HandshakeAndReuse(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))

	init, ok := c.Initialized()
	require.True(t, ok)
	assert.Equal(t, "1", string(init.ProtocolVersion))
	assert.True(t, c.Alive())
	require.Len(t, rec.OfKind(events.Initialized), 1)

	again, err := c.Connect(testCtx(t))
	require.NoError(t, err)
	assert.Same(t, init, again)

	reused := rec.OfKind(events.ConnectionReused)
	require.Len(t, reused, 1)
	assert.Equal(t, "already_connected", reused[0].Payload.(ConnectedEvent).Reason)
	assert.Len(t, rec.OfKind(events.Initialized), 1, "reuse must not respawn")
}

func TestConnect_AuthMethodsAreCached(t *testing.T) {
	c, _ := connect(t, mockOptions(t, map[string]string{mockagent.EnvAuth: "1"}))
	init, ok := c.Initialized()
	require.True(t, ok)
	require.Len(t, init.AuthMethods, 1)
	assert.Equal(t, "api-key", init.AuthMethods[0].ID)
}

func TestCallsBeforeConnect(t *testing.T) {
	c := New(mockOptions(t, nil), nil, logger.NewNop())
	_, err := c.NewSession(testCtx(t), "/tmp", nil)
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, jsonrpc.KindTransport, jsonrpc.KindOf(err))
	assert.ErrorIs(t, c.Cancel("sess-1"), ErrNotConnected)
}

func TestPrompt_Echo(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)
	require.NotNil(t, sess.Modes)
	assert.Equal(t, "default", sess.Modes.CurrentModeID)
	assert.Len(t, sess.Modes.AvailableModes, 2)

	res := prompt(t, c, sess.SessionID, "hello")
	assert.Equal(t, "end_turn", res.StopReason)
	assert.Equal(t, "echo: hello", lastText(t, rec))
}

func TestPrompt_UnknownSessionIsClassified(t *testing.T) {
	c, _ := connect(t, mockOptions(t, nil))
	_, err := c.Prompt(testCtx(t), "sess-missing", []acp.ContentBlock{acp.TextBlock("hi")})
	require.Error(t, err)
	assert.Equal(t, jsonrpc.KindSessionNotFound, jsonrpc.KindOf(err))
}

func TestInbound_FileSystem(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	require.NoError(t, os.WriteFile(filepath.Join(c.Cwd(), "notes.txt"), []byte("one\ntwo\nthree\nfour\n"), 0o644))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	prompt(t, c, sess.SessionID, "read notes.txt 2 2")
	assert.Equal(t, "two\nthree", lastText(t, rec))

	prompt(t, c, sess.SessionID, "write sub/out.txt hello world")
	assert.Equal(t, "ok", lastText(t, rec))
	data, err := os.ReadFile(filepath.Join(c.Cwd(), "sub", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	prompt(t, c, sess.SessionID, "read missing.txt")
	assert.True(t, strings.HasPrefix(lastText(t, rec), "error -32002 file not found"), lastText(t, rec))
}

func TestInbound_Terminal(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	prompt(t, c, sess.SessionID, "terminal printenv MOCK_TERMINAL")
	text := lastText(t, rec)
	assert.Contains(t, text, "exit=0")
	assert.Contains(t, text, "release=ok")
	assert.Contains(t, text, "after=error -32602")
	assert.Contains(t, text, "output=1\n")

	_, ok := rec.WaitFor(events.TerminalExit, nil, 2*time.Second)
	assert.True(t, ok)
}

func TestInbound_PermissionHeldUntilAnswered(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	done := make(chan *PromptResult, 1)
	go func() {
		res, _ := c.Prompt(testCtx(t), sess.SessionID, []acp.ContentBlock{acp.TextBlock("permission")})
		done <- res
	}()

	ev, ok := rec.WaitFor(events.PermissionRequest, nil, 5*time.Second)
	require.True(t, ok)
	req := ev.Payload.(PermissionRequestEvent)
	assert.Equal(t, sess.SessionID, req.SessionID)
	assert.Equal(t, "Edit main.go", req.Title)
	require.Len(t, req.Options, 2)
	assert.Equal(t, []string{req.RequestID}, c.PendingPermissions())

	select {
	case <-done:
		t.Fatal("prompt finished while permission was pending")
	case <-time.After(100 * time.Millisecond):
	}

	_, err = c.RespondPermission(req.RequestID, PermissionOutcome{OptionID: "bogus"})
	require.ErrorIs(t, err, ErrUnknownOption)
	assert.Len(t, c.PendingPermissions(), 1)

	answered, err := c.RespondPermission(req.RequestID, PermissionOutcome{OptionID: "allow"})
	require.NoError(t, err)
	assert.True(t, answered)

	again, err := c.RespondPermission(req.RequestID, PermissionOutcome{OptionID: "allow"})
	require.NoError(t, err)
	assert.False(t, again)

	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, "end_turn", res.StopReason)
	case <-time.After(5 * time.Second):
		t.Fatal("prompt did not finish after permission answer")
	}
	assert.Equal(t, "outcome=selected:allow", lastText(t, rec))
	assert.Empty(t, c.PendingPermissions())
}

func TestInbound_UnknownMethod(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	prompt(t, c, sess.SessionID, "call x/teleport")
	assert.Equal(t, "error -32601 method not implemented: x/teleport", lastText(t, rec))

	unhandled := rec.OfKind(events.UnhandledMethod)
	require.Len(t, unhandled, 1)
	assert.Equal(t, "x/teleport", unhandled[0].Payload.(UnhandledMethodEvent).Method)
}

func TestInbound_MalformedLineIsSkipped(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	res := prompt(t, c, sess.SessionID, "garbage")
	assert.Equal(t, "end_turn", res.StopReason)
	assert.Equal(t, "after garbage", lastText(t, rec))
	assert.NotEmpty(t, rec.OfKind(events.ProtocolError))
}

func TestSetMode(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	require.NoError(t, c.SetMode(testCtx(t), sess.SessionID, "plan"))
	_, ok := rec.WaitFor(events.SessionUpdate, func(p any) bool {
		return p.(SessionUpdateEvent).Kind == "current_mode_update"
	}, 2*time.Second)
	assert.True(t, ok)

	err = c.SetMode(testCtx(t), sess.SessionID, "yolo")
	var callErr *jsonrpc.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, jsonrpc.InvalidParams, callErr.RPCError().Code)
}

func TestModels_FallBackToLegacyMethods(t *testing.T) {
	c, _ := connect(t, mockOptions(t, map[string]string{mockagent.EnvModels: mockagent.ModelsAgent}))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	models, err := c.ListModels(testCtx(t), sess.SessionID)
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "mock-fast", models[0].ID)

	require.NoError(t, c.SelectModel(testCtx(t), sess.SessionID, "mock-smart"))

	err = c.SelectModel(testCtx(t), sess.SessionID, "nope")
	var callErr *jsonrpc.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, jsonrpc.InvalidParams, callErr.RPCError().Code, "the informative error wins over method-not-found")
}

func TestModels_Unsupported(t *testing.T) {
	opts := mockOptions(t, map[string]string{mockagent.EnvModels: mockagent.ModelsNone})
	opts.Profile = adapter.Generic
	c, _ := connect(t, opts)

	models, err := c.ListModels(testCtx(t), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, models)

	err = c.SelectModel(testCtx(t), "sess-1", "mock-fast")
	var callErr *jsonrpc.CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, jsonrpc.MethodNotFound, callErr.RPCError().Code)
}

func TestSnakeCaseHeaderFramedAgent(t *testing.T) {
	opts := mockOptions(t, map[string]string{
		mockagent.EnvFraming:   "header",
		mockagent.EnvSnakeCase: "1",
	})
	opts.Profile = &adapter.Profile{ID: "snake", Framing: jsonrpc.FramingHeader, SnakeCase: true, SupportsModels: true}
	c, rec := connect(t, opts)

	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)
	require.NotNil(t, sess.Modes)
	assert.Equal(t, "default", sess.Modes.CurrentModeID)

	prompt(t, c, sess.SessionID, "hi")
	assert.Equal(t, "echo: hi", lastText(t, rec))

	_, ok := rec.WaitFor(events.AgentStderr, func(p any) bool {
		return strings.Contains(p.(StderrEvent).Line, `"session_id"`)
	}, 2*time.Second)
	assert.True(t, ok, "outbound payloads are snake_case on the wire")

	_, ok = rec.WaitFor(events.AgentStderr, func(p any) bool {
		line := p.(StderrEvent).Line
		return strings.HasPrefix(line, "recv initialize ") &&
			strings.Contains(line, `"protocolVersion"`) && strings.Contains(line, `"clientCapabilities"`)
	}, 2*time.Second)
	assert.True(t, ok, "initialize is sent with protocol field names")

	_, err = c.Prompt(testCtx(t), sess.SessionID, []acp.ContentBlock{acp.ImageBlock("AA==", "image/png")})
	require.NoError(t, err)
	_, ok = rec.WaitFor(events.AgentStderr, func(p any) bool {
		line := p.(StderrEvent).Line
		return strings.HasPrefix(line, "recv session/prompt ") &&
			strings.Contains(line, `"mimeType":"image/png"`) && strings.Contains(line, `"session_id"`)
	}, 2*time.Second)
	assert.True(t, ok, "prompt blocks keep their own field names")
}

func TestSessionUpdate_AgentContentIsUntouched(t *testing.T) {
	update := `{"sessionUpdate":"tool_call","toolCallId":"t1","rawInput":{"file_path":"/a.go","old_string":"x"},"_meta":{"trace_id":"1"}}`
	cases := []struct {
		name    string
		profile *adapter.Profile
		params  string
	}{
		{"claude-code", &adapter.Profile{ID: "claude-code", Framing: jsonrpc.FramingLine}, `{"sessionId":"s1","update":` + update + `}`},
		{"snake", &adapter.Profile{ID: "snake", SnakeCase: true}, `{"session_id":"s1","update":` + update + `}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := eventstest.NewRecorder()
			c := New(Options{AgentID: "a", Command: "agent", Profile: tc.profile}, rec, logger.NewNop())
			d := &dispatcher{c: c}
			d.HandleNotification(context.Background(), &jsonrpc.Message{
				Method: jsonrpc.NotificationSessionUpdate,
				Params: json.RawMessage(tc.params),
			})

			got := rec.OfKind(events.SessionUpdate)
			require.Len(t, got, 1)
			ev := got[0].Payload.(SessionUpdateEvent)
			assert.Equal(t, "s1", ev.SessionID)
			assert.Equal(t, "tool_call", ev.Kind)
			assert.Equal(t, update, string(ev.Update))
		})
	}
}

func TestSpawn_FallsBackToShell(t *testing.T) {
	opts := mockOptions(t, nil)
	opts.Command = mockagent.EnvEnable + "=1 " + os.Args[0]
	opts.Env = nil
	c, _ := connect(t, opts)

	c.mu.Lock()
	viaShell := c.proc.viaShell
	c.mu.Unlock()
	assert.True(t, viaShell)
}

func TestSpawn_Failure(t *testing.T) {
	opts := mockOptions(t, nil)
	opts.Command = "/nonexistent/agent-binary"
	c := New(opts, nil, logger.NewNop())

	_, err := c.Connect(testCtx(t))
	require.Error(t, err)
	assert.False(t, c.Alive())
}

func TestSpawn_ExitDuringGrace(t *testing.T) {
	opts := mockOptions(t, map[string]string{mockagent.EnvExitCode: "7"})
	opts.SpawnGrace = time.Second
	c := New(opts, nil, logger.NewNop())

	_, err := c.Connect(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 7")
	assert.Contains(t, err.Error(), "exiting on request")
}

func TestSpawn_ExitDuringGraceIsNotRelaunched(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "launches")
	opts := mockOptions(t, nil)
	opts.Command = "sh"
	opts.Args = []string{"-c", "echo launched >> " + marker + "; echo boom >&2; exit 7"}
	opts.Env = nil
	opts.SpawnGrace = time.Second
	c := New(opts, nil, logger.NewNop())

	_, err := c.Connect(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit code 7")
	assert.Contains(t, err.Error(), "boom")

	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	assert.Equal(t, "launched\n", string(data))
}

func TestAgentExitRejectsPending(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	_, err = c.Prompt(testCtx(t), sess.SessionID, []acp.ContentBlock{acp.TextBlock("exit 3")})
	require.Error(t, err)
	assert.Equal(t, jsonrpc.KindTransport, jsonrpc.KindOf(err))
	_, ok := c.Initialized()
	assert.False(t, ok, "a closed stream is not connected even before the process is reaped")

	ev, ok := rec.WaitFor(events.AgentExit, nil, 5*time.Second)
	require.True(t, ok)
	exit := ev.Payload.(ExitEvent)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 3, *exit.ExitCode)

	require.Eventually(t, func() bool { return !c.Alive() }, 2*time.Second, 10*time.Millisecond)
	_, ok = c.Initialized()
	assert.False(t, ok)

	// A lost process can be replaced by connecting again.
	_, err = c.Connect(testCtx(t))
	require.NoError(t, err)
	assert.Len(t, rec.OfKind(events.Initialized), 2)
}

func TestDispose_RejectsPendingAndCancel(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Prompt(testCtx(t), sess.SessionID, []acp.ContentBlock{acp.TextBlock("hang")})
		errCh <- err
	}()
	_, ok := rec.WaitFor(events.AgentStderr, func(p any) bool {
		return strings.Contains(p.(StderrEvent).Line, "hang")
	}, 5*time.Second)
	require.True(t, ok)

	require.NoError(t, c.Dispose(testCtx(t)))
	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, jsonrpc.ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending prompt was not rejected")
	}
	assert.NotEmpty(t, rec.OfKind(events.AgentExit))

	_, err = c.Connect(testCtx(t))
	assert.ErrorIs(t, err, ErrDisposed)
	require.NoError(t, c.Dispose(testCtx(t)))
}

func TestCancel_StopsHangingTurn(t *testing.T) {
	c, rec := connect(t, mockOptions(t, nil))
	sess, err := c.NewSession(testCtx(t), c.Cwd(), nil)
	require.NoError(t, err)

	done := make(chan *PromptResult, 1)
	go func() {
		res, _ := c.Prompt(testCtx(t), sess.SessionID, []acp.ContentBlock{acp.TextBlock("hang")})
		done <- res
	}()
	_, ok := rec.WaitFor(events.AgentStderr, func(p any) bool {
		return strings.Contains(p.(StderrEvent).Line, "hang")
	}, 5*time.Second)
	require.True(t, ok)

	require.NoError(t, c.Cancel(sess.SessionID))
	select {
	case res := <-done:
		require.NotNil(t, res)
		assert.Equal(t, "cancelled", res.StopReason)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not end the turn")
	}
}

func TestLineWindow(t *testing.T) {
	intp := func(n int) *int { return &n }
	content := "a\nb\nc\nd"
	assert.Equal(t, "b\nc", lineWindow(content, intp(2), intp(2)))
	assert.Equal(t, "c\nd", lineWindow(content, intp(3), nil))
	assert.Equal(t, "a", lineWindow(content, nil, intp(1)))
	assert.Equal(t, "", lineWindow(content, intp(10), intp(1)))
}

func TestBestError(t *testing.T) {
	notFound := &jsonrpc.CallError{Method: "a", Err: jsonrpc.NewError(jsonrpc.MethodNotFound, "nope")}
	invalid := &jsonrpc.CallError{Method: "b", Err: jsonrpc.NewError(jsonrpc.InvalidParams, "bad model")}

	assert.Same(t, invalid, bestError([]error{notFound, invalid}))
	assert.Same(t, notFound, bestError([]error{notFound}))
	assert.NoError(t, bestError(nil))
}

func TestWireMcpServers(t *testing.T) {
	out := wireMcpServers([]McpServer{
		{Name: "fs", Command: "mcp-fs", Env: map[string]string{"B": "2", "A": "1"}},
		{Type: "http", Name: "docs", URL: "https://example.com/mcp"},
	})
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.JSONEq(t, `[
		{"name":"fs","command":"mcp-fs","args":[],"env":[{"name":"A","value":"1"},{"name":"B","value":"2"}]},
		{"type":"http","name":"docs","url":"https://example.com/mcp","headers":[]}
	]`, string(data))
}
