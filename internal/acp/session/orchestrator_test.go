package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acphost/internal/acp/adapter"
	"github.com/kandev/acphost/internal/acp/conn"
	apperrors "github.com/kandev/acphost/internal/common/errors"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/events/eventstest"
	"github.com/kandev/acphost/internal/persistence"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

type promptCall struct {
	SessionID string
	Blocks    []acp.ContentBlock
}

// fakeConn scripts the agent side of the orchestrator.
type fakeConn struct {
	mu          sync.Mutex
	sink        events.Sink
	cwd         string
	connected   bool
	connects    int
	init        *conn.InitializeResult
	nextSession int
	newSessions []string
	prompts     []promptCall
	promptErrs  []error
	cancels     []string
	modes       []string
	disposed    bool
}

func (f *fakeConn) Connect(context.Context) (*conn.InitializeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.connected = true
	return f.init, nil
}

func (f *fakeConn) Initialized() (*conn.InitializeResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.init, f.connected
}

func (f *fakeConn) Cwd() string               { return f.cwd }
func (f *fakeConn) Profile() *adapter.Profile { return adapter.Generic }

func (f *fakeConn) Authenticate(context.Context, string) error { return nil }

func (f *fakeConn) NewSession(_ context.Context, cwd string, _ []conn.McpServer) (*conn.NewSessionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, conn.ErrNotConnected
	}
	f.nextSession++
	f.newSessions = append(f.newSessions, cwd)
	return &conn.NewSessionResult{
		SessionID: fmt.Sprintf("sess-%d", f.nextSession),
		Modes: &conn.ModeState{
			CurrentModeID:  "default",
			AvailableModes: []conn.SessionMode{{ID: "default", Name: "Default"}, {ID: "plan", Name: "Plan"}},
		},
	}, nil
}

func (f *fakeConn) Prompt(_ context.Context, sessionID string, blocks []acp.ContentBlock) (*conn.PromptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, promptCall{SessionID: sessionID, Blocks: blocks})
	if len(f.promptErrs) > 0 {
		err := f.promptErrs[0]
		f.promptErrs = f.promptErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &conn.PromptResult{StopReason: "end_turn"}, nil
}

func (f *fakeConn) Cancel(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, sessionID)
	return nil
}

func (f *fakeConn) SetMode(_ context.Context, _, modeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modes = append(f.modes, modeID)
	return nil
}

func (f *fakeConn) ListModels(context.Context, string) ([]conn.ModelInfo, error) {
	return []conn.ModelInfo{{ID: "m1"}}, nil
}

func (f *fakeConn) SelectModel(context.Context, string, string) error { return nil }

func (f *fakeConn) RespondPermission(string, conn.PermissionOutcome) (bool, error) { return true, nil }

func (f *fakeConn) PendingPermissions() []string { return nil }

func (f *fakeConn) Dispose(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
	f.connected = false
	return nil
}

func notFound() error {
	return &jsonrpc.CallError{
		Method: jsonrpc.MethodSessionPrompt,
		Kind:   jsonrpc.KindSessionNotFound,
		Err:    jsonrpc.NewError(jsonrpc.InternalError, "Session not found"),
	}
}

func authRequired() error {
	return &jsonrpc.CallError{
		Method: jsonrpc.MethodSessionPrompt,
		Kind:   jsonrpc.KindAuthRequired,
		Err:    &jsonrpc.Error{Code: jsonrpc.CodeAuthRequired, Message: "Authentication required"},
	}
}

type harness struct {
	o     *Orchestrator
	fake  *fakeConn
	rec   *eventstest.Recorder
	store *persistence.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	fake := &fakeConn{
		cwd: "/tmp/proj",
		init: &conn.InitializeResult{
			ProtocolVersion: []byte("1"),
			AuthMethods:     []conn.AuthMethod{{ID: "api-key", Name: "API key"}},
		},
	}
	if opts.Store == nil {
		opts.Store = persistence.NewMemoryStore()
	}
	if opts.AgentID == "" {
		opts.AgentID = "mock"
	}
	rec := eventstest.NewRecorder()
	o := New(opts, rec, func(sink events.Sink) Connection {
		fake.sink = sink
		return fake
	}, logger.NewNop())
	t.Cleanup(func() { _ = o.Dispose(context.Background()) })
	return &harness{o: o, fake: fake, rec: rec, store: opts.Store}
}

func (h *harness) thread(t *testing.T, sessionID string) []*persistence.ThreadEntry {
	t.Helper()
	entries, err := h.o.Thread(context.Background(), sessionID)
	require.NoError(t, err)
	return entries
}

func hello() []acp.ContentBlock { return []acp.ContentBlock{acp.TextBlock("hello")} }

func TestPrompt_CreatesSessionLazily(t *testing.T) {
	h := newHarness(t, Options{})
	_, ok := h.o.ActiveSession()
	assert.False(t, ok)

	res, err := h.o.Prompt(context.Background(), hello())
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res.StopReason)

	assert.Equal(t, []string{"/tmp/proj"}, h.fake.newSessions)
	require.Len(t, h.fake.prompts, 1)
	assert.Equal(t, "sess-1", h.fake.prompts[0].SessionID)

	active, ok := h.o.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, "sess-1", active.SessionID)
	require.Len(t, h.rec.OfKind(events.SessionActivated), 1)

	entries := h.thread(t, "")
	require.Len(t, entries, 1)
	assert.Equal(t, persistence.RoleUser, entries[0].Role)
	assert.Equal(t, "prompt", entries[0].Kind)

	last, err := h.o.LastSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "sess-1", last.SessionID)

	// A second prompt reuses the session.
	_, err = h.o.Prompt(context.Background(), hello())
	require.NoError(t, err)
	assert.Len(t, h.fake.newSessions, 1)
}

func TestPrompt_RecoversOnceFromNotFound(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.promptErrs = []error{notFound(), nil}

	res, err := h.o.Prompt(context.Background(), hello())
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res.StopReason)

	require.Len(t, h.fake.prompts, 2)
	assert.Equal(t, "sess-1", h.fake.prompts[0].SessionID)
	assert.Equal(t, "sess-2", h.fake.prompts[1].SessionID)
	assert.Equal(t, h.fake.prompts[0].Blocks, h.fake.prompts[1].Blocks)

	recovered := h.rec.OfKind(events.SessionRecovered)
	require.Len(t, recovered, 1)
	ev := recovered[0].Payload.(RecoveredEvent)
	assert.Equal(t, "sess-1", ev.OldSessionID)
	assert.Equal(t, "sess-2", ev.NewSessionID)
	assert.Contains(t, ev.Reason, "Session not found")

	active, _ := h.o.ActiveSession()
	assert.Equal(t, "sess-2", active.SessionID)
	assert.Len(t, h.thread(t, "sess-1"), 1)
	assert.Len(t, h.thread(t, "sess-2"), 1)

	last, err := h.o.LastSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sess-2", last.SessionID)
}

func TestPrompt_SecondNotFoundIsNotRetried(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.promptErrs = []error{notFound(), notFound()}

	_, err := h.o.Prompt(context.Background(), hello())
	require.Error(t, err)
	assert.Equal(t, jsonrpc.KindSessionNotFound, jsonrpc.KindOf(err))
	assert.Len(t, h.fake.prompts, 2)
	assert.Len(t, h.fake.newSessions, 2)
	assert.Len(t, h.rec.OfKind(events.SessionRecovered), 1)
}

func TestPrompt_AuthRequiredIsNormalized(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.promptErrs = []error{authRequired()}

	_, err := h.o.Prompt(context.Background(), hello())
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "Authentication required", authErr.Message)
	require.Len(t, authErr.AuthMethods, 1)
	assert.Equal(t, "api-key", authErr.AuthMethods[0].ID)
	assert.Equal(t, jsonrpc.KindAuthRequired, jsonrpc.KindOf(authErr.Cause))
	assert.Len(t, h.fake.prompts, 1, "auth failures are not retried")

	entries := h.thread(t, "sess-1")
	require.Len(t, entries, 2)
	assert.Equal(t, persistence.RoleSystem, entries[1].Role)
	assert.Equal(t, "auth_required", entries[1].Kind)
	assert.Contains(t, string(entries[1].Payload), `"auth_required":true`)
}

func TestPrompt_OtherErrorsPassThrough(t *testing.T) {
	h := newHarness(t, Options{})
	boom := errors.New("boom")
	h.fake.promptErrs = []error{boom}

	_, err := h.o.Prompt(context.Background(), hello())
	assert.Same(t, boom, err)
	assert.Len(t, h.fake.prompts, 1)
}

func TestPrompt_RejectsEmptyPrompt(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.o.Prompt(context.Background(), nil)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeValidationError, appErr.Code)
	assert.Zero(t, h.fake.connects)
	assert.Empty(t, h.fake.newSessions)
}

func TestAuthRequiredError_JSON(t *testing.T) {
	data, err := (&AuthRequiredError{Message: "login"}).MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"auth_required":true,"message":"login","auth_methods":[]}`, string(data))
}

func TestPrompt_ReplacesSessionAfterAgentRestart(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.o.Prompt(context.Background(), hello())
	require.NoError(t, err)

	// A respawned agent completes a fresh handshake and has no sessions.
	h.fake.mu.Lock()
	h.fake.init = &conn.InitializeResult{ProtocolVersion: []byte("1")}
	h.fake.mu.Unlock()

	_, err = h.o.Prompt(context.Background(), hello())
	require.NoError(t, err)
	require.Len(t, h.fake.prompts, 2)
	assert.Equal(t, "sess-2", h.fake.prompts[1].SessionID)

	recovered := h.rec.OfKind(events.SessionRecovered)
	require.Len(t, recovered, 1)
	ev := recovered[0].Payload.(RecoveredEvent)
	assert.Equal(t, "sess-1", ev.OldSessionID)
	assert.Equal(t, "sess-2", ev.NewSessionID)

	require.NoError(t, h.o.SetMode(context.Background(), "", "plan"))
	assert.Len(t, h.fake.newSessions, 2)
}

func TestForwardingConnectsFirst(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.o.ListModels(context.Background(), "explicit")
	require.NoError(t, err)
	assert.Equal(t, 1, h.fake.connects)

	_, err = h.o.Thread(context.Background(), "explicit")
	require.NoError(t, err)
	assert.Equal(t, 1, h.fake.connects, "reading the thread does not start the agent")
}

func TestForwardingUsesActiveOrExplicitSession(t *testing.T) {
	h := newHarness(t, Options{})

	err := h.o.Cancel("")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)

	require.NoError(t, h.o.Cancel("explicit"))
	_, err = h.o.EnsureActiveSession(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.o.Cancel(""))
	assert.Equal(t, []string{"explicit", "sess-1"}, h.fake.cancels)

	require.NoError(t, h.o.SetMode(context.Background(), "", "plan"))
	active, _ := h.o.ActiveSession()
	assert.Equal(t, "plan", active.Modes.CurrentModeID)
	snap, err := h.o.Modes(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "plan", snap.CurrentModeID)
	assert.Len(t, snap.AvailableModes, 2)

	models, err := h.o.ListModels(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, models, 1)

	assert.Error(t, h.o.SelectModel(context.Background(), "", ""))
	assert.Error(t, h.o.SetMode(context.Background(), "", ""))
}

func TestSessionUpdatesArePersistedAndForwarded(t *testing.T) {
	h := newHarness(t, Options{})
	id, err := h.o.EnsureActiveSession(context.Background())
	require.NoError(t, err)

	h.fake.sink.Emit(events.SessionUpdate, conn.SessionUpdateEvent{
		SessionID: id,
		Kind:      "agent_message_chunk",
		Update:    []byte(`{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"hi"}}`),
	})
	h.fake.sink.Emit(events.SessionUpdate, conn.SessionUpdateEvent{
		SessionID: id,
		Kind:      kindCurrentModeUpdate,
		Update:    []byte(`{"sessionUpdate":"current_mode_update","currentModeId":"plan"}`),
	})
	h.fake.sink.Emit(events.AgentStderr, conn.StderrEvent{Line: "noise"})

	assert.Len(t, h.rec.OfKind(events.SessionUpdate), 2)
	assert.Len(t, h.rec.OfKind(events.AgentStderr), 1)

	entries := h.thread(t, id)
	require.Len(t, entries, 2)
	assert.Equal(t, persistence.RoleAgent, entries[0].Role)
	assert.Equal(t, "agent_message_chunk", entries[0].Kind)

	snap, err := h.o.Modes(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "plan", snap.CurrentModeID)
	active, _ := h.o.ActiveSession()
	assert.Equal(t, "plan", active.Modes.CurrentModeID)
}

type workspaceHost string

func (w workspaceHost) WorkspaceRoot() (string, bool) { return string(w), w != "" }

func TestSessionCwdResolution(t *testing.T) {
	h := newHarness(t, Options{Host: workspaceHost("/workspace")})
	h.fake.cwd = ""
	_, err := h.o.EnsureActiveSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/workspace"}, h.fake.newSessions)

	h2 := newHarness(t, Options{Cwd: "/explicit", Host: workspaceHost("/workspace")})
	_, err = h2.o.EnsureActiveSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/explicit"}, h2.fake.newSessions)
}

func TestEnsureActiveSession_Concurrent(t *testing.T) {
	h := newHarness(t, Options{})
	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], _ = h.o.EnsureActiveSession(context.Background())
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		assert.Equal(t, "sess-1", id)
	}
	assert.Len(t, h.fake.newSessions, 1)
}

func TestDispose_ResetsActiveSession(t *testing.T) {
	h := newHarness(t, Options{})
	_, err := h.o.EnsureActiveSession(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.o.Dispose(ctx))
	_, ok := h.o.ActiveSession()
	assert.False(t, ok)
	assert.True(t, h.fake.disposed)

	// Events after disposal are still forwarded but not persisted.
	h.fake.sink.Emit(events.AgentExit, conn.ExitEvent{})
	assert.Len(t, h.rec.OfKind(events.AgentExit), 1)
}
