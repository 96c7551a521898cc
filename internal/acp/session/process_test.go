//go:build !windows

package session

import (
	"context"
	"os"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acphost/internal/acp/conn"
	"github.com/kandev/acphost/internal/acp/mockagent"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/events/eventstest"
	"github.com/kandev/acphost/internal/persistence"
)

func TestMain(m *testing.M) {
	if os.Getenv(mockagent.EnvEnable) == "1" {
		os.Exit(mockagent.Main())
	}
	os.Exit(m.Run())
}

func newMockOrchestrator(t *testing.T, env map[string]string) (*Orchestrator, *eventstest.Recorder) {
	t.Helper()
	merged := map[string]string{mockagent.EnvEnable: "1"}
	for k, v := range env {
		merged[k] = v
	}
	cwd := t.TempDir()
	rec := eventstest.NewRecorder()
	o := New(Options{AgentID: "mock", Store: persistence.NewMemoryStore()}, rec, func(sink events.Sink) Connection {
		return conn.New(conn.Options{
			AgentID:    "mock",
			Command:    os.Args[0],
			Env:        merged,
			Cwd:        cwd,
			SpawnGrace: 50 * time.Millisecond,
		}, sink, logger.NewNop())
	}, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Dispose(ctx)
	})
	return o, rec
}

func TestMockAgent_ConnectThenPrompt(t *testing.T) {
	o, rec := newMockOrchestrator(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	init, err := o.Connect(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, init.ProtocolVersion)
	_, ok := o.ActiveSession()
	assert.False(t, ok, "connect does not open a session")

	res, err := o.Prompt(ctx, []acp.ContentBlock{acp.TextBlock("hello")})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res.StopReason)

	active, ok := o.ActiveSession()
	require.True(t, ok)
	entries, err := o.Thread(ctx, active.SessionID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "prompt", entries[0].Kind)
	assert.Equal(t, "agent_message_chunk", entries[1].Kind)
	assert.Contains(t, string(entries[1].Payload), "echo: hello")

	_, err = o.Connect(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.OfKind(events.ConnectionReused), 1)
}

func TestMockAgent_RecoversForgottenSession(t *testing.T) {
	o, rec := newMockOrchestrator(t, map[string]string{mockagent.EnvNotFound: mockagent.NotFoundOnce})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := o.Prompt(ctx, []acp.ContentBlock{acp.TextBlock("hello")})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res.StopReason)

	recovered := rec.OfKind(events.SessionRecovered)
	require.Len(t, recovered, 1)
	ev := recovered[0].Payload.(RecoveredEvent)
	assert.Equal(t, "sess-1", ev.OldSessionID)
	assert.Equal(t, "sess-2", ev.NewSessionID)

	active, _ := o.ActiveSession()
	assert.Equal(t, "sess-2", active.SessionID)
}

func TestMockAgent_AuthRequiredThenAuthenticate(t *testing.T) {
	o, _ := newMockOrchestrator(t, map[string]string{mockagent.EnvAuth: "1"})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.Prompt(ctx, []acp.ContentBlock{acp.TextBlock("hello")})
	var authErr *AuthRequiredError
	require.ErrorAs(t, err, &authErr)
	require.Len(t, authErr.AuthMethods, 1)

	require.NoError(t, o.Authenticate(ctx, authErr.AuthMethods[0].ID))
	res, err := o.Prompt(ctx, []acp.ContentBlock{acp.TextBlock("hello")})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res.StopReason)
}

func TestMockAgent_PromptAfterAgentExit(t *testing.T) {
	o, rec := newMockOrchestrator(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := o.Prompt(ctx, []acp.ContentBlock{acp.TextBlock("hello")})
	require.NoError(t, err)

	_, err = o.Prompt(ctx, []acp.ContentBlock{acp.TextBlock("exit 3")})
	require.Error(t, err)

	res, err := o.Prompt(ctx, []acp.ContentBlock{acp.TextBlock("hello")})
	require.NoError(t, err)
	assert.Equal(t, "end_turn", res.StopReason)

	assert.Len(t, rec.OfKind(events.Initialized), 2, "the agent is started again")
	recovered := rec.OfKind(events.SessionRecovered)
	require.Len(t, recovered, 1)
	assert.Equal(t, "agent process restarted", recovered[0].Payload.(RecoveredEvent).Reason)

	active, ok := o.ActiveSession()
	require.True(t, ok)
	last, err := o.LastSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, active.SessionID, last.SessionID)
}
