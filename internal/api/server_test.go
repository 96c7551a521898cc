//go:build !windows

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/acphost/internal/acp/mockagent"
	"github.com/kandev/acphost/internal/acp/registry"
	"github.com/kandev/acphost/internal/common/config"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/events/bus"
	"github.com/kandev/acphost/internal/persistence"
)

func TestMain(m *testing.M) {
	if os.Getenv(mockagent.EnvEnable) == "1" {
		os.Exit(mockagent.Main())
	}
	os.Exit(m.Run())
}

type testServer struct {
	*httptest.Server
	bus *bus.MemoryEventBus
}

func newTestServer(t *testing.T, env ...string) *testServer {
	t.Helper()
	log := logger.NewNop()
	b := bus.NewMemoryEventBus(log)
	reg := registry.NewRegistry(registry.Options{
		DefaultAgent: "mock",
		Store:        persistence.NewMemoryStore(),
		Sink: func(agentID string) events.Sink {
			return events.NewBusSink(b, agentID, log)
		},
		SpawnGrace: 50 * time.Millisecond,
	}, log)
	require.NoError(t, reg.Register(config.AgentConfig{
		ID:      "mock",
		Title:   "Mock agent",
		Command: os.Args[0],
		Env:     append([]string{mockagent.EnvEnable + "=1"}, env...),
		Cwd:     t.TempDir(),
	}))

	srv := httptest.NewServer(NewServer(reg, b, log).Router())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.DisposeAll(ctx)
		b.Close()
	})
	return &testServer{Server: srv, bus: b}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	out := map[string]any{}
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp.StatusCode, out
}

func TestHealthAndAgents(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, body = s.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, code)
	agents := body["agents"].([]any)
	require.Len(t, agents, 1)
	first := agents[0].(map[string]any)
	assert.Equal(t, "mock", first["id"])
	assert.Equal(t, true, first["default"])
	assert.Equal(t, false, first["connected"])
}

func TestUnknownAgent(t *testing.T) {
	s := newTestServer(t)
	code, body := s.do(t, http.MethodPost, "/api/v1/agents/nope/connect", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "nope")

	code, _ = s.do(t, http.MethodDelete, "/api/v1/agents/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConnectPromptAndThread(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/api/v1/agents/mock/connect", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "generic", body["adapter"])

	code, body = s.do(t, http.MethodPost, "/api/v1/agents/mock/prompt", PromptRequest{Text: "hello"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "end_turn", body["stopReason"])
	sessionID, _ := body["sessionId"].(string)
	assert.NotEmpty(t, sessionID)

	code, body = s.do(t, http.MethodGet, "/api/v1/agents/mock/thread", nil)
	require.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Contains(t, mustJSON(t, entries), "echo: hello")

	code, body = s.do(t, http.MethodGet, "/api/v1/agents/mock/session", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, sessionID, body["active"].(map[string]any)["sessionId"])
	assert.NotNil(t, body["last"])

	code, _ = s.do(t, http.MethodPost, "/api/v1/agents/mock/cancel", nil)
	assert.Equal(t, http.StatusAccepted, code)

	code, _ = s.do(t, http.MethodDelete, "/api/v1/agents/mock", nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, body = s.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, false, body["agents"].([]any)[0].(map[string]any)["connected"])
}

func TestValidationErrors(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.do(t, http.MethodPost, "/api/v1/agents/mock/prompt", PromptRequest{Text: "  "})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/agents/mock/mode", ModeRequest{SessionID: "s"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodPost, "/api/v1/agents/mock/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, code, "no active session")

	code, _ = s.do(t, http.MethodPost, "/api/v1/agents/mock/permissions/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, mockagent.EnvAuth+"=1")

	code, body := s.do(t, http.MethodPost, "/api/v1/agents/mock/prompt", PromptRequest{Text: "hi"})
	require.Equal(t, http.StatusUnauthorized, code, body)
	assert.Equal(t, true, body["auth_required"])
	methods := body["auth_methods"].([]any)
	require.NotEmpty(t, methods)
	methodID := methods[0].(map[string]any)["id"].(string)

	code, body = s.do(t, http.MethodPost, "/api/v1/agents/mock/authenticate", AuthenticateRequest{MethodID: methodID})
	require.Equal(t, http.StatusOK, code, body)

	code, body = s.do(t, http.MethodPost, "/api/v1/agents/mock/prompt", PromptRequest{Text: "hi"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "end_turn", body["stopReason"])
}

func TestEventStream(t *testing.T) {
	s := newTestServer(t)

	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/api/v1/events?agent=mock"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()
	_ = resp.Body.Close()

	// The subscription is registered after the upgrade completes, so probe
	// until the first frame arrives.
	stop := make(chan struct{})
	go func() {
		tick := time.NewTicker(20 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_ = s.bus.Publish(context.Background(), events.Subject("mock", "probe"),
					bus.NewEvent("probe", "test", map[string]interface{}{}))
			}
		}
	}()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var first StreamMessage
	require.NoError(t, ws.ReadJSON(&first))
	close(stop)
	assert.Equal(t, "acp.mock.probe", first.Subject)

	code, body := s.do(t, http.MethodPost, "/api/v1/agents/mock/prompt", PromptRequest{Text: "streamed"})
	require.Equal(t, http.StatusOK, code, body)

	seen := map[string]bool{}
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !seen[string(events.SessionUpdate)] {
		var msg StreamMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		assert.True(t, strings.HasPrefix(msg.Subject, "acp.mock."))
		seen[msg.Event.Type] = true
	}
	assert.True(t, seen[string(events.SessionActivated)])
	assert.True(t, seen[string(events.SessionUpdate)])
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
