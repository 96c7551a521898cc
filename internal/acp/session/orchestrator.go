// Package session keeps one active agent session per connection. It creates
// the session lazily, recreates it once when the agent forgets it, and turns
// authentication failures into AuthRequiredError.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/adapter"
	"github.com/kandev/acphost/internal/acp/conn"
	apperrors "github.com/kandev/acphost/internal/common/errors"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/persistence"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// Connection is the part of *conn.Connection the orchestrator drives.
type Connection interface {
	Connect(ctx context.Context) (*conn.InitializeResult, error)
	Initialized() (*conn.InitializeResult, bool)
	Cwd() string
	Profile() *adapter.Profile
	Authenticate(ctx context.Context, methodID string) error
	NewSession(ctx context.Context, cwd string, servers []conn.McpServer) (*conn.NewSessionResult, error)
	Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (*conn.PromptResult, error)
	Cancel(sessionID string) error
	SetMode(ctx context.Context, sessionID, modeID string) error
	ListModels(ctx context.Context, sessionID string) ([]conn.ModelInfo, error)
	SelectModel(ctx context.Context, sessionID, modelID string) error
	RespondPermission(requestID string, outcome conn.PermissionOutcome) (bool, error)
	PendingPermissions() []string
	Dispose(ctx context.Context) error
}

// HostAdapter is an optional integration with the embedding host.
type HostAdapter interface {
	// WorkspaceRoot returns the folder sessions should start in.
	WorkspaceRoot() (string, bool)
}

// Options configure an Orchestrator.
type Options struct {
	AgentID string
	// Cwd overrides the session working directory.
	Cwd   string
	Store *persistence.Store
	Host  HostAdapter
}

// Active describes the current session.
type Active struct {
	SessionID    string          `json:"sessionId"`
	Cwd          string          `json:"cwd"`
	Modes        *conn.ModeState `json:"modes,omitempty"`
	LastActivity time.Time       `json:"lastActivity"`
}

// ActivatedEvent is emitted when a session becomes active.
type ActivatedEvent struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd"`
	Reason    string `json:"reason"`
}

// RecoveredEvent is emitted when a forgotten session is replaced.
type RecoveredEvent struct {
	OldSessionID string `json:"oldSessionId"`
	NewSessionID string `json:"newSessionId"`
	Reason       string `json:"reason"`
}

// Orchestrator is the API surface over one agent connection.
type Orchestrator struct {
	agentID string
	cwd     string
	store   *persistence.Store
	host    HostAdapter
	conn    Connection
	sink    events.Sink
	writes  *writer
	logger  *logger.Logger

	// createMu serializes session creation.
	createMu sync.Mutex

	mu     sync.Mutex
	active *Active
	// activeOn is the handshake of the process the active session was opened on.
	activeOn *conn.InitializeResult
}

// New builds an orchestrator. newConn receives the sink the connection must
// report through; it is called once.
func New(opts Options, sink events.Sink, newConn func(events.Sink) Connection, log *logger.Logger) *Orchestrator {
	if sink == nil {
		sink = events.Nop
	}
	store := opts.Store
	if store == nil {
		store = persistence.NewMemoryStore()
	}
	l := logger.Or(log).WithAgentID(opts.AgentID).WithFields(zap.String("component", "session-orchestrator"))
	o := &Orchestrator{
		agentID: opts.AgentID,
		cwd:     opts.Cwd,
		store:   store,
		host:    opts.Host,
		sink:    sink,
		writes:  newWriter(l),
		logger:  l,
	}
	o.conn = newConn(events.SinkFunc(o.intercept))
	return o
}

// AgentID returns the agent this orchestrator drives.
func (o *Orchestrator) AgentID() string { return o.agentID }

// Profile returns the connection's adapter profile.
func (o *Orchestrator) Profile() *adapter.Profile { return o.conn.Profile() }

// Connect starts the agent, or reuses the live one.
func (o *Orchestrator) Connect(ctx context.Context) (*conn.InitializeResult, error) {
	return o.conn.Connect(ctx)
}

// Initialized returns the cached handshake while the agent is live.
func (o *Orchestrator) Initialized() (*conn.InitializeResult, bool) {
	return o.conn.Initialized()
}

func (o *Orchestrator) ensureConnected(ctx context.Context) error {
	if _, ok := o.conn.Initialized(); ok {
		return nil
	}
	_, err := o.conn.Connect(ctx)
	return err
}

// ActiveSession returns the current session, if any.
func (o *Orchestrator) ActiveSession() (Active, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return Active{}, false
	}
	return *o.active, true
}

func (o *Orchestrator) activeID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return ""
	}
	return o.active.SessionID
}

func (o *Orchestrator) sessionCwd() string {
	if o.cwd != "" {
		return o.cwd
	}
	if c := o.conn.Cwd(); c != "" {
		return c
	}
	if o.host != nil {
		if root, ok := o.host.WorkspaceRoot(); ok && root != "" {
			return root
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// liveSession returns the active session id when it was opened on the
// running agent process. Otherwise id is empty and stale names the session
// left behind by a process that has since exited.
func (o *Orchestrator) liveSession() (id, stale string) {
	init, ok := o.conn.Initialized()
	if !ok {
		init = nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return "", ""
	}
	if o.activeOn != init {
		return "", o.active.SessionID
	}
	return o.active.SessionID, ""
}

// EnsureActiveSession starts the agent if needed and returns the active
// session id. A session is created in the working directory when there is
// none, and the previous one is replaced when the agent was restarted.
func (o *Orchestrator) EnsureActiveSession(ctx context.Context) (string, error) {
	if err := o.ensureConnected(ctx); err != nil {
		return "", err
	}
	if id, _ := o.liveSession(); id != "" {
		return id, nil
	}

	o.createMu.Lock()
	defer o.createMu.Unlock()
	id, stale := o.liveSession()
	if id != "" {
		return id, nil
	}
	if stale != "" {
		return o.swapSession(ctx, stale, "agent process restarted", nil)
	}
	active, err := o.createSession(ctx, "created")
	if err != nil {
		return "", err
	}
	return active.SessionID, nil
}

// createSession opens a new session and makes it active. Callers hold createMu.
func (o *Orchestrator) createSession(ctx context.Context, reason string) (*Active, error) {
	cwd := o.sessionCwd()
	res, err := o.conn.NewSession(ctx, cwd, nil)
	if err != nil {
		return nil, err
	}
	init, ok := o.conn.Initialized()
	if !ok {
		init = nil
	}
	active := &Active{
		SessionID:    res.SessionID,
		Cwd:          cwd,
		Modes:        res.Modes,
		LastActivity: time.Now().UTC(),
	}
	o.mu.Lock()
	o.active = active
	o.activeOn = init
	o.mu.Unlock()

	o.persistSession(active)
	if res.Modes != nil {
		o.persistModes(active.SessionID, res.Modes)
	}
	o.logger.Info("session activated",
		zap.String("session_id", active.SessionID),
		zap.String("cwd", cwd),
		zap.String("reason", reason))
	o.sink.Emit(events.SessionActivated, ActivatedEvent{SessionID: active.SessionID, Cwd: cwd, Reason: reason})
	cp := *active
	return &cp, nil
}

// replaceSession swaps a forgotten session for a new one. It is a no-op when
// another caller already replaced staleID.
func (o *Orchestrator) replaceSession(ctx context.Context, staleID string, cause error) (string, error) {
	o.createMu.Lock()
	defer o.createMu.Unlock()
	if id := o.activeID(); id != "" && id != staleID {
		return id, nil
	}
	return o.swapSession(ctx, staleID, cause.Error(), cause)
}

// swapSession opens a session in place of staleID. Callers hold createMu.
func (o *Orchestrator) swapSession(ctx context.Context, staleID, reason string, cause error) (string, error) {
	active, err := o.createSession(ctx, "recovered")
	if err != nil {
		return "", err
	}
	if active.SessionID != staleID {
		o.writes.enqueue("delete session", func(ctx context.Context) error {
			return o.store.Sessions.Delete(ctx, o.agentID, staleID)
		})
	}
	o.logger.Warn("session recovered",
		zap.String("old_session_id", staleID),
		zap.String("new_session_id", active.SessionID),
		zap.String("reason", reason),
		zap.Error(cause))
	o.sink.Emit(events.SessionRecovered, RecoveredEvent{
		OldSessionID: staleID,
		NewSessionID: active.SessionID,
		Reason:       reason,
	})
	return active.SessionID, nil
}

// Prompt sends blocks to the active session and returns the agent's stop
// reason. A session the agent no longer knows is replaced and the prompt
// resent once.
func (o *Orchestrator) Prompt(ctx context.Context, blocks []acp.ContentBlock) (*conn.PromptResult, error) {
	if len(blocks) == 0 {
		return nil, apperrors.ValidationError("prompt", "must contain at least one content block")
	}
	sessionID, err := o.EnsureActiveSession(ctx)
	if err != nil {
		return nil, o.normalize(sessionID, err)
	}

	o.persistPrompt(sessionID, blocks)
	res, err := o.conn.Prompt(ctx, sessionID, blocks)
	if err != nil && jsonrpc.KindOf(err) == jsonrpc.KindSessionNotFound {
		newID, rerr := o.replaceSession(ctx, sessionID, err)
		if rerr != nil {
			return nil, o.normalize(sessionID, rerr)
		}
		sessionID = newID
		o.persistPrompt(sessionID, blocks)
		res, err = o.conn.Prompt(ctx, sessionID, blocks)
	}
	if err != nil {
		return nil, o.normalize(sessionID, err)
	}
	o.touch(sessionID)
	return res, nil
}

// normalize converts auth failures and records them in the thread log. Other
// errors are returned unchanged.
func (o *Orchestrator) normalize(sessionID string, err error) error {
	if jsonrpc.KindOf(err) != jsonrpc.KindAuthRequired {
		return err
	}
	authErr := &AuthRequiredError{Message: authMessage(err), Cause: err}
	if init, ok := o.conn.Initialized(); ok {
		authErr.AuthMethods = init.AuthMethods
	}
	if sessionID != "" {
		payload, _ := json.Marshal(authErr)
		o.appendEntry(sessionID, persistence.RoleSystem, "auth_required", payload)
	}
	o.logger.Warn("agent requires authentication",
		zap.String("session_id", sessionID),
		zap.Int("auth_methods", len(authErr.AuthMethods)))
	return authErr
}

func authMessage(err error) string {
	var callErr *jsonrpc.CallError
	if errors.As(err, &callErr) {
		if rpcErr := callErr.RPCError(); rpcErr != nil && rpcErr.Message != "" {
			return rpcErr.Message
		}
	}
	return err.Error()
}

func errNoSession() error {
	return apperrors.ValidationError("sessionId", "no session id given and no active session")
}

// recorded resolves an explicit session id or the active one without
// starting the agent.
func (o *Orchestrator) recorded(sessionID string) (string, error) {
	if sessionID != "" {
		return sessionID, nil
	}
	if id := o.activeID(); id != "" {
		return id, nil
	}
	return "", errNoSession()
}

// target starts the agent if needed and resolves an explicit session id or
// the active one. An active session left by an exited agent is replaced.
func (o *Orchestrator) target(ctx context.Context, sessionID string) (string, error) {
	if err := o.ensureConnected(ctx); err != nil {
		return "", err
	}
	if sessionID != "" {
		return sessionID, nil
	}
	if id, stale := o.liveSession(); id == "" && stale == "" {
		return "", errNoSession()
	}
	return o.EnsureActiveSession(ctx)
}

// Cancel asks the agent to stop the current turn. Nothing confirms it did.
// It never starts the agent.
func (o *Orchestrator) Cancel(sessionID string) error {
	id, err := o.recorded(sessionID)
	if err != nil {
		return err
	}
	return o.conn.Cancel(id)
}

// SetMode switches the session's mode and records it.
func (o *Orchestrator) SetMode(ctx context.Context, sessionID, modeID string) error {
	if modeID == "" {
		return apperrors.ValidationError("modeId", "is required")
	}
	id, err := o.target(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := o.conn.SetMode(ctx, id, modeID); err != nil {
		return err
	}
	o.setCurrentMode(id, modeID)
	return nil
}

// ListModels returns the models the agent offers for the session.
func (o *Orchestrator) ListModels(ctx context.Context, sessionID string) ([]conn.ModelInfo, error) {
	id, err := o.target(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return o.conn.ListModels(ctx, id)
}

// SelectModel picks the session's model.
func (o *Orchestrator) SelectModel(ctx context.Context, sessionID, modelID string) error {
	if modelID == "" {
		return apperrors.ValidationError("modelId", "is required")
	}
	id, err := o.target(ctx, sessionID)
	if err != nil {
		return err
	}
	return o.conn.SelectModel(ctx, id, modelID)
}

// Authenticate runs one of the agent's authentication methods.
func (o *Orchestrator) Authenticate(ctx context.Context, methodID string) error {
	if methodID == "" {
		return apperrors.ValidationError("methodId", "is required")
	}
	if err := o.ensureConnected(ctx); err != nil {
		return err
	}
	return o.conn.Authenticate(ctx, methodID)
}

// RespondPermission answers an open permission request. A second answer for
// the same request reports false.
func (o *Orchestrator) RespondPermission(requestID string, outcome conn.PermissionOutcome) (bool, error) {
	if requestID == "" {
		return false, apperrors.ValidationError("requestId", "is required")
	}
	return o.conn.RespondPermission(requestID, outcome)
}

// PendingPermissions lists open permission request ids.
func (o *Orchestrator) PendingPermissions() []string {
	return o.conn.PendingPermissions()
}

// LastSession returns the most recently active persisted session.
func (o *Orchestrator) LastSession(ctx context.Context) (*persistence.SessionRecord, error) {
	if err := o.writes.flush(ctx); err != nil {
		return nil, err
	}
	return o.store.Sessions.GetLast(ctx, o.agentID)
}

// Thread returns the persisted log of a session.
func (o *Orchestrator) Thread(ctx context.Context, sessionID string) ([]*persistence.ThreadEntry, error) {
	id, err := o.recorded(sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.writes.flush(ctx); err != nil {
		return nil, err
	}
	return o.store.Threads.List(ctx, o.agentID, id)
}

// Modes returns the stored mode snapshot of a session.
func (o *Orchestrator) Modes(ctx context.Context, sessionID string) (*persistence.ModeSnapshot, error) {
	id, err := o.recorded(sessionID)
	if err != nil {
		return nil, err
	}
	if err := o.writes.flush(ctx); err != nil {
		return nil, err
	}
	return o.store.Modes.Get(ctx, o.agentID, id)
}

// Dispose tears down the connection and forgets the active session.
func (o *Orchestrator) Dispose(ctx context.Context) error {
	err := o.conn.Dispose(ctx)
	o.mu.Lock()
	o.active = nil
	o.activeOn = nil
	o.mu.Unlock()
	o.writes.close()
	return err
}
