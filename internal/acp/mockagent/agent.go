// Package mockagent is a scriptable ACP agent used by tests and by the
// mock-agent binary. The first word of a prompt selects what it does:
//
//	read <path> [line] [limit]   call fs/read_text_file and echo the content
//	write <path> <text...>       call fs/write_text_file
//	terminal <cmd> [args...]     create, wait for, read and release a terminal
//	permission                   ask for permission and report the outcome
//	call <method>                call an arbitrary client method
//	hang                         block until session/cancel arrives
//	garbage                      write a malformed line before answering
//	exit <code>                  exit the process
//
// Anything else is echoed back as an agent_message_chunk.
package mockagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/adapter"
	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// Model listing behaviour.
const (
	ModelsNone    = "none"
	ModelsSession = "session"
	ModelsAgent   = "agent"
)

// Session-forgetting behaviour.
const (
	NotFoundOnce   = "once"
	NotFoundAlways = "always"
)

// Options configure the mock.
type Options struct {
	Framing     jsonrpc.Framing
	SnakeCase   bool
	NotFound    string
	RequireAuth bool
	Models      string

	// Stderr receives one "recv <method> <params>" line per message.
	Stderr io.Writer
	// Exit is called by the exit command.
	Exit func(code int)
}

// Environment variables read by OptionsFromEnv.
const (
	EnvEnable    = "ACPHOST_MOCK_AGENT"
	EnvFraming   = "ACPHOST_MOCK_FRAMING"
	EnvSnakeCase = "ACPHOST_MOCK_SNAKE_CASE"
	EnvNotFound  = "ACPHOST_MOCK_NOT_FOUND"
	EnvAuth      = "ACPHOST_MOCK_REQUIRE_AUTH"
	EnvModels    = "ACPHOST_MOCK_MODELS"
	EnvExitCode  = "ACPHOST_MOCK_EXIT_CODE"
)

// OptionsFromEnv reads Options from ACPHOST_MOCK_* variables.
func OptionsFromEnv() Options {
	opts := Options{Models: ModelsSession}
	if f, err := jsonrpc.ParseFraming(os.Getenv(EnvFraming)); err == nil {
		opts.Framing = f
	}
	opts.SnakeCase = os.Getenv(EnvSnakeCase) == "1"
	opts.NotFound = os.Getenv(EnvNotFound)
	opts.RequireAuth = os.Getenv(EnvAuth) == "1"
	if m := os.Getenv(EnvModels); m != "" {
		opts.Models = m
	}
	return opts
}

// Main runs the mock on the process's stdio and returns the exit code.
func Main() int {
	if v := os.Getenv(EnvExitCode); v != "" {
		code, _ := strconv.Atoi(v)
		fmt.Fprintln(os.Stderr, "mock-agent: exiting on request")
		return code
	}
	opts := OptionsFromEnv()
	opts.Stderr = os.Stderr
	opts.Exit = os.Exit
	if err := Run(os.Stdin, os.Stdout, opts, logger.NewNop()); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		return 1
	}
	return 0
}

type session struct {
	id     string
	cwd    string
	mode   string
	model  string
	cancel chan struct{}
}

// Agent is the agent side of one ACP connection.
type Agent struct {
	opts    Options
	shape   *adapter.Profile
	conn    *jsonrpc.Conn
	w       io.Writer
	logger  *logger.Logger
	stderr  sync.Mutex
	mu      sync.Mutex
	nextID  int
	authed  bool
	forgot  bool
	byID    map[string]*session
	prompts int
}

// Run serves one client over r and w until r is closed.
func Run(r io.Reader, w io.Writer, opts Options, log *logger.Logger) error {
	a := New(w, opts, log)
	return a.conn.Serve(r)
}

// New builds an agent writing to w. Call Conn().Serve with the read side.
func New(w io.Writer, opts Options, log *logger.Logger) *Agent {
	if opts.Models == "" {
		opts.Models = ModelsSession
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if opts.Exit == nil {
		opts.Exit = func(int) {}
	}
	a := &Agent{
		opts:   opts,
		shape:  &adapter.Profile{ID: "mock", SnakeCase: opts.SnakeCase},
		w:      w,
		logger: logger.Or(log).WithFields(zap.String("component", "mock-agent")),
		byID:   make(map[string]*session),
	}
	a.conn = jsonrpc.NewConn(w, opts.Framing, a, log)
	return a
}

// Conn returns the agent's JSON-RPC peer.
func (a *Agent) Conn() *jsonrpc.Conn { return a.conn }

func (a *Agent) trace(method string, params json.RawMessage) {
	a.stderr.Lock()
	defer a.stderr.Unlock()
	fmt.Fprintf(a.opts.Stderr, "recv %s %s\n", method, compact(params))
}

func compact(raw json.RawMessage) string {
	return strings.ReplaceAll(strings.TrimSpace(string(raw)), "\n", " ")
}

var camelWord = regexp.MustCompile(`^[a-z][a-z0-9]*[A-Z][A-Za-z0-9]*$`)

// encode marshals an outgoing payload. A snake_case mock spells every
// camelCase key in snake_case, the way such agents do.
func (a *Agent) encode(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil || !a.opts.SnakeCase {
		return data, err
	}
	var tree any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return json.Marshal(snakeKeys(tree))
}

func snakeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if camelWord.MatchString(k) {
				k = snakeWord(k)
			}
			out[k] = snakeKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = snakeKeys(t[i])
		}
		return t
	}
	return v
}

func snakeWord(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsUpper(r) {
			b.WriteByte('_')
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (a *Agent) reply(req *jsonrpc.Message, result any, rpcErr *jsonrpc.Error) {
	if rpcErr != nil {
		_ = a.conn.Respond(*req.ID, nil, rpcErr)
		return
	}
	payload, err := a.encode(result)
	if err != nil {
		_ = a.conn.Respond(*req.ID, nil, jsonrpc.NewError(jsonrpc.InternalError, "%v", err))
		return
	}
	_ = a.conn.Respond(*req.ID, payload, nil)
}

// HandleRequest implements jsonrpc.Handler.
func (a *Agent) HandleRequest(ctx context.Context, req *jsonrpc.Message) {
	a.trace(req.Method, req.Params)
	params := a.shape.Envelope(req.Params)

	switch req.Method {
	case jsonrpc.MethodInitialize:
		a.reply(req, a.initialize(), nil)
	case jsonrpc.MethodAuthenticate:
		res, rpcErr := a.authenticate(params)
		a.reply(req, res, rpcErr)
	case jsonrpc.MethodSessionNew:
		res, rpcErr := a.newSession(params)
		a.reply(req, res, rpcErr)
	case jsonrpc.MethodSessionPrompt:
		res, rpcErr := a.prompt(ctx, params)
		a.reply(req, res, rpcErr)
	case jsonrpc.MethodSessionSetMode:
		res, rpcErr := a.setMode(params)
		a.reply(req, res, rpcErr)
	case jsonrpc.MethodSessionListModels, jsonrpc.MethodAgentListModels:
		if !a.modelMethod(req.Method) {
			a.reply(req, nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "Method not found: %s", req.Method))
			return
		}
		res, rpcErr := a.listModels(params)
		a.reply(req, res, rpcErr)
	case jsonrpc.MethodSessionSelect, jsonrpc.MethodAgentSelect:
		if !a.modelMethod(req.Method) {
			a.reply(req, nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "Method not found: %s", req.Method))
			return
		}
		res, rpcErr := a.selectModel(params)
		a.reply(req, res, rpcErr)
	default:
		a.reply(req, nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "Method not found: %s", req.Method))
	}
}

// HandleNotification implements jsonrpc.Handler.
func (a *Agent) HandleNotification(_ context.Context, msg *jsonrpc.Message) {
	a.trace(msg.Method, msg.Params)
	if msg.Method != jsonrpc.MethodSessionCancel {
		return
	}
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(a.shape.Envelope(msg.Params), &p)
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.byID[p.SessionID]; ok {
		select {
		case <-s.cancel:
		default:
			close(s.cancel)
		}
	}
}

func (a *Agent) modelMethod(method string) bool {
	switch a.opts.Models {
	case ModelsSession:
		return strings.HasPrefix(method, "session/")
	case ModelsAgent:
		return strings.HasPrefix(method, "agent/")
	}
	return false
}

func (a *Agent) initialize() map[string]any {
	result := map[string]any{
		"protocolVersion":   1,
		"agentCapabilities": map[string]any{"loadSession": false},
		"authMethods":       []any{},
	}
	if a.opts.RequireAuth {
		result["authMethods"] = []any{
			map[string]any{"id": "api-key", "name": "API key", "description": "Use MOCK_API_KEY"},
		}
	}
	return result
}

func (a *Agent) authenticate(params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		MethodID string `json:"methodId"`
	}
	_ = json.Unmarshal(params, &p)
	if p.MethodID != "api-key" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "unknown auth method %q", p.MethodID)
	}
	a.mu.Lock()
	a.authed = true
	a.mu.Unlock()
	return map[string]any{}, nil
}

func (a *Agent) newSession(params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		Cwd string `json:"cwd"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "%v", err)
	}
	a.mu.Lock()
	a.nextID++
	s := &session{
		id:     fmt.Sprintf("sess-%d", a.nextID),
		cwd:    p.Cwd,
		mode:   "default",
		model:  "mock-fast",
		cancel: make(chan struct{}),
	}
	a.byID[s.id] = s
	a.mu.Unlock()

	return map[string]any{
		"sessionId": s.id,
		"modes": map[string]any{
			"currentModeId": s.mode,
			"availableModes": []any{
				map[string]any{"id": "default", "name": "Default"},
				map[string]any{"id": "plan", "name": "Plan", "description": "Plan before editing"},
			},
		},
	}, nil
}

func (a *Agent) lookup(id string) (*session, *jsonrpc.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byID[id]
	if !ok {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeResourceNotFound, Message: "Resource not found: session " + id}
	}
	return s, nil
}

func (a *Agent) setMode(params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		ModeID    string `json:"modeId"`
	}
	_ = json.Unmarshal(params, &p)
	s, rpcErr := a.lookup(p.SessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.ModeID != "default" && p.ModeID != "plan" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "unknown mode %q", p.ModeID)
	}
	a.mu.Lock()
	s.mode = p.ModeID
	a.mu.Unlock()
	a.update(s.id, map[string]any{"sessionUpdate": "current_mode_update", "currentModeId": p.ModeID})
	return map[string]any{}, nil
}

var mockModels = []any{
	map[string]any{"modelId": "mock-fast", "name": "Mock Fast"},
	map[string]any{"modelId": "mock-smart", "name": "Mock Smart"},
}

func (a *Agent) listModels(params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	_ = json.Unmarshal(params, &p)
	current := "mock-fast"
	if s, rpcErr := a.lookup(p.SessionID); rpcErr == nil {
		current = s.model
	}
	return map[string]any{"availableModels": mockModels, "currentModelId": current}, nil
}

func (a *Agent) selectModel(params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		SessionID string `json:"sessionId"`
		ModelID   string `json:"modelId"`
	}
	_ = json.Unmarshal(params, &p)
	if p.ModelID != "mock-fast" && p.ModelID != "mock-smart" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "unknown model %q", p.ModelID)
	}
	s, rpcErr := a.lookup(p.SessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}
	a.mu.Lock()
	s.model = p.ModelID
	a.mu.Unlock()
	return map[string]any{}, nil
}

// update sends a session/update notification.
func (a *Agent) update(sessionID string, update map[string]any) {
	payload, err := a.encode(map[string]any{"sessionId": sessionID, "update": update})
	if err != nil {
		return
	}
	_ = a.conn.Notify(jsonrpc.NotificationSessionUpdate, payload)
}

func (a *Agent) say(sessionID, text string) {
	a.update(sessionID, map[string]any{
		"sessionUpdate": "agent_message_chunk",
		"content":       map[string]any{"type": "text", "text": text},
	})
}

// call issues a client method and returns the camelCase result.
func (a *Agent) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	payload, err := a.encode(params)
	if err != nil {
		return nil, err
	}
	raw, err := a.conn.Call(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	return a.shape.Envelope(raw), nil
}
