package conn

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/terminal"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/tracing"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// inboundHandler answers one agent-initiated method. Deferred handlers do not
// get an automatic response on success; they answer later through Respond.
type inboundHandler struct {
	handle   func(d *dispatcher, ctx context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error)
	deferred bool
}

var inboundHandlers = map[string]inboundHandler{
	jsonrpc.MethodFsReadTextFile:    {handle: (*dispatcher).readTextFile},
	jsonrpc.MethodFsWriteTextFile:   {handle: (*dispatcher).writeTextFile},
	jsonrpc.MethodTerminalCreate:    {handle: (*dispatcher).createTerminal},
	jsonrpc.MethodTerminalOutput:    {handle: (*dispatcher).terminalOutput},
	jsonrpc.MethodTerminalKill:      {handle: (*dispatcher).killTerminal},
	jsonrpc.MethodTerminalRelease:   {handle: (*dispatcher).releaseTerminal},
	jsonrpc.MethodTerminalWait:      {handle: (*dispatcher).waitForTerminalExit},
	jsonrpc.MethodRequestPermission: {handle: (*dispatcher).requestPermission, deferred: true},
}

// dispatcher routes calls from one agent process.
type dispatcher struct {
	c *Connection
	p *process
}

// UnhandledMethodEvent reports an agent call the host does not implement.
type UnhandledMethodEvent struct {
	Method       string `json:"method"`
	RequestID    string `json:"requestId,omitempty"`
	Notification bool   `json:"notification"`
}

// ProtocolErrorEvent reports a frame that could not be decoded.
type ProtocolErrorEvent struct {
	Error string `json:"error"`
}

// SessionUpdateEvent is one session/update notification.
type SessionUpdateEvent struct {
	SessionID string          `json:"sessionId"`
	Kind      string          `json:"kind"`
	Update    json.RawMessage `json:"update"`
}

func (d *dispatcher) HandleRequest(ctx context.Context, req *jsonrpc.Message) {
	ctx, span := tracing.TraceInboundRequest(ctx, d.c.opts.AgentID, req.Method, req.Params)
	defer span.End()

	h, ok := inboundHandlers[req.Method]
	if !ok {
		d.c.logger.Warn("agent called unimplemented method", zap.String("method", req.Method))
		d.c.emit(events.UnhandledMethod, UnhandledMethodEvent{Method: req.Method, RequestID: req.ID.String()})
		d.respond(req, nil, jsonrpc.NewError(jsonrpc.MethodNotFound, "method not implemented: %s", req.Method))
		return
	}

	result, rpcErr := h.handle(d, ctx, req)
	if rpcErr != nil {
		tracing.TraceProtocolResult(span, "rpc", rpcErr)
		d.respond(req, nil, rpcErr)
		return
	}
	if h.deferred {
		return
	}
	d.respond(req, result, nil)
}

func (d *dispatcher) respond(req *jsonrpc.Message, result any, rpcErr *jsonrpc.Error) {
	var payload any
	if rpcErr == nil {
		shaped, err := d.c.profile.Shape(result)
		if err != nil {
			rpcErr = jsonrpc.NewError(jsonrpc.InternalError, "encode result: %v", err)
		} else {
			payload = shaped
		}
	}
	if err := d.p.rpc.Respond(*req.ID, payload, rpcErr); err != nil {
		d.c.logger.Debug("failed to answer agent request",
			zap.String("method", req.Method),
			zap.Error(err))
	}
}

func (d *dispatcher) HandleNotification(_ context.Context, msg *jsonrpc.Message) {
	if msg.Method != jsonrpc.NotificationSessionUpdate {
		d.c.logger.Debug("ignoring agent notification", zap.String("method", msg.Method))
		d.c.emit(events.UnhandledMethod, UnhandledMethodEvent{Method: msg.Method, Notification: true})
		return
	}

	params := d.c.profile.Envelope(msg.Params)
	var n struct {
		SessionID string          `json:"sessionId"`
		Update    json.RawMessage `json:"update"`
	}
	if err := json.Unmarshal(params, &n); err != nil {
		d.c.logger.Warn("malformed session/update", zap.Error(err))
		d.c.emit(events.ProtocolError, ProtocolErrorEvent{Error: "malformed session/update: " + err.Error()})
		return
	}
	kind := updateKind(n.Update)

	var typed acp.SessionNotification
	if err := json.Unmarshal(params, &typed); err != nil {
		d.c.logger.Debug("session update outside the known schema",
			zap.String("kind", kind),
			zap.Error(err))
	}

	d.c.emit(events.SessionUpdate, SessionUpdateEvent{
		SessionID: n.SessionID,
		Kind:      kind,
		Update:    n.Update,
	})
}

// updateKind reads the update discriminator. Snake_case agents spell it
// session_update; the update itself is passed on unchanged.
func updateKind(update json.RawMessage) string {
	var kind struct {
		SessionUpdate      string `json:"sessionUpdate"`
		SnakeSessionUpdate string `json:"session_update"`
	}
	_ = json.Unmarshal(update, &kind)
	if kind.SessionUpdate != "" {
		return kind.SessionUpdate
	}
	return kind.SnakeSessionUpdate
}

func (d *dispatcher) HandleDecodeError(err error) {
	d.c.emit(events.ProtocolError, ProtocolErrorEvent{Error: err.Error()})
}

func (d *dispatcher) decodeParams(raw json.RawMessage, v any) *jsonrpc.Error {
	if len(raw) == 0 {
		return jsonrpc.NewError(jsonrpc.InvalidParams, "missing params")
	}
	if err := json.Unmarshal(d.c.profile.Envelope(raw), v); err != nil {
		return jsonrpc.NewError(jsonrpc.InvalidParams, "invalid params: %v", err)
	}
	return nil
}

func (c *Connection) resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || c.opts.Cwd == "" {
		return path
	}
	return filepath.Join(c.opts.Cwd, path)
}

func fsError(op, path string, err error) *jsonrpc.Error {
	data, _ := json.Marshal(map[string]string{"path": path, "op": op})
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &jsonrpc.Error{Code: jsonrpc.CodeResourceNotFound, Message: "file not found: " + path, Data: data}
	case errors.Is(err, fs.ErrPermission):
		return &jsonrpc.Error{Code: jsonrpc.InternalError, Message: "permission denied: " + path, Data: data}
	default:
		return &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error(), Data: data}
	}
}

func (d *dispatcher) readTextFile(_ context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params acp.ReadTextFileRequest
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Path == "" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "path is required")
	}
	path := d.c.resolvePath(params.Path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fsError("read", path, err)
	}
	content := string(data)
	if params.Line != nil || params.Limit != nil {
		content = lineWindow(content, params.Line, params.Limit)
	}
	return acp.ReadTextFileResponse{Content: content}, nil
}

// lineWindow returns limit lines starting at the 1-indexed line.
func lineWindow(content string, line, limit *int) string {
	lines := strings.Split(content, "\n")
	start := 0
	if line != nil && *line > 0 {
		start = *line - 1
		if start > len(lines) {
			start = len(lines)
		}
	}
	end := len(lines)
	if limit != nil && *limit > 0 && start+*limit < end {
		end = start + *limit
	}
	return strings.Join(lines[start:end], "\n")
}

func (d *dispatcher) writeTextFile(_ context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params acp.WriteTextFileRequest
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if params.Path == "" {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "path is required")
	}
	path := d.c.resolvePath(params.Path)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fsError("write", path, err)
		}
	}
	if err := os.WriteFile(path, []byte(params.Content), 0o644); err != nil {
		return nil, fsError("write", path, err)
	}
	return acp.WriteTextFileResponse{}, nil
}

func terminalError(err error) *jsonrpc.Error {
	if errors.Is(err, terminal.ErrNotFound) {
		return jsonrpc.NewError(jsonrpc.InvalidParams, "%v", err)
	}
	return jsonrpc.NewError(jsonrpc.InternalError, "%v", err)
}

func (d *dispatcher) createTerminal(_ context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params acp.CreateTerminalRequest
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	env := make(map[string]string, len(params.Env))
	for _, v := range params.Env {
		env[v.Name] = v.Value
	}
	cwd := d.c.opts.Cwd
	if params.Cwd != nil && *params.Cwd != "" {
		cwd = d.c.resolvePath(*params.Cwd)
	}

	id, err := d.p.mux.Create(terminal.CreateRequest{
		Command:         params.Command,
		Args:            params.Args,
		Env:             env,
		Cwd:             cwd,
		OutputByteLimit: params.OutputByteLimit,
	})
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InternalError, "%v", err)
	}
	return acp.CreateTerminalResponse{TerminalId: id}, nil
}

func (d *dispatcher) terminalOutput(_ context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params acp.TerminalOutputRequest
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	out, err := d.p.mux.Output(params.TerminalId)
	if err != nil {
		return nil, terminalError(err)
	}
	resp := acp.TerminalOutputResponse{Output: out.Output, Truncated: out.Truncated}
	if out.ExitStatus != nil {
		resp.ExitStatus = &acp.TerminalExitStatus{ExitCode: out.ExitStatus.ExitCode, Signal: out.ExitStatus.Signal}
	}
	return resp, nil
}

func (d *dispatcher) killTerminal(_ context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params acp.KillTerminalCommandRequest
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.p.mux.Kill(params.TerminalId); err != nil {
		return nil, terminalError(err)
	}
	return acp.KillTerminalCommandResponse{}, nil
}

func (d *dispatcher) releaseTerminal(_ context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params acp.ReleaseTerminalRequest
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.p.mux.Release(params.TerminalId); err != nil {
		return nil, terminalError(err)
	}
	return acp.ReleaseTerminalResponse{}, nil
}

func (d *dispatcher) waitForTerminalExit(ctx context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params acp.WaitForTerminalExitRequest
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}
	status, err := d.p.mux.WaitForExit(ctx, params.TerminalId)
	if err != nil {
		return nil, terminalError(err)
	}
	return acp.WaitForTerminalExitResponse{ExitCode: status.ExitCode, Signal: status.Signal}, nil
}

func (d *dispatcher) requestPermission(_ context.Context, req *jsonrpc.Message) (any, *jsonrpc.Error) {
	var params struct {
		SessionID string                 `json:"sessionId"`
		ToolCall  json.RawMessage        `json:"toolCall"`
		Options   []acp.PermissionOption `json:"options"`
	}
	if rpcErr := d.decodeParams(req.Params, &params); rpcErr != nil {
		return nil, rpcErr
	}

	options := make([]PermissionOption, 0, len(params.Options))
	for _, o := range params.Options {
		options = append(options, PermissionOption{
			OptionID: string(o.OptionId),
			Name:     o.Name,
			Kind:     string(o.Kind),
		})
	}
	var toolCall struct {
		Title *string `json:"title"`
	}
	_ = json.Unmarshal(params.ToolCall, &toolCall)
	title := ""
	if toolCall.Title != nil {
		title = *toolCall.Title
	}

	requestID := req.ID.String()
	d.c.perms.add(&pendingPermission{id: *req.ID, owner: d.p, options: options})
	d.c.logger.Info("permission requested",
		zap.String("request_id", requestID),
		zap.String("session_id", params.SessionID),
		zap.String("title", title),
		zap.Int("options", len(options)))
	d.c.emit(events.PermissionRequest, PermissionRequestEvent{
		RequestID: requestID,
		SessionID: params.SessionID,
		Title:     title,
		ToolCall:  params.ToolCall,
		Options:   options,
	})
	return nil, nil
}
