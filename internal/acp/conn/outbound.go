package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/tracing"
	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// McpServer describes an MCP server handed to the agent on session/new.
type McpServer struct {
	Type    string            `json:"type,omitempty"`
	Name    string            `json:"name"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	URL     string            `json:"url,omitempty"`
}

type envVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type stdioMcpServer struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []envVariable `json:"env"`
}

type remoteMcpServer struct {
	Type    string        `json:"type"`
	Name    string        `json:"name"`
	URL     string        `json:"url"`
	Headers []envVariable `json:"headers"`
}

// wireMcpServers converts descriptors to the session/new shape: stdio servers
// carry command, args and env; http and sse servers carry a url.
func wireMcpServers(servers []McpServer) []any {
	out := make([]any, 0, len(servers))
	for _, server := range servers {
		switch server.Type {
		case "http", "sse":
			out = append(out, remoteMcpServer{
				Type:    server.Type,
				Name:    server.Name,
				URL:     server.URL,
				Headers: []envVariable{},
			})
		default:
			keys := make([]string, 0, len(server.Env))
			for k := range server.Env {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			env := make([]envVariable, 0, len(keys))
			for _, k := range keys {
				env = append(env, envVariable{Name: k, Value: server.Env[k]})
			}
			out = append(out, stdioMcpServer{
				Name:    server.Name,
				Command: server.Command,
				Args:    append([]string{}, server.Args...),
				Env:     env,
			})
		}
	}
	return out
}

// SessionMode is one mode the agent offers.
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModeState is the mode snapshot returned by session/new.
type ModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes"`
}

// NewSessionResult is the decoded session/new response.
type NewSessionResult struct {
	SessionID string          `json:"sessionId"`
	Modes     *ModeState      `json:"modes,omitempty"`
	Models    json.RawMessage `json:"models,omitempty"`
}

// PromptResult is the decoded session/prompt response.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// ModelInfo is one selectable model.
type ModelInfo struct {
	ID          string `json:"modelId"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// UnmarshalJSON accepts both "modelId" and "id".
func (m *ModelInfo) UnmarshalJSON(data []byte) error {
	var raw struct {
		ModelID     string `json:"modelId"`
		ID          string `json:"id"`
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.ID = raw.ModelID
	if m.ID == "" {
		m.ID = raw.ID
	}
	m.Name = raw.Name
	m.Description = raw.Description
	return nil
}

// sessionScoped reports whether a method's field names follow the profile's
// naming. initialize and authenticate are always sent as the protocol spells them.
func sessionScoped(method string) bool {
	return strings.HasPrefix(method, "session/") ||
		method == jsonrpc.MethodAgentListModels ||
		method == jsonrpc.MethodAgentSelect
}

// call sends one request on the live process and decodes the result.
func (c *Connection) call(ctx context.Context, method string, params any, out any) error {
	p, err := c.live()
	if err != nil {
		return &jsonrpc.CallError{Method: method, Kind: jsonrpc.KindTransport, Err: err}
	}
	return c.callOn(ctx, p, method, params, out)
}

func (c *Connection) callOn(ctx context.Context, p *process, method string, params any, out any) error {
	ctx, span := tracing.TraceProtocolRequest(ctx, c.opts.AgentID, method)
	defer span.End()

	var payload any = params
	if sessionScoped(method) {
		shaped, err := c.profile.Shape(params)
		if err != nil {
			return &jsonrpc.CallError{Method: method, Kind: jsonrpc.KindOther, Err: err}
		}
		payload = shaped
	}
	raw, err := p.rpc.Call(ctx, method, payload)
	if err != nil {
		tracing.TraceProtocolResult(span, jsonrpc.KindOf(err).String(), err)
		c.logger.Debug("agent request failed",
			zap.String("method", method),
			zap.String("kind", jsonrpc.KindOf(err).String()),
			zap.Error(err))
		return err
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.profile.Envelope(raw), out); err != nil {
		return &jsonrpc.CallError{Method: method, Kind: jsonrpc.KindOther, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

func (c *Connection) initialize(ctx context.Context, p *process) (*InitializeResult, error) {
	req := map[string]any{
		"protocolVersion": acp.ProtocolVersionNumber,
		"clientCapabilities": acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: true,
		},
		"clientInfo": map[string]any{
			"name":    c.opts.ClientName,
			"version": c.opts.ClientVersion,
		},
	}
	var result InitializeResult
	if err := c.callOn(ctx, p, jsonrpc.MethodInitialize, req, &result); err != nil {
		return nil, err
	}
	if len(result.ProtocolVersion) == 0 || string(result.ProtocolVersion) == "null" {
		return nil, &jsonrpc.CallError{
			Method: jsonrpc.MethodInitialize,
			Kind:   jsonrpc.KindOther,
			Err:    fmt.Errorf("initialize response has no protocolVersion"),
		}
	}
	return &result, nil
}

// Authenticate runs one of the agent's advertised authentication methods.
func (c *Connection) Authenticate(ctx context.Context, methodID string) error {
	return c.call(ctx, jsonrpc.MethodAuthenticate, map[string]any{"methodId": methodID}, nil)
}

// NewSession creates a session rooted at cwd.
func (c *Connection) NewSession(ctx context.Context, cwd string, servers []McpServer) (*NewSessionResult, error) {
	params := map[string]any{
		"cwd":        cwd,
		"mcpServers": wireMcpServers(servers),
	}
	var result NewSessionResult
	if err := c.call(ctx, jsonrpc.MethodSessionNew, params, &result); err != nil {
		return nil, err
	}
	if result.SessionID == "" {
		return nil, &jsonrpc.CallError{
			Method: jsonrpc.MethodSessionNew,
			Kind:   jsonrpc.KindOther,
			Err:    fmt.Errorf("agent returned no session id"),
		}
	}
	return &result, nil
}

// Prompt sends prompt blocks to a session and waits for the turn to end.
func (c *Connection) Prompt(ctx context.Context, sessionID string, blocks []acp.ContentBlock) (*PromptResult, error) {
	params := map[string]any{
		"sessionId": sessionID,
		"prompt":    blocks,
	}
	var result PromptResult
	if err := c.call(ctx, jsonrpc.MethodSessionPrompt, params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel asks the agent to stop the current turn. It is a notification:
// nothing confirms the agent stopped.
func (c *Connection) Cancel(sessionID string) error {
	p, err := c.live()
	if err != nil {
		return err
	}
	payload, err := c.profile.Shape(map[string]any{"sessionId": sessionID})
	if err != nil {
		return err
	}
	return p.rpc.Notify(jsonrpc.MethodSessionCancel, payload)
}

// SetMode switches the session's mode.
func (c *Connection) SetMode(ctx context.Context, sessionID, modeID string) error {
	return c.call(ctx, jsonrpc.MethodSessionSetMode, map[string]any{
		"sessionId": sessionID,
		"modeId":    modeID,
	}, nil)
}

// ListModels returns the models the agent offers. Adapters without model
// support yield an empty list. The current method name is tried first, then
// the legacy one.
func (c *Connection) ListModels(ctx context.Context, sessionID string) ([]ModelInfo, error) {
	if !c.profile.SupportsModels {
		return []ModelInfo{}, nil
	}
	params := map[string]any{"sessionId": sessionID}

	var errs []error
	for _, method := range []string{jsonrpc.MethodSessionListModels, jsonrpc.MethodAgentListModels} {
		var raw json.RawMessage
		err := c.call(ctx, method, params, &raw)
		if err == nil {
			return decodeModels(raw)
		}
		if jsonrpc.KindOf(err) == jsonrpc.KindTransport {
			return nil, err
		}
		errs = append(errs, err)
	}
	return nil, bestError(errs)
}

func decodeModels(raw json.RawMessage) ([]ModelInfo, error) {
	models := []ModelInfo{}
	if len(raw) == 0 || string(raw) == "null" {
		return models, nil
	}
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &models); err != nil {
			return nil, fmt.Errorf("decode models: %w", err)
		}
		return models, nil
	}
	var wrapped struct {
		Models          []ModelInfo `json:"models"`
		AvailableModels []ModelInfo `json:"availableModels"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	switch {
	case wrapped.AvailableModels != nil:
		return wrapped.AvailableModels, nil
	case wrapped.Models != nil:
		return wrapped.Models, nil
	}
	return models, nil
}

// SelectModel picks the session's model using the same method fallback as
// ListModels.
func (c *Connection) SelectModel(ctx context.Context, sessionID, modelID string) error {
	params := map[string]any{
		"sessionId": sessionID,
		"modelId":   modelID,
	}
	var errs []error
	for _, method := range []string{jsonrpc.MethodSessionSelect, jsonrpc.MethodAgentSelect} {
		err := c.call(ctx, method, params, nil)
		if err == nil {
			return nil
		}
		if jsonrpc.KindOf(err) == jsonrpc.KindTransport {
			return err
		}
		errs = append(errs, err)
	}
	return bestError(errs)
}

// bestError prefers an error that says something about the request over a
// plain "method not found".
func bestError(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	for _, err := range errs {
		var callErr *jsonrpc.CallError
		if errors.As(err, &callErr) {
			if rpcErr := callErr.RPCError(); rpcErr != nil && rpcErr.Code == jsonrpc.MethodNotFound {
				continue
			}
		}
		return err
	}
	return errs[0]
}
