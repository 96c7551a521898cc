package mockagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

func promptText(raw json.RawMessage) string {
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	_ = json.Unmarshal(raw, &blocks)
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func endTurn(reason string) map[string]any {
	return map[string]any{"stopReason": reason}
}

func (a *Agent) prompt(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p struct {
		SessionID string          `json:"sessionId"`
		Prompt    json.RawMessage `json:"prompt"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.InvalidParams, "%v", err)
	}

	a.mu.Lock()
	a.prompts++
	authed := a.authed
	forget := false
	switch a.opts.NotFound {
	case NotFoundAlways:
		forget = true
	case NotFoundOnce:
		forget = !a.forgot
		a.forgot = true
	}
	if forget {
		delete(a.byID, p.SessionID)
	}
	a.mu.Unlock()

	if a.opts.RequireAuth && !authed {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeAuthRequired, Message: "Authentication required"}
	}
	if forget {
		return nil, jsonrpc.NewError(jsonrpc.InternalError, "Session not found: %s", p.SessionID)
	}
	s, rpcErr := a.lookup(p.SessionID)
	if rpcErr != nil {
		return nil, rpcErr
	}

	text := promptText(p.Prompt)
	fields := strings.Fields(text)
	if len(fields) == 0 {
		a.say(s.id, "echo: ")
		return endTurn("end_turn"), nil
	}

	switch fields[0] {
	case "read":
		a.readFile(ctx, s, fields[1:])
	case "write":
		a.writeFile(ctx, s, fields[1:])
	case "terminal":
		a.runTerminal(ctx, s, fields[1:])
	case "permission":
		a.askPermission(ctx, s)
	case "call":
		if len(fields) > 1 {
			_, err := a.call(ctx, fields[1], map[string]any{"sessionId": s.id})
			a.say(s.id, describe(err))
		}
	case "hang":
		select {
		case <-s.cancel:
			return endTurn("cancelled"), nil
		case <-ctx.Done():
			return endTurn("cancelled"), nil
		}
	case "garbage":
		if a.opts.Framing == jsonrpc.FramingLine {
			_, _ = a.w.Write([]byte("this is not json\n"))
		}
		a.say(s.id, "after garbage")
	case "exit":
		code := 0
		if len(fields) > 1 {
			code, _ = strconv.Atoi(fields[1])
		}
		a.opts.Exit(code)
	default:
		a.say(s.id, "echo: "+text)
	}
	return endTurn("end_turn"), nil
}

// describe renders a call outcome as "ok" or "error <code> <message>".
func describe(err error) string {
	if err == nil {
		return "ok"
	}
	var callErr *jsonrpc.CallError
	if errors.As(err, &callErr) {
		if rpcErr := callErr.RPCError(); rpcErr != nil {
			return fmt.Sprintf("error %d %s", rpcErr.Code, rpcErr.Message)
		}
	}
	return "error " + err.Error()
}

func (a *Agent) readFile(ctx context.Context, s *session, args []string) {
	if len(args) == 0 {
		a.say(s.id, "error missing path")
		return
	}
	params := map[string]any{"sessionId": s.id, "path": args[0]}
	if len(args) > 1 {
		line, _ := strconv.Atoi(args[1])
		params["line"] = line
	}
	if len(args) > 2 {
		limit, _ := strconv.Atoi(args[2])
		params["limit"] = limit
	}
	raw, err := a.call(ctx, jsonrpc.MethodFsReadTextFile, params)
	if err != nil {
		a.say(s.id, describe(err))
		return
	}
	var resp struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(raw, &resp)
	a.say(s.id, resp.Content)
}

func (a *Agent) writeFile(ctx context.Context, s *session, args []string) {
	if len(args) < 2 {
		a.say(s.id, "error missing path or content")
		return
	}
	_, err := a.call(ctx, jsonrpc.MethodFsWriteTextFile, map[string]any{
		"sessionId": s.id,
		"path":      args[0],
		"content":   strings.Join(args[1:], " "),
	})
	a.say(s.id, describe(err))
}

func (a *Agent) runTerminal(ctx context.Context, s *session, args []string) {
	if len(args) == 0 {
		a.say(s.id, "error missing command")
		return
	}
	raw, err := a.call(ctx, jsonrpc.MethodTerminalCreate, map[string]any{
		"sessionId": s.id,
		"command":   args[0],
		"args":      args[1:],
		"env":       []any{map[string]any{"name": "MOCK_TERMINAL", "value": "1"}},
	})
	if err != nil {
		a.say(s.id, describe(err))
		return
	}
	var created struct {
		TerminalID string `json:"terminalId"`
	}
	_ = json.Unmarshal(raw, &created)
	ref := map[string]any{"sessionId": s.id, "terminalId": created.TerminalID}

	raw, err = a.call(ctx, jsonrpc.MethodTerminalWait, ref)
	if err != nil {
		a.say(s.id, describe(err))
		return
	}
	var exit struct {
		ExitCode *int    `json:"exitCode"`
		Signal   *string `json:"signal"`
	}
	_ = json.Unmarshal(raw, &exit)

	raw, err = a.call(ctx, jsonrpc.MethodTerminalOutput, ref)
	if err != nil {
		a.say(s.id, describe(err))
		return
	}
	var out struct {
		Output    string `json:"output"`
		Truncated bool   `json:"truncated"`
	}
	_ = json.Unmarshal(raw, &out)

	_, releaseErr := a.call(ctx, jsonrpc.MethodTerminalRelease, ref)
	_, afterErr := a.call(ctx, jsonrpc.MethodTerminalOutput, ref)

	code := -1
	if exit.ExitCode != nil {
		code = *exit.ExitCode
	}
	a.say(s.id, fmt.Sprintf("id=%s exit=%d truncated=%t release=%s after=%s output=%s",
		created.TerminalID, code, out.Truncated, describe(releaseErr), describe(afterErr), out.Output))
}

func (a *Agent) askPermission(ctx context.Context, s *session) {
	raw, err := a.call(ctx, jsonrpc.MethodRequestPermission, map[string]any{
		"sessionId": s.id,
		"toolCall":  map[string]any{"toolCallId": "call-1", "title": "Edit main.go", "kind": "edit"},
		"options": []any{
			map[string]any{"optionId": "allow", "name": "Allow", "kind": "allow_once"},
			map[string]any{"optionId": "reject", "name": "Reject", "kind": "reject_once"},
		},
	})
	if err != nil {
		a.say(s.id, describe(err))
		return
	}
	var resp struct {
		Outcome struct {
			Outcome  string `json:"outcome"`
			OptionID string `json:"optionId"`
		} `json:"outcome"`
	}
	_ = json.Unmarshal(raw, &resp)
	if resp.Outcome.Outcome == "selected" {
		a.say(s.id, "outcome=selected:"+resp.Outcome.OptionID)
		return
	}
	a.say(s.id, "outcome="+resp.Outcome.Outcome)
}
