// Package jsonrpc implements the JSON-RPC 2.0 peer used to talk to ACP agents
// over a subprocess's stdio: message model, dual framing codec, and a
// bidirectional connection with a pending-request table.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Version is the only JSON-RPC version spoken.
const Version = "2.0"

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP application error codes.
const (
	CodeAuthRequired     = -32000
	CodeResourceNotFound = -32002
)

// ACP methods
const (
	// Client -> Agent
	MethodInitialize        = "initialize"
	MethodAuthenticate      = "authenticate"
	MethodSessionNew        = "session/new"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionSetMode    = "session/set_mode"
	MethodSessionListModels = "session/list_models"
	MethodAgentListModels   = "agent/list_models"
	MethodSessionSelect     = "session/select_model"
	MethodAgentSelect       = "agent/select_model"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"

	// Agent -> Client requests
	MethodRequestPermission = "session/request_permission"
	MethodFsReadTextFile    = "fs/read_text_file"
	MethodFsWriteTextFile   = "fs/write_text_file"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
	MethodTerminalWait      = "terminal/wait_for_exit"
)

// ID is a JSON-RPC request id, either a number or a string.
type ID struct {
	num   int64
	str   string
	isStr bool
}

// NumberID returns a numeric id.
func NumberID(n int64) ID { return ID{num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{str: s, isStr: true} }

// IsString reports whether the id was a JSON string.
func (id ID) IsString() bool { return id.isStr }

// Int64 returns the numeric value. String ids holding a decimal number are
// converted; other string ids report false.
func (id ID) Int64() (int64, bool) {
	if !id.isStr {
		return id.num, true
	}
	n, err := strconv.ParseInt(id.str, 10, 64)
	return n, err == nil
}

func (id ID) String() string {
	if id.isStr {
		return id.str
	}
	return strconv.FormatInt(id.num, 10)
}

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if id.isStr {
		return json.Marshal(id.str)
	}
	return []byte(strconv.FormatInt(id.num, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %s", data)
	}
	*id = NumberID(n)
	return nil
}

// Message is any JSON-RPC 2.0 envelope: request, notification or response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m *Message) IsRequest() bool { return m.Method != "" && m.ID != nil }

// IsNotification reports whether m is a one-way call.
func (m *Message) IsNotification() bool { return m.Method != "" && m.ID == nil }

// IsResponse reports whether m answers an earlier request.
func (m *Message) IsResponse() bool {
	return m.Method == "" && (m.Result != nil || m.Error != nil)
}

// NewRequest builds a request message.
func NewRequest(id ID, method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, ID: &id, Method: method, Params: raw}, nil
}

// NewNotification builds a notification message.
func NewNotification(method string, params any) (*Message, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}
	return &Message{JSONRPC: Version, Method: method, Params: raw}, nil
}

// NewResponse builds a response. A nil result with no error encodes as null.
func NewResponse(id ID, result any, rpcErr *Error) (*Message, error) {
	msg := &Message{JSONRPC: Version, ID: &id}
	if rpcErr != nil {
		msg.Error = rpcErr
		return msg, nil
	}
	if raw, ok := result.(json.RawMessage); ok && raw != nil {
		msg.Result = raw
		return msg, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	msg.Result = data
	return msg, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return data, nil
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error object.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}
