package conn

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// ErrUnknownOption is returned when a selected option was not offered.
var ErrUnknownOption = errors.New("permission option was not offered")

// PermissionOption is one choice offered to the user.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// PermissionRequestEvent is emitted when the agent asks for permission. The
// request stays open until RespondPermission is called with RequestID.
type PermissionRequestEvent struct {
	RequestID string             `json:"requestId"`
	SessionID string             `json:"sessionId"`
	Title     string             `json:"title,omitempty"`
	ToolCall  json.RawMessage    `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// PermissionOutcome answers a permission request. An empty OptionID, or
// Cancelled, sends the cancelled outcome.
type PermissionOutcome struct {
	Cancelled bool   `json:"cancelled,omitempty"`
	OptionID  string `json:"optionId,omitempty"`
}

type pendingPermission struct {
	id      jsonrpc.ID
	owner   *process
	options []PermissionOption
}

type permissionSet struct {
	mu      sync.Mutex
	pending map[string]*pendingPermission
}

func newPermissionSet() *permissionSet {
	return &permissionSet{pending: make(map[string]*pendingPermission)}
}

func (s *permissionSet) add(p *pendingPermission) {
	s.mu.Lock()
	s.pending[p.id.String()] = p
	s.mu.Unlock()
}

// take removes and returns the request; only the first caller gets it.
func (s *permissionSet) take(requestID string) (*pendingPermission, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	return p, ok
}

func (s *permissionSet) put(p *pendingPermission) {
	s.mu.Lock()
	if _, exists := s.pending[p.id.String()]; !exists {
		s.pending[p.id.String()] = p
	}
	s.mu.Unlock()
}

func (s *permissionSet) ids() []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (s *permissionSet) dropOwner(owner *process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.pending {
		if p.owner == owner {
			delete(s.pending, id)
		}
	}
}

func (s *permissionSet) clear() {
	s.mu.Lock()
	s.pending = make(map[string]*pendingPermission)
	s.mu.Unlock()
}

// PendingPermissions lists the request ids still awaiting a response.
func (c *Connection) PendingPermissions() []string {
	return c.perms.ids()
}

// RespondPermission answers an open permission request. It reports false,
// and does nothing, when requestID is not pending (already answered, or
// never issued).
func (c *Connection) RespondPermission(requestID string, outcome PermissionOutcome) (bool, error) {
	pending, ok := c.perms.take(requestID)
	if !ok {
		c.logger.Debug("ignoring response for unknown permission request", zap.String("request_id", requestID))
		return false, nil
	}

	cancelled := outcome.Cancelled || outcome.OptionID == ""
	var resp acp.RequestPermissionResponse
	if cancelled {
		resp.Outcome = acp.NewRequestPermissionOutcomeCancelled()
	} else {
		if !offered(pending.options, outcome.OptionID) {
			c.perms.put(pending)
			return false, ErrUnknownOption
		}
		resp.Outcome = acp.NewRequestPermissionOutcomeSelected(acp.PermissionOptionId(outcome.OptionID))
	}

	payload, err := c.profile.Shape(resp)
	if err != nil {
		return true, err
	}
	if err := pending.owner.rpc.Respond(pending.id, payload, nil); err != nil {
		return true, err
	}
	c.logger.Info("permission request answered",
		zap.String("request_id", requestID),
		zap.Bool("cancelled", cancelled),
		zap.String("option_id", outcome.OptionID))
	return true, nil
}

func offered(options []PermissionOption, optionID string) bool {
	if len(options) == 0 {
		return true
	}
	for _, o := range options {
		if o.OptionID == optionID {
			return true
		}
	}
	return false
}
