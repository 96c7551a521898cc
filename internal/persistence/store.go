// Package persistence stores the sessions, thread logs and mode snapshots the
// session layer writes on a best-effort basis.
package persistence

import (
	"context"
	"encoding/json"
	"time"
)

// SessionRecord is one agent session the host created.
type SessionRecord struct {
	ID           string    `db:"id" json:"id"`
	AgentID      string    `db:"agent_id" json:"agentId"`
	SessionID    string    `db:"session_id" json:"sessionId"`
	Cwd          string    `db:"cwd" json:"cwd"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
	LastActivity time.Time `db:"last_activity" json:"lastActivity"`
}

// Thread entry roles.
const (
	RoleUser   = "user"
	RoleAgent  = "agent"
	RoleSystem = "system"
)

// ThreadEntry is one line of a session's conversation log.
type ThreadEntry struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	SessionID string          `json:"sessionId"`
	Role      string          `json:"role"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Mode is one mode an agent offers for a session.
type Mode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// ModeSnapshot is the last known mode state of a session.
type ModeSnapshot struct {
	CurrentModeID  string    `json:"currentModeId"`
	AvailableModes []Mode    `json:"availableModes"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// SessionStore records sessions per agent.
type SessionStore interface {
	Add(ctx context.Context, rec *SessionRecord) error
	Touch(ctx context.Context, agentID, sessionID string, at time.Time) error
	Delete(ctx context.Context, agentID, sessionID string) error
	// GetLast returns the most recently active session, or nil.
	GetLast(ctx context.Context, agentID string) (*SessionRecord, error)
}

// ThreadStore is the append-only conversation log.
type ThreadStore interface {
	Append(ctx context.Context, entry *ThreadEntry) error
	List(ctx context.Context, agentID, sessionID string) ([]*ThreadEntry, error)
}

// ModeStore keeps the mode snapshot of each session.
type ModeStore interface {
	SetSnapshot(ctx context.Context, agentID, sessionID string, snap ModeSnapshot) error
	SetCurrent(ctx context.Context, agentID, sessionID, modeID string) error
	// Get returns the snapshot, or nil when none was stored.
	Get(ctx context.Context, agentID, sessionID string) (*ModeSnapshot, error)
}

// Store groups the three collaborators.
type Store struct {
	Sessions SessionStore
	Threads  ThreadStore
	Modes    ModeStore
}
