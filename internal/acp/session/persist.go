package session

import (
	"context"
	"encoding/json"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/acp/conn"
	"github.com/kandev/acphost/internal/events"
	"github.com/kandev/acphost/internal/persistence"
)

const kindCurrentModeUpdate = "current_mode_update"

// intercept records session updates before passing every event on.
func (o *Orchestrator) intercept(kind events.Kind, payload any) {
	if kind == events.SessionUpdate {
		if ev, ok := payload.(conn.SessionUpdateEvent); ok {
			o.recordUpdate(ev)
		}
	}
	o.sink.Emit(kind, payload)
}

func (o *Orchestrator) recordUpdate(ev conn.SessionUpdateEvent) {
	if ev.SessionID == "" {
		return
	}
	o.appendEntry(ev.SessionID, persistence.RoleAgent, ev.Kind, ev.Update)
	if ev.Kind != kindCurrentModeUpdate {
		return
	}
	var update struct {
		CurrentModeID      string `json:"currentModeId"`
		SnakeCurrentModeID string `json:"current_mode_id"`
		ModeID             string `json:"modeId"`
	}
	if err := json.Unmarshal(ev.Update, &update); err != nil {
		o.logger.Warn("malformed current_mode_update", zap.Error(err))
		return
	}
	modeID := update.CurrentModeID
	if modeID == "" {
		modeID = update.SnakeCurrentModeID
	}
	if modeID == "" {
		modeID = update.ModeID
	}
	if modeID != "" {
		o.setCurrentMode(ev.SessionID, modeID)
	}
}

func (o *Orchestrator) setCurrentMode(sessionID, modeID string) {
	o.mu.Lock()
	if o.active != nil && o.active.SessionID == sessionID && o.active.Modes != nil {
		modes := *o.active.Modes
		modes.CurrentModeID = modeID
		o.active.Modes = &modes
	}
	o.mu.Unlock()

	o.writes.enqueue("set current mode", func(ctx context.Context) error {
		return o.store.Modes.SetCurrent(ctx, o.agentID, sessionID, modeID)
	})
}

func (o *Orchestrator) persistSession(active *Active) {
	rec := &persistence.SessionRecord{
		AgentID:      o.agentID,
		SessionID:    active.SessionID,
		Cwd:          active.Cwd,
		CreatedAt:    active.LastActivity,
		LastActivity: active.LastActivity,
	}
	o.writes.enqueue("add session", func(ctx context.Context) error {
		return o.store.Sessions.Add(ctx, rec)
	})
}

func (o *Orchestrator) persistModes(sessionID string, state *conn.ModeState) {
	snap := persistence.ModeSnapshot{
		CurrentModeID:  state.CurrentModeID,
		AvailableModes: make([]persistence.Mode, 0, len(state.AvailableModes)),
	}
	for _, m := range state.AvailableModes {
		snap.AvailableModes = append(snap.AvailableModes, persistence.Mode{
			ID:          m.ID,
			Name:        m.Name,
			Description: m.Description,
		})
	}
	o.writes.enqueue("set mode snapshot", func(ctx context.Context) error {
		return o.store.Modes.SetSnapshot(ctx, o.agentID, sessionID, snap)
	})
}

func (o *Orchestrator) persistPrompt(sessionID string, blocks []acp.ContentBlock) {
	payload, err := json.Marshal(blocks)
	if err != nil {
		o.logger.Warn("failed to encode prompt for thread log", zap.Error(err))
		return
	}
	o.appendEntry(sessionID, persistence.RoleUser, "prompt", payload)
}

func (o *Orchestrator) appendEntry(sessionID, role, kind string, payload json.RawMessage) {
	entry := &persistence.ThreadEntry{
		AgentID:   o.agentID,
		SessionID: sessionID,
		Role:      role,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	o.writes.enqueue("append thread entry", func(ctx context.Context) error {
		return o.store.Threads.Append(ctx, entry)
	})
}

func (o *Orchestrator) touch(sessionID string) {
	now := time.Now().UTC()
	o.mu.Lock()
	if o.active != nil && o.active.SessionID == sessionID {
		o.active.LastActivity = now
	}
	o.mu.Unlock()
	o.writes.enqueue("touch session", func(ctx context.Context) error {
		return o.store.Sessions.Touch(ctx, o.agentID, sessionID, now)
	})
}
