package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kandev/acphost/internal/db"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS acp_sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	cwd TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	last_activity TIMESTAMP NOT NULL,
	UNIQUE (agent_id, session_id)
);
CREATE TABLE IF NOT EXISTS acp_thread_entries (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_thread_session ON acp_thread_entries (agent_id, session_id, seq);
CREATE TABLE IF NOT EXISTS acp_modes (
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	current_mode_id TEXT NOT NULL DEFAULT '',
	available_modes TEXT NOT NULL DEFAULT '[]',
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (agent_id, session_id)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS acp_sessions (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	cwd TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	last_activity TIMESTAMPTZ NOT NULL,
	UNIQUE (agent_id, session_id)
);
CREATE TABLE IF NOT EXISTS acp_thread_entries (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_acp_thread_session ON acp_thread_entries (agent_id, session_id, seq);
CREATE TABLE IF NOT EXISTS acp_modes (
	agent_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	current_mode_id TEXT NOT NULL DEFAULT '',
	available_modes TEXT NOT NULL DEFAULT '[]',
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (agent_id, session_id)
);
`

type sqlRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLStore creates the schema on pool and returns a Store backed by it.
func NewSQLStore(ctx context.Context, pool *db.Pool) (*Store, error) {
	r := &sqlRepository{db: pool.Writer(), ro: pool.Reader()}
	schema := sqliteSchema
	if pool.IsPostgres() {
		schema = postgresSchema
	}
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{
		Sessions: sqlSessions{r},
		Threads:  sqlThreads{r},
		Modes:    sqlModes{r},
	}, nil
}

type sqlSessions struct{ r *sqlRepository }

func (s sqlSessions) Add(ctx context.Context, rec *SessionRecord) error {
	prepareSession(rec)
	_, err := s.r.db.ExecContext(ctx, s.r.db.Rebind(`
		INSERT INTO acp_sessions (id, agent_id, session_id, cwd, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, session_id) DO UPDATE SET cwd = excluded.cwd, last_activity = excluded.last_activity
	`), rec.ID, rec.AgentID, rec.SessionID, rec.Cwd, rec.CreatedAt, rec.LastActivity)
	return err
}

func (s sqlSessions) Touch(ctx context.Context, agentID, sessionID string, at time.Time) error {
	_, err := s.r.db.ExecContext(ctx, s.r.db.Rebind(`
		UPDATE acp_sessions SET last_activity = ? WHERE agent_id = ? AND session_id = ?
	`), at.UTC(), agentID, sessionID)
	return err
}

func (s sqlSessions) Delete(ctx context.Context, agentID, sessionID string) error {
	_, err := s.r.db.ExecContext(ctx, s.r.db.Rebind(`
		DELETE FROM acp_sessions WHERE agent_id = ? AND session_id = ?
	`), agentID, sessionID)
	return err
}

func (s sqlSessions) GetLast(ctx context.Context, agentID string) (*SessionRecord, error) {
	var rec SessionRecord
	err := s.r.ro.GetContext(ctx, &rec, s.r.ro.Rebind(`
		SELECT id, agent_id, session_id, cwd, created_at, last_activity
		FROM acp_sessions
		WHERE agent_id = ?
		ORDER BY last_activity DESC, created_at DESC
		LIMIT 1
	`), agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

type sqlThreads struct{ r *sqlRepository }

type threadRow struct {
	ID        string    `db:"id"`
	AgentID   string    `db:"agent_id"`
	SessionID string    `db:"session_id"`
	Role      string    `db:"role"`
	Kind      string    `db:"kind"`
	Payload   string    `db:"payload"`
	CreatedAt time.Time `db:"created_at"`
}

func (t sqlThreads) Append(ctx context.Context, entry *ThreadEntry) error {
	prepareEntry(entry)
	_, err := t.r.db.ExecContext(ctx, t.r.db.Rebind(`
		INSERT INTO acp_thread_entries (id, agent_id, session_id, role, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.AgentID, entry.SessionID, entry.Role, entry.Kind, string(entry.Payload), entry.CreatedAt)
	return err
}

func (t sqlThreads) List(ctx context.Context, agentID, sessionID string) ([]*ThreadEntry, error) {
	var rows []threadRow
	err := t.r.ro.SelectContext(ctx, &rows, t.r.ro.Rebind(`
		SELECT id, agent_id, session_id, role, kind, payload, created_at
		FROM acp_thread_entries
		WHERE agent_id = ? AND session_id = ?
		ORDER BY seq ASC
	`), agentID, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*ThreadEntry, 0, len(rows))
	for _, row := range rows {
		entry := &ThreadEntry{
			ID:        row.ID,
			AgentID:   row.AgentID,
			SessionID: row.SessionID,
			Role:      row.Role,
			Kind:      row.Kind,
			CreatedAt: row.CreatedAt,
		}
		if row.Payload != "" {
			entry.Payload = json.RawMessage(row.Payload)
		}
		out = append(out, entry)
	}
	return out, nil
}

type sqlModes struct{ r *sqlRepository }

type modeRow struct {
	CurrentModeID  string    `db:"current_mode_id"`
	AvailableModes string    `db:"available_modes"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (s sqlModes) SetSnapshot(ctx context.Context, agentID, sessionID string, snap ModeSnapshot) error {
	modes := snap.AvailableModes
	if modes == nil {
		modes = []Mode{}
	}
	available, err := json.Marshal(modes)
	if err != nil {
		return err
	}
	_, err = s.r.db.ExecContext(ctx, s.r.db.Rebind(`
		INSERT INTO acp_modes (agent_id, session_id, current_mode_id, available_modes, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (agent_id, session_id) DO UPDATE SET
			current_mode_id = excluded.current_mode_id,
			available_modes = excluded.available_modes,
			updated_at = excluded.updated_at
	`), agentID, sessionID, snap.CurrentModeID, string(available), time.Now().UTC())
	return err
}

func (s sqlModes) SetCurrent(ctx context.Context, agentID, sessionID, modeID string) error {
	_, err := s.r.db.ExecContext(ctx, s.r.db.Rebind(`
		INSERT INTO acp_modes (agent_id, session_id, current_mode_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_id, session_id) DO UPDATE SET
			current_mode_id = excluded.current_mode_id,
			updated_at = excluded.updated_at
	`), agentID, sessionID, modeID, time.Now().UTC())
	return err
}

func (s sqlModes) Get(ctx context.Context, agentID, sessionID string) (*ModeSnapshot, error) {
	var row modeRow
	err := s.r.ro.GetContext(ctx, &row, s.r.ro.Rebind(`
		SELECT current_mode_id, available_modes, updated_at
		FROM acp_modes
		WHERE agent_id = ? AND session_id = ?
	`), agentID, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap := &ModeSnapshot{CurrentModeID: row.CurrentModeID, UpdatedAt: row.UpdatedAt}
	if err := json.Unmarshal([]byte(row.AvailableModes), &snap.AvailableModes); err != nil {
		return nil, fmt.Errorf("decode available modes: %w", err)
	}
	return snap, nil
}
