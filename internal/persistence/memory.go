package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewMemoryStore returns a Store that keeps everything in process memory.
func NewMemoryStore() *Store {
	m := &memoryStore{
		sessions: make(map[string][]*SessionRecord),
		threads:  make(map[string][]*ThreadEntry),
		modes:    make(map[string]*ModeSnapshot),
	}
	return &Store{
		Sessions: memorySessions{m},
		Threads:  memoryThreads{m},
		Modes:    memoryModes{m},
	}
}

type memoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]*SessionRecord
	threads  map[string][]*ThreadEntry
	modes    map[string]*ModeSnapshot
}

func key(agentID, sessionID string) string { return agentID + "\x00" + sessionID }

type memorySessions struct{ m *memoryStore }

func (s memorySessions) Add(_ context.Context, rec *SessionRecord) error {
	prepareSession(rec)
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cp := *rec
	s.m.sessions[rec.AgentID] = append(s.m.sessions[rec.AgentID], &cp)
	return nil
}

func (s memorySessions) Touch(_ context.Context, agentID, sessionID string, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, rec := range s.m.sessions[agentID] {
		if rec.SessionID == sessionID {
			rec.LastActivity = at.UTC()
		}
	}
	return nil
}

func (s memorySessions) Delete(_ context.Context, agentID, sessionID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	kept := s.m.sessions[agentID][:0]
	for _, rec := range s.m.sessions[agentID] {
		if rec.SessionID != sessionID {
			kept = append(kept, rec)
		}
	}
	s.m.sessions[agentID] = kept
	return nil
}

func (s memorySessions) GetLast(_ context.Context, agentID string) (*SessionRecord, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	var last *SessionRecord
	for _, rec := range s.m.sessions[agentID] {
		if last == nil || !rec.LastActivity.Before(last.LastActivity) {
			last = rec
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

type memoryThreads struct{ m *memoryStore }

func (t memoryThreads) Append(_ context.Context, entry *ThreadEntry) error {
	prepareEntry(entry)
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	k := key(entry.AgentID, entry.SessionID)
	cp := *entry
	t.m.threads[k] = append(t.m.threads[k], &cp)
	return nil
}

func (t memoryThreads) List(_ context.Context, agentID, sessionID string) ([]*ThreadEntry, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	entries := t.m.threads[key(agentID, sessionID)]
	out := make([]*ThreadEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

type memoryModes struct{ m *memoryStore }

func (s memoryModes) SetSnapshot(_ context.Context, agentID, sessionID string, snap ModeSnapshot) error {
	snap.UpdatedAt = time.Now().UTC()
	snap.AvailableModes = append([]Mode(nil), snap.AvailableModes...)
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.modes[key(agentID, sessionID)] = &snap
	return nil
}

func (s memoryModes) SetCurrent(_ context.Context, agentID, sessionID, modeID string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := key(agentID, sessionID)
	snap, ok := s.m.modes[k]
	if !ok {
		snap = &ModeSnapshot{}
		s.m.modes[k] = snap
	}
	snap.CurrentModeID = modeID
	snap.UpdatedAt = time.Now().UTC()
	return nil
}

func (s memoryModes) Get(_ context.Context, agentID, sessionID string) (*ModeSnapshot, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	snap, ok := s.m.modes[key(agentID, sessionID)]
	if !ok {
		return nil, nil
	}
	cp := *snap
	cp.AvailableModes = append([]Mode(nil), snap.AvailableModes...)
	return &cp, nil
}

func prepareSession(rec *SessionRecord) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = rec.CreatedAt
	}
}

func prepareEntry(entry *ThreadEntry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}
