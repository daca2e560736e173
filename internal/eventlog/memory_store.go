package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"crabstack.local/projects/cu-backend/internal/events"
)

type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]SessionRecord
	logs     map[string][]events.Event
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]SessionRecord),
		logs:     make(map[string][]events.Event),
	}
}

var errMemoryStoreClosed = fmt.Errorf("memory store is closed")

func (s *MemoryStore) CreateSession(_ context.Context, rec SessionRecord) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("create session", errMemoryStoreClosed)
	}
	if _, exists := s.sessions[rec.ID]; exists {
		return fmt.Errorf("create session %s: %w", rec.ID, ErrConflict)
	}
	s.sessions[rec.ID] = rec
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (SessionRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return SessionRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return SessionRecord{}, unavailable("get session", errMemoryStoreClosed)
	}
	rec, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) ListSessions(_ context.Context) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("list sessions", errMemoryStoreClosed)
	}

	out := make([]SessionRecord, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) SetSessionStatus(_ context.Context, sessionID, status string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return unavailable("set session status", errMemoryStoreClosed)
	}
	rec, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = now()
	s.sessions[sessionID] = rec
	return nil
}

func (s *MemoryStore) Append(_ context.Context, sessionID string, kind events.Kind, payload json.RawMessage) (events.Event, error) {
	payload, err := validateAppend(sessionID, kind, payload)
	if err != nil {
		return events.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return events.Event{}, unavailable("append event", errMemoryStoreClosed)
	}
	rec, ok := s.sessions[sessionID]
	if !ok {
		return events.Event{}, ErrNotFound
	}

	ts := now()
	ev := events.Event{
		SessionID: sessionID,
		Offset:    int64(len(s.logs[sessionID])),
		Kind:      kind,
		Payload:   payload,
		CreatedAt: ts,
	}
	s.logs[sessionID] = append(s.logs[sessionID], ev)
	rec.UpdatedAt = ts
	s.sessions[sessionID] = rec
	return ev, nil
}

func (s *MemoryStore) ReadFrom(_ context.Context, sessionID string, after int64, limit int) ([]events.Event, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, unavailable("read events", errMemoryStoreClosed)
	}

	log := s.logs[sessionID]
	start := after + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(log)) {
		return []events.Event{}, nil
	}
	window := log[start:]
	if limit > 0 && limit < len(window) {
		window = window[:limit]
	}
	out := make([]events.Event, len(window))
	copy(out, window)
	return out, nil
}

func (s *MemoryStore) ReadAll(ctx context.Context, sessionID string) ([]events.Event, error) {
	return s.ReadFrom(ctx, sessionID, events.NoOffset, 0)
}

func (s *MemoryStore) LastEvent(_ context.Context, sessionID string) (events.Event, bool, error) {
	if err := validateSessionID(sessionID); err != nil {
		return events.Event{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return events.Event{}, false, unavailable("last event", errMemoryStoreClosed)
	}
	log := s.logs[sessionID]
	if len(log) == 0 {
		return events.Event{}, false, nil
	}
	return log[len(log)-1], true, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
