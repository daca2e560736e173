package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/ids"
)

const interruptedTurnError = "turn interrupted"

// state is the live, in-memory view of one session. mu is the session lane:
// every append and every status decision for the session happens under it.
type state struct {
	mu sync.Mutex
	id string

	loaded        bool
	record        eventlog.SessionRecord
	status        Status
	pending       bool
	pendingOffset int64
}

type Defaults struct {
	Model       string
	ToolVersion string
}

// Registry owns session records and their live state. Live state is created
// on first use and rebuilt from the store when the process restarts.
type Registry struct {
	journal  *journal
	defaults Defaults
	logger   *log.Logger

	mu     sync.Mutex
	states map[string]*state
}

func NewRegistry(logger *log.Logger, store eventlog.Store, publisher Publisher, sink Sink, defaults Defaults) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(defaults.Model) == "" {
		defaults.Model = DefaultModel
	}
	if strings.TrimSpace(defaults.ToolVersion) == "" {
		defaults.ToolVersion = DefaultToolVersion
	}
	return &Registry{
		journal:  &journal{store: store, publisher: publisher, sink: sink},
		defaults: defaults,
		logger:   logger,
		states:   make(map[string]*state),
	}
}

func (r *Registry) Create(ctx context.Context, params CreateParams) (Session, error) {
	rec := eventlog.SessionRecord{
		ID:                 ids.New(),
		Model:              firstNonEmpty(params.Model, r.defaults.Model),
		ToolVersion:        firstNonEmpty(params.ToolVersion, r.defaults.ToolVersion),
		SystemPromptSuffix: params.SystemPromptSuffix,
		Status:             string(StatusIdle),
	}
	if err := r.journal.store.CreateSession(ctx, rec); err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	stored, err := r.journal.store.GetSession(ctx, rec.ID)
	if err != nil {
		return Session{}, fmt.Errorf("load created session: %w", err)
	}

	st := r.stateFor(rec.ID)
	st.mu.Lock()
	st.loaded = true
	st.record = stored
	st.status = StatusIdle
	st.mu.Unlock()

	r.logger.Printf("session created session_id=%s model=%s tool_version=%s", stored.ID, stored.Model, stored.ToolVersion)
	return sessionFromRecord(stored, StatusIdle), nil
}

func (r *Registry) Get(ctx context.Context, sessionID string) (Session, error) {
	st, err := r.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer st.mu.Unlock()
	return sessionFromRecord(st.record, st.status), nil
}

// List returns every session, most recently updated first. Live status wins
// over the persisted one for sessions already loaded.
func (r *Registry) List(ctx context.Context) ([]Session, error) {
	records, err := r.journal.store.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]Session, 0, len(records))
	for _, rec := range records {
		status := Status(rec.Status)
		if live, ok := r.liveStatus(rec.ID); ok {
			status = live
		} else if status == StatusTurnActive {
			// persisted by a previous process whose turn never finished
			status = StatusIdle
		}
		out = append(out, sessionFromRecord(rec, status))
	}
	return out, nil
}

// Messages returns the session's message events in offset order.
func (r *Registry) Messages(ctx context.Context, sessionID string) ([]events.Event, error) {
	if _, err := r.Get(ctx, sessionID); err != nil {
		return nil, err
	}
	entries, err := r.journal.store.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session log: %w", err)
	}
	return eventlog.Messages(entries), nil
}

func (r *Registry) liveStatus(sessionID string) (Status, bool) {
	r.mu.Lock()
	st, ok := r.states[sessionID]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.loaded {
		return "", false
	}
	return st.status, true
}

func (r *Registry) stateFor(sessionID string) *state {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[sessionID]
	if !ok {
		st = &state{id: sessionID}
		r.states[sessionID] = st
	}
	return st
}

// acquire returns the session state with its lane held. The caller must
// unlock st.mu.
func (r *Registry) acquire(ctx context.Context, sessionID string) (*state, error) {
	if !ids.Valid(sessionID) {
		return nil, fmt.Errorf("session %q: %w", sessionID, eventlog.ErrNotFound)
	}
	st := r.stateFor(sessionID)
	st.mu.Lock()
	if st.loaded {
		return st, nil
	}
	if err := r.reconstruct(ctx, st); err != nil {
		if errors.Is(err, eventlog.ErrNotFound) {
			r.forget(st)
		}
		st.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// reconstruct rebuilds live state from the persisted row and the log tail. A
// turn left open by a previous process is closed with a turn_failed event.
// A pending message kept across an abandoned turn survives the rebuild.
func (r *Registry) reconstruct(ctx context.Context, st *state) error {
	rec, err := r.journal.store.GetSession(ctx, st.id)
	if err != nil {
		return fmt.Errorf("session %s: %w", st.id, err)
	}
	st.record = rec

	if Status(rec.Status) == StatusClosed {
		st.status = StatusClosed
		st.pending = false
		st.loaded = true
		return nil
	}

	last, ok, err := r.journal.store.LastEvent(ctx, st.id)
	if err != nil {
		return fmt.Errorf("session %s: %w", st.id, err)
	}
	if ok && !events.TerminatesTurn(last.Kind) {
		turnID, open, err := r.openTurn(ctx, st.id)
		if err != nil {
			return fmt.Errorf("session %s: %w", st.id, err)
		}
		if open {
			if _, err := r.journal.append(ctx, st, events.KindTurnFailed, events.TurnFailedPayload{
				TurnID: turnID,
				Error:  interruptedTurnError,
			}); err != nil {
				return fmt.Errorf("close interrupted turn: %w", err)
			}
			r.logger.Printf("turn interrupted session_id=%s turn_id=%s", st.id, turnID)
		}
	}

	st.status = StatusIdle
	if Status(rec.Status) != StatusIdle {
		if err := r.journal.store.SetSessionStatus(ctx, st.id, string(StatusIdle)); err != nil {
			r.logger.Printf("session status write failed session_id=%s status=%s err=%v", st.id, StatusIdle, err)
		}
		st.record.Status = string(StatusIdle)
	}
	st.loaded = true
	return nil
}

// openTurn reports the turn id of a turn_started with no terminal event after it.
func (r *Registry) openTurn(ctx context.Context, sessionID string) (string, bool, error) {
	entries, err := r.journal.store.ReadAll(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		switch entries[i].Kind {
		case events.KindTurnStarted:
			var started events.TurnStartedPayload
			if err := entries[i].DecodePayload(&started); err != nil {
				return "", false, fmt.Errorf("decode turn_started at offset %d: %w", entries[i].Offset, err)
			}
			return started.TurnID, true, nil
		case events.KindTurnCompleted, events.KindTurnFailed:
			return "", false, nil
		}
	}
	return "", false, nil
}

// forget drops a state that failed to load. Called with st.mu held.
func (r *Registry) forget(st *state) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.states[st.id]; ok && current == st {
		delete(r.states, st.id)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
