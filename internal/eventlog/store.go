package eventlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("sequence conflict")
	ErrStoreUnavailable = errors.New("store unavailable")
)

const maxAppendAttempts = 5

// SessionRecord is the persisted session row.
type SessionRecord struct {
	ID                 string    `json:"id"`
	Model              string    `json:"model"`
	ToolVersion        string    `json:"tool_version"`
	SystemPromptSuffix string    `json:"system_prompt_suffix"`
	Status             string    `json:"status"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Store is the durable, append-only, per-session ordered event log together
// with its session table.
type Store interface {
	CreateSession(context.Context, SessionRecord) error
	GetSession(context.Context, string) (SessionRecord, error)
	ListSessions(context.Context) ([]SessionRecord, error)
	SetSessionStatus(context.Context, string, string) error

	// Append assigns the next offset for the session and persists the event
	// in one step. Returned events are durable.
	Append(context.Context, string, events.Kind, json.RawMessage) (events.Event, error)
	// ReadFrom returns events with offset > after, ascending. limit <= 0 means
	// no limit.
	ReadFrom(context.Context, string, int64, int) ([]events.Event, error)
	ReadAll(context.Context, string) ([]events.Event, error)
	LastEvent(context.Context, string) (events.Event, bool, error)

	Close() error
}

// Messages filters a log down to its message events.
func Messages(log []events.Event) []events.Event {
	out := make([]events.Event, 0, len(log))
	for _, ev := range log {
		if ev.Kind == events.KindMessage {
			out = append(out, ev)
		}
	}
	return out
}

func validateSessionID(sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	return nil
}

func validateAppend(sessionID string, kind events.Kind, payload json.RawMessage) (json.RawMessage, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	if !events.ValidKind(kind) {
		return nil, fmt.Errorf("unsupported event kind %q", kind)
	}
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(trimmed) {
		return nil, fmt.Errorf("payload must be valid json")
	}
	copied := make(json.RawMessage, len(trimmed))
	copy(copied, trimmed)
	return copied, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

func now() time.Time {
	// Postgres keeps microseconds; truncating keeps fresh and reloaded records equal.
	return time.Now().UTC().Truncate(time.Microsecond)
}
