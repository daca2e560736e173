package session

import (
	"context"
	"errors"
	"time"

	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrTurnActive    = errors.New("turn active")
	ErrTurnRunner    = errors.New("turn runner failed")
	ErrEmptyMessage  = errors.New("message content is required")
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusTurnActive Status = "turn_active"
	StatusClosed     Status = "closed"
)

const (
	DefaultModel       = "claude-sonnet-4-20250514"
	DefaultToolVersion = "computer_use_20250124"
)

type Session struct {
	ID                 string    `json:"id"`
	Status             Status    `json:"status"`
	Model              string    `json:"model"`
	ToolVersion        string    `json:"tool_version"`
	SystemPromptSuffix string    `json:"system_prompt_suffix"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CreateParams are the optional creation parameters. Empty fields take the
// registry defaults.
type CreateParams struct {
	Model              string `json:"model"`
	ToolVersion        string `json:"tool_version"`
	SystemPromptSuffix string `json:"system_prompt_suffix"`
}

// Publisher receives every durable event, in offset order per session, and
// is told when a session closes so live observers can be released.
type Publisher interface {
	Publish(events.Event)
	CloseSession(sessionID string)
}

// Sink is handed every durable event off the session lane.
type Sink interface {
	Dispatch(ctx context.Context, ev events.Event)
}

func sessionFromRecord(rec eventlog.SessionRecord, status Status) Session {
	return Session{
		ID:                 rec.ID,
		Status:             status,
		Model:              rec.Model,
		ToolVersion:        rec.ToolVersion,
		SystemPromptSuffix: rec.SystemPromptSuffix,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}
