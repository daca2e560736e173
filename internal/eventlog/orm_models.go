package eventlog

import (
	"encoding/json"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
)

type sessionRow struct {
	ID                 string    `gorm:"primaryKey;size:64"`
	Model              string    `gorm:"size:191;not null"`
	ToolVersion        string    `gorm:"size:191;not null"`
	SystemPromptSuffix string    `gorm:"type:text;not null"`
	Status             string    `gorm:"size:32;not null"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null;index"`
}

func (sessionRow) TableName() string {
	return "sessions"
}

func (r sessionRow) toRecord() SessionRecord {
	return SessionRecord{
		ID:                 r.ID,
		Model:              r.Model,
		ToolVersion:        r.ToolVersion,
		SystemPromptSuffix: r.SystemPromptSuffix,
		Status:             r.Status,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
}

func sessionRowFromRecord(rec SessionRecord) sessionRow {
	return sessionRow{
		ID:                 rec.ID,
		Model:              rec.Model,
		ToolVersion:        rec.ToolVersion,
		SystemPromptSuffix: rec.SystemPromptSuffix,
		Status:             rec.Status,
		CreatedAt:          rec.CreatedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
}

// eventRow stores the offset in column seq; OFFSET is reserved in SQL.
type eventRow struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	SessionID string    `gorm:"size:64;not null;uniqueIndex:idx_events_session_seq,priority:1"`
	Seq       int64     `gorm:"not null;uniqueIndex:idx_events_session_seq,priority:2"`
	Kind      string    `gorm:"size:32;not null;index"`
	Payload   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (eventRow) TableName() string {
	return "events"
}

func (r eventRow) toEvent() events.Event {
	return events.Event{
		SessionID: r.SessionID,
		Offset:    r.Seq,
		Kind:      events.Kind(r.Kind),
		Payload:   json.RawMessage(r.Payload),
		CreatedAt: r.CreatedAt.UTC(),
	}
}
