package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	dbpkg "crabstack.local/projects/cu-backend/internal/db"
	"crabstack.local/projects/cu-backend/internal/events"
)

const pgUniqueViolation = "23505"

type GormStore struct {
	db    *gorm.DB
	lanes *keyedMutex
}

var _ Store = (*GormStore)(nil)

func NewGormStore(driver, dsn string, logger *log.Logger) (*GormStore, error) {
	gormDB, err := dbpkg.OpenGorm(driver, dsn, logger)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB, lanes: newKeyedMutex()}
	if err := store.migrate(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	if err := s.db.AutoMigrate(&sessionRow{}, &eventRow{}); err != nil {
		return fmt.Errorf("migrate event log: %w", err)
	}
	return nil
}

func (s *GormStore) CreateSession(ctx context.Context, rec SessionRecord) error {
	if err := validateSessionID(rec.ID); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	row := sessionRowFromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create session %s: %w", rec.ID, ErrConflict)
		}
		return unavailable("create session", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if err := validateSessionID(sessionID); err != nil {
		return SessionRecord{}, err
	}

	var row sessionRow
	err := s.db.WithContext(ctx).Where("id = ?", sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, unavailable("get session", err)
	}
	return row.toRecord(), nil
}

func (s *GormStore) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	var rows []sessionRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, unavailable("list sessions", err)
	}
	out := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (s *GormStore) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sessionID).Updates(map[string]any{
		"status":     status,
		"updated_at": now(),
	})
	if res.Error != nil {
		return unavailable("set session status", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) Append(ctx context.Context, sessionID string, kind events.Kind, payload json.RawMessage) (events.Event, error) {
	payload, err := validateAppend(sessionID, kind, payload)
	if err != nil {
		return events.Event{}, err
	}

	unlock := s.lanes.Lock(sessionID)
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAppendAttempts; attempt++ {
		ev, err := s.appendOnce(ctx, sessionID, kind, payload)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, ErrConflict) {
			return events.Event{}, err
		}
		lastErr = err
	}
	return events.Event{}, unavailable("append event", fmt.Errorf("gave up after %d attempts: %w", maxAppendAttempts, lastErr))
}

func (s *GormStore) appendOnce(ctx context.Context, sessionID string, kind events.Kind, payload json.RawMessage) (events.Event, error) {
	var out events.Event
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sessions int64
		if err := tx.Model(&sessionRow{}).Where("id = ?", sessionID).Count(&sessions).Error; err != nil {
			return fmt.Errorf("session lookup: %w", err)
		}
		if sessions == 0 {
			return ErrNotFound
		}

		var maxSeq int64
		if err := tx.Model(&eventRow{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(seq), -1)").
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("sequence lookup: %w", err)
		}

		ts := now()
		row := eventRow{
			SessionID: sessionID,
			Seq:       maxSeq + 1,
			Kind:      string(kind),
			Payload:   string(payload),
			CreatedAt: ts,
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		if err := tx.Model(&sessionRow{}).Where("id = ?", sessionID).Update("updated_at", ts).Error; err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		out = row.toEvent()
		return nil
	})
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, ErrNotFound):
		return events.Event{}, ErrNotFound
	case isUniqueViolation(err):
		return events.Event{}, fmt.Errorf("append %s: %w", sessionID, ErrConflict)
	default:
		return events.Event{}, unavailable("append event", err)
	}
}

func (s *GormStore) ReadFrom(ctx context.Context, sessionID string, after int64, limit int) ([]events.Event, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).
		Model(&eventRow{}).
		Where("session_id = ? AND seq > ?", sessionID, after).
		Order("seq ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []eventRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, unavailable("read events", err)
	}
	out := make([]events.Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEvent())
	}
	return out, nil
}

func (s *GormStore) ReadAll(ctx context.Context, sessionID string) ([]events.Event, error) {
	return s.ReadFrom(ctx, sessionID, events.NoOffset, 0)
}

func (s *GormStore) LastEvent(ctx context.Context, sessionID string) (events.Event, bool, error) {
	if err := validateSessionID(sessionID); err != nil {
		return events.Event{}, false, err
	}
	var row eventRow
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC").
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return events.Event{}, false, nil
		}
		return events.Event{}, false, unavailable("last event", err)
	}
	return row.toEvent(), true, nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
