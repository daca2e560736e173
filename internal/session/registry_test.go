package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"crabstack.local/projects/cu-backend/internal/bus"
	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
)

func TestCreateAppliesDefaults(t *testing.T) {
	h := newHarness(t, nil, scriptedRunner(nil), SchedulerConfig{})

	sess := h.createSession(t)
	if sess.Model != DefaultModel || sess.ToolVersion != DefaultToolVersion || sess.Status != StatusIdle {
		t.Fatalf("unexpected defaults %+v", sess)
	}

	custom, err := h.registry.Create(context.Background(), CreateParams{
		Model:              " claude-opus-4-20250514 ",
		ToolVersion:        "computer_use_20241022",
		SystemPromptSuffix: "Prefer the terminal.",
	})
	if err != nil {
		t.Fatalf("create custom session: %v", err)
	}
	if custom.Model != "claude-opus-4-20250514" || custom.ToolVersion != "computer_use_20241022" || custom.SystemPromptSuffix != "Prefer the terminal." {
		t.Fatalf("unexpected custom session %+v", custom)
	}
}

func TestGetIsStable(t *testing.T) {
	h := newHarness(t, nil, scriptedRunner(nil, textChunk("ok")), SchedulerConfig{})
	sess := h.createSession(t)

	first, err := h.registry.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.post(t, sess.ID, "hello")
	h.waitIdle(t, sess.ID, 1)
	second, err := h.registry.Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if first.ID != second.ID || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Fatalf("immutable fields changed: %+v vs %+v", first, second)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("expected updated_at to advance, got %v then %v", first.UpdatedAt, second.UpdatedAt)
	}

	if _, err := h.registry.Get(context.Background(), "3f1d0c58-0d61-4c1d-9d2b-2b8d7b8f4a11"); !errors.Is(err, eventlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListShowsLiveStatus(t *testing.T) {
	gate := newGatedRunner()
	h := newHarness(t, nil, gate, SchedulerConfig{})
	older := h.createSession(t)
	time.Sleep(2 * time.Millisecond)
	newer := h.createSession(t)
	time.Sleep(2 * time.Millisecond)

	h.post(t, older.ID, "hello")
	gate.waitStarted(t)

	list, err := h.registry.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != older.ID || list[1].ID != newer.ID {
		t.Fatalf("expected most recently updated first, got %+v", list)
	}
	if list[0].Status != StatusTurnActive || list[1].Status != StatusIdle {
		t.Fatalf("unexpected statuses %s, %s", list[0].Status, list[1].Status)
	}

	gate.release <- struct{}{}
	h.waitIdle(t, older.ID, 1)
}

func TestReconstructClosesInterruptedTurn(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sessions.db")
	store, err := eventlog.NewGormStore("sqlite", dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	sessionID := "9b2f5c1e-8a4d-4f7e-b3c6-1d2e3f4a5b6c"
	if err := store.CreateSession(ctx, eventlog.SessionRecord{ID: sessionID, Model: DefaultModel, ToolVersion: DefaultToolVersion, Status: string(StatusTurnActive)}); err != nil {
		t.Fatalf("create session: %v", err)
	}
	appendRaw := func(kind events.Kind, payload any) {
		raw, _ := json.Marshal(payload)
		if _, err := store.Append(ctx, sessionID, kind, raw); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
	}
	appendRaw(events.KindMessage, events.MessagePayload{ID: "m1", Role: events.RoleUser, Content: []events.ContentBlock{{Type: events.BlockTypeText, Text: "hello"}}})
	appendRaw(events.KindTurnStarted, events.TurnStartedPayload{TurnID: "crashed-turn", TriggerOffset: 0})
	appendRaw(events.KindAssistantChunk, events.AssistantChunkPayload{TurnID: "crashed-turn", Block: events.ContentBlock{Type: events.BlockTypeText, Text: "Hi"}})

	logger := log.New(io.Discard, "", 0)
	b := bus.New(logger, 8)
	sub := b.Subscribe(sessionID)
	registry := NewRegistry(logger, store, b, nil, Defaults{})

	listed, err := registry.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 1 || listed[0].Status != StatusIdle {
		t.Fatalf("expected stale turn_active to list as idle, got %+v", listed)
	}

	sess, err := registry.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusIdle {
		t.Fatalf("expected idle after reconstruction, got %s", sess.Status)
	}

	last, ok, err := store.LastEvent(ctx, sessionID)
	if err != nil || !ok {
		t.Fatalf("last event: ok=%v err=%v", ok, err)
	}
	var failed events.TurnFailedPayload
	if err := last.DecodePayload(&failed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if last.Kind != events.KindTurnFailed || last.Offset != 3 || failed.TurnID != "crashed-turn" || failed.Error != interruptedTurnError {
		t.Fatalf("unexpected reconstruction event %+v %+v", last, failed)
	}

	select {
	case ev := <-sub.Events():
		if ev.Offset != 3 {
			t.Fatalf("expected interrupted marker to be published, got offset %d", ev.Offset)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for published interrupted marker")
	}

	// a second load must not append again
	again := NewRegistry(logger, store, b, nil, Defaults{})
	if _, err := again.Get(ctx, sessionID); err != nil {
		t.Fatalf("get with fresh registry: %v", err)
	}
	if last2, _, _ := store.LastEvent(ctx, sessionID); last2.Offset != 3 {
		t.Fatalf("expected no further events, last offset %d", last2.Offset)
	}

	rec, _ := store.GetSession(ctx, sessionID)
	if rec.Status != string(StatusIdle) {
		t.Fatalf("expected persisted status to be repaired, got %s", rec.Status)
	}
}

func TestReconstructKeepsClosedSessions(t *testing.T) {
	store := eventlog.NewMemoryStore()
	ctx := context.Background()
	sessionID := "0f8e7d6c-5b4a-4392-8a1b-0c9d8e7f6a5b"
	if err := store.CreateSession(ctx, eventlog.SessionRecord{ID: sessionID, Status: string(StatusClosed)}); err != nil {
		t.Fatalf("create session: %v", err)
	}

	h := newHarness(t, store, scriptedRunner(nil), SchedulerConfig{})
	sess, err := h.registry.Get(ctx, sessionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", sess.Status)
	}
	if _, err := h.scheduler.PostMessage(ctx, sessionID, "hi"); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}
