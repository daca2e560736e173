package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/ids"
	"crabstack.local/projects/cu-backend/internal/runner"
)

const (
	defaultStoreRetryTimeout = 30 * time.Second
	defaultStoreRetryBackoff = 250 * time.Millisecond
	statusWriteTimeout       = 5 * time.Second
)

type SchedulerConfig struct {
	// TurnTimeout bounds a single turn. Zero means no limit.
	TurnTimeout time.Duration
	// StoreRetryTimeout bounds how long the terminal event of a turn is
	// retried while the store is unavailable.
	StoreRetryTimeout time.Duration
	StoreRetryBackoff time.Duration
}

// Scheduler runs at most one turn per session. Posting a message while a turn
// is active marks the session pending and the next turn starts as soon as the
// current one ends.
type Scheduler struct {
	registry *Registry
	runner   runner.Runner
	logger   *log.Logger
	cfg      SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type PostResult struct {
	MessageID string
	Event     events.Event
}

func NewScheduler(logger *log.Logger, registry *Registry, turnRunner runner.Runner, cfg SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.StoreRetryTimeout <= 0 {
		cfg.StoreRetryTimeout = defaultStoreRetryTimeout
	}
	if cfg.StoreRetryBackoff <= 0 {
		cfg.StoreRetryBackoff = defaultStoreRetryBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		registry: registry,
		runner:   turnRunner,
		logger:   logger,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// PostMessage appends a user message and starts a turn if none is active.
// The returned event is durable and already published.
func (s *Scheduler) PostMessage(ctx context.Context, sessionID, content string) (PostResult, error) {
	if strings.TrimSpace(content) == "" {
		return PostResult{}, ErrEmptyMessage
	}

	st, err := s.registry.acquire(ctx, sessionID)
	if err != nil {
		return PostResult{}, err
	}
	defer st.mu.Unlock()

	if st.status == StatusClosed {
		return PostResult{}, fmt.Errorf("session %s: %w", sessionID, ErrSessionClosed)
	}

	msg := events.MessagePayload{
		ID:      ids.New(),
		Role:    events.RoleUser,
		Content: []events.ContentBlock{{Type: events.BlockTypeText, Text: content}},
	}
	ev, err := s.registry.journal.append(ctx, st, events.KindMessage, msg)
	if err != nil {
		return PostResult{}, fmt.Errorf("append message: %w", err)
	}

	switch st.status {
	case StatusIdle:
		s.startTurnLocked(st, ev.Offset)
	case StatusTurnActive:
		if !st.pending {
			st.pending = true
			st.pendingOffset = ev.Offset
		}
	}
	return PostResult{MessageID: msg.ID, Event: ev}, nil
}

// Close marks an idle session closed and ends its live subscriptions.
// Closing an already closed session is a no-op.
func (s *Scheduler) Close(ctx context.Context, sessionID string) (Session, error) {
	st, err := s.registry.acquire(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	defer st.mu.Unlock()

	switch st.status {
	case StatusClosed:
		return sessionFromRecord(st.record, st.status), nil
	case StatusTurnActive:
		return Session{}, fmt.Errorf("session %s: %w", sessionID, ErrTurnActive)
	}

	if err := s.registry.journal.store.SetSessionStatus(ctx, sessionID, string(StatusClosed)); err != nil {
		return Session{}, fmt.Errorf("close session: %w", err)
	}
	st.status = StatusClosed
	st.record.Status = string(StatusClosed)
	if p := s.registry.journal.publisher; p != nil {
		p.CloseSession(sessionID)
	}
	s.logger.Printf("session closed session_id=%s", sessionID)
	return sessionFromRecord(st.record, st.status), nil
}

// Shutdown cancels running turns and waits for them to record their outcome.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startTurnLocked flips the session to turn_active and launches the turn.
// The caller holds the session lane.
func (s *Scheduler) startTurnLocked(st *state, triggerOffset int64) {
	if s.ctx.Err() != nil {
		// shutting down; the message stays in the log for the next turn
		st.status = StatusIdle
		st.pending = false
		s.persistStatus(st)
		return
	}

	turnID := ids.New()
	st.status = StatusTurnActive
	st.pending = false
	s.persistStatus(st)
	s.logger.Printf("turn start session_id=%s turn_id=%s trigger_offset=%d", st.id, turnID, triggerOffset)

	s.wg.Add(1)
	go s.runTurn(st, turnID, triggerOffset)
}

func (s *Scheduler) runTurn(st *state, turnID string, triggerOffset int64) {
	defer s.wg.Done()

	ctx := s.ctx
	if s.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
		defer cancel()
	}

	turn, err := s.beginTurn(ctx, st, turnID, triggerOffset)
	if err != nil {
		s.finishTurn(st, turnID, 0, err)
		return
	}

	var (
		itemsMu sync.Mutex
		items   int
		ended   bool
	)
	emit := func(item runner.Item) error {
		kind, payload, err := itemPayload(turnID, item)
		if err != nil {
			return err
		}
		itemsMu.Lock()
		defer itemsMu.Unlock()
		if ended {
			return fmt.Errorf("turn %s already ended", turnID)
		}

		st.mu.Lock()
		defer st.mu.Unlock()
		if _, err := s.registry.journal.append(ctx, st, kind, payload); err != nil {
			return fmt.Errorf("record %s: %w", kind, err)
		}
		items++
		return nil
	}

	runErr := s.callRunner(ctx, turn, emit)

	itemsMu.Lock()
	ended = true
	recorded := items
	itemsMu.Unlock()

	if runErr != nil && !errors.Is(runErr, eventlog.ErrStoreUnavailable) {
		runErr = fmt.Errorf("%w: %w", ErrTurnRunner, runErr)
	}
	s.finishTurn(st, turnID, recorded, runErr)
}

func (s *Scheduler) callRunner(ctx context.Context, turn runner.Turn, emit func(runner.Item) error) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("runner panic: %v", recovered)
		}
	}()
	return s.runner.RunTurn(ctx, turn, emit)
}

// beginTurn records turn_started and snapshots the message history in one
// lane critical section, so every message in the snapshot belongs to this
// turn and every later one re-triggers.
func (s *Scheduler) beginTurn(ctx context.Context, st *state, turnID string, triggerOffset int64) (runner.Turn, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.pending = false
	if _, err := s.registry.journal.append(ctx, st, events.KindTurnStarted, events.TurnStartedPayload{
		TurnID:        turnID,
		TriggerOffset: triggerOffset,
	}); err != nil {
		return runner.Turn{}, fmt.Errorf("record turn_started: %w", err)
	}

	entries, err := s.registry.journal.store.ReadAll(ctx, st.id)
	if err != nil {
		return runner.Turn{}, fmt.Errorf("read history: %w", err)
	}
	messages := eventlog.Messages(entries)
	history := make([]events.MessagePayload, 0, len(messages))
	for _, ev := range messages {
		var msg events.MessagePayload
		if err := ev.DecodePayload(&msg); err != nil {
			return runner.Turn{}, fmt.Errorf("decode message at offset %d: %w", ev.Offset, err)
		}
		history = append(history, msg)
	}

	return runner.Turn{
		SessionID:          st.id,
		TurnID:             turnID,
		Model:              st.record.Model,
		ToolVersion:        st.record.ToolVersion,
		SystemPromptSuffix: st.record.SystemPromptSuffix,
		History:            history,
	}, nil
}

// finishTurn records the terminal event and, in the same lane critical
// section, either returns the session to idle or starts the next turn.
func (s *Scheduler) finishTurn(st *state, turnID string, items int, turnErr error) {
	var (
		kind    = events.KindTurnCompleted
		payload any
	)
	if turnErr != nil {
		kind = events.KindTurnFailed
		payload = events.TurnFailedPayload{TurnID: turnID, Error: turnErr.Error()}
		s.logger.Printf("turn failed session_id=%s turn_id=%s items=%d err=%v", st.id, turnID, items, turnErr)
	} else {
		payload = events.TurnCompletedPayload{TurnID: turnID, Items: items}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StoreRetryTimeout)
	defer cancel()

	for attempt := 1; ; attempt++ {
		st.mu.Lock()
		_, err := s.registry.journal.append(ctx, st, kind, payload)
		if err == nil {
			s.settleLocked(st)
			st.mu.Unlock()
			s.logger.Printf("turn end session_id=%s turn_id=%s outcome=%s items=%d", st.id, turnID, kind, items)
			return
		}
		st.mu.Unlock()

		if !errors.Is(err, eventlog.ErrStoreUnavailable) {
			s.abandonTurn(st, turnID, err)
			return
		}
		s.logger.Printf("turn end retry session_id=%s turn_id=%s attempt=%d err=%v", st.id, turnID, attempt, err)
		select {
		case <-ctx.Done():
			s.abandonTurn(st, turnID, err)
			return
		case <-time.After(s.cfg.StoreRetryBackoff):
		}
	}
}

func (s *Scheduler) settleLocked(st *state) {
	if st.pending {
		s.startTurnLocked(st, st.pendingOffset)
		return
	}
	st.status = StatusIdle
	s.persistStatus(st)
}

// abandonTurn drops the live state of a session whose turn could not be
// closed. A pending message is kept, and a background recovery rebuilds the
// state from the store, which closes the open turn, then runs the next turn.
func (s *Scheduler) abandonTurn(st *state, turnID string, err error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.loaded = false
	st.status = StatusIdle
	s.logger.Printf("turn abandoned session_id=%s turn_id=%s pending=%t err=%v", st.id, turnID, st.pending, err)

	s.wg.Add(1)
	go s.recoverSession(st.id, turnID)
}

// recoverSession retries reconstruction until the store accepts the
// turn_failed event, then starts the turn a kept pending message asks for.
// A request that reconstructs first leaves nothing but the pending turn.
func (s *Scheduler) recoverSession(sessionID, turnID string) {
	defer s.wg.Done()

	for attempt := 1; ; attempt++ {
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(s.cfg.StoreRetryBackoff):
		}

		st, err := s.registry.acquire(s.ctx, sessionID)
		if err != nil {
			if errors.Is(err, eventlog.ErrNotFound) || s.ctx.Err() != nil {
				return
			}
			if attempt == 1 || attempt%20 == 0 {
				s.logger.Printf("session recovery retry session_id=%s turn_id=%s attempt=%d err=%v", sessionID, turnID, attempt, err)
			}
			continue
		}
		if st.status == StatusIdle && st.pending {
			s.startTurnLocked(st, st.pendingOffset)
		}
		st.mu.Unlock()
		s.logger.Printf("session recovered session_id=%s turn_id=%s attempts=%d", sessionID, turnID, attempt)
		return
	}
}

func (s *Scheduler) persistStatus(st *state) {
	st.record.Status = string(st.status)
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := s.registry.journal.store.SetSessionStatus(ctx, st.id, string(st.status)); err != nil {
		s.logger.Printf("session status write failed session_id=%s status=%s err=%v", st.id, st.status, err)
	}
}

func itemPayload(turnID string, item runner.Item) (events.Kind, any, error) {
	switch it := item.(type) {
	case runner.ItemChunk:
		return events.KindAssistantChunk, events.AssistantChunkPayload{TurnID: turnID, Block: it.Block}, nil
	case runner.ItemHTTPExchange:
		return events.KindHTTPExchange, events.HTTPExchangePayload{
			TurnID:     turnID,
			Method:     it.Method,
			URL:        it.URL,
			Request:    it.Request,
			Status:     it.Status,
			Error:      it.Err,
			DurationMS: it.Duration.Milliseconds(),
		}, nil
	case runner.ItemMessage:
		if it.Role != events.RoleAssistant && it.Role != events.RoleTool {
			return "", nil, fmt.Errorf("runner emitted message with role %q", it.Role)
		}
		return events.KindMessage, events.MessagePayload{ID: ids.New(), Role: it.Role, Content: it.Content}, nil
	default:
		return "", nil, fmt.Errorf("unsupported turn item %T", item)
	}
}
