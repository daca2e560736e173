package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"crabstack.local/projects/cu-backend/internal/bus"
	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/runner"
)

type harness struct {
	store     eventlog.Store
	bus       *bus.Bus
	registry  *Registry
	scheduler *Scheduler
}

func newHarness(t *testing.T, store eventlog.Store, turnRunner runner.Runner, cfg SchedulerConfig) *harness {
	t.Helper()
	if store == nil {
		store = eventlog.NewMemoryStore()
	}
	logger := log.New(io.Discard, "", 0)
	b := bus.New(logger, 64)
	registry := NewRegistry(logger, store, b, nil, Defaults{})
	scheduler := NewScheduler(logger, registry, turnRunner, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = scheduler.Shutdown(ctx)
	})
	return &harness{store: store, bus: b, registry: registry, scheduler: scheduler}
}

func (h *harness) createSession(t *testing.T) Session {
	t.Helper()
	sess, err := h.registry.Create(context.Background(), CreateParams{})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func (h *harness) post(t *testing.T, sessionID, content string) PostResult {
	t.Helper()
	res, err := h.scheduler.PostMessage(context.Background(), sessionID, content)
	if err != nil {
		t.Fatalf("post message: %v", err)
	}
	return res
}

func (h *harness) kinds(t *testing.T, sessionID string) []events.Kind {
	t.Helper()
	entries, err := h.store.ReadAll(context.Background(), sessionID)
	if err != nil {
		t.Fatalf("read all: %v", err)
	}
	out := make([]events.Kind, 0, len(entries))
	for _, ev := range entries {
		out = append(out, ev.Kind)
	}
	return out
}

// waitIdle waits until the session is idle and the log holds want terminal
// turn events.
func (h *harness) waitIdle(t *testing.T, sessionID string, terminals int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := h.registry.Get(context.Background(), sessionID)
		if err == nil && sess.Status == StatusIdle {
			count := 0
			for _, kind := range h.kinds(t, sessionID) {
				if events.TerminatesTurn(kind) {
					count++
				}
			}
			if count >= terminals {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to settle after %d turns; log=%v", sessionID, terminals, h.kinds(t, sessionID))
}

func textChunk(text string) runner.ItemChunk {
	return runner.ItemChunk{Block: events.ContentBlock{Type: events.BlockTypeText, Text: text}}
}

// scriptedRunner emits fixed items and then returns err.
func scriptedRunner(err error, items ...runner.Item) runner.Runner {
	return runner.Func(func(_ context.Context, _ runner.Turn, emit func(runner.Item) error) error {
		for _, item := range items {
			if emitErr := emit(item); emitErr != nil {
				return emitErr
			}
		}
		return err
	})
}

// gatedRunner blocks every turn until release receives, and tracks how many
// turns run at once.
type gatedRunner struct {
	release chan struct{}
	started chan runner.Turn

	mu        sync.Mutex
	active    int
	maxActive int
	turns     int
	fail      func(turn int) error
}

func newGatedRunner() *gatedRunner {
	return &gatedRunner{release: make(chan struct{}), started: make(chan runner.Turn, 16)}
}

func (g *gatedRunner) RunTurn(ctx context.Context, turn runner.Turn, emit func(runner.Item) error) error {
	g.mu.Lock()
	g.active++
	g.turns++
	n := g.turns
	if g.active > g.maxActive {
		g.maxActive = g.active
	}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()

	g.started <- turn
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := emit(textChunk(fmt.Sprintf("turn %d", n))); err != nil {
		return err
	}
	if g.fail != nil {
		return g.fail(n)
	}
	return nil
}

func (g *gatedRunner) waitStarted(t *testing.T) runner.Turn {
	t.Helper()
	select {
	case turn := <-g.started:
		return turn
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for turn to start")
	}
	return runner.Turn{}
}

func (g *gatedRunner) stats() (turns, maxActive int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.turns, g.maxActive
}

// flakyStore fails appends with ErrStoreUnavailable while failures remain.
// trigger arms the failures the first time an append of that kind is seen.
type flakyStore struct {
	eventlog.Store

	mu       sync.Mutex
	trigger  events.Kind
	armed    bool
	failures int
}

func (f *flakyStore) Append(ctx context.Context, sessionID string, kind events.Kind, payload json.RawMessage) (events.Event, error) {
	f.mu.Lock()
	if !f.armed && kind == f.trigger {
		f.armed = true
	}
	fail := f.armed && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return events.Event{}, fmt.Errorf("append event: %w: %w", eventlog.ErrStoreUnavailable, errors.New("connection refused"))
	}
	return f.Store.Append(ctx, sessionID, kind, payload)
}

func (f *flakyStore) setFailures(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
}

func assertKinds(t *testing.T, got []events.Kind, want ...events.Kind) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("unexpected log kinds: got=%v want=%v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected log kinds: got=%v want=%v", got, want)
		}
	}
}
