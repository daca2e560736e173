package dispatch

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/sinks"
)

type fakeSink struct {
	name      string
	failUntil int

	mu    sync.Mutex
	calls int
	ch    chan events.Event
}

func (f *fakeSink) Name() string {
	return f.name
}

func (f *fakeSink) Handle(_ context.Context, ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return errors.New("forced failure")
	}
	if f.ch != nil {
		f.ch <- ev
	}
	return nil
}

func (f *fakeSink) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	sink := &fakeSink{name: "sink", failUntil: 2, ch: make(chan events.Event, 1)}
	d := New(testLogger(), []sinks.Sink{sink})
	ev := events.Event{SessionID: "s1", Offset: 3}

	d.Dispatch(context.Background(), ev)

	select {
	case got := <-sink.ch:
		if got.Offset != ev.Offset {
			t.Fatalf("unexpected offset: %d", got.Offset)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatch")
	}

	if calls := sink.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDispatcherStopsAfterRetries(t *testing.T) {
	sink := &fakeSink{name: "sink", failUntil: 10, ch: make(chan events.Event, 1)}
	d := New(testLogger(), []sinks.Sink{sink})

	d.Dispatch(context.Background(), events.Event{SessionID: "s1", Offset: 0})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}

	if calls := sink.Calls(); calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	select {
	case <-sink.ch:
		t.Fatalf("did not expect successful dispatch")
	default:
	}
}

func TestDispatcherFansOutToEverySink(t *testing.T) {
	a := &fakeSink{name: "a", ch: make(chan events.Event, 1)}
	b := &fakeSink{name: "b", ch: make(chan events.Event, 1)}
	d := New(testLogger(), []sinks.Sink{a, b})

	d.Dispatch(context.Background(), events.Event{SessionID: "s1", Offset: 9})
	if err := d.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if a.Calls() != 1 || b.Calls() != 1 {
		t.Fatalf("expected one call per sink, got a=%d b=%d", a.Calls(), b.Calls())
	}
}

func TestDispatcherCancelledContextStopsRetrying(t *testing.T) {
	sink := &fakeSink{name: "sink", failUntil: 10}
	d := New(testLogger(), []sinks.Sink{sink})
	d.retryBackoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	d.Dispatch(ctx, events.Event{SessionID: "s1"})
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := d.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if calls := sink.Calls(); calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}
