package dispatch

import (
	"context"
	"log"
	"sync"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/sinks"
)

type Dispatcher struct {
	logger       *log.Logger
	sinks        []sinks.Sink
	retryCount   int
	retryBackoff time.Duration
	wg           sync.WaitGroup
}

func New(logger *log.Logger, targets []sinks.Sink) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		sinks:        targets,
		retryCount:   3,
		retryBackoff: 150 * time.Millisecond,
	}
}

// Dispatch hands ev to every sink on its own goroutine and returns at once.
// A failing sink is retried and then logged; it never reaches the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, ev events.Event) {
	for _, sink := range d.sinks {
		s := sink
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.dispatchOne(ctx, s, ev)
		}()
	}
}

// Wait blocks until in-flight deliveries finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sink sinks.Sink, ev events.Event) {
	for attempt := 1; attempt <= d.retryCount; attempt++ {
		err := sink.Handle(ctx, ev)
		if err == nil {
			return
		}

		d.logger.Printf("sink=%s session_id=%s offset=%d attempt=%d err=%v", sink.Name(), ev.SessionID, ev.Offset, attempt, err)
		if attempt == d.retryCount {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryBackoff):
		}
	}
}
