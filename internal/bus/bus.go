package bus

import (
	"errors"
	"log"
	"sync"

	"crabstack.local/projects/cu-backend/internal/events"
)

var (
	// ErrSubscriberOverrun ends a subscription whose buffer filled up. The
	// observer is expected to reconnect and replay from its last offset.
	ErrSubscriberOverrun = errors.New("subscriber overrun")
	// ErrSessionEnded ends every live subscription of a session that was closed.
	ErrSessionEnded = errors.New("session ended")
)

const DefaultBufferSize = 256

// Bus fans appended events out to the live subscribers of their session.
// Each session has its own topic lock; the topic map lock is held only for
// lookups.
type Bus struct {
	logger     *log.Logger
	bufferSize int

	mu     sync.RWMutex
	topics map[string]*topic
}

type topic struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func New(logger *log.Logger, bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		logger:     logger,
		bufferSize: bufferSize,
		topics:     make(map[string]*topic),
	}
}

// Subscribe registers a live subscription. Events published after Subscribe
// returns are delivered in publish order until the subscription ends.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan events.Event, b.bufferSize),
		done:      make(chan struct{}),
	}

	b.mu.Lock()
	t, ok := b.topics[sessionID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		b.topics[sessionID] = t
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	b.mu.Unlock()

	return sub
}

// Publish never blocks. A subscriber that cannot take the event is dropped.
func (b *Bus) Publish(ev events.Event) {
	b.mu.RLock()
	t, ok := b.topics[ev.SessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	overrun := 0
	t.mu.Lock()
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(t.subs, sub)
			sub.end(ErrSubscriberOverrun)
			overrun++
		}
	}
	t.mu.Unlock()

	if overrun > 0 {
		if b.logger != nil {
			b.logger.Printf("bus overrun session_id=%s offset=%d dropped=%d", ev.SessionID, ev.Offset, overrun)
		}
		b.prune(ev.SessionID)
	}
}

// Unsubscribe ends sub. It is safe to call more than once and after the bus
// already ended the subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.RLock()
	t, ok := b.topics[sub.sessionID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	_, present := t.subs[sub]
	if present {
		delete(t.subs, sub)
		sub.end(nil)
	}
	t.mu.Unlock()

	if present {
		b.prune(sub.sessionID)
	}
}

// CloseSession ends every live subscription of sessionID with ErrSessionEnded.
func (b *Bus) CloseSession(sessionID string) {
	b.mu.Lock()
	t, ok := b.topics[sessionID]
	delete(b.topics, sessionID)
	b.mu.Unlock()
	if !ok {
		return
	}

	t.mu.Lock()
	for sub := range t.subs {
		delete(t.subs, sub)
		sub.end(ErrSessionEnded)
	}
	t.mu.Unlock()
}

// SubscriberCount reports the live subscribers of sessionID.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	t, ok := b.topics[sessionID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

func (b *Bus) prune(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[sessionID]
	if !ok {
		return
	}
	t.mu.Lock()
	empty := len(t.subs) == 0
	t.mu.Unlock()
	if empty {
		delete(b.topics, sessionID)
	}
}
