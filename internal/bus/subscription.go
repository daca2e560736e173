package bus

import (
	"sync"

	"crabstack.local/projects/cu-backend/internal/events"
)

// Subscription is one observer's bounded live feed for a session.
type Subscription struct {
	sessionID string
	ch        chan events.Event
	done      chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Events yields live events in publish order. The channel is closed when the
// subscription ends; Err then reports why.
func (s *Subscription) Events() <-chan events.Event {
	return s.ch
}

// Done is closed when the subscription ends.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is nil while the subscription is live or after a plain Unsubscribe.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// end must be called with the owning topic lock held so no publish can race
// the channel close.
func (s *Subscription) end(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
		close(s.done)
	})
}
