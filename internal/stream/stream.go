package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"crabstack.local/projects/cu-backend/internal/bus"
	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/session"
)

var ErrStreamClosed = errors.New("stream closed")

const DefaultPageSize = 200

type Mode int

const (
	// ModeBeginning replays the whole log, then follows live events.
	ModeBeginning Mode = iota
	// ModeAfter replays events after Offset, exclusive.
	ModeAfter
	// ModeTail delivers only events appended after the stream opened.
	ModeTail
)

type Start struct {
	Mode   Mode
	Offset int64
}

func FromBeginning() Start { return Start{Mode: ModeBeginning, Offset: events.NoOffset} }

// After resumes after the last offset the observer saw.
func After(offset int64) Start { return Start{Mode: ModeAfter, Offset: offset} }

// From starts at offset, inclusive.
func From(offset int64) Start { return Start{Mode: ModeAfter, Offset: offset - 1} }

func FromTail() Start { return Start{Mode: ModeTail} }

func (s Start) String() string {
	switch s.Mode {
	case ModeBeginning:
		return "beginning"
	case ModeAfter:
		return fmt.Sprintf("after=%d", s.Offset)
	case ModeTail:
		return "tail"
	default:
		return fmt.Sprintf("mode(%d)", int(s.Mode))
	}
}

// Reader is the replay side of the event log.
type Reader interface {
	ReadFrom(ctx context.Context, sessionID string, after int64, limit int) ([]events.Event, error)
	LastEvent(ctx context.Context, sessionID string) (events.Event, bool, error)
}

// Subscriber is the live side.
type Subscriber interface {
	Subscribe(sessionID string) *bus.Subscription
	Unsubscribe(sub *bus.Subscription)
}

type SessionLookup interface {
	Get(ctx context.Context, sessionID string) (session.Session, error)
}

type Options struct {
	// Kinds limits delivery to the listed kinds. Empty means every kind.
	Kinds []events.Kind
}

// Streamer opens replay-then-live streams.
type Streamer struct {
	reader   Reader
	live     Subscriber
	sessions SessionLookup
	pageSize int
}

func NewStreamer(reader Reader, live Subscriber, sessions SessionLookup, pageSize int) *Streamer {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Streamer{reader: reader, live: live, sessions: sessions, pageSize: pageSize}
}

// Open subscribes before it reads anything from the log, so no event appended
// after Open returns can be missed.
func (s *Streamer) Open(ctx context.Context, sessionID string, start Start, opts Options) (*Stream, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	st := &Stream{
		streamer:  s,
		sessionID: sessionID,
		last:      events.NoOffset,
		finite:    sess.Status == session.StatusClosed,
	}
	if len(opts.Kinds) > 0 {
		st.kinds = make(map[events.Kind]struct{}, len(opts.Kinds))
		for _, kind := range opts.Kinds {
			st.kinds[kind] = struct{}{}
		}
	}
	if !st.finite {
		st.sub = s.live.Subscribe(sessionID)
		// a close between Get and Subscribe ended no subscription of ours
		sess, err = s.sessions.Get(ctx, sessionID)
		if err != nil {
			st.Close()
			return nil, err
		}
		if sess.Status == session.StatusClosed {
			s.live.Unsubscribe(st.sub)
			st.sub = nil
			st.finite = true
		}
	}

	switch start.Mode {
	case ModeBeginning:
	case ModeAfter:
		if start.Offset > events.NoOffset {
			st.last = start.Offset
		}
	case ModeTail:
		last, ok, err := s.reader.LastEvent(ctx, sessionID)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("read tail: %w", err)
		}
		if ok {
			st.last = last.Offset
		}
		if st.finite {
			st.caughtUp = true
		}
	default:
		st.Close()
		return nil, fmt.Errorf("unsupported start mode %d", start.Mode)
	}
	return st, nil
}

// Stream is one observer's ordered, gapless and duplicate-free view of a
// session log. It is not safe for concurrent use.
type Stream struct {
	streamer  *Streamer
	sessionID string
	sub       *bus.Subscription
	kinds     map[events.Kind]struct{}

	last     int64
	pending  []events.Event
	caughtUp bool
	finite   bool
	closed   bool
}

// Next returns the next event. Closed sessions end with io.EOF once their log
// is exhausted; a dropped subscription ends with bus.ErrSubscriberOverrun and
// the observer should reopen with After(LastOffset()).
func (s *Stream) Next(ctx context.Context) (events.Event, error) {
	for {
		if s.closed {
			return events.Event{}, ErrStreamClosed
		}

		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			if s.accept(ev) {
				return ev, nil
			}
			continue
		}

		if !s.caughtUp {
			page, err := s.streamer.reader.ReadFrom(ctx, s.sessionID, s.last, s.streamer.pageSize)
			if err != nil {
				return events.Event{}, fmt.Errorf("replay: %w", err)
			}
			if len(page) == 0 {
				s.caughtUp = true
				continue
			}
			s.pending = page
			continue
		}

		if s.finite {
			return events.Event{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return events.Event{}, ctx.Err()
		case ev, ok := <-s.sub.Events():
			if !ok {
				if err := s.handleEnd(); err != nil {
					return events.Event{}, err
				}
				continue
			}
			switch {
			case ev.Offset <= s.last:
				// already delivered by replay
			case ev.Offset == s.last+1:
				if s.accept(ev) {
					return ev, nil
				}
			default:
				// the store has everything the bus has; fill the gap from it
				s.caughtUp = false
			}
		}
	}
}

func (s *Stream) handleEnd() error {
	err := s.sub.Err()
	switch {
	case errors.Is(err, bus.ErrSessionEnded):
		// read whatever was appended before the close, then finish
		s.finite = true
		s.caughtUp = false
		return nil
	case err != nil:
		return err
	default:
		return ErrStreamClosed
	}
}

// accept advances the cursor and reports whether ev passes the kind filter.
func (s *Stream) accept(ev events.Event) bool {
	if ev.Offset <= s.last {
		return false
	}
	s.last = ev.Offset
	if s.kinds == nil {
		return true
	}
	_, ok := s.kinds[ev.Kind]
	return ok
}

// LastOffset is the offset of the last event the stream moved past,
// delivered or filtered.
func (s *Stream) LastOffset() int64 {
	return s.last
}

func (s *Stream) SessionID() string {
	return s.sessionID
}

func (s *Stream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.sub != nil {
		s.streamer.live.Unsubscribe(s.sub)
	}
}
