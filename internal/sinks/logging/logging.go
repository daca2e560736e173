package logging

import (
	"context"
	"log"

	"crabstack.local/projects/cu-backend/internal/events"
)

type Sink struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Sink {
	return &Sink{logger: logger}
}

func (s *Sink) Name() string {
	return "logging"
}

func (s *Sink) Handle(_ context.Context, ev events.Event) error {
	s.logger.Printf("sink=logging session_id=%s offset=%d kind=%s bytes=%d", ev.SessionID, ev.Offset, ev.Kind, len(ev.Payload))
	return nil
}
