package sinks

import (
	"context"

	"crabstack.local/projects/cu-backend/internal/events"
)

// Sink receives durable session events outside the session lane. Delivery is
// at least once; consumers deduplicate by session id and offset.
type Sink interface {
	Name() string
	Handle(context.Context, events.Event) error
}
