package session

import (
	"context"
	"encoding/json"
	"fmt"

	"crabstack.local/projects/cu-backend/internal/eventlog"
	"crabstack.local/projects/cu-backend/internal/events"
)

// journal is the single write path for session events: persist, then publish.
// Callers hold the session lane so publish order matches offset order.
type journal struct {
	store     eventlog.Store
	publisher Publisher
	sink      Sink
}

func (j *journal) append(ctx context.Context, st *state, kind events.Kind, payload any) (events.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	ev, err := j.store.Append(ctx, st.id, kind, raw)
	if err != nil {
		return events.Event{}, err
	}
	st.record.UpdatedAt = ev.CreatedAt

	if j.publisher != nil {
		j.publisher.Publish(ev)
	}
	if j.sink != nil {
		j.sink.Dispatch(context.WithoutCancel(ctx), ev)
	}
	return ev, nil
}
