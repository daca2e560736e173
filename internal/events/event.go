package events

import (
	"encoding/json"
	"time"
)

type Kind string

const (
	KindMessage        Kind = "message"
	KindAssistantChunk Kind = "assistant_chunk"
	KindHTTPExchange   Kind = "http_exchange"
	KindTurnStarted    Kind = "turn_started"
	KindTurnCompleted  Kind = "turn_completed"
	KindTurnFailed     Kind = "turn_failed"
)

// NoOffset is the cursor value that precedes the first event of every session.
const NoOffset int64 = -1

// Event is one immutable entry in a session's log. Offsets start at zero and
// are gapless per session.
type Event struct {
	SessionID string          `json:"session_id"`
	Offset    int64           `json:"offset"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func (e Event) DecodePayload(v any) error {
	return json.Unmarshal(e.Payload, v)
}

func ValidKind(k Kind) bool {
	switch k {
	case KindMessage,
		KindAssistantChunk,
		KindHTTPExchange,
		KindTurnStarted,
		KindTurnCompleted,
		KindTurnFailed:
		return true
	default:
		return false
	}
}

// TerminatesTurn reports whether k closes a turn bracket.
func TerminatesTurn(k Kind) bool {
	return k == KindTurnCompleted || k == KindTurnFailed
}
