package runner

import (
	"context"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/sandbox"
)

// Runner executes one agent turn. Items must be passed to emit in the order
// they happen; an error from emit means the item was not recorded and the
// turn must stop and return it.
type Runner interface {
	RunTurn(ctx context.Context, turn Turn, emit func(Item) error) error
}

// Turn carries the session parameters and the message history the turn
// responds to.
type Turn struct {
	SessionID          string
	TurnID             string
	Model              string
	ToolVersion        string
	SystemPromptSuffix string
	History            []events.MessagePayload
}

// Item is one unit of turn output. The concrete types are ItemChunk,
// ItemHTTPExchange and ItemMessage.
type Item interface {
	Kind() events.Kind
}

// ItemChunk is a streamed fragment of assistant output.
type ItemChunk struct {
	Block events.ContentBlock
}

func (ItemChunk) Kind() events.Kind { return events.KindAssistantChunk }

// ItemHTTPExchange records one call to the model provider.
type ItemHTTPExchange struct {
	Method   string
	URL      string
	Request  string
	Status   int
	Err      string
	Duration time.Duration
}

func (ItemHTTPExchange) Kind() events.Kind { return events.KindHTTPExchange }

// ItemMessage is a complete chat message produced by the turn, either a tool
// result or an assistant reply.
type ItemMessage struct {
	Role    events.Role
	Content []events.ContentBlock
}

func (ItemMessage) Kind() events.Kind { return events.KindMessage }

// ToolExecutor is the sandbox surface a runner drives.
type ToolExecutor interface {
	AvailableTools() []sandbox.ToolDefinition
	Call(ctx context.Context, req sandbox.CallRequest) (sandbox.CallResponse, error)
}

// Func adapts a plain function to Runner.
type Func func(ctx context.Context, turn Turn, emit func(Item) error) error

func (f Func) RunTurn(ctx context.Context, turn Turn, emit func(Item) error) error {
	return f(ctx, turn, emit)
}
