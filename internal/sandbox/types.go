package sandbox

import "encoding/json"

const ProtocolVersion = "v1"

// ToolDefinition is what the runner advertises to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	TimeoutMS   int             `json:"timeout_ms_default,omitempty"`
}

type DiscoveryResponse struct {
	Version string           `json:"version"`
	Service string           `json:"service"`
	Tools   []ToolDescriptor `json:"tools"`
}

type CallContext struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id,omitempty"`
}

type CallRequest struct {
	Version  string          `json:"version"`
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Args     json.RawMessage `json:"args"`
	Context  CallContext     `json:"context"`
}

type CallStatus string

const (
	CallStatusOK      CallStatus = "ok"
	CallStatusError   CallStatus = "error"
	CallStatusTimeout CallStatus = "timeout"
)

type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type CallResponse struct {
	Version    string         `json:"version"`
	CallID     string         `json:"call_id"`
	ToolName   string         `json:"tool_name"`
	Status     CallStatus     `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *CallError     `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// Failed reports whether the host answered but the tool itself did not succeed.
func (r CallResponse) Failed() bool {
	return r.Status != CallStatusOK
}
