package events

import (
	"encoding/json"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
	BlockTypeThinking   BlockType = "thinking"
)

type ContentBlock struct {
	Type      BlockType       `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Output    string          `json:"output,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// MessagePayload is the payload of a message event. Role and Content mirror
// the chat message shape exposed by the messages endpoint.
type MessagePayload struct {
	ID      string         `json:"id"`
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// Text joins the text blocks of the message.
func (m MessagePayload) Text() string {
	var builder strings.Builder
	for _, block := range m.Content {
		if block.Type == BlockTypeText {
			builder.WriteString(block.Text)
		}
	}
	return builder.String()
}

type AssistantChunkPayload struct {
	TurnID string       `json:"turn_id"`
	Block  ContentBlock `json:"block"`
}

type HTTPExchangePayload struct {
	TurnID     string `json:"turn_id"`
	Method     string `json:"method,omitempty"`
	URL        string `json:"url,omitempty"`
	Request    string `json:"request,omitempty"`
	Status     int    `json:"status,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type TurnStartedPayload struct {
	TurnID        string `json:"turn_id"`
	TriggerOffset int64  `json:"trigger_offset"`
}

type TurnCompletedPayload struct {
	TurnID string `json:"turn_id"`
	Items  int    `json:"items"`
}

type TurnFailedPayload struct {
	TurnID string `json:"turn_id,omitempty"`
	Error  string `json:"error"`
}
