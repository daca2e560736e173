package runner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/sandbox"
)

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	Tools     []anthropicTool    `json:"tools,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type anthropicErrorEnvelope struct {
	Error anthropicError `json:"error"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// buildAnthropicMessages maps the session history onto the provider's
// alternating user/assistant shape. Tool results travel as user content and
// consecutive messages of the same provider role are merged.
func buildAnthropicMessages(history []events.MessagePayload) ([]anthropicMessage, error) {
	messages := make([]anthropicMessage, 0, len(history))
	for _, message := range history {
		var role string
		switch message.Role {
		case events.RoleUser, events.RoleTool:
			role = "user"
		case events.RoleAssistant:
			role = "assistant"
		default:
			return nil, fmt.Errorf("unsupported message role: %s", message.Role)
		}

		blocks, err := toAnthropicBlocks(message.Content)
		if err != nil {
			return nil, err
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			continue
		}
		messages = append(messages, anthropicMessage{Role: role, Content: blocks})
	}
	return messages, nil
}

func toAnthropicBlocks(blocks []events.ContentBlock) ([]anthropicContentBlock, error) {
	converted := make([]anthropicContentBlock, 0, len(blocks))
	for _, block := range blocks {
		switch block.Type {
		case events.BlockTypeText:
			if block.Text == "" {
				continue
			}
			converted = append(converted, anthropicContentBlock{Type: "text", Text: block.Text})
		case events.BlockTypeToolUse:
			converted = append(converted, anthropicContentBlock{
				Type:  "tool_use",
				ID:    block.ID,
				Name:  block.Name,
				Input: cloneRawMessageOrObject(block.Input),
			})
		case events.BlockTypeToolResult:
			converted = append(converted, anthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: block.ToolUseID,
				Content:   block.Output,
				IsError:   block.IsError,
			})
		case events.BlockTypeThinking:
			// Thinking is display-only; the provider rejects unsigned replays.
		default:
			return nil, fmt.Errorf("unsupported content block type: %s", block.Type)
		}
	}
	return converted, nil
}

func fromAnthropicBlock(block anthropicContentBlock) (events.ContentBlock, bool) {
	switch block.Type {
	case "text":
		return events.ContentBlock{Type: events.BlockTypeText, Text: block.Text}, true
	case "thinking":
		return events.ContentBlock{Type: events.BlockTypeThinking, Text: block.Thinking}, true
	case "tool_use":
		return events.ContentBlock{
			Type:  events.BlockTypeToolUse,
			ID:    block.ID,
			Name:  block.Name,
			Input: cloneRawMessageOrObject(block.Input),
		}, true
	default:
		return events.ContentBlock{}, false
	}
}

func buildAnthropicTools(tools []sandbox.ToolDefinition) []anthropicTool {
	if len(tools) == 0 {
		return nil
	}
	built := make([]anthropicTool, 0, len(tools))
	for _, tool := range tools {
		built = append(built, anthropicTool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: cloneRawMessageOrObject(tool.InputSchema),
		})
	}
	return built
}

// computerUseBeta turns a tool version such as computer_use_20250124 into the
// matching beta header value computer-use-2025-01-24.
func computerUseBeta(toolVersion string) string {
	date, ok := strings.CutPrefix(strings.TrimSpace(toolVersion), "computer_use_")
	if !ok || len(date) != 8 {
		return ""
	}
	for _, r := range date {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return "computer-use-" + date[:4] + "-" + date[4:6] + "-" + date[6:]
}

func cloneRawMessageOrObject(raw json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	copied := make(json.RawMessage, len(trimmed))
	copy(copied, trimmed)
	return copied
}

func parseAnthropicAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if len(body) > 0 {
		var parsed anthropicErrorEnvelope
		if err := json.Unmarshal(body, &parsed); err == nil && strings.TrimSpace(parsed.Error.Message) != "" {
			message = parsed.Error.Message
		}
	}
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("anthropic rate limited: %s", message)
	}
	return fmt.Errorf("anthropic api status %d: %s", resp.StatusCode, message)
}
