package runner

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"crabstack.local/projects/cu-backend/internal/events"
)

type anthropicSSEEvent struct {
	Type         string                 `json:"type"`
	Index        int                    `json:"index"`
	Message      *anthropicSSEMessage   `json:"message"`
	ContentBlock *anthropicContentBlock `json:"content_block"`
	Delta        *anthropicSSEDelta     `json:"delta"`
	Usage        *anthropicUsage        `json:"usage"`
	Error        *anthropicError        `json:"error"`
}

type anthropicSSEMessage struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	StopReason string         `json:"stop_reason"`
	Usage      anthropicUsage `json:"usage"`
}

type anthropicSSEDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	Thinking    string `json:"thinking"`
	Signature   string `json:"signature"`
	PartialJSON string `json:"partial_json"`
	StopReason  string `json:"stop_reason"`
}

type streamResult struct {
	ID         string
	Model      string
	StopReason string
	Usage      anthropicUsage
	Content    []anthropicContentBlock
}

// streamDecoder folds a Messages API event stream into a response while
// handing every fragment to onChunk as soon as it arrives. Text and thinking
// deltas are forwarded as they stream; tool_use blocks are forwarded once
// their input JSON is complete.
type streamDecoder struct {
	onChunk         func(events.ContentBlock) error
	content         []anthropicContentBlock
	toolInputDeltas map[int]*strings.Builder
	result          streamResult
	seenData        bool
}

func readAnthropicStream(reader io.Reader, onChunk func(events.ContentBlock) error) (streamResult, error) {
	d := &streamDecoder{
		onChunk:         onChunk,
		content:         make([]anthropicContentBlock, 0, 4),
		toolInputDeltas: make(map[int]*strings.Builder),
	}

	stream := bufio.NewReader(reader)
	dataLines := make([]string, 0, 4)
	eventType := ""
	for {
		line, err := stream.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return streamResult{}, err
		}

		if len(line) > 0 {
			trimmedLine := strings.TrimRight(line, "\r\n")
			switch {
			case trimmedLine == "":
				done, parseErr := d.process(eventType, dataLines)
				if parseErr != nil {
					return streamResult{}, parseErr
				}
				if done {
					return d.result, nil
				}
				eventType = ""
				dataLines = dataLines[:0]
			case strings.HasPrefix(trimmedLine, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(trimmedLine, "event:"))
			case strings.HasPrefix(trimmedLine, "data:"):
				dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(trimmedLine, "data:")))
			}
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	if len(dataLines) > 0 {
		done, err := d.process(eventType, dataLines)
		if err != nil {
			return streamResult{}, err
		}
		if done {
			return d.result, nil
		}
	}
	if !d.seenData {
		return streamResult{}, errors.New("anthropic stream ended without data")
	}
	// A stream cut before message_stop is a truncated reply.
	return streamResult{}, errors.New("anthropic stream ended before message_stop")
}

func (d *streamDecoder) ensureIndex(index int) error {
	if index < 0 {
		return fmt.Errorf("anthropic stream content block index out of range: %d", index)
	}
	if index >= len(d.content) {
		d.content = append(d.content, make([]anthropicContentBlock, index-len(d.content)+1)...)
	}
	return nil
}

func (d *streamDecoder) finishBlock(index int) error {
	if err := d.ensureIndex(index); err != nil {
		return err
	}
	if builder := d.toolInputDeltas[index]; builder != nil {
		delete(d.toolInputDeltas, index)
		if raw := strings.TrimSpace(builder.String()); raw != "" {
			if !json.Valid([]byte(raw)) {
				return fmt.Errorf("parse anthropic tool_use input at index %d: invalid json", index)
			}
			d.content[index].Input = json.RawMessage(raw)
		}
	}

	block := d.content[index]
	if block.Type != "tool_use" {
		return nil
	}
	chunk, _ := fromAnthropicBlock(block)
	return d.onChunk(chunk)
}

func (d *streamDecoder) process(name string, lines []string) (bool, error) {
	if len(lines) == 0 {
		return false, nil
	}
	payload := strings.TrimSpace(strings.Join(lines, "\n"))
	if payload == "" || payload == "[DONE]" {
		return false, nil
	}
	d.seenData = true

	var event anthropicSSEEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return false, fmt.Errorf("parse anthropic stream event: %w", err)
	}
	kind := strings.TrimSpace(event.Type)
	if kind == "" {
		kind = strings.TrimSpace(name)
	}

	switch kind {
	case "message_start":
		if event.Message != nil {
			d.result.ID = event.Message.ID
			d.result.Model = event.Message.Model
			d.result.Usage = event.Message.Usage
		}
	case "content_block_start":
		if err := d.ensureIndex(event.Index); err != nil {
			return false, err
		}
		if event.ContentBlock != nil {
			block := *event.ContentBlock
			if block.Type == "tool_use" {
				// input arrives through input_json_delta; the start frame carries {}.
				block.Input = nil
			}
			d.content[event.Index] = block
			if block.Type == "text" && block.Text != "" {
				if err := d.onChunk(events.ContentBlock{Type: events.BlockTypeText, Text: block.Text}); err != nil {
					return false, err
				}
			}
		}
	case "content_block_delta":
		if err := d.ensureIndex(event.Index); err != nil {
			return false, err
		}
		if event.Delta == nil {
			break
		}
		if err := d.applyDelta(event.Index, *event.Delta); err != nil {
			return false, err
		}
	case "content_block_stop":
		if err := d.finishBlock(event.Index); err != nil {
			return false, err
		}
	case "message_delta":
		if event.Delta != nil && strings.TrimSpace(event.Delta.StopReason) != "" {
			d.result.StopReason = event.Delta.StopReason
		}
		if event.Usage != nil && event.Usage.OutputTokens != 0 {
			d.result.Usage.OutputTokens = event.Usage.OutputTokens
		}
	case "message_stop":
		for index := range d.toolInputDeltas {
			if err := d.finishBlock(index); err != nil {
				return false, err
			}
		}
		d.result.Content = compactAnthropicContent(d.content)
		return true, nil
	case "error":
		return false, fmt.Errorf("anthropic stream error: %s", anthropicSSEErrorMessage(event, payload))
	}
	return false, nil
}

func (d *streamDecoder) applyDelta(index int, delta anthropicSSEDelta) error {
	block := d.content[index]
	switch delta.Type {
	case "text_delta":
		if block.Type == "" {
			block.Type = "text"
		}
		block.Text += delta.Text
		d.content[index] = block
		if delta.Text == "" {
			return nil
		}
		return d.onChunk(events.ContentBlock{Type: events.BlockTypeText, Text: delta.Text})
	case "thinking_delta":
		if block.Type == "" {
			block.Type = "thinking"
		}
		block.Thinking += delta.Thinking
		d.content[index] = block
		if delta.Thinking == "" {
			return nil
		}
		return d.onChunk(events.ContentBlock{Type: events.BlockTypeThinking, Text: delta.Thinking})
	case "signature_delta":
		block.Signature += delta.Signature
		d.content[index] = block
	case "input_json_delta":
		if block.Type == "" {
			block.Type = "tool_use"
		}
		builder := d.toolInputDeltas[index]
		if builder == nil {
			builder = &strings.Builder{}
			d.toolInputDeltas[index] = builder
		}
		builder.WriteString(delta.PartialJSON)
		d.content[index] = block
	}
	return nil
}

func compactAnthropicContent(blocks []anthropicContentBlock) []anthropicContentBlock {
	compacted := make([]anthropicContentBlock, 0, len(blocks))
	for _, block := range blocks {
		if strings.TrimSpace(block.Type) == "" {
			continue
		}
		compacted = append(compacted, block)
	}
	return compacted
}

func anthropicSSEErrorMessage(event anthropicSSEEvent, payload string) string {
	if event.Error != nil {
		if message := strings.TrimSpace(event.Error.Message); message != "" {
			return message
		}
		if errorType := strings.TrimSpace(event.Error.Type); errorType != "" {
			return errorType
		}
	}
	if payload = strings.TrimSpace(payload); payload != "" {
		return payload
	}
	return "unknown stream failure"
}
