package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"crabstack.local/projects/cu-backend/internal/events"
	"crabstack.local/projects/cu-backend/internal/sandbox"
)

const (
	defaultAnthropicEndpoint = "https://api.anthropic.com/v1/messages"
	anthropicVersion         = "2023-06-01"
	defaultMaxTokens         = 4096
	defaultMaxToolRounds     = 10
	maxRecordedRequestBytes  = 16 << 10

	baseSystemPrompt = "You are operating a sandboxed computer through the tools provided. " +
		"Use the tools to carry out the user's request and report what you did."
)

var ErrToolLoopExceeded = errors.New("tool loop exceeded")

type AnthropicOption func(*AnthropicRunner)

// AnthropicRunner drives the Messages API with streaming enabled and runs
// requested tools through the sandbox until the model stops asking for them.
type AnthropicRunner struct {
	apiKey        string
	endpoint      string
	client        *http.Client
	tools         ToolExecutor
	maxTokens     int
	maxToolRounds int
	logger        *log.Logger
}

func NewAnthropicRunner(apiKey string, opts ...AnthropicOption) *AnthropicRunner {
	r := &AnthropicRunner{
		apiKey:   strings.TrimSpace(apiKey),
		endpoint: defaultAnthropicEndpoint,
		client: &http.Client{
			Timeout: 300 * time.Second,
		},
		maxTokens:     defaultMaxTokens,
		maxToolRounds: defaultMaxToolRounds,
		logger:        log.New(io.Discard, "", 0),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func WithAnthropicEndpoint(endpoint string) AnthropicOption {
	return func(r *AnthropicRunner) {
		if trimmed := strings.TrimSpace(endpoint); trimmed != "" {
			r.endpoint = trimmed
		}
	}
}

func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(r *AnthropicRunner) {
		if client != nil {
			r.client = client
		}
	}
}

func WithToolExecutor(tools ToolExecutor) AnthropicOption {
	return func(r *AnthropicRunner) {
		r.tools = tools
	}
}

func WithMaxTokens(n int) AnthropicOption {
	return func(r *AnthropicRunner) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

func WithMaxToolRounds(n int) AnthropicOption {
	return func(r *AnthropicRunner) {
		if n > 0 {
			r.maxToolRounds = n
		}
	}
}

func WithLogger(logger *log.Logger) AnthropicOption {
	return func(r *AnthropicRunner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

var _ Runner = (*AnthropicRunner)(nil)

func (r *AnthropicRunner) RunTurn(ctx context.Context, turn Turn, emit func(Item) error) error {
	if r.apiKey == "" {
		return errors.New("anthropic api key is required")
	}
	if strings.TrimSpace(turn.Model) == "" {
		return errors.New("model is required")
	}

	history := make([]events.MessagePayload, len(turn.History))
	copy(history, turn.History)

	for round := 1; round <= r.maxToolRounds; round++ {
		assistant, err := r.callModel(ctx, turn, history, emit)
		if err != nil {
			return err
		}
		if err := emit(ItemMessage{Role: events.RoleAssistant, Content: assistant}); err != nil {
			return err
		}
		history = append(history, events.MessagePayload{Role: events.RoleAssistant, Content: assistant})

		toolUses := toolUseBlocks(assistant)
		if len(toolUses) == 0 {
			return nil
		}
		for _, toolUse := range toolUses {
			result := r.runTool(ctx, turn, toolUse)
			if err := emit(ItemMessage{Role: events.RoleTool, Content: []events.ContentBlock{result}}); err != nil {
				return err
			}
			history = append(history, events.MessagePayload{Role: events.RoleTool, Content: []events.ContentBlock{result}})
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %d rounds", ErrToolLoopExceeded, r.maxToolRounds)
}

// callModel performs one streamed provider call. The exchange is emitted
// when the response headers arrive so it precedes the chunks it produced.
func (r *AnthropicRunner) callModel(ctx context.Context, turn Turn, history []events.MessagePayload, emit func(Item) error) ([]events.ContentBlock, error) {
	messages, err := buildAnthropicMessages(history)
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.New("at least one message is required")
	}

	var tools []sandbox.ToolDefinition
	if r.tools != nil {
		tools = r.tools.AvailableTools()
	}
	payload := anthropicRequest{
		Model:     turn.Model,
		MaxTokens: r.maxTokens,
		Stream:    true,
		Messages:  messages,
		System:    systemPrompt(turn.SystemPromptSuffix),
		Tools:     buildAnthropicTools(tools),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build anthropic request: %w", err)
	}
	httpReq.Header.Set("x-api-key", r.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	httpReq.Header.Set("content-type", "application/json")
	if beta := computerUseBeta(turn.ToolVersion); beta != "" {
		httpReq.Header.Set("anthropic-beta", beta)
	}

	exchange := ItemHTTPExchange{
		Method:  http.MethodPost,
		URL:     r.endpoint,
		Request: truncate(string(body), maxRecordedRequestBytes),
	}
	started := time.Now()
	resp, err := r.client.Do(httpReq)
	exchange.Duration = time.Since(started)
	if err != nil {
		exchange.Err = err.Error()
		if emitErr := emit(exchange); emitErr != nil {
			return nil, emitErr
		}
		return nil, fmt.Errorf("call anthropic api: %w", err)
	}
	defer resp.Body.Close()

	exchange.Status = resp.StatusCode
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseAnthropicAPIError(resp)
		exchange.Err = apiErr.Error()
		if emitErr := emit(exchange); emitErr != nil {
			return nil, emitErr
		}
		return nil, apiErr
	}
	if err := emit(exchange); err != nil {
		return nil, err
	}

	parsed, err := readAnthropicStream(resp.Body, func(block events.ContentBlock) error {
		return emit(ItemChunk{Block: block})
	})
	if err != nil {
		return nil, fmt.Errorf("decode anthropic response: %w", err)
	}
	r.logger.Printf("anthropic call session_id=%s turn_id=%s model=%s stop_reason=%s input_tokens=%d output_tokens=%d",
		turn.SessionID, turn.TurnID, parsed.Model, parsed.StopReason, parsed.Usage.InputTokens, parsed.Usage.OutputTokens)

	blocks := make([]events.ContentBlock, 0, len(parsed.Content))
	for _, block := range parsed.Content {
		if converted, ok := fromAnthropicBlock(block); ok {
			blocks = append(blocks, converted)
		}
	}
	if len(blocks) == 0 {
		return nil, errors.New("anthropic response contained no content")
	}
	return blocks, nil
}

func (r *AnthropicRunner) runTool(ctx context.Context, turn Turn, toolUse events.ContentBlock) events.ContentBlock {
	result := events.ContentBlock{Type: events.BlockTypeToolResult, ToolUseID: toolUse.ID}
	if r.tools == nil {
		result.Output = "no sandbox is configured"
		result.IsError = true
		return result
	}

	resp, err := r.tools.Call(ctx, sandbox.CallRequest{
		CallID:   toolUse.ID,
		ToolName: toolUse.Name,
		Args:     toolUse.Input,
		Context:  sandbox.CallContext{SessionID: turn.SessionID, TurnID: turn.TurnID},
	})
	if err != nil {
		r.logger.Printf("tool call failed session_id=%s turn_id=%s tool=%s err=%v", turn.SessionID, turn.TurnID, toolUse.Name, err)
		result.Output = err.Error()
		result.IsError = true
		return result
	}
	if resp.Failed() {
		result.IsError = true
		if resp.Error != nil && resp.Error.Message != "" {
			result.Output = resp.Error.Message
		} else {
			result.Output = fmt.Sprintf("tool %s returned status %s", toolUse.Name, resp.Status)
		}
		return result
	}
	result.Output = toolOutput(resp.Result)
	return result
}

func toolOutput(result map[string]any) string {
	if output, ok := result["output"].(string); ok {
		return output
	}
	if len(result) == 0 {
		return ""
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Sprintf("%v", result)
	}
	return string(raw)
}

func toolUseBlocks(blocks []events.ContentBlock) []events.ContentBlock {
	var uses []events.ContentBlock
	for _, block := range blocks {
		if block.Type == events.BlockTypeToolUse {
			uses = append(uses, block)
		}
	}
	return uses
}

func systemPrompt(suffix string) string {
	if strings.TrimSpace(suffix) == "" {
		return baseSystemPrompt
	}
	return baseSystemPrompt + "\n\n" + suffix
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
