package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

var ErrUnknownTool = errors.New("unknown tool")

type HostConfig struct {
	Name    string
	BaseURL string
}

// Client routes tool calls to the sandbox hosts that advertised them.
type Client struct {
	hosts      []HostConfig
	httpClient *http.Client
	logger     *log.Logger
	mu         sync.RWMutex
	toolRoutes map[string]string
	toolDefs   map[string]ToolDefinition
}

type Option func(*Client)

func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

func New(logger *log.Logger, hosts []HostConfig, opts ...Option) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &Client{
		hosts: normalizeHosts(hosts),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger:     logger,
		toolRoutes: make(map[string]string),
		toolDefs:   make(map[string]ToolDefinition),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Discover replaces the tool table with what the hosts currently advertise.
// Unreachable hosts are logged and skipped.
func (c *Client) Discover(ctx context.Context) error {
	routes := make(map[string]string)
	defs := make(map[string]ToolDefinition)

	for _, host := range c.hosts {
		if err := ctx.Err(); err != nil {
			return err
		}
		parsed, err := c.discoverHost(ctx, host)
		if err != nil {
			c.logger.Printf("sandbox discovery warning host=%s url=%s err=%v", host.Name, host.BaseURL, err)
			continue
		}
		for _, tool := range parsed.Tools {
			name := strings.TrimSpace(tool.Name)
			if name == "" {
				continue
			}
			if prev, exists := routes[name]; exists && prev != host.BaseURL {
				c.logger.Printf("sandbox discovery warning duplicate tool=%s prev_host=%s host=%s", name, prev, host.BaseURL)
			}
			routes[name] = host.BaseURL
			defs[name] = ToolDefinition{
				Name:        name,
				Description: tool.Description,
				InputSchema: cloneRawMessageOrObject(tool.InputSchema),
			}
		}
	}

	c.mu.Lock()
	c.toolRoutes = routes
	c.toolDefs = defs
	c.mu.Unlock()
	return nil
}

func (c *Client) discoverHost(ctx context.Context, host HostConfig) (DiscoveryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host.BaseURL+"/v1/tools", nil)
	if err != nil {
		return DiscoveryResponse{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DiscoveryResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DiscoveryResponse{}, statusError(resp)
	}
	var parsed DiscoveryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		return DiscoveryResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return parsed, nil
}

func (c *Client) AvailableTools() []ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tools := make([]ToolDefinition, 0, len(c.toolDefs))
	for _, tool := range c.toolDefs {
		tools = append(tools, ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: cloneRawMessageOrObject(tool.InputSchema),
		})
	}
	sort.Slice(tools, func(i, j int) bool {
		return tools[i].Name < tools[j].Name
	})
	return tools
}

func (c *Client) Call(ctx context.Context, req CallRequest) (CallResponse, error) {
	toolName := strings.TrimSpace(req.ToolName)
	if toolName == "" {
		return CallResponse{}, fmt.Errorf("tool_name is required")
	}

	c.mu.RLock()
	baseURL, ok := c.toolRoutes[toolName]
	c.mu.RUnlock()
	if !ok {
		return CallResponse{}, fmt.Errorf("%w: %s", ErrUnknownTool, toolName)
	}

	if req.Version == "" {
		req.Version = ProtocolVersion
	}
	req.Args = cloneRawMessageOrObject(req.Args)
	body, err := json.Marshal(req)
	if err != nil {
		return CallResponse{}, fmt.Errorf("marshal tool call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/tools/call", bytes.NewReader(body))
	if err != nil {
		return CallResponse{}, fmt.Errorf("build tool call request: %w", err)
	}
	httpReq.Header.Set("content-type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return CallResponse{}, fmt.Errorf("call sandbox host: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CallResponse{}, statusError(resp)
	}

	var parsed CallResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&parsed); err != nil {
		return CallResponse{}, fmt.Errorf("decode tool call response: %w", err)
	}
	return parsed, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return fmt.Errorf("sandbox host status %d: %s", resp.StatusCode, message)
}

func normalizeHosts(hosts []HostConfig) []HostConfig {
	normalized := make([]HostConfig, 0, len(hosts))
	for _, host := range hosts {
		name := strings.TrimSpace(host.Name)
		baseURL := strings.TrimSuffix(strings.TrimSpace(host.BaseURL), "/")
		if baseURL == "" {
			continue
		}
		normalized = append(normalized, HostConfig{Name: name, BaseURL: baseURL})
	}
	return normalized
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
