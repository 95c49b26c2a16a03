package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aristath/taskflow/internal/logging"
)

// Mode selects the calling convention.
type Mode int

const (
	// ModeStandard performs the initialize handshake once, then sends each
	// call as its own request.
	ModeStandard Mode = iota
	// ModeBatch sends [initialize, call] as one batch payload per call.
	ModeBatch
)

// ParseMode converts a config value to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "standard":
		return ModeStandard, nil
	case "batch":
		return ModeBatch, nil
	}
	return 0, fmt.Errorf("unknown provider mode %q", s)
}

// ServerInfo identifies a provider.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the result of the initialize handshake.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// ToolSchema describes a tool offered by a provider.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is one piece of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text joins the text blocks of the result.
func (r *ToolCallResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Client talks to one tool provider.
type Client struct {
	name      string
	transport Transport
	mode      Mode
	ids       IDGenerator
	log       *slog.Logger

	mu         sync.Mutex
	serverInfo *ServerInfo
}

// NewClient creates a client for the named provider.
func NewClient(name string, transport Transport, mode Mode, log *slog.Logger) *Client {
	return &Client{
		name:      name,
		transport: transport,
		mode:      mode,
		log:       logging.Component(log, "rpc").With("provider", name),
	}
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

func (c *Client) initParams() map[string]any {
	return map[string]any{
		"protocolVersion": ProtocolVersion,
		"clientInfo":      map[string]string{"name": "taskflow", "version": "0.1.0"},
		"capabilities":    map[string]any{},
	}
}

// Initialize performs the handshake. In standard mode later calls reuse it.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	raw, err := c.single(ctx, MethodInitialize, c.initParams())
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}
	if res.ProtocolVersion != "" && res.ProtocolVersion != ProtocolVersion {
		c.log.Warn("protocol version mismatch", "client", ProtocolVersion, "server", res.ProtocolVersion)
	}

	c.mu.Lock()
	c.serverInfo = &res.ServerInfo
	c.mu.Unlock()
	c.log.Info("provider initialized", "server", res.ServerInfo.Name, "version", res.ServerInfo.Version)
	return &res, nil
}

// ServerInfo returns the server identity once initialized.
func (c *Client) ServerInfo() (ServerInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.serverInfo == nil {
		return ServerInfo{}, false
	}
	return *c.serverInfo, true
}

// ListCapabilities returns the tools the provider offers.
func (c *Client) ListCapabilities(ctx context.Context) ([]ToolSchema, error) {
	raw, err := c.call(ctx, MethodListTools, map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodListTools, err)
	}
	var res struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse tools list: %w", err)
	}
	return res.Tools, nil
}

// Invoke calls a tool. Arguments must be a JSON object or empty.
func (c *Client) Invoke(ctx context.Context, tool string, arguments json.RawMessage) (*ToolCallResult, error) {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}
	params := map[string]any{"name": tool, "arguments": arguments}
	raw, err := c.call(ctx, MethodCallTool, params)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", MethodCallTool, tool, err)
	}
	var res ToolCallResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &res, nil
}

// Close releases the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.mode == ModeBatch {
		return c.batch(ctx, method, params)
	}
	c.mu.Lock()
	initialized := c.serverInfo != nil
	c.mu.Unlock()
	if !initialized {
		if _, err := c.Initialize(ctx); err != nil {
			return nil, err
		}
	}
	return c.single(ctx, method, params)
}

func (c *Client) single(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := NewRequest(c.ids.Next(), method, params)
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	c.log.Debug("sending request", "method", method, "id", req.ID)

	data, err := c.transport.Call(ctx, req.ID, payload)
	if err != nil {
		return nil, err
	}
	resp, err := decodeResponse(data)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// batch sends [initialize, method] and returns the method's result.
func (c *Client) batch(ctx context.Context, method string, params any) (json.RawMessage, error) {
	initReq := NewRequest(c.ids.Next(), MethodInitialize, c.initParams())
	callReq := NewRequest(c.ids.Next(), method, params)
	payload, err := json.Marshal([]Request{initReq, callReq})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch: %w", err)
	}
	c.log.Debug("sending batch", "method", method, "id", callReq.ID)

	data, err := c.transport.Call(ctx, callReq.ID, payload)
	if err != nil {
		return nil, err
	}
	byID, err := decodeBatch(data)
	if err != nil {
		return nil, err
	}
	if initResp, ok := byID[initReq.ID]; ok && initResp.Error != nil {
		return nil, fmt.Errorf("initialize: %w", initResp.Error)
	}
	resp, ok := byID[callReq.ID]
	if !ok {
		return nil, fmt.Errorf("batch response missing id %s", callReq.ID)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}
