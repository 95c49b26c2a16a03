package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/aristath/taskflow/internal/errors"
	"github.com/aristath/taskflow/internal/logging"
	"github.com/aristath/taskflow/internal/toolpool"
)

// ErrUnknownTool is returned when no provider offers the requested tool.
var ErrUnknownTool = errors.New("unknown tool")

// ToolInfo pairs a tool with the provider offering it.
type ToolInfo struct {
	Provider string
	Schema   ToolSchema
}

// Registry routes tool calls to providers. It implements toolpool.Executor.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Client
	tools     map[string]ToolInfo
	log       *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		providers: make(map[string]*Client),
		tools:     make(map[string]ToolInfo),
		log:       logging.Component(log, "rpc-registry"),
	}
}

// Add registers a provider. Tools listed in static are routed to it without
// asking the provider.
func (r *Registry) Add(c *Client, static ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[c.Name()]; exists {
		return fmt.Errorf("provider %q already registered", c.Name())
	}
	r.providers[c.Name()] = c
	for _, tool := range static {
		r.tools[tool] = ToolInfo{Provider: c.Name(), Schema: ToolSchema{Name: tool}}
	}
	return nil
}

// Provider returns the named provider client.
func (r *Registry) Provider(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.providers[name]
	return c, ok
}

// InitializeAll performs the handshake with every provider concurrently and
// indexes the tools they list. A tool offered by several providers is routed
// to the first provider by name.
func (r *Registry) InitializeAll(ctx context.Context) error {
	r.mu.RLock()
	clients := make([]*Client, 0, len(r.providers))
	for _, c := range r.providers {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	sort.Slice(clients, func(i, j int) bool { return clients[i].Name() < clients[j].Name() })

	listed := make([][]ToolSchema, len(clients))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range clients {
		g.Go(func() error {
			if _, err := c.Initialize(gctx); err != nil {
				return fmt.Errorf("provider %q: %w", c.Name(), err)
			}
			tools, err := c.ListCapabilities(gctx)
			if err != nil {
				return fmt.Errorf("provider %q: %w", c.Name(), err)
			}
			listed[i] = tools
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range clients {
		for _, t := range listed[i] {
			if existing, ok := r.tools[t.Name]; ok && existing.Provider != c.Name() {
				r.log.Warn("tool offered by several providers", "tool", t.Name, "using", existing.Provider, "ignored", c.Name())
				continue
			}
			r.tools[t.Name] = ToolInfo{Provider: c.Name(), Schema: t}
		}
	}
	return nil
}

// Tools returns all routed tools sorted by name.
func (r *Registry) Tools() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ToolInfo, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Schema.Name < out[j].Schema.Name })
	return out
}

// ExecuteTool invokes the provider offering req.Name.
func (r *Registry) ExecuteTool(ctx context.Context, req toolpool.Request) (string, error) {
	r.mu.RLock()
	info, ok := r.tools[req.Name]
	var c *Client
	if ok {
		c = r.providers[info.Provider]
	}
	r.mu.RUnlock()

	if c == nil {
		return "", &apperrors.ToolExecutionError{Tool: req.Name, RequestID: req.ID, Err: ErrUnknownTool}
	}
	res, err := c.Invoke(ctx, req.Name, req.Arguments)
	if err != nil {
		return "", &apperrors.ToolExecutionError{Tool: req.Name, RequestID: req.ID, Err: err}
	}
	if res.IsError {
		return "", &apperrors.ToolExecutionError{Tool: req.Name, RequestID: req.ID, Err: errors.New(res.Text())}
	}
	return res.Text(), nil
}

// Close closes every provider.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, c := range r.providers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
