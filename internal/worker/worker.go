// Package worker defines the boundary to the model-backed workers that plan,
// schedule and execute tasks, and the resilient invoker used to call them.
package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aristath/taskflow/internal/toolpool"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation handed to a worker.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
	Name    string `json:"name,omitempty" yaml:"name,omitempty"` // Worker or tool that produced it
	Kind    string `json:"kind,omitempty" yaml:"kind,omitempty"` // Input kind marker for resumed input
}

// Output is what a worker returns: final text, or tool calls to run first.
type Output struct {
	Text       string             `json:"text"`
	Operations []toolpool.Request `json:"operations,omitempty"`
}

// Worker executes one request against a model or external agent.
type Worker interface {
	Execute(ctx context.Context, messages []Message) (Output, error)
}

// Func adapts a function to Worker.
type Func func(ctx context.Context, messages []Message) (Output, error)

func (f Func) Execute(ctx context.Context, messages []Message) (Output, error) {
	return f(ctx, messages)
}

// Spec describes a registered worker.
type Spec struct {
	Name        string // Capability tag referenced by tasks and routing
	Description string
	Confirm     bool // Pause for human confirmation before running
}

// Registry maps capability tags to workers.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]Worker
	specs   map[string]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		workers: make(map[string]Worker),
		specs:   make(map[string]Spec),
	}
}

// Register adds a worker. Names must be unique and must not collide with the
// reserved routing targets.
func (r *Registry) Register(spec Spec, w Worker) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return fmt.Errorf("worker name is required")
	}
	if IsReservedName(name) {
		return fmt.Errorf("worker name %q is reserved", name)
	}
	if w == nil {
		return fmt.Errorf("worker %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workers[name]; exists {
		return fmt.Errorf("worker %q already registered", name)
	}
	spec.Name = name
	r.workers[name] = w
	r.specs[name] = spec
	return nil
}

// Get returns the worker for name.
func (r *Registry) Get(name string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	return w, ok
}

// Spec returns the registration details for name.
func (r *Registry) Spec(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Specs returns all registrations sorted by name.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Catalogue renders the registered workers for a prompt.
func (r *Registry) Catalogue() string {
	var b strings.Builder
	for _, s := range r.Specs() {
		fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	}
	return b.String()
}

// Reserved routing targets that cannot be used as worker names.
var reserved = map[string]bool{
	"replan":      true,
	"summary":     true,
	"human-input": true,
	"finish":      true,
}

// IsReservedName reports whether name is a reserved routing target.
func IsReservedName(name string) bool {
	return reserved[name]
}
