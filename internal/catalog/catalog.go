// Package catalog implements the Tool Catalog of spec.md §4.5: a
// process-local, write-at-startup registry of tool metadata and callable
// bodies. Unlike the teacher's reflection-driven capability discovery
// (core/discovery.go scanning method signatures), registration here is
// always explicit — the schema is data, per spec.md §9's Design Note.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/controlplane/fleet/internal/authn"
)

// ParamSpec describes one parameter a tool accepts.
type ParamSpec struct {
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// Handler is the callable body of a tool. It receives the already
// authenticated, already policy-cleared subject — the catalog performs no
// governance of its own (that is the Governance Pipeline's job).
type Handler func(ctx context.Context, args map[string]any, subject *authn.Subject) (any, error)

// ToolDescriptor is the full metadata + body pair registered for a tool.
type ToolDescriptor struct {
	Name        string
	Description string
	Category    string
	InputSchema map[string]ParamSpec
	ReturnType  string
	Handler     Handler
}

// ErrAlreadyRegistered is returned by Register for a duplicate tool name.
var ErrAlreadyRegistered = errors.New("catalog: tool already registered")

// ErrNotFound is returned by Lookup/Invoke for an unknown tool name.
var ErrNotFound = errors.New("catalog: tool not found")

// Catalog is a concurrency-safe, in-process table of registered tools.
type Catalog struct {
	mu    sync.RWMutex
	tools map[string]ToolDescriptor
}

// New creates an empty Catalog.
func New() *Catalog {
	return &Catalog{tools: make(map[string]ToolDescriptor)}
}

// Register adds a tool. Called explicitly by each tool module at startup;
// never via reflection. Registering the same name twice is an error —
// tool identity is fixed for the process lifetime.
func (c *Catalog) Register(desc ToolDescriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("catalog: tool descriptor missing name")
	}
	if desc.Handler == nil {
		return fmt.Errorf("catalog: tool %q missing handler", desc.Name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.Name)
	}
	c.tools[desc.Name] = desc
	return nil
}

// Lookup returns the descriptor for name.
func (c *Catalog) Lookup(name string) (ToolDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.tools[name]
	if !ok {
		return ToolDescriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return desc, nil
}

// List returns all tools, optionally filtered by category, sorted by name
// for deterministic output.
func (c *Catalog) List(category string) []ToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ToolDescriptor, 0, len(c.tools))
	for _, desc := range c.tools {
		if category != "" && desc.Category != category {
			continue
		}
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke calls the named tool's handler directly. Invoke performs no
// authentication, rate limiting, or policy checks of its own — callers
// must route through the Governance Pipeline (internal/governance), which
// is the single choke-point for those concerns (spec.md §4.7).
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any, subject *authn.Subject) (any, error) {
	desc, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	return desc.Handler(ctx, args, subject)
}
