// Package tools defines the tools the agent may call and validates each
// call against the tool's JSON schema before running it.
package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Handler runs a tool with already validated arguments.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Definition is what the model sees of a tool.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Registry holds the available tools in registration order.
type Registry struct {
	tools map[string]*Tool
	order []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds t, replacing any tool with the same name.
func (r *Registry) Register(t *Tool) {
	if _, ok := r.tools[t.Name]; !ok {
		r.order = append(r.order, t.Name)
	}
	r.tools[t.Name] = t
}

// Get returns the named tool, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing tool list in registration order.
func (r *Registry) Definitions() []Definition {
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		out = append(out, Definition{Name: t.Name, Description: t.Description, Parameters: t.Parameters})
	}
	return out
}

// Validate checks args against the named tool's schema.
func (r *Registry) Validate(name string, args map[string]any) error {
	t := r.tools[name]
	if t == nil {
		return &ErrToolUnavailable{ToolName: name}
	}
	if problems := validateArgs(t.Parameters, args); len(problems) > 0 {
		return fmt.Errorf("%s: %w: %s", name, ErrInvalidArguments, strings.Join(problems, "; "))
	}
	return nil
}

// Execute validates args and runs the tool.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := r.Validate(name, args); err != nil {
		return "", err
	}
	if args == nil {
		args = map[string]any{}
	}
	return r.tools[name].Handler(ctx, args)
}
