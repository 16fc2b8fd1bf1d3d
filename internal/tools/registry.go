// Package tools holds the fixed catalog of workspace operations the model
// may invoke, and dispatches calls against it.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"annailabs/annai/internal/llm"
)

// Tool is one registry entry. Execute performs the remote call; it must
// issue exactly one outbound request and leave retries to the caller.
type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	Execute     func(ctx context.Context, args map[string]any) (any, error)
}

// Registry maps tool names to implementations. Declaration order is
// preserved so the advertised catalog is stable across requests.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	tools    map[string]*Tool
	resolved map[string]*jsonschema.Resolved
}

func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*Tool),
		resolved: make(map[string]*jsonschema.Resolved),
	}
}

func (r *Registry) Register(tool *Tool) error {
	if tool == nil || tool.Name == "" {
		return fmt.Errorf("tool must have a name")
	}

	var resolved *jsonschema.Resolved
	if tool.Schema != nil {
		var err error
		resolved, err = tool.Schema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("tool %s already registered", tool.Name)
	}
	r.order = append(r.order, tool.Name)
	r.tools[tool.Name] = tool
	r.resolved[tool.Name] = resolved
	return nil
}

// Declarations returns the catalog in registration order, in the shape the
// completion endpoint expects.
func (r *Registry) Declarations() []llm.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		out = append(out, llm.ToolDeclaration{
			Type: "function",
			Function: llm.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		})
	}
	return out
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Execute dispatches one tool call and always returns a result the model
// can read. Unknown tools, invalid arguments, and remote failures all
// come back as structured {error: ...} payloads, never as Go errors; a
// failed call must not end the conversation.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) any {
	r.mu.RLock()
	tool, exists := r.tools[name]
	resolved := r.resolved[name]
	r.mu.RUnlock()

	if !exists {
		slog.Warn("tool not found", "tool", name)
		return map[string]any{"error": "unknown tool"}
	}

	if resolved != nil {
		if err := resolved.Validate(args); err != nil {
			slog.Warn("tool arguments rejected", "tool", name, "error", err)
			return map[string]any{
				"error":   "invalid tool arguments",
				"details": err.Error(),
			}
		}
	}

	start := time.Now()
	result, err := tool.Execute(ctx, args)
	if err != nil {
		slog.Error("tool execution failed", "tool", name,
			"duration_ms", time.Since(start).Milliseconds(), "error", err)
		return map[string]any{"error": err.Error()}
	}
	slog.Info("tool execution completed", "tool", name,
		"duration_ms", time.Since(start).Milliseconds())
	return result
}
