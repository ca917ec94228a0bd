// Package toolset provides the config-driven tool registry, executor and
// formatter used by the dispatcher.
package toolset

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/localbridge/internal/coerce"
	"github.com/nugget/localbridge/internal/dispatch"
)

// Handler runs a tool and returns its structured result and a
// user-facing message.
type Handler func(ctx context.Context, args coerce.Args) (any, string, error)

// Definition describes a tool as it appears in the config file.
type Definition struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Permission  string   `yaml:"permission,omitempty"`
	Required    []string `yaml:"required,omitempty"`
	Denied      bool     `yaml:"denied,omitempty"`
}

// Tool is a registered tool.
type Tool struct {
	Definition
	Handler Handler
}

// Registry holds available tools.
type Registry struct {
	tools map[string]*Tool
}

// NewRegistry creates a registry from definitions. Duplicate or empty
// names are rejected.
func NewRegistry(defs []Definition) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool)}
	for _, d := range defs {
		if d.Name == "" {
			return nil, fmt.Errorf("tool definition with empty name")
		}
		if _, ok := r.tools[d.Name]; ok {
			return nil, fmt.Errorf("duplicate tool %q", d.Name)
		}
		r.Register(&Tool{Definition: d})
	}
	return r, nil
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Handle attaches a handler to an existing tool.
func (r *Registry) Handle(name string, h Handler) error {
	t := r.tools[name]
	if t == nil {
		return &ErrToolUnavailable{ToolName: name}
	}
	t.Handler = h
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// AvailableTools returns the names of tools that are not denied, sorted.
func (r *Registry) AvailableTools() []string {
	names := make([]string, 0, len(r.tools))
	for name, t := range r.tools {
		if !t.Denied {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Describe returns a one-line description for the prompt, including the
// required parameters.
func (r *Registry) Describe(name string) string {
	t := r.tools[name]
	if t == nil {
		return ""
	}
	if len(t.Required) == 0 {
		return t.Description
	}
	return fmt.Sprintf("%s (requires: %s)", t.Description, strings.Join(t.Required, ", "))
}

// Validate implements dispatch.Registry.
func (r *Registry) Validate(name string, args coerce.Args, scope dispatch.Scope) dispatch.Verdict {
	t := r.tools[name]
	if t == nil {
		return deny((&ErrToolUnavailable{ToolName: name}).Error())
	}
	if t.Denied {
		return deny("disabled by configuration")
	}
	if t.Permission != "" && !scope.Has(t.Permission) {
		return deny(fmt.Sprintf("requires permission %q", t.Permission))
	}
	for _, p := range t.Required {
		v, ok := args[p]
		if !ok || v.Kind() == coerce.KindNull {
			return deny((&ErrMissingParameter{ToolName: name, Parameter: p}).Error())
		}
	}
	return dispatch.Verdict{Allowed: true}
}

func deny(reason string) dispatch.Verdict {
	return dispatch.Verdict{Allowed: false, Reason: reason}
}

// DefaultDefinitions returns the built-in task and timer tools used when
// the config lists none.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Name:        "create_task",
			Description: "Create a task with a title and optional priority and due date.",
			Permission:  "tasks.write",
			Required:    []string{"title"},
		},
		{
			Name:        "list_tasks",
			Description: "List open tasks, optionally filtered by label and limited in count.",
		},
		{
			Name:        "complete_task",
			Description: "Mark a task as done.",
			Permission:  "tasks.write",
			Required:    []string{"taskId"},
		},
		{
			Name:        "delete_task",
			Description: "Delete a task permanently.",
			Permission:  "tasks.delete",
			Required:    []string{"taskId"},
		},
		{
			Name:        "start_timer",
			Description: "Start a focus timer for a task.",
			Permission:  "timers",
			Required:    []string{"taskId"},
		},
		{
			Name:        "stop_timer",
			Description: "Stop the running focus timer.",
			Permission:  "timers",
		},
	}
}

// DefaultPermissions is granted to callers when the config sets none.
func DefaultPermissions() []string {
	return []string{"tasks.read", "tasks.write", "timers"}
}
