package toolset

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nugget/localbridge/internal/coerce"
	"github.com/nugget/localbridge/internal/dispatch"
)

// Executor runs tools from a registry. Tools without a handler run dry:
// they succeed and report the action they would have taken.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an executor over r.
func NewExecutor(r *Registry) *Executor {
	return &Executor{registry: r}
}

// Run implements dispatch.Executor.
func (e *Executor) Run(ctx context.Context, name string, args coerce.Args) dispatch.ExecResult {
	start := time.Now()
	t := e.registry.Get(name)
	if t == nil {
		err := &ErrToolUnavailable{ToolName: name}
		return dispatch.ExecResult{Success: false, Error: err.Error(), Elapsed: time.Since(start)}
	}

	if t.Handler == nil {
		return dispatch.ExecResult{
			Success:     true,
			Data:        map[string]any{"dry_run": true, "tool": name, "args": args.Map()},
			UserMessage: fmt.Sprintf("Would %s with %s.", Humanize(name), describeArgs(args)),
			Elapsed:     time.Since(start),
		}
	}

	data, msg, err := t.Handler(ctx, args)
	res := dispatch.ExecResult{Data: data, UserMessage: msg, Elapsed: time.Since(start)}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Success = true
	return res
}

func describeArgs(args coerce.Args) string {
	if len(args) == 0 {
		return "no arguments"
	}
	return args.String()
}

// Humanize turns a tool name like "create_task" into "create task".
func Humanize(name string) string {
	return strings.NewReplacer("_", " ", "-", " ", ".", " ").Replace(name)
}

// TextFormatter renders execution results as short sentences.
type TextFormatter struct{}

// Format implements dispatch.Formatter.
func (TextFormatter) Format(name string, res dispatch.ExecResult, _ coerce.Args) dispatch.Formatted {
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "unknown error"
		}
		msg := fmt.Sprintf("I couldn't %s: %s", Humanize(name), reason)
		return dispatch.Formatted{Success: false, UserMessage: msg, FormattedMessage: msg, Error: res.Error}
	}

	msg := strings.TrimSpace(res.UserMessage)
	if msg == "" {
		msg = fmt.Sprintf("Done: %s.", Humanize(name))
	}
	return dispatch.Formatted{Success: true, UserMessage: msg, FormattedMessage: msg}
}
