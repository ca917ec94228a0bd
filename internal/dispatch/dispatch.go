// Package dispatch runs extracted tool calls through the validate, execute
// and format pipeline and assembles the user-facing reply.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/localbridge/internal/coerce"
	"github.com/nugget/localbridge/internal/events"
	"github.com/nugget/localbridge/internal/extract"
)

// Confidence values recorded on an [ActionRecord].
const (
	ConfidenceSuccess = 95
	ConfidenceFailure = 0
)

// Scope carries per-request context for validation.
type Scope struct {
	RequestID   string   `json:"request_id,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// Has reports whether the scope grants permission p.
func (s Scope) Has(p string) bool {
	for _, have := range s.Permissions {
		if have == p || have == "*" {
			return true
		}
	}
	return false
}

// Verdict is a registry's answer to a validation request.
type Verdict struct {
	Allowed bool
	Reason  string
}

// ExecResult is the raw outcome of running a tool.
type ExecResult struct {
	Success     bool          `json:"success"`
	Data        any           `json:"data,omitempty"`
	Error       string        `json:"error,omitempty"`
	UserMessage string        `json:"user_message,omitempty"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Formatted is an execution result rendered for the user.
type Formatted struct {
	Success          bool   `json:"success"`
	UserMessage      string `json:"user_message"`
	FormattedMessage string `json:"formatted_message"`
	Error            string `json:"error,omitempty"`
}

// Message returns the text to show the user, preferring the formatted
// message.
func (f Formatted) Message() string {
	if f.FormattedMessage != "" {
		return f.FormattedMessage
	}
	return f.UserMessage
}

// Registry knows which tools exist and whether a call is permitted.
type Registry interface {
	AvailableTools() []string
	Describe(name string) string
	Validate(name string, args coerce.Args, scope Scope) Verdict
}

// Executor runs a permitted tool call.
type Executor interface {
	Run(ctx context.Context, name string, args coerce.Args) ExecResult
}

// Formatter turns an execution result into user-facing text.
type Formatter interface {
	Format(name string, result ExecResult, args coerce.Args) Formatted
}

// ActionRecord describes an executed tool call in the response.
type ActionRecord struct {
	Type       string      `json:"type"`
	Parameters coerce.Args `json:"parameters"`
	Confidence int         `json:"confidence"`
	Reasoning  string      `json:"reasoning"`
}

// PermissionDeniedError is the reason a registry refused a call.
type PermissionDeniedError struct {
	Tool   string
	Reason string
}

// Error implements the error interface.
func (e *PermissionDeniedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %q is not permitted", e.Tool)
	}
	return fmt.Sprintf("tool %q is not permitted: %s", e.Tool, e.Reason)
}

// Outcome is the result of dispatching one candidate. Record is nil when
// the call was denied.
type Outcome struct {
	Candidate extract.Candidate
	Denied    *PermissionDeniedError
	Result    ExecResult
	Formatted Formatted
	Record    *ActionRecord
}

// Dispatcher validates, executes and formats tool calls.
type Dispatcher struct {
	registry  Registry
	executor  Executor
	formatter Formatter
	logger    *slog.Logger
	bus       *events.Bus
	now       func() time.Time
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithEvents publishes tool activity to bus.
func WithEvents(bus *events.Bus) Option {
	return func(d *Dispatcher) { d.bus = bus }
}

// WithClock replaces time.Now for elapsed-time measurement.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New creates a dispatcher over the given collaborators.
func New(registry Registry, executor Executor, formatter Formatter, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:  registry,
		executor:  executor,
		formatter: formatter,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher validates against.
func (d *Dispatcher) Registry() Registry {
	return d.registry
}

// Dispatch runs one coerced candidate. A denied call is never executed;
// it comes back as a formatted failure with no [ActionRecord]. Errors are
// never returned: every failure is part of the outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, c extract.Candidate, scope Scope) Outcome {
	args := c.Args
	if args == nil {
		args = coerce.Args{}
	}
	out := Outcome{Candidate: c}

	verdict := d.registry.Validate(c.Name, args, scope)
	if !verdict.Allowed {
		denied := &PermissionDeniedError{Tool: c.Name, Reason: verdict.Reason}
		d.logger.Info("tool call denied",
			"request_id", scope.RequestID,
			"tool", c.Name,
			"reason", verdict.Reason,
		)
		d.bus.Emit(events.SourceDispatch, events.KindToolDenied, map[string]any{
			"request_id": scope.RequestID,
			"tool":       c.Name,
			"reason":     verdict.Reason,
		})
		out.Denied = denied
		msg := fmt.Sprintf("I couldn't run %s: %s", c.Name, denialText(verdict.Reason))
		out.Formatted = Formatted{
			Success:          false,
			UserMessage:      msg,
			FormattedMessage: msg,
			Error:            denied.Error(),
		}
		return out
	}

	d.bus.Emit(events.SourceDispatch, events.KindToolCall, map[string]any{
		"request_id": scope.RequestID,
		"tool":       c.Name,
		"args":       args.String(),
	})

	start := d.now()
	res := d.executor.Run(ctx, c.Name, args)
	if res.Elapsed <= 0 {
		res.Elapsed = d.now().Sub(start)
	}
	out.Result = res

	out.Formatted = d.formatter.Format(c.Name, res, args)

	confidence := ConfidenceFailure
	if out.Formatted.Success {
		confidence = ConfidenceSuccess
	}
	out.Record = &ActionRecord{
		Type:       c.Name,
		Parameters: args,
		Confidence: confidence,
		Reasoning:  reasoningFor(c.Name),
	}

	d.logger.Debug("tool call finished",
		"request_id", scope.RequestID,
		"tool", c.Name,
		"success", res.Success,
		"elapsed", res.Elapsed.String(),
	)
	d.bus.Emit(events.SourceDispatch, events.KindToolDone, map[string]any{
		"request_id": scope.RequestID,
		"tool":       c.Name,
		"success":    out.Formatted.Success,
		"elapsed_ms": res.Elapsed.Milliseconds(),
	})
	return out
}

// DispatchAll runs candidates in order. One candidate's failure never
// stops the rest.
func (d *Dispatcher) DispatchAll(ctx context.Context, candidates []extract.Candidate, scope Scope) []Outcome {
	outcomes := make([]Outcome, 0, len(candidates))
	for _, c := range candidates {
		outcomes = append(outcomes, d.Dispatch(ctx, c, scope))
	}
	return outcomes
}

// Records returns the action records of executed calls, in order.
func Records(outcomes []Outcome) []ActionRecord {
	var records []ActionRecord
	for _, o := range outcomes {
		if o.Record != nil {
			records = append(records, *o.Record)
		}
	}
	return records
}

func reasoningFor(name string) string {
	return fmt.Sprintf("Executed %s based on the user's request.", name)
}

func denialText(reason string) string {
	if reason == "" {
		return "not permitted"
	}
	return reason
}
