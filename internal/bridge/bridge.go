// Package bridge turns one user message into one reply: it prompts the
// local model through the invocation controller, pulls tool calls out of
// the raw output, runs them and assembles what the user sees.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/localbridge/internal/coerce"
	"github.com/nugget/localbridge/internal/dispatch"
	"github.com/nugget/localbridge/internal/events"
	"github.com/nugget/localbridge/internal/extract"
	"github.com/nugget/localbridge/internal/history"
	"github.com/nugget/localbridge/internal/invoke"
	"github.com/nugget/localbridge/internal/journal"
)

// OperationGenerate is the controller operation type for model calls.
const OperationGenerate = "generate"

// Generation defaults.
const (
	DefaultMaxTokens    = 512
	DefaultTemperature  = 0.7
	DefaultContextTurns = 10
)

// Backend produces text from a prompt.
type Backend interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// Recorder receives diagnostics for each processed message.
// [*journal.Store] implements it.
type Recorder interface {
	RecordInvocation(ctx context.Context, inv journal.Invocation) error
	RecordAction(ctx context.Context, a journal.Action) error
}

// Response is the reply to one message.
type Response struct {
	RequestID   string                  `json:"request_id"`
	Message     string                  `json:"message"`
	Actions     []dispatch.ActionRecord `json:"actions"`
	Suggestions []dispatch.Suggestion   `json:"suggestions"`
	Reasoning   string                  `json:"reasoning"`
}

// Bridge processes messages against one backend. Its breaker state and
// conversation window belong to this instance only.
type Bridge struct {
	backend    Backend
	dispatcher *dispatch.Dispatcher
	controller *invoke.Controller
	extractor  *extract.Extractor
	window     *history.Window
	recorder   Recorder
	bus        *events.Bus
	logger     *slog.Logger
	now        func() time.Time

	model        string
	preamble     string
	maxTokens    int
	temperature  float64
	contextTurns int
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithController sets the invocation controller. The default uses
// [invoke.DefaultConfig].
func WithController(c *invoke.Controller) Option {
	return func(b *Bridge) { b.controller = c }
}

// WithWindow sets the conversation window.
func WithWindow(w *history.Window) Option {
	return func(b *Bridge) { b.window = w }
}

// WithExtractor sets the tool call extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(b *Bridge) { b.extractor = e }
}

// WithRecorder journals every processed message.
func WithRecorder(r Recorder) Option {
	return func(b *Bridge) { b.recorder = r }
}

// WithEvents publishes request lifecycle events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(b *Bridge) { b.bus = bus }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithClock replaces time.Now, which also drives suggestions.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) { b.now = now }
}

// WithModel names the model for the journal.
func WithModel(name string) Option {
	return func(b *Bridge) { b.model = name }
}

// WithPreamble replaces the opening instructions of the prompt.
func WithPreamble(s string) Option {
	return func(b *Bridge) { b.preamble = s }
}

// WithGeneration sets the sampling parameters passed to the backend.
// Non-positive maxTokens keeps the default.
func WithGeneration(maxTokens int, temperature float64) Option {
	return func(b *Bridge) {
		if maxTokens > 0 {
			b.maxTokens = maxTokens
		}
		b.temperature = temperature
	}
}

// WithContextTurns sets how many recent turns go into the prompt.
func WithContextTurns(n int) Option {
	return func(b *Bridge) {
		if n >= 0 {
			b.contextTurns = n
		}
	}
}

// New creates a bridge.
func New(backend Backend, dispatcher *dispatch.Dispatcher, opts ...Option) *Bridge {
	b := &Bridge{
		backend:      backend,
		dispatcher:   dispatcher,
		logger:       slog.Default(),
		now:          time.Now,
		preamble:     defaultPreamble,
		maxTokens:    DefaultMaxTokens,
		temperature:  DefaultTemperature,
		contextTurns: DefaultContextTurns,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.controller == nil {
		b.controller = invoke.New(invoke.WithLogger(b.logger), invoke.WithEvents(b.bus))
	}
	if b.extractor == nil {
		b.extractor = extract.New(b.logger)
	}
	if b.window == nil {
		b.window = history.NewWindow(history.DefaultMaxTurns)
	}
	return b
}

// Controller returns the invocation controller, for breaker inspection.
func (b *Bridge) Controller() *invoke.Controller {
	return b.controller
}

// Window returns the conversation window.
func (b *Bridge) Window() *history.Window {
	return b.window
}

// Reset clears the conversation window. Call it when switching models.
func (b *Bridge) Reset() {
	b.window.Clear()
	b.logger.Info("conversation window cleared")
}

// ProcessMessage runs one message through the model and the tools.
//
// Backend failures come back as [*invoke.BackendError] or
// [*invoke.CircuitOpenError] and leave the window untouched. Problems
// with individual tool calls never fail the call: malformed calls are
// dropped and denied or failed calls become part of the reply text.
func (b *Bridge) ProcessMessage(ctx context.Context, text string, scope dispatch.Scope) (*Response, error) {
	start := b.now()
	if scope.RequestID == "" {
		scope.RequestID = newRequestID()
	}
	log := b.logger.With("request_id", scope.RequestID)

	b.bus.Emit(events.SourceBridge, events.KindRequestStart, map[string]any{
		"request_id":  scope.RequestID,
		"message_len": len(text),
	})

	prompt := b.BuildPrompt(text)
	attempts := 0
	raw, err := invoke.Do(ctx, b.controller, OperationGenerate, func(ctx context.Context) (string, error) {
		attempts++
		return b.backend.Generate(ctx, prompt, b.maxTokens, b.temperature)
	})
	if err != nil {
		log.Warn("message processing failed", "attempts", attempts, "error", err)
		b.bus.Emit(events.SourceBridge, events.KindRequestFailed, map[string]any{
			"request_id": scope.RequestID,
			"error":      err.Error(),
		})
		b.record(ctx, journal.Invocation{
			Timestamp: start,
			RequestID: scope.RequestID,
			Model:     b.model,
			Error:     err.Error(),
			Attempts:  attempts,
			Duration:  b.now().Sub(start),
		}, nil)
		return nil, fmt.Errorf("process message: %w", err)
	}
	log.Log(ctx, slog.Level(-8), "model output", "raw", raw) // config.LevelTrace

	result := b.extractor.Extract(raw, b.dispatcher.Registry().AvailableTools())
	calls, dropped := b.coerceAll(result, scope.RequestID)

	outcomes := b.dispatcher.DispatchAll(ctx, calls, scope)
	records := dispatch.Records(outcomes)

	resp := &Response{
		RequestID:   scope.RequestID,
		Message:     dispatch.Assemble(raw, outcomes, result.Spans()),
		Actions:     records,
		Suggestions: dispatch.Suggest(b.now()),
		Reasoning:   reasoning(records),
	}

	b.window.Append(history.Turn{Role: history.RoleUser, Content: text, Timestamp: start})
	b.window.Append(history.Turn{Role: history.RoleAssistant, Content: resp.Message, Timestamp: b.now()})

	elapsed := b.now().Sub(start)
	log.Info("message processed",
		"attempts", attempts,
		"candidates", len(result.Candidates)+len(result.Rejected),
		"dropped", dropped,
		"actions", len(records),
		"elapsed", elapsed.String(),
	)
	b.bus.Emit(events.SourceBridge, events.KindRequestComplete, map[string]any{
		"request_id":  scope.RequestID,
		"actions":     len(records),
		"suggestions": len(resp.Suggestions),
		"elapsed_ms":  elapsed.Milliseconds(),
	})
	b.record(ctx, journal.Invocation{
		Timestamp:  start,
		RequestID:  scope.RequestID,
		Model:      b.model,
		Success:    true,
		Attempts:   attempts,
		Duration:   elapsed,
		Candidates: len(result.Candidates) + len(result.Rejected),
		Dropped:    dropped,
		Actions:    len(records),
	}, outcomes)

	return resp, nil
}

// coerceAll parses the argument text of each candidate. Candidates whose
// arguments cannot be parsed are dropped; their spans stay in the result
// so the raw syntax is still cut from the reply.
func (b *Bridge) coerceAll(result extract.Result, requestID string) ([]extract.Candidate, int) {
	dropped := 0
	for _, rj := range result.Rejected {
		dropped++
		b.dropped(requestID, rj.Err)
	}

	calls := make([]extract.Candidate, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		if c.Args == nil {
			args, err := coerce.Parse(c.RawArgs)
			if err != nil {
				dropped++
				b.dropped(requestID, &extract.MalformedCandidateError{
					Grammar: c.Grammar,
					Name:    c.Name,
					Reason:  err.Error(),
				})
				continue
			}
			c.Args = args
		}
		calls = append(calls, c)
	}
	return calls, dropped
}

func (b *Bridge) dropped(requestID string, err error) {
	b.logger.Debug("dropped malformed tool call", "request_id", requestID, "error", err)
	data := map[string]any{"request_id": requestID, "error": err.Error()}
	var mc *extract.MalformedCandidateError
	if errors.As(err, &mc) {
		data["tool"] = mc.Name
		data["grammar"] = string(mc.Grammar)
	}
	b.bus.Emit(events.SourceBridge, events.KindCandidateDropped, data)
}

// record writes to the journal. Journal failures are logged, never
// returned.
func (b *Bridge) record(ctx context.Context, inv journal.Invocation, outcomes []dispatch.Outcome) {
	if b.recorder == nil {
		return
	}
	if err := b.recorder.RecordInvocation(ctx, inv); err != nil {
		b.logger.Warn("journal invocation failed", "request_id", inv.RequestID, "error", err)
		return
	}
	for _, o := range outcomes {
		a := journal.Action{
			RequestID: inv.RequestID,
			Tool:      o.Candidate.Name,
			Allowed:   o.Denied == nil,
			Success:   o.Formatted.Success,
			Elapsed:   o.Result.Elapsed,
		}
		if o.Record != nil {
			a.Confidence = o.Record.Confidence
		}
		if o.Denied != nil {
			a.Reason = o.Denied.Reason
		}
		if err := b.recorder.RecordAction(ctx, a); err != nil {
			b.logger.Warn("journal action failed", "request_id", inv.RequestID, "tool", a.Tool, "error", err)
		}
	}
}

func reasoning(records []dispatch.ActionRecord) string {
	if len(records) == 0 {
		return "Responded directly; no tool calls were needed."
	}
	parts := make([]string, len(records))
	for i, r := range records {
		parts[i] = r.Reasoning
	}
	return strings.Join(parts, " ")
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
