// Package extract locates tool invocations inside free-form model output.
//
// Local models are inconsistent about how they ask for a tool. Some
// follow the TOOL_CALL marker they were prompted with, some emit a JSON
// object, some write a bare function call, and some fall back to the
// <tool_call> tags their chat template was trained on. Each format is a
// [Rule]; the [Extractor] applies every rule to the same text and merges
// the results by span so one piece of text yields at most one candidate.
package extract

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/nugget/localbridge/internal/coerce"
)

// Grammar names the output format a candidate was recognised under.
type Grammar string

const (
	// GrammarMarker is the prompted form: TOOL_CALL: name(args).
	GrammarMarker Grammar = "marker"
	// GrammarStructured is {"tool": "name", "args": {...}}.
	GrammarStructured Grammar = "structured"
	// GrammarBare is a line consisting only of name(args) for a known tool.
	GrammarBare Grammar = "bare"
	// GrammarTagged is <tool_call>{"name": ..., "arguments": {...}}</tool_call>.
	GrammarTagged Grammar = "tagged"
)

// Span is a half-open byte range [Start, End) in the model output.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Candidate is a provisionally recognised tool invocation.
type Candidate struct {
	Name    string  `json:"name"`
	RawArgs string  `json:"raw_args"`
	Span    Span    `json:"span"`
	Grammar Grammar `json:"grammar"`

	// Args is set by grammars that carry JSON arguments. Those bypass
	// the text coercer entirely. Nil means RawArgs still needs coercing.
	Args coerce.Args `json:"args,omitempty"`

	group int
}

// MalformedCandidateError describes a span that looked like a tool call
// but could not be parsed.
type MalformedCandidateError struct {
	Grammar Grammar
	Name    string
	Reason  string
}

// Error implements the error interface.
func (e *MalformedCandidateError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("malformed %s tool call: %s", e.Grammar, e.Reason)
	}
	return fmt.Sprintf("malformed %s tool call %q: %s", e.Grammar, e.Name, e.Reason)
}

// Rejection is a dropped candidate. Its span is still reported so the
// caller can keep raw call syntax out of the visible reply.
type Rejection struct {
	Span Span
	Err  error
}

// Result holds the outcome of one extraction pass.
type Result struct {
	Candidates []Candidate
	Rejected   []Rejection
}

// Spans returns the spans of every accepted and rejected candidate.
func (r Result) Spans() []Span {
	spans := make([]Span, 0, len(r.Candidates)+len(r.Rejected))
	for _, c := range r.Candidates {
		spans = append(spans, c.Span)
	}
	for _, rj := range r.Rejected {
		spans = append(spans, rj.Span)
	}
	return spans
}

// Rule is one grammar. Match returns candidates and rejections in the
// order they occur in text.
type Rule struct {
	Grammar Grammar
	Match   func(text string, known map[string]bool) ([]Candidate, []Rejection)
}

// DefaultRules returns the grammars in priority order. Earlier rules win
// when two matches overlap.
func DefaultRules() []Rule {
	return []Rule{
		{Grammar: GrammarMarker, Match: matchMarker},
		{Grammar: GrammarStructured, Match: matchStructured},
		{Grammar: GrammarBare, Match: matchBare},
		{Grammar: GrammarTagged, Match: matchTagged},
	}
}

// Extractor applies an ordered rule list to model output.
type Extractor struct {
	rules  []Rule
	logger *slog.Logger
}

// New creates an extractor with [DefaultRules].
func New(logger *slog.Logger) *Extractor {
	return NewWithRules(logger, DefaultRules())
}

// NewWithRules creates an extractor with a custom rule list.
func NewWithRules(logger *slog.Logger, rules []Rule) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{rules: rules, logger: logger}
}

// Extract finds tool calls in text. known lists the tool names the bare
// grammar may accept; the other grammars are explicit enough to stand on
// their own and leave unknown names to the registry.
//
// Candidates come back in rule order, then text order within a rule.
// A match that overlaps a span already claimed by an earlier match, or
// by an earlier rule's rejection, is discarded.
func (e *Extractor) Extract(text string, known []string) Result {
	knownSet := make(map[string]bool, len(known))
	for _, n := range known {
		knownSet[n] = true
	}

	var res Result
	var claimed []Candidate
	group := 0

	for _, rule := range e.rules {
		cands, rejs := rule.Match(text, knownSet)

		// Candidates from one match (a tagged array) share a span and a
		// group; only spans from other groups count as overlaps.
		lastSpan := Span{-1, -1}
		for _, c := range cands {
			if c.Span != lastSpan {
				group++
				lastSpan = c.Span
			}
			c.group = group
			if overlapsOther(claimed, c) {
				e.logger.Debug("tool call shadowed by earlier grammar",
					"grammar", rule.Grammar,
					"tool", c.Name,
					"start", c.Span.Start,
				)
				continue
			}
			claimed = append(claimed, c)
			res.Candidates = append(res.Candidates, c)
		}

		for _, rj := range rejs {
			if overlapsOther(claimed, Candidate{Span: rj.Span, group: -1}) {
				continue
			}
			e.logger.Warn("dropping malformed tool call",
				"grammar", rule.Grammar,
				"start", rj.Span.Start,
				"error", rj.Err,
			)
			res.Rejected = append(res.Rejected, rj)
			group++
			claimed = append(claimed, Candidate{Span: rj.Span, group: group})
		}
	}

	sort.SliceStable(res.Rejected, func(i, j int) bool {
		return res.Rejected[i].Span.Start < res.Rejected[j].Span.Start
	})
	return res
}

func overlapsOther(claimed []Candidate, c Candidate) bool {
	for _, prev := range claimed {
		if prev.group != c.group && prev.Span.Overlaps(c.Span) {
			return true
		}
	}
	return false
}
