package dispatch

import (
	"regexp"
	"sort"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"

	"github.com/nugget/localbridge/internal/extract"
)

// Fallback replies used when nothing else is left to say.
const (
	FallbackWithActions = "Done. I've taken care of that for you."
	FallbackNoActions   = "I'm not sure how to help with that. Could you rephrase your request?"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t]+`)
	blankLines      = regexp.MustCompile(`\n{3,}`)
	mdParser        = goldmark.New(goldmark.WithParserOptions(
		// Ahead of the stock fenced block parser at 700.
		parser.WithBlockParsers(util.Prioritized(fenceTracker{parser.NewFencedCodeBlockParser()}, 699)),
	)).Parser()
)

// Assemble builds the final reply from the model's text. Every span is
// cut out, code fences left empty by the cut are dropped, whitespace is
// collapsed and the tool messages are appended after a blank line.
func Assemble(modelText string, outcomes []Outcome, spans []extract.Span) string {
	cleaned := StripSpans(modelText, spans)
	cleaned = removeEmptyFences(cleaned)
	cleaned = CollapseWhitespace(cleaned)

	var messages []string
	recorded := false
	for _, o := range outcomes {
		if o.Record != nil {
			recorded = true
		}
		if msg := strings.TrimSpace(o.Formatted.Message()); msg != "" {
			messages = append(messages, msg)
		}
	}

	tools := strings.Join(messages, "\n\n")
	switch {
	case cleaned != "" && tools != "":
		return cleaned + "\n\n" + tools
	case cleaned != "":
		return cleaned
	case tools != "":
		return tools
	case recorded:
		return FallbackWithActions
	default:
		return FallbackNoActions
	}
}

// StripSpans removes the given byte ranges from s. Spans may overlap
// and arrive in any order; out-of-range bounds are clamped.
func StripSpans(s string, spans []extract.Span) string {
	if len(spans) == 0 {
		return s
	}
	sorted := make([]extract.Span, 0, len(spans))
	for _, sp := range spans {
		sp.Start = max(0, min(sp.Start, len(s)))
		sp.End = max(sp.Start, min(sp.End, len(s)))
		if sp.End > sp.Start {
			sorted = append(sorted, sp)
		}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var sb strings.Builder
	pos := 0
	for _, sp := range sorted {
		if sp.Start > pos {
			sb.WriteString(s[pos:sp.Start])
		}
		pos = max(pos, sp.End)
	}
	sb.WriteString(s[pos:])
	return sb.String()
}

// CollapseWhitespace squeezes runs of spaces and tabs, trims each line,
// limits blank lines to one in a row and trims the result.
func CollapseWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(horizontalSpace.ReplaceAllString(line, " "))
	}
	out := strings.Join(lines, "\n")
	out = blankLines.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

// removeEmptyFences drops fenced code blocks whose body is blank, which
// is what remains when a tool call was the whole block. Each dropped
// block takes its fence lines with it, container prefixes included.
func removeEmptyFences(s string) string {
	if !strings.Contains(s, "```") && !strings.Contains(s, "~~~") {
		return s
	}
	src := []byte(s)
	pc := parser.NewContext()
	doc := mdParser.Parse(text.NewReader(src), parser.WithContext(pc))
	ranges := fenceRanges(pc)

	var drop []extract.Span
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fb, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		lines := fb.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			if strings.TrimSpace(string(seg.Value(src))) != "" {
				return ast.WalkSkipChildren, nil
			}
		}
		if r, ok := ranges[n]; ok {
			r.Start = strings.LastIndexByte(s[:r.Start], '\n') + 1
			drop = append(drop, *r)
		}
		return ast.WalkSkipChildren, nil
	})
	return StripSpans(s, drop)
}

var fenceRangesKey = parser.NewContextKey()

// fenceRanges returns the source range of every fenced block opened
// during the parse that owns pc.
func fenceRanges(pc parser.Context) map[ast.Node]*extract.Span {
	m, _ := pc.Get(fenceRangesKey).(map[ast.Node]*extract.Span)
	if m == nil {
		m = make(map[ast.Node]*extract.Span)
		pc.Set(fenceRangesKey, m)
	}
	return m
}

// fenceTracker wraps goldmark's fenced code block parser and records
// the lines each block consumes, fence lines included.
type fenceTracker struct {
	parser.BlockParser
}

func (f fenceTracker) Open(parent ast.Node, reader text.Reader, pc parser.Context) (ast.Node, parser.State) {
	_, seg := reader.PeekLine()
	node, state := f.BlockParser.Open(parent, reader, pc)
	if node != nil {
		fenceRanges(pc)[node] = &extract.Span{Start: seg.Start, End: seg.Stop}
	}
	return node, state
}

func (f fenceTracker) Continue(node ast.Node, reader text.Reader, pc parser.Context) parser.State {
	_, seg := reader.PeekLine()
	state := f.BlockParser.Continue(node, reader, pc)
	if r, ok := fenceRanges(pc)[node]; ok {
		r.End = seg.Stop
	}
	return state
}
