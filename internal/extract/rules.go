package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/nugget/localbridge/internal/coerce"
)

var (
	markerPattern     = regexp.MustCompile(`TOOL_CALL:\s*([A-Za-z_][\w.-]*)\s*\(`)
	structuredPattern = regexp.MustCompile(`\{\s*"tool"\s*:`)
	barePattern       = regexp.MustCompile(`(?m)^[ \t]*([A-Za-z_][\w.-]*)\(`)
)

const (
	openTag  = "<tool_call>"
	closeTag = "</tool_call>"
)

// matchMarker handles TOOL_CALL: name(args). The argument text is passed
// through untouched for the coercer.
func matchMarker(text string, _ map[string]bool) ([]Candidate, []Rejection) {
	var cands []Candidate
	var rejs []Rejection

	for _, m := range markerPattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		open := m[1] - 1
		end := findClose(text, open)
		if end < 0 {
			rejs = append(rejs, Rejection{
				Span: Span{m[0], lineEnd(text, m[1])},
				Err:  &MalformedCandidateError{Grammar: GrammarMarker, Name: name, Reason: "unbalanced parentheses"},
			})
			continue
		}
		cands = append(cands, Candidate{
			Name:    name,
			RawArgs: text[open+1 : end],
			Span:    Span{m[0], end + 1},
			Grammar: GrammarMarker,
		})
	}
	return cands, rejs
}

// matchStructured handles {"tool": "name", "args": {...}}. The object is
// decoded with encoding/json, which also tells us where it ends.
func matchStructured(text string, _ map[string]bool) ([]Candidate, []Rejection) {
	var cands []Candidate
	var rejs []Rejection

	next := 0
	for _, loc := range structuredPattern.FindAllStringIndex(text, -1) {
		start := loc[0]
		if start < next {
			continue // nested inside the previous object
		}

		dec := json.NewDecoder(strings.NewReader(text[start:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			rejs = append(rejs, Rejection{
				Span: Span{start, lineEnd(text, loc[1])},
				Err:  &MalformedCandidateError{Grammar: GrammarStructured, Reason: err.Error()},
			})
			continue
		}
		end := start + int(dec.InputOffset())
		next = end
		span := Span{start, end}

		var obj struct {
			Tool string          `json:"tool"`
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil || obj.Tool == "" {
			rejs = append(rejs, Rejection{
				Span: span,
				Err:  &MalformedCandidateError{Grammar: GrammarStructured, Reason: "missing tool name"},
			})
			continue
		}

		args, err := decodeObject(obj.Args)
		if err != nil {
			rejs = append(rejs, Rejection{
				Span: span,
				Err:  &MalformedCandidateError{Grammar: GrammarStructured, Name: obj.Tool, Reason: err.Error()},
			})
			continue
		}

		cands = append(cands, Candidate{
			Name:    obj.Tool,
			RawArgs: string(obj.Args),
			Args:    args,
			Span:    span,
			Grammar: GrammarStructured,
		})
	}
	return cands, rejs
}

// matchBare handles a line of the form name(args). Prose is full of
// parentheses, so only names of registered tools count, and the call
// must be the only thing on its line.
func matchBare(text string, known map[string]bool) ([]Candidate, []Rejection) {
	var cands []Candidate
	var rejs []Rejection

	for _, m := range barePattern.FindAllStringSubmatchIndex(text, -1) {
		name := text[m[2]:m[3]]
		if !known[name] {
			continue
		}
		open := m[1] - 1
		end := findClose(text, open)
		if end < 0 {
			rejs = append(rejs, Rejection{
				Span: Span{m[2], lineEnd(text, m[1])},
				Err:  &MalformedCandidateError{Grammar: GrammarBare, Name: name, Reason: "unbalanced parentheses"},
			})
			continue
		}
		rest := text[end+1 : lineEnd(text, end+1)]
		if strings.TrimRight(strings.TrimSpace(rest), ".;") != "" {
			continue
		}
		cands = append(cands, Candidate{
			Name:    name,
			RawArgs: text[open+1 : end],
			Span:    Span{m[2], end + 1},
			Grammar: GrammarBare,
		})
	}
	return cands, rejs
}

// matchTagged handles the <tool_call> wrapper used by Qwen and Hermes
// style chat templates. The body is a single call object or an array of
// them. A missing closing tag extends the block to the end of text.
func matchTagged(text string, _ map[string]bool) ([]Candidate, []Rejection) {
	var cands []Candidate
	var rejs []Rejection

	pos := 0
	for {
		i := strings.Index(text[pos:], openTag)
		if i < 0 {
			break
		}
		start := pos + i
		bodyStart := start + len(openTag)
		end := len(text)
		bodyEnd := end
		if j := strings.Index(text[bodyStart:], closeTag); j >= 0 {
			bodyEnd = bodyStart + j
			end = bodyEnd + len(closeTag)
		}
		pos = end
		span := Span{start, end}
		body := strings.TrimSpace(text[bodyStart:bodyEnd])

		type call struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		var calls []call
		if strings.HasPrefix(body, "[") {
			if err := json.Unmarshal([]byte(body), &calls); err != nil {
				rejs = append(rejs, Rejection{Span: span, Err: &MalformedCandidateError{Grammar: GrammarTagged, Reason: err.Error()}})
				continue
			}
		} else {
			var single call
			if err := json.Unmarshal([]byte(body), &single); err != nil {
				rejs = append(rejs, Rejection{Span: span, Err: &MalformedCandidateError{Grammar: GrammarTagged, Reason: err.Error()}})
				continue
			}
			calls = []call{single}
		}

		for _, c := range calls {
			if c.Name == "" {
				rejs = append(rejs, Rejection{Span: span, Err: &MalformedCandidateError{Grammar: GrammarTagged, Reason: "missing tool name"}})
				continue
			}
			args, err := decodeObject(c.Arguments)
			if err != nil {
				rejs = append(rejs, Rejection{Span: span, Err: &MalformedCandidateError{Grammar: GrammarTagged, Name: c.Name, Reason: err.Error()}})
				continue
			}
			cands = append(cands, Candidate{
				Name:    c.Name,
				RawArgs: string(c.Arguments),
				Args:    args,
				Span:    span,
				Grammar: GrammarTagged,
			})
		}
	}
	return cands, rejs
}

// decodeObject parses raw as a JSON object. A missing or null value is
// an empty argument set; anything other than an object is an error.
func decodeObject(raw json.RawMessage) (coerce.Args, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return coerce.Args{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil, err
	}
	return coerce.ArgsFromMap(m), nil
}

// findClose returns the index of the parenthesis matching the one at
// open, skipping anything inside single or double quotes. A quote only
// opens at the start of a value, so an apostrophe inside a bare word
// like Don't is plain text. Returns -1 if the text ends first.
func findClose(text string, open int) int {
	depth := 0
	var quote byte
	for i := open; i < len(text); i++ {
		ch := text[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			if valueStart(text[i-1]) {
				quote = ch
			}
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// valueStart reports whether a quote following prev begins a value.
func valueStart(prev byte) bool {
	switch prev {
	case '=', '(', ',', ':', '[', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

// lineEnd returns the index of the first newline at or after from, or
// len(text).
func lineEnd(text string, from int) int {
	if from >= len(text) {
		return len(text)
	}
	if i := strings.IndexByte(text[from:], '\n'); i >= 0 {
		return from + i
	}
	return len(text)
}
