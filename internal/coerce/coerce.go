package coerce

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MalformedError is returned when argument text is non-empty but no
// parsing strategy could recover a single key from it.
type MalformedError struct {
	Text string
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	return fmt.Sprintf("unparseable tool arguments %q", e.Text)
}

// strategy is one step of the resolution chain. A strategy returns
// ok=false when it does not apply so the next one can try.
type strategy struct {
	name  string
	parse func(text string) (Args, bool)
}

// strategies run in order and the first one that applies wins for the
// whole string. The key/value strategy covers both quoted and unquoted
// pairs so that quoted values keep precedence within a single pass.
var strategies = []strategy{
	{name: "json", parse: parseJSONObject},
	{name: "pairs", parse: parsePairs},
}

var (
	quotedPairPattern   = regexp.MustCompile(`([A-Za-z_][\w.-]*)\s*=\s*(?:"((?:[^"\\]|\\.)*)"|'((?:[^'\\]|\\.)*)')`)
	unquotedPairPattern = regexp.MustCompile(`(?:^|[\s,(])([A-Za-z_][\w.-]*)\s*=\s*([^,\s)]+)`)
	numberPattern       = regexp.MustCompile(`^-?\d+(?:\.\d+)?(?:[eE][+-]?\d+)?$`)
)

// Parse converts argument text into typed Args. Empty text yields empty
// Args. Keys missing from the text are absent from the result; callers
// validate required parameters themselves.
func Parse(text string) (Args, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Args{}, nil
	}
	for _, s := range strategies {
		if args, ok := s.parse(trimmed); ok {
			return args, nil
		}
	}
	return nil, &MalformedError{Text: text}
}

// Strategy reports which strategy Parse would use for text, or "" when
// none applies. Used for debug logging and the parse subcommand.
func Strategy(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "empty"
	}
	for _, s := range strategies {
		if _, ok := s.parse(trimmed); ok {
			return s.name
		}
	}
	return ""
}

func parseJSONObject(text string) (Args, bool) {
	if !strings.HasPrefix(text, "{") {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text), &m); err != nil || m == nil {
		return nil, false
	}
	return ArgsFromMap(m), true
}

func parsePairs(text string) (Args, bool) {
	args := Args{}

	// Quoted pairs first. Their spans are blanked out so the unquoted
	// scan cannot pick up key=value text that lives inside a quoted value.
	masked := []byte(text)
	for _, m := range quotedPairPattern.FindAllStringSubmatchIndex(text, -1) {
		key := text[m[2]:m[3]]
		var raw string
		if m[4] >= 0 {
			raw = unescapeDouble(text[m[4]:m[5]])
		} else {
			raw = strings.ReplaceAll(text[m[6]:m[7]], `\'`, `'`)
		}
		if _, exists := args[key]; !exists {
			args[key] = recoverQuoted(raw)
		}
		for i := m[0]; i < m[1]; i++ {
			masked[i] = ' '
		}
	}

	for _, m := range unquotedPairPattern.FindAllStringSubmatch(string(masked), -1) {
		key, raw := m[1], m[2]
		if _, exists := args[key]; exists {
			continue
		}
		args[key] = coerceBare(raw)
	}

	if len(args) == 0 {
		return nil, false
	}
	return args, true
}

// recoverQuoted tries to read a quoted value as JSON so that models
// writing count="3" or tags="[\"a\"]" still produce typed values.
func recoverQuoted(raw string) Value {
	var x any
	if err := json.Unmarshal([]byte(raw), &x); err == nil {
		return FromAny(x)
	}
	return StringValue(raw)
}

func coerceBare(raw string) Value {
	switch raw {
	case "true":
		return BoolValue(true)
	case "false":
		return BoolValue(false)
	}
	if numberPattern.MatchString(raw) {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return NumberValue(f)
		}
	}
	return StringValue(raw)
}

func unescapeDouble(raw string) string {
	if !strings.Contains(raw, `\`) {
		return raw
	}
	if s, err := strconv.Unquote(`"` + raw + `"`); err == nil {
		return s
	}
	return raw
}
