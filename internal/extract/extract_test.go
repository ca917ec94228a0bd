package extract

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/nugget/localbridge/internal/coerce"
)

func testExtractor() *Extractor {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

var ignoreGroup = cmpopts.IgnoreUnexported(Candidate{})

func TestExtract_Marker(t *testing.T) {
	text := `Sure. TOOL_CALL: create_task(title="Buy milk")`
	res := testExtractor().Extract(text, nil)

	want := []Candidate{{
		Name:    "create_task",
		RawArgs: `title="Buy milk"`,
		Span:    Span{6, len(text)},
		Grammar: GrammarMarker,
	}}
	if diff := cmp.Diff(want, res.Candidates, ignoreGroup); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	if len(res.Rejected) != 0 {
		t.Errorf("rejected = %v, want none", res.Rejected)
	}
}

func TestExtract_MarkerNotDuplicatedByBareGrammar(t *testing.T) {
	text := "TOOL_CALL: create_task(title=\"Buy milk\")\n"
	res := testExtractor().Extract(text, []string{"create_task"})
	if len(res.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1: %+v", len(res.Candidates), res.Candidates)
	}
	if res.Candidates[0].Grammar != GrammarMarker {
		t.Errorf("grammar = %s, want marker", res.Candidates[0].Grammar)
	}
}

func TestExtract_MarkerParensInsideQuotes(t *testing.T) {
	text := `TOOL_CALL: create_task(title="Call mom (urgent)", priority=1)`
	res := testExtractor().Extract(text, nil)
	if len(res.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(res.Candidates))
	}
	if got, want := res.Candidates[0].RawArgs, `title="Call mom (urgent)", priority=1`; got != want {
		t.Errorf("RawArgs = %q, want %q", got, want)
	}
}

func TestExtract_MarkerApostropheInBareValue(t *testing.T) {
	text := "TOOL_CALL: create_task(title=Don't forget, priority=2)\nOk."
	res := testExtractor().Extract(text, nil)

	want := []Candidate{{
		Name:    "create_task",
		RawArgs: "title=Don't forget, priority=2",
		Span:    Span{0, len(text) - len("\nOk.")},
		Grammar: GrammarMarker,
	}}
	if diff := cmp.Diff(want, res.Candidates, ignoreGroup); diff != "" {
		t.Errorf("candidates mismatch (-want +got):\n%s", diff)
	}
	if len(res.Rejected) != 0 {
		t.Errorf("rejected = %v, want none", res.Rejected)
	}
}

func TestExtract_RejectedSpanShadowsLaterGrammar(t *testing.T) {
	text := `TOOL_CALL: create_task({"tool": "start_timer", "args": {"taskId": "1"}}`
	res := testExtractor().Extract(text, nil)

	if len(res.Candidates) != 0 {
		t.Errorf("candidates = %+v, want none", res.Candidates)
	}
	if len(res.Rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(res.Rejected))
	}
	if got := res.Rejected[0].Span; got != (Span{0, len(text)}) {
		t.Errorf("rejection span = %+v, want whole text", got)
	}
}

func TestExtract_Structured(t *testing.T) {
	text := `{"tool":"start_timer","args":{"taskId":"123"}}`
	res := testExtractor().Extract(text, nil)
	if len(res.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(res.Candidates))
	}
	c := res.Candidates[0]
	if c.Name != "start_timer" || c.Grammar != GrammarStructured {
		t.Errorf("candidate = %+v", c)
	}
	if diff := cmp.Diff(coerce.Args{"taskId": coerce.StringValue("123")}, c.Args); diff != "" {
		t.Errorf("args mismatch (-want +got):\n%s", diff)
	}
	if c.Span != (Span{0, len(text)}) {
		t.Errorf("span = %+v, want whole text", c.Span)
	}
}

func TestExtract_StructuredEmbeddedInProse(t *testing.T) {
	text := `Starting it now {"tool": "start_timer", "args": {"taskId": "7", "minutes": 25}} okay?`
	res := testExtractor().Extract(text, nil)
	if len(res.Candidates) != 1 {
		t.Fatalf("got %d candidates, want 1", len(res.Candidates))
	}
	c := res.Candidates[0]
	if got := text[c.Span.Start:c.Span.End]; got != `{"tool": "start_timer", "args": {"taskId": "7", "minutes": 25}}` {
		t.Errorf("span text = %q", got)
	}
	if n, ok := c.Args["minutes"].AsNumber(); !ok || n != 25 {
		t.Errorf("minutes = %v", c.Args["minutes"])
	}
}

func TestExtract_StructuredMalformed(t *testing.T) {
	text := "{\"tool\": \"start_timer\", \"args\": {\"taskId\": }\nthen TOOL_CALL: list_tasks()"
	res := testExtractor().Extract(text, nil)

	if len(res.Candidates) != 1 || res.Candidates[0].Name != "list_tasks" {
		t.Fatalf("candidates = %+v, want only list_tasks", res.Candidates)
	}
	if len(res.Rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(res.Rejected))
	}
	var mce *MalformedCandidateError
	if !errors.As(res.Rejected[0].Err, &mce) || mce.Grammar != GrammarStructured {
		t.Errorf("rejection error = %v", res.Rejected[0].Err)
	}
}

func TestExtract_MarkerUnbalanced(t *testing.T) {
	text := "TOOL_CALL: create_task(title=\"x\"\nTOOL_CALL: list_tasks()"
	res := testExtractor().Extract(text, nil)

	// The unbalanced call swallows nothing beyond its own line.
	names := candidateNames(res.Candidates)
	if diff := cmp.Diff([]string{"list_tasks"}, names); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if len(res.Rejected) != 1 {
		t.Errorf("rejected = %d, want 1", len(res.Rejected))
	}
}

func TestExtract_Bare(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		known []string
		want  []string
	}{
		{
			name:  "known tool on its own line",
			text:  "I'll start that.\nstart_timer(taskId=\"123\")\n",
			known: []string{"start_timer"},
			want:  []string{"start_timer"},
		},
		{
			name:  "unknown tool ignored",
			text:  "print(\"hello\")",
			known: []string{"start_timer"},
			want:  nil,
		},
		{
			name:  "call inside prose ignored",
			text:  "You could run start_timer(taskId=1) later",
			known: []string{"start_timer"},
			want:  nil,
		},
		{
			name:  "trailing text on line ignored",
			text:  "start_timer(taskId=1) if you want",
			known: []string{"start_timer"},
			want:  nil,
		},
		{
			name:  "trailing period allowed",
			text:  "  list_tasks().",
			known: []string{"list_tasks"},
			want:  []string{"list_tasks"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := testExtractor().Extract(tt.text, tt.known)
			if diff := cmp.Diff(tt.want, candidateNames(res.Candidates)); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtract_Tagged(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single call",
			text: `<tool_call>{"name": "create_task", "arguments": {"title": "x"}}</tool_call>`,
			want: []string{"create_task"},
		},
		{
			name: "array shares one span",
			text: `<tool_call>[{"name": "a", "arguments": {}}, {"name": "b"}]</tool_call>`,
			want: []string{"a", "b"},
		},
		{
			name: "missing closing tag",
			text: `Checking. <tool_call>{"name": "list_tasks", "arguments": {}}`,
			want: []string{"list_tasks"},
		},
		{
			name: "structured object inside tags wins",
			text: `<tool_call>{"tool": "start_timer", "args": {}}</tool_call>`,
			want: []string{"start_timer"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := testExtractor().Extract(tt.text, nil)
			if diff := cmp.Diff(tt.want, candidateNames(res.Candidates)); diff != "" {
				t.Errorf("names mismatch (-want +got):\n%s", diff)
			}
			if len(res.Rejected) != 0 {
				t.Errorf("unexpected rejections: %v", res.Rejected)
			}
		})
	}
}

func TestExtract_RuleOrder(t *testing.T) {
	text := "list_tasks()\n{\"tool\": \"start_timer\", \"args\": {}}\nTOOL_CALL: create_task(title=\"x\")"
	res := testExtractor().Extract(text, []string{"list_tasks"})
	want := []string{"create_task", "start_timer", "list_tasks"}
	if diff := cmp.Diff(want, candidateNames(res.Candidates)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestExtract_NoCalls(t *testing.T) {
	res := testExtractor().Extract("Take a short walk (ten minutes) and drink water.", []string{"create_task"})
	if len(res.Candidates) != 0 || len(res.Rejected) != 0 {
		t.Errorf("result = %+v, want empty", res)
	}
}

func TestResult_Spans(t *testing.T) {
	res := Result{
		Candidates: []Candidate{{Span: Span{0, 3}}},
		Rejected:   []Rejection{{Span: Span{5, 9}}},
	}
	if diff := cmp.Diff([]Span{{0, 3}, {5, 9}}, res.Spans()); diff != "" {
		t.Errorf("spans mismatch (-want +got):\n%s", diff)
	}
}

func TestFindClose(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"()", 1},
		{"(a(b)c)", 6},
		{`("x)")`, 5},
		{`('it\'s)')`, 9},
		{"(unclosed", -1},
		{"(title=Don't forget, priority=2)", 31},
		{"(a='x)', b=Don't)", 16},
		{"(note=it's (fine))", 17},
	}
	for _, tt := range tests {
		if got := findClose(tt.text, 0); got != tt.want {
			t.Errorf("findClose(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}

func candidateNames(cands []Candidate) []string {
	var names []string
	for _, c := range cands {
		names = append(names, c.Name)
	}
	return names
}
