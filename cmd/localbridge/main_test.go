package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nugget/localbridge/internal/buildinfo"
)

// fakeOllama answers /api/generate with reply and /api/tags with one
// model. The first failFirst generate calls get a 503.
func fakeOllama(t *testing.T, reply string, failFirst int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			if calls.Add(1) <= failFirst {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"error":"model is loading"}`)
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"model":    "llama3.2",
				"response": reply,
				"done":     true,
			})
		case "/api/tags":
			fmt.Fprint(w, `{"models":[{"name":"llama3.2:latest"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func backendConfig(t *testing.T, url string, extra string) string {
	return writeConfig(t, fmt.Sprintf(`log_level: error
backend:
  ollama_url: %s
  model: llama3.2
invocation:
  max_retries: 2
  base_delay: 1ms
  max_delay: 2ms
%s`, url, extra))
}

func runCmd(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(t.Context(), strings.NewReader(stdin), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runCmd(t, "", args...)
		if err != nil {
			t.Fatalf("run(%v) error: %v", args, err)
		}
		if !strings.Contains(out, "Usage: localbridge") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command: frobnicate"},
		{"unknown flag", []string{"-x"}, "unknown flag: -x"},
		{"bad output format", []string{"-o", "yaml", "version"}, "unknown output format"},
		{"ask without message", []string{"ask"}, "usage: localbridge ask"},
		{"bad journal count", []string{"journal", "zero"}, "usage: localbridge journal"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "tools"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runCmd(t, "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, _, err := runCmd(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, buildinfo.Current().String()) || !strings.Contains(out, "go_version:") {
		t.Errorf("version output:\n%s", out)
	}

	out, _, err = runCmd(t, "", "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]any
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version JSON: %v\n%s", err, out)
	}
	if info["version"] != buildinfo.Current().Version {
		t.Errorf("version = %q", info["version"])
	}
}

func TestRun_Tools(t *testing.T) {
	cfg := writeConfig(t, `permissions: [tasks.read]
tools:
  - name: create_task
    description: Create a task
    permission: tasks.write
    required: [title]
  - name: list_tasks
    description: List tasks
  - name: delete_task
    description: Delete a task
    denied: true
`)
	out, _, err := runCmd(t, "", "-config", cfg, "tools")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"needs tasks.write", "disabled", "list_tasks"} {
		if !strings.Contains(out, want) {
			t.Errorf("tools output missing %q:\n%s", want, out)
		}
	}

	out, _, err = runCmd(t, "", "-config", cfg, "-o=json", "tools")
	if err != nil {
		t.Fatal(err)
	}
	var infos []toolInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 || infos[0].Permitted || !infos[1].Permitted || infos[2].Permitted {
		t.Errorf("tools JSON = %+v", infos)
	}
}

func TestRun_Parse(t *testing.T) {
	cfg := writeConfig(t, "log_level: info\n")
	text := `Sure. TOOL_CALL: create_task(title="Buy milk", priority=2) and TOOL_CALL: stop_timer(`

	out, _, err := runCmd(t, "", "-config", cfg, "parse", text)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `marker create_task priority=2, title="Buy milk"`) {
		t.Errorf("parse output missing candidate:\n%s", out)
	}
	if !strings.Contains(out, "stop_timer: dropped:") {
		t.Errorf("parse output missing rejection:\n%s", out)
	}

	out, _, err = runCmd(t, text, "-config", cfg, "-o", "json", "parse", "-")
	if err != nil {
		t.Fatal(err)
	}
	var calls []parsedCall
	if err := json.Unmarshal([]byte(out), &calls); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2: %s", len(calls), out)
	}
	if calls[0].Tool != "create_task" || calls[0].Args["title"] != "Buy milk" || calls[0].Strategy == "" {
		t.Errorf("calls[0] = %+v", calls[0])
	}
	if calls[1].Error == "" {
		t.Errorf("calls[1] should carry an error: %+v", calls[1])
	}

	out, _, err = runCmd(t, "", "-config", cfg, "parse", "no calls here")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "no tool calls found" {
		t.Errorf("parse output = %q", out)
	}
}

func TestRun_AskRetriesAndJournals(t *testing.T) {
	srv, calls := fakeOllama(t, `Sure thing! TOOL_CALL: create_task(title="Buy milk")`, 1)
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	cfg := backendConfig(t, srv.URL, fmt.Sprintf("journal:\n  path: %s\n  driver: sqlite\n", dbPath))

	out, _, err := runCmd(t, "", "-config", cfg, "-o", "json", "ask", "add", "milk")
	if err != nil {
		t.Fatalf("ask error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("generate calls = %d, want 2", got)
	}

	var resp struct {
		RequestID string `json:"request_id"`
		Message   string `json:"message"`
		Actions   []struct {
			Type       string `json:"type"`
			Confidence int    `json:"confidence"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("ask JSON: %v\n%s", err, out)
	}
	if !strings.Contains(resp.Message, `Would create task with title="Buy milk".`) {
		t.Errorf("message = %q", resp.Message)
	}
	if strings.Contains(resp.Message, "TOOL_CALL") {
		t.Errorf("message leaks call syntax: %q", resp.Message)
	}
	if len(resp.Actions) != 1 || resp.Actions[0].Confidence != 95 {
		t.Errorf("actions = %+v", resp.Actions)
	}

	out, _, err = runCmd(t, "", "-config", cfg, "journal", "5")
	if err != nil {
		t.Fatalf("journal error: %v", err)
	}
	if !strings.Contains(out, "1 invocation(s)") || !strings.Contains(out, resp.RequestID) || !strings.Contains(out, "attempts=2") {
		t.Errorf("journal output:\n%s", out)
	}
	if !strings.Contains(out, "    create_task  ok confidence=95") {
		t.Errorf("journal output missing action line:\n%s", out)
	}

	out, _, err = runCmd(t, "", "-config", cfg, "-o", "json", "journal")
	if err != nil {
		t.Fatalf("journal JSON error: %v", err)
	}
	var jr struct {
		Actions map[string][]struct {
			Tool    string `json:"tool"`
			Allowed bool   `json:"allowed"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(out), &jr); err != nil {
		t.Fatalf("journal JSON: %v\n%s", err, out)
	}
	if acts := jr.Actions[resp.RequestID]; len(acts) != 1 || acts[0].Tool != "create_task" || !acts[0].Allowed {
		t.Errorf("journal actions = %+v", jr.Actions)
	}
}

func TestRun_AskBackendDown(t *testing.T) {
	srv, calls := fakeOllama(t, "", 100)
	cfg := backendConfig(t, srv.URL, "")

	_, _, err := runCmd(t, "", "-config", cfg, "ask", "hello")
	if err == nil || !strings.Contains(err.Error(), "ask:") {
		t.Fatalf("ask error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("generate calls = %d, want 3", got)
	}
}

func TestRun_JournalNotConfigured(t *testing.T) {
	cfg := writeConfig(t, "log_level: info\n")
	_, _, err := runCmd(t, "", "-config", cfg, "journal")
	if err == nil || !strings.Contains(err.Error(), "journal is not configured") {
		t.Errorf("journal error = %v", err)
	}
}

func TestRun_Chat(t *testing.T) {
	srv, calls := fakeOllama(t, "Hello there.", 0)
	cfg := backendConfig(t, srv.URL, "")

	out, _, err := runCmd(t, "hi\n\n/reset\nagain\n/quit\nnever sent\n", "-config", cfg, "chat")
	if err != nil {
		t.Fatal(err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("generate calls = %d, want 2", got)
	}
	if !strings.HasPrefix(out, "Remembering the last 20 turns.") {
		t.Errorf("chat banner missing:\n%s", out)
	}
	if strings.Count(out, "Hello there.") != 2 || !strings.Contains(out, "(conversation cleared)") {
		t.Errorf("chat output:\n%s", out)
	}
}

func TestRun_Ping(t *testing.T) {
	srv, _ := fakeOllama(t, "", 0)

	out, _, err := runCmd(t, "", "-config", backendConfig(t, srv.URL, ""), "ping")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "reachable") || strings.Contains(out, "warning") {
		t.Errorf("ping output:\n%s", out)
	}

	cfg := writeConfig(t, fmt.Sprintf("log_level: error\nbackend:\n  ollama_url: %s\n  model: mistral\n", srv.URL))
	out, _, err = runCmd(t, "", "-config", cfg, "ping")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `warning: model "mistral" is not installed`) {
		t.Errorf("ping output:\n%s", out)
	}
}
