package mqtt

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/localbridge/internal/config"
	"github.com/nugget/localbridge/internal/events"
	"github.com/nugget/localbridge/internal/invoke"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedBreaker struct{ st invoke.BreakerState }

func (f fixedBreaker) State() invoke.BreakerState { return f.st }

type recordingControls struct{ resets, clears int }

func (r *recordingControls) ResetBreaker() { r.resets++ }
func (r *recordingControls) ClearHistory() { r.clears++ }

func testPublisher(controls Controls) *Publisher {
	cfg := config.MQTTConfig{Broker: "mqtt://localhost:1883", TopicPrefix: "home/lb"}
	st := invoke.BreakerState{
		Open:         true,
		FailureCount: 5,
		LastFailure:  time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		NextRetry:    time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC),
	}
	return New(cfg, "0190a1b2-c3d4-7e5f-8a9b-0c1d2e3f4a5b", events.New(), fixedBreaker{st}, controls, quietLogger())
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateInstanceID() error = %v", err)
	}
	if id == "" {
		t.Fatal("LoadOrCreateInstanceID() returned empty string")
	}

	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != id {
		t.Errorf("file contains %q, want %q", got, id)
	}

	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("second call = %q, want stable %q", again, id)
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher(nil)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"availability", p.availabilityTopic(), "home/lb/availability"},
		{"breaker", p.breakerTopic(), "home/lb/breaker"},
		{"event", p.eventTopic(events.KindCircuitOpen), "home/lb/events/circuit_open"},
		{"control", p.controlTopic(), "home/lb/control"},
		{"client id", p.clientID(), "localbridge-2e3f4a5b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestPublisher_ClientIDOverride(t *testing.T) {
	p := New(config.MQTTConfig{ClientID: "desk"}, "abc", nil, nil, nil, nil)
	if p.clientID() != "desk" {
		t.Errorf("clientID() = %q", p.clientID())
	}
	if p.cfg.PublishIntervalSec != 60 {
		t.Errorf("PublishIntervalSec = %d, want default 60", p.cfg.PublishIntervalSec)
	}
}

func TestPublisher_MarshalEvent(t *testing.T) {
	p := testPublisher(nil)
	e := events.Event{
		Timestamp: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Source:    events.SourceInvoke,
		Kind:      events.KindRetry,
		Data:      map[string]any{"attempt": 2},
	}

	raw, err := p.marshalEvent(e)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatal(err)
	}
	if got["kind"] != "retry" || got["source"] != "invoke" || got["timestamp"] != "2026-05-01T12:00:00Z" {
		t.Errorf("payload = %s", raw)
	}
	if got["instance"] != p.instanceID {
		t.Errorf("instance = %v", got["instance"])
	}
	if data, _ := got["data"].(map[string]any); data["attempt"] != float64(2) {
		t.Errorf("data = %v", got["data"])
	}
}

func TestPublisher_MarshalBreaker(t *testing.T) {
	raw, err := testPublisher(nil).marshalBreaker()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"open":true,"failure_count":5,"last_failure":"2026-05-01T12:00:00Z","next_retry":"2026-05-01T12:00:30Z"}`
	if string(raw) != want {
		t.Errorf("payload = %s\nwant      %s", raw, want)
	}

	closed, err := New(config.MQTTConfig{}, "x", nil, nil, nil, quietLogger()).marshalBreaker()
	if err != nil {
		t.Fatal(err)
	}
	if string(closed) != `{"open":false,"failure_count":0}` {
		t.Errorf("nil breaker payload = %s", closed)
	}
}

func TestBreakerEvent(t *testing.T) {
	tests := []struct {
		source, kind string
		want         bool
	}{
		{events.SourceInvoke, events.KindCircuitOpen, true},
		{events.SourceInvoke, events.KindRecovered, true},
		{events.SourceInvoke, events.KindCircuitRejected, false},
		{events.SourceDispatch, events.KindToolCall, false},
	}
	for _, tt := range tests {
		if got := breakerEvent(events.Event{Source: tt.source, Kind: tt.kind}); got != tt.want {
			t.Errorf("breakerEvent(%s/%s) = %v, want %v", tt.source, tt.kind, got, tt.want)
		}
	}
}

func TestHandleControl(t *testing.T) {
	rc := &recordingControls{}
	p := testPublisher(rc)

	p.handleControl([]byte(" RESET_BREAKER\n"))
	p.handleControl([]byte("clear_history"))
	p.handleControl([]byte("self_destruct"))

	if rc.resets != 1 || rc.clears != 1 {
		t.Errorf("resets=%d clears=%d, want 1/1", rc.resets, rc.clears)
	}

	// No controls wired: commands are ignored without panicking.
	testPublisher(nil).handleControl([]byte(CommandResetBreaker))
}
