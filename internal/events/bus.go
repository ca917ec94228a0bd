// Package events carries operational events out of the bridge. The
// invocation controller, dispatcher, and bridge publish; the MQTT
// publisher and tests subscribe. A nil *Bus accepts every call as a
// no-op, so components never need a guard check before publishing.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceBridge identifies events from message processing.
	SourceBridge = "bridge"
	// SourceInvoke identifies events from the retry and circuit breaker
	// controller.
	SourceInvoke = "invoke"
	// SourceDispatch identifies events from tool dispatch.
	SourceDispatch = "dispatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the beginning of message processing.
	// Data: request_id, message_len.
	KindRequestStart = "request_start"
	// KindRequestComplete signals a successful reply.
	// Data: request_id, actions, suggestions, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindRequestFailed signals that the backend call failed for good.
	// Data: request_id, error.
	KindRequestFailed = "request_failed"
	// KindCandidateDropped signals a tool call that could not be parsed.
	// Data: request_id, error.
	KindCandidateDropped = "candidate_dropped"

	// KindRetry signals a failed attempt that will be retried.
	// Data: operation, attempt, delay_ms, error.
	KindRetry = "retry"
	// KindCircuitOpen signals the breaker tripping.
	// Data: operation, failures, retry_at.
	KindCircuitOpen = "circuit_open"
	// KindCircuitRejected signals a call refused by an open breaker.
	// Data: operation, retry_at.
	KindCircuitRejected = "circuit_rejected"
	// KindCircuitProbe signals the first attempt after the cooldown.
	// Data: operation, failures.
	KindCircuitProbe = "circuit_probe"
	// KindRecovered signals success after one or more failed attempts.
	// Data: operation, failed_attempts.
	KindRecovered = "recovered"

	// KindToolCall signals the start of a tool execution.
	// Data: request_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: request_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindToolDenied signals a tool call refused by the registry.
	// Data: request_id, tool, reason.
	KindToolDenied = "tool_denied"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe accept the receive-only channel the
	// caller holds.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers, dropping it for any
// subscriber whose buffer is full. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Drain reads every event currently buffered on ch without blocking.
func Drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}
