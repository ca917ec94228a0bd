// Package history keeps the bounded turn history used to build the
// context block of the next prompt.
package history

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultMaxTurns is the window size when none is configured.
const DefaultMaxTurns = 20

// Role identifies the speaker of a turn.
type Role string

const (
	// RoleUser is a message typed by the person.
	RoleUser Role = "user"
	// RoleAssistant is a reply produced by the bridge.
	RoleAssistant Role = "assistant"
)

// Turn is one message in the conversation.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Window is a FIFO of the most recent turns. It is safe for concurrent
// use, but concurrent conversations sharing one Window will interleave.
type Window struct {
	mu       sync.RWMutex
	turns    []Turn
	maxTurns int
}

// NewWindow creates a window holding at most maxTurns turns.
// Non-positive values use [DefaultMaxTurns].
func NewWindow(maxTurns int) *Window {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Window{maxTurns: maxTurns}
}

// Append adds a turn, evicting the oldest turns beyond the cap.
func (w *Window) Append(t Turn) {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.turns = append(w.turns, t)
	if over := len(w.turns) - w.maxTurns; over > 0 {
		// Copy down so the backing array does not grow without bound.
		w.turns = append(w.turns[:0], w.turns[over:]...)
	}
}

// Recent returns up to n of the newest turns in chronological order.
// n <= 0 returns every turn.
func (w *Window) Recent(n int) []Turn {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n <= 0 || n > len(w.turns) {
		n = len(w.turns)
	}
	out := make([]Turn, n)
	copy(out, w.turns[len(w.turns)-n:])
	return out
}

// Clear drops every turn. Used when the model changes or the user asks
// to start over.
func (w *Window) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.turns = nil
}

// Len returns the number of turns held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.turns)
}

// Cap returns the maximum number of turns held.
func (w *Window) Cap() int {
	return w.maxTurns
}

// Format renders turns as "User: ..." / "Assistant: ..." lines for a
// prompt context block.
func Format(turns []Turn) string {
	var sb strings.Builder
	for _, t := range turns {
		label := "User"
		if t.Role == RoleAssistant {
			label = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, t.Content)
	}
	return sb.String()
}
