package dispatch

import "time"

// Suggestion is an unsolicited hint attached to a reply.
type Suggestion struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	Priority string `json:"priority"`
}

// Afternoon dip window, inclusive local hours.
const (
	dipStartHour = 14
	dipEndHour   = 16
)

// Suggest returns time-of-day suggestions for now. It depends only on the
// local hour, never on what the tools did.
func Suggest(now time.Time) []Suggestion {
	var out []Suggestion
	if h := now.Hour(); h >= dipStartHour && h <= dipEndHour {
		out = append(out, Suggestion{
			Type:     "energy",
			Title:    "Afternoon energy dip",
			Message:  "Energy often dips in the mid-afternoon. A short break or a lighter task may help.",
			Priority: "low",
		})
	}
	return out
}
