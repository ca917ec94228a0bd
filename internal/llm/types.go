package llm

import (
	"fmt"
	"log/slog"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// GenerateRequest is the request format for the Ollama generate API.
type GenerateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	Stream  bool     `json:"stream"`
	Options *Options `json:"options,omitempty"`
}

// Options are model parameters.
type Options struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// GenerateResponse is the response from the Ollama generate API.
type GenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`

	// Usage stats (when done=true)
	TotalDuration   int64 `json:"total_duration,omitempty"`
	LoadDuration    int64 `json:"load_duration,omitempty"`
	PromptEvalCount int   `json:"prompt_eval_count,omitempty"`
	EvalCount       int   `json:"eval_count,omitempty"`
	EvalDuration    int64 `json:"eval_duration,omitempty"`
}

// Usage summarises token counts and timing from a response.
type Usage struct {
	InputTokens   int
	OutputTokens  int
	TotalDuration time.Duration
	LoadDuration  time.Duration
	EvalDuration  time.Duration
}

// Usage converts the wire-format counters.
func (r *GenerateResponse) Usage() Usage {
	return Usage{
		InputTokens:   r.PromptEvalCount,
		OutputTokens:  r.EvalCount,
		TotalDuration: time.Duration(r.TotalDuration),
		LoadDuration:  time.Duration(r.LoadDuration),
		EvalDuration:  time.Duration(r.EvalDuration),
	}
}

// StatusError is a non-200 answer from the server. Condition carries
// wording the retry classifier recognises.
type StatusError struct {
	StatusCode int
	Condition  string
	Message    string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	s := fmt.Sprintf("ollama API error %d", e.StatusCode)
	if e.Condition != "" {
		s += " (" + e.Condition + ")"
	}
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}
