// Package llm provides the local model backend.
package llm

import "context"

// Generator is the interface that inference backends must implement.
type Generator interface {
	// Generate completes prompt and returns the model's raw text.
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

	// Ping checks if the backend is reachable.
	Ping(ctx context.Context) error
}
