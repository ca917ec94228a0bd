package toolset

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that is not
// in the registry. This is a capability mismatch, not a transient
// execution failure, so callers should not retry it.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrMissingParameter is returned when a required argument is absent.
type ErrMissingParameter struct {
	ToolName  string
	Parameter string
}

// Error implements the error interface.
func (e *ErrMissingParameter) Error() string {
	return fmt.Sprintf("tool %q requires parameter %q", e.ToolName, e.Parameter)
}
