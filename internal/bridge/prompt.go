package bridge

import (
	"strings"

	"github.com/nugget/localbridge/internal/history"
)

const defaultPreamble = "You are a helpful assistant for tasks and focus timers."

const callSyntax = `To use a tool, write TOOL_CALL: tool_name(key="value", other=3) on its own line.`

// BuildPrompt assembles the prompt for text: the preamble, the tool list,
// the recent conversation and the new message.
func (b *Bridge) BuildPrompt(text string) string {
	var sb strings.Builder
	sb.WriteString(b.preamble)
	sb.WriteString("\n\n")

	if tools := b.dispatcher.Registry().AvailableTools(); len(tools) > 0 {
		sb.WriteString("Available tools:\n")
		for _, name := range tools {
			sb.WriteString("- ")
			sb.WriteString(name)
			if desc := b.dispatcher.Registry().Describe(name); desc != "" {
				sb.WriteString(": ")
				sb.WriteString(desc)
			}
			sb.WriteString("\n")
		}
		sb.WriteString(callSyntax)
		sb.WriteString("\n\n")
	}

	if b.contextTurns > 0 {
		if turns := b.window.Recent(b.contextTurns); len(turns) > 0 {
			sb.WriteString("Conversation so far:\n")
			sb.WriteString(history.Format(turns))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("User: ")
	sb.WriteString(text)
	sb.WriteString("\nAssistant:")
	return sb.String()
}
