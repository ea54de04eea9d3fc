package bridge

import (
	"strings"

	"github.com/HyphaGroup/acpbridge/internal/history"
	"github.com/HyphaGroup/acpbridge/internal/stream"
)

const maxHistoryChars = 6000

// modeInstructions asks the agent to open every reply with a mode marker.
var modeInstructions = strings.Join([]string{
	"You are replying to a chat message.",
	"Begin your reply with exactly one of these markers:",
	stream.MarkerQuick + " if you can answer right away; the rest of your reply is shown to the user as you write it.",
	stream.MarkerAsync + " if the request needs long-running work; stop after the marker and the work will be run as a background job whose result is posted to the chat later.",
}, "\n")

// BuildPrompt renders the conversational prompt: mode instructions, recent
// history and the user's message.
func BuildPrompt(recent []history.Entry, text string) string {
	var b strings.Builder
	b.WriteString(modeInstructions)
	b.WriteString("\n\n")

	if ctx := history.Format(recent, maxHistoryChars); ctx != "" {
		b.WriteString("Recent conversation:\n")
		b.WriteString(ctx)
		b.WriteString("\n\n")
	}

	b.WriteString("User message:\n")
	b.WriteString(text)
	return b.String()
}
