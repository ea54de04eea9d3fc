package stream

import "strings"

// Mode markers the agent is instructed to put before its first text.
const (
	MarkerQuick = "[MODE: QUICK]"
	MarkerAsync = "[MODE: ASYNC]"
)

// Mode is the classification of one conversational turn.
type Mode int

const (
	ModeUndecided Mode = iota
	ModeQuick
	ModeAsync
)

func (m Mode) String() string {
	switch m {
	case ModeQuick:
		return "quick"
	case ModeAsync:
		return "async"
	default:
		return "undecided"
	}
}

// classify inspects the accumulated prefix. It returns the mode and the text
// after the marker once a marker has matched, ModeUndecided with more=true
// while the prefix could still become a marker, and ModeUndecided with
// more=false once no marker can match.
func classify(prefix string) (mode Mode, rest string, more bool) {
	trimmed := strings.TrimLeft(prefix, " \t\r\n")
	switch {
	case strings.HasPrefix(trimmed, MarkerQuick):
		return ModeQuick, trimmed[len(MarkerQuick):], false
	case strings.HasPrefix(trimmed, MarkerAsync):
		return ModeAsync, trimmed[len(MarkerAsync):], false
	case strings.HasPrefix(MarkerQuick, trimmed), strings.HasPrefix(MarkerAsync, trimmed):
		return ModeUndecided, "", true
	}
	return ModeUndecided, "", false
}
