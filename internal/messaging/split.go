package messaging

import (
	"strings"
	"unicode/utf8"
)

// SplitText breaks text into chunks of at most limit bytes. It prefers to cut
// after a newline, then after a space, and never splits a UTF-8 sequence.
// Joining the chunks reproduces text exactly.
func SplitText(text string, limit int) []string {
	if limit <= 0 || len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(text) > limit {
		cut := cutPoint(text, limit)
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func cutPoint(text string, limit int) int {
	window := text[:limit]
	if i := strings.LastIndexByte(window, '\n'); i > limit/2 {
		return i + 1
	}
	if i := strings.LastIndexByte(window, ' '); i > limit/2 {
		return i + 1
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	if cut == 0 {
		// limit smaller than one rune
		_, size := utf8.DecodeRuneInString(text)
		return size
	}
	return cut
}

// Truncate shortens text to at most max runes, ending with an ellipsis when cut.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	if max == 1 {
		return "…"
	}
	runes := []rune(text)
	return string(runes[:max-1]) + "…"
}
