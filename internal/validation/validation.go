// Package validation checks identifiers and values arriving from tool calls
// and the CLI before they reach the stores.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	// MaxMessageChars bounds schedule task text and pushed messages
	MaxMessageChars = 16000

	maxChatIDLen = 128
)

var (
	// scheduleIDRegex matches sched_ followed by 8 hex characters
	scheduleIDRegex = regexp.MustCompile(`^sched_[0-9a-f]{8}$`)

	// jobRefRegex matches job_ followed by 8 hex characters
	jobRefRegex = regexp.MustCompile(`^job_[0-9a-f]{8}$`)
)

// ValidateScheduleID checks a schedule id
func ValidateScheduleID(id string) error {
	if id == "" {
		return fmt.Errorf("schedule ID cannot be empty")
	}
	if !scheduleIDRegex.MatchString(id) {
		return fmt.Errorf("invalid schedule ID format: %s", id)
	}
	return nil
}

// ValidateJobRef checks a background job reference
func ValidateJobRef(ref string) error {
	if !jobRefRegex.MatchString(ref) {
		return fmt.Errorf("invalid job reference: %s", ref)
	}
	return nil
}

// ValidateChatID checks a platform chat id. Ids are opaque but must be
// printable, without whitespace, and reasonably short.
func ValidateChatID(id string) error {
	if id == "" {
		return fmt.Errorf("chat ID cannot be empty")
	}
	if len(id) > maxChatIDLen {
		return fmt.Errorf("chat ID too long (%d > %d)", len(id), maxChatIDLen)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return fmt.Errorf("invalid chat ID format: %q", id)
		}
	}
	return nil
}

// ValidateMessage checks task or message text
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("message is required")
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message is not valid UTF-8")
	}
	if n := utf8.RuneCountInString(text); n > MaxMessageChars {
		return fmt.Errorf("message exceeds limit (%d > %d characters)", n, MaxMessageChars)
	}
	return nil
}

// ParseRunAt parses a one-time run time: an RFC 3339 timestamp, or a
// duration relative to now such as "30m" or "+2h". The result must not
// be in the past.
func ParseRunAt(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("run_at is required")
	}

	if d, err := time.ParseDuration(strings.TrimPrefix(value, "+")); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("run_at cannot be in the past: %s", value)
		}
		return now.Add(d), nil
	}

	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run_at %q: must be RFC 3339 (2006-01-02T15:04:05Z07:00) or a duration like 30m", value)
	}
	// Allow a little clock skew between the caller and us.
	if t.Before(now.Add(-time.Minute)) {
		return time.Time{}, fmt.Errorf("run_at cannot be in the past: %s", value)
	}
	return t, nil
}
