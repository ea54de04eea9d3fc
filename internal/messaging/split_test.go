package messaging

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"fits", "hello", 10, []string{"hello"}},
		{"no limit", "hello", 0, []string{"hello"}},
		{"prefers newline", "aaaa\nbbbb\ncc", 10, []string{"aaaa\nbbbb\n", "cc"}},
		{"prefers space", "aaaaaa bbbbbb", 10, []string{"aaaaaa ", "bbbbbb"}},
		{"hard cut", "abcdefghijkl", 5, []string{"abcde", "fghij", "kl"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitText(tt.text, tt.limit))
		})
	}
}

func TestSplitTextKeepsRunesAndContent(t *testing.T) {
	text := strings.Repeat("héllo wörld ✓ ", 50)
	chunks := SplitText(text, 37)

	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 37)
		assert.True(t, utf8.ValidString(c), "chunk %q is not valid UTF-8", c)
	}
	assert.Equal(t, text, strings.Join(chunks, ""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd…", Truncate("abcdefgh", 5))
	assert.Equal(t, "ééé…", Truncate("éééééé", 4))
	assert.Equal(t, "anything", Truncate("anything", 0))
}

func TestDeliveryError(t *testing.T) {
	inner := errors.New("channel_not_found")
	err := fmt.Errorf("send: %w", &DeliveryError{Platform: "slack", Op: "post", Err: inner})

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "slack post failed: channel_not_found", de.Error())
	assert.ErrorIs(t, err, inner)

	assert.NoError(t, IgnoreNotModified(fmt.Errorf("edit: %w", ErrNotModified)))
	assert.ErrorIs(t, IgnoreNotModified(inner), inner)
}
