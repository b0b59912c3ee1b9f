package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"empty", "", 100, ""},
		{"normal", "fix the thing", 100, "fix the thing"},
		{"with control chars", "fi\x00x\x07 it", 100, "fix it"},
		{"collapse whitespace", "fix   the\tthing", 100, "fix the thing"},
		{"truncate", "very long title", 8, "very lon"},
		{"trim whitespace", "  hello  ", 100, "hello"},
		{"unicode", "日本語タイトル", 100, "日本語タイトル"},
		{"truncate counts runes", "日本語タイトル", 3, "日本語"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Title(tt.input, tt.maxLen)
			assert.Equal(t, tt.want, got, "Title(%q, %d)", tt.input, tt.maxLen)
		})
	}
}
