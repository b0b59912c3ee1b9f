package session

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTitleFromText(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"whitespace only", "\n\n  \n", ""},
		{"plain", "Fix the login bug", "Fix the login bug"},
		{"heading", "## Refactor the parser\n\ndetails", "Refactor the parser"},
		{"bold", "**Important** change", "Important change"},
		{"italic", "an *emphasized* word", "an emphasized word"},
		{"inline code", "update `go.mod` deps", "update go.mod deps"},
		{"link", "see [the docs](https://example.com) first", "see the docs first"},
		{"image", "![diagram](img.png) architecture", "diagram architecture"},
		{"html stripped", "hello <script>alert(1)</script> world", "hello world"},
		{"entities decoded", "a &amp; b", "a & b"},
		{"skips leading blank lines", "\n\nFirst real line\nsecond", "First real line"},
		{"truncated", strings.Repeat("a", 200), strings.Repeat("a", 128)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, titleFromText(tt.input))
		})
	}
}

func TestTitleFromAssistantMessage(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "assistant",
		"message": {
			"content": [
				{"type": "thinking", "thinking": "hmm"},
				{"type": "text", "text": "# Plan for the fix\n\nDetails follow."}
			]
		}
	}`)
	assert.Equal(t, "Plan for the fix", titleFromAssistantMessage(raw))
}

func TestTitleFromAssistantMessage_NoText(t *testing.T) {
	raw := json.RawMessage(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"bash"}]}}`)
	assert.Empty(t, titleFromAssistantMessage(raw))

	assert.Empty(t, titleFromAssistantMessage(json.RawMessage(`not json`)))
}
