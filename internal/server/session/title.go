package session

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/streamdock/streamdock/internal/util/sanitize"
)

const maxTitleLen = 128

var (
	reHeading    = regexp.MustCompile(`^#{1,6}\s+`)
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*|__(.+?)__`)
	reItalic     = regexp.MustCompile(`\*(.+?)\*|_(.+?)_`)
	reInlineCode = regexp.MustCompile("`(.+?)`")
	reImageLink  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	reLink       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)

	htmlPolicy = bluemonday.StrictPolicy()
)

// titleFromAssistantMessage derives a session title from the first
// assistant message carrying text content. Returns "" if the message
// has no usable text.
func titleFromAssistantMessage(raw json.RawMessage) string {
	var m struct {
		Message struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	for _, block := range m.Message.Content {
		if block.Type != "text" {
			continue
		}
		if title := titleFromText(block.Text); title != "" {
			return title
		}
	}
	return ""
}

// titleFromText extracts a human-readable title from markdown text.
// It returns the first meaningful line, stripped of markdown and HTML
// formatting.
func titleFromText(text string) string {
	var line string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimSpace(l)
		if l != "" {
			line = l
			break
		}
	}
	if line == "" {
		return ""
	}

	line = reHeading.ReplaceAllString(line, "")

	// Strip markdown inline formatting (order matters).
	line = reBold.ReplaceAllString(line, "${1}${2}")
	line = reItalic.ReplaceAllString(line, "${1}${2}")
	line = reInlineCode.ReplaceAllString(line, "${1}")
	line = reImageLink.ReplaceAllString(line, "${1}")
	line = reLink.ReplaceAllString(line, "${1}")

	// Strip HTML tags, then decode entities bluemonday may have encoded.
	line = htmlPolicy.Sanitize(line)
	line = html.UnescapeString(line)

	return sanitize.Title(line, maxTitleLen)
}
