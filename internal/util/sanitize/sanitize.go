package sanitize

import (
	"strings"
	"unicode"
)

// Title sanitizes a session title by removing control characters,
// collapsing runs of whitespace, and limiting the length in runes.
func Title(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	space := false
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			if n >= maxLen {
				break
			}
			b.WriteByte(' ')
			n++
		}
		space = false
		if n >= maxLen {
			break
		}
		b.WriteRune(r)
		n++
	}
	return strings.TrimSpace(b.String())
}
