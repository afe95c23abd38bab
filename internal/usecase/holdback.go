package usecase

import "strings"

// Structured-content delimiters that must not be rendered while a pair is
// incomplete: fenced code blocks and display math. While a message is still
// streaming, the text after the last unmatched opener is held back as plain
// text; the full content is released once the stream completes.

// BalancedPrefix splits s into the prefix that is safe to render as
// structured content and the held-back suffix that starts at the last
// unmatched opening delimiter. If every delimiter pair is closed, held is
// empty and safe == s.
func BalancedPrefix(s string) (safe, held string) {
	cut := len(s)

	if idx := unmatchedOpener(s, "```"); idx >= 0 && idx < cut {
		cut = idx
	}
	if idx := unmatchedOpener(s, "$$"); idx >= 0 && idx < cut {
		cut = idx
	}

	return s[:cut], s[cut:]
}

// unmatchedOpener returns the byte offset of the last unmatched occurrence
// of marker, or -1 when occurrences pair off evenly.
func unmatchedOpener(s, marker string) int {
	count := 0
	last := -1
	for i := 0; ; {
		j := strings.Index(s[i:], marker)
		if j < 0 {
			break
		}
		last = i + j
		count++
		i += j + len(marker)
	}
	if count%2 == 0 {
		return -1
	}
	return last
}
