package retrieve

import (
	"strings"
	"unicode/utf8"
)

// Snippet truncates chunk text for search results. The cut prefers the last
// sentence boundary inside the limit, then the last word boundary.
func Snippet(text string, maxChars int) string {
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if utf8.RuneCountInString(text) <= maxChars {
		return text
	}

	runes := []rune(text)
	cut := string(runes[:maxChars])

	if i := lastSentenceEnd(cut); i > maxChars/2 {
		return strings.TrimSpace(cut[:i])
	}
	if i := strings.LastIndexAny(cut, " \t"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

func lastSentenceEnd(s string) int {
	end := -1
	for _, sep := range []string{". ", "! ", "? "} {
		if i := strings.LastIndex(s, sep); i+1 > end {
			end = i + 1
		}
	}
	return end
}
