// Package chunk assembles retrieval chunks from parsed elements. Everything
// here is pure and deterministic: the same element stream always produces the
// same chunks.
package chunk

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates the token count of text. One token per four
// runes tracks common BPE vocabularies on English prose closely enough for
// window sizing, and it keeps chunking independent of any model tokenizer.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	t := n / 4
	if t < 1 {
		t = 1
	}
	return t
}

// tokensForRunes is EstimateTokens for an already-known rune count.
func tokensForRunes(n int) int {
	if n == 0 {
		return 0
	}
	t := n / 4
	if t < 1 {
		t = 1
	}
	return t
}

// SplitByTokens cuts s into a head of roughly the given token budget and the
// remaining tail, at a word boundary. When s fits the budget the tail is
// empty.
func SplitByTokens(s string, tokens int) (string, string) {
	if tokens <= 0 {
		return "", strings.TrimSpace(s)
	}
	budget := tokens * 4
	runes := []rune(s)
	if len(runes) <= budget {
		return strings.TrimSpace(s), ""
	}
	cut := budget
	for i := budget; i > 0; i-- {
		if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
			cut = i
			break
		}
	}
	head := strings.TrimSpace(string(runes[:cut]))
	tail := strings.TrimSpace(string(runes[cut:]))
	if head == "" {
		return tail, ""
	}
	return head, tail
}

// TailByTokens returns a suffix of s covering roughly the given token
// budget, cut at a word boundary.
func TailByTokens(s string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	budget := tokens * 4
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	tail := string(runes[len(runes)-budget:])
	if i := strings.IndexAny(tail, " \t\n"); i >= 0 {
		tail = tail[i+1:]
	}
	return strings.TrimSpace(tail)
}
