// Package answer orchestrates grounded answer generation with citations.
package answer

import (
	"fmt"
	"strings"

	"github.com/ragline-ai/ragline/internal/retrieve"
)

const systemPrompt = `You are a careful assistant answering questions about a private document collection.
Use ONLY the numbered context passages to answer. Cite every claim with the
passage number in square brackets, like [1] or [2][3]. If the context does
not contain the answer, say "I don't know based on the provided documents."
and nothing else. Never invent citations.`

// BuildPrompt renders the numbered context block and the user question.
func BuildPrompt(query string, entries []retrieve.ContextEntry) (system, prompt string) {
	var b strings.Builder
	b.WriteString("Context passages:\n\n")
	for _, e := range entries {
		header := strings.Join(e.Chunk.HeaderPath, " > ")
		if header != "" {
			fmt.Fprintf(&b, "[%d] (%s)\n%s\n\n", e.Index, header, e.Chunk.Text)
		} else {
			fmt.Fprintf(&b, "[%d]\n%s\n\n", e.Index, e.Chunk.Text)
		}
	}
	fmt.Fprintf(&b, "Question: %s", query)
	return systemPrompt, b.String()
}
