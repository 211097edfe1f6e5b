package parse

import (
	"strings"

	"github.com/ragline-ai/ragline/internal/storage"
)

// parsePlain splits text into blank-line separated blocks.
func parsePlain(data []byte, kind storage.ElementKind) ([]*storage.Element, error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	var elements []*storage.Element
	for _, block := range strings.Split(text, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		elements = append(elements, &storage.Element{
			Kind: kind,
			Text: block,
		})
	}
	return elements, nil
}
