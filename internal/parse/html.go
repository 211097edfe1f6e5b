package parse

import (
	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/storage"
)

// parseHTML converts to markdown first so headings, tables and lists reuse
// the markdown element walk.
func parseHTML(data []byte) ([]*storage.Element, error) {
	md, err := htmltomarkdown.ConvertString(string(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParseFailed, "convert html", err)
	}
	return parseMarkdown([]byte(md))
}
