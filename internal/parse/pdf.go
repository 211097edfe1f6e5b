package parse

import (
	"strings"

	"github.com/gen2brain/go-fitz"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/storage"
)

// parsePDF extracts page text with MuPDF and splits each page into
// blank-line separated paragraphs. Page numbers are 1-based.
func parsePDF(data []byte) ([]*storage.Element, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParseFailed, "open pdf", err)
	}
	defer doc.Close()

	var elements []*storage.Element
	for page := 0; page < doc.NumPage(); page++ {
		text, err := doc.Text(page)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParseFailed, "extract pdf page", err)
		}
		for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
			block = strings.TrimSpace(block)
			if block == "" {
				continue
			}
			elements = append(elements, &storage.Element{
				Kind: storage.ElementKindParagraph,
				Text: block,
				Page: page + 1,
			})
		}
	}
	return elements, nil
}
