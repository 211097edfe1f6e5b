// Package parse turns raw uploads into ordered document elements.
package parse

import (
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/storage"
)

// Parser dispatches on mime type and file extension. All strategies produce
// the same element stream, so downstream stages never care about the source
// format.
type Parser struct{}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse extracts ordered elements from a document. Unknown formats fall back
// to a plain-text read with elements marked kind "other". A document that
// yields no elements at all is a terminal parse failure.
func (p *Parser) Parse(filename, mimeType string, r io.Reader) ([]*storage.Element, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "read document", err)
	}

	var elements []*storage.Element
	switch Strategy(filename, mimeType) {
	case "pdf":
		elements, err = parsePDF(data)
	case "html":
		elements, err = parseHTML(data)
	case "markdown":
		elements, err = parseMarkdown(data)
	case "csv":
		elements, err = parseDelimited(data, ',')
	case "tsv":
		elements, err = parseDelimited(data, '\t')
	case "docx":
		elements, err = parseDocx(data)
	case "xlsx":
		elements, err = parseXlsx(data)
	case "text":
		elements, err = parsePlain(data, storage.ElementKindParagraph)
	default:
		if bytes.ContainsRune(data, 0) {
			return nil, apperr.Newf(apperr.KindParseFailed, "binary content with unsupported type %q", mimeType)
		}
		elements, err = parsePlain(data, storage.ElementKindOther)
	}
	return finish(elements, err)
}

// ParseSafe ignores document structure and extracts plain text only. Used
// for safe-mode uploads where the caller does not trust the markup. PDFs
// still go through text extraction since that is already structure-free;
// Office archives are extracted first and then demoted to paragraphs.
func (p *Parser) ParseSafe(filename, mimeType string, r io.Reader) ([]*storage.Element, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "read document", err)
	}

	switch Strategy(filename, mimeType) {
	case "pdf":
		elements, err := parsePDF(data)
		return finish(elements, err)
	case "docx":
		elements, err := parseDocx(data)
		return finish(demote(elements), err)
	case "xlsx":
		elements, err := parseXlsx(data)
		return finish(demote(elements), err)
	}
	if bytes.ContainsRune(data, 0) {
		return nil, apperr.Newf(apperr.KindParseFailed, "binary content with unsupported type %q", mimeType)
	}
	elements, err := parsePlain(data, storage.ElementKindParagraph)
	return finish(elements, err)
}

// demote flattens structured elements to bare paragraphs for safe mode.
func demote(elements []*storage.Element) []*storage.Element {
	out := make([]*storage.Element, 0, len(elements))
	for _, el := range elements {
		if strings.TrimSpace(el.Text) == "" {
			continue
		}
		out = append(out, &storage.Element{
			Kind: storage.ElementKindParagraph,
			Page: el.Page,
			Text: el.Text,
		})
	}
	return out
}

func finish(elements []*storage.Element, err error) ([]*storage.Element, error) {
	if err != nil {
		return nil, err
	}
	if len(elements) == 0 {
		return nil, apperr.New(apperr.KindParseFailed, "document produced no elements")
	}
	for i, el := range elements {
		el.Ordinal = i
	}
	return elements, nil
}

// Strategy resolves the parse strategy for a file, or "" when unsupported.
// The facade uses it to reject unsupported uploads before storing anything.
func Strategy(filename, mimeType string) string {
	mt := mimeType
	if i := strings.Index(mt, ";"); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.TrimSpace(strings.ToLower(mt))

	switch mt {
	case "application/pdf":
		return "pdf"
	case "text/html", "application/xhtml+xml":
		return "html"
	case "text/markdown":
		return "markdown"
	case "text/csv":
		return "csv"
	case "text/tab-separated-values":
		return "tsv"
	case "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return "docx"
	case "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":
		return "xlsx"
	case "text/plain":
		return "text"
	}

	switch strings.ToLower(path.Ext(filename)) {
	case ".pdf":
		return "pdf"
	case ".html", ".htm":
		return "html"
	case ".md", ".markdown":
		return "markdown"
	case ".csv":
		return "csv"
	case ".tsv":
		return "tsv"
	case ".docx":
		return "docx"
	case ".xlsx":
		return "xlsx"
	case ".txt":
		return "text"
	}
	return ""
}
