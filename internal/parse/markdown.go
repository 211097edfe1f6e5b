package parse

import (
	"regexp"
	"strings"

	"github.com/ragline-ai/ragline/internal/storage"
)

var atxHeading = regexp.MustCompile(`^(#{1,6})\s+(.*?)\s*#*\s*$`)

// parseMarkdown walks the document line by line. Fenced code and pipe
// tables become single elements, list items are emitted individually, and
// everything else groups into blank-line separated paragraphs.
func parseMarkdown(data []byte) ([]*storage.Element, error) {
	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	var (
		elements []*storage.Element
		para     []string
	)

	flushPara := func() {
		text := strings.TrimSpace(strings.Join(para, "\n"))
		para = para[:0]
		if text == "" {
			return
		}
		elements = append(elements, &storage.Element{
			Kind: storage.ElementKindParagraph,
			Text: text,
		})
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			flushPara()
			continue
		}

		if m := atxHeading.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			elements = append(elements, &storage.Element{
				Kind:  storage.ElementKindHeading,
				Level: len(m[1]),
				Text:  strings.TrimSpace(m[2]),
			})
			continue
		}

		if strings.HasPrefix(trimmed, "```") {
			flushPara()
			var code []string
			for i++; i < len(lines); i++ {
				if strings.HasPrefix(strings.TrimSpace(lines[i]), "```") {
					break
				}
				code = append(code, lines[i])
			}
			text := strings.TrimRight(strings.Join(code, "\n"), "\n")
			if strings.TrimSpace(text) != "" {
				elements = append(elements, &storage.Element{
					Kind: storage.ElementKindCode,
					Text: text,
				})
			}
			continue
		}

		if isTableRow(trimmed) && i+1 < len(lines) && isTableSeparator(strings.TrimSpace(lines[i+1])) {
			flushPara()
			var raw []string
			for ; i < len(lines); i++ {
				t := strings.TrimSpace(lines[i])
				if !isTableRow(t) {
					i--
					break
				}
				raw = append(raw, t)
			}
			if tbl := canonicalTable(raw); tbl != "" {
				elements = append(elements, &storage.Element{
					Kind:          storage.ElementKindTable,
					Text:          tbl,
					TableMarkdown: tbl,
				})
			}
			continue
		}

		if m := listItem.FindStringSubmatch(trimmed); m != nil {
			flushPara()
			item := strings.TrimSpace(trimmed[len(m[0]):])
			// Continuation lines indented under the marker belong to the item.
			for i+1 < len(lines) {
				next := lines[i+1]
				if strings.TrimSpace(next) == "" || listItem.MatchString(strings.TrimSpace(next)) ||
					!strings.HasPrefix(next, "  ") {
					break
				}
				item += " " + strings.TrimSpace(next)
				i++
			}
			if item != "" {
				elements = append(elements, &storage.Element{
					Kind: storage.ElementKindListItem,
					Text: item,
				})
			}
			continue
		}

		para = append(para, trimmed)
	}
	flushPara()

	return elements, nil
}

func isTableRow(line string) bool {
	return strings.HasPrefix(line, "|") && strings.Count(line, "|") >= 2
}

var tableSeparator = regexp.MustCompile(`^\|?[\s:|-]+\|?$`)

func isTableSeparator(line string) bool {
	return strings.Contains(line, "-") && tableSeparator.MatchString(line)
}

var listItem = regexp.MustCompile(`^(?:[-*+]|\d+[.)])\s+`)

// canonicalTable normalizes a pipe table: trimmed cells, a single separator
// row, uniform column count taken from the header.
func canonicalTable(raw []string) string {
	var rows [][]string
	for _, line := range raw {
		if isTableSeparator(line) {
			continue
		}
		rows = append(rows, splitTableRow(line))
	}
	if len(rows) == 0 {
		return ""
	}

	cols := len(rows[0])
	var b strings.Builder
	for i, row := range rows {
		for len(row) < cols {
			row = append(row, "")
		}
		b.WriteString("| " + strings.Join(row[:cols], " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", cols) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func splitTableRow(line string) []string {
	line = strings.Trim(line, "|")
	parts := strings.Split(line, "|")
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}
