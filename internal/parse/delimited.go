package parse

import (
	"bytes"
	"encoding/csv"
	"strings"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/storage"
)

// parseDelimited reads CSV or TSV into a single canonical table element.
// The first record is treated as the header row.
func parseDelimited(data []byte, comma rune) ([]*storage.Element, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = comma
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParseFailed, "read delimited data", err)
	}

	table := tableFromRecords(records)
	if table == "" {
		return nil, nil
	}
	return []*storage.Element{{
		Kind:          storage.ElementKindTable,
		Text:          table,
		TableMarkdown: table,
	}}, nil
}

// tableFromRecords renders records as a canonical pipe table, the first
// record as the header row. Rows are padded or cut to the header width.
// Empty input renders as "".
func tableFromRecords(records [][]string) string {
	if len(records) == 0 || len(records[0]) == 0 {
		return ""
	}
	cols := len(records[0])
	var b strings.Builder
	for i, rec := range records {
		cells := make([]string, cols)
		for j := 0; j < cols; j++ {
			if j < len(rec) {
				cells[j] = strings.TrimSpace(rec[j])
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		if i == 0 {
			b.WriteString("|" + strings.Repeat(" --- |", cols) + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
