package parse

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/storage"
)

// Word stores the document body as a flat block sequence; decoding with an
// ",any" slice keeps paragraphs and tables in reading order. Unqualified
// field names match the wordprocessingml namespace local names.
type docxDocument struct {
	Body struct {
		Blocks []docxBlock `xml:",any"`
	} `xml:"body"`
}

type docxBlock struct {
	XMLName xml.Name
	Props   struct {
		Style struct {
			Val string `xml:"val,attr"`
		} `xml:"pStyle"`
	} `xml:"pPr"`
	Runs []docxRun `xml:"r"`
	Rows []docxRow `xml:"tr"`
}

type docxRun struct {
	Text []string `xml:"t"`
}

type docxPara struct {
	Runs []docxRun `xml:"r"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paragraphs []docxPara `xml:"p"`
}

// parseDocx extracts headings, paragraphs and tables from a Word document.
// Heading levels come from the built-in HeadingN paragraph styles.
func parseDocx(data []byte) ([]*storage.Element, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParseFailed, "open docx archive", err)
	}

	var body []byte
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParseFailed, "open docx body", err)
		}
		body, err = io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParseFailed, "read docx body", err)
		}
		break
	}
	if body == nil {
		return nil, apperr.New(apperr.KindParseFailed, "docx missing word/document.xml")
	}

	var doc docxDocument
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, apperr.Wrap(apperr.KindParseFailed, "decode docx body", err)
	}

	var elements []*storage.Element
	for _, block := range doc.Body.Blocks {
		switch block.XMLName.Local {
		case "p":
			text := runText(block.Runs)
			if text == "" {
				continue
			}
			if level, ok := headingLevel(block.Props.Style.Val); ok {
				elements = append(elements, &storage.Element{
					Kind:  storage.ElementKindHeading,
					Level: level,
					Text:  text,
				})
				continue
			}
			elements = append(elements, &storage.Element{
				Kind: storage.ElementKindParagraph,
				Text: text,
			})

		case "tbl":
			records := make([][]string, 0, len(block.Rows))
			for _, row := range block.Rows {
				cells := make([]string, len(row.Cells))
				for i, cell := range row.Cells {
					cells[i] = cellText(cell)
				}
				records = append(records, cells)
			}
			if table := tableFromRecords(records); table != "" {
				elements = append(elements, &storage.Element{
					Kind:          storage.ElementKindTable,
					Text:          table,
					TableMarkdown: table,
				})
			}
		}
	}
	return elements, nil
}

func runText(runs []docxRun) string {
	var b strings.Builder
	for _, r := range runs {
		for _, t := range r.Text {
			b.WriteString(t)
		}
	}
	return strings.TrimSpace(b.String())
}

func cellText(cell docxCell) string {
	parts := make([]string, 0, len(cell.Paragraphs))
	for _, p := range cell.Paragraphs {
		if text := runText(p.Runs); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// headingLevel maps a Word paragraph style to a heading level. The Title
// style counts as level one; HeadingN styles clamp to six.
func headingLevel(style string) (int, bool) {
	if style == "Title" {
		return 1, true
	}
	if !strings.HasPrefix(style, "Heading") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(style, "Heading"))
	if err != nil || n < 1 {
		return 0, false
	}
	if n > 6 {
		n = 6
	}
	return n, true
}

// parseXlsx renders every sheet of a workbook as one table element, headed
// by the sheet name so breadcrumbs identify the sheet.
func parseXlsx(data []byte) ([]*storage.Element, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindParseFailed, "open xlsx workbook", err)
	}
	defer f.Close()

	var elements []*storage.Element
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindParseFailed, "read xlsx sheet", err)
		}
		table := tableFromRecords(rows)
		if table == "" {
			continue
		}
		elements = append(elements,
			&storage.Element{Kind: storage.ElementKindHeading, Level: 2, Text: sheet},
			&storage.Element{Kind: storage.ElementKindTable, Text: table, TableMarkdown: table},
		)
	}
	return elements, nil
}
