package parse

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragline-ai/ragline/internal/apperr"
	"github.com/ragline-ai/ragline/internal/storage"
)

func TestStrategy_MimeTypeWins(t *testing.T) {
	assert.Equal(t, "pdf", Strategy("report.bin", "application/pdf"))
	assert.Equal(t, "html", Strategy("page", "text/html; charset=utf-8"))
	assert.Equal(t, "markdown", Strategy("notes", "text/markdown"))
	assert.Equal(t, "csv", Strategy("data", "text/csv"))
	assert.Equal(t, "tsv", Strategy("data", "text/tab-separated-values"))
	assert.Equal(t, "text", Strategy("readme", "text/plain"))
}

func TestStrategy_ExtensionFallback(t *testing.T) {
	assert.Equal(t, "pdf", Strategy("report.PDF", ""))
	assert.Equal(t, "html", Strategy("page.htm", "application/octet-stream"))
	assert.Equal(t, "markdown", Strategy("notes.markdown", ""))
	assert.Equal(t, "csv", Strategy("data.csv", ""))
	assert.Equal(t, "text", Strategy("readme.txt", ""))
	assert.Equal(t, "", Strategy("image.png", "image/png"))
	assert.Equal(t, "", Strategy("archive.zip", ""))
}

func TestParse_MarkdownStructure(t *testing.T) {
	doc := strings.Join([]string{
		"# Title",
		"",
		"Intro paragraph",
		"spanning two lines.",
		"",
		"## Section",
		"",
		"- first item",
		"- second item",
		"  with a continuation",
		"",
		"| a | b |",
		"| --- | --- |",
		"| 1 | 2 |",
		"",
		"```",
		"code block",
		"```",
	}, "\n")

	p := NewParser()
	elements, err := p.Parse("doc.md", "text/markdown", strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, elements, 7)

	assert.Equal(t, storage.ElementKindHeading, elements[0].Kind)
	assert.Equal(t, 1, elements[0].Level)
	assert.Equal(t, "Title", elements[0].Text)

	assert.Equal(t, storage.ElementKindParagraph, elements[1].Kind)
	assert.Equal(t, "Intro paragraph\nspanning two lines.", elements[1].Text)

	assert.Equal(t, storage.ElementKindHeading, elements[2].Kind)
	assert.Equal(t, 2, elements[2].Level)

	assert.Equal(t, storage.ElementKindListItem, elements[3].Kind)
	assert.Equal(t, "first item", elements[3].Text)
	assert.Equal(t, storage.ElementKindListItem, elements[4].Kind)
	assert.Equal(t, "second item with a continuation", elements[4].Text)

	assert.Equal(t, storage.ElementKindTable, elements[5].Kind)
	assert.Equal(t, "| a | b |\n| --- | --- |\n| 1 | 2 |", elements[5].TableMarkdown)

	assert.Equal(t, storage.ElementKindCode, elements[6].Kind)
	assert.Equal(t, "code block", elements[6].Text)

	for i, el := range elements {
		assert.Equal(t, i, el.Ordinal)
	}
}

func TestParse_MarkdownRaggedTableNormalized(t *testing.T) {
	doc := "| a | b | c |\n| --- | --- | --- |\n| 1 | 2 |\n| 1 | 2 | 3 | 4 |"

	elements, err := NewParser().Parse("t.md", "", strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, elements, 1)

	// Every row is padded or cut to the header width.
	for _, line := range strings.Split(elements[0].TableMarkdown, "\n") {
		assert.Equal(t, 4, strings.Count(line, "|"), line)
	}
}

func TestParse_CSV(t *testing.T) {
	csvDoc := "id,name,qty\n1,bolt,10\n2,\"nut, large\",5\n"

	elements, err := NewParser().Parse("parts.csv", "text/csv", strings.NewReader(csvDoc))
	require.NoError(t, err)
	require.Len(t, elements, 1)

	el := elements[0]
	assert.Equal(t, storage.ElementKindTable, el.Kind)
	lines := strings.Split(el.TableMarkdown, "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "| id | name | qty |", lines[0])
	assert.Equal(t, "| 2 | nut, large | 5 |", lines[3])
}

func TestParse_TSV(t *testing.T) {
	tsvDoc := "id\tname\n1\tbolt\n"

	elements, err := NewParser().Parse("parts.tsv", "text/tab-separated-values", strings.NewReader(tsvDoc))
	require.NoError(t, err)
	require.Len(t, elements, 1)
	assert.Contains(t, elements[0].TableMarkdown, "| id | name |")
}

func TestParse_PlainText(t *testing.T) {
	doc := "First block.\r\n\r\nSecond block\nwith two lines.\n\n\n"

	elements, err := NewParser().Parse("notes.txt", "text/plain", strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, storage.ElementKindParagraph, elements[0].Kind)
	assert.Equal(t, "First block.", elements[0].Text)
	assert.Equal(t, "Second block\nwith two lines.", elements[1].Text)
}

func TestParse_HTML(t *testing.T) {
	doc := "<html><body><h1>Guide</h1><p>Hello world paragraph.</p><ul><li>one</li><li>two</li></ul></body></html>"

	elements, err := NewParser().Parse("page.html", "text/html", strings.NewReader(doc))
	require.NoError(t, err)
	require.NotEmpty(t, elements)

	assert.Equal(t, storage.ElementKindHeading, elements[0].Kind)
	assert.Equal(t, "Guide", elements[0].Text)

	kinds := make(map[storage.ElementKind]int)
	for _, el := range elements {
		kinds[el.Kind]++
	}
	assert.Equal(t, 1, kinds[storage.ElementKindParagraph])
	assert.Equal(t, 2, kinds[storage.ElementKindListItem])
}

func TestParse_UnknownTextFallsBackToOther(t *testing.T) {
	elements, err := NewParser().Parse("data.log", "", strings.NewReader("line one\n\nline two"))
	require.NoError(t, err)
	require.Len(t, elements, 2)
	assert.Equal(t, storage.ElementKindOther, elements[0].Kind)
}

func TestParse_UnknownBinaryFails(t *testing.T) {
	_, err := NewParser().Parse("blob.bin", "application/octet-stream", strings.NewReader("\x00\x01\x02"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindParseFailed, apperr.KindOf(err))
}

func TestParse_EmptyDocumentFails(t *testing.T) {
	_, err := NewParser().Parse("empty.txt", "text/plain", strings.NewReader("   \n\n  "))
	require.Error(t, err)
	assert.Equal(t, apperr.KindParseFailed, apperr.KindOf(err))
}

func TestParseSafe_StripsStructure(t *testing.T) {
	doc := "# Heading\n\n- item one\n\nplain paragraph"

	elements, err := NewParser().ParseSafe("doc.md", "text/markdown", strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, elements, 3)
	for _, el := range elements {
		assert.Equal(t, storage.ElementKindParagraph, el.Kind)
		assert.Equal(t, 0, el.Level)
	}
	assert.Equal(t, "# Heading", elements[0].Text)
}

func TestParseSafe_RejectsBinary(t *testing.T) {
	_, err := NewParser().ParseSafe("blob.dat", "", strings.NewReader("abc\x00def"))
	require.Error(t, err)
	assert.Equal(t, apperr.KindParseFailed, apperr.KindOf(err))
}
