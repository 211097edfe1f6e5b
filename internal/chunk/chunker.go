package chunk

import (
	"strings"
	"unicode/utf8"

	"github.com/ragline-ai/ragline/internal/storage"
)

// Config bounds the chunk windows. Zero values take the defaults below.
type Config struct {
	MinTokens        int
	MaxTokens        int
	OverlapTokens    int
	HeaderBreakLevel int
	MaxTableRows     int
	TableGroupMin    int
	TableGroupMax    int
}

// DefaultConfig returns the standard window bounds.
func DefaultConfig() Config {
	return Config{
		MinTokens:        350,
		MaxTokens:        700,
		OverlapTokens:    105,
		HeaderBreakLevel: 2,
		MaxTableRows:     60,
		TableGroupMin:    20,
		TableGroupMax:    60,
	}
}

// Chunker groups elements into token-bounded retrieval chunks.
type Chunker struct {
	cfg Config
}

// NewChunker creates a chunker, filling unset config fields with defaults.
func NewChunker(cfg Config) *Chunker {
	def := DefaultConfig()
	if cfg.MinTokens <= 0 {
		cfg.MinTokens = def.MinTokens
	}
	if cfg.MaxTokens <= cfg.MinTokens {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.OverlapTokens <= 0 {
		cfg.OverlapTokens = def.OverlapTokens
	}
	if cfg.HeaderBreakLevel <= 0 {
		cfg.HeaderBreakLevel = def.HeaderBreakLevel
	}
	if cfg.MaxTableRows <= 0 {
		cfg.MaxTableRows = def.MaxTableRows
	}
	if cfg.TableGroupMin <= 0 {
		cfg.TableGroupMin = def.TableGroupMin
	}
	if cfg.TableGroupMax < cfg.TableGroupMin {
		cfg.TableGroupMax = def.TableGroupMax
	}
	return &Chunker{cfg: cfg}
}

// headerStack maintains the heading trail while walking elements. Entering a
// level-N heading pops everything at level N or deeper first.
type headerStack struct {
	titles []string
	levels []int
}

func (h *headerStack) enter(level int, title string) {
	for len(h.levels) > 0 && h.levels[len(h.levels)-1] >= level {
		h.levels = h.levels[:len(h.levels)-1]
		h.titles = h.titles[:len(h.titles)-1]
	}
	h.levels = append(h.levels, level)
	h.titles = append(h.titles, title)
}

func (h *headerStack) path() []string {
	out := make([]string, len(h.titles))
	copy(out, h.titles)
	return out
}

// Chunk walks the element stream in reading order. Headings update the
// header path; a heading at or above the break level forces a chunk
// boundary so a chunk never straddles a top-level topic change. Prose feeds
// the window in sentence-sized pieces, so the window fills up to the
// maximum before a cut and every cut chunk clears the minimum. Tables are
// chunked separately from prose: a long table splits into row groups that
// each repeat the header row, so every group stays self-describing.
// Deterministic: the same elements and config always yield the same chunks.
func (c *Chunker) Chunk(elements []*storage.Element) []*storage.Chunk {
	var chunks []*storage.Chunk
	var stack headerStack

	var window []string
	var windowPath []string
	windowPage := 0
	windowRunes := 0
	sectionStart := 0

	add := func(piece, sep string) {
		if len(window) > 0 {
			window = append(window, sep)
			windowRunes += utf8.RuneCountInString(sep)
		}
		window = append(window, piece)
		windowRunes += utf8.RuneCountInString(piece)
	}

	emit := func() *storage.Chunk {
		text := strings.TrimSpace(strings.Join(window, ""))
		window = nil
		windowRunes = 0
		if text == "" {
			return nil
		}
		ch := &storage.Chunk{
			Text:       text,
			TokenCount: EstimateTokens(text),
			HeaderPath: windowPath,
			Page:       windowPage,
		}
		chunks = append(chunks, ch)
		return ch
	}

	// flush ends the current window at a section or table boundary. A
	// remainder below the minimum folds into the previous prose chunk of
	// the same section; when the fold would overflow the maximum, the
	// combined text re-splits near its middle instead.
	flush := func() {
		if len(window) == 0 {
			return
		}
		tokens := tokensForRunes(windowRunes)
		if tokens >= c.cfg.MinTokens || len(chunks) == sectionStart || chunks[len(chunks)-1].IsTable {
			emit()
			return
		}
		text := strings.TrimSpace(strings.Join(window, ""))
		page := windowPage
		window = nil
		windowRunes = 0
		if text == "" {
			return
		}

		prev := chunks[len(chunks)-1]
		merged := prev.Text + "\n\n" + text
		mergedTokens := EstimateTokens(merged)
		if mergedTokens <= c.cfg.MaxTokens || mergedTokens < 2*c.cfg.MinTokens {
			prev.Text = merged
			prev.TokenCount = mergedTokens
			return
		}

		head, tail := SplitByTokens(merged, mergedTokens/2)
		prev.Text = head
		prev.TokenCount = EstimateTokens(head)
		chunks = append(chunks, &storage.Chunk{
			Text:       tail,
			TokenCount: EstimateTokens(tail),
			HeaderPath: prev.HeaderPath,
			Page:       page,
		})
	}

	for _, el := range elements {
		switch el.Kind {
		case storage.ElementKindHeading:
			if el.Level <= c.cfg.HeaderBreakLevel {
				flush()
				sectionStart = len(chunks)
			}
			stack.enter(el.Level, el.Text)

		case storage.ElementKindTable:
			flush()
			table := el.TableMarkdown
			if table == "" {
				table = el.Text
			}
			for _, part := range c.splitTable(table) {
				chunks = append(chunks, &storage.Chunk{
					Text:       part,
					TokenCount: EstimateTokens(part),
					HeaderPath: stack.path(),
					Page:       el.Page,
					IsTable:    true,
				})
			}

		default:
			sep := "\n\n"
			for _, piece := range c.segments(el.Text) {
				if len(window) == 0 {
					windowPath = stack.path()
					windowPage = el.Page
				}
				pieceRunes := utf8.RuneCountInString(piece)

				// Emit before this piece would push the window past the
				// maximum, carrying a tail of the emitted text so adjacent
				// chunks share context across the cut.
				if len(window) > 0 && tokensForRunes(windowRunes+len(sep)+pieceRunes) > c.cfg.MaxTokens {
					emitted := emit()
					windowPath = stack.path()
					windowPage = el.Page
					if emitted != nil {
						if tail := TailByTokens(emitted.Text, c.cfg.OverlapTokens); tail != "" {
							window = []string{tail}
							windowRunes = utf8.RuneCountInString(tail)
						}
					}
				}
				add(piece, sep)
				sep = "\n"
			}
		}
	}
	flush()

	for i, ch := range chunks {
		ch.Ordinal = i
		if ch.HeaderPath == nil {
			ch.HeaderPath = []string{}
		}
	}
	return chunks
}

// segments splits one element's text into pieces no larger than the gap
// between the bounds. That gap is what guarantees a window never has to
// cut below the minimum: by the time a piece overflows the maximum, the
// window already holds at least MinTokens. Sentences carry whole; a single
// sentence over the limit splits at word boundaries.
func (c *Chunker) segments(text string) []string {
	limit := 4 * (c.cfg.MaxTokens - c.cfg.MinTokens - 1)
	if limit < 4 {
		limit = 4
	}
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var out []string
	for _, sentence := range splitSentences(text) {
		if utf8.RuneCountInString(sentence) <= limit {
			out = append(out, sentence)
			continue
		}
		out = append(out, splitWords(sentence, limit)...)
	}
	return out
}

// splitSentences cuts text after sentence punctuation and at line breaks.
func splitSentences(text string) []string {
	var out []string
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		end := r == '\n'
		if (r == '.' || r == '!' || r == '?') && i+1 < len(runes) && runes[i+1] == ' ' {
			end = true
		}
		if !end {
			continue
		}
		if s := strings.TrimSpace(string(runes[start : i+1])); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

// splitWords packs words into pieces of at most runeLimit runes.
func splitWords(s string, runeLimit int) []string {
	var out []string
	var cur []string
	curRunes := 0
	for _, w := range strings.Fields(s) {
		add := utf8.RuneCountInString(w)
		if len(cur) > 0 {
			add++
		}
		if len(cur) > 0 && curRunes+add > runeLimit {
			out = append(out, strings.Join(cur, " "))
			cur = nil
			curRunes = 0
			add = utf8.RuneCountInString(w)
		}
		cur = append(cur, w)
		curRunes += add
	}
	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// splitTable breaks a canonical pipe table into row groups. Tables at or
// under MaxTableRows pass through whole. Each emitted group repeats the
// header and separator rows. A trailing group below TableGroupMin merges
// into the previous group when the result stays within TableGroupMax.
func (c *Chunker) splitTable(table string) []string {
	lines := strings.Split(table, "\n")
	if len(lines) < 3 {
		return []string{table}
	}
	header, separator := lines[0], lines[1]
	rows := lines[2:]

	if len(rows) <= c.cfg.MaxTableRows {
		return []string{table}
	}

	groupSize := (c.cfg.TableGroupMin + c.cfg.TableGroupMax) / 2
	var groups [][]string
	for start := 0; start < len(rows); start += groupSize {
		end := start + groupSize
		if end > len(rows) {
			end = len(rows)
		}
		groups = append(groups, rows[start:end])
	}

	if n := len(groups); n > 1 && len(groups[n-1]) < c.cfg.TableGroupMin {
		if len(groups[n-2])+len(groups[n-1]) <= c.cfg.TableGroupMax {
			groups[n-2] = append(groups[n-2], groups[n-1]...)
			groups = groups[:n-1]
		}
	}

	parts := make([]string, 0, len(groups))
	for _, g := range groups {
		parts = append(parts, header+"\n"+separator+"\n"+strings.Join(g, "\n"))
	}
	return parts
}
