package history

import (
	"regexp"
	"strings"
)

// BlockKind classifies a span of the history file.
type BlockKind int

const (
	// Preamble is the file header before the first run or topic heading.
	Preamble BlockKind = iota
	// Framing covers run headers, topic headers and the blank lines between entries.
	Framing
	// Entry is one analyzed paper, from its title heading through its separator.
	Entry
)

func (k BlockKind) String() string {
	switch k {
	case Preamble:
		return "preamble"
	case Framing:
		return "framing"
	case Entry:
		return "entry"
	}
	return "unknown"
}

const separator = "---"

// A run header always carries the run date, which lets a truncated entry be
// closed when the next run section starts.
var runHeader = regexp.MustCompile(`^## .*\d{4}-\d{2}-\d{2}`)

// Block is a contiguous span of the history file. Text holds the exact
// bytes of the span, line endings included.
type Block struct {
	Kind  BlockKind
	Title string
	Text  string
}

// Record is the parsed history file. Concatenating the Text of every block
// reproduces the file byte-for-byte.
type Record struct {
	Blocks []Block
}

// Parse splits history text into blocks. It never fails: text that does not
// look like an entry is kept as preamble or framing.
func Parse(text string) *Record {
	lines := splitLines(text)
	rec := &Record{}

	var (
		cur        *Block
		buf        strings.Builder
		inPreamble = true
	)
	flush := func() {
		if cur != nil && buf.Len() > 0 {
			cur.Text = buf.String()
			rec.Blocks = append(rec.Blocks, *cur)
		}
		cur = nil
		buf.Reset()
	}

	for i, line := range lines {
		trimmed := strings.TrimRight(line, "\r\n")

		if cur != nil && cur.Kind == Entry {
			if runHeader.MatchString(trimmed) {
				flush()
			} else {
				buf.WriteString(line)
				if strings.TrimSpace(trimmed) == separator {
					flush()
				}
				continue
			}
		}

		if isEntryStart(lines, i) {
			flush()
			inPreamble = false
			cur = &Block{Kind: Entry, Title: headingText(trimmed)}
			buf.WriteString(line)
			continue
		}

		if strings.HasPrefix(trimmed, "## ") || strings.HasPrefix(trimmed, "### ") {
			inPreamble = false
		}
		kind := Framing
		if inPreamble {
			kind = Preamble
		}
		if cur == nil || cur.Kind != kind {
			flush()
			cur = &Block{Kind: kind}
		}
		buf.WriteString(line)
	}
	flush()
	return rec
}

// String renders the record back to text.
func (r *Record) String() string {
	var b strings.Builder
	for _, blk := range r.Blocks {
		b.WriteString(blk.Text)
	}
	return b.String()
}

// Entries returns the entry blocks in file order.
func (r *Record) Entries() []Block {
	var out []Block
	for _, blk := range r.Blocks {
		if blk.Kind == Entry {
			out = append(out, blk)
		}
	}
	return out
}

// isEntryStart reports whether lines[i] opens an entry. Entries are headed by
// "#### "; the older flat layout used "### " directly followed by metadata.
func isEntryStart(lines []string, i int) bool {
	line := strings.TrimRight(lines[i], "\r\n")
	if strings.HasPrefix(line, "#### ") {
		return true
	}
	if !strings.HasPrefix(line, "### ") {
		return false
	}
	for _, next := range lines[i+1:] {
		next = strings.TrimSpace(next)
		if next == "" {
			continue
		}
		return strings.HasPrefix(next, "**")
	}
	return false
}

func headingText(line string) string {
	return strings.TrimSpace(strings.TrimLeft(line, "#"))
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
